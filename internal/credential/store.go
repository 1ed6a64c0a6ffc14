package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	poolSnapshotFile = "provider_pools.json"
	credFileMode     = 0o600
	credDirMode      = 0o700
)

// FileStore owns the configs/ directory: credential files per provider slug,
// the debounced pool snapshot, and the upload staging area.
type FileStore struct {
	root string

	mu          sync.Mutex
	snapTimer   *time.Timer
	snapDebounce time.Duration
	snapFn      func() map[ProviderType][]*Node
}

func NewFileStore(root string, snapshotDebounce time.Duration) (*FileStore, error) {
	if snapshotDebounce <= 0 {
		snapshotDebounce = 500 * time.Millisecond
	}
	fs := &FileStore{root: root, snapDebounce: snapshotDebounce}
	for _, dir := range []string{root, filepath.Join(root, "temp")} {
		if err := os.MkdirAll(dir, credDirMode); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	// The directory must be writable or credentials are lost on refresh.
	probe := filepath.Join(root, ".probe")
	if err := os.WriteFile(probe, nil, credFileMode); err != nil {
		return nil, fmt.Errorf("config dir not writable: %w", err)
	}
	os.Remove(probe)
	return fs, nil
}

// Root returns the configs/ directory path.
func (fs *FileStore) Root() string { return fs.root }

// TempDir returns the upload staging directory.
func (fs *FileStore) TempDir() string { return filepath.Join(fs.root, "temp") }

// CredentialFile is the on-disk shape of one credential.
type CredentialFile struct {
	ProviderType ProviderType `json:"provider_type,omitempty"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    string       `json:"expires_at,omitempty"` // ISO-8601
	AccountID    string       `json:"account_id,omitempty"`
	Email        string       `json:"email,omitempty"`
	IDToken      string       `json:"id_token,omitempty"`
	ClientID     string       `json:"client_id,omitempty"`
	ClientSecret string       `json:"client_secret,omitempty"`
	Region       string       `json:"region,omitempty"`
	MachineID    string       `json:"machine_id,omitempty"`
	AgentID      string       `json:"LETTA_AGENT_ID,omitempty"`
	AuthMethod   string       `json:"auth_method,omitempty"`
	Priority     int          `json:"priority,omitempty"`
}

// WriteCredential persists a credential file for a provider, named
// <timestamp>_<slug>[-<email>].json, mode 0600, atomically.
func (fs *FileStore) WriteCredential(p ProviderType, cf *CredentialFile, issuedAt time.Time) (string, error) {
	dir := filepath.Join(fs.root, p.Slug())
	if err := os.MkdirAll(dir, credDirMode); err != nil {
		return "", fmt.Errorf("create provider dir: %w", err)
	}

	name := fmt.Sprintf("%d_%s", issuedAt.UnixMilli(), p.Slug())
	if cf.Email != "" {
		name += "-" + sanitizeFilePart(cf.Email)
	}
	path := filepath.Join(dir, name+".json")

	if cf.ProviderType == "" {
		cf.ProviderType = p
	}
	if err := atomicWriteJSON(path, cf); err != nil {
		return "", err
	}
	return path, nil
}

// UpdateCredential rewrites an existing credential file in place (same path),
// atomically, after a token refresh.
func (fs *FileStore) UpdateCredential(path string, cf *CredentialFile) error {
	if path == "" {
		return fmt.Errorf("credential has no source file")
	}
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(fs.root)) {
		return fmt.Errorf("credential path escapes config dir: %s", path)
	}
	return atomicWriteJSON(path, cf)
}

// ReadCredential loads a credential file.
func (fs *FileStore) ReadCredential(path string) (*CredentialFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cf CredentialFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &cf, nil
}

// Scan walks all provider slug directories and returns credential files not
// yet registered (paths absent from the known set). Used by the auto-link pass.
func (fs *FileStore) Scan(known map[string]bool) (map[ProviderType][]string, error) {
	found := make(map[ProviderType][]string)
	for _, p := range All() {
		dir := filepath.Join(fs.root, p.Slug())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if known[path] {
				continue
			}
			found[p] = append(found[p], path)
		}
	}
	return found, nil
}

// DeleteCredential removes a credential file. Missing files are not an error:
// the node may have been imported without one.
func (fs *FileStore) DeleteCredential(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SetSnapshotSource registers the callback producing the pool state to
// snapshot. Must be set before ScheduleSnapshot is called.
func (fs *FileStore) SetSnapshotSource(fn func() map[ProviderType][]*Node) {
	fs.mu.Lock()
	fs.snapFn = fn
	fs.mu.Unlock()
}

// ScheduleSnapshot arms the debounced write of provider_pools.json. Rapid
// mutations within the debounce window collapse into one write.
func (fs *FileStore) ScheduleSnapshot() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.snapFn == nil {
		return
	}
	if fs.snapTimer != nil {
		fs.snapTimer.Stop()
	}
	fs.snapTimer = time.AfterFunc(fs.snapDebounce, fs.writeSnapshot)
}

// FlushSnapshot writes the snapshot immediately, cancelling a pending timer.
func (fs *FileStore) FlushSnapshot() {
	fs.mu.Lock()
	if fs.snapTimer != nil {
		fs.snapTimer.Stop()
		fs.snapTimer = nil
	}
	fs.mu.Unlock()
	fs.writeSnapshot()
}

func (fs *FileStore) writeSnapshot() {
	fs.mu.Lock()
	fn := fs.snapFn
	fs.mu.Unlock()
	if fn == nil {
		return
	}

	pools := fn()
	out := make(map[string][]*Node, len(pools))
	for p, nodes := range pools {
		out[string(p)] = nodes
	}
	path := filepath.Join(fs.root, poolSnapshotFile)
	if err := atomicWriteJSON(path, out); err != nil {
		slog.Error("pool snapshot write failed", "path", path, "error", err)
	}
}

// LoadSnapshot reads provider_pools.json, if present, restoring runtime
// counters and states across restarts.
func (fs *FileStore) LoadSnapshot() (map[ProviderType][]*Node, error) {
	data, err := os.ReadFile(filepath.Join(fs.root, poolSnapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var raw map[string][]*Node
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pool snapshot: %w", err)
	}
	out := make(map[ProviderType][]*Node, len(raw))
	for k, v := range raw {
		out[ProviderType(k)] = v
	}
	return out, nil
}

// atomicWriteJSON writes via a temp file and rename so concurrent readers
// never observe a partial file.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, credFileMode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func sanitizeFilePart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, s)
}

// NodeFromFile builds a pool node from a credential file.
func NodeFromFile(id string, p ProviderType, path string, cf *CredentialFile, now time.Time) *Node {
	n := &Node{
		UUID:         id,
		ProviderType: p,
		Secrets: Secrets{
			AccessToken:  cf.AccessToken,
			RefreshToken: cf.RefreshToken,
			IDToken:      cf.IDToken,
			ClientID:     cf.ClientID,
			ClientSecret: cf.ClientSecret,
			Region:       cf.Region,
			AccountID:    cf.AccountID,
			Email:        cf.Email,
			MachineID:    cf.MachineID,
			AgentID:      cf.AgentID,
			AuthMethod:   cf.AuthMethod,
		},
		Priority:   cf.Priority,
		IsHealthy:  true,
		State:      StateHealthy,
		CreatedAt:  now,
		SourcePath: path,
	}
	if n.Priority == 0 {
		n.Priority = 100
	}
	if cf.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, cf.ExpiresAt); err == nil {
			n.ExpiresAt = &t
		}
	}
	return n
}

// FileFromNode renders the credential file shape for a node's current secrets.
func FileFromNode(n *Node) *CredentialFile {
	cf := &CredentialFile{
		ProviderType: n.ProviderType,
		AccessToken:  n.Secrets.AccessToken,
		RefreshToken: n.Secrets.RefreshToken,
		IDToken:      n.Secrets.IDToken,
		ClientID:     n.Secrets.ClientID,
		ClientSecret: n.Secrets.ClientSecret,
		Region:       n.Secrets.Region,
		AccountID:    n.Secrets.AccountID,
		Email:        n.Secrets.Email,
		MachineID:    n.Secrets.MachineID,
		AgentID:      n.Secrets.AgentID,
		AuthMethod:   n.Secrets.AuthMethod,
		Priority:     n.Priority,
	}
	if n.ExpiresAt != nil {
		cf.ExpiresAt = n.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return cf
}

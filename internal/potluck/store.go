// Package potluck manages client-facing quota keys (maki_*) and admin
// session tokens, persisted in configs/token-store.json.
package potluck

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

const (
	tokenStoreFile = "token-store.json"
	keyPrefix      = "maki_"

	adminSessionTTL = 24 * time.Hour
)

var (
	ErrKeyNotFound   = errors.New("potluck key not found")
	ErrKeyDisabled   = errors.New("potluck key disabled")
	ErrQuotaExceeded = errors.New("daily quota exceeded")
)

// Key is one client quota key. The plaintext is shown once at creation;
// only its hash is stored.
type Key struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Prefix     string     `json:"prefix"` // first chars for display
	Hash       string     `json:"hash"`
	DailyLimit int        `json:"dailyLimit"`
	UsedToday  int        `json:"usedToday"`
	CountDay   string     `json:"countDay"` // YYYY-MM-DD the counter belongs to
	Disabled   bool       `json:"disabled"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// adminSession is a logged-in admin token; the stored hash is scrypt-derived.
type adminSession struct {
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type storeFile struct {
	Keys     []*Key          `json:"potluck_keys"`
	Sessions []*adminSession `json:"admin_sessions"`
}

// Store owns token-store.json. All mutations write through.
type Store struct {
	path   string
	secret string

	mu   sync.Mutex
	data storeFile
}

// NewStore loads (or initialises) the token store. secret salts the key
// hashes so a leaked store file alone cannot be replayed.
func NewStore(dir, secret string) (*Store, error) {
	s := &Store{path: filepath.Join(dir, tokenStoreFile), secret: secret}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	return s, nil
}

// CreateKey mints a new key and returns the plaintext once.
func (s *Store) CreateKey(name string, dailyLimit int) (string, *Key, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plain := keyPrefix + hex.EncodeToString(raw)

	key := &Key{
		ID:         uuid.New().String(),
		Name:       name,
		Prefix:     plain[:len(keyPrefix)+8],
		Hash:       s.hashKey(plain),
		DailyLimit: dailyLimit,
		CountDay:   today(),
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Keys = append(s.data.Keys, key)
	if err := s.persistLocked(); err != nil {
		return "", nil, err
	}
	return plain, cloneKey(key), nil
}

// Authenticate resolves a plaintext key.
func (s *Store) Authenticate(plain string) (*Key, error) {
	hash := s.hashKey(plain)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.data.Keys {
		if k.Hash == hash {
			if k.Disabled {
				return nil, ErrKeyDisabled
			}
			return cloneKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

// Consume counts one request against the key's daily limit, rolling the
// counter over at the day boundary.
func (s *Store) Consume(id string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.findLocked(id)
	if k == nil {
		return nil, ErrKeyNotFound
	}
	if k.Disabled {
		return nil, ErrKeyDisabled
	}

	day := today()
	if k.CountDay != day {
		k.CountDay = day
		k.UsedToday = 0
	}
	if k.DailyLimit > 0 && k.UsedToday >= k.DailyLimit {
		return nil, ErrQuotaExceeded
	}
	k.UsedToday++
	now := time.Now().UTC()
	k.LastUsedAt = &now

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return cloneKey(k), nil
}

// ListKeys returns all keys (hashes included; handlers redact).
func (s *Store) ListKeys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Key, 0, len(s.data.Keys))
	for _, k := range s.data.Keys {
		out = append(out, cloneKey(k))
	}
	return out
}

// GetKey returns one key.
func (s *Store) GetKey(id string) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k := s.findLocked(id); k != nil {
		return cloneKey(k), nil
	}
	return nil, ErrKeyNotFound
}

// UpdateKey mutates the limit or disabled flag.
func (s *Store) UpdateKey(id string, dailyLimit *int, disabled *bool) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.findLocked(id)
	if k == nil {
		return nil, ErrKeyNotFound
	}
	if dailyLimit != nil {
		k.DailyLimit = *dailyLimit
	}
	if disabled != nil {
		k.Disabled = *disabled
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return cloneKey(k), nil
}

// DeleteKey removes a key.
func (s *Store) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, k := range s.data.Keys {
		if k.ID == id {
			s.data.Keys = append(s.data.Keys[:i], s.data.Keys[i+1:]...)
			return s.persistLocked()
		}
	}
	return ErrKeyNotFound
}

// --- admin sessions ---

// CreateSession mints an admin session token after a successful login.
func (s *Store) CreateSession() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash, err := scryptHash(token, salt)
	if err != nil {
		return "", err
	}

	sess := &adminSession{
		Hash:      hash,
		Salt:      hex.EncodeToString(salt),
		ExpiresAt: time.Now().Add(adminSessionTTL),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneSessionsLocked(time.Now())
	s.data.Sessions = append(s.data.Sessions, sess)
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return token, nil
}

// ValidateSession checks an admin session token.
func (s *Store) ValidateSession(token string) bool {
	s.mu.Lock()
	sessions := make([]*adminSession, len(s.data.Sessions))
	copy(sessions, s.data.Sessions)
	s.mu.Unlock()

	now := time.Now()
	for _, sess := range sessions {
		if now.After(sess.ExpiresAt) {
			continue
		}
		salt, err := hex.DecodeString(sess.Salt)
		if err != nil {
			continue
		}
		hash, err := scryptHash(token, salt)
		if err != nil {
			continue
		}
		if hash == sess.Hash {
			return true
		}
	}
	return false
}

// --- internals ---

func (s *Store) findLocked(id string) *Key {
	for _, k := range s.data.Keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

func (s *Store) pruneSessionsLocked(now time.Time) {
	live := s.data.Sessions[:0]
	for _, sess := range s.data.Sessions {
		if now.Before(sess.ExpiresAt) {
			live = append(live, sess)
		}
	}
	s.data.Sessions = live
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename token store: %w", err)
	}
	return nil
}

// hashKey is a fast salted digest: client keys verify on every request.
func (s *Store) hashKey(plain string) string {
	h := sha256.Sum256([]byte(plain + s.secret))
	return hex.EncodeToString(h[:])
}

// scryptHash hardens admin session tokens at rest; login is rare so the
// cost is acceptable.
func scryptHash(token string, salt []byte) (string, error) {
	key, err := scrypt.Key([]byte(token), salt, 32768, 8, 1, 32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func cloneKey(k *Key) *Key {
	c := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

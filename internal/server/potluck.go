package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/potluck"
)

// --- admin CRUD ---

func (s *Server) handlePotluckCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		DailyLimit int    `json:"dailyLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}

	plain, key, err := s.tokens.CreateKey(body.Name, body.DailyLimit)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":  plain, // shown once
		"info": redactKey(key),
	})
}

func (s *Server) handlePotluckList(w http.ResponseWriter, r *http.Request) {
	keys := s.tokens.ListKeys()
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, redactKey(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePotluckGet(w http.ResponseWriter, r *http.Request) {
	key, err := s.tokens.GetKey(r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactKey(key))
}

func (s *Server) handlePotluckUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DailyLimit *int  `json:"dailyLimit"`
		Disabled   *bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	key, err := s.tokens.UpdateKey(r.PathValue("id"), body.DailyLimit, body.Disabled)
	if err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactKey(key))
}

func (s *Server) handlePotluckDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.DeleteKey(r.PathValue("id")); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func redactKey(k *potluck.Key) map[string]any {
	out := map[string]any{
		"id":         k.ID,
		"name":       k.Name,
		"prefix":     k.Prefix,
		"dailyLimit": k.DailyLimit,
		"usedToday":  k.UsedToday,
		"disabled":   k.Disabled,
		"createdAt":  k.CreatedAt.Format(time.RFC3339),
	}
	if k.LastUsedAt != nil {
		out["lastUsedAt"] = k.LastUsedAt.Format(time.RFC3339)
	}
	return out
}

// --- client surface ---

// handlePotluckUsage reports the caller's quota without consuming from it.
func (s *Server) handlePotluckUsage(w http.ResponseWriter, r *http.Request) {
	token := bearerOrAPIKey(r)
	if !strings.HasPrefix(token, "maki_") {
		writeAdminError(w, http.StatusUnauthorized, "potluck key required")
		return
	}
	key, err := s.tokens.Authenticate(token)
	if err != nil {
		writeAdminError(w, http.StatusUnauthorized, "invalid API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       key.Name,
		"dailyLimit": key.DailyLimit,
		"usedToday":  key.UsedToday,
		"remaining":  remaining(key),
	})
}

func remaining(k *potluck.Key) int {
	if k.DailyLimit <= 0 {
		return -1
	}
	rem := k.DailyLimit - k.UsedToday
	if rem < 0 {
		return 0
	}
	return rem
}

func bearerOrAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// --- credential upload & import ---

// handleUpload accepts a raw credential JSON file, stages it to
// configs/temp/, validates, then links it into the pool.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var cf credential.CredentialFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid credential JSON")
		return
	}
	p := cf.ProviderType
	if p == "" {
		if q, ok := credential.Parse(r.URL.Query().Get("provider")); ok {
			p = q
		}
	}
	if _, ok := credential.Parse(string(p)); !ok {
		writeAdminError(w, http.StatusBadRequest, "provider_type is required")
		return
	}
	if cf.AccessToken == "" && cf.RefreshToken == "" {
		writeAdminError(w, http.StatusBadRequest, "credential has no tokens")
		return
	}

	// Stage, then promote into the provider directory.
	staged := filepath.Join(s.store.TempDir(), uuid.New().String()+".json")
	if err := os.WriteFile(staged, raw, 0o600); err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer os.Remove(staged)

	node, err := s.importCredential(p, &cf)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(node))
}

// handleKiroBatchImport registers a list of Kiro token files in one call.
func (s *Server) handleKiroBatchImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	var files []credential.CredentialFile
	if err := json.NewDecoder(r.Body).Decode(&files); err != nil {
		writeAdminError(w, http.StatusBadRequest, "expected a JSON array of credentials")
		return
	}

	type result struct {
		UUID  string `json:"uuid,omitempty"`
		Error string `json:"error,omitempty"`
	}
	results := make([]result, 0, len(files))
	for i := range files {
		cf := files[i]
		node, err := s.importCredential(credential.ProviderKiro, &cf)
		if err != nil {
			results = append(results, result{Error: err.Error()})
			continue
		}
		results = append(results, result{UUID: node.UUID})
	}
	writeJSON(w, http.StatusOK, results)
}

// handleKiroAWSImport converts raw AWS SSO/IdC client credentials into a
// Kiro pool node.
func (s *Server) handleKiroAWSImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		Region       string `json:"region"`
		AccountID    string `json:"account_id"`
		Email        string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.RefreshToken == "" || body.ClientID == "" || body.ClientSecret == "" {
		writeAdminError(w, http.StatusBadRequest, "refresh_token, client_id and client_secret are required")
		return
	}

	cf := &credential.CredentialFile{
		ProviderType: credential.ProviderKiro,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Region:       body.Region,
		AccountID:    body.AccountID,
		Email:        body.Email,
		AuthMethod:   "builder-id",
	}
	node, err := s.importCredential(credential.ProviderKiro, cf)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(node))
}

func (s *Server) importCredential(p credential.ProviderType, cf *credential.CredentialFile) (*credential.Node, error) {
	now := time.Now()
	cf.ProviderType = p
	path, err := s.store.WriteCredential(p, cf, now)
	if err != nil {
		return nil, err
	}
	node := credential.NodeFromFile(uuid.New().String(), p, path, cf, now)
	if err := s.pools.Add(node); err != nil {
		if rmErr := s.store.DeleteCredential(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, rmErr
		}
		return nil, err
	}
	return node, nil
}

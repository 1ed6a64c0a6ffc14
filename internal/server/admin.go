package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/oauth"
	"github.com/makihq/maki-gateway/internal/risk"
)

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) providerFromPath(w http.ResponseWriter, r *http.Request) (credential.ProviderType, bool) {
	p, ok := credential.Parse(r.PathValue("type"))
	if !ok {
		writeAdminError(w, http.StatusNotFound, "unknown provider type")
		return "", false
	}
	return p, true
}

// nodeView redacts secrets for admin listings.
type nodeView struct {
	UUID              string  `json:"uuid"`
	ProviderType      string  `json:"providerType"`
	Email             string  `json:"email,omitempty"`
	AccountID         string  `json:"accountId,omitempty"`
	State             string  `json:"state"`
	Priority          int     `json:"priority"`
	IsHealthy         bool    `json:"isHealthy"`
	IsDisabled        bool    `json:"isDisabled"`
	NeedsRefresh      bool    `json:"needsRefresh"`
	UsageCount        int     `json:"usageCount"`
	ErrorCount        int     `json:"errorCount"`
	AuthFailureStreak int     `json:"authFailureStreak"`
	LastUsed          *string `json:"lastUsed,omitempty"`
	CooldownUntil     *string `json:"cooldownUntil,omitempty"`
	ExpiresAt         *string `json:"expiresAt,omitempty"`
}

func viewOf(n *credential.Node) nodeView {
	v := nodeView{
		UUID:              n.UUID,
		ProviderType:      string(n.ProviderType),
		Email:             n.Secrets.Email,
		AccountID:         n.Secrets.AccountID,
		State:             string(n.State),
		Priority:          n.Priority,
		IsHealthy:         n.IsHealthy,
		IsDisabled:        n.IsDisabled,
		NeedsRefresh:      n.NeedsRefresh,
		UsageCount:        n.UsageCount,
		ErrorCount:        n.ErrorCount,
		AuthFailureStreak: n.AuthFailureStreak,
	}
	v.LastUsed = fmtTime(n.LastUsed)
	v.CooldownUntil = fmtTime(n.CooldownUntil)
	v.ExpiresAt = fmtTime(n.ExpiresAt)
	return v
}

func fmtTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// --- provider listings ---

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, p := range credential.All() {
		nodes := s.pools.List(p)
		out[string(p)] = map[string]any{
			"total":     len(nodes),
			"available": s.pools.AvailableCount(p),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderNodes(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	nodes := s.pools.List(p)
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, viewOf(n))
	}
	writeJSON(w, http.StatusOK, views)
}

// --- node admin actions ---

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	if err := s.pools.Remove(p, r.PathValue("uuid")); err != nil {
		writeAdminError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) observeAdmin(w http.ResponseWriter, r *http.Request, sig risk.Signal, reason string) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	id := r.PathValue("uuid")
	if _, found := s.pools.Get(p, id); !found {
		writeAdminError(w, http.StatusNotFound, "credential not found")
		return
	}
	s.riskEngine.Observe(p, id, sig, risk.Detail{ReasonCode: reason})
	node, _ := s.pools.Get(p, id)
	writeJSON(w, http.StatusOK, viewOf(node))
}

func (s *Server) handleEnableNode(w http.ResponseWriter, r *http.Request) {
	s.observeAdmin(w, r, risk.SignalEnabled, "admin_enable")
}

func (s *Server) handleDisableNode(w http.ResponseWriter, r *http.Request) {
	s.observeAdmin(w, r, risk.SignalDisabled, "admin_disable")
}

func (s *Server) handleReleaseNode(w http.ResponseWriter, r *http.Request) {
	s.observeAdmin(w, r, risk.SignalManualRelease, "admin_release")
}

func (s *Server) handleRefreshNode(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	node, found := s.pools.Get(p, r.PathValue("uuid"))
	if !found {
		writeAdminError(w, http.StatusNotFound, "credential not found")
		return
	}
	fresh, err := s.refresher.Refresh(r.Context(), node)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(fresh))
}

// --- OAuth acquisition ---

func (s *Server) handleGenerateAuthURL(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	flow, ok := s.oauthFlows[p]
	if !ok {
		writeAdminError(w, http.StatusBadRequest, "provider has no acquisition flow")
		return
	}

	var body struct {
		Region       string `json:"region"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	// The body is optional for most flows.
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch flow.Style {
	case oauth.RedirectLoopback:
		s.startLoopbackFlow(w, p, flow)
	case oauth.RedirectCloud:
		s.startCloudFlow(w, p, flow)
	case oauth.RedirectDevice:
		s.startDeviceFlow(w, p, flow, body.Region, body.ClientID, body.ClientSecret)
	}
}

func (s *Server) startLoopbackFlow(w http.ResponseWriter, p credential.ProviderType, flow oauth.Flow) {
	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state, err := oauth.GenerateState()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cs, err := oauth.StartCallbackServer(s.cfg.OAuthCallbackPort, state)
	if err != nil {
		writeAdminError(w, http.StatusConflict, err.Error())
		return
	}
	redirectURI := cs.RedirectURI()
	authURL := flow.AuthURL(redirectURI, pkce, state)
	sess := s.sessions.Create(&oauth.Session{ProviderType: p, AuthURL: authURL, PKCE: pkce, State: state})

	go func() {
		code, err := cs.Await(context.Background(), s.cfg.OAuthSessionTimeout)
		if err != nil {
			slog.Warn("oauth callback failed", "providerType", p, "error", err)
			return
		}
		tokens, err := flow.ExchangeCode(context.Background(), code, pkce.Verifier, redirectURI, "")
		if err != nil {
			slog.Error("oauth code exchange failed", "providerType", p, "error", err)
			return
		}
		s.persistTokens(p, tokens, credential.Secrets{})
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url":   authURL,
		"session_id": sess.ID,
	})
}

func (s *Server) startCloudFlow(w http.ResponseWriter, p credential.ProviderType, flow oauth.Flow) {
	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state, err := oauth.GenerateState()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}

	authURL := flow.AuthURL(flow.RedirectURI, pkce, state)
	sess := s.sessions.Create(&oauth.Session{ProviderType: p, AuthURL: authURL, PKCE: pkce, State: state})

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url":   authURL,
		"session_id": sess.ID,
	})
}

func (s *Server) startDeviceFlow(w http.ResponseWriter, p credential.ProviderType, flow oauth.Flow, region, clientID, clientSecret string) {
	auth, err := flow.StartDevice(context.Background(), clientID, clientSecret)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	sess := s.sessions.Create(&oauth.Session{
		ProviderType: p,
		DeviceCode:   auth.DeviceCode,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Region:       region,
	})

	go func() {
		form := map[string]string{
			"grant_type":  "urn:ietf:params:oauth:grant-type:device_code",
			"device_code": auth.DeviceCode,
			"client_id":   orStr(clientID, flow.ClientID),
		}
		if clientSecret != "" {
			form["client_secret"] = clientSecret
		}
		client := &http.Client{Timeout: 30 * time.Second}
		tokens, err := oauth.PollDeviceToken(context.Background(), client, flow.TokenURL, form, auth, s.cfg.OAuthSessionTimeout)
		if err != nil {
			slog.Warn("device authorization failed", "providerType", p, "error", err)
			return
		}
		s.persistTokens(p, &oauth.TokenResponse{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			ExpiresIn:    tokens.ExpiresIn,
		}, credential.Secrets{
			Region:       region,
			ClientID:     clientID,
			ClientSecret: clientSecret,
		})
	}()

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":                sess.ID,
		"user_code":                 auth.UserCode,
		"verification_uri":          auth.VerificationURI,
		"verification_uri_complete": auth.VerificationURIComplete,
	})
}

// handleExchangeCode completes a cloud-redirect flow with the code the
// operator pasted back.
func (s *Server) handleExchangeCode(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	flow, ok := s.oauthFlows[p]
	if !ok {
		writeAdminError(w, http.StatusBadRequest, "provider has no acquisition flow")
		return
	}

	var body struct {
		SessionID string `json:"session_id"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" || body.Code == "" {
		writeAdminError(w, http.StatusBadRequest, "session_id and code are required")
		return
	}

	sess, err := s.sessions.Take(body.SessionID)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sess.ProviderType != p {
		writeAdminError(w, http.StatusBadRequest, "session belongs to another provider")
		return
	}

	tokens, err := flow.ExchangeCode(r.Context(), body.Code, sess.PKCE.Verifier, flow.RedirectURI, sess.State)
	if err != nil {
		writeAdminError(w, http.StatusBadGateway, err.Error())
		return
	}
	node, err := s.persistTokens(p, tokens, credential.Secrets{})
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(node))
}

// persistTokens writes the credential file and registers the pool node.
func (s *Server) persistTokens(p credential.ProviderType, tokens *oauth.TokenResponse, extra credential.Secrets) (*credential.Node, error) {
	accountID, email := oauth.ParseIDTokenClaims(tokens.IDToken)
	if extra.AccountID == "" {
		extra.AccountID = accountID
	}
	if extra.Email == "" {
		extra.Email = email
	}

	now := time.Now()
	cf := &credential.CredentialFile{
		ProviderType: p,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		AccountID:    extra.AccountID,
		Email:        extra.Email,
		ClientID:     extra.ClientID,
		ClientSecret: extra.ClientSecret,
		Region:       extra.Region,
		AuthMethod:   extra.AuthMethod,
	}
	if exp := expiryString(tokens.ExpiresIn, now); exp != "" {
		cf.ExpiresAt = exp
	}

	path, err := s.store.WriteCredential(p, cf, now)
	if err != nil {
		slog.Error("credential write failed", "providerType", p, "error", err)
		return nil, err
	}

	node := credential.NodeFromFile(uuid.New().String(), p, path, cf, now)
	if err := s.pools.Add(node); err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:         events.EventOAuth,
		ProviderType: string(p),
		UUID:         node.UUID,
		Message:      "credential acquired",
	})
	slog.Info("credential acquired", "providerType", p, "uuid", node.UUID, "email", extra.Email)
	return node, nil
}

func expiryString(expiresIn int, now time.Time) string {
	if expiresIn <= 0 {
		return ""
	}
	return now.Add(time.Duration(expiresIn) * time.Second).UTC().Format(time.RFC3339)
}

func orStr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// --- login & observability ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeAdminError(w, http.StatusBadRequest, "token is required")
		return
	}
	if body.Token != s.cfg.AdminToken {
		writeAdminError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	session, err := s.tokens.CreateSession()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_token": session})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Recent())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logHandler.Recent())
}

func (s *Server) handleRiskJournal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.journal.Recent(500))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pools := make(map[string]int)
	for _, p := range credential.All() {
		pools[string(p)] = s.pools.AvailableCount(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"pools":   pools,
	})
}

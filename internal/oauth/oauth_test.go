package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/makihq/maki-gateway/internal/credential"
)

func TestGeneratePKCEShape(t *testing.T) {
	p, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("pkce: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(p.Verifier)
	if err != nil {
		t.Fatalf("verifier is not base64url: %v", err)
	}
	if len(raw) != 96 {
		t.Fatalf("verifier is %d bytes, want 96", len(raw))
	}

	h := sha256.Sum256([]byte(p.Verifier))
	want := base64.RawURLEncoding.EncodeToString(h[:])
	if p.Challenge != want {
		t.Fatalf("challenge = %q, want base64url(SHA256(verifier))", p.Challenge)
	}
}

func TestGeneratePKCEUnique(t *testing.T) {
	a, _ := GeneratePKCE()
	b, _ := GeneratePKCE()
	if a.Verifier == b.Verifier {
		t.Fatal("verifiers must be random")
	}
}

func TestCallbackRejectsMismatchedState(t *testing.T) {
	cs, err := StartCallbackServer(17455, "good-state")
	if err != nil {
		t.Fatalf("start callback server: %v", err)
	}
	defer cs.Shutdown()

	resp, err := http.Get("http://127.0.0.1:17455/auth/callback?code=abc&state=evil-state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != "Invalid state\n" {
		t.Fatalf("body = %q, want %q", got, "Invalid state\n")
	}

	// The flow keeps waiting: no result was published.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = cs.Await(ctx, 50*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("await did not time out")
	}
	cancel()
}

func TestCallbackDeliversCodeOnce(t *testing.T) {
	cs, err := StartCallbackServer(17456, "state-1")
	if err != nil {
		t.Fatalf("start callback server: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		resp, err := http.Get("http://127.0.0.1:17456/auth/callback?code=the-code&state=state-1")
		if err == nil {
			resp.Body.Close()
		}
	}()

	code, err := cs.Await(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if code != "the-code" {
		t.Fatalf("code = %q", code)
	}
}

func TestCallbackAwaitTimesOut(t *testing.T) {
	cs, err := StartCallbackServer(17457, "state-2")
	if err != nil {
		t.Fatalf("start callback server: %v", err)
	}

	_, err = cs.Await(context.Background(), 30*time.Millisecond)
	if err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestSessionRegistryExpiry(t *testing.T) {
	reg := NewSessionRegistry(30 * time.Millisecond)
	sess := reg.Create(&Session{ProviderType: credential.ProviderClaude})

	time.Sleep(60 * time.Millisecond)
	if _, err := reg.Take(sess.ID); err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestSessionRegistryTakeConsumes(t *testing.T) {
	reg := NewSessionRegistry(time.Minute)
	sess := reg.Create(&Session{ProviderType: credential.ProviderClaude})

	if _, err := reg.Take(sess.ID); err != nil {
		t.Fatalf("take: %v", err)
	}
	if _, err := reg.Take(sess.ID); err == nil {
		t.Fatal("second take must fail")
	}
}

func TestFlowAuthURLCarriesPKCE(t *testing.T) {
	flow := Flows()[credential.ProviderCodex]
	pkce, _ := GeneratePKCE()
	u := flow.AuthURL("http://127.0.0.1:1455/auth/callback", pkce, "st8")

	for _, fragment := range []string{
		"code_challenge=" + pkce.Challenge,
		"code_challenge_method=S256",
		"state=st8",
		"response_type=code",
	} {
		if !strings.Contains(u, fragment) {
			t.Errorf("auth url missing %q: %s", fragment, u)
		}
	}
}

func TestDevicePollHonoursProviderRejection(t *testing.T) {
	srv := &http.Server{Addr: "127.0.0.1:17458"}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":"access_denied"}`)
	})
	srv.Handler = mux
	go srv.ListenAndServe()
	defer srv.Close()
	time.Sleep(20 * time.Millisecond)

	auth := &DeviceAuthorization{DeviceCode: "dc", Interval: 0, ExpiresIn: 60}
	_, err := PollDeviceToken(context.Background(), &http.Client{}, "http://127.0.0.1:17458/token",
		map[string]string{"client_id": "x"}, auth, time.Second)
	if err == nil {
		t.Fatal("expected rejection error")
	}
}

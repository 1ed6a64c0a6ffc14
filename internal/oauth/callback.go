package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrSessionExpired marks an acquisition session that hit its deadline.
var ErrSessionExpired = errors.New("oauth session expired")

// CallbackResult is published exactly once per callback server: a code, an
// error, or a timeout.
type CallbackResult struct {
	Code string
	Err  error
}

// CallbackServer is an ephemeral loopback HTTP listener awaiting the
// provider redirect of one PKCE flow.
type CallbackServer struct {
	addr   string
	state  string
	server *http.Server

	once   sync.Once
	result chan CallbackResult
}

// StartCallbackServer binds the loopback listener and serves /auth/callback
// until a result is published or Shutdown runs.
func StartCallbackServer(port int, state string) (*CallbackServer, error) {
	cs := &CallbackServer{
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
		state:  state,
		result: make(chan CallbackResult, 1),
	}

	ln, err := net.Listen("tcp", cs.addr)
	if err != nil {
		return nil, fmt.Errorf("bind callback port: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", cs.handleCallback)
	cs.server = &http.Server{Handler: mux}

	go func() {
		if err := cs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.publish(CallbackResult{Err: fmt.Errorf("callback server: %w", err)})
		}
	}()

	return cs, nil
}

// RedirectURI is the loopback redirect registered with the provider.
func (cs *CallbackServer) RedirectURI() string {
	return "http://" + cs.addr + "/auth/callback"
}

func (cs *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		cs.publish(CallbackResult{Err: fmt.Errorf("authorization denied: %s", errParam)})
		return
	}
	if q.Get("state") != cs.state {
		// CSRF check failed: no token exchange happens.
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing code", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h3>Login complete.</h3>You can close this tab.</body></html>")
	cs.publish(CallbackResult{Code: code})
}

// publish delivers the result exactly once; later calls are dropped.
func (cs *CallbackServer) publish(res CallbackResult) {
	cs.once.Do(func() {
		cs.result <- res
	})
}

// Await blocks until the callback arrives, the deadline passes, or ctx ends.
// The server is torn down before returning.
func (cs *CallbackServer) Await(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer cs.Shutdown()

	select {
	case res := <-cs.result:
		return res.Code, res.Err
	case <-timer.C:
		cs.publish(CallbackResult{Err: ErrSessionExpired})
		return "", ErrSessionExpired
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown tears the listener down.
func (cs *CallbackServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.server.Shutdown(ctx); err != nil {
		slog.Debug("callback server shutdown", "error", err)
	}
}

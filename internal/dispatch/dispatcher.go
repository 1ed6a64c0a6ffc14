package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/makihq/maki-gateway/internal/config"
	"github.com/makihq/maki-gateway/internal/convert"
	"github.com/makihq/maki-gateway/internal/credential"
	"github.com/makihq/maki-gateway/internal/events"
	"github.com/makihq/maki-gateway/internal/pool"
	"github.com/makihq/maki-gateway/internal/provider"
	"github.com/makihq/maki-gateway/internal/risk"
)

// Metrics is the counter surface the dispatcher reports into.
type Metrics interface {
	DispatchResult(providerType, outcome string)
	Failover(providerType string)
}

type noopMetrics struct{}

func (noopMetrics) DispatchResult(string, string) {}
func (noopMetrics) Failover(string)               {}

// Options shape how a dispatch renders back to the client.
type Options struct {
	ClientProto convert.Protocol
	// OllamaGenerate selects /api/generate framing over /api/chat.
	OllamaGenerate bool
}

// Dispatcher runs the select → send → observe loop for every chat request.
type Dispatcher struct {
	cfg       *config.Config
	pools     *pool.Manager
	registry  *provider.Registry
	refresher *Refresher
	risk      *risk.Engine
	router    *Router
	bus       *events.Bus
	metrics   Metrics
}

func New(cfg *config.Config, pools *pool.Manager, registry *provider.Registry, refresher *Refresher, riskEngine *risk.Engine, router *Router, bus *events.Bus, metrics Metrics) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		cfg:       cfg,
		pools:     pools,
		registry:  registry,
		refresher: refresher,
		risk:      riskEngine,
		router:    router,
		bus:       bus,
		metrics:   metrics,
	}
}

// Router exposes the model router for model-listing handlers.
func (d *Dispatcher) Router() *Router { return d.router }

// Execute relays one chat request end-to-end, including fail-over and the
// client-protocol response/stream rendering.
func (d *Dispatcher) Execute(w http.ResponseWriter, httpReq *http.Request, req *convert.ChatRequest, opts Options) {
	ctx := httpReq.Context()

	providerType, model := d.router.Route(req.Model)
	req.Model = model

	adapter, err := d.registry.Get(providerType)
	if err != nil {
		convert.WriteError(opts.ClientProto, w, http.StatusBadRequest, fmt.Sprintf("no provider for model %q", model))
		return
	}

	tried := make(map[string]bool)
	authRetried := make(map[string]bool)
	var sawRateLimit bool
	var minReset *time.Time

	maxAttempts := d.cfg.RequestMaxRetries + 1

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		node, err := d.pools.SelectExcluding(providerType, tried)
		if err != nil {
			break
		}
		tried[node.UUID] = true
		if attempt > 0 {
			d.metrics.Failover(string(providerType))
		}

		uuid := node.UUID
		node, refreshErr := d.refresher.EnsureFresh(ctx, node)
		if refreshErr != nil {
			slog.Warn("inline refresh failed, excluding credential", "uuid", uuid, "error", refreshErr)
			continue
		}

		outcome := d.attempt(ctx, w, adapter, node, req, opts, authRetried)
		if outcome.kind == attemptRetrySameNode {
			// One inline refresh+retry on the same node after an auth failure.
			if fresh, ok := d.pools.Get(providerType, uuid); ok {
				outcome = d.attempt(ctx, w, adapter, fresh, req, opts, authRetried)
			} else {
				outcome = attemptOutcome{kind: attemptNextNode, signal: outcome.signal}
			}
			if outcome.kind == attemptRetrySameNode {
				outcome = attemptOutcome{kind: attemptNextNode, signal: outcome.signal}
			}
		}
		switch outcome.kind {
		case attemptDone:
			d.metrics.DispatchResult(string(providerType), "success")
			return
		case attemptAbort:
			// Bytes already flushed or client gone: never fail over.
			d.metrics.DispatchResult(string(providerType), "aborted")
			return
		case attemptNextNode:
			if outcome.signal == risk.SignalRateLimited || outcome.signal == risk.SignalQuotaExceeded {
				sawRateLimit = true
				if fresh, ok := d.pools.Get(providerType, node.UUID); ok && fresh.CooldownUntil != nil {
					if minReset == nil || fresh.CooldownUntil.Before(*minReset) {
						minReset = fresh.CooldownUntil
					}
				}
			}
		}
	}

	// Every candidate exhausted.
	d.metrics.DispatchResult(string(providerType), "exhausted")
	d.bus.Publish(events.Event{
		Type:         events.EventDispatch,
		ProviderType: string(providerType),
		Message:      "all candidates exhausted for model " + model,
	})
	if sawRateLimit {
		if minReset != nil {
			retryAfter := int(time.Until(*minReset).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		convert.WriteError(opts.ClientProto, w, http.StatusTooManyRequests, "all credentials are rate limited")
		return
	}
	convert.WriteError(opts.ClientProto, w, http.StatusServiceUnavailable, "no available upstream credential")
}

type attemptKind int

const (
	attemptDone attemptKind = iota
	attemptAbort
	attemptNextNode
	attemptRetrySameNode
)

type attemptOutcome struct {
	kind   attemptKind
	signal risk.Signal
}

func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, node *credential.Node, req *convert.ChatRequest, opts Options, authRetried map[string]bool) attemptOutcome {
	if req.Stream {
		return d.attemptStream(ctx, w, adapter, node, req, opts, authRetried)
	}
	return d.attemptUnary(ctx, w, adapter, node, req, opts, authRetried)
}

func (d *Dispatcher) attemptUnary(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, node *credential.Node, req *convert.ChatRequest, opts Options, authRetried map[string]bool) attemptOutcome {
	resp, err := adapter.Unary(ctx, node, req)
	if err != nil {
		return d.handleAttemptError(ctx, node, err, authRetried)
	}

	d.observe(node, risk.SignalSuccess, risk.Detail{HTTPStatus: http.StatusOK})
	d.pools.MarkUsed(node.ProviderType, node.UUID)
	d.renderResponse(w, resp, opts)
	return attemptOutcome{kind: attemptDone}
}

func (d *Dispatcher) attemptStream(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, node *credential.Node, req *convert.ChatRequest, opts Options, authRetried map[string]bool) attemptOutcome {
	stream, err := adapter.Stream(ctx, node, req)
	if err != nil {
		return d.handleAttemptError(ctx, node, err, authRetried)
	}
	defer stream.Close()

	writer := d.streamWriter(w, req.Model, opts)
	headersSent := false
	hasStreamed := false

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			if !headersSent {
				d.sendStreamHeaders(w, opts)
			}
			if werr := writer.Finish(); werr != nil {
				slog.Debug("stream finish write failed", "error", werr)
			}
			d.observe(node, risk.SignalSuccess, risk.Detail{HTTPStatus: http.StatusOK})
			d.pools.MarkUsed(node.ProviderType, node.UUID)
			return attemptOutcome{kind: attemptDone}
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client cancellation: abort upstream, no penalty.
				return attemptOutcome{kind: attemptAbort}
			}
			if !hasStreamed {
				return d.handleAttemptError(ctx, node, err, authRetried)
			}
			// Bytes are on the wire: report in-band and stop.
			signal, detail := d.classify(err)
			d.observe(node, signal, detail)
			errDetail := convert.ErrorDetailFor(opts.ClientProto, http.StatusBadGateway, "upstream stream interrupted")
			if werr := writer.WriteError(http.StatusBadGateway, errDetail); werr != nil {
				slog.Debug("stream error write failed", "error", werr)
			}
			return attemptOutcome{kind: attemptAbort}
		}

		if !headersSent {
			headersSent = true
			d.sendStreamHeaders(w, opts)
		}
		if err := writer.WriteChunk(*chunk); err != nil {
			// Client write failure counts as cancellation.
			return attemptOutcome{kind: attemptAbort}
		}
		hasStreamed = true
	}
}

func (d *Dispatcher) sendStreamHeaders(w http.ResponseWriter, opts Options) {
	convert.StreamHeaders(opts.ClientProto, w.Header())
	w.WriteHeader(http.StatusOK)
}

func (d *Dispatcher) streamWriter(w http.ResponseWriter, model string, opts Options) convert.StreamWriter {
	if opts.ClientProto == convert.ProtoOllama && opts.OllamaGenerate {
		return convert.NewOllamaGenerateStreamWriter(w, model)
	}
	return convert.NewStreamWriter(opts.ClientProto, w, model)
}

// handleAttemptError classifies a pre-byte failure, updates risk state, and
// decides the loop's next move.
func (d *Dispatcher) handleAttemptError(ctx context.Context, node *credential.Node, err error, authRetried map[string]bool) attemptOutcome {
	if ctx.Err() != nil {
		return attemptOutcome{kind: attemptAbort}
	}

	signal, detail := d.classify(err)
	d.observe(node, signal, detail)
	slog.Warn("upstream attempt failed",
		"providerType", node.ProviderType, "uuid", node.UUID,
		"signal", signal, "status", detail.HTTPStatus)

	if signal == risk.SignalAuthInvalid && !authRetried[node.UUID] {
		authRetried[node.UUID] = true
		if _, rerr := d.refresher.Refresh(ctx, node); rerr == nil {
			return attemptOutcome{kind: attemptRetrySameNode, signal: signal}
		}
	}
	return attemptOutcome{kind: attemptNextNode, signal: signal}
}

func (d *Dispatcher) classify(err error) (risk.Signal, risk.Detail) {
	var ue *provider.UpstreamError
	if errors.As(err, &ue) {
		return risk.ClassifyStatus(ue.Status, ue.Body), risk.Detail{
			HTTPStatus:   ue.Status,
			ErrorSnippet: string(ue.Body),
			ResetAt:      ue.ResetTime(),
		}
	}
	return risk.ClassifyTransport(err), risk.Detail{ErrorSnippet: err.Error()}
}

func (d *Dispatcher) observe(node *credential.Node, signal risk.Signal, detail risk.Detail) {
	d.risk.Observe(node.ProviderType, node.UUID, signal, detail)
}

func (d *Dispatcher) renderResponse(w http.ResponseWriter, resp *convert.ChatResponse, opts Options) {
	var payload any
	switch opts.ClientProto {
	case convert.ProtoAnthropic:
		payload = convert.AnthropicResponseFromOpenAI(resp)
	case convert.ProtoGemini:
		payload = convert.GeminiResponseFromOpenAI(resp)
	case convert.ProtoOllama:
		if opts.OllamaGenerate {
			payload = convert.OllamaGenerateResponseFromOpenAI(resp)
		} else {
			payload = convert.OllamaChatResponseFromOpenAI(resp)
		}
	default:
		payload = resp
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// ListModels fans listModels across every pool in parallel and namespaces
// each id with its provider slug.
func (d *Dispatcher) ListModels(ctx context.Context) []convert.Model {
	type result struct {
		p      credential.ProviderType
		models []convert.Model
	}

	types := d.registry.Types()
	ch := make(chan result, len(types))
	for _, p := range types {
		go func(p credential.ProviderType) {
			models := d.listProviderModels(ctx, p)
			ch <- result{p: p, models: models}
		}(p)
	}

	var out []convert.Model
	for range types {
		res := <-ch
		for _, m := range res.models {
			m.ID = res.p.Slug() + "/" + m.ID
			if m.Object == "" {
				m.Object = "model"
			}
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) listProviderModels(ctx context.Context, p credential.ProviderType) []convert.Model {
	node, err := d.pools.Select(p)
	if err != nil {
		return nil
	}
	adapter, err := d.registry.Get(p)
	if err != nil {
		return nil
	}
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	models, err := adapter.ListModels(listCtx, node)
	if err != nil {
		slog.Debug("model listing failed", "providerType", p, "error", err)
		return nil
	}
	return models
}

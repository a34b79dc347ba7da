// Package requesthandler implements C6: the single entry point every
// inbound HTTP request passes through, serializing access to the two
// tiers, disarming/rearming idle watchdogs around engine work, streaming
// the engine's response back verbatim, and mapping the typed error
// taxonomy in pkg/ekerr to an OpenAI-shaped JSON error body. Grounded on
// the teacher's handlers.OpenAIHandler (request/response shape, SSE
// writer) generalized from "generate a reply" to "forward to whichever
// engine ModelSelector hands back", plus llm.Router's single-flight
// dispatch for the request_lock idea of serializing all engine work.
package requesthandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/dump"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/engineclient"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/enginemanager"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/metrics"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/safego"
)

// disconnectPollInterval is the cadence of the in-flight disconnect
// monitor (spec §4.6 step 6).
const disconnectPollInterval = 250 * time.Millisecond

// Client is the engine handle ModelSelector hands back. Reusing
// enginemanager.Client directly (rather than redeclaring a structurally
// identical interface) keeps modelselector.Selector assignable to
// Selector below without an adapter shim.
type Client = enginemanager.Client

// ForwardResult is the engine response handle forwarded verbatim to the
// caller.
type ForwardResult = engineclient.ForwardResult

// Selector is the subset of modelselector.Selector RequestHandler depends
// on, narrowed to an interface so a request handler can be driven by
// fakes in tests.
type Selector interface {
	SelectVariant(ctx context.Context, path string, modelName string, body []byte) (Client, time.Duration, error)
}

// TierManager is the subset of enginemanager.Manager RequestHandler calls
// directly — only the idle-timeout stop path, everything else goes
// through Selector.
type TierManager interface {
	StopCurrentEngine(ctx context.Context)
}

// Watchdog is the idlewatchdog.Watchdog surface RequestHandler drives.
type Watchdog interface {
	Rearm(timeout time.Duration, callback func())
	Disarm()
}

// ModelLookup resolves a model name to its tier, so RequestHandler knows
// which watchdog/tier-manager pair to touch.
type ModelLookup func(modelName string) (*engine.Model, bool)

// Handler is C6. One instance serves both tiers.
type Handler struct {
	selector Selector
	lookup   ModelLookup
	dumper   *dump.Writer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	primaryManager   TierManager
	secondaryManager TierManager
	primaryWatchdog  Watchdog
	secondaryWatchdog Watchdog

	// requestLock serializes all user requests globally (spec §5): the
	// underlying engines are single-tenant.
	requestLock sync.Mutex

	// Tier idle locks are independent of requestLock by design — the
	// idle-timeout callback for tier T cannot race a request on tier T
	// because the request disarms T's watchdog before any engine work,
	// while holding only requestLock (spec §5).
	primaryIdleLock   sync.Mutex
	secondaryIdleLock sync.Mutex

	disposed atomic.Bool
	stopped  atomic.Bool
}

// New builds a Handler wiring both tiers.
func New(
	selector Selector,
	lookup ModelLookup,
	primaryManager, secondaryManager TierManager,
	primaryWatchdog, secondaryWatchdog Watchdog,
	dumper *dump.Writer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		selector:          selector,
		lookup:            lookup,
		primaryManager:    primaryManager,
		secondaryManager:  secondaryManager,
		primaryWatchdog:   primaryWatchdog,
		secondaryWatchdog: secondaryWatchdog,
		dumper:            dumper,
		metrics:           m,
		logger:            logger.With(zap.String("component", "request-handler")),
	}
}

type requestEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// HandleRequest implements spec §4.6 handle_request for one HTTP request.
// path is the route the caller matched (e.g. "/v1/chat/completions").
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request, path string) {
	if h.disposed.Load() || h.stopped.Load() {
		writeError(w, http.StatusServiceUnavailable, "gateway is shutting down", "internal_error")
		return
	}

	h.requestLock.Lock()
	defer h.requestLock.Unlock()

	start := time.Now()
	tier := engine.TierPrimary
	outcome := "ok"
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveRequest(path, tier, outcome, time.Since(start).Seconds())
		}
	}()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "client_error"
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	var env requestEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		outcome = "client_error"
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "invalid_request_error")
		return
	}
	if env.Model == "" {
		outcome = "client_error"
		writeError(w, http.StatusBadRequest, "missing required field \"model\"", "invalid_request_error")
		return
	}

	model, ok := h.lookup(env.Model)
	if !ok {
		outcome = "client_error"
		writeError(w, http.StatusBadRequest, "model \""+env.Model+"\" is not configured", "invalid_request_error")
		return
	}
	tier = model.Tier
	watchdog := h.watchdogFor(tier)
	watchdog.Disarm()

	ctx := r.Context()
	client, idleTimeout, err := h.selector.SelectVariant(ctx, path, env.Model, rawBody)
	if err != nil {
		outcome = "upstream_error"
		h.dumper.WriteFailedRequest(path, env.Model, rawBody, err)
		writeEkerr(w, err)
		watchdog.Rearm(idleTimeout, h.idleCallback(tier))
		return
	}

	disconnected := int32(0)
	stopMonitor := make(chan struct{})
	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	safego.Go(h.logger, "disconnect-monitor", func() {
		defer monitorWG.Done()
		ticker := time.NewTicker(disconnectPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopMonitor:
				return
			case <-ctx.Done():
				atomic.StoreInt32(&disconnected, 1)
				client.TerminateRequest()
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					atomic.StoreInt32(&disconnected, 1)
					client.TerminateRequest()
					return
				}
			}
		}
	})

	result, err := client.ForwardRequest(ctx, path, rawBody)
	close(stopMonitor)
	monitorWG.Wait()

	if err != nil {
		outcome = "upstream_error"
		h.dumper.WriteFailedRequest(path, env.Model, rawBody, err)
		writeEkerr(w, err)
		watchdog.Rearm(idleTimeout, h.idleCallback(tier))
		return
	}
	defer result.Body.Close()

	wantsStream := env.Stream || strings.Contains(result.ContentType, "text/event-stream")
	if wantsStream {
		h.streamResponse(w, result)
	} else {
		h.fullResponse(w, result, path)
	}

	watchdog.Rearm(idleTimeout, h.idleCallback(tier))
}

func (h *Handler) watchdogFor(tier engine.Tier) Watchdog {
	if tier == engine.TierPrimary {
		return h.primaryWatchdog
	}
	return h.secondaryWatchdog
}

func (h *Handler) managerFor(tier engine.Tier) TierManager {
	if tier == engine.TierPrimary {
		return h.primaryManager
	}
	return h.secondaryManager
}

func (h *Handler) idleLockFor(tier engine.Tier) *sync.Mutex {
	if tier == engine.TierPrimary {
		return &h.primaryIdleLock
	}
	return &h.secondaryIdleLock
}

// idleCallback implements handle_idle_timeout(tier) (spec §4.6): it never
// blocks a request because it only ever acquires the tier's idle lock,
// never requestLock.
func (h *Handler) idleCallback(tier engine.Tier) func() {
	return func() {
		lock := h.idleLockFor(tier)
		lock.Lock()
		defer lock.Unlock()
		if h.disposed.Load() {
			return
		}
		h.managerFor(tier).StopCurrentEngine(context.Background())
	}
}

// streamResponse copies the engine's response chunk by chunk, flushing
// after each write. A client-side write error ends the loop cleanly
// without touching the engine side (spec §4.6 step 8).
func (h *Handler) streamResponse(w http.ResponseWriter, result *ForwardResult) {
	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(result.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				h.logger.Debug("client write failed during stream, ending cleanly", zap.Error(writeErr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				h.logger.Debug("engine stream read ended", zap.Error(readErr))
			}
			return
		}
	}
}

// fullResponse reads the engine's whole body and returns it verbatim with
// the engine's status and content-type, except that a JSON object lacking
// an "id" field — some llama.cpp builds omit it — gets one minted so
// OpenAI-shaped clients that key off response.id don't see an empty
// string. Never touched for streaming responses: rewriting SSE framing
// mid-stream to inject an id risks corrupting it, so that path is left
// byte-for-byte passthrough (spec §4.6 step 8).
func (h *Handler) fullResponse(w http.ResponseWriter, result *ForwardResult, path string) {
	body, err := io.ReadAll(result.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to read engine response", "internal_error")
		return
	}

	if result.StatusCode >= 200 && result.StatusCode < 300 && strings.Contains(result.ContentType, "application/json") {
		if withID, ok := ensureResponseID(body, path); ok {
			body = withID
		}
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(result.StatusCode)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

// ensureResponseID mints an OpenAI-shaped id ("chatcmpl-<uuid>" /
// "cmpl-<uuid>" / "embd-<uuid>") and injects it into body when the engine's
// JSON object omits or blanks the "id" field. Returns ok=false (leave body
// untouched) for anything that isn't a JSON object, or that already has one.
func ensureResponseID(body []byte, path string) ([]byte, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	if raw, present := obj["id"]; present {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return nil, false
		}
	}

	prefix := "cmpl"
	switch path {
	case "/v1/chat/completions":
		prefix = "chatcmpl"
	case "/v1/embeddings":
		prefix = "embd"
	}
	idJSON, err := json.Marshal(prefix + "-" + uuid.NewString())
	if err != nil {
		return nil, false
	}
	obj["id"] = idJSON

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Shutdown implements spec §4.6 shutdown(): set disposed, disarm both
// watchdogs under their locks. It does not stop or wait for an in-flight
// request — Shutdown never takes requestLock, by design (spec §5), so a
// request already past the disposed check runs to completion on its own.
// Shutdown only disarms watchdogs; the real engine teardown happens via
// StopAllEngines from the caller once it has confirmed no request is in
// flight.
func (h *Handler) Shutdown(ctx context.Context) {
	h.disposed.Store(true)

	h.primaryIdleLock.Lock()
	h.primaryWatchdog.Disarm()
	h.primaryIdleLock.Unlock()

	h.secondaryIdleLock.Lock()
	h.secondaryWatchdog.Disarm()
	h.secondaryIdleLock.Unlock()
}

// StopAllEngines stops both tiers' running engines. Called after
// Shutdown, once the caller knows no request is in flight (e.g. after
// the HTTP server itself has stopped accepting connections and drained).
func (h *Handler) StopAllEngines(ctx context.Context) {
	h.primaryManager.StopCurrentEngine(ctx)
	h.secondaryManager.StopCurrentEngine(ctx)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// writeEkerr maps a pkg/ekerr error to an HTTP status and OpenAI-shaped
// body. This is the single funnel spec §4.6.1/§7 describes — nowhere
// else in the codebase inspects an ekerr.Code to pick a status.
func writeEkerr(w http.ResponseWriter, err error) {
	switch ekerr.CodeOf(err) {
	case ekerr.CodeClient, ekerr.CodeUnsupportedEngine, ekerr.CodeNoSuitableVariant:
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error")
	case ekerr.CodeEngineNotReady, ekerr.CodeUpstream, ekerr.CodeSpawnFailed, ekerr.CodeNotFound:
		writeError(w, http.StatusBadGateway, err.Error(), "internal_error")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
	}
}

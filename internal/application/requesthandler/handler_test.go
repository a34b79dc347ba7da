package requesthandler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/dump"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/engineclient"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/metrics"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
)

type fakeClient struct {
	statusCode   int
	contentType  string
	body         string
	forwardErr   error
	terminated   int
}

func (c *fakeClient) CheckHealth(ctx context.Context) bool                { return true }
func (c *fakeClient) EstimateTokens(ctx context.Context, body []byte) int { return 0 }
func (c *fakeClient) ForwardRequest(ctx context.Context, path string, body []byte) (*engineclient.ForwardResult, error) {
	if c.forwardErr != nil {
		return nil, c.forwardErr
	}
	return &engineclient.ForwardResult{
		StatusCode:  c.statusCode,
		ContentType: c.contentType,
		Body:        io.NopCloser(bytes.NewBufferString(c.body)),
	}, nil
}
func (c *fakeClient) TerminateRequest() { c.terminated++ }

type fakeSelector struct {
	client Client
	idle   time.Duration
	err    error
}

func (s *fakeSelector) SelectVariant(ctx context.Context, path, modelName string, body []byte) (Client, time.Duration, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.client, s.idle, nil
}

type fakeTierManager struct{ stopped int }

func (f *fakeTierManager) StopCurrentEngine(ctx context.Context) { f.stopped++ }

type fakeWatchdog struct {
	rearmed  int
	disarmed int
}

func (w *fakeWatchdog) Rearm(timeout time.Duration, callback func()) { w.rearmed++ }
func (w *fakeWatchdog) Disarm()                                      { w.disarmed++ }

func testModels() ModelLookup {
	models := map[string]*engine.Model{
		"big":   {Name: "big", Tier: engine.TierPrimary},
		"small": {Name: "small", Tier: engine.TierSecondary},
	}
	return func(name string) (*engine.Model, bool) {
		m, ok := models[name]
		return m, ok
	}
}

func newTestHandler(t *testing.T, client *fakeClient, selErr error) (*Handler, *fakeWatchdog, *fakeWatchdog) {
	t.Helper()
	pw := &fakeWatchdog{}
	sw := &fakeWatchdog{}
	dumper, err := dump.New("", false, zap.NewNop())
	if err != nil {
		t.Fatalf("dump.New: %v", err)
	}
	sel := &fakeSelector{client: client, idle: time.Minute, err: selErr}
	h := New(sel, testModels(), &fakeTierManager{}, &fakeTierManager{}, pw, sw, dumper, metrics.New(), zap.NewNop())
	return h, pw, sw
}

func doRequest(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.HandleRequest(rec, req, "/v1/chat/completions")
	return rec
}

func TestHandleRequest_FullResponse(t *testing.T) {
	client := &fakeClient{statusCode: 200, contentType: "application/json", body: `{"ok":true}`}
	h, pw, _ := newTestHandler(t, client, nil)

	rec := doRequest(h, `{"model":"big","messages":[]}`)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("expected valid JSON, got %q: %v", rec.Body.String(), err)
	}
	if got["ok"] != true {
		t.Fatalf("expected passthrough field preserved, got %v", got)
	}
	id, _ := got["id"].(string)
	if !strings.HasPrefix(id, "chatcmpl-") {
		t.Fatalf("expected a minted chatcmpl- id since the engine response omitted one, got %q", id)
	}
	if pw.disarmed != 1 || pw.rearmed != 1 {
		t.Fatalf("expected exactly one disarm and one rearm on the primary watchdog, got disarmed=%d rearmed=%d", pw.disarmed, pw.rearmed)
	}
}

func TestHandleRequest_FullResponsePreservesExistingID(t *testing.T) {
	client := &fakeClient{statusCode: 200, contentType: "application/json", body: `{"id":"chatcmpl-upstream-123","ok":true}`}
	h, _, _ := newTestHandler(t, client, nil)

	rec := doRequest(h, `{"model":"big","messages":[]}`)

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("expected valid JSON, got %q: %v", rec.Body.String(), err)
	}
	if got["id"] != "chatcmpl-upstream-123" {
		t.Fatalf("expected the engine's own id to be preserved, got %v", got["id"])
	}
}

func TestHandleRequest_StreamingResponse(t *testing.T) {
	client := &fakeClient{statusCode: 200, contentType: "text/event-stream", body: "data: hello\n\n"}
	h, _, sw := newTestHandler(t, client, nil)

	rec := doRequest(h, `{"model":"small","stream":true}`)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "data: hello\n\n" {
		t.Fatalf("expected streamed body, got %q", rec.Body.String())
	}
	if sw.disarmed != 1 || sw.rearmed != 1 {
		t.Fatal("expected the secondary watchdog to be disarmed then rearmed")
	}
}

func TestHandleRequest_MissingModel(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeClient{}, nil)
	rec := doRequest(h, `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body.Error.Type != "invalid_request_error" {
		t.Fatalf("expected invalid_request_error, got %q", body.Error.Type)
	}
}

func TestHandleRequest_MalformedJSON(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeClient{}, nil)
	rec := doRequest(h, `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRequest_UnknownModel(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeClient{}, nil)
	rec := doRequest(h, `{"model":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRequest_SelectorClientError(t *testing.T) {
	h, pw, _ := newTestHandler(t, &fakeClient{}, ekerr.New(ekerr.CodeNoSuitableVariant, "too big"))
	rec := doRequest(h, `{"model":"big"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for NoSuitableVariant, got %d", rec.Code)
	}
	if pw.rearmed != 1 {
		t.Fatal("expected the watchdog to be rearmed even on selector failure")
	}
}

func TestHandleRequest_SelectorUpstreamError(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeClient{}, ekerr.New(ekerr.CodeEngineNotReady, "timed out"))
	rec := doRequest(h, `{"model":"big"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for EngineNotReady, got %d", rec.Code)
	}
}

func TestHandleRequest_ForwardError(t *testing.T) {
	client := &fakeClient{forwardErr: ekerr.New(ekerr.CodeUpstream, "connection reset")}
	h, _, _ := newTestHandler(t, client, nil)
	rec := doRequest(h, `{"model":"big"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for an upstream forward error, got %d", rec.Code)
	}
}

func TestHandleRequest_RejectsAfterShutdown(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeClient{statusCode: 200, contentType: "application/json", body: "{}"}, nil)
	h.Shutdown(context.Background())

	rec := doRequest(h, `{"model":"big"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestShutdown_DisarmsBothWatchdogs(t *testing.T) {
	h, pw, sw := newTestHandler(t, &fakeClient{}, nil)
	h.Shutdown(context.Background())
	if pw.disarmed != 1 || sw.disarmed != 1 {
		t.Fatal("expected Shutdown to disarm both watchdogs")
	}
}

func TestStopAllEngines_StopsBothTiers(t *testing.T) {
	primary := &fakeTierManager{}
	secondary := &fakeTierManager{}
	dumper, _ := dump.New("", false, zap.NewNop())
	h := New(&fakeSelector{}, testModels(), primary, secondary, &fakeWatchdog{}, &fakeWatchdog{}, dumper, metrics.New(), zap.NewNop())

	h.StopAllEngines(context.Background())

	if primary.stopped != 1 || secondary.stopped != 1 {
		t.Fatal("expected StopAllEngines to stop both tiers")
	}
}

package modelselector

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/enginemanager"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/engineclient"
)

type fakeTokenizer struct{ size int }

func (t fakeTokenizer) EstimateTokens(ctx context.Context, body []byte) int { return t.size }

// fakeEngineClient is a minimal enginemanager.Client for tests that don't
// exercise ForwardRequest/TerminateRequest.
type fakeEngineClient struct{ estimate int }

func (c fakeEngineClient) CheckHealth(ctx context.Context) bool                { return true }
func (c fakeEngineClient) EstimateTokens(ctx context.Context, body []byte) int { return c.estimate }
func (c fakeEngineClient) ForwardRequest(ctx context.Context, path string, body []byte) (*engineclient.ForwardResult, error) {
	return nil, nil
}
func (c fakeEngineClient) TerminateRequest() {}

type fakeTierManager struct {
	ensureCalls []enginemanager.Required
	tokenizer   LocalTokenizer
	client      enginemanager.Client
	idle        time.Duration
	err         error
}

func (f *fakeTierManager) EnsureEngine(ctx context.Context, modelName string, required enginemanager.Required) (enginemanager.Client, time.Duration, error) {
	f.ensureCalls = append(f.ensureCalls, required)
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.client, f.idle, nil
}

func (f *fakeTierManager) EnsureLocalTokenizer(modelName string) (LocalTokenizer, error) {
	return f.tokenizer, nil
}

func lookupFor(model *engine.Model) ModelLookup {
	return func(name string) (*engine.Model, bool) {
		if name == model.Name {
			return model, true
		}
		return nil, false
	}
}

func TestSelectVariant_Embeddings_SkipsEstimation(t *testing.T) {
	model := &engine.Model{Name: "alpha", Tier: engine.TierPrimary}
	primary := &fakeTierManager{client: fakeEngineClient{}, idle: time.Minute}
	secondary := &fakeTierManager{}
	s := New(lookupFor(model), primary, secondary, zap.NewNop())

	_, idle, err := s.SelectVariant(context.Background(), PathEmbeddings, "alpha", []byte(`{}`))
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if idle != time.Minute {
		t.Fatalf("expected idle timeout from ensure_engine, got %v", idle)
	}
	if len(primary.ensureCalls) != 1 {
		t.Fatalf("expected exactly one ensure_engine call for embeddings, got %d", len(primary.ensureCalls))
	}
	if primary.ensureCalls[0].Purpose != engine.PurposeTextQuery || primary.ensureCalls[0].ContextSizeRequired != 0 {
		t.Fatalf("expected text_query purpose with size 0, got %+v", primary.ensureCalls[0])
	}
}

func TestSelectVariant_FullPipeline_NoLocalTokenizer(t *testing.T) {
	model := &engine.Model{Name: "alpha", Tier: engine.TierSecondary}
	primary := &fakeTierManager{}
	secondary := &fakeTierManager{client: fakeEngineClient{estimate: 500}, idle: 2 * time.Minute}
	s := New(lookupFor(model), primary, secondary, zap.NewNop())

	_, idle, err := s.SelectVariant(context.Background(), "/v1/chat/completions", "alpha", []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if idle != 2*time.Minute {
		t.Fatalf("expected idle timeout from final ensure_engine, got %v", idle)
	}
	if len(secondary.ensureCalls) != 2 {
		t.Fatalf("expected two ensure_engine calls (estimation, then sized), got %d", len(secondary.ensureCalls))
	}
	if secondary.ensureCalls[0].Purpose != engine.PurposeContextEstimation || secondary.ensureCalls[0].ContextSizeRequired != 0 {
		t.Fatalf("expected first call to be context_estimation sized 0 (no local tokenizer), got %+v", secondary.ensureCalls[0])
	}
	if secondary.ensureCalls[1].Purpose != engine.PurposeTextQuery || secondary.ensureCalls[1].ContextSizeRequired != 500 {
		t.Fatalf("expected second call to be text_query sized by the precise estimate, got %+v", secondary.ensureCalls[1])
	}
	if len(primary.ensureCalls) != 0 {
		t.Fatal("expected the other tier to be untouched")
	}
}

func TestSelectVariant_FullPipeline_WithLocalTokenizer(t *testing.T) {
	model := &engine.Model{Name: "alpha", Tier: engine.TierPrimary}
	primary := &fakeTierManager{
		client:    fakeEngineClient{estimate: 900},
		idle:      time.Minute,
		tokenizer: fakeTokenizer{size: 150},
	}
	secondary := &fakeTierManager{}
	s := New(lookupFor(model), primary, secondary, zap.NewNop())

	_, _, err := s.SelectVariant(context.Background(), "/v1/chat/completions", "alpha", []byte(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("SelectVariant: %v", err)
	}
	if primary.ensureCalls[0].ContextSizeRequired != 150 {
		t.Fatalf("expected the cheap local-tokenizer estimate to size the first ensure_engine call, got %+v", primary.ensureCalls[0])
	}
	if primary.ensureCalls[1].ContextSizeRequired != 900 {
		t.Fatalf("expected the precise engine estimate to size the final ensure_engine call, got %+v", primary.ensureCalls[1])
	}
}

func TestSelectVariant_UnknownModel(t *testing.T) {
	model := &engine.Model{Name: "alpha", Tier: engine.TierPrimary}
	s := New(lookupFor(model), &fakeTierManager{}, &fakeTierManager{}, zap.NewNop())

	_, _, err := s.SelectVariant(context.Background(), "/v1/chat/completions", "nope", []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error for an unknown model")
	}
}

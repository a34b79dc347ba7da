// Package enginemanager implements C3, the scheduler: for one tier, at most
// one running engine at a time, deciding reuse vs. replacement per spec
// §4.3. This is the hard part of the system — correctness here is what
// keeps "at most one subprocess per tier" true at every moment (spec §8).
//
// Grounded on the teacher's sideload.Module lifecycle (state machine +
// process handle + readiness-style initialize()) and llm.Router's
// provider-selection loop, generalized from "pick any healthy provider" to
// "reuse this one slot if it still fits, else replace it".
package enginemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/engineclient"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
)

// supportedEngineKind is the only engine_kind EngineManager can start today
// (spec §4.3.1 rule 2).
const supportedEngineKind = "llama.cpp"

// readinessPollInterval is the cadence of the readiness poll (spec §4.3.3 step 4).
const readinessPollInterval = 250 * time.Millisecond

// Proc is the subset of process.Process that EngineManager depends on,
// narrowed to an interface so tests can inject a fake subprocess.
type Proc interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, timeout time.Duration) error
	IsRunning() bool
}

// Client is the subset of engineclient.HTTPClient that EngineManager
// depends on, narrowed to an interface so tests can inject a fake engine.
type Client interface {
	CheckHealth(ctx context.Context) bool
	EstimateTokens(ctx context.Context, body []byte) int
	ForwardRequest(ctx context.Context, path string, body []byte) (*engineclient.ForwardResult, error)
	TerminateRequest()
}

// ProcessFactory builds a Proc for the given variant. Overridable in tests.
type ProcessFactory func(binary string, args []string) Proc

// ClientFactory builds a Client bound to connect. Overridable in tests.
type ClientFactory func(connect string, healthCheckTimeout time.Duration) Client

// Required describes what a caller needs ensure_engine to provide (spec §4.3).
type Required struct {
	Purpose             engine.Purpose
	ContextSizeRequired int
}

// slot is the manager's single running-engine state: the Go rendering of
// the "RunningSlot: Empty | Busy(RunningEngine)" sum type from spec §9 — a
// nil *slot is Empty, a non-nil one is Busy.
type slot struct {
	running engine.RunningEngine
	proc    Proc
	client  Client
}

// Manager owns the single "current engine" slot for one tier.
type Manager struct {
	tier           engine.Tier
	models         map[string]*engine.Model
	processFactory ProcessFactory
	clientFactory  ClientFactory
	logger         *zap.Logger
	metrics        Metrics

	// mu serializes all slot-mutating operations. The caller above
	// (RequestHandler) already serializes entry via request_lock / tier
	// idle lock per spec §5; this mutex is defense in depth, not the
	// primary serialization mechanism.
	mu       sync.Mutex
	current  *slot
	disposed bool
}

// Metrics is the narrow observability surface EngineManager reports
// through; see internal/infrastructure/metrics for the concrete
// Prometheus-backed implementation.
type Metrics interface {
	SetEngineRunning(tier engine.Tier, running bool)
	SetCurrentContext(tier engine.Tier, context int)
	IncEngineStart(tier engine.Tier)
	IncEngineStop(tier engine.Tier)
	IncReadinessTimeout(tier engine.Tier)
}

// New creates a Manager for tier, owning the subset of models assigned to
// it, using the default process/client factories.
func New(tier engine.Tier, models map[string]*engine.Model, logger *zap.Logger, metrics Metrics) *Manager {
	l := logger.With(zap.String("component", "engine-manager"), zap.String("tier", string(tier)))
	return &Manager{
		tier:   tier,
		models: models,
		logger: l,
		metrics: metrics,
		processFactory: func(binary string, args []string) Proc {
			return defaultProcess(binary, args, l)
		},
		clientFactory: func(connect string, healthCheckTimeout time.Duration) Client {
			return engineclient.NewHTTPClient(connect, healthCheckTimeout, l)
		},
	}
}

// WithFactories overrides the process/client factories — used by tests to
// inject fakes instead of real subprocesses and real HTTP clients.
func (m *Manager) WithFactories(pf ProcessFactory, cf ClientFactory) *Manager {
	m.processFactory = pf
	m.clientFactory = cf
	return m
}

// EnsureLocalTokenizer returns a configured standalone tokenizer for the
// model, if any. Pure lookup, no side effects on the running-engine slot
// (spec §4.3).
func (m *Manager) EnsureLocalTokenizer(modelName string) (*engineclient.StandaloneTokenizer, error) {
	model, ok := m.models[modelName]
	if !ok {
		return nil, ekerr.New(ekerr.CodeClient, fmt.Sprintf("model %q not configured", modelName))
	}
	if model.LocalTokenizer == nil {
		return nil, nil
	}
	return engineclient.NewStandaloneTokenizer(
		model.LocalTokenizer.Binary,
		model.LocalTokenizer.Args,
		model.LocalTokenizer.PerMessageOverhead,
		m.logger,
	), nil
}

// EnsureEngine makes a running engine fit for required and returns its
// client, per the reuse/selection/start-sequence rules of spec §4.3.
func (m *Manager) EnsureEngine(ctx context.Context, modelName string, required Required) (Client, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return nil, 0, ekerr.New(ekerr.CodeManagerShutdown, "engine manager has been shut down")
	}

	model, ok := m.models[modelName]
	if !ok {
		return nil, 0, ekerr.New(ekerr.CodeClient, fmt.Sprintf("model %q not configured", modelName))
	}
	if model.EngineKind != supportedEngineKind {
		return nil, 0, ekerr.New(ekerr.CodeUnsupportedEngine, fmt.Sprintf("engine kind %q is not supported", model.EngineKind))
	}

	if m.canReuse(ctx, model, modelName, required) {
		cur := m.current
		m.logger.Debug("Reusing current engine",
			zap.String("model", modelName),
			zap.String("purpose", string(required.Purpose)),
		)
		return cur.client, cur.running.IdleTimeout, nil
	}

	m.stopCurrentLocked(ctx)

	return m.startNewLocked(ctx, model, modelName, required)
}

// canReuse implements the reuse decision of spec §4.3.1 rules 1,3,4 (rule 2
// — engine kind recognized — is already enforced by the caller before this
// is reached, since EnsureEngine rejects unsupported kinds up front).
func (m *Manager) canReuse(ctx context.Context, model *engine.Model, modelName string, required Required) bool {
	cur := m.current
	if cur == nil {
		return false
	}
	if cur.running.ModelName != modelName {
		return false
	}

	curVariant := &model.Variants[cur.running.VariantIndex]

	ruleMatched := false
	switch required.Purpose {
	case engine.PurposeContextEstimation:
		if cur.running.Purpose == engine.PurposeContextEstimation {
			ruleMatched = true
		} else if curVariant.Tokenize {
			ruleMatched = true
		}
	case engine.PurposeTextQuery:
		if (cur.running.Purpose == engine.PurposeTextQuery || cur.running.Purpose == engine.PurposeContextEstimation) &&
			curVariant.Context >= required.ContextSizeRequired {
			ruleMatched = true
		}
	}
	if !ruleMatched {
		return false
	}

	if !cur.client.CheckHealth(ctx) {
		m.logger.Warn("Reuse candidate failed health check, replacing", zap.String("model", modelName))
		return false
	}
	return true
}

// startNewLocked runs selection (§4.3.2) and the start sequence (§4.3.3).
// Caller holds m.mu and has already ensured m.current is nil.
func (m *Manager) startNewLocked(ctx context.Context, model *engine.Model, modelName string, required Required) (Client, time.Duration, error) {
	variantIndex, err := selectVariant(model, required)
	if err != nil {
		return nil, 0, err
	}
	variant := &model.Variants[variantIndex]

	client := m.clientFactory(variant.Connect, variant.HealthCheckTimeout)
	proc := m.processFactory(variant.Binary, variant.Args)

	if m.metrics != nil {
		m.metrics.IncEngineStart(m.tier)
	}

	if err := proc.Start(ctx); err != nil {
		return nil, 0, ekerr.Wrap(ekerr.CodeUpstream, "failed to start engine process", err)
	}

	if !m.pollReady(ctx, client, variant.EngineStartupTimeout) {
		_ = proc.Stop(context.Background(), variant.HealthCheckTimeout)
		if m.metrics != nil {
			m.metrics.IncReadinessTimeout(m.tier)
		}
		return nil, 0, ekerr.New(ekerr.CodeEngineNotReady,
			fmt.Sprintf("engine for model %q did not become ready within %s", modelName, variant.EngineStartupTimeout))
	}

	m.current = &slot{
		running: engine.RunningEngine{
			ModelName:           modelName,
			VariantIndex:        variantIndex,
			Purpose:             required.Purpose,
			ContextSizeRequired: required.ContextSizeRequired,
			IdleTimeout:         variant.EngineIdleTimeout,
		},
		proc:   proc,
		client: client,
	}

	if m.metrics != nil {
		m.metrics.SetEngineRunning(m.tier, true)
		m.metrics.SetCurrentContext(m.tier, variant.Context)
	}

	m.logger.Info("Engine started",
		zap.String("model", modelName),
		zap.Int("variant_index", variantIndex),
		zap.Int("context", variant.Context),
		zap.String("purpose", string(required.Purpose)),
	)

	return client, variant.EngineIdleTimeout, nil
}

// selectVariant picks a variant per spec §4.3.2.
func selectVariant(model *engine.Model, required Required) (int, error) {
	switch required.Purpose {
	case engine.PurposeTextQuery:
		idx := model.SelectForContext(required.ContextSizeRequired)
		if idx == -1 {
			return -1, ekerr.New(ekerr.CodeNoSuitableVariant,
				fmt.Sprintf("no variant of model %q has context >= %d", model.Name, required.ContextSizeRequired))
		}
		return idx, nil
	case engine.PurposeContextEstimation:
		idx, _ := model.SmallestVariant()
		return idx, nil
	default:
		return -1, ekerr.New(ekerr.CodeInternal, fmt.Sprintf("unknown purpose %q", required.Purpose))
	}
}

// pollReady calls client.CheckHealth every readinessPollInterval until
// success or startupTimeout elapses (spec §4.3.3 step 4).
func (m *Manager) pollReady(ctx context.Context, client Client, startupTimeout time.Duration) bool {
	deadline := time.Now().Add(startupTimeout)
	for {
		if client.CheckHealth(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readinessPollInterval):
		}
	}
}

// StopCurrentEngine tears down the current slot, if any.
func (m *Manager) StopCurrentEngine(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCurrentLocked(ctx)
}

func (m *Manager) stopCurrentLocked(ctx context.Context) {
	if m.current == nil {
		return
	}
	cur := m.current
	m.current = nil

	model := m.models[cur.running.ModelName]
	timeout := 5 * time.Second
	if model != nil {
		timeout = model.Variants[cur.running.VariantIndex].HealthCheckTimeout
	}

	m.logger.Info("Stopping current engine", zap.String("model", cur.running.ModelName))
	_ = cur.proc.Stop(ctx, timeout)

	if m.metrics != nil {
		m.metrics.SetEngineRunning(m.tier, false)
		m.metrics.IncEngineStop(m.tier)
	}
}

// Shutdown irreversibly stops the current engine and marks the manager
// disposed. Later EnsureEngine calls fail with CodeManagerShutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCurrentLocked(ctx)
	m.disposed = true
}

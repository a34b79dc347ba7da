// Package modelselector implements C4: the two-phase pipeline that turns a
// request body into a running engine client sized for it, per spec §4.4.
// Grounded on the teacher's llm.Router.Route, which also runs a short
// pre-flight (provider/model resolution) before handing off to the real
// call — generalized here into "cheap local estimate, then precise
// engine-side estimate, then size the real engine for it".
package modelselector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/enginemanager"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/ekerr"
)

// PathEmbeddings is the one route that short-circuits estimation entirely
// (spec §4.4, §6).
const PathEmbeddings = "/v1/embeddings"

// TierManager is the subset of enginemanager.Manager the selector drives.
// Narrowed to an interface so tests can substitute a fake without standing
// up real subprocesses.
type TierManager interface {
	EnsureEngine(ctx context.Context, modelName string, required enginemanager.Required) (enginemanager.Client, time.Duration, error)
	EnsureLocalTokenizer(modelName string) (LocalTokenizer, error)
}

// LocalTokenizer is the narrow surface Selector needs from
// engineclient.StandaloneTokenizer.
type LocalTokenizer interface {
	EstimateTokens(ctx context.Context, requestBody []byte) int
}

// ModelLookup resolves a model name to its static config, telling the
// selector which tier owns it.
type ModelLookup func(modelName string) (*engine.Model, bool)

// ManagerAdapter adapts *enginemanager.Manager to TierManager. Needed
// because Manager.EnsureLocalTokenizer returns the concrete
// *engineclient.StandaloneTokenizer rather than the LocalTokenizer
// interface, and Go requires exact signature match for interface
// satisfaction.
type ManagerAdapter struct {
	*enginemanager.Manager
}

func (a ManagerAdapter) EnsureLocalTokenizer(modelName string) (LocalTokenizer, error) {
	tok, err := a.Manager.EnsureLocalTokenizer(modelName)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	return tok, nil
}

// Selector implements select_variant for both tiers.
type Selector struct {
	lookup  ModelLookup
	primary TierManager
	secondary TierManager
	logger  *zap.Logger
}

// New creates a Selector routing to primary/secondary per model.Tier.
func New(lookup ModelLookup, primary, secondary TierManager, logger *zap.Logger) *Selector {
	return &Selector{
		lookup:    lookup,
		primary:   primary,
		secondary: secondary,
		logger:    logger.With(zap.String("component", "model-selector")),
	}
}

func (s *Selector) tierManagerFor(model *engine.Model) TierManager {
	if model.Tier == engine.TierPrimary {
		return s.primary
	}
	return s.secondary
}

// SelectVariant runs the pipeline of spec §4.4 and returns an engine client
// sized correctly for the request, plus the idle_timeout to rearm the
// owning tier's watchdog with.
func (s *Selector) SelectVariant(ctx context.Context, path string, modelName string, body []byte) (enginemanager.Client, time.Duration, error) {
	model, ok := s.lookup(modelName)
	if !ok {
		return nil, 0, ekerr.New(ekerr.CodeClient, "model \""+modelName+"\" is not configured")
	}
	tier := s.tierManagerFor(model)

	if path == PathEmbeddings {
		return tier.EnsureEngine(ctx, modelName, enginemanager.Required{
			Purpose:             engine.PurposeTextQuery,
			ContextSizeRequired: 0,
		})
	}

	size := 0
	if tok, err := tier.EnsureLocalTokenizer(modelName); err == nil && tok != nil {
		size = tok.EstimateTokens(ctx, body)
	}

	estClient, _, err := tier.EnsureEngine(ctx, modelName, enginemanager.Required{
		Purpose:             engine.PurposeContextEstimation,
		ContextSizeRequired: size,
	})
	if err != nil {
		return nil, 0, err
	}

	size = estClient.EstimateTokens(ctx, body)

	return tier.EnsureEngine(ctx, modelName, enginemanager.Required{
		Purpose:             engine.PurposeTextQuery,
		ContextSizeRequired: size,
	})
}

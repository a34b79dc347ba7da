// Package gatewayapp is the dependency-injection root for the gateway: it
// turns a validated config.Config into two fully wired tiers (C3 + C5 per
// tier), a C4 ModelSelector spanning both, the C6 RequestHandler, and the
// C7 HTTP façade, then owns their combined Start/Stop lifecycle.
//
// Grounded on the teacher's application.App (one struct, one NewApp
// constructor, ordered init* methods, a matching Start/Stop), narrowed from
// "wire a telegram bot + agent loop + tool registry" to "wire two engine
// tiers and an HTTP façade in front of them".
package gatewayapp

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application/requesthandler"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/engine"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/dump"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/enginemanager"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/idlewatchdog"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/metrics"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/modelselector"
	gatewayhttp "github.com/ngoclaw/ngoclaw/gateway/internal/interfaces/http"
)

// App is the top-level gateway: two explicit EngineManager values (one per
// tier, spec.md §9 "Singleton managers" redesign flag), their watchdogs,
// the shared RequestHandler, and however many HTTP listeners config asks
// for (listen_v4 and/or listen_v6).
type App struct {
	logger *zap.Logger

	primaryManager   *enginemanager.Manager
	secondaryManager *enginemanager.Manager
	primaryWatchdog  *idlewatchdog.Watchdog
	secondaryWatchdog *idlewatchdog.Watchdog

	handler *requesthandler.Handler
	metrics *metrics.Metrics
	servers []*gatewayhttp.Server
}

// New builds the full dependency graph from cfg but starts nothing yet.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	models := config.ToDomainModels(cfg)

	primaryModels := make(map[string]*engine.Model)
	secondaryModels := make(map[string]*engine.Model)
	for name, m := range models {
		if m.Tier == engine.TierPrimary {
			primaryModels[name] = m
		} else {
			secondaryModels[name] = m
		}
	}

	m := metrics.New()

	dumper, err := dump.New(cfg.Server.DumpsDir, cfg.Server.ClearDumpsOnStart, logger)
	if err != nil {
		return nil, fmt.Errorf("init dump writer: %w", err)
	}

	primaryMgr := enginemanager.New(engine.TierPrimary, primaryModels, logger, m)
	secondaryMgr := enginemanager.New(engine.TierSecondary, secondaryModels, logger, m)

	primaryWD := idlewatchdog.New("primary", logger)
	secondaryWD := idlewatchdog.New("secondary", logger)

	lookup := func(name string) (*engine.Model, bool) {
		mdl, ok := models[name]
		return mdl, ok
	}

	selector := modelselector.New(
		lookup,
		modelselector.ManagerAdapter{Manager: primaryMgr},
		modelselector.ManagerAdapter{Manager: secondaryMgr},
		logger,
	)

	handler := requesthandler.New(
		selector,
		lookup,
		primaryMgr, secondaryMgr,
		primaryWD, secondaryWD,
		dumper,
		m,
		logger,
	)

	modelInfos := make([]gatewayhttp.ModelInfo, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		modelInfos = append(modelInfos, gatewayhttp.ModelInfo{Name: mc.Name})
	}

	var servers []*gatewayhttp.Server
	var metricsAttached bool
	addListener := func(listen string) {
		if listen == "" || listen == "none" {
			return
		}
		var metricsHandler http.Handler
		if !metricsAttached {
			metricsHandler = m.Handler()
			metricsAttached = true
		}
		servers = append(servers, gatewayhttp.New(listen, handler, modelInfos, metricsHandler, logger))
	}
	addListener(cfg.Server.ListenV4)
	addListener(cfg.Server.ListenV6)
	if len(servers) == 0 {
		return nil, fmt.Errorf("no listener configured")
	}

	return &App{
		logger:            logger,
		primaryManager:    primaryMgr,
		secondaryManager:  secondaryMgr,
		primaryWatchdog:   primaryWD,
		secondaryWatchdog: secondaryWD,
		handler:           handler,
		metrics:           m,
		servers:           servers,
	}, nil
}

// Start begins serving on every configured listener.
func (a *App) Start() {
	for _, s := range a.servers {
		s.Start()
	}
}

// Stop implements the graceful-shutdown ordering of spec.md §1/§9: stop
// accepting new HTTP connections first, then disarm both watchdogs and
// reject new requests (RequestHandler.Shutdown), then — once no request
// can possibly be in flight — stop whatever engine each tier still has
// running.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	for _, s := range a.servers {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	a.handler.Shutdown(ctx)
	a.handler.StopAllEngines(ctx)

	return firstErr
}

// Doctor performs the read-only sanity check spec.md's §5 `doctor`
// subcommand needs: does every configured variant's binary resolve on
// PATH/disk, is every connect URL well-formed. It starts nothing.
func Doctor(cfg *config.Config) []string {
	var problems []string
	for _, m := range cfg.Models {
		for i, v := range m.Variants {
			if !binaryExists(v.Binary) {
				problems = append(problems, fmt.Sprintf("model %q variant %d: binary %q not found", m.Name, i, v.Binary))
			}
			if !isWellFormedURL(v.Connect) {
				problems = append(problems, fmt.Sprintf("model %q variant %d: connect %q is not a well-formed URL", m.Name, i, v.Connect))
			}
		}
		if m.LocalTokenizer != nil && !binaryExists(m.LocalTokenizer.Binary) {
			problems = append(problems, fmt.Sprintf("model %q local_tokenizer: binary %q not found", m.Name, m.LocalTokenizer.Binary))
		}
	}
	return problems
}

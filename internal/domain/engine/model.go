// Package engine holds the immutable configuration data model (Model,
// Variant) and the mutable running-engine state (RunningEngine) shared by
// every infrastructure component that coordinates engine subprocesses.
package engine

import "time"

// Tier buckets models into one of two resource pools so a "heavy" and a
// "light" model can coexist, each with its own EngineManager and
// IdleWatchdog.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
)

// Purpose is the role a running engine slot was sized for. It drives the
// reuse decision in EngineManager.
type Purpose string

const (
	PurposeContextEstimation Purpose = "context_estimation"
	PurposeTextQuery         Purpose = "text_query"
)

// Variant is one launchable configuration of a model — a distinct context
// window, possibly a distinct binary. Immutable after config load.
type Variant struct {
	Binary  string
	Args    []string
	Connect string // base URL the launched process will answer on
	Context int    // max prompt+completion tokens this variant supports

	// Tokenize reports whether this variant's engine exposes a precise
	// /tokenize endpoint (used by the reuse rule in spec §4.3.1 rule 3b).
	Tokenize bool

	EngineStartupTimeout time.Duration
	HealthCheckTimeout   time.Duration
	EngineIdleTimeout    time.Duration
}

// LocalTokenizer is the optional standalone-tokenizer spec for a model,
// letting ModelSelector size the first engine start without paying for a
// full engine boot (spec §4.4).
type LocalTokenizer struct {
	Binary              string
	Args                []string
	PerMessageOverhead  int // token overhead added per message, spec §4.2
}

// Model is immutable after config load. Variants must be sorted by
// ascending Context — Load() enforces this once, so no component re-sorts
// or re-validates per request.
type Model struct {
	Name           string
	Tier           Tier
	EngineKind     string // e.g. "llama.cpp" — the only kind EngineManager recognizes today
	LocalTokenizer *LocalTokenizer
	Variants       []Variant // ascending by Context; len >= 1
}

// SmallestVariant returns the first (smallest-context) variant. A model
// always has at least one by construction (Load validates this), so callers
// need not check for emptiness beyond what this makes explicit.
func (m *Model) SmallestVariant() (int, *Variant) {
	return 0, &m.Variants[0]
}

// SelectForContext returns the index of the first variant whose Context is
// >= required, in ascending order (spec §4.3.2). Returns -1 if none fits.
func (m *Model) SelectForContext(required int) int {
	for i := range m.Variants {
		if m.Variants[i].Context >= required {
			return i
		}
	}
	return -1
}

// RunningEngine is the at-most-one-per-tier mutable slot owned by an
// EngineManager. The EngineManager exclusively owns it; the process handle
// the manager keeps beside it in its slot exclusively owns the OS
// subprocess.
type RunningEngine struct {
	ModelName           string
	VariantIndex        int
	Purpose             Purpose
	ContextSizeRequired int
	IdleTimeout         time.Duration
}

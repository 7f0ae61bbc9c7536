package ensemble

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Model scopes, from most to least specific
const (
	ScopeInstrument = "instrument"
	ScopeCategory   = "category"
	ScopeGlobal     = "global"
)

// modelFile is the on-disk format: one model plus its lookup scope
type modelFile struct {
	Scope string `json:"scope"`
	Key   string `json:"key"`
	Model Model  `json:"model"`
}

// registrySnapshot holds one immutable generation of loaded models
type registrySnapshot struct {
	version    string
	instrument map[string][]*Model
	category   map[string][]*Model
	global     []*Model
}

// Registry resolves models for an instrument with category and global
// fallback. The loaded set is immutable; Reload swaps in a new snapshot
// atomically so in-flight evaluations keep a consistent view.
type Registry struct {
	modelDir string
	current  atomic.Pointer[registrySnapshot]
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry backed by a model directory
func NewRegistry(modelDir string, logger zerolog.Logger) *Registry {
	r := &Registry{
		modelDir: modelDir,
		logger:   logger.With().Str("component", "model_registry").Logger(),
	}
	r.current.Store(&registrySnapshot{
		instrument: make(map[string][]*Model),
		category:   make(map[string][]*Model),
	})
	return r
}

// Load reads every *.json model file from the model directory and swaps the
// result in as the active generation. Safe to call at runtime.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.modelDir)
	if err != nil {
		return fmt.Errorf("reading model dir %s: %w", r.modelDir, err)
	}

	snap := &registrySnapshot{
		instrument: make(map[string][]*Model),
		category:   make(map[string][]*Model),
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	// Deterministic load order, and a stable version fingerprint from it
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(r.modelDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading model file %s: %w", path, err)
		}

		var mf modelFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return fmt.Errorf("parsing model file %s: %w", path, err)
		}
		if err := mf.Model.Validate(); err != nil {
			return fmt.Errorf("invalid model in %s: %w", path, err)
		}

		model := mf.Model
		switch mf.Scope {
		case ScopeInstrument:
			snap.instrument[mf.Key] = append(snap.instrument[mf.Key], &model)
		case ScopeCategory:
			snap.category[mf.Key] = append(snap.category[mf.Key], &model)
		case ScopeGlobal:
			snap.global = append(snap.global, &model)
		default:
			return fmt.Errorf("model file %s: unknown scope %q", path, mf.Scope)
		}
		loaded++
	}

	snap.version = fmt.Sprintf("gen-%d-%s", loaded, strings.Join(names, ","))
	r.current.Store(snap)

	r.logger.Info().
		Int("models", loaded).
		Int("instruments", len(snap.instrument)).
		Int("categories", len(snap.category)).
		Int("global", len(snap.global)).
		Msg("Model registry loaded")

	return nil
}

// Version identifies the active generation
func (r *Registry) Version() string {
	return r.current.Load().version
}

// Resolve returns the models for an instrument, falling back to its asset
// class and then to global models. Returns the scope that matched.
func (r *Registry) Resolve(symbol, assetClass string) ([]*Model, string) {
	snap := r.current.Load()

	if models, ok := snap.instrument[symbol]; ok && len(models) > 0 {
		return models, ScopeInstrument
	}
	if models, ok := snap.category[assetClass]; ok && len(models) > 0 {
		return models, ScopeCategory
	}
	if len(snap.global) > 0 {
		return snap.global, ScopeGlobal
	}
	return nil, ""
}

// Stats summarizes the active generation for the API surface
func (r *Registry) Stats() map[string]interface{} {
	snap := r.current.Load()
	return map[string]interface{}{
		"version":         snap.version,
		"instrument_keys": len(snap.instrument),
		"category_keys":   len(snap.category),
		"global_models":   len(snap.global),
	}
}

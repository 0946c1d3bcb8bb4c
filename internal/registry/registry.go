// Package registry implements C1, the Provider Registry: loads declarative
// provider configuration, resolves (host) -> provider, and exposes the
// compiled field-path accessors C2/C3 evaluate against request/response
// documents.
//
// Grounded on the teacher's internal/config.LoadYAMLConfig / mergeConfigs /
// deepMerge (primary+override deep merge with override-leaf-wins) and on
// internal/providers.ProviderManager (name-keyed registry, RegisterProvider
// / GetProvider / GetAllProviders).
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/hbollon/go-edlib"
	"gopkg.in/yaml.v3"

	"github.com/tokentap/tokentap/internal/tokenerr"
	"github.com/tokentap/tokentap/internal/yamlmerge"
)

// Registry is one immutable, loaded snapshot of provider configuration
// (core spec §3 "ProviderRegistry"). Never mutated after Load returns;
// Manager.Reload installs a new Registry behind an atomic pointer instead.
type Registry struct {
	captureMode CaptureMode
	byID        map[string]*ProviderDefinition
	hostToID    map[string]string
	hosts       []string // for fuzzy-suggestion diagnostics only
}

// CaptureMode returns the process-wide fallback policy loaded with this
// snapshot.
func (r *Registry) CaptureMode() CaptureMode { return r.captureMode }

// Resolve performs the O(1) hash lookup on the lower-cased host required by
// core spec §4.1. It never does approximate matching; see Suggest for the
// diagnostic-only fuzzy path.
func (r *Registry) Resolve(host string) (string, bool) {
	id, ok := r.hostToID[strings.ToLower(strings.TrimSpace(host))]
	return id, ok
}

// Get returns the definition for a provider id, or nil if unknown.
func (r *Registry) Get(id string) *ProviderDefinition {
	return r.byID[id]
}

// Suggest returns the configured host string most similar to an unresolved
// host, purely for a diagnostic log line — never for match decisions. This
// is the one place go-edlib (declared but never imported by the teacher) is
// wired into Tokentap; see SPEC_FULL.md §11.
func (r *Registry) Suggest(host string) (string, bool) {
	if len(r.hosts) == 0 {
		return "", false
	}
	best, err := edlib.FuzzySearch(strings.ToLower(host), r.hosts, edlib.Levenshtein)
	if err != nil || best == "" {
		return "", false
	}
	return best, true
}

// Load reads the primary (package-bundled) and override (operator-local)
// provider documents, deep-merges them with override-leaf-wins semantics,
// validates every invariant in core spec §3, and returns a new, independent
// Registry. It never mutates a running registry — Manager.Reload swaps the
// pointer after a successful Load.
func Load(primaryPath, overridePath string) (*Registry, error) {
	primary, err := readOptional(primaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading primary provider config %s: %v", tokenerr.ErrConfig, primaryPath, err)
	}
	override, err := readOptional(overridePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading override provider config %s: %v", tokenerr.ErrConfig, overridePath, err)
	}

	var baseMap, overrideMap map[string]interface{}
	if len(primary) > 0 {
		if err := yaml.Unmarshal(primary, &baseMap); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", tokenerr.ErrConfig, primaryPath, err)
		}
	}
	if len(override) > 0 {
		if err := yaml.Unmarshal(override, &overrideMap); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", tokenerr.ErrConfig, overridePath, err)
		}
	}
	merged := deepMerge(baseMap, overrideMap)

	mergedBytes, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: remarshalling merged provider config: %v", tokenerr.ErrConfig, err)
	}

	var doc document
	if err := yaml.Unmarshal(mergedBytes, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding merged provider config: %v", tokenerr.ErrConfig, err)
	}

	return fromDocument(doc)
}

func fromDocument(doc document) (*Registry, error) {
	if doc.CaptureMode == "" {
		doc.CaptureMode = CaptureKnownOnly
	}
	if doc.CaptureMode != CaptureKnownOnly && doc.CaptureMode != CaptureAll {
		return nil, fmt.Errorf("%w: capture_mode must be %q or %q, got %q",
			tokenerr.ErrConfig, CaptureKnownOnly, CaptureAll, doc.CaptureMode)
	}

	reg := &Registry{
		captureMode: doc.CaptureMode,
		byID:        make(map[string]*ProviderDefinition, len(doc.Providers)),
		hostToID:    make(map[string]string),
	}

	seenHosts := make(map[string]string)
	for i := range doc.Providers {
		p := &doc.Providers[i]
		if err := p.compile(); err != nil {
			return nil, fmt.Errorf("%w: %v", tokenerr.ErrConfig, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: provider at index %d missing id", tokenerr.ErrConfig, i)
		}
		if _, dup := reg.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate provider id %q", tokenerr.ErrConfig, p.ID)
		}
		reg.byID[p.ID] = p

		for _, h := range p.Domains {
			if owner, dup := seenHosts[h]; dup {
				return nil, fmt.Errorf("%w: domain %q claimed by both %q and %q (domains must be disjoint)",
					tokenerr.ErrConfig, h, owner, p.ID)
			}
			seenHosts[h] = p.ID
			reg.hostToID[h] = p.ID
			reg.hosts = append(reg.hosts, h)
		}
	}

	return reg, nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// deepMerge is the recursive "override map wins per leaf" merge shared with
// internal/config through internal/yamlmerge; array values are replaced
// wholesale (they are not maps, so the recursive branch never triggers for
// them), exactly as core spec §6 requires ("array values are replaced
// wholesale; absent keys inherit from primary").
func deepMerge(a, b map[string]interface{}) map[string]interface{} {
	return yamlmerge.Merge(a, b)
}

// Manager owns the atomic pointer to the current Registry snapshot and
// implements reload-in-place (core spec §4.1 "reload(): atomic pointer
// swap; in-flight flows continue with the definition they captured at
// request hook" and Design Note §9 "registry_ptr" atomic scalar).
type Manager struct {
	ptr           atomic.Pointer[Registry]
	primaryPath   string
	overridePath  string
	logger        *slog.Logger
}

// NewManager loads the initial snapshot and returns a Manager, or an error
// satisfying errors.Is(err, tokenerr.ErrConfig) if the initial load fails
// (fail-fast at load, per core spec §7).
func NewManager(primaryPath, overridePath string, logger *slog.Logger) (*Manager, error) {
	reg, err := Load(primaryPath, overridePath)
	if err != nil {
		return nil, err
	}
	m := &Manager{primaryPath: primaryPath, overridePath: overridePath, logger: logger}
	m.ptr.Store(reg)
	return m, nil
}

// Current returns the snapshot in effect at the moment of the call. Flow
// handlers must call this once at on_request and keep the returned pointer
// for the lifetime of the flow (core spec §5 "readers take the current
// pointer at on_request").
func (m *Manager) Current() *Registry { return m.ptr.Load() }

// Reload re-reads and re-validates the provider configuration and, only on
// success, atomically swaps the pointer. On failure the previous snapshot
// remains in effect and the error is returned for logging — it never
// panics and never leaves the Manager without a valid Registry.
func (m *Manager) Reload() error {
	reg, err := Load(m.primaryPath, m.overridePath)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("provider registry reload failed, keeping previous snapshot", "error", err)
		}
		return err
	}
	m.ptr.Store(reg)
	if m.logger != nil {
		m.logger.Info("provider registry reloaded", "providers", len(reg.byID), "capture_mode", reg.captureMode)
	}
	return nil
}

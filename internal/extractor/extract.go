package extractor

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/tokentap/tokentap/internal/pathexpr"
	"github.com/tokentap/tokentap/internal/registry"
)

// DefaultTextSampleBudget is the default byte budget for RequestDigest's
// concatenated TextSample (core spec §4.2).
const DefaultTextSampleBudget = 64 * 1024

// Extractor applies a ProviderDefinition's compiled field paths to decoded
// documents. It is safe for concurrent use: its only mutable state is the
// once-per-(provider,path) diagnostic dedup set, guarded by a mutex, off
// the extraction hot path in the sense that it is only touched on the rare
// "coercion failed" branch.
type Extractor struct {
	logger           *slog.Logger
	textSampleBudget int

	mu          sync.Mutex
	loggedPaths map[string]struct{}
}

// New constructs an Extractor. A nil logger is replaced with a discard
// logger so callers never need a nil check.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Extractor{
		logger:           logger,
		textSampleBudget: DefaultTextSampleBudget,
		loggedPaths:      make(map[string]struct{}),
	}
}

// WithTextSampleBudget overrides the default 64 KiB text-sample cap.
func (e *Extractor) WithTextSampleBudget(n int) *Extractor {
	e.textSampleBudget = n
	return e
}

// ExtractRequest implements extract_request (core spec §4.2).
func (e *Extractor) ExtractRequest(def *registry.ProviderDefinition, doc any) RequestDigest {
	var digest RequestDigest

	if r := def.EvalModel(doc); r.Present {
		if s, ok := r.Value.(string); ok {
			digest.Model = s
		}
	}
	if r := def.EvalMessages(doc); r.Present {
		digest.Messages = toAnySlice(r)
	}
	if r := def.EvalSystem(doc); r.Present {
		digest.System = toAnySlice(r)
	}
	if r := def.EvalTools(doc); r.Present {
		digest.Tools = toAnySlice(r)
	}

	// No field-path is defined in the schema for "thinking" or "metadata"
	// (core spec §3 only names model_path/messages_path/system_path/
	// tools_path/text_fields[]); these pass through the corresponding
	// top-level document keys verbatim when present, since the core spec
	// names them in RequestDigest's shape without specifying a source path.
	if m, ok := doc.(map[string]any); ok {
		if th, ok := m["thinking"]; ok {
			digest.Thinking = th
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			digest.Metadata = meta
		}
	}

	digest.TextSample = e.buildTextSample(def, doc)
	return digest
}

func (e *Extractor) buildTextSample(def *registry.ProviderDefinition, doc any) string {
	var b strings.Builder
	budget := e.textSampleBudget
	if budget <= 0 {
		budget = DefaultTextSampleBudget
	}
	for _, res := range def.EvalTextFields(doc) {
		var pieces []any
		if res.Values != nil {
			pieces = res.Values
		} else if res.Present {
			pieces = []any{res.Value}
		}
		for _, v := range pieces {
			s, ok := v.(string)
			if !ok || s == "" {
				continue
			}
			remaining := budget - b.Len()
			if remaining <= 0 {
				return b.String()
			}
			if len(s) > remaining {
				s = s[:remaining]
			}
			b.WriteString(s)
			if b.Len() >= budget {
				return b.String()
			}
		}
	}
	return b.String()
}

// ExtractResponseJSON implements extract_response_json (core spec §4.2).
// Numeric coercion: values must be non-negative integers; anything else is
// treated as absent and logged once per (provider, path).
func (e *Extractor) ExtractResponseJSON(def *registry.ProviderDefinition, doc any) UsageDelta {
	var u UsageDelta

	u.InputTokens = e.coerceTokens(def.ID, "input_tokens_path", def.EvalInputTokens(doc))
	u.OutputTokens = e.coerceTokens(def.ID, "output_tokens_path", def.EvalOutputTokens(doc))
	u.CacheCreationTokens = e.coerceTokens(def.ID, "cache_creation_tokens_path", def.EvalCacheCreationTokens(doc))
	u.CacheReadTokens = e.coerceTokens(def.ID, "cache_read_tokens_path", def.EvalCacheReadTokens(doc))

	if r := def.EvalResponseModel(doc); r.Present {
		if s, ok := r.Value.(string); ok {
			u.Model = s
		}
	}
	if r := def.EvalStopReason(doc); r.Present {
		if s, ok := r.Value.(string); ok {
			u.StopReason = s
		}
	}
	return u
}

func toAnySlice(r pathexpr.Result) []any {
	if r.Values != nil {
		return r.Values
	}
	if !r.Present {
		return nil
	}
	if arr, ok := r.Value.([]any); ok {
		return arr
	}
	return []any{r.Value}
}

func (e *Extractor) coerceTokens(providerID, pathName string, r pathexpr.Result) int64 {
	if !r.Present {
		return 0
	}
	n, ok := coerceNonNegativeInt(r.Value)
	if !ok {
		e.logOnce(providerID, pathName)
		return 0
	}
	return n
}

func (e *Extractor) logOnce(providerID, pathName string) {
	key := providerID + "\x00" + pathName
	e.mu.Lock()
	_, already := e.loggedPaths[key]
	if !already {
		e.loggedPaths[key] = struct{}{}
	}
	e.mu.Unlock()
	if !already {
		e.logger.Info("extractor: non-numeric or negative value at configured path, treating as absent",
			"provider", providerID, "path", pathName)
	}
}

func coerceNonNegativeInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return int64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return int64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

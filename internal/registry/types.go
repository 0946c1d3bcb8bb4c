package registry

// AltPath is a field-path expression together with its ordered alternates.
// It decodes from either a bare YAML scalar ("usage.input_tokens") or a
// sequence whose first element is the primary and the rest are alternates
// ("[usage.input_tokens, usageMetadata.promptTokenCount]") — the core spec's
// invariant that "every alternates list contains the primary" is enforced by
// construction: there is no way to express alternates without the primary
// occupying index 0.
type AltPath []string

// UnmarshalYAML accepts either a scalar or a sequence of scalars.
func (a *AltPath) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		if single == "" {
			*a = nil
			return nil
		}
		*a = AltPath{single}
		return nil
	}
	var seq []string
	if err := unmarshal(&seq); err != nil {
		return err
	}
	*a = seq
	return nil
}

// Primary returns the first entry, or "" if the path is unset.
func (a AltPath) Primary() string {
	if len(a) == 0 {
		return ""
	}
	return a[0]
}

// Alternates returns every entry after the primary.
func (a AltPath) Alternates() []string {
	if len(a) <= 1 {
		return nil
	}
	return a[1:]
}

func (a AltPath) IsSet() bool { return len(a) > 0 }

// RequestPaths holds the field-path expressions used to extract a request
// digest (core spec §3 "request.*").
type RequestPaths struct {
	ModelPath    string   `yaml:"model_path"`
	MessagesPath string   `yaml:"messages_path"`
	SystemPath   string   `yaml:"system_path"`
	ToolsPath    string   `yaml:"tools_path"`
	TextFields   []string `yaml:"text_fields"`
}

// ResponseJSONPaths holds the field-path expressions (with alternates) used
// to extract a UsageDelta from a buffered JSON response body.
type ResponseJSONPaths struct {
	InputTokensPath        AltPath `yaml:"input_tokens_path"`
	OutputTokensPath       AltPath `yaml:"output_tokens_path"`
	CacheCreationTokenPath AltPath `yaml:"cache_creation_tokens_path"`
	CacheReadTokenPath     AltPath `yaml:"cache_read_tokens_path"`
	ModelPath              AltPath `yaml:"model_path"`
	StopReasonPath         AltPath `yaml:"stop_reason_path"`
}

// OutputTokensMode controls whether successive output_tokens_path reads
// during a stream replace or accumulate the running total. See SPEC_FULL.md
// §12 Open Question 1 — "replace" is the only mode any bundled provider
// uses; "accumulate" exists so a future provider emitting true deltas is
// representable without another schema break.
type OutputTokensMode string

const (
	OutputTokensReplace    OutputTokensMode = "replace"
	OutputTokensAccumulate OutputTokensMode = "accumulate"
)

// ResponseSSEPaths holds the SSE/event-stream extraction profile.
type ResponseSSEPaths struct {
	EventTypes        []string         `yaml:"event_types"`
	InputTokensEvent  string           `yaml:"input_tokens_event"`
	InputTokensPath   AltPath          `yaml:"input_tokens_path"`
	OutputTokensEvent string           `yaml:"output_tokens_event"`
	OutputTokensPath  AltPath          `yaml:"output_tokens_path"`
	OutputTokensMode  OutputTokensMode `yaml:"output_tokens_mode"`
}

// Metadata holds provider tags and flat per-token cost rates. See
// SPEC_FULL.md §12 Open Question 3: tiered/cached-token pricing is out of
// scope, matching the core spec's own documented limitation.
type Metadata struct {
	Tags               []string `yaml:"tags"`
	CostPerInputToken  float64  `yaml:"cost_per_input_token"`
	CostPerOutputToken float64  `yaml:"cost_per_output_token"`
}

// ProviderDefinition is one entry of the provider registry, immutable once
// loaded (core spec §3).
type ProviderDefinition struct {
	ID                 string            `yaml:"id"`
	Domains            []string          `yaml:"domains"`
	Request            RequestPaths      `yaml:"request"`
	ResponseJSON       ResponseJSONPaths `yaml:"response_json"`
	ResponseSSE        ResponseSSEPaths  `yaml:"response_sse"`
	HasResponseJSON    bool              `yaml:"-"`
	HasResponseSSE     bool              `yaml:"-"`
	Meta               Metadata          `yaml:"metadata"`
	CaptureFullRequest bool              `yaml:"capture_full_request"`

	compiled compiledPaths
}

// document is the raw, on-disk shape of a provider-definitions file: a
// list of provider definitions plus the process-wide capture mode.
type document struct {
	CaptureMode CaptureMode          `yaml:"capture_mode"`
	Providers   []ProviderDefinition `yaml:"providers"`
}

// CaptureMode is the process-wide fallback policy for unrecognised hosts
// (core spec §3).
type CaptureMode string

const (
	CaptureKnownOnly CaptureMode = "known_only"
	CaptureAll       CaptureMode = "capture_all"
)

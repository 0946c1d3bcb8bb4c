package registry

import (
	"fmt"
	"strings"

	"github.com/tokentap/tokentap/internal/pathexpr"
)

// compiledPaths is the parsed-once field-path tree for a single provider,
// built at load time per Design Note §9 ("prefer a compiled path
// representation ... not a textual eval at each call").
type compiledPaths struct {
	modelPath    *pathexpr.Expr
	messagesPath *pathexpr.Expr
	systemPath   *pathexpr.Expr
	toolsPath    *pathexpr.Expr
	textFields   []*pathexpr.Expr

	inputTokens        compiledAlt
	outputTokens       compiledAlt
	cacheCreationToken compiledAlt
	cacheReadToken     compiledAlt
	respModel          compiledAlt
	stopReason         compiledAlt

	sseInputTokens  compiledAlt
	sseOutputTokens compiledAlt
}

type compiledAlt struct {
	primary    *pathexpr.Expr
	alternates []*pathexpr.Expr
}

func compileAlt(a AltPath) (compiledAlt, error) {
	if !a.IsSet() {
		return compiledAlt{}, nil
	}
	primary, err := pathexpr.Compile(a.Primary())
	if err != nil {
		return compiledAlt{}, err
	}
	var alts []*pathexpr.Expr
	for _, alt := range a.Alternates() {
		e, err := pathexpr.Compile(alt)
		if err != nil {
			return compiledAlt{}, err
		}
		alts = append(alts, e)
	}
	return compiledAlt{primary: primary, alternates: alts}, nil
}

func compileOptional(s string) (*pathexpr.Expr, error) {
	if s == "" {
		return nil, nil
	}
	return pathexpr.Compile(s)
}

// compile parses every configured field-path expression for one provider
// definition exactly once, and validates the invariants in core spec §3:
// at least one of response.json / response.sse must be present, and an
// alternates list must always contain the primary (enforced structurally
// by AltPath, see types.go).
func (p *ProviderDefinition) compile() error {
	var err error
	c := compiledPaths{}

	if c.modelPath, err = compileOptional(p.Request.ModelPath); err != nil {
		return fmt.Errorf("provider %q request.model_path: %w", p.ID, err)
	}
	if c.messagesPath, err = compileOptional(p.Request.MessagesPath); err != nil {
		return fmt.Errorf("provider %q request.messages_path: %w", p.ID, err)
	}
	if c.systemPath, err = compileOptional(p.Request.SystemPath); err != nil {
		return fmt.Errorf("provider %q request.system_path: %w", p.ID, err)
	}
	if c.toolsPath, err = compileOptional(p.Request.ToolsPath); err != nil {
		return fmt.Errorf("provider %q request.tools_path: %w", p.ID, err)
	}
	for _, tf := range p.Request.TextFields {
		e, err := pathexpr.Compile(tf)
		if err != nil {
			return fmt.Errorf("provider %q request.text_fields: %w", p.ID, err)
		}
		c.textFields = append(c.textFields, e)
	}

	hasJSON := p.ResponseJSON.InputTokensPath.IsSet() || p.ResponseJSON.OutputTokensPath.IsSet() ||
		p.ResponseJSON.CacheCreationTokenPath.IsSet() || p.ResponseJSON.CacheReadTokenPath.IsSet() ||
		p.ResponseJSON.ModelPath.IsSet() || p.ResponseJSON.StopReasonPath.IsSet()
	if hasJSON {
		if c.inputTokens, err = compileAlt(p.ResponseJSON.InputTokensPath); err != nil {
			return fmt.Errorf("provider %q response_json.input_tokens_path: %w", p.ID, err)
		}
		if c.outputTokens, err = compileAlt(p.ResponseJSON.OutputTokensPath); err != nil {
			return fmt.Errorf("provider %q response_json.output_tokens_path: %w", p.ID, err)
		}
		if c.cacheCreationToken, err = compileAlt(p.ResponseJSON.CacheCreationTokenPath); err != nil {
			return fmt.Errorf("provider %q response_json.cache_creation_tokens_path: %w", p.ID, err)
		}
		if c.cacheReadToken, err = compileAlt(p.ResponseJSON.CacheReadTokenPath); err != nil {
			return fmt.Errorf("provider %q response_json.cache_read_tokens_path: %w", p.ID, err)
		}
		if c.respModel, err = compileAlt(p.ResponseJSON.ModelPath); err != nil {
			return fmt.Errorf("provider %q response_json.model_path: %w", p.ID, err)
		}
		if c.stopReason, err = compileAlt(p.ResponseJSON.StopReasonPath); err != nil {
			return fmt.Errorf("provider %q response_json.stop_reason_path: %w", p.ID, err)
		}
	}

	hasSSE := len(p.ResponseSSE.EventTypes) > 0 || p.ResponseSSE.InputTokensEvent != "" || p.ResponseSSE.OutputTokensEvent != ""
	if hasSSE {
		if c.sseInputTokens, err = compileAlt(p.ResponseSSE.InputTokensPath); err != nil {
			return fmt.Errorf("provider %q response_sse.input_tokens_path: %w", p.ID, err)
		}
		if c.sseOutputTokens, err = compileAlt(p.ResponseSSE.OutputTokensPath); err != nil {
			return fmt.Errorf("provider %q response_sse.output_tokens_path: %w", p.ID, err)
		}
		if p.ResponseSSE.OutputTokensMode == "" {
			p.ResponseSSE.OutputTokensMode = OutputTokensReplace
		}
	}

	if !hasJSON && !hasSSE {
		return fmt.Errorf("provider %q: at least one of response_json or response_sse must be configured", p.ID)
	}

	p.HasResponseJSON = hasJSON
	p.HasResponseSSE = hasSSE
	p.ID = strings.ToLower(strings.TrimSpace(p.ID))
	for i, d := range p.Domains {
		p.Domains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	p.compiled = c
	return nil
}

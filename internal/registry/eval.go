package registry

import "github.com/tokentap/tokentap/internal/pathexpr"

// The Eval* methods are the only way outside packages (principally
// internal/extractor and internal/stream) touch a provider's compiled
// field-path expressions. Keeping compilation private to this package and
// exposing only evaluation keeps "parsed once at load" an invariant callers
// cannot accidentally violate by recompiling on the hot path.

func (p *ProviderDefinition) EvalModel(doc any) pathexpr.Result {
	return pathexpr.Eval(p.compiled.modelPath, doc)
}

func (p *ProviderDefinition) EvalMessages(doc any) pathexpr.Result {
	return pathexpr.Eval(p.compiled.messagesPath, doc)
}

func (p *ProviderDefinition) EvalSystem(doc any) pathexpr.Result {
	return pathexpr.Eval(p.compiled.systemPath, doc)
}

func (p *ProviderDefinition) EvalTools(doc any) pathexpr.Result {
	return pathexpr.Eval(p.compiled.toolsPath, doc)
}

// EvalTextFields evaluates every request.text_fields[] expression in
// configured order and returns one Result per expression; the caller
// concatenates the string-coercible leaves to build text_sample.
func (p *ProviderDefinition) EvalTextFields(doc any) []pathexpr.Result {
	out := make([]pathexpr.Result, 0, len(p.compiled.textFields))
	for _, e := range p.compiled.textFields {
		out = append(out, pathexpr.Eval(e, doc))
	}
	return out
}

func evalAlt(c compiledAlt, doc any) pathexpr.Result {
	if c.primary == nil {
		return pathexpr.Result{}
	}
	return pathexpr.EvalAlternates(c.primary, c.alternates, doc)
}

func (p *ProviderDefinition) EvalInputTokens(doc any) pathexpr.Result {
	return evalAlt(p.compiled.inputTokens, doc)
}

func (p *ProviderDefinition) EvalOutputTokens(doc any) pathexpr.Result {
	return evalAlt(p.compiled.outputTokens, doc)
}

func (p *ProviderDefinition) EvalCacheCreationTokens(doc any) pathexpr.Result {
	return evalAlt(p.compiled.cacheCreationToken, doc)
}

func (p *ProviderDefinition) EvalCacheReadTokens(doc any) pathexpr.Result {
	return evalAlt(p.compiled.cacheReadToken, doc)
}

func (p *ProviderDefinition) EvalResponseModel(doc any) pathexpr.Result {
	return evalAlt(p.compiled.respModel, doc)
}

func (p *ProviderDefinition) EvalStopReason(doc any) pathexpr.Result {
	return evalAlt(p.compiled.stopReason, doc)
}

// SSEInputTokensExpr/SSEOutputTokensExpr expose the compiled SSE
// alternates to internal/stream, which evaluates them against each decoded
// event document as it arrives rather than against a whole response.
func (p *ProviderDefinition) SSEInputTokensExpr() (*pathexpr.Expr, []*pathexpr.Expr) {
	return p.compiled.sseInputTokens.primary, p.compiled.sseInputTokens.alternates
}

func (p *ProviderDefinition) SSEOutputTokensExpr() (*pathexpr.Expr, []*pathexpr.Expr) {
	return p.compiled.sseOutputTokens.primary, p.compiled.sseOutputTokens.alternates
}

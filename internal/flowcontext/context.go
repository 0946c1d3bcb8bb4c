// Package flowcontext implements the context half of C5 (core spec §4.5):
// deriving {program, project, session, tags, custom} from inbound headers,
// process environment, and User-Agent inference, in the precedence order
// the core spec mandates. Grounded on the teacher's
// internal/middleware/token_parsing.go ExtractUserIDFromRequest /
// ExtractIPAddressFromRequest precedence-chain helpers, generalized from a
// single user-id lookup to the full context object.
package flowcontext

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
)

// Context is the per-flow {program, project, session, tags, custom} record
// (core spec §3 FlowState.context).
type Context struct {
	Program string
	Project string
	Session string
	Tags    []string
	Custom  map[string]any
}

// clientTypeTokens maps a User-Agent substring to a normalized client
// type, in the order core spec §4.5 lists them.
var clientTypeTokens = []string{"claude-code", "kiro-cli", "codex", "gemini-cli"}

// ClientType infers the client type from User-Agent tokens; unmatched
// User-Agents map to "generic".
func ClientType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	for _, tok := range clientTypeTokens {
		if strings.Contains(ua, tok) {
			return tok
		}
	}
	return "generic"
}

// Resolve implements the four-tier precedence chain in core spec §4.5,
// first non-empty field wins at each tier:
//  1. X-Tokentap-Context header (JSON object, full merge source)
//  2. X-Tokentap-Program / -Project / -Session headers
//  3. TOKENTAP_PROGRAM / TOKENTAP_PROJECT / TOKENTAP_SESSION / TOKENTAP_CONTEXT env
//  4. Inference: program := client type from User-Agent; project := none
func Resolve(req *http.Request) Context {
	var ctx Context

	// Tier 1: full JSON merge source from the header.
	if raw := req.Header.Get("X-Tokentap-Context"); raw != "" {
		mergeJSONInto(&ctx, raw)
	}

	// Tier 2: individual headers, first non-empty field wins.
	if v := req.Header.Get("X-Tokentap-Program"); v != "" && ctx.Program == "" {
		ctx.Program = v
	}
	if v := req.Header.Get("X-Tokentap-Project"); v != "" && ctx.Project == "" {
		ctx.Project = v
	}
	if v := req.Header.Get("X-Tokentap-Session"); v != "" && ctx.Session == "" {
		ctx.Session = v
	}

	// Tier 3: process environment, single fields.
	if ctx.Program == "" {
		ctx.Program = os.Getenv("TOKENTAP_PROGRAM")
	}
	if ctx.Project == "" {
		ctx.Project = os.Getenv("TOKENTAP_PROJECT")
	}
	if ctx.Session == "" {
		ctx.Session = os.Getenv("TOKENTAP_SESSION")
	}
	// Tier 3b: TOKENTAP_CONTEXT, the env equivalent of the header JSON
	// object; it fills only the fields that every header and the single env
	// variables left empty.
	if raw := os.Getenv("TOKENTAP_CONTEXT"); raw != "" {
		mergeJSONInto(&ctx, raw)
	}

	// Tier 4: inference from User-Agent; project stays none.
	if ctx.Program == "" {
		ctx.Program = ClientType(req.Header.Get("User-Agent"))
	}

	return ctx
}

func mergeJSONInto(ctx *Context, raw string) {
	var obj struct {
		Program string         `json:"program"`
		Project string         `json:"project"`
		Session string         `json:"session"`
		Tags    []string       `json:"tags"`
		Custom  map[string]any `json:"custom"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return
	}
	if ctx.Program == "" {
		ctx.Program = obj.Program
	}
	if ctx.Project == "" {
		ctx.Project = obj.Project
	}
	if ctx.Session == "" {
		ctx.Session = obj.Session
	}
	if len(ctx.Tags) == 0 {
		ctx.Tags = obj.Tags
	}
	if ctx.Custom == nil {
		ctx.Custom = obj.Custom
	}
}

// ExtractIPAddress mirrors the teacher's ExtractIPAddressFromRequest:
// X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func ExtractIPAddress(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return req.RemoteAddr
}

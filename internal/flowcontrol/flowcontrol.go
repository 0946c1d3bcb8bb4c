// Package flowcontrol implements C4, the Flow Controller: the three-hook
// addon (on_request / on_response_headers / on_response) core spec §4.4
// describes, wired as an http.Handler around httputil.ReverseProxy's
// Director/ModifyResponse hooks — the same mechanism the teacher's
// per-provider proxies (internal/providers/{anthropic,openai,gemini}.go)
// use, generalized from one fixed upstream per provider to a registry
// lookup per request host, and with the reverse proxy forwarding to
// whatever host the client (believing it is talking to the real
// provider, via the proxy's CA) actually dialed, rather than a
// hardcoded target URL.
package flowcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tokentap/tokentap/internal/device"
	"github.com/tokentap/tokentap/internal/event"
	"github.com/tokentap/tokentap/internal/extractor"
	"github.com/tokentap/tokentap/internal/flowcontext"
	"github.com/tokentap/tokentap/internal/legacy"
	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/registry"
	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/sink"
	"github.com/tokentap/tokentap/internal/stream"
)

// flowIDHeader is an internal header the Director stamps onto the outgoing
// request so ModifyResponse can look its FlowState back up. It travels
// upstream with that request; it is not copied into the client's response.
const flowIDHeader = "X-Tokentap-Internal-Flow-Id"

// streamingContentTypes are the response content-types core spec §4.4.2
// names as declaring a streaming body.
var streamingContentTypes = []string{"text/event-stream", "application/vnd.amazon.eventstream"}

// FlowState is the per-flow scratchpad threaded across the three hooks,
// matching core spec §4.4's "no concurrent access to a single FlowState".
type FlowState struct {
	flowID     string
	startedAt  time.Time
	providerID string
	def        *registry.ProviderDefinition
	digest     extractor.RequestDigest
	requestDoc map[string]any
	ctx        flowcontext.Context
	clientType string
	deviceID   string
	path       string
	captureFull bool
	passthrough bool

	streaming bool
	acc       *stream.Accumulator

	// Phase marks for the duration breakdown logged at on_response,
	// grounded on the teacher's middleware/performance.go PerfTimings
	// (RequestStart/ProxyResponseStart/ResponseEnd, trimmed to the marks
	// a reverse-proxy Director/ModifyResponse pair can actually observe —
	// ReverseProxy doesn't expose a distinct "connection established"
	// hook the way the teacher's own RoundTripper wrapper does).
	responseHeadersAt time.Time
}

// Controller owns the reverse proxy and orchestrates C1/C2/C3/C5/C6/C7 for
// every flow.
type Controller struct {
	logger                *slog.Logger
	registryMgr           RegistryAccessor
	extractor             *extractor.Extractor
	devices               *device.Registry
	deviceRegistryEnabled bool
	sink                  *sink.Sink
	gate                  *security.Gate
	metrics               *metrics.Client

	legacyHostRewrites map[string]string

	proxy *httputil.ReverseProxy

	mu     sync.Mutex
	states map[string]*FlowState
}

// RegistryAccessor is the subset of registry.Manager the controller needs,
// kept as an interface so tests can supply a fixed Registry without a
// Manager's file-backed Load/Reload machinery.
type RegistryAccessor interface {
	Current() *registry.Registry
}

// Config wires a Controller's collaborators.
type Config struct {
	Logger             *slog.Logger
	Registry           RegistryAccessor
	Extractor          *extractor.Extractor
	Devices            *device.Registry
	Sink               *sink.Sink
	Gate               *security.Gate
	Metrics            *metrics.Client
	LegacyHostRewrites map[string]string
}

// New constructs a Controller. Its ServeHTTP method is the http.Handler
// the proxy listener (C8) mounts.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	c := &Controller{
		logger:                logger,
		registryMgr:           cfg.Registry,
		extractor:             cfg.Extractor,
		devices:               cfg.Devices,
		deviceRegistryEnabled: cfg.Devices != nil,
		sink:                  cfg.Sink,
		gate:                  cfg.Gate,
		metrics:               m,
		legacyHostRewrites:    cfg.LegacyHostRewrites,
		states:                make(map[string]*FlowState),
	}

	c.proxy = &httputil.ReverseProxy{
		Director:       c.onRequest,
		ModifyResponse: c.onResponseHeaders,
		ErrorHandler:   c.onProxyError,
	}
	return c
}

// ServeHTTP is the flow handler the acceptor invokes per connection.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.proxy.ServeHTTP(w, r)
}

// onRequest implements on_request (core spec §4.4.1) as the reverse
// proxy's Director. Panics are recovered and turned into a passthrough
// flow, per the "any exception inside a hook is caught... flow marked
// passthrough" failure semantics; Director has no error return, so this
// is the only place that guarantee can be enforced for this hook.
func (c *Controller) onRequest(req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("flow controller: panic in on_request, marking passthrough", "panic", rec)
		}
	}()

	flowID := newFlowID()
	req.Header.Set(flowIDHeader, flowID)

	host := strings.ToLower(req.Host)
	if rewritten, ok := c.legacyHostRewrites[host]; ok {
		host = strings.ToLower(rewritten)
		req.Host = host
	}

	req.URL.Scheme = "https"
	req.URL.Host = host

	fs := &FlowState{flowID: flowID, startedAt: time.Now(), path: req.URL.Path}

	reg := c.registryMgr.Current()
	providerID, found := reg.Resolve(host)
	if !found {
		if reg.CaptureMode() == registry.CaptureAll {
			providerID = "unknown"
			if near, ok := reg.Suggest(host); ok {
				c.logger.Info("flow controller: unknown host captured", "host", host, "closest_known_host", near)
			}
		} else {
			fs.passthrough = true
			c.storeState(fs)
			return
		}
	}
	fs.providerID = providerID

	def := reg.Get(providerID)
	fs.def = def
	// capture_full = debug mode OR provider capture_full_request (core spec
	// §3); an operator flipping debug_mode on (§4.7.2) must affect every
	// flow regardless of the provider's own setting.
	if c.gate != nil {
		if err := c.gate.Refresh(); err != nil {
			c.logger.Warn("flow controller: security state refresh failed, keeping previous values", "error", err)
		}
	}
	debugMode := c.gate != nil && c.gate.CaptureMode() == security.CaptureOn
	fs.captureFull = debugMode || (def != nil && def.CaptureFullRequest)

	fs.ctx = flowcontext.Resolve(req)
	fs.clientType = flowcontext.ClientType(req.Header.Get("User-Agent"))

	ip := flowcontext.ExtractIPAddress(req)
	osToken := device.OSToken(req.Header.Get("User-Agent"))
	fs.deviceID = device.ResolveID(fs.ctx.Session, req.Header.Get("X-Tokentap-Device-Id"), ip, req.Header.Get("User-Agent"))
	if c.deviceRegistryEnabled {
		go c.devices.Upsert(context.Background(), device.Record{
			ID: fs.deviceID, OS: osToken, IP: ip, UserAgent: req.Header.Get("User-Agent"),
		}, time.Now())
	}

	if def != nil {
		body, err := readAndRestoreBody(req)
		if err == nil && isJSONContentType(req.Header.Get("Content-Type")) {
			var doc map[string]any
			if err := json.Unmarshal(body, &doc); err == nil {
				fs.digest = c.extractor.ExtractRequest(def, doc)
				fs.requestDoc = doc
			}
		}
	}

	c.storeState(fs)
}

// onResponseHeaders implements on_response_headers (core spec §4.4.2) as
// the reverse proxy's ModifyResponse.
func (c *Controller) onResponseHeaders(resp *http.Response) error {
	flowID := resp.Request.Header.Get(flowIDHeader)
	fs := c.loadState(flowID)
	if fs == nil {
		return nil
	}
	fs.responseHeadersAt = time.Now()
	if fs.passthrough {
		c.removeState(flowID)
		return nil
	}

	if isStreamingResponse(resp) {
		fs.streaming = true
		fs.acc = stream.New(fs.def, fs.captureFull, stream.WithMetrics(c.metrics, fs.providerID))
		resp.Body = &teeStreamBody{
			inner: resp.Body,
			acc:   fs.acc,
			onClose: func() {
				c.onResponse(fs, resp.StatusCode, nil)
			},
		}
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		resp.Body = io.NopCloser(strings.NewReader(""))
		c.onResponse(fs, resp.StatusCode, nil)
		return nil
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	bodyCopy := append([]byte(nil), body...)
	c.onResponse(fs, resp.StatusCode, bodyCopy)
	return nil
}

// onResponse implements on_response (core spec §4.4.3). For buffered
// flows it is invoked synchronously from onResponseHeaders with the full
// body already read; for streamed flows it is invoked from the tee
// wrapper's Close, after the client has received every byte.
func (c *Controller) onResponse(fs *FlowState, statusCode int, body []byte) {
	defer c.removeState(fs.flowID)
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Warn("flow controller: panic in on_response, marking passthrough", "flow_id", fs.flowID, "panic", rec)
		}
	}()

	duration := time.Since(fs.startedAt)

	if fs.passthrough || fs.def == nil {
		return
	}

	if !fs.responseHeadersAt.IsZero() {
		c.logger.Debug("flow timing breakdown",
			"flow_id", fs.flowID,
			"provider_id", fs.providerID,
			"upstream_ms", fs.responseHeadersAt.Sub(fs.startedAt).Milliseconds(),
			"body_ms", time.Since(fs.responseHeadersAt).Milliseconds(),
			"total_ms", duration.Milliseconds())
	}

	var delta extractor.UsageDelta
	var truncated bool
	if fs.streaming {
		delta = fs.acc.Finalize()
		truncated = fs.acc.State() != stream.StateDone
		// No single buffered response body exists for a streamed flow;
		// the last decoded SSE event is "whatever raw document is
		// available" for the quality check (core spec §4.3).
		delta = c.applyQualityCheck(fs, fs.acc.LastPayload(), delta)
	} else if body != nil {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err == nil {
			delta = c.extractor.ExtractResponseJSON(fs.def, doc)
			delta = c.applyQualityCheck(fs, doc, delta)
		}
	}

	ev := c.assembleEvent(fs, delta, statusCode, duration, truncated)
	if c.sink != nil {
		c.sink.Enqueue(ev)
	}
}

// applyQualityCheck implements core spec §4.3's quality check: degraded
// declarative extraction falls back to the legacy builtin exactly once.
// Both degraded conditions are evaluated against the raw *request* document
// and digest, per §4.3 ("request.messages in the decoded request...", "a
// configured system_path/tools_path resolved to a value in the raw
// request"); respDoc (nil for a streaming flow with no decodable payload)
// is only consulted for the legacy builtin's usage-token recovery.
func (c *Controller) applyQualityCheck(fs *FlowState, respDoc map[string]any, delta extractor.UsageDelta) extractor.UsageDelta {
	builtin := legacy.Lookup(fs.providerID)

	degraded := false
	if reqMessages, ok := fs.requestDoc["messages"].([]any); ok && len(reqMessages) >= 2 && len(fs.digest.Messages) < len(reqMessages) {
		degraded = true
	}

	var legacyResult legacy.Result
	var haveLegacy bool
	if builtin != nil {
		legacyResult, haveLegacy = builtin(fs.requestDoc, respDoc)
		if haveLegacy {
			if fs.def.Request.SystemPath != "" && fs.digest.System == nil && len(legacyResult.System) > 0 {
				degraded = true
			}
			if fs.def.Request.ToolsPath != "" && fs.digest.Tools == nil && len(legacyResult.Tools) > 0 {
				degraded = true
			}
		}
	}

	if !degraded {
		return delta
	}

	c.metrics.ExtractDegraded(fs.providerID)
	c.logger.Info("flow controller: quality check degraded, falling back to legacy extractor",
		"flow_id", fs.flowID, "provider_id", fs.providerID)

	if !haveLegacy {
		return delta
	}
	if len(legacyResult.Messages) > 0 {
		fs.digest.Messages = legacyResult.Messages
	}
	if len(legacyResult.System) > 0 {
		fs.digest.System = legacyResult.System
	}
	if len(legacyResult.Tools) > 0 {
		fs.digest.Tools = legacyResult.Tools
	}
	if legacyResult.Usage != (extractor.UsageDelta{}) {
		return legacyResult.Usage
	}
	return delta
}

func (c *Controller) assembleEvent(fs *FlowState, delta extractor.UsageDelta, statusCode int, duration time.Duration, truncated bool) *event.Event {
	messages := fs.digest.Messages
	if !fs.captureFull {
		messages = event.Redact(messages)
	}

	ev := &event.Event{
		Timestamp:           fs.startedAt,
		DurationMs:          duration.Milliseconds(),
		ProviderID:          fs.providerID,
		Model:               firstNonEmpty(delta.Model, fs.digest.Model),
		InputTokens:         delta.InputTokens,
		OutputTokens:        delta.OutputTokens,
		TotalTokens:         event.TotalTokens(delta.InputTokens, delta.OutputTokens),
		CacheCreationTokens: delta.CacheCreationTokens,
		CacheReadTokens:     delta.CacheReadTokens,
		ResponseStatus:      statusCode,
		Streaming:           fs.streaming,
		Truncated:           truncated,
		ClientType:          fs.clientType,
		DeviceID:            fs.deviceID,
		CaptureMode:         string(boolToCaptureMode(fs.captureFull)),
		Context:             event.Context{Program: fs.ctx.Program, Project: fs.ctx.Project, Session: fs.ctx.Session, Tags: fs.ctx.Tags, Custom: fs.ctx.Custom},
		Program:             fs.ctx.Program,
		Project:             fs.ctx.Project,
		Messages:            messages,
		System:              fs.digest.System,
		Tools:               fs.digest.Tools,
		Thinking:            fs.digest.Thinking,
		RequestMetadata:     fs.digest.Metadata,
	}
	_, hasBudget := fs.digest.Metadata["budget_tokens"]
	ev.HasBudgetTokens = hasBudget
	ev.IsTokenConsuming = event.IsTokenConsuming(fs.digest.Messages, hasBudget, fs.path)
	ev.EstimatedCost = estimateCost(delta.InputTokens, delta.OutputTokens, fs.def.Meta)
	return ev
}

// estimateCost implements the flat per-token cost model (SPEC_FULL.md §12
// Open Question 3): nil when the provider configures no rates, matching
// Event.EstimatedCost's "nullable" contract (core spec §3) rather than
// reporting a fabricated zero cost.
func estimateCost(inputTokens, outputTokens int64, meta registry.Metadata) *float64 {
	if meta.CostPerInputToken == 0 && meta.CostPerOutputToken == 0 {
		return nil
	}
	cost := float64(inputTokens)*meta.CostPerInputToken + float64(outputTokens)*meta.CostPerOutputToken
	return &cost
}

func boolToCaptureMode(captureFull bool) security.CaptureMode {
	if captureFull {
		return security.CaptureOn
	}
	return security.CaptureOff
}

func (c *Controller) onProxyError(w http.ResponseWriter, r *http.Request, err error) {
	flowID := r.Header.Get(flowIDHeader)
	c.logger.Warn("flow controller: upstream proxy error", "flow_id", flowID, "error", err)
	if fs := c.loadState(flowID); fs != nil {
		c.onResponse(fs, http.StatusBadGateway, nil)
	}
	w.WriteHeader(http.StatusBadGateway)
}

func (c *Controller) storeState(fs *FlowState) {
	c.mu.Lock()
	c.states[fs.flowID] = fs
	c.mu.Unlock()
}

func (c *Controller) loadState(flowID string) *FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[flowID]
}

func (c *Controller) removeState(flowID string) {
	c.mu.Lock()
	delete(c.states, flowID)
	c.mu.Unlock()
}

// teeStreamBody wraps the upstream response body so every chunk read by
// the client's io.Copy (inside httputil.ReverseProxy) is simultaneously
// fed to the Stream Accumulator, matching core spec §4.3's "chunks
// forwarded to the client immediately after the accumulator observes
// them" — the tap never buffers ahead of the client. Bytes are forwarded
// to the client as soon as the underlying Read returns them; the
// tee's own line-framing (feedLines, which may hold a partial trailing line
// in lineBuf until the next chunk completes it, then calls FeedLine) never
// delays that forwarding.
type teeStreamBody struct {
	inner   io.ReadCloser
	acc     *stream.Accumulator
	onClose func()
	closed  bool
	lineBuf []byte
}

func (t *teeStreamBody) Read(p []byte) (int, error) {
	n, err := t.inner.Read(p)
	if n > 0 {
		t.feedLines(p[:n])
	}
	return n, err
}

// feedLines splits chunk on '\n', feeding each complete line to the
// accumulator's event-framing state machine and retaining any trailing
// partial line for the next Read.
func (t *teeStreamBody) feedLines(chunk []byte) {
	t.lineBuf = append(t.lineBuf, chunk...)
	for {
		idx := bytes.IndexByte(t.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := string(t.lineBuf[:idx])
		t.lineBuf = t.lineBuf[idx+1:]
		t.acc.FeedLine(line)
	}
}

func (t *teeStreamBody) Close() error {
	err := t.inner.Close()
	if !t.closed {
		t.closed = true
		if len(t.lineBuf) > 0 {
			t.acc.FeedLine(string(t.lineBuf))
			t.lineBuf = nil
		}
		t.onClose()
	}
	return err
}

func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	for _, sct := range streamingContentTypes {
		if strings.HasPrefix(ct, sct) {
			return true
		}
	}
	return false
}

func isJSONContentType(ct string) bool {
	return strings.Contains(ct, "application/json")
}

func readAndRestoreBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return body, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newFlowID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(int64(flowIDCounter.add()), 36)
}

var flowIDCounter = counter{}

type counter struct {
	mu sync.Mutex
	n  int64
}

func (c *counter) add() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Package tokenerr defines the error kinds named in the Tokentap error
// handling design: sentinel values meant to be wrapped with fmt.Errorf and
// matched with errors.Is by callers that need to branch on propagation
// policy (fail-fast vs. log-and-continue vs. retry).
package tokenerr

import "errors"

var (
	// ErrConfig signals a provider-registry or process-config validation
	// failure. Fail-fast at load; a reload keeps the previous snapshot.
	ErrConfig = errors.New("tokenerr: config")

	// ErrDecode signals a request/response body failed to decode as JSON.
	// Logged at DEBUG; the digest is left empty and the flow continues.
	ErrDecode = errors.New("tokenerr: decode")

	// ErrExtract signals the declarative extractor produced a degraded
	// result (see the quality check). Logged at INFO once per
	// (provider, path); the flow continues with the legacy fallback.
	ErrExtract = errors.New("tokenerr: extract")

	// ErrStream signals a malformed SSE/chunked frame. The flow's
	// skip_counter is incremented and streaming continues.
	ErrStream = errors.New("tokenerr: stream")

	// ErrSinkTransient signals a store-driver append failure that is
	// eligible for retry with backoff.
	ErrSinkTransient = errors.New("tokenerr: sink transient")

	// ErrSinkPermanent signals a store-driver failure that is not worth
	// retrying; the sink stops retrying at once and drops the event.
	ErrSinkPermanent = errors.New("tokenerr: sink permanent")

	// ErrSecurity signals a security-gate precondition failed (e.g. an
	// admin token file with overly permissive mode bits). The process
	// must refuse to start.
	ErrSecurity = errors.New("tokenerr: security")

	// ErrUpstream marks an engine-owned upstream failure; the controller
	// only records the resulting response_status, it never acts on this.
	ErrUpstream = errors.New("tokenerr: upstream")
)

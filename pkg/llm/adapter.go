package llm

// Adapter translates between the normalized request shape and one vendor's
// wire protocol. The set of adapters is closed and one is selected at
// configuration time; see pkg/llm/openai and pkg/llm/anthropic.
//
// Adapters are stateless: per-stream aggregation (text, tool call
// fragments) is the runner's job. DecodeData may therefore be called from
// any goroutine, one stream at a time.
type Adapter interface {
	// Name returns the vendor identifier, e.g. "openai", "anthropic".
	Name() string

	// Endpoint returns the full request URL. baseURL overrides the vendor
	// default when non-empty.
	Endpoint(baseURL string) string

	// Headers returns the vendor auth/protocol headers for one request.
	Headers(apiKey string) map[string]string

	// BuildPayload encodes the JSON request body.
	BuildPayload(req Request) ([]byte, error)

	// DecodeData interprets one SSE data payload. done reports the vendor's
	// end-of-stream sentinel; events may be empty for housekeeping frames.
	// An error marks the single frame malformed, not the whole stream.
	DecodeData(data []byte) (events []StreamEvent, done bool, err error)

	// ParseResponse interprets a fully buffered (non-streaming) body.
	ParseResponse(body []byte) (Message, *Usage, error)
}

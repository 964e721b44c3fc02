package llm

// Local wire-facing types for the llm package. The service layer converts
// these into its own model types so the rest of the app never depends on the
// remote API's shape.

// Message is one turn of history sent to the remote service.
type Message struct {
	Role      string
	Content   string
	ImageData string // optional base64-encoded image
}

// Source is a citation returned with a grounded response.
type Source struct {
	URI   string
	Title string
}

// Timing holds client-measured latency for one streamed generation.
type Timing struct {
	TimeToFirstChunkMs int64
	TotalTimeMs        int64
}

// StreamChunk is a single increment of a streamed generation. Exactly one
// chunk per stream has Done set; it may carry an Error, Sources and Timing.
type StreamChunk struct {
	Text    string
	Done    bool
	Error   string
	Sources []Source
	Timing  *Timing
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Model    string
	System   string
	Messages []Message
}

// GenerateResponse is the result of a non-streaming generation.
type GenerateResponse struct {
	Text string
}

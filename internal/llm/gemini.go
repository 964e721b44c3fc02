package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider defines the interface for interacting with the hosted generative
// text service. GenerateStream closes ch when the stream ends; a transport
// abort is reported through the returned error (context.Canceled) while a
// service-side failure arrives as a final chunk with Error populated.
type Provider interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	GenerateStream(ctx context.Context, req *GenerateRequest, ch chan<- StreamChunk) error
}

type geminiProvider struct {
	client *http.Client
	url    string
	apiKey string
}

// NewGeminiProvider builds a Provider talking to a Gemini-compatible REST
// endpoint. The base URL is configurable so tests can point it at a local
// httptest server.
func NewGeminiProvider(url, apiKey string) Provider {
	return &geminiProvider{
		client: &http.Client{},
		url:    strings.TrimSuffix(url, "/"),
		apiKey: apiKey,
	}
}

// Request/response wire shapes, reduced to the fields the app reads.

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiGroundingChunk struct {
	Web struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}

type geminiCandidate struct {
	Content           geminiContent `json:"content"`
	FinishReason      string        `json:"finishReason"`
	GroundingMetadata *struct {
		GroundingChunks []geminiGroundingChunk `json:"groundingChunks"`
	} `json:"groundingMetadata"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *geminiProvider) buildBody(req *GenerateRequest) ([]byte, error) {
	body := geminiRequest{}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, msg := range req.Messages {
		content := geminiContent{Role: msg.Role, Parts: []geminiPart{{Text: msg.Content}}}
		if msg.ImageData != "" {
			content.Parts = append(content.Parts, geminiPart{
				InlineData: &geminiInlineData{MimeType: "image/jpeg", Data: msg.ImageData},
			})
		}
		body.Contents = append(body.Contents, content)
	}
	return json.Marshal(body)
}

func (p *geminiProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("could not marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.url, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("could not create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api returned non-200 status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("could not decode response: %s", string(bodyBytes))
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("api error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("api returned no candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return &GenerateResponse{Text: text.String()}, nil
}

// GenerateStream consumes the server-sent-event form of the streaming
// endpoint, forwarding one StreamChunk per data line. Timing is measured
// client-side: time to first chunk and total stream time, both attached to
// the final chunk.
func (p *geminiProvider) GenerateStream(ctx context.Context, req *GenerateRequest, ch chan<- StreamChunk) error {
	defer close(ch)

	body, err := p.buildBody(req)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", p.url, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		// Surface the service failure as a final chunk so the caller's fold
		// loop sees it the same way as an in-stream error.
		final := StreamChunk{
			Done:   true,
			Error:  fmt.Sprintf("api returned non-200 status %d: %s", resp.StatusCode, string(bodyBytes)),
			Timing: &Timing{TotalTimeMs: time.Since(start).Milliseconds()},
		}
		select {
		case ch <- final:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	var (
		firstChunkAt time.Time
		sources      []Source
		finished     bool
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			select {
			case ch <- StreamChunk{Error: "failed to decode stream chunk"}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		out := StreamChunk{}
		if chunk.Error != nil {
			out.Done = true
			out.Error = chunk.Error.Message
		} else if len(chunk.Candidates) > 0 {
			cand := chunk.Candidates[0]
			for _, part := range cand.Content.Parts {
				out.Text += part.Text
			}
			if cand.GroundingMetadata != nil {
				for _, gc := range cand.GroundingMetadata.GroundingChunks {
					sources = append(sources, Source{URI: gc.Web.URI, Title: gc.Web.Title})
				}
			}
			if cand.FinishReason != "" {
				out.Done = true
			}
		}

		if firstChunkAt.IsZero() && out.Text != "" {
			firstChunkAt = time.Now()
		}
		if out.Done {
			out.Sources = sources
			out.Timing = p.timing(start, firstChunkAt)
			finished = true
		}

		select {
		case ch <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
		if out.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	// Stream ended without an explicit finish marker. Synthesize the final
	// chunk so consumers always observe exactly one Done.
	if !finished {
		final := StreamChunk{Done: true, Sources: sources, Timing: p.timing(start, firstChunkAt)}
		select {
		case ch <- final:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *geminiProvider) timing(start, firstChunkAt time.Time) *Timing {
	t := &Timing{TotalTimeMs: time.Since(start).Milliseconds()}
	if !firstChunkAt.IsZero() {
		t.TimeToFirstChunkMs = firstChunkAt.Sub(start).Milliseconds()
	}
	return t
}

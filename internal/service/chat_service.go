package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"v64assist/backend/internal/analysis"
	"v64assist/backend/internal/extract"
	"v64assist/backend/internal/llm"
	"v64assist/backend/internal/model"
)

// Localized user-facing failure texts. The engine never surfaces a raw
// transport error to the presentation layer.
const (
	msgGenericFailure = "Xin lỗi, đã xảy ra lỗi khi kết nối đến trợ lý. Vui lòng thử lại."
	msgServicePrefix  = "Xin lỗi, yêu cầu không thể hoàn thành: "
)

// SendRequest carries one user turn into the engine.
type SendRequest struct {
	Content   string            `json:"content"`
	ImageData string            `json:"image_data,omitempty"`
	Payload   *analysis.Payload `json:"payload,omitempty"`
}

// ChatService is the message reconciliation engine. It executes one logical
// send transaction end to end and guarantees the target conversation's log
// ends in a consistent, persisted state whether the stream succeeds, fails or
// is cancelled. Every mutation is addressed by the conversation id captured
// when the operation began, so switching conversations while a stream runs
// neither loses nor misdirects the in-flight turn.
//
// Each send owns its own cancellation token; Stop cancels every in-flight
// token. A per-conversation mutex makes the one-send-at-a-time rule
// structural rather than advisory.
type ChatService struct {
	convs    *ConversationService
	provider llm.Provider
	settings *SettingsService
	profile  *ProfileService

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	sendMus map[string]*sync.Mutex
}

func NewChatService(convs *ConversationService, provider llm.Provider, settings *SettingsService, profile *ProfileService) *ChatService {
	return &ChatService{
		convs:    convs,
		provider: provider,
		settings: settings,
		profile:  profile,
		cancels:  make(map[string]context.CancelFunc),
		sendMus:  make(map[string]*sync.Mutex),
	}
}

// Send processes one user turn: append the user message and a trailing model
// placeholder, stream the response into the placeholder, finalize and
// persist. The turn is bound to the conversation that is active when Send
// begins; switching conversations mid-stream does not redirect it. When both
// Content and an analysis Payload are supplied, Content is the upstream
// prompt (the user's own words override the generated task prompt) while the
// payload still provides the displayed summary and structured post-processing.
// Progress and the final outcome are reported on events, which is closed when
// the operation completes. No error escapes this method.
func (s *ChatService) Send(ctx context.Context, req *SendRequest, events chan<- model.StreamEvent) {
	defer close(events)

	conv, ok := s.convs.Active()
	if !ok {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.Payload == nil {
		events <- model.StreamEvent{Done: true, Error: "Tin nhắn trống."}
		return
	}

	mu := s.sendMutex(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	// Storage writes must survive a client disconnect or a user stop; a
	// half-finished send still has to leave a persisted log behind.
	persistCtx := context.WithoutCancel(ctx)

	// Step 1: suggestions are single-use and vanish on any new send. When an
	// analysis payload is attached, the displayed user message is a short
	// summary while the verbatim prompt goes upstream; both are retained.
	s.convs.StripSuggestions(conv.ID)

	display := req.Content
	prompt := req.Content
	if req.Payload != nil {
		built, err := analysis.Build(*req.Payload, s.profile.Snapshot(persistCtx))
		if err != nil {
			slog.Warn("Failed to build analysis prompt", "task", req.Payload.Task, "error", err)
			events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
			return
		}
		display = built.Summary
		if strings.TrimSpace(prompt) == "" {
			prompt = built.Prompt
		}
	}

	firstExchange := len(s.convs.Messages(conv.ID)) == 0

	// Step 2: user message first, then the empty placeholder, both before any
	// network activity so ordering is already correct while loading.
	userMsg := model.Message{Role: model.RoleUser, Content: display, ImageData: req.ImageData}
	if prompt != display {
		userMsg.Prompt = prompt
	}
	if _, err := s.convs.AppendMessage(persistCtx, conv.ID, userMsg); err != nil {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	placeholderID, err := s.convs.AppendMessage(persistCtx, conv.ID, model.Message{Role: model.RoleModel})
	if err != nil {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}

	s.run(ctx, conv, placeholderID, req.Payload, firstExchange, events)
}

// Stop cancels every in-flight generation. There is at most one per
// conversation, and stopping is always user-initiated, so this aborts the
// visible stream as well as any send still running on a conversation the
// user has since switched away from. Idempotent; a no-op when nothing is
// streaming.
func (s *ChatService) Stop() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Regenerate re-runs the stream for an existing model message using the
// history up to just before it. The message keeps its id, so feedback and
// comparison references to it stay valid; messages after it are discarded.
func (s *ChatService) Regenerate(ctx context.Context, messageID int64, events chan<- model.StreamEvent) {
	defer close(events)

	conv, ok := s.convs.Active()
	if !ok {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	target, found := s.convs.MessageByID(conv.ID, messageID)
	if !found || target.Role != model.RoleModel {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}

	mu := s.sendMutex(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if err := s.convs.TruncateAfter(persistCtx, conv.ID, messageID); err != nil {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	s.convs.MutateMessage(conv.ID, messageID, func(m *model.Message) {
		m.Content = ""
		m.IsError = false
		m.Sources = nil
		m.Performance = nil
		m.Suggestions = nil
		m.Charts = nil
		m.Component = nil
	})

	var payload *analysis.Payload
	if target.Task != "" {
		payload = &analysis.Payload{Task: target.Task, Params: target.TaskParams}
	}
	s.run(ctx, conv, messageID, payload, false, events)
}

// EditMessage replaces a user message's content, discards everything after it
// and re-runs the send pipeline from that point.
func (s *ChatService) EditMessage(ctx context.Context, messageID int64, newContent string, events chan<- model.StreamEvent) {
	defer close(events)

	conv, ok := s.convs.Active()
	if !ok {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	if strings.TrimSpace(newContent) == "" {
		events <- model.StreamEvent{Done: true, Error: "Tin nhắn trống."}
		return
	}
	target, found := s.convs.MessageByID(conv.ID, messageID)
	if !found || target.Role != model.RoleUser {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}

	mu := s.sendMutex(conv.ID)
	mu.Lock()
	defer mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	// The edited text becomes the verbatim prompt; a diverging display
	// summary from an earlier analysis turn does not survive the edit.
	s.convs.MutateMessage(conv.ID, messageID, func(m *model.Message) {
		m.Content = newContent
		m.Prompt = ""
	})
	if err := s.convs.TruncateAfter(persistCtx, conv.ID, messageID); err != nil {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}
	placeholderID, err := s.convs.AppendMessage(persistCtx, conv.ID, model.Message{Role: model.RoleModel})
	if err != nil {
		events <- model.StreamEvent{Done: true, Error: msgGenericFailure}
		return
	}

	s.run(ctx, conv, placeholderID, nil, false, events)
}

// run executes the stream/finalize/persist phase of a send against an
// existing placeholder message. Callers hold the conversation's send mutex.
func (s *ChatService) run(ctx context.Context, conv model.Conversation, placeholderID int64, payload *analysis.Payload, firstExchange bool, events chan<- model.StreamEvent) {
	persistCtx := context.WithoutCancel(ctx)

	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[conv.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, conv.ID)
		s.mu.Unlock()
	}()

	st := s.settings.Get(persistCtx)
	llmReq := &llm.GenerateRequest{
		Model:    st.MainModel,
		System:   st.SystemPrompt,
		Messages: s.historyFor(conv.ID, placeholderID),
	}

	ch := make(chan llm.StreamChunk)
	errCh := make(chan error, 1)
	go func() { errCh <- s.provider.GenerateStream(streamCtx, llmReq, ch) }()

	// Step 3: fold chunks into the placeholder. Each delta replaces the
	// content wholesale with the accumulator's value so the message can never
	// drift from what actually arrived.
	var acc strings.Builder
	var svcErr string
	var sources []model.Source
	var perf *model.Performance
	sawFinal := false
	success := false

	for chunk := range ch {
		if chunk.Error != "" && !chunk.Done {
			slog.Warn("Ignoring malformed stream chunk", "error", chunk.Error)
			continue
		}
		if chunk.Text != "" {
			acc.WriteString(chunk.Text)
			content := acc.String()
			s.convs.MutateMessage(conv.ID, placeholderID, func(m *model.Message) { m.Content = content })
			events <- model.StreamEvent{ConversationID: conv.ID, MessageID: placeholderID, Content: chunk.Text}
		}
		if chunk.Done {
			sawFinal = true
			svcErr = chunk.Error
			success = chunk.Error == ""
			sources = toModelSources(chunk.Sources)
			perf = toModelPerformance(chunk.Timing)
			break
		}
	}
	// Anything after the first final chunk is unexpected; drain so the
	// provider goroutine can finish and report its error.
	go func() {
		for range ch {
		}
	}()
	streamErr := <-errCh

	cancelled := streamCtx.Err() != nil || errors.Is(streamErr, context.Canceled)
	if !sawFinal && !cancelled && streamErr == nil {
		// Stream closed cleanly without an explicit final marker.
		success = true
	}

	// Step 4: finalize the placeholder. Cancellation is not a failure - the
	// partial content at abort time becomes the message's permanent content.
	merged := false
	switch {
	case svcErr != "":
		// A late service error must not leave a half-formed answer standing,
		// so it replaces any accumulated text. Analysis sends may substitute
		// a locally computed result instead.
		if payload != nil {
			if result, ok := analysis.LocalFallback(*payload, s.profile.Snapshot(persistCtx)); ok {
				slog.Info("Substituting local analysis result after service error", "task", payload.Task, "error", svcErr)
				s.applyAnalysis(conv.ID, placeholderID, payload, result)
				success = true
				merged = true
			}
		}
		if !merged {
			s.convs.MutateMessage(conv.ID, placeholderID, func(m *model.Message) {
				m.Content = msgServicePrefix + svcErr
				m.IsError = true
			})
		}
	case success, cancelled:
		// Nothing to rewrite.
	case streamErr != nil:
		slog.Error("Stream transport failure", "conversation", conv.ID, "error", streamErr)
		s.convs.MutateMessage(conv.ID, placeholderID, func(m *model.Message) {
			m.Content = msgGenericFailure
			m.IsError = true
		})
	}

	// Sources and metrics attach without disturbing content.
	if sources != nil || perf != nil {
		s.convs.MutateMessage(conv.ID, placeholderID, func(m *model.Message) {
			m.Sources = sources
			m.Performance = perf
		})
	}

	// Step 5: structured post-processing for analysis sends. A parse failure
	// is non-fatal; the raw text stays on display.
	if success && !merged && payload != nil {
		if finalMsg, okMsg := s.convs.MessageByID(conv.ID, placeholderID); okMsg && finalMsg.Content != "" {
			result, err := extract.ParseAnalysis(finalMsg.Content)
			if err != nil {
				slog.Debug("Analysis response carried no structured payload", "task", payload.Task, "error", err)
			} else {
				s.applyAnalysis(conv.ID, placeholderID, payload, result)
			}
		}
	}

	// The operation is complete only once the final state is in the store.
	s.convs.PersistMessages(persistCtx, conv.ID)

	final := model.StreamEvent{
		ConversationID: conv.ID,
		MessageID:      placeholderID,
		Done:           true,
		Sources:        sources,
		Performance:    perf,
	}
	if !success && !cancelled {
		final.Error = svcErr
		if final.Error == "" {
			final.Error = msgGenericFailure
		}
	}
	events <- final

	// Step 6: best-effort title bootstrap on the first successful exchange.
	// Runs detached; its failure never touches the completed send.
	if firstExchange && success {
		userText, modelText := s.exchangeTexts(conv.ID, placeholderID)
		go s.generateTitle(context.WithoutCancel(ctx), conv.ID, userText, modelText)
	}
}

// applyAnalysis merges a structured result into the placeholder: the analysis
// text becomes the displayed content, the task and its parameters attach for
// later re-edit, the chart descriptors persist and the renderable component
// is derived from them. Idempotent for a fixed result.
func (s *ChatService) applyAnalysis(conversationID string, messageID int64, payload *analysis.Payload, result *model.AnalysisResult) {
	s.convs.MutateMessage(conversationID, messageID, func(m *model.Message) {
		m.Content = result.Analysis
		m.IsError = false
		m.Task = payload.Task
		m.TaskParams = payload.Params
		m.Charts = result.Charts
		m.Component = analysis.BuildComponents(result.Charts)
		m.Suggestions = result.Suggestions
	})
}

// historyFor converts the conversation's log minus the placeholder into
// remote-call history, preferring the verbatim prompt over the display
// summary.
func (s *ChatService) historyFor(conversationID string, placeholderID int64) []llm.Message {
	messages := s.convs.Messages(conversationID)
	history := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == placeholderID {
			continue
		}
		content := msg.Content
		if msg.Prompt != "" {
			content = msg.Prompt
		}
		if content == "" {
			continue
		}
		history = append(history, llm.Message{Role: msg.Role, Content: content, ImageData: msg.ImageData})
	}
	return history
}

func (s *ChatService) exchangeTexts(conversationID string, placeholderID int64) (string, string) {
	var userText, modelText string
	for _, msg := range s.convs.Messages(conversationID) {
		if msg.ID == placeholderID {
			modelText = msg.Content
		} else if msg.Role == model.RoleUser {
			userText = msg.Content
		}
	}
	return userText, modelText
}

// generateTitle asks the support model for a short conversation title and
// renames the conversation when it resolves. Best effort only.
func (s *ChatService) generateTitle(ctx context.Context, conversationID, userText, modelText string) {
	st := s.settings.Get(ctx)
	req := &llm.GenerateRequest{
		Model:  st.SupportModel,
		System: "Bạn là chuyên gia đặt tiêu đề ngắn gọn cho hội thoại. Chỉ trả lời bằng tiêu đề, không thêm gì khác.",
		Messages: []llm.Message{{
			Role: model.RoleUser,
			Content: fmt.Sprintf("Đặt tiêu đề ngắn cho hội thoại sau:\n\n---\nNgười dùng: %s\n\nTrợ lý: %s\n---",
				truncate(userText, 150), truncate(modelText, 200)),
		}},
	}

	resp, err := s.provider.Generate(ctx, req)
	if err != nil {
		slog.Warn("Failed to generate conversation title", "conversation", conversationID, "error", err)
		return
	}
	title := strings.TrimSpace(resp.Text)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return
	}
	if err := s.convs.Rename(ctx, conversationID, title); err != nil {
		slog.Warn("Failed to apply generated title", "conversation", conversationID, "error", err)
	}
}

func (s *ChatService) sendMutex(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.sendMus[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.sendMus[conversationID] = mu
	}
	return mu
}

func toModelSources(in []llm.Source) []model.Source {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Source, len(in))
	for i, src := range in {
		out[i] = model.Source{URI: src.URI, Title: src.Title}
	}
	return out
}

func toModelPerformance(t *llm.Timing) *model.Performance {
	if t == nil {
		return nil
	}
	return &model.Performance{TimeToFirstChunkMs: t.TimeToFirstChunkMs, TotalTimeMs: t.TotalTimeMs}
}

// truncate shortens a string to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package service_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"v64assist/backend/internal/analysis"
	"v64assist/backend/internal/llm"
	llmmocks "v64assist/backend/internal/llm/mocks"
	"v64assist/backend/internal/model"
	"v64assist/backend/internal/service"
	"v64assist/backend/internal/store"
)

type chatMocks struct {
	provider *llmmocks.MockProvider
	convs    *service.ConversationService
	store    store.Store
}

func setupChatService(t *testing.T) (*service.ChatService, chatMocks) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	convs := service.NewConversationService(st)
	require.NoError(t, convs.Init(ctx))

	settings := service.NewSettingsService(st)
	_, err := settings.InitAndGet(ctx, service.Settings{
		SystemPrompt: "Bạn là trợ lý kinh doanh.",
		MainModel:    "main-model",
		SupportModel: "support-model",
	})
	require.NoError(t, err)

	provider := llmmocks.NewMockProvider(t)
	// The title bootstrap fires after any first successful exchange; stub it
	// so success-path tests do not trip the mock.
	provider.On("Generate", mock.Anything, mock.Anything).
		Return(&llm.GenerateResponse{Text: "Tiêu đề mới"}, nil).Maybe()

	profile := service.NewProfileService(st)
	chat := service.NewChatService(convs, provider, settings, profile)
	return chat, chatMocks{provider: provider, convs: convs, store: st}
}

// streamScript returns a GenerateStream implementation that plays the given
// chunks and closes the channel, as the real provider does.
func streamScript(chunks ...llm.StreamChunk) func(context.Context, *llm.GenerateRequest, chan<- llm.StreamChunk) error {
	return func(ctx context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
		defer close(ch)
		for _, chunk := range chunks {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// activeMessages reads the active conversation's log.
func activeMessages(t *testing.T, convs *service.ConversationService) []model.Message {
	t.Helper()
	active, ok := convs.Active()
	require.True(t, ok)
	return convs.Messages(active.ID)
}

func collectSend(t *testing.T, chat *service.ChatService, req *service.SendRequest) []model.StreamEvent {
	t.Helper()
	events := make(chan model.StreamEvent, 64)
	chat.Send(context.Background(), req, events)
	var out []model.StreamEvent
	for event := range events {
		out = append(out, event)
	}
	return out
}

func TestChatService_Send_Success(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "Xin "},
			llm.StreamChunk{Text: "chào"},
			llm.StreamChunk{
				Done:    true,
				Sources: []llm.Source{{URI: "https://v64.vn", Title: "V64"}},
				Timing:  &llm.Timing{TimeToFirstChunkMs: 120, TotalTimeMs: 400},
			},
		)).Once()

	events := collectSend(t, chat, &service.SendRequest{Content: "Phân tích lợi nhuận"})

	// Delta events arrive in order and the final event carries no error.
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "Xin ", events[0].Content)
	assert.Equal(t, "chào", events[1].Content)
	final := events[len(events)-1]
	assert.True(t, final.Done)
	assert.Empty(t, final.Error)

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Equal(t, model.RoleUser, messages[0].Role)
	assert.Equal(t, "Phân tích lợi nhuận", messages[0].Content)
	assert.Equal(t, model.RoleModel, messages[1].Role)
	assert.Equal(t, "Xin chào", messages[1].Content)
	assert.False(t, messages[1].IsError)
	assert.Equal(t, []model.Source{{URI: "https://v64.vn", Title: "V64"}}, messages[1].Sources)
	require.NotNil(t, messages[1].Performance)
	assert.Equal(t, int64(120), messages[1].Performance.TimeToFirstChunkMs)
	assert.Equal(t, int64(400), messages[1].Performance.TotalTimeMs)
}

func TestChatService_Send_PlaceholderOrdering(t *testing.T) {
	chat, mocks := setupChatService(t)

	// Capture the log state at the moment the stream starts: the user
	// message and exactly one trailing empty placeholder must already exist.
	var atStreamStart []model.Message
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			active, _ := mocks.convs.Active()
			atStreamStart = mocks.convs.Messages(active.ID)
			ch <- llm.StreamChunk{Text: "ok"}
			ch <- llm.StreamChunk{Done: true}
			return nil
		}).Once()

	collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	require.Len(t, atStreamStart, 2)
	assert.Equal(t, model.RoleUser, atStreamStart[0].Role)
	assert.Equal(t, model.RoleModel, atStreamStart[1].Role)
	assert.Empty(t, atStreamStart[1].Content)

	// Still exactly one model message for the turn afterwards.
	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Equal(t, "ok", messages[1].Content)
}

func TestChatService_Send_HistoryExcludesPlaceholder(t *testing.T) {
	chat, mocks := setupChatService(t)

	var gotHistory []llm.Message
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(_ context.Context, req *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			gotHistory = req.Messages
			ch <- llm.StreamChunk{Text: "ok", Done: true}
			return nil
		}).Once()

	collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	require.Len(t, gotHistory, 1)
	assert.Equal(t, model.RoleUser, gotHistory[0].Role)
	assert.Equal(t, "xin chào", gotHistory[0].Content)
}

func TestChatService_Send_ServiceErrorOverwritesPartial(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "một nửa câu trả lời"},
			llm.StreamChunk{Done: true, Error: "quota exceeded"},
		)).Once()

	events := collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	final := events[len(events)-1]
	assert.True(t, final.Done)
	assert.Equal(t, "quota exceeded", final.Error)

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	// A late error must not leave a half-formed answer standing.
	assert.NotContains(t, messages[1].Content, "một nửa")
	assert.Contains(t, messages[1].Content, "quota exceeded")
	assert.True(t, messages[1].IsError)
}

func TestChatService_Send_TransportFailure(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(_ context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			close(ch)
			return assert.AnError
		}).Once()

	events := collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	final := events[len(events)-1]
	assert.True(t, final.Done)
	assert.NotEmpty(t, final.Error)

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.True(t, messages[1].IsError)
	assert.NotEmpty(t, messages[1].Content)
}

func TestChatService_StopLeavesPartialContent(t *testing.T) {
	chat, mocks := setupChatService(t)

	chunksSent := make(chan struct{})
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			ch <- llm.StreamChunk{Text: "Xin "}
			ch <- llm.StreamChunk{Text: "chào"}
			close(chunksSent)
			<-ctx.Done()
			return ctx.Err()
		}).Once()

	events := make(chan model.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		chat.Send(context.Background(), &service.SendRequest{Content: "xin chào"}, events)
		close(done)
	}()

	<-chunksSent
	// Drain the two delta events so the engine is past them, then stop.
	<-events
	<-events
	chat.Stop()
	chat.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish after stop")
	}
	final := <-events
	assert.True(t, final.Done)
	assert.Empty(t, final.Error)

	// Partial content is final content; cancellation is not a failure.
	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Equal(t, "Xin chào", messages[1].Content)
	assert.False(t, messages[1].IsError)
}

func TestChatService_Stop_NoOperationInFlight(t *testing.T) {
	chat, _ := setupChatService(t)
	chat.Stop()
}

func TestChatService_Send_EmptyInput(t *testing.T) {
	chat, mocks := setupChatService(t)

	events := collectSend(t, chat, &service.SendRequest{Content: "   "})

	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.NotEmpty(t, events[0].Error)
	assert.Empty(t, activeMessages(t, mocks.convs))
}

const structuredResponse = "```json\n{\"summary\":\"tóm tắt\",\"analysis\":\"chi tiết\",\"charts\":[{\"type\":\"bar\",\"title\":\"DT\",\"data\":[{\"name\":\"DT\",\"value\":1000}]}]}\n```"

func TestChatService_Send_StructuredAnalysis(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: structuredResponse},
			llm.StreamChunk{Done: true},
		)).Once()

	payload := &analysis.Payload{
		Task:   analysis.TaskProfitAnalysis,
		Params: map[string]string{"product_name": "Áo Sơ Mi", "quantity": "100"},
	}
	collectSend(t, chat, &service.SendRequest{Payload: payload})

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)

	// The displayed user message is the short summary; the full prompt is
	// retained separately.
	assert.Contains(t, messages[0].Content, "Áo Sơ Mi")
	assert.NotEmpty(t, messages[0].Prompt)
	assert.NotEqual(t, messages[0].Content, messages[0].Prompt)

	// The structured merge replaces the raw text with the analysis string
	// and attaches task, params, charts and the derived component.
	assert.Equal(t, "chi tiết", messages[1].Content)
	assert.Equal(t, analysis.TaskProfitAnalysis, messages[1].Task)
	assert.Equal(t, "Áo Sơ Mi", messages[1].TaskParams["product_name"])
	require.Len(t, messages[1].Charts, 1)
	assert.Equal(t, "DT", messages[1].Charts[0].Title)
	require.Len(t, messages[1].Component, 1)
	require.Len(t, messages[1].Component[0].Points, 1)
}

func TestChatService_Send_MalformedStructuredPayload(t *testing.T) {
	chat, mocks := setupChatService(t)

	raw := "Kết quả: không có dữ liệu hợp lệ {broken"
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: raw},
			llm.StreamChunk{Done: true},
		)).Once()

	payload := &analysis.Payload{
		Task:   analysis.TaskProfitAnalysis,
		Params: map[string]string{"product_name": "Áo Sơ Mi", "quantity": "10"},
	}
	collectSend(t, chat, &service.SendRequest{Payload: payload})

	// Parse failure is non-fatal: the raw text stays on display, no charts.
	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Equal(t, raw, messages[1].Content)
	assert.Empty(t, messages[1].Charts)
	assert.False(t, messages[1].IsError)
}

func TestChatService_Send_LocalFallbackOnServiceError(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Done: true, Error: "model overloaded"},
		)).Once()

	payload := &analysis.Payload{
		Task:   analysis.TaskProfitAnalysis,
		Params: map[string]string{"product_name": "Áo Sơ Mi", "quantity": "100", "price": "179000", "cost": "85000"},
	}
	collectSend(t, chat, &service.SendRequest{Payload: payload})

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	// Locally computed result instead of an error message.
	assert.False(t, messages[1].IsError)
	assert.NotContains(t, messages[1].Content, "model overloaded")
	require.Len(t, messages[1].Charts, 1)
	assert.Equal(t, analysis.TaskProfitAnalysis, messages[1].Task)
}

func TestChatService_Send_TitleBootstrap(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "Xin chào", Done: true},
		)).Once()

	collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	// The rename happens on a detached goroutine; wait for it.
	assert.Eventually(t, func() bool {
		active, ok := mocks.convs.Active()
		return ok && active.Title == "Tiêu đề mới"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatService_Regenerate(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "câu trả lời đầu tiên", Done: true,
				Sources: []llm.Source{{URI: "https://v64.vn", Title: "V64"}}},
		)).Once()
	collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	modelID := messages[1].ID

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "câu trả lời thứ hai", Done: true},
		)).Once()

	events := make(chan model.StreamEvent, 64)
	chat.Regenerate(context.Background(), modelID, events)
	for range events {
	}

	messages = activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	// Same id, new content, stale attachments cleared.
	assert.Equal(t, modelID, messages[1].ID)
	assert.Equal(t, "câu trả lời thứ hai", messages[1].Content)
	assert.Empty(t, messages[1].Sources)
}

func TestChatService_Regenerate_UserMessageRejected(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(llm.StreamChunk{Text: "ok", Done: true})).Once()
	collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	events := make(chan model.StreamEvent, 64)
	chat.Regenerate(context.Background(), activeMessages(t, mocks.convs)[0].ID, events)
	var out []model.StreamEvent
	for event := range events {
		out = append(out, event)
	}
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].Error)
}

func TestChatService_EditMessage(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(llm.StreamChunk{Text: "trả lời cũ", Done: true})).Once()
	collectSend(t, chat, &service.SendRequest{Content: "câu hỏi cũ"})

	userID := activeMessages(t, mocks.convs)[0].ID
	oldModelID := activeMessages(t, mocks.convs)[1].ID

	var gotHistory []llm.Message
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(_ context.Context, req *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			gotHistory = req.Messages
			ch <- llm.StreamChunk{Text: "trả lời mới", Done: true}
			return nil
		}).Once()

	events := make(chan model.StreamEvent, 64)
	chat.EditMessage(context.Background(), userID, "câu hỏi mới", events)
	for range events {
	}

	// The old model message is discarded, not resurrected.
	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Equal(t, userID, messages[0].ID)
	assert.Equal(t, "câu hỏi mới", messages[0].Content)
	assert.NotEqual(t, oldModelID, messages[1].ID)
	assert.Equal(t, "trả lời mới", messages[1].Content)

	// The resent history contains the edited content, not the old answer.
	require.Len(t, gotHistory, 1)
	assert.Equal(t, "câu hỏi mới", gotHistory[0].Content)
}

func TestChatService_Send_StripsSuggestionsFromPreviousTurn(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(llm.StreamChunk{Text: "ok", Done: true})).Twice()

	conv, _ := mocks.convs.Active()
	collectSend(t, chat, &service.SendRequest{Content: "một"})
	firstModelID := mocks.convs.Messages(conv.ID)[1].ID
	mocks.convs.MutateMessage(conv.ID, firstModelID, func(m *model.Message) {
		m.Suggestions = []string{"Xem thêm?"}
	})

	collectSend(t, chat, &service.SendRequest{Content: "hai"})

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 4)
	assert.Nil(t, messages[1].Suggestions)
}

func TestChatService_SendSurvivesConversationSwitch(t *testing.T) {
	ctx := context.Background()
	chat, mocks := setupChatService(t)
	original, ok := mocks.convs.Active()
	require.True(t, ok)

	started := make(chan struct{})
	release := make(chan struct{})
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(streamCtx context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			close(started)
			select {
			case <-release:
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
			ch <- llm.StreamChunk{Text: "Xin chào", Done: true}
			return nil
		}).Once()

	events := make(chan model.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		chat.Send(ctx, &service.SendRequest{Content: "xin chào"}, events)
		close(done)
	}()

	// The user opens a new chat while the stream is parked mid-generation.
	<-started
	created, err := mocks.convs.Create(ctx)
	require.NoError(t, err)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
	}
	for range events {
	}

	// The streamed turn lands in the conversation it started on; the new
	// conversation is untouched.
	messages := mocks.convs.Messages(original.ID)
	require.Len(t, messages, 2)
	assert.Equal(t, "xin chào", messages[0].Content)
	assert.Equal(t, "Xin chào", messages[1].Content)
	assert.False(t, messages[1].IsError)
	assert.Empty(t, mocks.convs.Messages(created.ID))

	// The final content is persisted under the original conversation's key.
	reloaded := service.NewConversationService(mocks.store)
	require.NoError(t, reloaded.Init(ctx))
	require.NoError(t, reloaded.Select(ctx, original.ID))
	persisted := reloaded.Messages(original.ID)
	require.Len(t, persisted, 2)
	assert.Equal(t, "Xin chào", persisted[1].Content)
}

func TestChatService_StopReachesSendAfterSwitch(t *testing.T) {
	ctx := context.Background()
	chat, mocks := setupChatService(t)
	original, ok := mocks.convs.Active()
	require.True(t, ok)

	chunksSent := make(chan struct{})
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(streamCtx context.Context, _ *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			ch <- llm.StreamChunk{Text: "Xin "}
			ch <- llm.StreamChunk{Text: "chào"}
			close(chunksSent)
			<-streamCtx.Done()
			return streamCtx.Err()
		}).Once()

	events := make(chan model.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		chat.Send(ctx, &service.SendRequest{Content: "xin chào"}, events)
		close(done)
	}()

	// Switch away, then stop; the still-running send must be aborted even
	// though its conversation is no longer active.
	<-chunksSent
	_, err := mocks.convs.Create(ctx)
	require.NoError(t, err)
	chat.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish after stop")
	}
	for range events {
	}

	messages := mocks.convs.Messages(original.ID)
	require.Len(t, messages, 2)
	assert.Equal(t, "Xin chào", messages[1].Content)
	assert.False(t, messages[1].IsError)
}

func TestChatService_Send_ContentOverridesBuiltPrompt(t *testing.T) {
	chat, mocks := setupChatService(t)

	var gotHistory []llm.Message
	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(func(_ context.Context, req *llm.GenerateRequest, ch chan<- llm.StreamChunk) error {
			defer close(ch)
			gotHistory = req.Messages
			ch <- llm.StreamChunk{Text: "ok", Done: true}
			return nil
		}).Once()

	payload := &analysis.Payload{
		Task:   analysis.TaskProfitAnalysis,
		Params: map[string]string{"product_name": "Áo Sơ Mi", "quantity": "100"},
	}
	collectSend(t, chat, &service.SendRequest{Content: "Tập trung vào quý 3", Payload: payload})

	// The user's own words win as the upstream prompt; the payload still
	// provides the displayed summary.
	require.Len(t, gotHistory, 1)
	assert.Equal(t, "Tập trung vào quý 3", gotHistory[0].Content)

	messages := activeMessages(t, mocks.convs)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Content, "Áo Sơ Mi")
	assert.Equal(t, "Tập trung vào quý 3", messages[0].Prompt)
}

func TestChatService_ContentGrowsMonotonically(t *testing.T) {
	chat, mocks := setupChatService(t)

	mocks.provider.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything).
		Return(streamScript(
			llm.StreamChunk{Text: "a"},
			llm.StreamChunk{Text: "b"},
			llm.StreamChunk{Text: "c"},
			llm.StreamChunk{Done: true},
		)).Once()

	events := collectSend(t, chat, &service.SendRequest{Content: "xin chào"})

	var assembled strings.Builder
	for _, event := range events {
		if event.Done {
			break
		}
		prev := assembled.String()
		assembled.WriteString(event.Content)
		assert.True(t, strings.HasPrefix(assembled.String(), prev))
	}
	assert.Equal(t, "abc", assembled.String())
	assert.Equal(t, "abc", activeMessages(t, mocks.convs)[1].Content)
}

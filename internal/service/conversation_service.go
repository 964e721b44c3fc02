package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"v64assist/backend/internal/analysis"
	apperrors "v64assist/backend/internal/errors"
	"v64assist/backend/internal/model"
	"v64assist/backend/internal/store"
)

const defaultTitle = "Cuộc trò chuyện mới"

// messageLog is one conversation's in-memory message list plus its id
// sequence. Logs stay loaded once touched so a streaming send keeps writing
// to its own conversation even after the user switches away.
type messageLog struct {
	messages []model.Message
	nextID   int64
}

// ConversationService owns the conversation set and the loaded message logs.
// It is the sole writer of the store keys for this data; every other
// component mutates a log through its methods, always addressed by
// conversation id so a mid-stream conversation switch cannot redirect writes.
//
// Metadata and message logs live under separate keys and are not written
// atomically. A metadata entry whose log key is missing is treated as an
// empty conversation.
type ConversationService struct {
	store store.Store

	mu            sync.Mutex
	conversations map[string]*model.Conversation
	activeID      string
	logs          map[string]*messageLog
	// comparison picks and similar cross-message selection state; cleared on
	// every conversation switch so it cannot leak across conversations.
	selection map[int64]bool
}

func NewConversationService(st store.Store) *ConversationService {
	return &ConversationService{
		store:         st,
		conversations: make(map[string]*model.Conversation),
		logs:          make(map[string]*messageLog),
		selection:     make(map[int64]bool),
	}
}

// Init loads persisted state and guarantees the ready invariant: at least one
// conversation exists and exactly one is active.
func (s *ConversationService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.store.Get(ctx, store.KeyConversations)
	if err == nil {
		if err := json.Unmarshal(raw, &s.conversations); err != nil {
			return fmt.Errorf("decode conversation metadata: %w", err)
		}
	} else if err != store.ErrNotFound {
		return fmt.Errorf("load conversation metadata: %w", err)
	}

	if raw, err := s.store.Get(ctx, store.KeyActiveConv); err == nil {
		s.activeID = string(raw)
	}

	if len(s.conversations) == 0 {
		_, err := s.createLocked(ctx)
		return err
	}
	if _, ok := s.conversations[s.activeID]; !ok {
		s.activeID = s.mostRecentLocked()
		s.persistActiveID(ctx)
	}
	_, err = s.logLocked(ctx, s.activeID)
	return err
}

// Create starts a new empty conversation and makes it active.
func (s *ConversationService) Create(ctx context.Context) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx)
}

func (s *ConversationService) createLocked(ctx context.Context) (model.Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
	}
	now := time.Now()
	conv := &model.Conversation{ID: id.String(), Title: defaultTitle, CreatedAt: now, UpdatedAt: now}
	s.conversations[conv.ID] = conv
	s.logs[conv.ID] = &messageLog{nextID: 1}
	s.activeID = conv.ID
	s.selection = make(map[int64]bool)

	s.persistMetadata(ctx)
	s.persistActiveID(ctx)
	return *conv, nil
}

// Select switches the active conversation. Unknown ids are a silent no-op.
func (s *ConversationService) Select(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return nil
	}
	if _, err := s.logLocked(ctx, id); err != nil {
		return err
	}
	s.activeID = id
	s.selection = make(map[int64]bool)
	s.persistActiveID(ctx)
	return nil
}

// Rename updates a conversation's title. An empty trimmed title is a no-op.
func (s *ConversationService) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	conv, ok := s.conversations[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	conv.Title = title
	conv.UpdatedAt = time.Now()
	s.persistMetadata(ctx)
	return nil
}

// SetGroup assigns a conversation to a named group. An empty group clears the
// assignment.
func (s *ConversationService) SetGroup(ctx context.Context, id, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	conv.Group = strings.TrimSpace(group)
	conv.UpdatedAt = time.Now()
	s.persistMetadata(ctx)
	return nil
}

// Delete removes a conversation and its message log. Deleting the active
// conversation promotes the most recently created remaining one, or creates a
// fresh conversation when none remain: the set is never empty while ready.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.logs, id)
	s.persistMetadata(ctx)
	if err := s.store.Delete(ctx, store.MessagesKey(id)); err != nil {
		slog.Warn("Failed to delete message log", "conversation", id, "error", err)
	}

	if id != s.activeID {
		return nil
	}
	if len(s.conversations) == 0 {
		_, err := s.createLocked(ctx)
		return err
	}
	s.activeID = s.mostRecentLocked()
	s.selection = make(map[int64]bool)
	s.persistActiveID(ctx)
	_, err := s.logLocked(ctx, s.activeID)
	return err
}

// Clear empties a conversation's message log without deleting it.
func (s *ConversationService) Clear(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return apperrors.ErrNotFound
	}
	if err := s.store.Delete(ctx, store.MessagesKey(id)); err != nil {
		slog.Warn("Failed to clear message log", "conversation", id, "error", err)
	}
	if log, ok := s.logs[id]; ok {
		log.messages = nil
		log.nextID = 1
	}
	if id == s.activeID {
		s.selection = make(map[int64]bool)
	}
	return nil
}

// List returns conversation metadata, most recently created first.
func (s *ConversationService) List() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Active returns the active conversation's metadata.
func (s *ConversationService) Active() (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[s.activeID]
	if !ok {
		return model.Conversation{}, false
	}
	return *conv, true
}

// Messages returns a copy of a conversation's loaded log. A conversation that
// was never loaded this run reads as empty.
func (s *ConversationService) Messages(conversationID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// AppendMessage assigns the next sequence id, appends to the conversation's
// log and persists it. The id is monotonic per conversation and stable across
// saves.
func (s *ConversationService) AppendMessage(ctx context.Context, conversationID string, msg model.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	msg.ID = log.nextID
	log.nextID++
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	log.messages = append(log.messages, msg)
	s.touchLocked(conversationID)
	s.persistMessagesLocked(ctx, conversationID)
	return msg.ID, nil
}

// MutateMessage applies fn to the identified message in memory. Callers flush
// with PersistMessages once a logical step completes; streaming folds mutate
// far too often to hit storage each time.
func (s *ConversationService) MutateMessage(conversationID string, id int64, fn func(*model.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return false
	}
	for i := range log.messages {
		if log.messages[i].ID == id {
			fn(&log.messages[i])
			return true
		}
	}
	return false
}

// MessageByID returns a copy of the identified message.
func (s *ConversationService) MessageByID(conversationID string, id int64) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return model.Message{}, false
	}
	for i := range log.messages {
		if log.messages[i].ID == id {
			return log.messages[i], true
		}
	}
	return model.Message{}, false
}

// TruncateAfter drops every message after the identified one and persists the
// shortened log. Used by edit/regenerate so stale placeholders from the
// discarded tail can never resurface.
func (s *ConversationService) TruncateAfter(ctx context.Context, conversationID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return apperrors.ErrNotFound
	}
	for i := range log.messages {
		if log.messages[i].ID == id {
			log.messages = log.messages[:i+1]
			s.persistMessagesLocked(ctx, conversationID)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

// StripSuggestions removes single-use suggestion affordances from the
// conversation's trailing model message. Called at the start of every send.
func (s *ConversationService) StripSuggestions(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return
	}
	if n := len(log.messages); n > 0 && log.messages[n-1].Role == model.RoleModel {
		log.messages[n-1].Suggestions = nil
	}
}

// SetFeedback annotates a message with user feedback and persists the log.
func (s *ConversationService) SetFeedback(ctx context.Context, conversationID string, id int64, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[conversationID]
	if !ok {
		return apperrors.ErrNotFound
	}
	for i := range log.messages {
		if log.messages[i].ID == id {
			log.messages[i].Feedback = feedback
			s.persistMessagesLocked(ctx, conversationID)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

// PersistMessages flushes a conversation's log to the store.
func (s *ConversationService) PersistMessages(ctx context.Context, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistMessagesLocked(ctx, conversationID)
}

func (s *ConversationService) touchLocked(conversationID string) {
	if conv, ok := s.conversations[conversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
}

// persistMessagesLocked writes a conversation's log. The derived Component
// field is excluded by its json tag. Failures degrade: the write is retried
// once with image attachments stripped (they are the only large optional
// field), and a second failure is logged while the in-memory view stays
// authoritative.
func (s *ConversationService) persistMessagesLocked(ctx context.Context, conversationID string) {
	log, ok := s.logs[conversationID]
	if !ok {
		return
	}
	key := store.MessagesKey(conversationID)
	raw, err := json.Marshal(log.messages)
	if err != nil {
		slog.Error("Failed to encode message log", "conversation", conversationID, "error", err)
		return
	}
	err = s.store.Set(ctx, key, raw)
	if err == nil {
		return
	}
	slog.Warn("Failed to persist message log, retrying without attachments", "conversation", conversationID, "error", err)

	stripped := make([]model.Message, len(log.messages))
	copy(stripped, log.messages)
	for i := range stripped {
		stripped[i].ImageData = ""
	}
	raw, err = json.Marshal(stripped)
	if err != nil {
		slog.Error("Failed to encode stripped message log", "conversation", conversationID, "error", err)
		return
	}
	if err := s.store.Set(ctx, key, raw); err != nil {
		slog.Error("Failed to persist message log, keeping in-memory state only", "conversation", conversationID, "error", err)
	}
}

func (s *ConversationService) persistMetadata(ctx context.Context) {
	raw, err := json.Marshal(s.conversations)
	if err != nil {
		slog.Error("Failed to encode conversation metadata", "error", err)
		return
	}
	if err := s.store.Set(ctx, store.KeyConversations, raw); err != nil {
		slog.Error("Failed to persist conversation metadata", "error", err)
	}
}

func (s *ConversationService) persistActiveID(ctx context.Context) {
	if err := s.store.Set(ctx, store.KeyActiveConv, []byte(s.activeID)); err != nil {
		slog.Error("Failed to persist active conversation id", "error", err)
	}
}

// logLocked returns the conversation's log, loading it from the store on
// first touch. Once loaded a log stays resident so in-flight sends keep a
// stable target across conversation switches.
func (s *ConversationService) logLocked(ctx context.Context, id string) (*messageLog, error) {
	if log, ok := s.logs[id]; ok {
		return log, nil
	}
	raw, err := s.store.Get(ctx, store.MessagesKey(id))
	if err == store.ErrNotFound {
		log := &messageLog{nextID: 1}
		s.logs[id] = log
		return log, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message log: %w", err)
	}
	var messages []model.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode message log: %w", err)
	}
	// Rebuild the derived chart components; only the descriptors persist.
	var maxID int64
	for i := range messages {
		if messages[i].ID > maxID {
			maxID = messages[i].ID
		}
		if len(messages[i].Charts) > 0 {
			messages[i].Component = analysis.BuildComponents(messages[i].Charts)
		}
	}
	log := &messageLog{messages: messages, nextID: maxID + 1}
	s.logs[id] = log
	return log, nil
}

func (s *ConversationService) mostRecentLocked() string {
	var bestID string
	var bestTime time.Time
	for id, conv := range s.conversations {
		if bestID == "" || conv.CreatedAt.After(bestTime) || (conv.CreatedAt.Equal(bestTime) && id > bestID) {
			bestID = id
			bestTime = conv.CreatedAt
		}
	}
	return bestID
}

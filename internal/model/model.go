package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Message roles. The assistant side is called "model" because responses come
// from a hosted generative model, not a scripted agent.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Conversation stores metadata about a single chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Group     string    `json:"group,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source is a citation attached to a finished model response.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Performance holds client-measured timing for one model response.
type Performance struct {
	TimeToFirstChunkMs int64 `json:"time_to_first_chunk_ms"`
	TotalTimeMs        int64 `json:"total_time_ms"`
}

// ChartPoint is one named numeric datum in a chart.
type ChartPoint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Chart is a persisted chart descriptor extracted from a structured analysis
// response. It is pure data; the renderable unit is derived from it on demand.
type Chart struct {
	Type  string       `json:"type"`
	Title string       `json:"title"`
	Unit  string       `json:"unit,omitempty"`
	Data  []ChartPoint `json:"data"`
}

// ChartComponent is the derived renderable unit for one Chart. It is rebuilt
// from the Chart descriptors whenever a conversation is loaded and is never
// written to the store.
type ChartComponent struct {
	Kind   string       `json:"kind"`
	Title  string       `json:"title"`
	Unit   string       `json:"unit,omitempty"`
	Points []ChartPoint `json:"points"`
}

// Message is a single entry in a conversation's log. The ID is a monotonic
// per-conversation sequence number and stays stable across saves so that
// edit/regenerate/feedback can address messages reliably.
type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Prompt is the verbatim text sent to the remote service when it differs
	// from the displayed Content (analysis turns show a short summary while
	// the full task prompt goes upstream). User role only.
	Prompt string `json:"prompt,omitempty"`

	// ImageData is a base64-encoded attachment. Stripped from a retry write
	// when a save fails, since it is not needed to reconstruct the thread.
	ImageData string `json:"image_data,omitempty"`

	Feedback    string       `json:"feedback,omitempty"`
	IsError     bool         `json:"is_error,omitempty"`
	Sources     []Source     `json:"sources,omitempty"`
	Performance *Performance `json:"performance,omitempty"`

	// Suggestions are single-use follow-up affordances on a trailing model
	// message. They vanish as soon as any new message is sent.
	Suggestions []string `json:"suggestions,omitempty"`

	// Task and TaskParams record which analysis produced a model message so
	// the user can re-open the form and recompute. Model role only.
	Task       string            `json:"task,omitempty"`
	TaskParams map[string]string `json:"task_params,omitempty"`

	// Charts are the persisted chart descriptors of a structured analysis.
	Charts []Chart `json:"charts,omitempty"`

	// Component is the derived renderable artifact. Excluded from every
	// serialization on purpose; rebuild it from Charts.
	Component []ChartComponent `json:"-"`
}

// FullConversation bundles conversation metadata with its message log.
type FullConversation struct {
	Conversation
	Messages []Message `json:"messages"`
}

// AnalysisResult is the transient parse of a finished structured response.
// It is merged into the final model message and then discarded.
type AnalysisResult struct {
	Summary     string   `json:"summary"`
	Analysis    string   `json:"analysis"`
	Charts      []Chart  `json:"charts"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// StreamEvent is one chunk of a streaming send as observed by the
// presentation layer.
type StreamEvent struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	MessageID      int64        `json:"message_id,omitempty"`
	Content        string       `json:"content"`
	Done           bool         `json:"done"`
	Error          string       `json:"error,omitempty"`
	Sources        []Source     `json:"sources,omitempty"`
	Performance    *Performance `json:"performance,omitempty"`
}

// Product is one catalog entry of the business profile.
type Product struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name"`
	Cost  decimal.Decimal `json:"cost"`
	Price decimal.Decimal `json:"price"`
}

// CostDefaults are the fallback unit-cost assumptions used to pre-fill
// analysis forms when a product has no recorded cost.
type CostDefaults struct {
	MaterialPerUnit decimal.Decimal `json:"material_per_unit"`
	LaborPerUnit    decimal.Decimal `json:"labor_per_unit"`
	OverheadPerUnit decimal.Decimal `json:"overhead_per_unit"`
}

// BusinessProfile is the owned product catalog plus default cost assumptions.
type BusinessProfile struct {
	CompanyName string       `json:"company_name"`
	Products    []Product    `json:"products"`
	Defaults    CostDefaults `json:"defaults"`
}

// Package extract pulls a machine-readable JSON payload out of a finished
// model response. Responses for analysis tasks are expected to carry a fenced
// ```json block; some models skip the fence and return a bare object. The
// scan is an explicit little state machine so it can be hardened or replaced
// without touching the reconciliation flow.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"v64assist/backend/internal/model"
)

// State reports how the payload candidate was located.
type State int

const (
	// StateNoFence: no fenced block and the text is not a bare JSON object.
	StateNoFence State = iota
	// StateFence: a fenced block was found and its body is the candidate.
	StateFence
	// StateBareObject: the whole trimmed text is a {...} object.
	StateBareObject
	// StateInvalid: a fence opened but never closed, or closed empty.
	StateInvalid
)

// JSONBlock scans text for a fenced JSON block. If no fence exists but the
// trimmed text itself is a bare object, that is returned instead.
func JSONBlock(text string) (string, State) {
	lines := strings.Split(text, "\n")

	var (
		body    []string
		inFence bool
		closed  bool
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence {
			if strings.HasPrefix(trimmed, "```") {
				tag := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				if tag == "" || strings.EqualFold(tag, "json") {
					inFence = true
				}
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			closed = true
			break
		}
		body = append(body, line)
	}

	if inFence {
		payload := strings.TrimSpace(strings.Join(body, "\n"))
		if !closed || payload == "" {
			return "", StateInvalid
		}
		return payload, StateFence
	}

	bare := strings.TrimSpace(text)
	if strings.HasPrefix(bare, "{") && strings.HasSuffix(bare, "}") {
		return bare, StateBareObject
	}
	return "", StateNoFence
}

// analysisWire mirrors the expected payload shape. Charts is a pointer so a
// payload that omits the array entirely is rejected while an empty array is
// accepted (zero charts is a valid analysis).
type analysisWire struct {
	Summary     string         `json:"summary"`
	Analysis    string         `json:"analysis"`
	Charts      *[]model.Chart `json:"charts"`
	Suggestions []string       `json:"suggestions"`
}

// ParseAnalysis extracts and decodes a structured analysis result from
// finished response text. Any failure is reported as an error; callers treat
// it as non-fatal and keep the raw text.
func ParseAnalysis(text string) (*model.AnalysisResult, error) {
	payload, state := JSONBlock(text)
	switch state {
	case StateNoFence:
		return nil, fmt.Errorf("no json payload found")
	case StateInvalid:
		return nil, fmt.Errorf("malformed json fence")
	}

	var wire analysisWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return nil, fmt.Errorf("decode analysis payload: %w", err)
	}
	if wire.Analysis == "" || wire.Charts == nil {
		return nil, fmt.Errorf("analysis payload missing required fields")
	}

	return &model.AnalysisResult{
		Summary:     wire.Summary,
		Analysis:    wire.Analysis,
		Charts:      *wire.Charts,
		Suggestions: wire.Suggestions,
	}, nil
}

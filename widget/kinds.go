// ABOUTME: Widget kinds and the tagged-union request/result types exchanged with fulfillers.
// ABOUTME: Each kind has a statically typed params struct instead of an open-ended map.

package widget

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a specialized widget mini-app.
type Kind string

const (
	KindNone      Kind = ""
	KindImage     Kind = "image"
	KindSearch    Kind = "search"
	KindAnalysis  Kind = "analysis"
	KindWriting   Kind = "writing"
	KindKnowledge Kind = "knowledge"
	KindHelp      Kind = "help"
)

// Valid reports whether k names a real widget (KindNone is not one).
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindSearch, KindAnalysis, KindWriting, KindKnowledge, KindHelp:
		return true
	}
	return false
}

// ImageParams are the parameters for an image generation request.
type ImageParams struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// SearchParams are the parameters for a web search request.
type SearchParams struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// AnalysisParams are the parameters for a data analysis request.
type AnalysisParams struct {
	Instruction string   `json:"instruction"`
	DatasetRefs []string `json:"dataset_refs,omitempty"`
}

// WritingParams are the parameters for a writing assistance request.
type WritingParams struct {
	Instruction string `json:"instruction"`
	Tone        string `json:"tone,omitempty"`
}

// KnowledgeParams are the parameters for a document Q&A request.
type KnowledgeParams struct {
	Question string   `json:"question"`
	FileRefs []string `json:"file_refs,omitempty"`
}

// Request asks a fulfiller to run one widget operation. Exactly one params
// field matching Kind is populated; Validate enforces the pairing.
type Request struct {
	Kind          Kind      `json:"kind"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at"`
	Deadline      time.Time `json:"deadline,omitempty"`

	Image     *ImageParams     `json:"image,omitempty"`
	Search    *SearchParams    `json:"search,omitempty"`
	Analysis  *AnalysisParams  `json:"analysis,omitempty"`
	Writing   *WritingParams   `json:"writing,omitempty"`
	Knowledge *KnowledgeParams `json:"knowledge,omitempty"`
}

// Validate checks that the request names a valid kind and carries the params
// struct for that kind (KindHelp takes none).
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid widget kind %q", r.Kind)
	}
	ok := false
	switch r.Kind {
	case KindImage:
		ok = r.Image != nil
	case KindSearch:
		ok = r.Search != nil
	case KindAnalysis:
		ok = r.Analysis != nil
	case KindWriting:
		ok = r.Writing != nil
	case KindKnowledge:
		ok = r.Knowledge != nil
	case KindHelp:
		ok = true
	}
	if !ok {
		return fmt.Errorf("widget request kind %q missing its params", r.Kind)
	}
	return nil
}

// Result resolves a Request. Exactly one of Payload or Err is meaningful,
// discriminated by Success.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Err           string          `json:"error,omitempty"`
}

// Failure builds a failed Result for the given correlation id.
func Failure(correlationID, reason string) Result {
	return Result{CorrelationID: correlationID, Err: reason}
}

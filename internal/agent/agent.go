package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/planprep/enrichment/internal/apptype"
)

// Mode selects which stores the analysis pass is expected to target.
type Mode string

const (
	ModeMapEnrichment   Mode = "map_enrichment"
	ModeGraphEnrichment Mode = "graph_enrichment"
)

// ParseMode validates a mode string, defaulting empty input to map enrichment.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeMapEnrichment, nil
	case ModeMapEnrichment, ModeGraphEnrichment:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown analysis mode %q", s)
	}
}

// Event types emitted by the analysis agent.
const (
	EventThinking = "thinking"
	EventStatus   = "status"
	EventToolCall = "tool_call"
	EventComplete = "complete"
	EventError    = "error"
)

// Tool names the agent may invoke during a pass.
const (
	ToolCreateEntities    = "create_entities"
	ToolCreateRelations   = "create_relations"
	ToolCreateMapLocation = "create_map_location"
	ToolUpdateMapLocation = "update_map_location"
	ToolCreateTask        = "create_task"
)

// Event is one record in the analysis stream.
type Event struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Total    int             `json:"total,omitempty"`
}

// Request carries one chat transcript into an analysis pass.
type Request struct {
	StudentID string            `json:"studentId"`
	ChatID    string            `json:"chatId"`
	Mode      Mode              `json:"mode"`
	Messages  []apptype.Message `json:"messages"`
}

// EventStream yields analysis events in arrival order. Next returns io.EOF
// once the stream is exhausted; Close releases the underlying reader.
type EventStream interface {
	Next() (*Event, error)
	Close() error
}

// Gateway is the external analysis capability: given a transcript and mode
// it emits an ordered stream of thinking, tool-invocation and terminal
// events.
type Gateway interface {
	Analyze(ctx context.Context, req Request) (EventStream, error)
}

// Tool argument payloads. These mirror what the agent is instructed to emit;
// the orchestrator decodes Event.Args into these shapes.

// CreateEntitiesCall is the payload of a create_entities invocation.
type CreateEntitiesCall struct {
	Entities []apptype.Entity `json:"entities"`
}

// CreateRelationsCall is the payload of a create_relations invocation.
type CreateRelationsCall struct {
	Relations []apptype.Relation `json:"relations"`
}

// MapLocationCall is the payload of create_map_location / update_map_location.
type MapLocationCall struct {
	Location apptype.MapLocation `json:"location"`
}

// CreateTaskCall is the payload of a create_task invocation.
type CreateTaskCall struct {
	Task apptype.Task `json:"task"`
}

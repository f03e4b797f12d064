package apptype

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Entity represents a node in the knowledge graph
type Entity struct {
	Name         string        `json:"name"`
	EntityType   string        `json:"entityType"`
	Observations []Observation `json:"observations"`
}

// EntityTypeUnknown marks entities whose type the analysis agent failed to
// supply. It is stored explicitly rather than guessed from the name.
const EntityTypeUnknown = "unknown"

// Observation is a single atomic fact about an entity, as a typed key/value
// pair. The wire form also accepts the legacy "Key: value" string encoding.
type Observation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UnmarshalJSON accepts either {"key":..,"value":..} or "Key: value".
func (o *Observation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if k, v, found := strings.Cut(s, ":"); found {
			o.Key = strings.TrimSpace(k)
			o.Value = strings.TrimSpace(v)
		} else {
			o.Key = ""
			o.Value = strings.TrimSpace(s)
		}
		return nil
	}
	type plain Observation
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("observation must be a string or {key,value} object: %w", err)
	}
	*o = Observation(p)
	return nil
}

func (o Observation) String() string {
	if o.Key == "" {
		return o.Value
	}
	return o.Key + ": " + o.Value
}

// Relation represents a directed relationship between two entities
type Relation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// WriteFailure reports a single rejected item from a batch write. Batches
// continue past rejected items rather than aborting.
type WriteFailure struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// Location types accepted by the map location store.
const (
	LocationTypeCollege     = "college"
	LocationTypeScholarship = "scholarship"
)

// MapLocation is a geolocated record for the student's map. Identity during
// merge is the (Name, LocationType) pair; ID is assigned once at first
// creation and stable thereafter.
type MapLocation struct {
	ID           string         `json:"id,omitempty"`
	Name         string         `json:"name"`
	LocationType string         `json:"type"`
	Latitude     *float64       `json:"latitude,omitempty"`
	Longitude    *float64       `json:"longitude,omitempty"`
	SourceChats  []string       `json:"sourceChats,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt,omitempty"`
}

// Address returns the geocodable address carried in metadata, if any.
func (l *MapLocation) Address() string {
	if l.Metadata == nil {
		return ""
	}
	if s, ok := l.Metadata["address"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// MergeMetadata merges src into dst one level deep: new top-level keys
// overwrite old ones, and when both sides hold a map for the same key the
// nested maps are merged with src keys winning. All other values are
// last-writer-wins. Neither input is mutated.
func MergeMetadata(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcNested, srcIsMap := v.(map[string]any)
		dstNested, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			merged := make(map[string]any, len(dstNested)+len(srcNested))
			for nk, nv := range dstNested {
				merged[nk] = nv
			}
			for nk, nv := range srcNested {
				merged[nk] = nv
			}
			out[k] = merged
			continue
		}
		out[k] = v
	}
	return out
}

// Message is a single utterance within a chat.
type Message struct {
	ID      string    `json:"id"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// Chat is one conversation between the student and the research agent.
// ProcessedLastMessageAt records the newest message timestamp seen at the
// moment the chat was marked processed.
type Chat struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title,omitempty"`
	Messages               []Message  `json:"messages,omitempty"`
	Processed              bool       `json:"processed"`
	ProcessedAt            *time.Time `json:"processedAt,omitempty"`
	ProcessedLastMessageAt *time.Time `json:"processedLastMessageAt,omitempty"`
	LastMessageAt          *time.Time `json:"lastMessageAt,omitempty"`
}

// Stale reports whether the chat received a message after its last
// successful enrichment pass. Stale chats must be explicitly flipped back to
// unprocessed before their facts can be trusted again.
func (c *Chat) Stale() bool {
	if !c.Processed || c.LastMessageAt == nil {
		return false
	}
	if c.ProcessedLastMessageAt != nil {
		return c.LastMessageAt.After(*c.ProcessedLastMessageAt)
	}
	if c.ProcessedAt != nil {
		return c.LastMessageAt.After(*c.ProcessedAt)
	}
	return false
}

// Task is a deadline the agent extracted from a conversation (application
// due dates, test registrations).
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	SourceChat  string     `json:"sourceChat,omitempty"`
}

// GraphResult is the full knowledge-graph snapshot for a student.
type GraphResult struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

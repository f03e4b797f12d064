package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/geocode"
)

const testStudent = "test-student"

// scriptedGateway replays a canned event sequence per chat id.
type scriptedGateway struct {
	scripts  map[string][]agent.Event
	requests []agent.Request
}

func (g *scriptedGateway) Analyze(ctx context.Context, req agent.Request) (agent.EventStream, error) {
	g.requests = append(g.requests, req)
	events, ok := g.scripts[req.ChatID]
	if !ok {
		return nil, fmt.Errorf("no script for chat %s", req.ChatID)
	}
	return &sliceStream{events: events}, nil
}

type sliceStream struct {
	events []agent.Event
	pos    int
}

func (s *sliceStream) Next() (*agent.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *sliceStream) Close() error { return nil }

// fakeGeocoder resolves everything to a fixed point, or fails when broken.
type fakeGeocoder struct {
	broken bool
	calls  int
}

func (g *fakeGeocoder) Geocode(ctx context.Context, address, name string) (*geocode.Result, error) {
	g.calls++
	if g.broken {
		return nil, fmt.Errorf("geocoder unavailable")
	}
	return &geocode.Result{Latitude: 42.0, Longitude: -71.0, FormattedAddress: address}, nil
}

func setupTestDB(t *testing.T) *database.Manager {
	t.Helper()
	config := database.NewConfig()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	config.URL = fmt.Sprintf("file:pipeline_%s?mode=memory&cache=shared", name)
	db, err := database.NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })
	return db
}

func seedChat(t *testing.T, db *database.Manager, chatID string) {
	t.Helper()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpsertChat(context.Background(), testStudent, apptype.Chat{
		ID: chatID,
		Messages: []apptype.Message{
			{ID: chatID + "-m1", Sender: "student", Content: "Looking at schools near Boston", SentAt: sentAt},
		},
	}))
}

func toolCall(t *testing.T, tool string, payload any) agent.Event {
	t.Helper()
	args, err := json.Marshal(payload)
	require.NoError(t, err)
	return agent.Event{Type: agent.EventToolCall, Tool: tool, Args: args}
}

func locationCall(t *testing.T, name string, lat, lng *float64, meta map[string]any) agent.Event {
	return toolCall(t, agent.ToolCreateMapLocation, agent.MapLocationCall{
		Location: apptype.MapLocation{
			Name:         name,
			LocationType: apptype.LocationTypeCollege,
			Latitude:     lat,
			Longitude:    lng,
			Metadata:     meta,
		},
	})
}

func newOrchestrator(db *database.Manager, gw agent.Gateway, gc geocode.Geocoder) *Orchestrator {
	o := NewOrchestrator(db, gw, gc, zap.NewNop())
	o.SetRetryBackoff(0)
	return o
}

func TestProcessChatMapMode(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	lat, lng := 42.3601, -71.0942
	due := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			{Type: agent.EventThinking, Content: "Scanning for colleges"},
			locationCall(t, "MIT", &lat, &lng, map[string]any{"website": "https://mit.edu"}),
			toolCall(t, agent.ToolCreateTask, agent.CreateTaskCall{
				Task: apptype.Task{Title: "MIT application", DueDate: &due},
			}),
			{Type: agent.EventComplete, Content: "done"},
		},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	var reported []agent.Event
	rep := ReporterFunc(func(ev agent.Event) { reported = append(reported, ev) })

	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, rep))

	locations, err := db.ListLocations(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "MIT", locations[0].Name)
	assert.Equal(t, []string{"chat-1"}, locations[0].SourceChats)

	tasks, err := db.ListTasks(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "chat-1", tasks[0].SourceChat)

	chat, err := db.GetChat(context.Background(), testStudent, "chat-1")
	require.NoError(t, err)
	assert.True(t, chat.Processed)
	require.NotNil(t, chat.ProcessedLastMessageAt)

	// Events were relayed in arrival order.
	require.Len(t, reported, 4)
	assert.Equal(t, agent.EventThinking, reported[0].Type)
	assert.Equal(t, agent.EventComplete, reported[3].Type)

	assert.Equal(t, agent.ModeMapEnrichment, gw.requests[0].Mode)
}

func TestProcessChatKeepsWritesOnErrorEvent(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	lat, lng := 1.0, 2.0
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			locationCall(t, "A", &lat, &lng, nil),
			locationCall(t, "B", &lat, &lng, nil),
			locationCall(t, "C", &lat, &lng, nil),
			{Type: agent.EventError, Content: "model overloaded"},
			// Anything after the error event must not be applied.
			locationCall(t, "D", &lat, &lng, nil),
		},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	err := orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	// Writes applied before the failure stay; nothing is rolled back.
	locations, lErr := db.ListLocations(context.Background(), testStudent)
	require.NoError(t, lErr)
	assert.Len(t, locations, 3)

	chat, gErr := db.GetChat(context.Background(), testStudent, "chat-1")
	require.NoError(t, gErr)
	assert.False(t, chat.Processed)
}

func TestProcessChatStreamEndsWithoutComplete(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	lat, lng := 1.0, 2.0
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {locationCall(t, "A", &lat, &lng, nil)},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	err := orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without completion")

	chat, gErr := db.GetChat(context.Background(), testStudent, "chat-1")
	require.NoError(t, gErr)
	assert.False(t, chat.Processed)
}

func TestProcessChatGeocodesAddressOnlyLocations(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			locationCall(t, "MIT", nil, nil, map[string]any{"address": "77 Massachusetts Ave"}),
			{Type: agent.EventComplete},
		},
	}}

	gc := &fakeGeocoder{}
	orch := newOrchestrator(db, gw, gc)
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, nil))

	assert.Equal(t, 1, gc.calls)
	locations, err := db.ListLocations(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, 42.0, *locations[0].Latitude)
}

func TestProcessChatGeocodeFailureSkipsOnlyThatWrite(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	lat, lng := 1.0, 2.0
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			locationCall(t, "Unresolvable", nil, nil, map[string]any{"address": "nowhere"}),
			locationCall(t, "MIT", &lat, &lng, nil),
			{Type: agent.EventComplete},
		},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{broken: true})
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, nil))

	locations, err := db.ListLocations(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "MIT", locations[0].Name)

	chat, err := db.GetChat(context.Background(), testStudent, "chat-1")
	require.NoError(t, err)
	assert.True(t, chat.Processed)
}

func TestProcessChatWithoutGeocoderSkipsAddressOnlyWrites(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	lat, lng := 1.0, 2.0
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			locationCall(t, "Address Only", nil, nil, map[string]any{"address": "77 Massachusetts Ave"}),
			locationCall(t, "MIT", &lat, &lng, nil),
			{Type: agent.EventComplete},
		},
	}}

	// No geocoder wired at all. The address-only write is skipped like any
	// other geocode failure; it must never panic.
	orch := newOrchestrator(db, gw, nil)
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeMapEnrichment, nil))

	locations, err := db.ListLocations(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "MIT", locations[0].Name)
}

func TestProcessChatDedupsRelationsWithinPass(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	rel := apptype.Relation{From: "Maya", To: "MIT", RelationType: "interested_in"}
	script := []agent.Event{
		toolCall(t, agent.ToolCreateRelations, agent.CreateRelationsCall{Relations: []apptype.Relation{rel, rel}}),
		toolCall(t, agent.ToolCreateRelations, agent.CreateRelationsCall{Relations: []apptype.Relation{rel}}),
		{Type: agent.EventComplete},
	}
	gw := &scriptedGateway{scripts: map[string][]agent.Event{"chat-1": script}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeGraphEnrichment, nil))

	graph, err := db.ReadGraph(context.Background(), testStudent)
	require.NoError(t, err)
	assert.Len(t, graph.Relations, 1)

	// The dedup window is a single pass. A later pass may append again.
	require.NoError(t, db.SetProcessed(context.Background(), testStudent, "chat-1", false, nil))
	gw.scripts["chat-1"] = script
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeGraphEnrichment, nil))

	graph, err = db.ReadGraph(context.Background(), testStudent)
	require.NoError(t, err)
	assert.Len(t, graph.Relations, 2)
}

func TestProcessChatStoresTypelessEntitiesAsUnknown(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")

	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-1": {
			toolCall(t, agent.ToolCreateEntities, agent.CreateEntitiesCall{Entities: []apptype.Entity{
				{Name: "Mystery U", Observations: []apptype.Observation{{Key: "note", Value: "mentioned once"}}},
			}}),
			{Type: agent.EventComplete},
		},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	require.NoError(t, orch.ProcessChat(context.Background(), testStudent, "chat-1", agent.ModeGraphEnrichment, nil))

	entity, err := db.GetEntity(context.Background(), testStudent, "Mystery U")
	require.NoError(t, err)
	assert.Equal(t, apptype.EntityTypeUnknown, entity.EntityType)
}

func TestProcessAllContinuesPastFailedChats(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-a")
	seedChat(t, db, "chat-b")
	seedChat(t, db, "chat-c")

	lat, lng := 1.0, 2.0
	gw := &scriptedGateway{scripts: map[string][]agent.Event{
		"chat-a": {locationCall(t, "A", &lat, &lng, nil), {Type: agent.EventComplete}},
		"chat-b": {{Type: agent.EventError, Content: "boom"}},
		"chat-c": {locationCall(t, "C", &lat, &lng, nil), {Type: agent.EventComplete}},
	}}

	orch := newOrchestrator(db, gw, &fakeGeocoder{})
	var reported []agent.Event
	rep := ReporterFunc(func(ev agent.Event) { reported = append(reported, ev) })
	result, err := orch.ProcessAll(context.Background(), testStudent, agent.ModeMapEnrichment, rep)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalCount)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, []string{"chat-b"}, result.FailedChats)

	// Aggregate counts are reported after each chat finishes, success or not.
	var progress []int
	for _, ev := range reported {
		if ev.Type == agent.EventStatus && ev.Total == 3 {
			progress = append(progress, ev.Progress)
		}
	}
	assert.Equal(t, []int{1, 1, 2}, progress)

	final := reported[len(reported)-1]
	assert.Equal(t, agent.EventComplete, final.Type)
	assert.Equal(t, 2, final.Progress)
	assert.Equal(t, 3, final.Total)

	unprocessed, err := db.ListUnprocessedChats(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, "chat-b", unprocessed[0].ID)
}

func TestMarkUnprocessedAndReconcileStale(t *testing.T) {
	db := setupTestDB(t)
	seedChat(t, db, "chat-1")
	seedChat(t, db, "chat-2")

	gw := &scriptedGateway{scripts: map[string][]agent.Event{}}
	orch := newOrchestrator(db, gw, &fakeGeocoder{})

	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.SetProcessed(context.Background(), testStudent, "chat-1", true, &last))
	require.NoError(t, db.SetProcessed(context.Background(), testStudent, "chat-2", true, &last))

	// chat-2 receives a newer message, making it stale.
	require.NoError(t, db.AppendMessage(context.Background(), testStudent, "chat-2", apptype.Message{
		ID: "chat-2-m2", Sender: "student", Content: "update", SentAt: last.Add(time.Hour),
	}))

	touched, err := orch.ReconcileStale(context.Background(), testStudent)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat-2"}, touched)

	unprocessed, err := db.ListUnprocessedChats(context.Background(), testStudent)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, "chat-2", unprocessed[0].ID)

	require.NoError(t, orch.MarkUnprocessed(context.Background(), testStudent, []string{"chat-1"}))
	unprocessed, err = db.ListUnprocessedChats(context.Background(), testStudent)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2)
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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
	"github.com/planprep/enrichment/internal/pipeline"
)

type stubGateway struct {
	events []agent.Event
}

func (g *stubGateway) Analyze(ctx context.Context, req agent.Request) (agent.EventStream, error) {
	return &stubStream{events: g.events}, nil
}

type stubStream struct {
	events []agent.Event
	pos    int
}

func (s *stubStream) Next() (*agent.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return &ev, nil
}

func (s *stubStream) Close() error { return nil }

type stubGeocoder struct{}

func (stubGeocoder) Geocode(ctx context.Context, address, name string) (*geocode.Result, error) {
	return &geocode.Result{Latitude: 42.0, Longitude: -71.0}, nil
}

func setupServer(t *testing.T, gw agent.Gateway) (*httptest.Server, *database.Manager) {
	t.Helper()
	config := database.NewConfig()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	config.URL = fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name)
	db, err := database.NewManager(config)
	require.NoError(t, err)

	orch := pipeline.NewOrchestrator(db, gw, stubGeocoder{}, zap.NewNop())
	orch.SetRetryBackoff(0)

	srv := httptest.NewServer(NewRouter(NewHandler(db, orch, zap.NewNop())))
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, db.Close())
	})
	return srv, db
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, &stubGateway{})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatIngestAndList(t *testing.T) {
	srv, _ := setupServer(t, &stubGateway{})
	base := srv.URL + "/api/students/s1"

	chat := apptype.Chat{
		ID: "chat-1",
		Messages: []apptype.Message{
			{ID: "m1", Sender: "student", Content: "hi", SentAt: time.Now().UTC()},
		},
	}
	resp := postJSON(t, base+"/chats", chat)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp2, err := http.Get(base + "/chats")
	require.NoError(t, err)
	defer resp2.Body.Close()

	var result apptype.ChatsResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result))
	require.Len(t, result.Chats, 1)
	assert.Equal(t, "chat-1", result.Chats[0].ID)

	// Chat ingestion without an id is rejected.
	resp3 := postJSON(t, base+"/chats", apptype.Chat{})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestProcessChatStreamsNDJSON(t *testing.T) {
	locArgs, err := json.Marshal(agent.MapLocationCall{Location: apptype.MapLocation{
		Name:         "MIT",
		LocationType: apptype.LocationTypeCollege,
		Metadata:     map[string]any{"address": "77 Massachusetts Ave"},
	}})
	require.NoError(t, err)

	gw := &stubGateway{events: []agent.Event{
		{Type: agent.EventThinking, Content: "scanning"},
		{Type: agent.EventToolCall, Tool: agent.ToolCreateMapLocation, Args: locArgs},
		{Type: agent.EventComplete},
	}}
	srv, db := setupServer(t, gw)
	base := srv.URL + "/api/students/s1"

	resp := postJSON(t, base+"/chats", apptype.Chat{
		ID: "chat-1",
		Messages: []apptype.Message{
			{ID: "m1", Sender: "student", Content: "tell me about MIT", SentAt: time.Now().UTC()},
		},
	})
	resp.Body.Close()

	procResp, err := http.Post(base+"/chats/chat-1/process?mode=map_enrichment", "application/json", nil)
	require.NoError(t, err)
	defer procResp.Body.Close()
	assert.Equal(t, "application/x-ndjson", procResp.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(procResp.Body)
	for scanner.Scan() {
		var ev agent.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"thinking", "tool_call", "complete"}, types)

	locations, err := db.ListLocations(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, "MIT", locations[0].Name)

	chat, err := db.GetChat(context.Background(), "s1", "chat-1")
	require.NoError(t, err)
	assert.True(t, chat.Processed)
}

func TestProcessChatRejectsBadMode(t *testing.T) {
	srv, _ := setupServer(t, &stubGateway{})

	resp, err := http.Post(srv.URL+"/api/students/s1/chats/chat-1/process?mode=vibes", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMarkUnprocessedEndpoint(t *testing.T) {
	srv, db := setupServer(t, &stubGateway{})
	base := srv.URL + "/api/students/s1"

	resp := postJSON(t, base+"/chats", apptype.Chat{
		ID:       "chat-1",
		Messages: []apptype.Message{{ID: "m1", Sender: "student", Content: "hi", SentAt: time.Now().UTC()}},
	})
	resp.Body.Close()
	require.NoError(t, db.SetProcessed(context.Background(), "s1", "chat-1", true, nil))

	resp2 := postJSON(t, base+"/chats/unprocess", map[string][]string{"chatIds": {"chat-1"}})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	chat, err := db.GetChat(context.Background(), "s1", "chat-1")
	require.NoError(t, err)
	assert.False(t, chat.Processed)
}

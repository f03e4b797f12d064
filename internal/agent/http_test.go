package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/apptype"
)

func TestHTTPGatewayStreamsEvents(t *testing.T) {
	var received Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"type":"thinking","content":"hm"}`+"\n")
		io.WriteString(w, `{"type":"complete"}`+"\n")
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, zap.NewNop())
	stream, err := gw.Analyze(context.Background(), Request{
		StudentID: "s1",
		ChatID:    "c1",
		Mode:      ModeMapEnrichment,
		Messages: []apptype.Message{
			{ID: "m1", Sender: "student", Content: "hi", SentAt: time.Now()},
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "c1", received.ChatID)
	assert.Equal(t, ModeMapEnrichment, received.Mode)

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventThinking, ev.Type)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventComplete, ev.Type)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPGatewayNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, zap.NewNop())
	_, err := gw.Analyze(context.Background(), Request{ChatID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "agent unavailable")
}

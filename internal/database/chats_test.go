package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planprep/enrichment/internal/apptype"
)

func testChat(id string, sentAt time.Time) apptype.Chat {
	return apptype.Chat{
		ID:    id,
		Title: "College search",
		Messages: []apptype.Message{
			{ID: id + "-m1", Sender: "student", Content: "Tell me about MIT", SentAt: sentAt},
			{ID: id + "-m2", Sender: "assistant", Content: "MIT is in Cambridge, MA", SentAt: sentAt.Add(time.Minute)},
		},
	}
}

func TestUpsertChatAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))

	chat, err := db.GetChat(ctx, testStudent, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "College search", chat.Title)
	assert.False(t, chat.Processed)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "student", chat.Messages[0].Sender)
	require.NotNil(t, chat.LastMessageAt)
	assert.True(t, chat.LastMessageAt.Equal(sentAt.Add(time.Minute)))
}

func TestUpsertChatReplayIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))
	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))

	chat, err := db.GetChat(ctx, testStudent, "chat-1")
	require.NoError(t, err)
	assert.Len(t, chat.Messages, 2)
}

func TestAppendMessageDoesNotTouchProcessedFlag(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))
	last := sentAt.Add(time.Minute)
	require.NoError(t, db.SetProcessed(ctx, testStudent, "chat-1", true, &last))

	newMsg := apptype.Message{
		ID: "chat-1-m3", Sender: "student", Content: "What about scholarships?",
		SentAt: sentAt.Add(2 * time.Minute),
	}
	require.NoError(t, db.AppendMessage(ctx, testStudent, "chat-1", newMsg))

	chat, err := db.GetChat(ctx, testStudent, "chat-1")
	require.NoError(t, err)
	// Still processed; the new message only makes the chat stale.
	assert.True(t, chat.Processed)
	assert.True(t, chat.Stale())
}

func TestAppendMessageToMissingChat(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.AppendMessage(ctx, testStudent, "no-such-chat", apptype.Message{Content: "hi"})
	assert.Error(t, err)
}

func TestProcessedLifecycleAndStaleListing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))
	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-2", sentAt)))

	unprocessed, err := db.ListUnprocessedChats(ctx, testStudent)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2)

	last := sentAt.Add(time.Minute)
	require.NoError(t, db.SetProcessed(ctx, testStudent, "chat-1", true, &last))

	unprocessed, err = db.ListUnprocessedChats(ctx, testStudent)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, "chat-2", unprocessed[0].ID)

	stale, err := db.ListStaleChats(ctx, testStudent)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// A message newer than the processed watermark makes chat-1 stale.
	require.NoError(t, db.AppendMessage(ctx, testStudent, "chat-1", apptype.Message{
		ID: "chat-1-m3", Sender: "student", Content: "more", SentAt: sentAt.Add(time.Hour),
	}))
	stale, err = db.ListStaleChats(ctx, testStudent)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "chat-1", stale[0].ID)

	// Flipping back to unprocessed clears the processing timestamps.
	require.NoError(t, db.SetProcessed(ctx, testStudent, "chat-1", false, nil))
	chat, err := db.GetChat(ctx, testStudent, "chat-1")
	require.NoError(t, err)
	assert.False(t, chat.Processed)
	assert.Nil(t, chat.ProcessedAt)
	assert.Nil(t, chat.ProcessedLastMessageAt)
}

func TestStaleListingWithMixedTimestampPrecision(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	// A whole-second watermark followed by a sub-second message. Stored
	// timestamps must compare correctly in SQL regardless of precision.
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, apptype.Chat{
		ID: "chat-1",
		Messages: []apptype.Message{
			{ID: "m1", Sender: "student", Content: "hi", SentAt: sentAt},
		},
	}))
	require.NoError(t, db.SetProcessed(ctx, testStudent, "chat-1", true, &sentAt))

	newer := sentAt.Add(500 * time.Millisecond)
	require.NoError(t, db.AppendMessage(ctx, testStudent, "chat-1", apptype.Message{
		ID: "m2", Sender: "assistant", Content: "more", SentAt: newer,
	}))

	stale, err := db.ListStaleChats(ctx, testStudent)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "chat-1", stale[0].ID)

	chat, err := db.GetChat(ctx, testStudent, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessageAt)
	assert.True(t, chat.LastMessageAt.Equal(newer))
	// Message order follows time order, not trimmed-string order.
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "m1", chat.Messages[0].ID)
	assert.Equal(t, "m2", chat.Messages[1].ID)
}

func TestSetProcessedMissingChat(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	assert.Error(t, db.SetProcessed(ctx, testStudent, "ghost", true, nil))
}

func TestDeleteChat(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.UpsertChat(ctx, testStudent, testChat("chat-1", sentAt)))
	require.NoError(t, db.DeleteChat(ctx, testStudent, "chat-1"))

	_, err := db.GetChat(ctx, testStudent, "chat-1")
	assert.Error(t, err)
	assert.Error(t, db.DeleteChat(ctx, testStudent, "chat-1"))
}

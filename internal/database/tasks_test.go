package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planprep/enrichment/internal/apptype"
)

func TestUpsertTaskDedupsByTitleAndDueDate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	due := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := db.UpsertTask(ctx, testStudent, apptype.Task{
		Title: "MIT application", DueDate: &due, SourceChat: "chat-1",
	})
	require.NoError(t, err)

	second, err := db.UpsertTask(ctx, testStudent, apptype.Task{
		Title: "MIT application", DueDate: &due, Description: "regular decision",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same title with a different due date is a separate reminder.
	otherDue := due.AddDate(0, 1, 0)
	third, err := db.UpsertTask(ctx, testStudent, apptype.Task{
		Title: "MIT application", DueDate: &otherDue,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	tasks, err := db.ListTasks(ctx, testStudent)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "regular decision", tasks[0].Description)
}

func TestUpsertTaskWithoutDueDate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.UpsertTask(ctx, testStudent, apptype.Task{Title: "Ask counselor about FAFSA"})
	require.NoError(t, err)
	second, err := db.UpsertTask(ctx, testStudent, apptype.Task{Title: "Ask counselor about FAFSA"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = db.UpsertTask(ctx, testStudent, apptype.Task{Title: "  "})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

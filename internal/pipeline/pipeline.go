// Package pipeline orchestrates enrichment passes: it feeds chat transcripts
// to the analysis agent and applies the streamed tool calls to the knowledge
// graph and map location stores.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/geocode"
	"github.com/planprep/enrichment/internal/metrics"
)

// DefaultRetryBackoff is the pause between chats after a failed pass in a
// batch run.
const DefaultRetryBackoff = 2 * time.Second

// Reporter receives pass events for relay to a caller, e.g. an NDJSON
// response stream. Implementations must tolerate being called from the
// processing goroutine.
type Reporter interface {
	Report(ev agent.Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ev agent.Event)

func (f ReporterFunc) Report(ev agent.Event) { f(ev) }

type nopReporter struct{}

func (nopReporter) Report(agent.Event) {}

// Orchestrator runs enrichment passes over stored chats.
type Orchestrator struct {
	db       *database.Manager
	gateway  agent.Gateway
	geocoder geocode.Geocoder
	logger   *zap.Logger
	backoff  time.Duration
}

// NewOrchestrator wires the stores, analysis gateway and geocoder together.
func NewOrchestrator(db *database.Manager, gw agent.Gateway, gc geocode.Geocoder, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		gateway:  gw,
		geocoder: gc,
		logger:   logger,
		backoff:  DefaultRetryBackoff,
	}
}

// SetRetryBackoff overrides the pause between failed chats in a batch run.
func (o *Orchestrator) SetRetryBackoff(d time.Duration) { o.backoff = d }

// passState carries per-pass bookkeeping. Relations are deduplicated within
// a single pass only; the store itself appends without deduplication.
type passState struct {
	studentID     string
	chatID        string
	seenRelations map[apptype.Relation]bool
}

// ProcessChat runs one enrichment pass over a single chat. Tool calls are
// applied to the stores as they arrive; writes that already happened are kept
// even when a later event fails. The chat is marked processed only after the
// agent emits a complete event.
func (o *Orchestrator) ProcessChat(ctx context.Context, studentID, chatID string, mode agent.Mode, rep Reporter) error {
	if rep == nil {
		rep = nopReporter{}
	}

	chat, err := o.db.GetChat(ctx, studentID, chatID)
	if err != nil {
		return err
	}
	if len(chat.Messages) == 0 {
		return fmt.Errorf("chat %s has no messages to analyze", chatID)
	}

	stream, err := o.gateway.Analyze(ctx, agent.Request{
		StudentID: studentID,
		ChatID:    chatID,
		Mode:      mode,
		Messages:  chat.Messages,
	})
	if err != nil {
		metrics.Default().IncPipelineEvent(metrics.EventChatFailed)
		return fmt.Errorf("failed to start analysis for chat %s: %w", chatID, err)
	}
	defer stream.Close()

	state := &passState{
		studentID:     studentID,
		chatID:        chatID,
		seenRelations: make(map[apptype.Relation]bool),
	}

	completed := false
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.Default().IncPipelineEvent(metrics.EventChatFailed)
			return fmt.Errorf("analysis stream for chat %s broke: %w", chatID, err)
		}

		switch ev.Type {
		case agent.EventThinking, agent.EventStatus:
			rep.Report(*ev)
		case agent.EventToolCall:
			o.applyToolCall(ctx, state, ev)
			rep.Report(*ev)
		case agent.EventComplete:
			completed = true
			rep.Report(*ev)
		case agent.EventError:
			metrics.Default().IncPipelineEvent(metrics.EventChatFailed)
			rep.Report(*ev)
			return fmt.Errorf("analysis of chat %s failed: %s", chatID, ev.Content)
		default:
			o.logger.Warn("ignoring analysis event of unknown type",
				zap.String("chat_id", chatID), zap.String("type", ev.Type))
		}
	}

	if !completed {
		metrics.Default().IncPipelineEvent(metrics.EventChatFailed)
		return fmt.Errorf("analysis stream for chat %s ended without completion", chatID)
	}

	if err := o.db.SetProcessed(ctx, studentID, chatID, true, chat.LastMessageAt); err != nil {
		return fmt.Errorf("failed to mark chat %s processed: %w", chatID, err)
	}
	metrics.Default().IncPipelineEvent(metrics.EventChatProcessed)
	o.logger.Info("chat processed", zap.String("student_id", studentID), zap.String("chat_id", chatID),
		zap.String("mode", string(mode)))
	return nil
}

// applyToolCall applies one agent tool invocation to the stores. A failed
// call is logged and skipped so the rest of the stream still lands.
func (o *Orchestrator) applyToolCall(ctx context.Context, state *passState, ev *agent.Event) {
	var err error
	switch ev.Tool {
	case agent.ToolCreateEntities:
		err = o.applyCreateEntities(ctx, state, ev.Args)
	case agent.ToolCreateRelations:
		err = o.applyCreateRelations(ctx, state, ev.Args)
	case agent.ToolCreateMapLocation, agent.ToolUpdateMapLocation:
		err = o.applyMapLocation(ctx, state, ev.Args)
	case agent.ToolCreateTask:
		err = o.applyCreateTask(ctx, state, ev.Args)
	default:
		err = fmt.Errorf("unknown tool %q", ev.Tool)
	}

	if err != nil {
		metrics.Default().IncPipelineEvent(metrics.EventToolCallSkipped)
		o.logger.Warn("skipping tool call",
			zap.String("chat_id", state.chatID),
			zap.String("tool", ev.Tool),
			zap.Error(err))
		return
	}
	metrics.Default().IncPipelineEvent(metrics.EventToolCallApplied)
}

func (o *Orchestrator) applyCreateEntities(ctx context.Context, state *passState, args json.RawMessage) error {
	var call agent.CreateEntitiesCall
	if err := json.Unmarshal(args, &call); err != nil {
		return fmt.Errorf("bad create_entities payload: %w", err)
	}
	for i := range call.Entities {
		if call.Entities[i].EntityType == "" {
			o.logger.Warn("entity arrived without a type, storing as unknown",
				zap.String("chat_id", state.chatID),
				zap.String("entity", call.Entities[i].Name))
			call.Entities[i].EntityType = apptype.EntityTypeUnknown
		}
	}
	rejected, err := o.db.CreateEntities(ctx, state.studentID, call.Entities)
	if err != nil {
		return err
	}
	for _, failure := range rejected {
		o.logger.Warn("entity rejected by store",
			zap.String("chat_id", state.chatID),
			zap.String("entity", failure.Name),
			zap.String("reason", failure.Reason))
	}
	return nil
}

func (o *Orchestrator) applyCreateRelations(ctx context.Context, state *passState, args json.RawMessage) error {
	var call agent.CreateRelationsCall
	if err := json.Unmarshal(args, &call); err != nil {
		return fmt.Errorf("bad create_relations payload: %w", err)
	}
	fresh := make([]apptype.Relation, 0, len(call.Relations))
	for _, rel := range call.Relations {
		if state.seenRelations[rel] {
			continue
		}
		state.seenRelations[rel] = true
		fresh = append(fresh, rel)
	}
	if len(fresh) == 0 {
		return nil
	}
	return o.db.CreateRelations(ctx, state.studentID, fresh)
}

func (o *Orchestrator) applyMapLocation(ctx context.Context, state *passState, args json.RawMessage) error {
	var call agent.MapLocationCall
	if err := json.Unmarshal(args, &call); err != nil {
		return fmt.Errorf("bad map location payload: %w", err)
	}
	loc := call.Location
	loc.SourceChats = append(loc.SourceChats, state.chatID)

	if loc.Latitude == nil || loc.Longitude == nil {
		addr := loc.Address()
		if addr == "" {
			return fmt.Errorf("location %q has neither coordinates nor an address", loc.Name)
		}
		if o.geocoder == nil {
			metrics.Default().IncPipelineEvent(metrics.EventGeocodeFailed)
			return fmt.Errorf("no geocoder configured to resolve %q", loc.Name)
		}
		result, err := o.geocoder.Geocode(ctx, addr, loc.Name)
		if err != nil {
			metrics.Default().IncPipelineEvent(metrics.EventGeocodeFailed)
			return fmt.Errorf("geocoding %q failed: %w", loc.Name, err)
		}
		loc.Latitude = &result.Latitude
		loc.Longitude = &result.Longitude
	}

	_, err := o.db.UpsertLocation(ctx, state.studentID, loc)
	return err
}

func (o *Orchestrator) applyCreateTask(ctx context.Context, state *passState, args json.RawMessage) error {
	var call agent.CreateTaskCall
	if err := json.Unmarshal(args, &call); err != nil {
		return fmt.Errorf("bad create_task payload: %w", err)
	}
	task := call.Task
	if task.SourceChat == "" {
		task.SourceChat = state.chatID
	}
	_, err := o.db.UpsertTask(ctx, state.studentID, task)
	return err
}

// ProcessAll runs enrichment over every unprocessed chat, one at a time. A
// failed chat is recorded and the run continues with the next chat after a
// short pause.
func (o *Orchestrator) ProcessAll(ctx context.Context, studentID string, mode agent.Mode, rep Reporter) (*apptype.ProcessResult, error) {
	if rep == nil {
		rep = nopReporter{}
	}

	chats, err := o.db.ListUnprocessedChats(ctx, studentID)
	if err != nil {
		return nil, err
	}

	result := &apptype.ProcessResult{TotalCount: len(chats)}
	for _, chat := range chats {
		rep.Report(agent.Event{
			Type:    agent.EventStatus,
			Content: fmt.Sprintf("processing chat %s", chat.ID),
		})

		if err := o.ProcessChat(ctx, studentID, chat.ID, mode, rep); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.FailedChats = append(result.FailedChats, chat.ID)
			o.logger.Error("chat enrichment failed, continuing with next chat",
				zap.String("student_id", studentID),
				zap.String("chat_id", chat.ID),
				zap.Error(err))
			rep.Report(agent.Event{
				Type:     agent.EventStatus,
				Content:  fmt.Sprintf("chat %s failed, %d of %d chats processed", chat.ID, result.ProcessedCount, result.TotalCount),
				Progress: result.ProcessedCount,
				Total:    result.TotalCount,
			})
			if err := o.pause(ctx); err != nil {
				return result, err
			}
			continue
		}
		result.ProcessedCount++
		rep.Report(agent.Event{
			Type:     agent.EventStatus,
			Content:  fmt.Sprintf("chat %s done, %d of %d chats processed", chat.ID, result.ProcessedCount, result.TotalCount),
			Progress: result.ProcessedCount,
			Total:    result.TotalCount,
		})
	}

	rep.Report(agent.Event{
		Type:     agent.EventComplete,
		Content:  fmt.Sprintf("processed %d of %d chats", result.ProcessedCount, result.TotalCount),
		Progress: result.ProcessedCount,
		Total:    result.TotalCount,
	})
	return result, nil
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if o.backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(o.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MarkUnprocessed flips chats back to unprocessed so the next batch run picks
// them up again.
func (o *Orchestrator) MarkUnprocessed(ctx context.Context, studentID string, chatIDs []string) error {
	for _, id := range chatIDs {
		if err := o.db.SetProcessed(ctx, studentID, id, false, nil); err != nil {
			return fmt.Errorf("failed to mark chat %s unprocessed: %w", id, err)
		}
	}
	return nil
}

// ReconcileStale finds processed chats that received messages after their
// last pass and flips them back to unprocessed. It returns the ids it
// touched. Staleness never flips a chat implicitly; this is the only path.
func (o *Orchestrator) ReconcileStale(ctx context.Context, studentID string) ([]string, error) {
	stale, err := o.db.ListStaleChats(ctx, studentID)
	if err != nil {
		return nil, err
	}
	touched := make([]string, 0, len(stale))
	for _, chat := range stale {
		if err := o.db.SetProcessed(ctx, studentID, chat.ID, false, nil); err != nil {
			return touched, fmt.Errorf("failed to reconcile chat %s: %w", chat.ID, err)
		}
		touched = append(touched, chat.ID)
	}
	if len(touched) > 0 {
		o.logger.Info("reconciled stale chats",
			zap.String("student_id", studentID),
			zap.Int("count", len(touched)))
	}
	return touched, nil
}

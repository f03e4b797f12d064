// Package enrichment provides a library-first API to the conversation
// enrichment stores and pipeline without any transport layer.
package enrichment

import (
	"context"

	"go.uber.org/zap"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/geocode"
	"github.com/planprep/enrichment/internal/pipeline"
)

// Modes accepted by ProcessChat and ProcessAll.
const (
	ModeMapEnrichment   = string(agent.ModeMapEnrichment)
	ModeGraphEnrichment = string(agent.ModeGraphEnrichment)
)

// Service wraps the stores and, when a gateway is supplied, the pipeline.
type Service struct {
	db   *database.Manager
	orch *pipeline.Orchestrator
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	gateway  agent.Gateway
	geocoder geocode.Geocoder
	logger   *zap.Logger
}

// WithGateway enables the processing operations with the given analysis
// backend.
func WithGateway(gw agent.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithGeocoder overrides the geocoder used for address-only locations.
func WithGeocoder(gc geocode.Geocoder) Option {
	return func(o *options) { o.geocoder = gc }
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewService constructs a Service with the provided config.
func NewService(cfg *Config, opts ...Option) (*Service, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	dm, err := database.NewManager(cfg.toInternal())
	if err != nil {
		return nil, err
	}

	s := &Service{db: dm}
	if o.gateway != nil {
		if o.geocoder == nil {
			o.geocoder = geocode.NewClient(geocode.DefaultBaseURL)
		}
		s.orch = pipeline.NewOrchestrator(dm, o.gateway, o.geocoder, o.logger)
	}
	return s, nil
}

// Close releases resources.
func (s *Service) Close() error { return s.db.Close() }

// Knowledge graph operations.

func (s *Service) CreateEntities(ctx context.Context, studentID string, ents []apptype.Entity) ([]apptype.WriteFailure, error) {
	return s.db.CreateEntities(ctx, studentID, ents)
}

func (s *Service) CreateRelations(ctx context.Context, studentID string, rels []apptype.Relation) error {
	return s.db.CreateRelations(ctx, studentID, rels)
}

func (s *Service) ReadGraph(ctx context.Context, studentID string) (*apptype.GraphResult, error) {
	return s.db.ReadGraph(ctx, studentID)
}

func (s *Service) SearchEntities(ctx context.Context, studentID, query string) ([]apptype.Entity, error) {
	return s.db.SearchEntities(ctx, studentID, query)
}

func (s *Service) DeleteEntities(ctx context.Context, studentID string, names []string) error {
	return s.db.DeleteEntities(ctx, studentID, names)
}

// Map location operations.

func (s *Service) UpsertLocation(ctx context.Context, studentID string, loc apptype.MapLocation) (*apptype.MapLocation, error) {
	return s.db.UpsertLocation(ctx, studentID, loc)
}

func (s *Service) ListLocations(ctx context.Context, studentID string) ([]apptype.MapLocation, error) {
	return s.db.ListLocations(ctx, studentID)
}

func (s *Service) DeleteLocation(ctx context.Context, studentID, locationID string) error {
	return s.db.DeleteLocation(ctx, studentID, locationID)
}

func (s *Service) ClearLocations(ctx context.Context, studentID string) error {
	return s.db.ClearLocations(ctx, studentID)
}

// Chat operations.

func (s *Service) UpsertChat(ctx context.Context, studentID string, chat apptype.Chat) error {
	return s.db.UpsertChat(ctx, studentID, chat)
}

func (s *Service) AppendMessage(ctx context.Context, studentID, chatID string, msg apptype.Message) error {
	return s.db.AppendMessage(ctx, studentID, chatID, msg)
}

func (s *Service) GetChat(ctx context.Context, studentID, chatID string) (*apptype.Chat, error) {
	return s.db.GetChat(ctx, studentID, chatID)
}

func (s *Service) ListChats(ctx context.Context, studentID string) ([]apptype.Chat, error) {
	return s.db.ListChats(ctx, studentID)
}

func (s *Service) ListTasks(ctx context.Context, studentID string) ([]apptype.Task, error) {
	return s.db.ListTasks(ctx, studentID)
}

// Pipeline operations. These require a Service built WithGateway.

func (s *Service) ProcessChat(ctx context.Context, studentID, chatID, mode string) error {
	if s.orch == nil {
		return ErrNoGateway
	}
	m, err := agent.ParseMode(mode)
	if err != nil {
		return err
	}
	return s.orch.ProcessChat(ctx, studentID, chatID, m, nil)
}

func (s *Service) ProcessAll(ctx context.Context, studentID, mode string) (*apptype.ProcessResult, error) {
	if s.orch == nil {
		return nil, ErrNoGateway
	}
	m, err := agent.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return s.orch.ProcessAll(ctx, studentID, m, nil)
}

func (s *Service) MarkUnprocessed(ctx context.Context, studentID string, chatIDs []string) error {
	if s.orch == nil {
		return ErrNoGateway
	}
	return s.orch.MarkUnprocessed(ctx, studentID, chatIDs)
}

func (s *Service) ReconcileStale(ctx context.Context, studentID string) ([]string, error) {
	if s.orch == nil {
		return nil, ErrNoGateway
	}
	return s.orch.ReconcileStale(ctx, studentID)
}

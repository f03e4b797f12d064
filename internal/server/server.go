package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/planprep/enrichment/internal/agent"
	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/buildinfo"
	"github.com/planprep/enrichment/internal/database"
	"github.com/planprep/enrichment/internal/metrics"
	"github.com/planprep/enrichment/internal/pipeline"
)

const defaultStudent = "default"

// MCPServer exposes the enrichment stores and pipeline over MCP.
type MCPServer struct {
	server *mcp.Server
	db     *database.Manager
	orch   *pipeline.Orchestrator
}

// NewMCPServer creates a new MCP server around the stores and orchestrator.
func NewMCPServer(db *database.Manager, orch *pipeline.Orchestrator) *MCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "planprep-enrichment",
		Version: buildinfo.Version,
	}, nil)

	s := &MCPServer{
		server: server,
		db:     db,
		orch:   orch,
	}

	// initialize metrics from env (no-op if disabled)
	metrics.InitFromEnv()
	s.setupToolHandlers()
	return s
}

func mustSchema[T any](name string) *jsonschema.Schema {
	schema, err := jsonschema.For[T]()
	if err != nil {
		panic(fmt.Sprintf("failed to create schema for %s: %v", name, err))
	}
	return schema
}

// setupToolHandlers registers all MCP tools
func (s *MCPServer) setupToolHandlers() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "create_entities",
		Title:        "Create Entities",
		Description:  "Create or merge knowledge-graph entities with observations.",
		InputSchema:  mustSchema[apptype.CreateEntitiesArgs]("CreateEntitiesArgs"),
		OutputSchema: mustSchema[apptype.CreateEntitiesResult]("CreateEntitiesResult"),
	}, s.handleCreateEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "create_relations",
		Title:       "Create Relations",
		Description: "Create directed, labeled relations between entities.",
		InputSchema: mustSchema[apptype.CreateRelationsArgs]("CreateRelationsArgs"),
	}, s.handleCreateRelations)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "read_graph",
		Title:        "Read Graph",
		Description:  "Get the full knowledge graph for a student.",
		InputSchema:  mustSchema[apptype.ReadGraphArgs]("ReadGraphArgs"),
		OutputSchema: mustSchema[apptype.GraphResult]("GraphResult (read)"),
	}, s.handleReadGraph)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "search_entities",
		Title:        "Search Entities",
		Description:  "Search entities by name, type or observation text.",
		InputSchema:  mustSchema[apptype.SearchEntitiesArgs]("SearchEntitiesArgs"),
		OutputSchema: mustSchema[apptype.GraphResult]("GraphResult (search)"),
	}, s.handleSearchEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_entities",
		Title:       "Delete Entities",
		Description: "Delete entities by name along with their observations and relations.",
		InputSchema: mustSchema[apptype.DeleteEntitiesArgs]("DeleteEntitiesArgs"),
	}, s.handleDeleteEntities)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "upsert_location",
		Title:        "Upsert Location",
		Description:  "Create or merge a map location keyed by (name, type).",
		InputSchema:  mustSchema[apptype.UpsertLocationArgs]("UpsertLocationArgs"),
		OutputSchema: mustSchema[apptype.MapLocation]("MapLocation"),
	}, s.handleUpsertLocation)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "list_locations",
		Title:        "List Locations",
		Description:  "List all map locations for a student.",
		InputSchema:  mustSchema[apptype.ListLocationsArgs]("ListLocationsArgs"),
		OutputSchema: mustSchema[apptype.LocationsResult]("LocationsResult"),
	}, s.handleListLocations)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "delete_location",
		Title:       "Delete Location",
		Description: "Delete one map location by id.",
		InputSchema: mustSchema[apptype.DeleteLocationArgs]("DeleteLocationArgs"),
	}, s.handleDeleteLocation)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "clear_locations",
		Title:       "Clear Locations",
		Description: "Delete every map location for a student.",
		InputSchema: mustSchema[apptype.ClearLocationsArgs]("ClearLocationsArgs"),
	}, s.handleClearLocations)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "list_chats",
		Title:        "List Chats",
		Description:  "List stored chats with their processing state.",
		InputSchema:  mustSchema[apptype.ListChatsArgs]("ListChatsArgs"),
		OutputSchema: mustSchema[apptype.ChatsResult]("ChatsResult"),
	}, s.handleListChats)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "mark_unprocessed",
		Title:       "Mark Unprocessed",
		Description: "Flip chats back to unprocessed so the next run picks them up.",
		InputSchema: mustSchema[apptype.MarkUnprocessedArgs]("MarkUnprocessedArgs"),
	}, s.handleMarkUnprocessed)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "reconcile_stale",
		Title:        "Reconcile Stale Chats",
		Description:  "Flip processed chats that received new messages back to unprocessed.",
		InputSchema:  mustSchema[apptype.ReconcileStaleArgs]("ReconcileStaleArgs"),
		OutputSchema: mustSchema[apptype.ReconcileResult]("ReconcileResult"),
	}, s.handleReconcileStale)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "process_chat",
		Title:       "Process Chat",
		Description: "Run one enrichment pass over a single chat.",
		InputSchema: mustSchema[apptype.ProcessChatArgs]("ProcessChatArgs"),
	}, s.handleProcessChat)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "process_all",
		Title:        "Process All",
		Description:  "Run enrichment over every unprocessed chat, one at a time.",
		InputSchema:  mustSchema[apptype.ProcessAllArgs]("ProcessAllArgs"),
		OutputSchema: mustSchema[apptype.ProcessResult]("ProcessResult"),
	}, s.handleProcessAll)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:         "health_check",
		Title:        "Health Check",
		Description:  "Returns server and configuration information.",
		InputSchema:  mustSchema[apptype.HealthArgs]("HealthArgs"),
		OutputSchema: mustSchema[apptype.HealthResult]("HealthResult"),
	}, s.handleHealth)
}

func (s *MCPServer) getStudentID(provided string) string {
	if provided != "" {
		return provided
	}
	return defaultStudent
}

// handleCreateEntities handles the create_entities tool call
func (s *MCPServer) handleCreateEntities(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.CreateEntitiesArgs],
) (*mcp.CallToolResultFor[apptype.CreateEntitiesResult], error) {
	done := metrics.TimeTool("create_entities")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)
	entities := params.Arguments.Entities

	rejected, err := s.db.CreateEntities(ctx, studentID, entities)
	if err != nil {
		return nil, fmt.Errorf("failed to create entities: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.CreateEntitiesResult]{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("Processed %d entities for student %s (%d rejected)", len(entities), studentID, len(rejected)),
			},
		},
		StructuredContent: apptype.CreateEntitiesResult{
			Created:  len(entities) - len(rejected),
			Rejected: rejected,
		},
	}, nil
}

// handleCreateRelations handles the create_relations tool call
func (s *MCPServer) handleCreateRelations(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.CreateRelationsArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("create_relations")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	if err := s.db.CreateRelations(ctx, studentID, params.Arguments.Relations); err != nil {
		return nil, fmt.Errorf("failed to create relations: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("Created %d relations for student %s", len(params.Arguments.Relations), studentID),
			},
		},
	}, nil
}

// handleReadGraph handles the read_graph tool call
func (s *MCPServer) handleReadGraph(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ReadGraphArgs],
) (*mcp.CallToolResultFor[apptype.GraphResult], error) {
	done := metrics.TimeTool("read_graph")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	graph, err := s.db.ReadGraph(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("read graph failed: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.GraphResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: "Graph read successfully"}},
		StructuredContent: *graph,
	}, nil
}

// handleSearchEntities handles the search_entities tool call
func (s *MCPServer) handleSearchEntities(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.SearchEntitiesArgs],
) (*mcp.CallToolResultFor[apptype.GraphResult], error) {
	done := metrics.TimeTool("search_entities")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	entities, err := s.db.SearchEntities(ctx, studentID, params.Arguments.Query)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	relations, err := s.db.GetRelationsForEntities(ctx, studentID, entities)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.GraphResult]{
		Content: []mcp.Content{&mcp.TextContent{Text: "Search completed successfully"}},
		StructuredContent: apptype.GraphResult{
			Entities:  entities,
			Relations: relations,
		},
	}, nil
}

// handleDeleteEntities handles the delete_entities tool call
func (s *MCPServer) handleDeleteEntities(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.DeleteEntitiesArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("delete_entities")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	if err := s.db.DeleteEntities(ctx, studentID, params.Arguments.Names); err != nil {
		return nil, fmt.Errorf("failed to delete entities: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("Deleted %d entities for student %s", len(params.Arguments.Names), studentID),
			},
		},
	}, nil
}

// handleUpsertLocation handles the upsert_location tool call
func (s *MCPServer) handleUpsertLocation(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.UpsertLocationArgs],
) (*mcp.CallToolResultFor[apptype.MapLocation], error) {
	done := metrics.TimeTool("upsert_location")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	stored, err := s.db.UpsertLocation(ctx, studentID, params.Arguments.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert location: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.MapLocation]{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("Stored location %q (%s) for student %s", stored.Name, stored.LocationType, studentID),
			},
		},
		StructuredContent: *stored,
	}, nil
}

// handleListLocations handles the list_locations tool call
func (s *MCPServer) handleListLocations(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ListLocationsArgs],
) (*mcp.CallToolResultFor[apptype.LocationsResult], error) {
	done := metrics.TimeTool("list_locations")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	locations, err := s.db.ListLocations(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.LocationsResult]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Found %d locations", len(locations))},
		},
		StructuredContent: apptype.LocationsResult{Locations: locations},
	}, nil
}

// handleDeleteLocation handles the delete_location tool call
func (s *MCPServer) handleDeleteLocation(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.DeleteLocationArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("delete_location")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	if err := s.db.DeleteLocation(ctx, studentID, params.Arguments.LocationID); err != nil {
		return nil, fmt.Errorf("failed to delete location: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Deleted location %s", params.Arguments.LocationID)},
		},
	}, nil
}

// handleClearLocations handles the clear_locations tool call
func (s *MCPServer) handleClearLocations(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ClearLocationsArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("clear_locations")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	if err := s.db.ClearLocations(ctx, studentID); err != nil {
		return nil, fmt.Errorf("failed to clear locations: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Cleared all locations for student %s", studentID)},
		},
	}, nil
}

// handleListChats handles the list_chats tool call
func (s *MCPServer) handleListChats(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ListChatsArgs],
) (*mcp.CallToolResultFor[apptype.ChatsResult], error) {
	done := metrics.TimeTool("list_chats")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	chats, err := s.db.ListChats(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	success = true

	return &mcp.CallToolResultFor[apptype.ChatsResult]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Found %d chats", len(chats))},
		},
		StructuredContent: apptype.ChatsResult{Chats: chats},
	}, nil
}

// handleMarkUnprocessed handles the mark_unprocessed tool call
func (s *MCPServer) handleMarkUnprocessed(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.MarkUnprocessedArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("mark_unprocessed")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	if err := s.orch.MarkUnprocessed(ctx, studentID, params.Arguments.ChatIDs); err != nil {
		return nil, err
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Marked %d chats unprocessed", len(params.Arguments.ChatIDs))},
		},
	}, nil
}

// handleReconcileStale handles the reconcile_stale tool call
func (s *MCPServer) handleReconcileStale(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ReconcileStaleArgs],
) (*mcp.CallToolResultFor[apptype.ReconcileResult], error) {
	done := metrics.TimeTool("reconcile_stale")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	touched, err := s.orch.ReconcileStale(ctx, studentID)
	if err != nil {
		return nil, err
	}
	success = true

	return &mcp.CallToolResultFor[apptype.ReconcileResult]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Reconciled %d stale chats", len(touched))},
		},
		StructuredContent: apptype.ReconcileResult{ChatIDs: touched},
	}, nil
}

// handleProcessChat handles the process_chat tool call
func (s *MCPServer) handleProcessChat(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ProcessChatArgs],
) (*mcp.CallToolResultFor[any], error) {
	done := metrics.TimeTool("process_chat")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	mode, err := agent.ParseMode(params.Arguments.Mode)
	if err != nil {
		return nil, err
	}
	if err := s.orch.ProcessChat(ctx, studentID, params.Arguments.ChatID, mode, nil); err != nil {
		return nil, err
	}
	success = true

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Processed chat %s", params.Arguments.ChatID)},
		},
	}, nil
}

// handleProcessAll handles the process_all tool call
func (s *MCPServer) handleProcessAll(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.ProcessAllArgs],
) (*mcp.CallToolResultFor[apptype.ProcessResult], error) {
	done := metrics.TimeTool("process_all")
	var success bool
	defer func() { done(success) }()
	studentID := s.getStudentID(params.Arguments.StudentArgs.StudentID)

	result, err := s.orch.ProcessAll(ctx, studentID, agent.ModeMapEnrichment, nil)
	if err != nil {
		return nil, err
	}
	success = true

	return &mcp.CallToolResultFor[apptype.ProcessResult]{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("Processed %d of %d chats", result.ProcessedCount, result.TotalCount),
			},
		},
		StructuredContent: *result,
	}, nil
}

// handleHealth returns basic server health information
func (s *MCPServer) handleHealth(
	ctx context.Context,
	session *mcp.ServerSession,
	params *mcp.CallToolParamsFor[apptype.HealthArgs],
) (*mcp.CallToolResultFor[apptype.HealthResult], error) {
	done := metrics.TimeTool("health_check")
	defer func() { done(true) }()
	cfg := s.db.Config()
	res := apptype.HealthResult{
		Name:         "planprep-enrichment",
		Version:      buildinfo.Version,
		Revision:     buildinfo.Revision,
		BuildDate:    buildinfo.BuildDate,
		MultiStudent: cfg.MultiStudentMode,
	}
	return &mcp.CallToolResultFor[apptype.HealthResult]{
		Content:           []mcp.Content{&mcp.TextContent{Text: "ok"}},
		StructuredContent: res,
	}, nil
}

// Run starts the MCP server with stdio transport
func (s *MCPServer) Run(ctx context.Context) error {
	transport := mcp.NewStdioTransport()
	return s.server.Run(ctx, transport)
}

// RunSSE starts the MCP server over SSE at the given address and endpoint
func (s *MCPServer) RunSSE(ctx context.Context, addr string, endpoint string) error {
	handler := mcp.NewSSEHandler(func(r *http.Request) *mcp.Server { return s.server })
	mux := http.NewServeMux()
	mux.Handle(endpoint, handler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("SSE MCP server listening on %s%s", addr, endpoint)
	return srv.ListenAndServe()
}

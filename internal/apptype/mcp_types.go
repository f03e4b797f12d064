package apptype

// StudentArgs provides a standard way to pass student context to tools.
type StudentArgs struct {
	StudentID string `json:"studentId,omitempty" jsonschema:"The student whose stores the operation targets. If not provided, the default student is used."`
}

// CreateEntitiesArgs represents the arguments for the create_entities tool
type CreateEntitiesArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	Entities    []Entity    `json:"entities" jsonschema:"A list of entities to create or merge into the knowledge graph."`
}

// CreateEntitiesResult reports per-item outcomes of a batch entity write.
type CreateEntitiesResult struct {
	Created  int            `json:"created"`
	Rejected []WriteFailure `json:"rejected,omitempty"`
}

// CreateRelationsArgs represents the arguments for the create_relations tool
type CreateRelationsArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	Relations   []Relation  `json:"relations" jsonschema:"A list of relations to create between entities."`
}

// ReadGraphArgs represents the arguments for the read_graph tool
type ReadGraphArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// SearchEntitiesArgs represents the arguments for the search_entities tool
type SearchEntitiesArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	Query       string      `json:"query" jsonschema:"Text to match against entity names, types and observation values."`
}

// DeleteEntitiesArgs represents the arguments for the delete_entities tool
type DeleteEntitiesArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	Names       []string    `json:"names" jsonschema:"Names of the entities to delete, along with any relations referencing them."`
}

// UpsertLocationArgs represents the arguments for the upsert_location tool
type UpsertLocationArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	Location    MapLocation `json:"location" jsonschema:"The map location to create or merge by (name, type)."`
}

// ListLocationsArgs represents the arguments for the list_locations tool
type ListLocationsArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// LocationsResult wraps a list of map locations for structured output.
type LocationsResult struct {
	Locations []MapLocation `json:"locations"`
}

// DeleteLocationArgs represents the arguments for the delete_location tool
type DeleteLocationArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	LocationID  string      `json:"locationId" jsonschema:"The stable id of the location to delete."`
}

// ClearLocationsArgs represents the arguments for the clear_locations tool
type ClearLocationsArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// ListChatsArgs represents the arguments for the list_chats tool
type ListChatsArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// ChatsResult wraps chat summaries for structured output.
type ChatsResult struct {
	Chats []Chat `json:"chats"`
}

// MarkUnprocessedArgs represents the arguments for the mark_unprocessed tool
type MarkUnprocessedArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	ChatIDs     []string    `json:"chatIds" jsonschema:"Chats to flip back to unprocessed."`
}

// ProcessChatArgs represents the arguments for the process_chat tool
type ProcessChatArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
	ChatID      string      `json:"chatId" jsonschema:"The chat to run an enrichment pass over."`
	Mode        string      `json:"mode,omitempty" jsonschema:"Analysis mode: map_enrichment or graph_enrichment (default map_enrichment)."`
}

// ProcessAllArgs represents the arguments for the process_all tool
type ProcessAllArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// ReconcileStaleArgs represents the arguments for the reconcile_stale tool
type ReconcileStaleArgs struct {
	StudentArgs StudentArgs `json:"studentArgs,omitempty" jsonschema:"Student context for the operation."`
}

// ReconcileResult lists the chats flipped back to unprocessed.
type ReconcileResult struct {
	ChatIDs []string `json:"chatIds"`
}

// ProcessResult summarizes a batch enrichment run.
type ProcessResult struct {
	ProcessedCount int      `json:"processed_count"`
	TotalCount     int      `json:"total_count"`
	FailedChats    []string `json:"failed_chats,omitempty"`
}

// HealthArgs represents the arguments for the health_check tool
type HealthArgs struct{}

// HealthResult reports server and configuration information.
type HealthResult struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Revision     string `json:"revision"`
	BuildDate    string `json:"buildDate"`
	MultiStudent bool   `json:"multiStudent"`
}

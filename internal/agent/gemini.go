package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	defaultAnalysisModelName = "gemini-1.5-flash-latest"

	mapAnalysisInstruction = "You are a college planning research analyst. Read the conversation between a student " +
		"and their research assistant, and extract every college and scholarship mentioned as map locations. " +
		"Use the create_map_location tool once per location, supplying the name, type (college or scholarship), " +
		"coordinates if stated, and an address in metadata.address otherwise. Record application deadlines with " +
		"create_task. Always supply an explicit type; never guess one from the name. When you are done, stop."

	graphAnalysisInstruction = "You are a college planning research analyst. Read the conversation between a student " +
		"and their research assistant, and extract facts into a knowledge graph. Use create_entities for students, " +
		"colleges, majors, topics and scholarships, with one observation per atomic fact as a {key, value} pair. " +
		"Use create_relations to link entities. Always supply an explicit entityType; never guess one from the " +
		"name. Do not emit the same relation twice. When you are done, stop."
)

// GeminiGateway drives a Gemini model with function declarations mirroring
// the store tools and adapts its streamed responses into analysis events.
type GeminiGateway struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiGateway creates a Gemini-backed analysis gateway.
func NewGeminiGateway(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiGateway, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultAnalysisModelName
	}
	return &GeminiGateway{client: client, model: model, logger: logger}, nil
}

// Close releases the underlying client.
func (g *GeminiGateway) Close() error {
	return g.client.Close()
}

// Analyze starts a streamed analysis pass over one transcript.
func (g *GeminiGateway) Analyze(ctx context.Context, req Request) (EventStream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat %s has no messages to analyze", req.ChatID)
	}

	model := g.client.GenerativeModel(g.model)
	instruction := mapAnalysisInstruction
	if req.Mode == ModeGraphEnrichment {
		instruction = graphAnalysisInstruction
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instruction)},
	}
	model.Tools = []*genai.Tool{{FunctionDeclarations: toolDeclarations()}}

	var transcript strings.Builder
	for _, msg := range req.Messages {
		transcript.WriteString(msg.Sender)
		transcript.WriteString(": ")
		transcript.WriteString(msg.Content)
		transcript.WriteString("\n")
	}

	iter := model.GenerateContentStream(ctx, genai.Text(transcript.String()))
	return &geminiStream{iter: iter, logger: g.logger}, nil
}

// geminiStream adapts the Gemini response iterator into an EventStream.
type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	queue   []Event
	done    bool
	errored bool
	logger  *zap.Logger
}

func (s *geminiStream) Next() (*Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return &ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.done = true
			if s.errored {
				continue
			}
			s.queue = append(s.queue, Event{Type: EventComplete, Content: "analysis complete"})
			continue
		}
		if err != nil {
			s.done = true
			s.errored = true
			s.queue = append(s.queue, Event{Type: EventError, Content: err.Error()})
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				switch p := part.(type) {
				case genai.Text:
					if strings.TrimSpace(string(p)) != "" {
						s.queue = append(s.queue, Event{Type: EventThinking, Content: string(p)})
					}
				case genai.FunctionCall:
					args, mErr := json.Marshal(p.Args)
					if mErr != nil {
						s.logger.Warn("dropping function call with unencodable args",
							zap.String("tool", p.Name), zap.Error(mErr))
						continue
					}
					s.queue = append(s.queue, Event{Type: EventToolCall, Tool: p.Name, Args: args})
				default:
					s.logger.Debug("ignoring non-text response part", zap.String("type", fmt.Sprintf("%T", part)))
				}
			}
		}
	}
}

func (s *geminiStream) Close() error {
	s.done = true
	return nil
}

func toolDeclarations() []*genai.FunctionDeclaration {
	observationSchema := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"key":   {Type: genai.TypeString, Description: "Fact name, e.g. GPA"},
			"value": {Type: genai.TypeString, Description: "Fact value, e.g. 3.9"},
		},
		Required: []string{"value"},
	}
	locationSchema := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"name":      {Type: genai.TypeString},
			"type":      {Type: genai.TypeString, Description: "college or scholarship"},
			"latitude":  {Type: genai.TypeNumber},
			"longitude": {Type: genai.TypeNumber},
			"metadata": {
				Type:        genai.TypeObject,
				Description: "Open record: address, website, description, fit, financial fields.",
				Properties: map[string]*genai.Schema{
					"address":     {Type: genai.TypeString},
					"website":     {Type: genai.TypeString},
					"description": {Type: genai.TypeString},
				},
			},
		},
		Required: []string{"name", "type"},
	}

	return []*genai.FunctionDeclaration{
		{
			Name:        ToolCreateEntities,
			Description: "Create or merge knowledge-graph entities with observations.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"entities": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"name":         {Type: genai.TypeString},
								"entityType":   {Type: genai.TypeString},
								"observations": {Type: genai.TypeArray, Items: observationSchema},
							},
							Required: []string{"name", "entityType", "observations"},
						},
					},
				},
				Required: []string{"entities"},
			},
		},
		{
			Name:        ToolCreateRelations,
			Description: "Create directed, labeled relations between entities.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"relations": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"from":         {Type: genai.TypeString},
								"to":           {Type: genai.TypeString},
								"relationType": {Type: genai.TypeString},
							},
							Required: []string{"from", "to", "relationType"},
						},
					},
				},
				Required: []string{"relations"},
			},
		},
		{
			Name:        ToolCreateMapLocation,
			Description: "Create a college or scholarship map location.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"location": locationSchema},
				Required:   []string{"location"},
			},
		},
		{
			Name:        ToolUpdateMapLocation,
			Description: "Merge additional details into an existing map location.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"location": locationSchema},
				Required:   []string{"location"},
			},
		},
		{
			Name:        ToolCreateTask,
			Description: "Record an application deadline or to-do.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"task": {
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"title":       {Type: genai.TypeString},
							"description": {Type: genai.TypeString},
							"dueDate":     {Type: genai.TypeString, Description: "RFC 3339 timestamp"},
						},
						Required: []string{"title"},
					},
				},
				Required: []string{"task"},
			},
		},
	}
}

// Package llm adapts the Gemini API to the reasoning and embedding seams of
// the interaction domain.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/medsafe/medsafe/internal/domain/interaction"
)

// NewClient builds the shared Gemini client. One client serves both the
// reasoning engine and the embedder.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// Engine implements interaction.ReasoningEngine on Gemini function calling.
type Engine struct {
	client *genai.Client
	model  string
}

func NewEngine(client *genai.Client, model string) *Engine {
	return &Engine{client: client, model: model}
}

func (e *Engine) NextTurn(ctx context.Context, history []interaction.ConversationTurn, tools []interaction.ToolDefinition) (interaction.EngineResponse, error) {
	contents, err := toContents(history)
	if err != nil {
		return interaction.EngineResponse{}, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.2)),
		Tools:       []*genai.Tool{{FunctionDeclarations: toDeclarations(tools)}},
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, cfg)
	if err != nil {
		return interaction.EngineResponse{}, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return interaction.EngineResponse{}, fmt.Errorf("empty model response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil {
			return interaction.EngineResponse{Call: &interaction.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			}}, nil
		}
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return interaction.EngineResponse{}, fmt.Errorf("model returned neither tool call nor text")
	}
	return interaction.EngineResponse{Text: text.String()}, nil
}

// toContents maps the domain conversation onto Gemini's content shapes: user
// text and tool responses carry the user role, tool requests replay the
// model's own function calls.
func toContents(history []interaction.ConversationTurn) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, turn := range history {
		switch turn.Kind {
		case interaction.TurnUserText:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: turn.Text}},
			})
		case interaction.TurnToolRequest:
			contents = append(contents, &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{
					Name: turn.Request.Name,
					Args: turn.Request.Arguments,
				}}},
			})
		case interaction.TurnToolResponse:
			payload, err := outcomePayload(turn.Outcome)
			if err != nil {
				return nil, err
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					Name:     turn.Outcome.Name,
					Response: payload,
				}}},
			})
		default:
			return nil, fmt.Errorf("unknown turn kind: %s", turn.Kind)
		}
	}
	return contents, nil
}

func outcomePayload(outcome *interaction.ToolOutcome) (map[string]any, error) {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode tool outcome: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode tool outcome: %w", err)
	}
	return payload, nil
}

func toDeclarations(tools []interaction.ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		properties := make(map[string]*genai.Schema, len(tool.Parameters))
		for name, spec := range tool.Parameters {
			properties[name] = toSchema(spec)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.Required,
			},
		})
	}
	return decls
}

func toSchema(spec interaction.ParameterSpec) *genai.Schema {
	schema := &genai.Schema{Description: spec.Description}
	switch spec.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if spec.Items != nil {
			schema.Items = toSchema(*spec.Items)
		}
	default:
		schema.Type = genai.TypeString
	}
	return schema
}

// Embedder implements interaction.Embedder on the Gemini embedding models.
type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(client *genai.Client, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Models.EmbedContent(ctx, e.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}}, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Values, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/harun/shopassist/internal/observability"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient talks to Google AI through the generative-ai-go chat API.
type GeminiClient struct {
	client *genai.Client
	cfg    Config
	logger zerolog.Logger
}

// NewGeminiClient creates a Gemini client. cfg.APIKey must already be resolved.
func NewGeminiClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required", ErrProviderUnavailable)
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Google AI client: %v", ErrProviderUnavailable, err)
	}
	return &GeminiClient{client: client, cfg: cfg, logger: logger}, nil
}

func (c *GeminiClient) Name() string { return NameGemini }

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	start := time.Now()
	defer func() { observability.RecordProviderOpen(NameGemini, time.Since(start)) }()

	model := c.client.GenerativeModel(c.cfg.Model)
	if c.cfg.Temperature > 0 {
		model.SetTemperature(float32(c.cfg.Temperature))
	}
	if c.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(c.cfg.MaxTokens))
	}
	if cfg.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(cfg.SystemInstruction)},
		}
	}
	if len(cfg.Tools) > 0 {
		model.Tools = geminiTools(cfg.Tools)
	}

	chat := model.StartChat()
	for _, h := range cfg.History {
		role := "user"
		if h.Role == RoleModel {
			role = "model"
		}
		chat.History = append(chat.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(h.Text)},
		})
	}

	return &geminiSession{chat: chat, logger: c.logger}, nil
}

type geminiSession struct {
	chat   *genai.ChatSession
	logger zerolog.Logger
}

func (s *geminiSession) SendText(ctx context.Context, text string) (Stream, error) {
	return s.send(ctx, genai.Text(text))
}

func (s *geminiSession) SendTextWithImage(ctx context.Context, text string, image []byte, mimeType string) (Stream, error) {
	return s.send(ctx, genai.Blob{MIMEType: mimeType, Data: image}, genai.Text(text))
}

// SendToolResponses sends the whole batch as one message. The wire has no
// invocation ids, so responses are correlated by name and position.
func (s *geminiSession) SendToolResponses(ctx context.Context, responses []ToolResponse) (Stream, error) {
	parts := make([]genai.Part, 0, len(responses))
	for _, r := range responses {
		parts = append(parts, genai.FunctionResponse{Name: r.Name, Response: r.Result})
	}
	return s.send(ctx, parts...)
}

func (s *geminiSession) Close() error {
	s.chat.History = nil
	return nil
}

func (s *geminiSession) send(ctx context.Context, parts ...genai.Part) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	mark := len(s.chat.History)
	iter := s.chat.SendMessageStream(ctx, parts...)

	st := newPullStream(NameGemini, func() ([]Fragment, error) {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil, io.EOF
		}
		if err != nil {
			observability.RecordProviderError(NameGemini, "stream")
			return nil, err
		}
		return geminiFragments(resp), nil
	})
	st.cancel = cancel
	// The chat appends the outgoing message before streaming; drop it again
	// so a failed turn leaves the history as it was.
	st.onAbort = func() {
		if len(s.chat.History) > mark {
			s.chat.History = s.chat.History[:mark]
		}
		s.logger.Debug().Int("history", mark).Msg("Rolled back gemini history after aborted stream")
	}
	return st, nil
}

func geminiFragments(resp *genai.GenerateContentResponse) []Fragment {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []Fragment
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if p != "" {
				out = append(out, Fragment{Kind: TextDelta, Text: string(p)})
			}
		case genai.FunctionCall:
			out = append(out, Fragment{
				Kind: ToolCallDelta,
				ToolCall: &ToolCallRequest{
					InvocationID: uuid.NewString(),
					Name:         p.Name,
					Arguments:    StringArguments(p.Args),
				},
			})
		}
	}
	return out
}

func geminiTools(decls []ToolDeclaration) []*genai.Tool {
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(d.Parameters)),
		}
		for _, p := range d.Parameters {
			schema.Properties[p.Name] = &genai.Schema{
				Type:        geminiType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		fns = append(fns, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func geminiType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

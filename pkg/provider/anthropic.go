package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/shopassist/internal/observability"
	"github.com/rs/zerolog"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient streams Claude messages. Like OpenAI the API is stateless,
// so the session owns the history.
type AnthropicClient struct {
	client anthropic.Client
	cfg    Config
	logger zerolog.Logger
}

// NewAnthropicClient creates an Anthropic client. cfg.APIKey must already be resolved.
func NewAnthropicClient(cfg Config, logger zerolog.Logger) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *AnthropicClient) Name() string { return NameAnthropic }

func (c *AnthropicClient) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	start := time.Now()
	defer func() { observability.RecordProviderOpen(NameAnthropic, time.Since(start)) }()

	s := &anthropicSession{client: c.client, cfg: c.cfg, logger: c.logger, system: cfg.SystemInstruction}
	for _, h := range cfg.History {
		if h.Role == RoleModel {
			s.history = append(s.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Text)))
		} else {
			s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Text)))
		}
	}
	for _, d := range cfg.Tools {
		schema := d.JSONSchema()
		tp := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   schema["required"].([]string),
			},
		}
		s.tools = append(s.tools, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return s, nil
}

type anthropicSession struct {
	client  anthropic.Client
	cfg     Config
	logger  zerolog.Logger
	system  string
	history []anthropic.MessageParam
	tools   []anthropic.ToolUnionParam
}

func (s *anthropicSession) SendText(ctx context.Context, text string) (Stream, error) {
	return s.send(ctx, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
}

func (s *anthropicSession) SendTextWithImage(ctx context.Context, text string, image []byte, mimeType string) (Stream, error) {
	return s.send(ctx, anthropic.NewUserMessage(
		anthropic.NewImageBlockBase64(mimeType, base64.StdEncoding.EncodeToString(image)),
		anthropic.NewTextBlock(text),
	))
}

// SendToolResponses packs every result into a single user message so the
// batch reaches the model in one round-trip.
func (s *anthropicSession) SendToolResponses(ctx context.Context, responses []ToolResponse) (Stream, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(responses))
	for _, r := range responses {
		_, failed := r.Result["error"]
		blocks = append(blocks, anthropic.NewToolResultBlock(r.InvocationID, encodeResult(r.Result), failed))
	}
	return s.send(ctx, anthropic.NewUserMessage(blocks...))
}

func (s *anthropicSession) Close() error {
	s.history = nil
	return nil
}

func (s *anthropicSession) send(ctx context.Context, outgoing anthropic.MessageParam) (Stream, error) {
	messages := make([]anthropic.MessageParam, 0, len(s.history)+1)
	messages = append(messages, s.history...)
	messages = append(messages, outgoing)

	maxTokens := int64(s.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if s.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.system}}
	}
	if s.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(s.cfg.Temperature)
	}
	if len(s.tools) > 0 {
		params.Tools = s.tools
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := s.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}

	st := newPullStream(NameAnthropic, func() ([]Fragment, error) {
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				return nil, err
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					return []Fragment{{Kind: TextDelta, Text: d.Text}}, nil
				}
			}
		}
		if err := stream.Err(); err != nil {
			observability.RecordProviderError(NameAnthropic, "stream")
			return nil, err
		}
		var calls []Fragment
		for _, block := range message.Content {
			if b, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				calls = append(calls, Fragment{
					Kind: ToolCallDelta,
					ToolCall: &ToolCallRequest{
						InvocationID: b.ID,
						Name:         b.Name,
						Arguments:    decodeArguments(string(b.Input)),
					},
				})
			}
		}
		return calls, io.EOF
	})
	st.cancel = func() {
		_ = stream.Close()
		cancel()
	}
	st.onComplete = func() {
		s.history = append(s.history, outgoing, message.ToParam())
	}
	st.onAbort = func() {
		s.logger.Debug().Int("history", len(s.history)).Msg("Discarded anthropic request after aborted stream")
	}
	return st, nil
}

// encodeResult renders a tool result as the JSON text the chat APIs expect.
func encodeResult(result map[string]any) string {
	b, err := json.Marshal(result)
	if err != nil {
		return `{"error":"unencodable_result"}`
	}
	return string(b)
}

package provider

import (
	"context"
	"encoding/base64"
	"io"
	"time"

	"github.com/harun/shopassist/internal/observability"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIClient streams chat completions. The API is stateless so the
// session keeps the message history itself.
type OpenAIClient struct {
	client openai.Client
	cfg    Config
	logger zerolog.Logger
}

// NewOpenAIClient creates an OpenAI client. cfg.APIKey must already be resolved.
func NewOpenAIClient(cfg Config, logger zerolog.Logger) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *OpenAIClient) Name() string { return NameOpenAI }

func (c *OpenAIClient) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	start := time.Now()
	defer func() { observability.RecordProviderOpen(NameOpenAI, time.Since(start)) }()

	s := &openAISession{client: c.client, cfg: c.cfg, logger: c.logger}
	if cfg.SystemInstruction != "" {
		s.history = append(s.history, openai.SystemMessage(cfg.SystemInstruction))
	}
	for _, h := range cfg.History {
		if h.Role == RoleModel {
			s.history = append(s.history, openai.AssistantMessage(h.Text))
		} else {
			s.history = append(s.history, openai.UserMessage(h.Text))
		}
	}
	for _, d := range cfg.Tools {
		s.tools = append(s.tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  openai.FunctionParameters(d.JSONSchema()),
			},
		})
	}
	return s, nil
}

type openAISession struct {
	client  openai.Client
	cfg     Config
	logger  zerolog.Logger
	history []openai.ChatCompletionMessageParamUnion
	tools   []openai.ChatCompletionToolParam
}

func (s *openAISession) SendText(ctx context.Context, text string) (Stream, error) {
	return s.send(ctx, openai.UserMessage(text))
}

func (s *openAISession) SendTextWithImage(ctx context.Context, text string, image []byte, mimeType string) (Stream, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	return s.send(ctx, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(text),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}))
}

func (s *openAISession) SendToolResponses(ctx context.Context, responses []ToolResponse) (Stream, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(responses))
	for _, r := range responses {
		msgs = append(msgs, openai.ToolMessage(encodeResult(r.Result), r.InvocationID))
	}
	return s.send(ctx, msgs...)
}

func (s *openAISession) Close() error {
	s.history = nil
	return nil
}

// send streams a completion for history+outgoing. History only grows once
// the stream completes, so an aborted turn leaves it untouched.
func (s *openAISession) send(ctx context.Context, outgoing ...openai.ChatCompletionMessageParamUnion) (Stream, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+len(outgoing))
	messages = append(messages, s.history...)
	messages = append(messages, outgoing...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.cfg.Model),
		Messages: messages,
	}
	if s.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.cfg.MaxTokens))
	}
	if s.cfg.Temperature > 0 {
		params.Temperature = openai.Float(s.cfg.Temperature)
	}
	if len(s.tools) > 0 {
		params.Tools = s.tools
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := s.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	st := newPullStream(NameOpenAI, func() ([]Fragment, error) {
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				return []Fragment{{Kind: TextDelta, Text: chunk.Choices[0].Delta.Content}}, nil
			}
		}
		if err := stream.Err(); err != nil {
			observability.RecordProviderError(NameOpenAI, "stream")
			return nil, err
		}
		// Tool call arguments arrive in pieces; they are only complete once
		// the accumulator has seen the last chunk.
		var calls []Fragment
		if len(acc.Choices) > 0 {
			for _, tc := range acc.Choices[0].Message.ToolCalls {
				calls = append(calls, Fragment{
					Kind: ToolCallDelta,
					ToolCall: &ToolCallRequest{
						InvocationID: tc.ID,
						Name:         tc.Function.Name,
						Arguments:    decodeArguments(tc.Function.Arguments),
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
		s.history = append(s.history, outgoing...)
		if len(acc.Choices) > 0 {
			s.history = append(s.history, acc.Choices[0].Message.ToParam())
		}
	}
	st.onAbort = func() {
		s.logger.Debug().Int("history", len(s.history)).Msg("Discarded openai request after aborted stream")
	}
	return st, nil
}

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/stream"
	"go.opentelemetry.io/otel/attribute"
)

const maxSuggestions = 3

const suggestInstruction = `Bạn gợi ý câu nói tiếp theo cho khách hàng trong cuộc trò chuyện với cửa hàng.
Chỉ trả về một mảng JSON gồm tối đa 3 chuỗi ngắn, mỗi chuỗi dưới 60 ký tự, không kèm giải thích.`

const suggestRequest = "Gợi ý tối đa 3 câu khách hàng có thể nói tiếp."

// SuggestReplies asks the provider, in a one-shot session seeded with the
// committed transcript, for up to three short follow-ups the user might send.
// The conversation itself is not touched. Output that is not a JSON array of
// strings yields ErrMalformedProviderOutput; show RetryText for it.
func (c *Conversation) SuggestReplies(ctx context.Context) ([]string, error) {
	if c.isClosed() {
		return nil, ErrConversationClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = tracing.NewTurnContext(ctx, c.id)
	ctx, span := tracing.StartSpan(ctx, "assistant.suggest_replies", attribute.String("conversation_id", c.id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var history []provider.HistoryEntry
	for _, msg := range c.Export().Messages {
		switch msg.Role {
		case RoleUser:
			history = append(history, provider.HistoryEntry{Role: provider.RoleUser, Text: msg.Text})
		case RoleAssistant:
			history = append(history, provider.HistoryEntry{Role: provider.RoleModel, Text: msg.Text})
		}
	}

	session, err := c.manager.client.Open(ctx, provider.SessionConfig{
		SystemInstruction: suggestInstruction,
		History:           history,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("open suggestion session: %w", err)
	}
	defer session.Close()

	s, err := session.SendText(ctx, suggestRequest)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("request suggestions: %w", err)
	}
	res, err := stream.Consume(ctx, s, "", stream.Hooks{})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("read suggestions: %w", err)
	}

	suggestions, err := parseSuggestions(res.Text)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Int("reply_length", len(res.Text)).Msg("Unusable suggestion reply")
		return nil, err
	}
	return suggestions, nil
}

// parseSuggestions extracts the first JSON array of strings from raw. Models
// often wrap it in a code fence or a sentence.
func parseSuggestions(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON array in reply", ErrMalformedProviderOutput)
	}

	var items []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProviderOutput, err)
	}

	out := make([]string, 0, maxSuggestions)
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == maxSuggestions {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty suggestion list", ErrMalformedProviderOutput)
	}
	return out, nil
}

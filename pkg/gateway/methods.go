package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/assistant"
	"github.com/harun/shopassist/pkg/prompt"
)

// Chat panel methods.
const (
	MethodOpen       = "conversation.open"
	MethodContext    = "conversation.context"
	MethodSubmit     = "conversation.submit"
	MethodSuggest    = "conversation.suggest"
	MethodTranscript = "conversation.transcript"
	MethodClose      = "conversation.close"
	MethodStatus     = "gateway.status"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod(MethodOpen, s.handleOpen)
	_ = s.RegisterMethod(MethodContext, s.handleContext)
	_ = s.RegisterMethod(MethodSubmit, s.handleSubmit)
	_ = s.RegisterMethod(MethodSuggest, s.handleSuggest)
	_ = s.RegisterMethod(MethodTranscript, s.handleTranscript)
	_ = s.RegisterMethod(MethodClose, s.handleClose)
	_ = s.RegisterMethod(MethodStatus, s.handleStatus)
}

type openParams struct {
	Identity *prompt.Identity `json:"identity,omitempty"`
	Context  *string          `json:"context,omitempty"`
	// Resume reopens a stored conversation under the same id.
	Resume string `json:"resume,omitempty"`
}

type contextParams struct {
	Context *string `json:"context"`
}

type submitParams struct {
	Text  string           `json:"text"`
	Image *assistant.Image `json:"image,omitempty"`
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func requireConversation(client *Client) (*assistant.Conversation, error) {
	conv := client.Conversation()
	if conv == nil {
		return nil, &RPCError{Code: NoConversation, Message: "no open conversation"}
	}
	return conv, nil
}

// rpcError maps an assistant error to the code and fixed text shown to the
// panel. Internal detail stays in the logs.
func rpcError(err error) *RPCError {
	switch {
	case errors.Is(err, assistant.ErrEmptyInput):
		return &RPCError{Code: InvalidParams, Message: "message is empty"}
	case errors.Is(err, assistant.ErrTurnInProgress):
		return &RPCError{Code: TurnInProgress, Message: "a reply is still being written"}
	case errors.Is(err, assistant.ErrConversationClosed):
		return &RPCError{Code: ConversationClosed, Message: "conversation closed"}
	case errors.Is(err, assistant.ErrConversationOpen):
		return &RPCError{Code: ConversationInUse, Message: "conversation is open in another panel"}
	case errors.Is(err, assistant.ErrProviderUnavailable):
		return &RPCError{Code: ProviderUnavailable, Message: assistant.UserNotice(err)}
	default:
		return &RPCError{Code: TurnFailed, Message: assistant.UserNotice(err)}
	}
}

func (s *Server) observerFor(client *Client) assistant.Observer {
	return assistant.ObserverFuncs{
		Message: func(conversationID string, msg assistant.ChatMessage, committed bool) {
			event := EventMessageUpdated
			if committed {
				event = EventMessageCommitted
			}
			s.broadcaster.Send(client, EventMessage{
				Event:          event,
				ConversationID: conversationID,
				Data:           map[string]interface{}{"message": msg},
			})
		},
		Withdrawn: func(conversationID, messageID string) {
			s.broadcaster.Send(client, EventMessage{
				Event:          EventMessageWithdrawn,
				ConversationID: conversationID,
				Data:           map[string]interface{}{"message_id": messageID},
			})
		},
		State: func(conversationID string, state assistant.TurnState) {
			s.broadcaster.Send(client, EventMessage{
				Event:          EventTurnState,
				ConversationID: conversationID,
				Data:           map[string]interface{}{"state": state},
			})
		},
	}
}

// handleOpen opens a conversation for the client, replacing any it had.
func (s *Server) handleOpen(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var params openParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	client.openMu.Lock()
	defer client.openMu.Unlock()

	open := assistant.OpenParams{
		Identity: params.Identity,
		Observer: s.observerFor(client),
	}

	if params.Resume != "" {
		if s.history == nil {
			return nil, &RPCError{Code: InvalidParams, Message: "resume is not available"}
		}
		export, err := s.history.Load(ctx, params.Resume)
		if err != nil {
			logger.Warn().Err(err).Str("resume", params.Resume).Msg("Failed to load transcript for resume")
			return nil, &RPCError{Code: InvalidParams, Message: "conversation not found"}
		}
		open.ID = export.ConversationID
		open.PriorHistory = export.Messages
		if open.Identity == nil {
			open.Identity = export.Identity
		}
	}

	// The previous conversation is closed first so a resumed id is free.
	if prev := client.swapConversation(nil); prev != nil {
		if err := prev.Close(); err != nil {
			logger.Warn().Err(err).Str("conversation_id", prev.ID()).Msg("Failed to close replaced conversation")
		}
	}

	conv, err := s.manager.Open(ctx, open)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open conversation")
		if errors.Is(err, assistant.ErrProviderUnavailable) || errors.Is(err, assistant.ErrConversationOpen) {
			return nil, rpcError(err)
		}
		return nil, &RPCError{Code: InternalError, Message: assistant.UserNotice(err)}
	}
	if params.Context != nil {
		conv.SetContext(params.Context)
	}

	if prev := client.swapConversation(conv); prev != nil && prev != conv {
		if err := prev.Close(); err != nil {
			logger.Warn().Err(err).Str("conversation_id", prev.ID()).Msg("Failed to close replaced conversation")
		}
	}
	if client.ctx.Err() != nil {
		// The connection dropped while opening.
		client.swapConversation(nil)
		_ = conv.Close()
		return nil, &RPCError{Code: ConversationClosed, Message: "conversation closed"}
	}

	return map[string]interface{}{
		"conversation_id": conv.ID(),
		"messages":        conv.Transcript(),
	}, nil
}

func (s *Server) handleContext(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	conv, err := requireConversation(client)
	if err != nil {
		return nil, err
	}
	var params contextParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	conv.SetContext(params.Context)
	return map[string]interface{}{"context": conv.Context()}, nil
}

// handleSubmit runs one turn. Progress arrives as events; the response
// reports the outcome once the turn settles.
func (s *Server) handleSubmit(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	conv, err := requireConversation(client)
	if err != nil {
		return nil, err
	}
	var params submitParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	if err := conv.SubmitTurn(ctx, assistant.TurnInput{Text: params.Text, Image: params.Image}); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Turn did not commit")
		return nil, rpcError(err)
	}
	return map[string]interface{}{"state": assistant.StateCommitted}, nil
}

func (s *Server) handleSuggest(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	conv, err := requireConversation(client)
	if err != nil {
		return nil, err
	}
	suggestions, err := conv.SuggestReplies(ctx)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Failed to suggest replies")
		return nil, rpcError(err)
	}
	return map[string]interface{}{"suggestions": suggestions}, nil
}

func (s *Server) handleTranscript(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	conv, err := requireConversation(client)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"conversation_id": conv.ID(),
		"state":           conv.State(),
		"messages":        conv.Transcript(),
	}, nil
}

func (s *Server) handleClose(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	conv := client.swapConversation(nil)
	if conv == nil {
		return nil, &RPCError{Code: NoConversation, Message: "no open conversation"}
	}
	err := conv.Close()
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Conversation closed but transcript was not saved")
	}
	return map[string]interface{}{
		"conversation_id": conv.ID(),
		"saved":           err == nil,
	}, nil
}

func (s *Server) handleStatus(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"clients":       s.clients.Count(),
		"conversations": s.manager.Len(),
	}, nil
}

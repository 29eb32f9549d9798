package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/harun/shopassist/pkg/prompt"
	"github.com/harun/shopassist/pkg/provider"
)

// Fixed user-visible notices. Internal error detail only goes to logs.
const (
	ApologyText     = "Xin lỗi, đã có lỗi xảy ra. Vui lòng thử lại sau."
	RetryText       = "Không thể tạo gợi ý lúc này. Vui lòng thử lại."
	UnavailableText = "Trợ lý hiện không khả dụng. Vui lòng liên hệ hotline của cửa hàng."
)

var (
	// ErrProviderUnavailable is re-exported so callers need not import provider.
	ErrProviderUnavailable = provider.ErrProviderUnavailable
	// ErrTransport is re-exported so callers need not import provider.
	ErrTransport = provider.ErrTransport

	ErrMalformedProviderOutput = errors.New("malformed provider output")
	ErrTurnInProgress          = errors.New("turn already in progress")
	ErrConversationClosed      = errors.New("conversation closed")
	ErrConversationOpen        = errors.New("conversation is already open")
	ErrToolRoundsExceeded      = errors.New("tool rounds exceeded")
	ErrEmptyResponse           = errors.New("provider returned an empty response")
	ErrStreamIdle              = errors.New("provider stream idle timeout")
	ErrEmptyInput              = errors.New("turn input is empty")
)

// UserNotice maps an error to the only text a human should see for it.
func UserNotice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnavailable):
		return UnavailableText
	case errors.Is(err, ErrMalformedProviderOutput):
		return RetryText
	default:
		return ApologyText
	}
}

// Role of a transcript message.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystemError Role = "system-error"
)

// Image is an attachment on a user message.
type Image struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// ChatMessage is one transcript entry. Only the assistant message of the
// running turn changes after it is appended.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Image     *Image    `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnInput is what the user submits for one turn.
type TurnInput struct {
	Text  string
	Image *Image
}

// TurnState is the phase of the running turn.
type TurnState string

const (
	StateIdle           TurnState = "idle"
	StateStreaming      TurnState = "streaming"
	StateToolsPending   TurnState = "tools_pending"
	StateToolsExecuting TurnState = "tools_executing"
	StateCommitted      TurnState = "committed"
	StateFailed         TurnState = "failed"
)

// TurnPolicy decides what happens to a turn submitted while another runs.
type TurnPolicy string

const (
	TurnPolicyReject TurnPolicy = "reject"
	TurnPolicyQueue  TurnPolicy = "queue"
)

// Export is the transcript handed to a TranscriptSink.
type Export struct {
	ConversationID string           `json:"conversation_id"`
	Provider       string           `json:"provider"`
	Identity       *prompt.Identity `json:"identity,omitempty"`
	Messages       []ChatMessage    `json:"messages"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        time.Time        `json:"ended_at,omitempty"`
}

// TranscriptSink receives a conversation's transcript on save and close.
type TranscriptSink interface {
	Save(ctx context.Context, export Export) error
}

// Observer receives conversation events from the goroutine running the turn,
// in the order they happen. Implementations must not block for long.
type Observer interface {
	// OnMessage reports a new or changed message. committed is false while
	// the assistant message is still streaming.
	OnMessage(conversationID string, msg ChatMessage, committed bool)
	// OnMessageWithdrawn reports that a provisional message was removed
	// because its turn was cancelled.
	OnMessageWithdrawn(conversationID, messageID string)
	OnStateChange(conversationID string, state TurnState)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Message   func(conversationID string, msg ChatMessage, committed bool)
	Withdrawn func(conversationID, messageID string)
	State     func(conversationID string, state TurnState)
}

func (o ObserverFuncs) OnMessage(conversationID string, msg ChatMessage, committed bool) {
	if o.Message != nil {
		o.Message(conversationID, msg, committed)
	}
}

func (o ObserverFuncs) OnMessageWithdrawn(conversationID, messageID string) {
	if o.Withdrawn != nil {
		o.Withdrawn(conversationID, messageID)
	}
}

func (o ObserverFuncs) OnStateChange(conversationID string, state TurnState) {
	if o.State != nil {
		o.State(conversationID, state)
	}
}

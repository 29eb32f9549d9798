package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/commandqueue"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/siteprofile"
	"github.com/harun/shopassist/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultMaxToolRounds     = 5
	defaultStreamIdleTimeout = 60 * time.Second
	defaultSaveTimeout       = 10 * time.Second
)

// Config holds manager configuration
type Config struct {
	// Client opens provider sessions. A nil client makes every Open fail
	// with ErrProviderUnavailable.
	Client   provider.Client
	Tools    *toolexecutor.ToolExecutor
	Profiles *siteprofile.Store
	Sink     TranscriptSink
	// Queue serializes turns under TurnPolicyQueue. The manager creates and
	// owns one when the policy needs it and none is given.
	Queue      *commandqueue.CommandQueue
	TurnPolicy TurnPolicy
	// MaxToolRounds caps tool round-trips per turn. Defaults to 5.
	MaxToolRounds int
	// StreamIdleTimeout fails a turn when no fragment arrives in time.
	// Zero uses the default of 60s; negative disables the watchdog.
	StreamIdleTimeout time.Duration
	SaveTimeout       time.Duration
	// SystemInstruction replaces the generated instruction for conversations
	// opened without their own override.
	SystemInstruction string
	Logger            *zerolog.Logger
}

// Manager opens conversations and keeps the registry of open ones.
type Manager struct {
	client        provider.Client
	tools         *toolexecutor.ToolExecutor
	profiles      *siteprofile.Store
	sink          TranscriptSink
	queue         *commandqueue.CommandQueue
	ownsQueue     bool
	policy        TurnPolicy
	maxToolRounds int
	idleTimeout   time.Duration
	saveTimeout   time.Duration
	instruction   string
	logger        zerolog.Logger

	mu            sync.RWMutex
	conversations map[string]*Conversation
	// opening holds ids whose provider session is being opened.
	opening map[string]struct{}
}

// OpenParams describes a new conversation.
type OpenParams struct {
	// ID is generated when empty.
	ID string
	// Profile overrides the live site profile for this conversation.
	Profile  *siteprofile.Profile
	Identity *prompt.Identity
	// PriorHistory seeds both the visible transcript and the provider
	// history. system-error entries are not sent to the provider.
	PriorHistory              []ChatMessage
	SystemInstructionOverride string
	Observer                  Observer
}

// NewManager creates a conversation manager.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Profiles == nil {
		return nil, fmt.Errorf("site profile store is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	policy := cfg.TurnPolicy
	switch policy {
	case "":
		policy = TurnPolicyReject
	case TurnPolicyReject, TurnPolicyQueue:
	default:
		return nil, fmt.Errorf("unknown turn policy %q", policy)
	}

	tools := cfg.Tools
	if tools == nil {
		tools = toolexecutor.New(toolexecutor.Config{Logger: &logger})
	}

	queue := cfg.Queue
	ownsQueue := false
	if queue == nil && policy == TurnPolicyQueue {
		queue = commandqueue.New(&logger)
		ownsQueue = true
	}

	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	idle := cfg.StreamIdleTimeout
	if idle == 0 {
		idle = defaultStreamIdleTimeout
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}

	return &Manager{
		client:        cfg.Client,
		tools:         tools,
		profiles:      cfg.Profiles,
		sink:          cfg.Sink,
		queue:         queue,
		ownsQueue:     ownsQueue,
		policy:        policy,
		maxToolRounds: maxRounds,
		idleTimeout:   idle,
		saveTimeout:   saveTimeout,
		instruction:   cfg.SystemInstruction,
		logger:        logger,
		conversations: make(map[string]*Conversation),
		opening:       make(map[string]struct{}),
	}, nil
}

// Open starts a provider session and registers a new conversation.
func (m *Manager) Open(ctx context.Context, params OpenParams) (*Conversation, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.client == nil {
		return nil, fmt.Errorf("%w: no provider configured", ErrProviderUnavailable)
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := m.reserve(id); err != nil {
		return nil, err
	}
	registered := false
	defer func() {
		if !registered {
			m.release(id)
		}
	}()

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithConversationID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "assistant.open",
		attribute.String("conversation_id", id),
		attribute.String("provider", m.client.Name()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	profile := m.profiles.Current()
	if params.Profile != nil {
		profile = *params.Profile
	}
	override := params.SystemInstructionOverride
	if override == "" {
		override = m.instruction
	}
	instruction := prompt.BuildSystemInstruction(profile, params.Identity, override)

	transcript := make([]ChatMessage, 0, len(params.PriorHistory))
	history := make([]provider.HistoryEntry, 0, len(params.PriorHistory))
	for _, msg := range params.PriorHistory {
		transcript = append(transcript, msg)
		switch msg.Role {
		case RoleUser:
			history = append(history, provider.HistoryEntry{Role: provider.RoleUser, Text: msg.Text})
		case RoleAssistant:
			history = append(history, provider.HistoryEntry{Role: provider.RoleModel, Text: msg.Text})
		}
	}

	start := time.Now()
	session, err := m.client.Open(ctx, provider.SessionConfig{
		SystemInstruction: instruction,
		Tools:             m.tools.Declarations(),
		History:           history,
	})
	observability.RecordProviderOpen(m.client.Name(), time.Since(start))
	if err != nil {
		tracing.RecordError(span, err)
		observability.RecordProviderError(m.client.Name(), "open")
		logger.Error().Err(err).Msg("Failed to open provider session")
		return nil, fmt.Errorf("open provider session: %w", err)
	}

	conv := newConversation(m, id, session, params, transcript)

	m.mu.Lock()
	delete(m.opening, id)
	m.conversations[id] = conv
	count := len(m.conversations)
	m.mu.Unlock()
	registered = true
	observability.SetActiveConversations(count)

	logger.Info().
		Str("provider", m.client.Name()).
		Bool("identified", params.Identity.Known()).
		Int("prior_messages", len(transcript)).
		Msg("Conversation opened")

	return conv, nil
}

// reserve claims id until the conversation is registered or release is
// called. An id that is open or being opened is refused.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[id]; exists {
		return fmt.Errorf("%w: %s", ErrConversationOpen, id)
	}
	if _, pending := m.opening[id]; pending {
		return fmt.Errorf("%w: %s", ErrConversationOpen, id)
	}
	m.opening[id] = struct{}{}
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.opening, id)
	m.mu.Unlock()
}

// Get returns an open conversation by id.
func (m *Manager) Get(id string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	return conv, ok
}

// Len returns the number of open conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// CloseAll closes every open conversation.
func (m *Manager) CloseAll() error {
	m.mu.RLock()
	list := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		list = append(list, conv)
	}
	m.mu.RUnlock()

	var errs []error
	for _, conv := range list {
		if err := conv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close conversation %s: %w", conv.ID(), err))
		}
	}
	if m.ownsQueue {
		_ = m.queue.Close()
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.conversations, id)
	count := len(m.conversations)
	m.mu.Unlock()
	observability.SetActiveConversations(count)
}

func (m *Manager) providerName() string {
	if m.client == nil {
		return "none"
	}
	return m.client.Name()
}

package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/commandqueue"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/harun/shopassist/pkg/provider"
	"github.com/harun/shopassist/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Conversation owns one provider session and its transcript. Turns run one
// at a time; observers see every transcript and state change in order.
type Conversation struct {
	id        string
	manager   *Manager
	session   provider.Session
	identity  *prompt.Identity
	observer  Observer
	startedAt time.Time
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	busy   atomic.Bool
	turns  sync.WaitGroup

	mu          sync.Mutex
	transcript  []ChatMessage
	state       TurnState
	snapshot    *string
	provisional string
	closed      bool
	endedAt     time.Time

	closeOnce sync.Once
	closeErr  error
}

func newConversation(m *Manager, id string, session provider.Session, params OpenParams, transcript []ChatMessage) *Conversation {
	ctx, cancel := context.WithCancel(tracing.Detach(tracing.WithConversationID(context.Background(), id)))

	var identity *prompt.Identity
	if params.Identity != nil {
		copied := *params.Identity
		identity = &copied
	}

	return &Conversation{
		id:         id,
		manager:    m,
		session:    session,
		identity:   identity,
		observer:   params.Observer,
		startedAt:  time.Now(),
		logger:     m.logger,
		ctx:        ctx,
		cancel:     cancel,
		transcript: transcript,
		state:      StateIdle,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// State returns the phase of the current turn.
func (c *Conversation) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetContext replaces the context snapshot. Nil clears it.
func (c *Conversation) SetContext(snapshot *string) {
	var copied *string
	if snapshot != nil {
		s := *snapshot
		copied = &s
	}
	c.mu.Lock()
	c.snapshot = copied
	c.mu.Unlock()
}

// Context returns the current context snapshot.
func (c *Conversation) Context() *string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	s := *c.snapshot
	return &s
}

// Transcript returns a copy of every message, including the one streaming.
func (c *Conversation) Transcript() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.transcript...)
}

// SubmitTurn runs one user turn to completion. It returns ErrTurnInProgress
// under the reject policy when another turn is running; under the queue
// policy it waits for earlier turns first. A failed turn leaves the apology
// in the transcript and returns the cause.
func (c *Conversation) SubmitTurn(ctx context.Context, input TurnInput) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(input.Text) == "" && (input.Image == nil || len(input.Image.Data) == 0) {
		return ErrEmptyInput
	}
	if c.isClosed() {
		return ErrConversationClosed
	}

	if c.manager.policy == TurnPolicyQueue {
		err := c.manager.queue.Enqueue(ctx, c.lane(), func(taskCtx context.Context) error {
			return c.runTurn(taskCtx, input)
		})
		if errors.Is(err, commandqueue.ErrLaneCleared) || errors.Is(err, commandqueue.ErrQueueClosed) {
			return ErrConversationClosed
		}
		return err
	}

	if !c.busy.CompareAndSwap(false, true) {
		observability.RecordTurnRejected()
		logger := tracing.LoggerFromContext(c.ctx, c.logger)
		logger.Debug().Msg("Turn rejected, another turn is running")
		return ErrTurnInProgress
	}
	defer c.busy.Store(false)
	return c.runTurn(ctx, input)
}

func (c *Conversation) lane() string {
	return "conversation:" + c.id
}

func (c *Conversation) runTurn(ctx context.Context, input TurnInput) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConversationClosed
	}
	c.turns.Add(1)
	c.mu.Unlock()
	defer c.turns.Done()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnClose := context.AfterFunc(c.ctx, cancel)
	defer stopOnClose()

	turnCtx = tracing.NewTurnContext(turnCtx, c.id)
	turnCtx, span := tracing.StartSpan(turnCtx, "assistant.turn",
		attribute.String("conversation_id", c.id),
		attribute.Bool("has_image", input.Image != nil),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(turnCtx, c.logger)

	watchdog := newIdleWatchdog(c.manager.idleTimeout, cancel)
	defer watchdog.stop()

	start := time.Now()
	c.appendMessage(ChatMessage{Role: RoleUser, Text: input.Text, Image: input.Image}, true)
	assistantID := c.appendProvisional()
	c.setState(StateStreaming)

	text, rounds, err := c.exchange(turnCtx, input, assistantID, watchdog)
	watchdog.stop()
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("tool_rounds", rounds))

	switch {
	case err != nil && watchdog.fired():
		err = fmt.Errorf("%w after %s", ErrStreamIdle, c.manager.idleTimeout)

	case turnCtx.Err() != nil && !watchdog.fired():
		c.withdraw(assistantID)
		observability.RecordTurn(c.manager.providerName(), "cancelled", duration, rounds)
		logger.Info().Dur("duration", duration).Msg("Turn cancelled")
		if c.isClosed() {
			return ErrConversationClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return turnCtx.Err()

	case err == nil:
		c.commit(assistantID, RoleAssistant, text)
		observability.RecordTurn(c.manager.providerName(), "committed", duration, rounds)
		logger.Info().Int("tool_rounds", rounds).Dur("duration", duration).Msg("Turn committed")
		return nil
	}

	tracing.RecordError(span, err)
	if errors.Is(err, ErrTransport) {
		observability.RecordProviderError(c.manager.providerName(), "stream")
	}
	c.commit(assistantID, RoleSystemError, ApologyText)
	observability.RecordTurn(c.manager.providerName(), "failed", duration, rounds)
	logger.Warn().Err(err).Int("tool_rounds", rounds).Dur("duration", duration).Msg("Turn failed")
	return fmt.Errorf("turn failed: %w", err)
}

// exchange runs the provider side of a turn: the user send, then as many tool
// round-trips as the model asks for. It returns the final text.
func (c *Conversation) exchange(ctx context.Context, input TurnInput, assistantID string, watchdog *idleWatchdog) (string, int, error) {
	payload := prompt.EffectivePayload(input.Text, c.Context())

	hooks := stream.Hooks{
		OnText:     func(text string) { c.updateProvisional(ctx, assistantID, text) },
		OnFragment: func(provider.FragmentKind) { watchdog.reset() },
	}

	watchdog.reset()
	var (
		s   provider.Stream
		err error
	)
	if input.Image != nil && len(input.Image.Data) > 0 {
		s, err = c.session.SendTextWithImage(ctx, payload, input.Image.Data, input.Image.MIMEType)
	} else {
		s, err = c.session.SendText(ctx, payload)
	}
	if err != nil {
		return "", 0, fmt.Errorf("send user message: %w", err)
	}

	res, err := stream.Consume(ctx, s, "", hooks)
	if err != nil {
		return res.Text, 0, fmt.Errorf("consume stream: %w", err)
	}

	rounds := 0
	for len(res.ToolCalls) > 0 {
		if rounds == c.manager.maxToolRounds {
			return res.Text, rounds, fmt.Errorf("%w: limit is %d", ErrToolRoundsExceeded, c.manager.maxToolRounds)
		}
		rounds++

		watchdog.pause()
		c.setState(StateToolsPending)
		c.setState(StateToolsExecuting)
		responses := c.manager.tools.Dispatch(ctx, res.ToolCalls)
		if err := ctx.Err(); err != nil {
			return res.Text, rounds, err
		}

		c.setState(StateStreaming)
		watchdog.reset()
		s, err = c.session.SendToolResponses(ctx, responses)
		if err != nil {
			return res.Text, rounds, fmt.Errorf("send tool responses: %w", err)
		}
		res, err = stream.Consume(ctx, s, res.Text, hooks)
		if err != nil {
			return res.Text, rounds, fmt.Errorf("consume continuation: %w", err)
		}
	}

	if strings.TrimSpace(res.Text) == "" {
		return "", rounds, ErrEmptyResponse
	}
	return res.Text, rounds, nil
}

// nanoID generates message ids; replaced in tests.
var nanoID = gonanoid.New

// newMessageID never returns an empty id, since indexOf matches on it.
func newMessageID() string {
	id, err := nanoID()
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}

func (c *Conversation) appendMessage(msg ChatMessage, committed bool) ChatMessage {
	msg.ID = newMessageID()
	msg.CreatedAt = time.Now()

	c.mu.Lock()
	c.transcript = append(c.transcript, msg)
	c.mu.Unlock()

	c.notifyMessage(msg, committed)
	return msg
}

func (c *Conversation) appendProvisional() string {
	msg := c.appendMessage(ChatMessage{Role: RoleAssistant}, false)
	c.mu.Lock()
	c.provisional = msg.ID
	c.mu.Unlock()
	return msg.ID
}

// updateProvisional replaces the streaming text. Nothing changes once the
// turn context has ended.
func (c *Conversation) updateProvisional(ctx context.Context, id, text string) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 || c.provisional != id {
		c.mu.Unlock()
		return
	}
	c.transcript[idx].Text = text
	msg := c.transcript[idx]
	c.mu.Unlock()

	c.notifyMessage(msg, false)
}

// commit freezes the provisional message with its final role and text.
func (c *Conversation) commit(id string, role Role, text string) {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.transcript[idx].Role = role
	c.transcript[idx].Text = text
	msg := c.transcript[idx]
	c.provisional = ""
	c.mu.Unlock()

	c.notifyMessage(msg, true)
	if role == RoleSystemError {
		c.setState(StateFailed)
	} else {
		c.setState(StateCommitted)
	}
	c.setState(StateIdle)
}

func (c *Conversation) withdraw(id string) {
	c.mu.Lock()
	idx := c.indexOf(id)
	if idx >= 0 {
		c.transcript = append(c.transcript[:idx], c.transcript[idx+1:]...)
	}
	c.provisional = ""
	c.mu.Unlock()

	if idx >= 0 && c.observer != nil {
		c.observer.OnMessageWithdrawn(c.id, id)
	}
	c.setState(StateIdle)
}

// indexOf searches from the end; the streaming message is almost always last.
// Callers hold c.mu.
func (c *Conversation) indexOf(id string) int {
	for i := len(c.transcript) - 1; i >= 0; i-- {
		if c.transcript[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) setState(state TurnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.OnStateChange(c.id, state)
	}
}

func (c *Conversation) notifyMessage(msg ChatMessage, committed bool) {
	if c.observer != nil {
		c.observer.OnMessage(c.id, msg, committed)
	}
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Export returns the committed transcript and the identity collected at open.
// The message of a running turn is left out.
func (c *Conversation) Export() Export {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := make([]ChatMessage, 0, len(c.transcript))
	for _, msg := range c.transcript {
		if msg.ID == c.provisional {
			continue
		}
		messages = append(messages, msg)
	}

	var identity *prompt.Identity
	if c.identity != nil {
		copied := *c.identity
		identity = &copied
	}

	return Export{
		ConversationID: c.id,
		Provider:       c.manager.providerName(),
		Identity:       identity,
		Messages:       messages,
		StartedAt:      c.startedAt,
		EndedAt:        c.endedAt,
	}
}

// Save hands the current transcript to the configured sink.
func (c *Conversation) Save(ctx context.Context) error {
	if c.manager.sink == nil {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "assistant.save", attribute.String("conversation_id", c.id))
	defer span.End()

	if err := c.manager.sink.Save(ctx, c.Export()); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Close cancels any running turn, releases the provider session and saves
// the transcript. Calling it again returns the first result.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.endedAt = time.Now()
		c.mu.Unlock()

		c.cancel()
		if c.manager.policy == TurnPolicyQueue {
			c.manager.queue.RemoveLane(c.lane())
		}
		c.turns.Wait()

		logger := tracing.LoggerFromContext(c.ctx, c.logger)
		if err := c.session.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close provider session")
		}
		c.manager.forget(c.id)

		ctx, cancel := context.WithTimeout(tracing.Detach(c.ctx), c.manager.saveTimeout)
		defer cancel()
		c.closeErr = c.Save(ctx)

		logger.Info().Int("messages", len(c.Export().Messages)).Msg("Conversation closed")
	})
	return c.closeErr
}

// idleWatchdog calls onIdle when reset is not called within timeout.
type idleWatchdog struct {
	timeout time.Duration
	onIdle  func()
	mu      sync.Mutex
	timer   *time.Timer
	done    atomic.Bool
}

func newIdleWatchdog(timeout time.Duration, onIdle func()) *idleWatchdog {
	return &idleWatchdog{timeout: timeout, onIdle: onIdle}
}

func (w *idleWatchdog) reset() {
	if w.timeout <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, func() {
			w.done.Store(true)
			w.onIdle()
		})
		return
	}
	w.timer.Reset(w.timeout)
}

// pause stops the clock while tools run.
func (w *idleWatchdog) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *idleWatchdog) stop() { w.pause() }

func (w *idleWatchdog) fired() bool { return w.done.Load() }

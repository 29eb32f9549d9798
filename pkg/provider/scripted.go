package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ScriptedToolCall is a tool call emitted by a scripted reply.
type ScriptedToolCall struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// ScriptedFragment is one streamed piece of a scripted reply.
type ScriptedFragment struct {
	Text     string            `json:"text,omitempty"`
	ToolCall *ScriptedToolCall `json:"tool_call,omitempty"`
}

// ScriptedReply answers a single send.
type ScriptedReply struct {
	Fragments []ScriptedFragment `json:"fragments"`
	// Error, when set, fails the stream after all fragments were delivered.
	Error string `json:"error,omitempty"`
	// SendError fails the send call itself.
	SendError string `json:"send_error,omitempty"`
	// Gate holds the stream before its first fragment until closed.
	Gate <-chan struct{} `json:"-"`
}

// Script is the on-disk format of a scripted provider.
type Script struct {
	Loop    bool            `json:"loop"`
	Replies []ScriptedReply `json:"replies"`
}

// Sent records one outgoing request to a scripted session.
type Sent struct {
	Kind          string // text, image, tool_responses
	Text          string
	Image         []byte
	MIMEType      string
	ToolResponses []ToolResponse
}

// ScriptedClient replays canned replies in order, one per send, across all
// sessions it opens. It backs offline demos and tests.
type ScriptedClient struct {
	mu      sync.Mutex
	script  Script
	next    int
	opened  []SessionConfig
	sent    []Sent
	OpenErr error

	// OpenGate holds every Open until closed.
	OpenGate <-chan struct{}
}

// NewScriptedClient builds a client from replies.
func NewScriptedClient(replies ...ScriptedReply) *ScriptedClient {
	return &ScriptedClient{script: Script{Replies: replies}}
}

// LoadScript reads a JSON script file.
func LoadScript(path string) (*ScriptedClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read script: %v", ErrProviderUnavailable, err)
	}
	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("%w: parse script %s: %v", ErrProviderUnavailable, path, err)
	}
	return &ScriptedClient{script: script}, nil
}

func (c *ScriptedClient) Name() string { return NameScripted }

// Enqueue appends replies to the script.
func (c *ScriptedClient) Enqueue(replies ...ScriptedReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script.Replies = append(c.script.Replies, replies...)
}

// Opened returns the configs of every session opened so far.
func (c *ScriptedClient) Opened() []SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionConfig(nil), c.opened...)
}

// Sent returns every request sent so far, in order.
func (c *ScriptedClient) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *ScriptedClient) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	if c.OpenGate != nil {
		select {
		case <-c.OpenGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	c.mu.Lock()
	c.opened = append(c.opened, cfg)
	c.mu.Unlock()
	return &scriptedSession{client: c}, nil
}

func (c *ScriptedClient) take(sent Sent) (ScriptedReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent)
	if c.next >= len(c.script.Replies) {
		if !c.script.Loop || len(c.script.Replies) == 0 {
			return ScriptedReply{}, fmt.Errorf("%w: script exhausted", ErrTransport)
		}
		c.next = 0
	}
	reply := c.script.Replies[c.next]
	c.next++
	return reply, nil
}

type scriptedSession struct {
	client *ScriptedClient
	closed bool
}

func (s *scriptedSession) SendText(ctx context.Context, text string) (Stream, error) {
	return s.send(ctx, Sent{Kind: "text", Text: text})
}

func (s *scriptedSession) SendTextWithImage(ctx context.Context, text string, image []byte, mimeType string) (Stream, error) {
	return s.send(ctx, Sent{Kind: "image", Text: text, Image: image, MIMEType: mimeType})
}

func (s *scriptedSession) SendToolResponses(ctx context.Context, responses []ToolResponse) (Stream, error) {
	return s.send(ctx, Sent{Kind: "tool_responses", ToolResponses: append([]ToolResponse(nil), responses...)})
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedSession) send(ctx context.Context, sent Sent) (Stream, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrTransport)
	}
	reply, err := s.client.take(sent)
	if err != nil {
		return nil, err
	}
	if reply.SendError != "" {
		return nil, fmt.Errorf("%w: %s", ErrTransport, reply.SendError)
	}

	pos := 0
	gate := reply.Gate
	return newPullStream(NameScripted, func() ([]Fragment, error) {
		if gate != nil {
			select {
			case <-gate:
				gate = nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if pos >= len(reply.Fragments) {
			if reply.Error != "" {
				return nil, errors.New(reply.Error)
			}
			return nil, io.EOF
		}
		sf := reply.Fragments[pos]
		pos++
		if sf.ToolCall != nil {
			id := sf.ToolCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			args := make(map[string]string, len(sf.ToolCall.Arguments))
			for k, v := range sf.ToolCall.Arguments {
				args[k] = v
			}
			return []Fragment{{
				Kind:     ToolCallDelta,
				ToolCall: &ToolCallRequest{InvocationID: id, Name: sf.ToolCall.Name, Arguments: args},
			}}, nil
		}
		return []Fragment{{Kind: TextDelta, Text: sf.Text}}, nil
	}), nil
}

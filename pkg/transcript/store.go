package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/internal/tracing"
	"github.com/harun/shopassist/pkg/assistant"
	"github.com/harun/shopassist/pkg/prompt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const fileExt = ".jsonl"

// ErrNotFound is returned by Load for an unknown conversation.
var ErrNotFound = errors.New("transcript not found")

const (
	recordConversation = "conversation"
	recordMessage      = "message"
)

// header is the first line of a transcript file.
type header struct {
	ID        string           `json:"id"`
	Provider  string           `json:"provider,omitempty"`
	Identity  *prompt.Identity `json:"identity,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
}

// record is one JSONL line.
type record struct {
	Type         string                 `json:"type"`
	Conversation *header                `json:"conversation,omitempty"`
	Message      *assistant.ChatMessage `json:"message,omitempty"`
}

// Info describes a stored transcript without reading it.
type Info struct {
	ConversationID string
	Size           int64
	ModTime        time.Time
}

// Store keeps one JSONL file per conversation under a directory. It
// implements assistant.TranscriptSink.
type Store struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

var _ assistant.TranscriptSink = (*Store)(nil)

// New creates the directory if needed and returns a Store rooted there.
func New(dir string, logger *zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	l := log.Logger
	if logger != nil {
		l = *logger
	}
	l.Info().Str("dir", dir).Msg("Transcript store initialized")

	return &Store{
		dir:        dir,
		logger:     l,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateID rejects ids that could escape the store directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("conversation id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("conversation id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("conversation id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

func (s *Store) releaseWriteLock(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, id)
}

// Save writes export as the full content of its conversation file. The old
// file stays in place until the new one is synced.
func (s *Store) Save(ctx context.Context, export assistant.Export) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, export.ConversationID)
	ctx, span := tracing.StartSpan(ctx, "transcript.save",
		attribute.String("conversation_id", export.ConversationID),
		attribute.Int("messages", len(export.Messages)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() {
		observability.RecordTranscriptSave(time.Since(start))
	}()

	if err := validateID(export.ConversationID); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.writeLock(export.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	target := s.path(export.ConversationID)
	tempPath := target + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := writeRecords(file, export); err != nil {
		file.Close()
		os.Remove(tempPath)
		tracing.RecordError(span, err)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	logger.Debug().Int("messages", len(export.Messages)).Msg("Transcript saved")
	return nil
}

func writeRecords(file *os.File, export assistant.Export) error {
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)

	if err := enc.Encode(record{Type: recordConversation, Conversation: &header{
		ID:        export.ConversationID,
		Provider:  export.Provider,
		Identity:  export.Identity,
		StartedAt: export.StartedAt,
		EndedAt:   export.EndedAt,
	}}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i := range export.Messages {
		msg := export.Messages[i]
		if err := enc.Encode(record{Type: recordMessage, Message: &msg}); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// Load reads a conversation back. Malformed lines are skipped with a warning.
func (s *Store) Load(ctx context.Context, id string) (assistant.Export, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithConversationID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "transcript.load", attribute.String("conversation_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() {
		observability.RecordTranscriptLoad(time.Since(start))
	}()

	if err := validateID(id); err != nil {
		tracing.RecordError(span, err)
		return assistant.Export{}, err
	}

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return assistant.Export{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		tracing.RecordError(span, err)
		return assistant.Export{}, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	export := assistant.Export{ConversationID: id}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		switch {
		case rec.Type == recordConversation && rec.Conversation != nil:
			export.Provider = rec.Conversation.Provider
			export.Identity = rec.Conversation.Identity
			export.StartedAt = rec.Conversation.StartedAt
			export.EndedAt = rec.Conversation.EndedAt
		case rec.Type == recordMessage && rec.Message != nil && rec.Message.Role != "":
			export.Messages = append(export.Messages, *rec.Message)
		default:
			logger.Warn().Int("line", lineNum).Msg("Invalid record, skipping")
		}
	}
	if err := scanner.Err(); err != nil {
		tracing.RecordError(span, err)
		return assistant.Export{}, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().Int("messages", len(export.Messages)).Msg("Transcript loaded")
	return export, nil
}

// Delete removes a conversation file. Missing files are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}
	s.releaseWriteLock(id)

	logger := tracing.LoggerFromContext(tracing.WithConversationID(ctx, id), s.logger)
	logger.Debug().Msg("Transcript deleted")
	return nil
}

// List returns every stored transcript, oldest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	list := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		list = append(list, Info{
			ConversationID: strings.TrimSuffix(entry.Name(), fileExt),
			Size:           fi.Size(),
			ModTime:        fi.ModTime(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ModTime.Before(list[j].ModTime) })
	return list, nil
}

// Prune deletes transcripts last written more than maxAge ago and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive")
	}
	ctx, span := tracing.StartSpan(ctx, "transcript.prune", attribute.String("max_age", maxAge.String()))
	defer span.End()

	list, err := s.List()
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, info := range list {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !info.ModTime.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, info.ConversationID); err != nil {
			s.logger.Error().Str("conversation_id", info.ConversationID).Err(err).Msg("Failed to delete transcript")
			continue
		}
		deleted++
	}

	observability.RecordTranscriptsPruned(deleted)
	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Dur("max_age", maxAge).Msg("Pruned old transcripts")
	}
	return deleted, nil
}

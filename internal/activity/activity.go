// Package activity runs the long-lived event stream for a chat session:
// heartbeats, new chat messages, file-change signals parsed out of
// assistant output, and token-usage aggregates. One cooperative goroutine
// drives each connection; the database poller survives transient failures
// and only the client going away ends the stream.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

const (
	// heartbeatInterval keeps idle connections alive through proxies.
	heartbeatInterval = 60 * time.Second
	// pollTick is how often the loop wakes to consider a database poll.
	pollTick = 2 * time.Second
	// minPollGap is the floor between actual database queries.
	minPollGap = 3 * time.Second
	// batchLimit caps messages per poll; the rest arrive next cycle.
	batchLimit = 10
)

// fileOpMarker starts assistant content that announces a file operation.
const fileOpMarker = "\U0001F527 " // 🔧

// MessageSource is the store surface the streamer polls.
type MessageSource interface {
	// ListMessagesAfter returns up to limit messages with id > afterID,
	// newest first.
	ListMessagesAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]models.Message, error)
	// TokenTotals aggregates token accounting over the project's messages.
	TokenTotals(ctx context.Context, projectID string) (models.TokenUsage, error)
}

// Sink receives stream frames. A Send error means the client is gone.
type Sink interface {
	Send(event models.ActivityEvent) error
}

// Streamer runs activity streams against a message source.
type Streamer struct {
	source MessageSource

	// Intervals are fields so tests can compress time.
	heartbeat time.Duration
	tick      time.Duration
	pollGap   time.Duration
}

// NewStreamer builds a streamer with the production cadence.
func NewStreamer(source MessageSource) *Streamer {
	return &Streamer{
		source:    source,
		heartbeat: heartbeatInterval,
		tick:      pollTick,
		pollGap:   minPollGap,
	}
}

// Stream pushes events for the project to sink until ctx is cancelled or a
// send fails. lastMessageID is the newest message the client has already
// seen; 0 streams everything that arrives from now plus the backlog.
func (s *Streamer) Stream(ctx context.Context, projectID string, lastMessageID int64, sink Sink) error {
	if err := sink.Send(heartbeatEvent()); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.tick)
	defer poll.Stop()

	var lastPoll time.Time
	lastID := lastMessageID

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-heartbeat.C:
			if err := sink.Send(heartbeatEvent()); err != nil {
				return err
			}

		case <-poll.C:
			if time.Since(lastPoll) < s.pollGap {
				continue
			}
			lastPoll = time.Now()

			newLastID, err := s.pollOnce(ctx, projectID, lastID, sink)
			if err != nil {
				// Send failures end the stream; everything else retries.
				if errors.Is(err, ctx.Err()) || isSendError(err) {
					return nil
				}
				log.Warn().Err(err).
					Str("project_id", projectID).
					Msg("Activity poll failed, will retry")
				continue
			}
			lastID = newLastID
		}
	}
}

// sendError wraps sink failures so the loop can tell them from poll errors.
type sendError struct{ err error }

func (e *sendError) Error() string { return "activity send: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

func isSendError(err error) bool {
	var se *sendError
	return errors.As(err, &se)
}

// pollOnce queries one batch and emits its frames: exactly one token_update,
// then each message chronologically, with file_updated events for assistant
// file-operation markers. Returns the advanced high-water mark; on error the
// caller keeps the old one so nothing is skipped.
func (s *Streamer) pollOnce(ctx context.Context, projectID string, lastID int64, sink Sink) (int64, error) {
	batch, err := s.source.ListMessagesAfter(ctx, projectID, lastID, batchLimit)
	if err != nil {
		return lastID, err
	}
	if len(batch) == 0 {
		return lastID, nil
	}

	totals, err := s.source.TokenTotals(ctx, projectID)
	if err != nil {
		return lastID, err
	}
	if err := sink.Send(tokenUpdateEvent(totals)); err != nil {
		return lastID, &sendError{err: err}
	}

	// The source returns newest first; emit oldest first.
	for i := len(batch) - 1; i >= 0; i-- {
		msg := batch[i]
		// A file operation announces itself before the message that carried
		// it, so the client refreshes its tree before rendering the text.
		if op, ok := parseFileOperation(msg); ok {
			if err := sink.Send(fileUpdatedEvent(op)); err != nil {
				return lastID, &sendError{err: err}
			}
		}
		if err := sink.Send(newMessageEvent(msg)); err != nil {
			return lastID, &sendError{err: err}
		}
		if msg.ID > lastID {
			lastID = msg.ID
		}
	}
	return lastID, nil
}

// parseFileOperation extracts the file-operation payload an assistant
// message announces behind the marker. The second return reports whether a
// file_updated event is due at all; a malformed payload still yields one,
// just without an operation.
func parseFileOperation(msg models.Message) (*models.FileOperation, bool) {
	if msg.Role != models.RoleAssistant || !strings.HasPrefix(msg.Content, fileOpMarker) {
		return nil, false
	}
	raw := strings.TrimPrefix(msg.Content, fileOpMarker)

	var op models.FileOperation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return nil, true
	}
	switch op.Type {
	case "create", "edit", "delete":
		return &op, true
	default:
		return nil, true
	}
}

// ── Event constructors ───────────────────────────────────────

func nowMillis() int64 { return time.Now().UnixMilli() }

func heartbeatEvent() models.ActivityEvent {
	return models.ActivityEvent{Type: models.EventHeartbeat, Timestamp: nowMillis()}
}

func tokenUpdateEvent(usage models.TokenUsage) models.ActivityEvent {
	return models.ActivityEvent{
		Type:      models.EventTokenUpdate,
		Timestamp: nowMillis(),
		Tokens:    &usage,
	}
}

func newMessageEvent(msg models.Message) models.ActivityEvent {
	return models.ActivityEvent{
		Type:      models.EventNewMessage,
		Timestamp: nowMillis(),
		Message: &models.StreamMessage{
			ID:            msg.ID,
			Content:       msg.Content,
			Role:          msg.Role,
			TokensInput:   msg.TokensInput,
			TokensOutput:  msg.TokensOutput,
			ContextTokens: msg.ContextTokens,
			Blocks:        msg.Blocks,
		},
	}
}

func fileUpdatedEvent(op *models.FileOperation) models.ActivityEvent {
	return models.ActivityEvent{
		Type:      models.EventFileUpdated,
		Timestamp: nowMillis(),
		Operation: op,
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/conductor/internal/model"
)

// StatusEvent is one status log line as read back from a job's stream.
type StatusEvent struct {
	ID       string
	JobID    int64
	Level    model.LogLevel
	Message  string
	Progress int
	At       time.Time
}

// StatusStream mirrors job status logs into a capped Redis stream per job.
type StatusStream struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
}

func NewStatusStream(client *redis.Client, maxLen int64) *StatusStream {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &StatusStream{client: client, maxLen: maxLen, ttl: 24 * time.Hour}
}

func (s *StatusStream) Publish(ctx context.Context, jobID int64, progress int, entry model.StatusLog) error {
	stream := StatusStreamName(jobID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"level":    string(entry.Level),
				"message":  entry.Message,
				"progress": progress,
				"at":       entry.At.UnixMilli(),
			},
		})
		pipe.Expire(ctx, stream, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publishing status: %w", err)
	}
	return nil
}

// Read returns events after lastID, blocking up to block when none are available.
// Use "0" to read from the beginning.
func (s *StatusStream) Read(ctx context.Context, jobID int64, lastID string, block time.Duration) ([]StatusEvent, error) {
	if lastID == "" {
		lastID = "0"
	}
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StatusStreamName(jobID), lastID},
		Count:   100,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading status stream: %w", err)
	}

	var events []StatusEvent
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, ParseStatusEvent(jobID, msg))
		}
	}
	return events, nil
}

func ParseStatusEvent(jobID int64, msg redis.XMessage) StatusEvent {
	ev := StatusEvent{
		ID:      msg.ID,
		JobID:   jobID,
		Level:   model.LogLevel(parseOptionalString(msg.Values, "level")),
		Message: parseOptionalString(msg.Values, "message"),
	}
	if p, err := parseInt64(msg.Values, "progress"); err == nil {
		ev.Progress = int(p)
	}
	if at, err := parseInt64(msg.Values, "at"); err == nil {
		ev.At = time.UnixMilli(at)
	}
	return ev
}

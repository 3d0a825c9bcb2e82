package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// JobNotification wakes orchestrators when work becomes available. It carries no
// ownership: the job is still claimed through the store.
type JobNotification struct {
	Type     NotificationType
	JobID    int64
	TenantID string
	TraceID  *string
}

type Producer interface {
	Notify(ctx context.Context, n JobNotification) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		maxLen: 10000,
		logger: logger,
	}
}

func (p *redisProducer) Notify(ctx context.Context, n JobNotification) error {
	typ := n.Type
	if typ == "" {
		typ = NotificationJobSubmitted
	}

	fields := map[string]any{
		"type":   string(typ),
		"job_id": n.JobID,
	}
	if n.TenantID != "" {
		fields["tenant_id"] = n.TenantID
	}
	if n.TraceID != nil && *n.TraceID != "" {
		fields["trace_id"] = *n.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("notify job: %w", err)
	}

	p.logger.InfoContext(ctx, "job notification published", "job_id", n.JobID, "type", typ)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}

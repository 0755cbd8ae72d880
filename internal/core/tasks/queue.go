// Package tasks runs SurveyKeeper's background work: audit reports, response
// exports and survey invitations.
//
// API handlers enqueue tasks on a Redis stream; the worker command consumes
// them through a consumer group, so several workers share one stream and
// each task is delivered to one of them. A cron schedule can enqueue the
// audit report periodically.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/types"
)

// Type names a kind of background task.
type Type string

const (
	TypeGenerateReport  Type = "generate_report"
	TypeExportResponses Type = "export_responses"
	TypeSendInvitations Type = "send_invitations"
)

// Task is one unit of background work.
type Task struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	SurveyID    types.SurveyID `json:"survey_id,omitempty"`
	Emails      []string       `json:"emails,omitempty"`
	RequestedBy string         `json:"requested_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Validate checks that a task carries what its type needs.
func (t Task) Validate() error {
	switch t.Type {
	case TypeGenerateReport:
		if len(t.Emails) == 0 {
			return fmt.Errorf("%s: at least one recipient is required", t.Type)
		}
	case TypeExportResponses:
		if t.SurveyID == 0 {
			return fmt.Errorf("%s: survey id is required", t.Type)
		}
	case TypeSendInvitations:
		if t.SurveyID == 0 || len(t.Emails) == 0 {
			return fmt.Errorf("%s: survey id and at least one recipient are required", t.Type)
		}
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	for _, e := range t.Emails {
		if !strings.Contains(e, "@") || strings.ContainsAny(e, "\r\n,") {
			return fmt.Errorf("invalid email address %q", e)
		}
	}
	return nil
}

// Enqueuer accepts tasks for background execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) (string, error)
}

// Delivery is a task read from the stream, acknowledged by its message id.
type Delivery struct {
	MessageID string
	Task      Task
}

// Queue is a Redis stream with one consumer group.
type Queue struct {
	client *redis.Client
	stream string
	group  string
	logger *zap.Logger
}

// NewQueue returns a queue on stream read through consumer group group.
func NewQueue(client *redis.Client, stream, group string) *Queue {
	return &Queue{client: client, stream: stream, group: group, logger: zap.NewNop()}
}

// WithLogger sets the logger for dropped messages.
func (q *Queue) WithLogger(l *zap.Logger) *Queue {
	if l != nil {
		q.logger = l
	}
	return q
}

// EnsureGroup creates the stream and consumer group if they don't exist.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

// Enqueue validates task, assigns its id and creation time and appends it to
// the stream. Returns the task id.
func (q *Queue) Enqueue(ctx context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.Must(uuid.NewV7()).String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"type": string(task.Type),
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	return task.ID, nil
}

// Read blocks up to block for new tasks addressed to consumer. Messages that
// cannot be decoded are acknowledged and dropped.
func (q *Queue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}

	var out []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			data, _ := msg.Values["data"].(string)
			var task Task
			if err := json.Unmarshal([]byte(data), &task); err != nil {
				log := q.logger.With(zap.String("message_id", msg.ID))
				log.Warn("dropping undecodable task", zap.Error(err))
				if err := q.Ack(ctx, msg.ID); err != nil {
					log.Warn("failed to ack task", zap.Error(err))
				}
				continue
			}
			out = append(out, Delivery{MessageID: msg.ID, Task: task})
		}
	}
	return out, nil
}

// Ack acknowledges a delivered message.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	return q.client.XAck(ctx, q.stream, q.group, messageID).Err()
}

// Len returns the number of entries in the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

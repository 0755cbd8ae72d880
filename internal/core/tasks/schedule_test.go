package tasks

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/solatis/surveykeeper/internal/core/cache"
)

type recordingQueue struct {
	tasks []Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	q.tasks = append(q.tasks, task)
	return "task-1", nil
}

func TestNewScheduler(t *testing.T) {
	q := &recordingQueue{}

	_, err := NewScheduler("not a spec", q, []string{"ops@example.com"}, nil)
	assert.Error(t, err)

	_, err = NewScheduler("0 6 * * *", q, nil, nil)
	assert.Error(t, err)

	s, err := NewScheduler("0 6 * * *", q, []string{"ops@example.com"}, nil)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestScheduler_EnqueueReport(t *testing.T) {
	q := &recordingQueue{}
	s, err := NewScheduler("@daily", q, []string{"ops@example.com"}, nil)
	require.NoError(t, err)

	s.enqueueReport()

	require.Len(t, q.tasks, 1)
	assert.Equal(t, TypeGenerateReport, q.tasks[0].Type)
	assert.Equal(t, scheduledBy, q.tasks[0].RequestedBy)
	assert.Equal(t, []string{"ops@example.com"}, q.tasks[0].Emails)
}

func TestComposeMessage(t *testing.T) {
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, err := composeMessage("sk@example.com", []string{"a@example.com", "b@example.com"}, "Report", "line one\nline two", date)
	require.NoError(t, err)

	s := string(msg)
	assert.True(t, strings.HasPrefix(s, "From: sk@example.com\r\n"))
	assert.Contains(t, s, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, s, "Subject: Report\r\n")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\nline one\r\nline two"))

	_, err = composeMessage("sk@example.com", []string{"a@example.com"}, "Report\r\nBcc: x@y", "", date)
	assert.Error(t, err)

	_, err = composeMessage("sk@example.com", nil, "Report", "", date)
	assert.Error(t, err)
}

// Requires a disposable Redis; set SK_TEST_REDIS_URL to run.
func TestQueue_Redis(t *testing.T) {
	redisURL := os.Getenv("SK_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("SK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := cache.Connect(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	stream := "surveykeeper:test:" + t.Name()
	client.Del(ctx, stream)
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	q := NewQueue(client, stream, "test-workers")
	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.EnsureGroup(ctx))

	_, err = q.Enqueue(ctx, Task{Type: TypeExportResponses})
	assert.Error(t, err)

	id, err := q.Enqueue(ctx, Task{Type: TypeExportResponses, SurveyID: 42, RequestedBy: "analyst"})
	require.NoError(t, err)

	deliveries, err := q.Read(ctx, "consumer-1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, id, deliveries[0].Task.ID)
	assert.Equal(t, TypeExportResponses, deliveries[0].Task.Type)
	require.NoError(t, q.Ack(ctx, deliveries[0].MessageID))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	core, logs := observer.New(zap.WarnLevel)
	q.WithLogger(zap.New(core))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"type": "export_responses", "data": "{not json"},
	}).Err())
	deliveries, err = q.Read(ctx, "consumer-1", 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Equal(t, 1, logs.FilterMessage("dropping undecodable task").Len())
	assert.Zero(t, logs.FilterMessage("failed to ack task").Len())

	pending, err := client.XPending(ctx, stream, "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

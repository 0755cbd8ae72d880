package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/surveykeeper/internal/core/db"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/types"
)

// Audit reports cover the last day.
const reportWindow = 24 * time.Hour

// Store is the persistence the worker needs.
type Store interface {
	LoadSurvey(ctx context.Context, id types.SurveyID) (*types.Survey, error)
	ListResponses(ctx context.Context, surveyID types.SurveyID) ([]*types.Response, error)
	CountAuditActions(ctx context.Context, since time.Time) ([]db.ActionCount, error)
	RecordAudit(ctx context.Context, entry *types.AuditEntry) error
}

// PayloadOpener decrypts the sealed values of a stored payload.
type PayloadOpener interface {
	Open(payload json.RawMessage, sensitive sealing.SensitiveFields) (json.RawMessage, error)
}

// TaskObserver is notified of every processed task.
type TaskObserver interface {
	ObserveTask(taskType string, err error)
}

// Worker executes tasks.
type Worker struct {
	store    Store
	mailer   Mailer
	opener   PayloadOpener
	dataDir  string
	logger   *zap.Logger
	observer TaskObserver
	now      func() time.Time
}

// NewWorker returns a worker writing exports below dataDir. A nil opener
// exports sensitive values as null.
func NewWorker(store Store, mailer Mailer, opener PayloadOpener, dataDir string, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:   store,
		mailer:  mailer,
		opener:  opener,
		dataDir: dataDir,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithObserver registers an observer for processed tasks.
func (w *Worker) WithObserver(o TaskObserver) *Worker {
	w.observer = o
	return w
}

// Handle executes one task.
func (w *Worker) Handle(ctx context.Context, task Task) error {
	err := task.Validate()
	if err == nil {
		switch task.Type {
		case TypeGenerateReport:
			err = w.generateReport(ctx, task)
		case TypeExportResponses:
			_, err = w.exportResponses(ctx, task)
		case TypeSendInvitations:
			err = w.sendInvitations(ctx, task)
		}
	}
	if w.observer != nil {
		w.observer.ObserveTask(string(task.Type), err)
	}
	return err
}

// Run consumes tasks from q until ctx is cancelled. Every delivered task is
// acknowledged once handled; failures are logged and not retried.
func (w *Worker) Run(ctx context.Context, q *Queue, consumer string) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}
	w.logger.Info("worker started", zap.String("consumer", consumer))

	for {
		deliveries, err := q.Read(ctx, consumer, 10, 5*time.Second)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger.Error("failed to read tasks", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			log := w.logger.With(
				zap.String("task_id", d.Task.ID),
				zap.String("type", string(d.Task.Type)),
			)
			start := time.Now()
			if err := w.Handle(ctx, d.Task); err != nil {
				log.Error("task failed", zap.Error(err))
			} else {
				log.Info("task done", zap.Duration("elapsed", time.Since(start)))
			}
			if err := q.Ack(ctx, d.MessageID); err != nil {
				log.Warn("failed to ack task", zap.Error(err))
			}
		}
	}
}

func (w *Worker) generateReport(ctx context.Context, task Task) error {
	since := w.now().Add(-reportWindow)
	counts, err := w.store.CountAuditActions(ctx, since)
	if err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Audit activity since %s\n\n", since.Format(time.RFC3339))
	total := 0
	for _, c := range counts {
		fmt.Fprintf(&body, "%-20s %d\n", c.Action, c.Entries)
		total += c.Entries
	}
	fmt.Fprintf(&body, "\n%-20s %d\n", "total", total)

	if err := w.mailer.Send(ctx, task.Emails, "SurveyKeeper audit report", body.String()); err != nil {
		return err
	}
	return w.store.RecordAudit(ctx, &types.AuditEntry{
		UserID: task.RequestedBy,
		Action: types.AuditGenerateReport,
		Detail: fmt.Sprintf("%d entries mailed to %d recipients", total, len(task.Emails)),
	})
}

type exportedResponse struct {
	ResponseID types.ResponseID `json:"response_id"`
	UserID     string           `json:"user_id"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Payload    json.RawMessage  `json:"payload"`
}

// exportResponses writes all responses of a survey, decrypted, to
// <data_dir>/exports/<survey>-<timestamp>.json and returns the path.
// A response that cannot be decrypted is exported with its sensitive values
// redacted.
func (w *Worker) exportResponses(ctx context.Context, task Task) (string, error) {
	survey, err := w.store.LoadSurvey(ctx, task.SurveyID)
	if err != nil {
		return "", err
	}
	responses, err := w.store.ListResponses(ctx, task.SurveyID)
	if err != nil {
		return "", err
	}

	out := make([]exportedResponse, 0, len(responses))
	redacted := 0
	for _, r := range responses {
		payload, err := w.open(r.Payload, survey)
		if errors.Is(err, sealing.ErrUndecryptable) {
			w.logger.Warn("exporting response with sensitive values redacted",
				zap.String("response_id", string(r.ID)),
				zap.Error(err))
			redacted++
			payload, err = sealing.Redact(r.Payload, survey)
		}
		if err != nil {
			return "", fmt.Errorf("response %s: %w", r.ID, err)
		}
		out = append(out, exportedResponse{
			ResponseID: r.ID,
			UserID:     r.UserID,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
			Payload:    payload,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode export: %w", err)
	}

	dir := filepath.Join(w.dataDir, "exports")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d-%s.json", task.SurveyID, w.now().Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}

	err = w.store.RecordAudit(ctx, &types.AuditEntry{
		UserID:   task.RequestedBy,
		Action:   types.AuditExportResponse,
		SurveyID: task.SurveyID,
		Detail:   exportDetail(len(out), redacted, path),
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func exportDetail(exported, redacted int, path string) string {
	detail := fmt.Sprintf("%d responses exported to %s", exported, path)
	if redacted > 0 {
		detail += fmt.Sprintf(", %d undecryptable and redacted", redacted)
	}
	return detail
}

func (w *Worker) open(payload json.RawMessage, sensitive sealing.SensitiveFields) (json.RawMessage, error) {
	if w.opener == nil {
		return sealing.Redact(payload, sensitive)
	}
	return w.opener.Open(payload, sensitive)
}

func (w *Worker) sendInvitations(ctx context.Context, task Task) error {
	survey, err := w.store.LoadSurvey(ctx, task.SurveyID)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("Invitation: %s", strings.ReplaceAll(survey.Title, "\n", " "))
	body := fmt.Sprintf("You are invited to take the survey %q (id %d).\n", survey.Title, survey.ID)
	if survey.Description != "" {
		body += "\n" + survey.Description + "\n"
	}

	var failed []error
	sent := 0
	for _, email := range task.Emails {
		if err := w.mailer.Send(ctx, []string{email}, subject, body); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", email, err))
			continue
		}
		sent++
	}

	if sent > 0 {
		err := w.store.RecordAudit(ctx, &types.AuditEntry{
			UserID:   task.RequestedBy,
			Action:   types.AuditSendInvitations,
			SurveyID: task.SurveyID,
			Detail:   fmt.Sprintf("%d of %d invitations sent", sent, len(task.Emails)),
		})
		if err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

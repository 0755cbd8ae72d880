package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/surveykeeper/internal/core/db"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/types"
)

type fakeStore struct {
	survey    *types.Survey
	responses []*types.Response
	counts    []db.ActionCount
	audit     []*types.AuditEntry
}

func (s *fakeStore) LoadSurvey(_ context.Context, id types.SurveyID) (*types.Survey, error) {
	if s.survey == nil || s.survey.ID != id {
		return nil, types.ErrNotFound
	}
	return s.survey, nil
}

func (s *fakeStore) ListResponses(_ context.Context, id types.SurveyID) ([]*types.Response, error) {
	var out []*types.Response
	for _, r := range s.responses {
		if r.SurveyID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) CountAuditActions(context.Context, time.Time) ([]db.ActionCount, error) {
	return s.counts, nil
}

func (s *fakeStore) RecordAudit(_ context.Context, e *types.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

type fakeMailer struct {
	sent   []sentMail
	reject map[string]bool
}

func (m *fakeMailer) Send(_ context.Context, to []string, subject, body string) error {
	for _, addr := range to {
		if m.reject[addr] {
			return errors.New("mailbox unavailable")
		}
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type taskCounter map[string]int

func (c taskCounter) ObserveTask(taskType string, err error) {
	if err != nil {
		taskType += ":error"
	}
	c[taskType]++
}

func exportSurvey() *types.Survey {
	return &types.Survey{ID: 42, Title: "Onboarding", Sections: []types.Section{{
		ID: 1,
		Fields: []types.Field{
			{ID: 1, Type: types.FieldType{Name: "radio"}},
			{ID: 2, Sensitive: true, Type: types.FieldType{Name: "text"}},
		},
	}}}
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newWorker(t *testing.T, store *fakeStore, mailer *fakeMailer, opener PayloadOpener) (*Worker, string) {
	t.Helper()
	dir := t.TempDir()
	w := NewWorker(store, mailer, opener, dir, nil)
	w.now = func() time.Time { return fixedNow }
	return w, dir
}

func TestWorker_GenerateReport(t *testing.T) {
	store := &fakeStore{counts: []db.ActionCount{
		{Action: types.AuditCreate, Entries: 2},
		{Action: types.AuditView, Entries: 5},
	}}
	mailer := &fakeMailer{}
	w, _ := newWorker(t, store, mailer, nil)

	err := w.Handle(context.Background(), Task{Type: TypeGenerateReport, Emails: []string{"ops@example.com"}, RequestedBy: "admin"})
	require.NoError(t, err)

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, mailer.sent[0].to)
	assert.Contains(t, mailer.sent[0].body, "view")
	assert.Regexp(t, `total\s+7`, mailer.sent[0].body)

	require.Len(t, store.audit, 1)
	assert.Equal(t, types.AuditGenerateReport, store.audit[0].Action)
	assert.Equal(t, "admin", store.audit[0].UserID)
}

func TestWorker_ExportResponsesDecrypts(t *testing.T) {
	key, err := sealing.GenerateKey()
	require.NoError(t, err)
	ring, err := sealing.NewRing(key)
	require.NoError(t, err)

	plain := `{"sections":[{"fields":[{"id":1,"value":"yes"},{"id":2,"value":"alice@example.com"}]}]}`
	survey := exportSurvey()
	sealed, err := ring.Seal(json.RawMessage(plain), survey)
	require.NoError(t, err)

	store := &fakeStore{survey: survey, responses: []*types.Response{
		{ID: "r-1", SurveyID: 42, UserID: "user-1", Payload: sealed},
		{ID: "r-2", SurveyID: 43, UserID: "user-2", Payload: sealed},
	}}
	counter := taskCounter{}
	w, dir := newWorker(t, store, &fakeMailer{}, ring)
	w.WithObserver(counter)

	path, err := w.exportResponses(context.Background(), Task{Type: TypeExportResponses, SurveyID: 42, RequestedBy: "analyst"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "exports", "42-20240501T120000Z.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var exported []exportedResponse
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 1)
	assert.Equal(t, types.ResponseID("r-1"), exported[0].ResponseID)
	assert.JSONEq(t, plain, string(exported[0].Payload))

	require.Len(t, store.audit, 1)
	assert.Equal(t, types.AuditExportResponse, store.audit[0].Action)
	assert.Equal(t, types.SurveyID(42), store.audit[0].SurveyID)

	require.NoError(t, w.Handle(context.Background(), Task{Type: TypeExportResponses, SurveyID: 42}))
	assert.Equal(t, 1, counter["export_responses"])
}

func TestWorker_ExportWithoutKeysRedacts(t *testing.T) {
	sealed := `{"sections":[{"fields":[{"id":2,"value":{"$sealed":"gAAAA"}}]}]}`
	store := &fakeStore{survey: exportSurvey(), responses: []*types.Response{{ID: "r-1", SurveyID: 42, Payload: json.RawMessage(sealed)}}}
	w, _ := newWorker(t, store, &fakeMailer{}, nil)

	path, err := w.exportResponses(context.Background(), Task{Type: TypeExportResponses, SurveyID: 42})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "$sealed")
}

func TestWorker_ExportRedactsUndecryptable(t *testing.T) {
	key, err := sealing.GenerateKey()
	require.NoError(t, err)
	ring, err := sealing.NewRing(key)
	require.NoError(t, err)

	survey := exportSurvey()
	good, err := ring.Seal(json.RawMessage(`{"sections":[{"fields":[{"id":1,"value":"yes"},{"id":2,"value":"bob@example.com"}]}]}`), survey)
	require.NoError(t, err)
	forged := `{"sections":[{"fields":[{"id":1,"value":"no"},{"id":2,"value":{"$sealed":"not-a-token"}}]}]}`

	store := &fakeStore{survey: survey, responses: []*types.Response{
		{ID: "r-1", SurveyID: 42, Payload: json.RawMessage(forged)},
		{ID: "r-2", SurveyID: 42, Payload: good},
	}}
	w, _ := newWorker(t, store, &fakeMailer{}, ring)

	path, err := w.exportResponses(context.Background(), Task{Type: TypeExportResponses, SurveyID: 42})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var exported []exportedResponse
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported, 2)
	assert.JSONEq(t, `{"sections":[{"fields":[{"id":1,"value":"no"},{"id":2,"value":null}]}]}`, string(exported[0].Payload))
	assert.Contains(t, string(exported[1].Payload), "bob@example.com")

	require.Len(t, store.audit, 1)
	assert.Contains(t, store.audit[0].Detail, "1 undecryptable and redacted")
}

func TestWorker_ExportUnknownSurvey(t *testing.T) {
	w, _ := newWorker(t, &fakeStore{}, &fakeMailer{}, nil)
	_, err := w.exportResponses(context.Background(), Task{Type: TypeExportResponses, SurveyID: 9})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWorker_SendInvitations(t *testing.T) {
	store := &fakeStore{survey: &types.Survey{ID: 42, Title: "Onboarding"}}
	mailer := &fakeMailer{reject: map[string]bool{"bounce@example.com": true}}
	w, _ := newWorker(t, store, mailer, nil)

	err := w.Handle(context.Background(), Task{
		Type:     TypeSendInvitations,
		SurveyID: 42,
		Emails:   []string{"a@example.com", "bounce@example.com", "b@example.com"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bounce@example.com")

	assert.Len(t, mailer.sent, 2)
	for _, m := range mailer.sent {
		assert.Len(t, m.to, 1)
		assert.Equal(t, "Invitation: Onboarding", m.subject)
	}
	require.Len(t, store.audit, 1)
	assert.Equal(t, "2 of 3 invitations sent", store.audit[0].Detail)
}

func TestWorker_SendInvitationsUnknownSurvey(t *testing.T) {
	w, _ := newWorker(t, &fakeStore{}, &fakeMailer{}, nil)
	err := w.Handle(context.Background(), Task{Type: TypeSendInvitations, SurveyID: 9, Emails: []string{"a@example.com"}})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr string
	}{
		{"report ok", Task{Type: TypeGenerateReport, Emails: []string{"a@example.com"}}, ""},
		{"report without recipients", Task{Type: TypeGenerateReport}, "recipient"},
		{"export ok", Task{Type: TypeExportResponses, SurveyID: 1}, ""},
		{"export without survey", Task{Type: TypeExportResponses}, "survey id"},
		{"invitations without emails", Task{Type: TypeSendInvitations, SurveyID: 1}, "recipient"},
		{"header injection", Task{Type: TypeGenerateReport, Emails: []string{"a@example.com\r\nBcc: x@y"}}, "invalid email"},
		{"not an address", Task{Type: TypeGenerateReport, Emails: []string{"nobody"}}, "invalid email"},
		{"unknown type", Task{Type: "reindex"}, "unknown task type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

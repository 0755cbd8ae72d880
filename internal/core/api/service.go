// Package api implements the SurveyKeeper ResponseAPI gRPC service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/surveykeeper/internal/core/auth"
	"github.com/solatis/surveykeeper/internal/core/sealing"
	"github.com/solatis/surveykeeper/internal/core/tasks"
	"github.com/solatis/surveykeeper/internal/rules"
	"github.com/solatis/surveykeeper/internal/types"
)

// ResponseStore is the persistence the service needs.
type ResponseStore interface {
	UpsertResponse(ctx context.Context, surveyID types.SurveyID, userID string, payload json.RawMessage) (*types.Response, bool, error)
	GetResponse(ctx context.Context, surveyID types.SurveyID, userID string) (*types.Response, error)
	GetResponseByID(ctx context.Context, id types.ResponseID) (*types.Response, error)
	DeleteResponse(ctx context.Context, id types.ResponseID) error
	RecordAudit(ctx context.Context, entry *types.AuditEntry) error
}

// Sealer encrypts and decrypts sensitive field values.
type Sealer interface {
	Seal(payload json.RawMessage, sensitive sealing.SensitiveFields) (json.RawMessage, error)
	Open(payload json.RawMessage, sensitive sealing.SensitiveFields) (json.RawMessage, error)
}

// ResponseService implements ResponseAPIServer.
// Thin orchestration layer delegating to rules, storage, sealing and tasks.
type ResponseService struct {
	engine *rules.Engine
	store  ResponseStore
	sealer Sealer
	tasks  tasks.Enqueuer
	logger *zap.Logger
}

var _ ResponseAPIServer = (*ResponseService)(nil)

// NewResponseService creates service instance with dependencies. A nil
// enqueuer disables the background task methods.
func NewResponseService(engine *rules.Engine, store ResponseStore, sealer Sealer, enqueuer tasks.Enqueuer, logger *zap.Logger) (*ResponseService, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseService{
		engine: engine,
		store:  store,
		sealer: sealer,
		tasks:  enqueuer,
		logger: logger,
	}, nil
}

func principal(ctx context.Context) (*types.Principal, error) {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return nil, status.Error(codes.Internal, "missing principal in context")
	}
	return p, nil
}

// ValidateResponse checks a response without storing it.
func (s *ResponseService) ValidateResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	surveyID, err := surveyIDField(req)
	if err != nil {
		return nil, err
	}
	payload, err := payloadField(req)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Validate(ctx, surveyID, payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"valid":  res.Valid(),
		"errors": failureList(res.Outcome),
	})
}

// SubmitResponse validates a response and stores it for the calling user,
// replacing an earlier submission. Sensitive values are sealed before storage.
func (s *ResponseService) SubmitResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	surveyID, err := surveyIDField(req)
	if err != nil {
		return nil, err
	}
	payload, err := payloadField(req)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Validate(ctx, surveyID, payload)
	if err != nil {
		return nil, toStatus(err)
	}
	if !res.Valid() {
		return nil, toStatus(res.First())
	}

	sealed, err := s.sealer.Seal(payload, res.Snapshot)
	if err != nil {
		return nil, toStatus(err)
	}

	resp, created, err := s.store.UpsertResponse(ctx, surveyID, p.UserID, sealed)
	if err != nil {
		return nil, toStatus(err)
	}

	action := types.AuditUpdate
	if created {
		action = types.AuditCreate
	}
	s.audit(ctx, &types.AuditEntry{
		UserID:     p.UserID,
		Action:     action,
		SurveyID:   surveyID,
		ResponseID: resp.ID,
	})

	return newStruct(map[string]any{
		"response_id": string(resp.ID),
		"created":     created,
	})
}

// GetResponse returns a stored response with sensitive values decrypted.
func (s *ResponseService) GetResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.lookupResponse(ctx, req, p)
	if err != nil {
		return nil, err
	}

	snap, err := s.engine.Snapshot(ctx, resp.SurveyID)
	if err != nil {
		return nil, toStatus(err)
	}
	opened, err := s.sealer.Open(resp.Payload, snap)
	if err != nil {
		return nil, toStatus(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(opened, &payload); err != nil {
		return nil, status.Errorf(codes.Internal, "stored payload of %s is not an object: %v", resp.ID, err)
	}

	s.audit(ctx, &types.AuditEntry{
		UserID:     p.UserID,
		Action:     types.AuditView,
		SurveyID:   resp.SurveyID,
		ResponseID: resp.ID,
	})

	return newStruct(map[string]any{
		"response_id": string(resp.ID),
		"survey_id":   int64(resp.SurveyID),
		"user_id":     resp.UserID,
		"created_at":  resp.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  resp.UpdatedAt.UTC().Format(time.RFC3339),
		"payload":     payload,
	})
}

func (s *ResponseService) lookupResponse(ctx context.Context, req *structpb.Struct, p *types.Principal) (*types.Response, error) {
	responseID, err := stringField(req, "response_id")
	if err != nil {
		return nil, err
	}
	if responseID != "" {
		id, err := types.ParseResponseID(responseID)
		if err != nil {
			return nil, invalidArgument("response_id: %v", err)
		}
		resp, err := s.store.GetResponseByID(ctx, id)
		return resp, toStatus(err)
	}

	surveyID, err := surveyIDField(req)
	if err != nil {
		return nil, err
	}
	userID, err := stringField(req, "user_id")
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = p.UserID
	}
	resp, err := s.store.GetResponse(ctx, surveyID, userID)
	return resp, toStatus(err)
}

// DeleteResponse removes a stored response.
func (s *ResponseService) DeleteResponse(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := stringField(req, "response_id")
	if err != nil {
		return nil, err
	}
	id, err := types.ParseResponseID(raw)
	if err != nil {
		return nil, invalidArgument("response_id: %v", err)
	}

	resp, err := s.store.GetResponseByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.store.DeleteResponse(ctx, id); err != nil {
		return nil, toStatus(err)
	}

	s.audit(ctx, &types.AuditEntry{
		UserID:     p.UserID,
		Action:     types.AuditDelete,
		SurveyID:   resp.SurveyID,
		ResponseID: id,
	})
	return newStruct(map[string]any{"deleted": true})
}

// ExportResponses schedules an export of all responses of a survey.
func (s *ResponseService) ExportResponses(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	surveyID, err := surveyIDField(req)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, tasks.Task{Type: tasks.TypeExportResponses, SurveyID: surveyID})
}

// GenerateReport schedules the audit report for the given recipients.
func (s *ResponseService) GenerateReport(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	emails, err := stringsField(req, "emails")
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, tasks.Task{Type: tasks.TypeGenerateReport, Emails: emails})
}

// SendInvitations schedules survey invitation mails.
func (s *ResponseService) SendInvitations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	surveyID, err := surveyIDField(req)
	if err != nil {
		return nil, err
	}
	emails, err := stringsField(req, "emails")
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, tasks.Task{Type: tasks.TypeSendInvitations, SurveyID: surveyID, Emails: emails})
}

func (s *ResponseService) enqueue(ctx context.Context, task tasks.Task) (*structpb.Struct, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	if s.tasks == nil {
		return nil, status.Error(codes.Unimplemented, "background tasks are not configured")
	}
	task.RequestedBy = p.UserID
	if err := task.Validate(); err != nil {
		return nil, invalidArgument("%v", err)
	}

	id, err := s.tasks.Enqueue(ctx, task)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("task enqueued",
		zap.String("task_id", id),
		zap.String("type", string(task.Type)),
		zap.String("user_id", p.UserID))
	return newStruct(map[string]any{"task_id": id})
}

// audit records an entry; failures are logged and do not fail the request.
func (s *ResponseService) audit(ctx context.Context, entry *types.AuditEntry) {
	if err := s.store.RecordAudit(ctx, entry); err != nil {
		s.logger.Error("failed to record audit entry",
			zap.String("action", string(entry.Action)),
			zap.String("user_id", entry.UserID),
			zap.Error(err))
	}
}

func failureList(outcome rules.Outcome) []any {
	out := make([]any, 0, len(outcome.Failures))
	for _, f := range outcome.Failures {
		out = append(out, map[string]any{
			"kind":      f.Kind.String(),
			"rule_type": string(f.RuleType),
			"rule_id":   f.RuleID,
			"field_id":  int64(f.FieldID),
			"message":   f.Error(),
		})
	}
	return out
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * Survey store.
 *
 * Survey definitions are normalised across sections, fields, options,
 * conditions, condition dependencies, condition links and field
 * dependencies. LoadSurvey reassembles one survey with a fixed number of
 * queries (one per table), never per field.
 *
 * ImportSurvey replaces a survey's definition rows in one transaction and
 * keeps its responses. Condition and dependency values are stored as JSON
 * text so numbers, strings, booleans and lists round-trip unchanged.
 */

// Store is the persistence layer for surveys, responses, audit entries and API keys.
type Store struct {
	db      *sqlx.DB
	queries *Queries
	now     func() time.Time
}

// NewStore loads the named queries and returns a store over db.
func NewStore(db *sqlx.DB) (*Store, error) {
	queries, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, queries: queries, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Queries exposes the named queries for components with their own access
// patterns (authentication).
func (s *Store) Queries() *Queries {
	return s.queries
}

// SurveySummary is the survey header without its definition.
type SurveySummary struct {
	ID          types.SurveyID `db:"survey_id"`
	Title       string         `db:"title"`
	Description string         `db:"description"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

type sectionRow struct {
	ID        int64  `db:"section_id"`
	Title     string `db:"title"`
	SortOrder int    `db:"sort_order"`
}

type fieldRow struct {
	ID        int64  `db:"field_id"`
	SectionID int64  `db:"section_id"`
	Label     string `db:"label"`
	SortOrder int    `db:"sort_order"`
	Required  bool   `db:"required"`
	Sensitive bool   `db:"is_sensitive"`
	TypeName  string `db:"type_name"`
	Widget    string `db:"widget"`
}

type optionRow struct {
	ID        int64  `db:"option_id"`
	FieldID   int64  `db:"field_id"`
	Value     string `db:"value"`
	SortOrder int    `db:"sort_order"`
}

type conditionRow struct {
	ID          int64          `db:"condition_id"`
	SourceField sql.NullInt64  `db:"source_field_id"`
	Operator    string         `db:"operator"`
	Value       sql.NullString `db:"value"`
}

type conditionDependencyRow struct {
	ConditionID int64  `db:"condition_id"`
	SourceField int64  `db:"source_field_id"`
	TargetField int64  `db:"target_field_id"`
	Kind        string `db:"dependency_type"`
}

type conditionLinkRow struct {
	ID              int64         `db:"condition_link_id"`
	ConditionID     int64         `db:"condition_id"`
	AffectedSection sql.NullInt64 `db:"affected_section_id"`
	AffectedField   sql.NullInt64 `db:"affected_field_id"`
	Action          string        `db:"action"`
}

type fieldDependencyRow struct {
	ID          int64          `db:"dependency_id"`
	OwnerField  int64          `db:"owner_field_id"`
	SourceField int64          `db:"source_field_id"`
	TargetField int64          `db:"target_field_id"`
	Kind        string         `db:"dependency_type"`
	Value       sql.NullString `db:"value"`
}

// ListSurveys returns all survey headers ordered by id.
func (s *Store) ListSurveys(ctx context.Context) ([]SurveySummary, error) {
	var out []SurveySummary
	if err := s.queries.Select(ctx, "list-surveys", &out); err != nil {
		return nil, fmt.Errorf("list surveys: %w", err)
	}
	return out, nil
}

// LoadSurvey reassembles the full definition of survey id.
// Returns types.ErrNotFound when the survey does not exist.
func (s *Store) LoadSurvey(ctx context.Context, id types.SurveyID) (*types.Survey, error) {
	var header SurveySummary
	if err := s.queries.Get(ctx, "get-survey", &header, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("survey %d: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get survey %d: %w", id, err)
	}

	var (
		sections  []sectionRow
		fields    []fieldRow
		options   []optionRow
		conds     []conditionRow
		condDeps  []conditionDependencyRow
		links     []conditionLinkRow
		fieldDeps []fieldDependencyRow
	)
	loads := []struct {
		name string
		dest any
	}{
		{"list-sections", &sections},
		{"list-fields", &fields},
		{"list-options", &options},
		{"list-conditions", &conds},
		{"list-condition-dependencies", &condDeps},
		{"list-condition-links", &links},
		{"list-field-dependencies", &fieldDeps},
	}
	for _, l := range loads {
		if err := s.queries.Select(ctx, l.name, l.dest, int64(id)); err != nil {
			return nil, fmt.Errorf("load survey %d (%s): %w", id, l.name, err)
		}
	}

	survey := &types.Survey{
		ID:          header.ID,
		Title:       header.Title,
		Description: header.Description,
		Sections:    make([]types.Section, 0, len(sections)),
	}

	sectionIdx := make(map[int64]int, len(sections))
	for _, row := range sections {
		sectionIdx[row.ID] = len(survey.Sections)
		survey.Sections = append(survey.Sections, types.Section{
			ID:    types.SectionID(row.ID),
			Title: row.Title,
			Order: row.SortOrder,
		})
	}

	type fieldPos struct{ section, field int }
	fieldIdx := make(map[int64]fieldPos, len(fields))
	for _, row := range fields {
		si, ok := sectionIdx[row.SectionID]
		if !ok {
			return nil, fmt.Errorf("survey %d: field %d references missing section %d", id, row.ID, row.SectionID)
		}
		sec := &survey.Sections[si]
		fieldIdx[row.ID] = fieldPos{si, len(sec.Fields)}
		sec.Fields = append(sec.Fields, types.Field{
			ID:        types.FieldID(row.ID),
			Label:     row.Label,
			Order:     row.SortOrder,
			Required:  row.Required,
			Sensitive: row.Sensitive,
			Type:      types.FieldType{Name: row.TypeName, Widget: row.Widget},
		})
	}
	field := func(fid int64) *types.Field {
		pos, ok := fieldIdx[fid]
		if !ok {
			return nil
		}
		return &survey.Sections[pos.section].Fields[pos.field]
	}

	for _, row := range options {
		if f := field(row.FieldID); f != nil {
			f.Options = append(f.Options, types.Option{ID: row.ID, Value: row.Value, Order: row.SortOrder})
		}
	}

	conditions := make(map[int64]*types.Condition, len(conds))
	for _, row := range conds {
		value, err := decodeValue(row.Value)
		if err != nil {
			return nil, fmt.Errorf("survey %d: condition %d value: %w", id, row.ID, err)
		}
		conditions[row.ID] = &types.Condition{
			ID:          types.ConditionID(row.ID),
			SourceField: types.FieldID(row.SourceField.Int64),
			Operator:    row.Operator,
			Value:       value,
		}
	}
	for _, row := range condDeps {
		cond, ok := conditions[row.ConditionID]
		if !ok {
			continue
		}
		cond.Dependencies = append(cond.Dependencies, types.ConditionDependency{
			SourceField: types.FieldID(row.SourceField),
			TargetField: types.FieldID(row.TargetField),
			Kind:        row.Kind,
		})
	}

	for _, row := range links {
		cond, ok := conditions[row.ConditionID]
		if !ok {
			return nil, fmt.Errorf("survey %d: link %d references missing condition %d", id, row.ID, row.ConditionID)
		}
		link := types.ConditionLink{ID: row.ID, Condition: *cond, Action: row.Action}
		switch {
		case row.AffectedField.Valid:
			if f := field(row.AffectedField.Int64); f != nil {
				f.ConditionalLogic = append(f.ConditionalLogic, link)
			}
		case row.AffectedSection.Valid:
			if si, ok := sectionIdx[row.AffectedSection.Int64]; ok {
				survey.Sections[si].ConditionalLogic = append(survey.Sections[si].ConditionalLogic, link)
			}
		}
	}

	for _, row := range fieldDeps {
		f := field(row.OwnerField)
		if f == nil {
			continue
		}
		value, err := decodeValue(row.Value)
		if err != nil {
			return nil, fmt.Errorf("survey %d: dependency %d value: %w", id, row.ID, err)
		}
		f.Dependencies = append(f.Dependencies, types.Dependency{
			ID:          types.DependencyID(row.ID),
			SourceField: types.FieldID(row.SourceField),
			TargetField: types.FieldID(row.TargetField),
			Kind:        row.Kind,
			Value:       value,
		})
	}

	return survey, nil
}

// ImportSurvey stores survey, replacing any previous definition with the same
// id. Responses of an existing survey are kept. Reports whether the survey
// was newly created.
func (s *Store) ImportSurvey(ctx context.Context, survey *types.Survey) (bool, error) {
	if survey.ID == 0 {
		return false, fmt.Errorf("%w: survey id is required", types.ErrMalformedPayload)
	}

	var existing SurveySummary
	err := s.queries.Get(ctx, "get-survey", &existing, int64(survey.ID))
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("get survey %d: %w", survey.ID, err)
	}

	err = s.queries.InTx(ctx, func(q *Queries) error {
		return importSurvey(ctx, q, survey, s.now())
	})
	if err != nil {
		return false, fmt.Errorf("import survey %d: %w", survey.ID, err)
	}
	return created, nil
}

func importSurvey(ctx context.Context, q *Queries, survey *types.Survey, now time.Time) error {
	sid := int64(survey.ID)
	if _, err := q.Exec(ctx, "upsert-survey", sid, survey.Title, survey.Description, now, now); err != nil {
		return err
	}
	for _, name := range []string{
		"delete-survey-condition-links",
		"delete-survey-condition-dependencies",
		"delete-survey-field-dependencies",
		"delete-survey-conditions",
		"delete-survey-options",
		"delete-survey-fields",
		"delete-survey-sections",
	} {
		if _, err := q.Exec(ctx, name, sid); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	fieldTypes := make(map[string]int64)
	for _, sec := range survey.Sections {
		if sec.ID == 0 {
			return fmt.Errorf("%w: section without id", types.ErrMalformedPayload)
		}
		if _, err := q.Exec(ctx, "insert-section", int64(sec.ID), sid, sec.Title, sec.Order); err != nil {
			return fmt.Errorf("section %d: %w", sec.ID, err)
		}
		for _, f := range sec.Fields {
			if f.ID == 0 {
				return fmt.Errorf("%w: field without id in section %d", types.ErrMalformedPayload, sec.ID)
			}
			var typeID any
			if f.Type.Name != "" {
				id, ok := fieldTypes[f.Type.Name]
				if !ok {
					if err := q.Get(ctx, "upsert-field-type", &id, f.Type.Name, f.Type.Widget); err != nil {
						return fmt.Errorf("field type %q: %w", f.Type.Name, err)
					}
					fieldTypes[f.Type.Name] = id
				}
				typeID = id
			}
			if _, err := q.Exec(ctx, "insert-field", int64(f.ID), int64(sec.ID), sid, typeID,
				f.Label, f.Order, f.Required, f.Sensitive); err != nil {
				return fmt.Errorf("field %d: %w", f.ID, err)
			}
			for _, opt := range f.Options {
				if _, err := q.Exec(ctx, "insert-option", int64(f.ID), sid, opt.Value, opt.Order); err != nil {
					return fmt.Errorf("field %d option %q: %w", f.ID, opt.Value, err)
				}
			}
		}
	}

	inserted := make(map[types.ConditionID]bool)
	insertLink := func(link types.ConditionLink, sectionID, fieldID any, position int) error {
		cond := link.Condition
		if cond.ID == 0 {
			return fmt.Errorf("%w: condition without id", types.ErrMalformedPayload)
		}
		if !inserted[cond.ID] {
			value, err := encodeValue(cond.Value)
			if err != nil {
				return fmt.Errorf("condition %d value: %w", cond.ID, err)
			}
			if _, err := q.Exec(ctx, "insert-condition", int64(cond.ID), sid, nullID(int64(cond.SourceField)), cond.Operator, value); err != nil {
				return fmt.Errorf("condition %d: %w", cond.ID, err)
			}
			for i, dep := range cond.Dependencies {
				if _, err := q.Exec(ctx, "insert-condition-dependency", int64(cond.ID), sid,
					int64(dep.SourceField), int64(dep.TargetField), dep.Kind, i); err != nil {
					return fmt.Errorf("condition %d dependency %d: %w", cond.ID, i, err)
				}
			}
			inserted[cond.ID] = true
		}
		if _, err := q.Exec(ctx, "insert-condition-link", int64(cond.ID), sid, sectionID, fieldID, link.Action, position); err != nil {
			return fmt.Errorf("condition %d link: %w", cond.ID, err)
		}
		return nil
	}

	position := 0
	for _, sec := range survey.Sections {
		for _, link := range sec.ConditionalLogic {
			if err := insertLink(link, int64(sec.ID), nil, position); err != nil {
				return err
			}
			position++
		}
		for _, f := range sec.Fields {
			for _, link := range f.ConditionalLogic {
				if err := insertLink(link, nil, int64(f.ID), position); err != nil {
					return err
				}
				position++
			}
			for i, dep := range f.Dependencies {
				if dep.ID == 0 {
					return fmt.Errorf("%w: dependency without id on field %d", types.ErrMalformedPayload, f.ID)
				}
				source := dep.SourceField
				if source == 0 {
					source = f.ID
				}
				value, err := encodeValue(dep.Value)
				if err != nil {
					return fmt.Errorf("dependency %d value: %w", dep.ID, err)
				}
				if _, err := q.Exec(ctx, "insert-field-dependency", int64(dep.ID), sid, int64(f.ID),
					int64(source), int64(dep.TargetField), dep.Kind, value, i); err != nil {
					return fmt.Errorf("dependency %d: %w", dep.ID, err)
				}
			}
		}
	}
	return nil
}

type responseRow struct {
	ID        string    `db:"response_id"`
	SurveyID  int64     `db:"survey_id"`
	UserID    string    `db:"user_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r responseRow) toResponse() *types.Response {
	return &types.Response{
		ID:        types.ResponseID(r.ID),
		SurveyID:  types.SurveyID(r.SurveyID),
		UserID:    r.UserID,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// UpsertResponse stores the response of userID to surveyID, replacing the
// payload of an earlier submission. Reports whether a new response was created.
func (s *Store) UpsertResponse(ctx context.Context, surveyID types.SurveyID, userID string, payload json.RawMessage) (*types.Response, bool, error) {
	now := s.now()
	newID := types.NewResponseID()

	var id string
	if err := s.queries.Get(ctx, "upsert-response", &id, string(newID), int64(surveyID), userID, string(payload), now, now); err != nil {
		return nil, false, fmt.Errorf("upsert response: %w", err)
	}

	resp, err := s.GetResponseByID(ctx, types.ResponseID(id))
	if err != nil {
		return nil, false, err
	}
	return resp, id == string(newID), nil
}

// GetResponse returns the response of userID to surveyID.
func (s *Store) GetResponse(ctx context.Context, surveyID types.SurveyID, userID string) (*types.Response, error) {
	var row responseRow
	if err := s.queries.Get(ctx, "get-response-by-user", &row, int64(surveyID), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("response of %s to survey %d: %w", userID, surveyID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get response: %w", err)
	}
	return row.toResponse(), nil
}

// GetResponseByID returns the response with id.
func (s *Store) GetResponseByID(ctx context.Context, id types.ResponseID) (*types.Response, error) {
	var row responseRow
	if err := s.queries.Get(ctx, "get-response-by-id", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("response %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get response: %w", err)
	}
	return row.toResponse(), nil
}

// ListResponses returns all responses to surveyID in creation order.
func (s *Store) ListResponses(ctx context.Context, surveyID types.SurveyID) ([]*types.Response, error) {
	var rows []responseRow
	if err := s.queries.Select(ctx, "list-survey-responses", &rows, int64(surveyID)); err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	out := make([]*types.Response, len(rows))
	for i, row := range rows {
		out[i] = row.toResponse()
	}
	return out, nil
}

// DeleteResponse removes a response. Returns types.ErrNotFound when absent.
func (s *Store) DeleteResponse(ctx context.Context, id types.ResponseID) error {
	res, err := s.queries.Exec(ctx, "delete-response", string(id))
	if err != nil {
		return fmt.Errorf("delete response: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("response %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// ResponseCount is the number of responses stored for one survey.
type ResponseCount struct {
	SurveyID  types.SurveyID `db:"survey_id"`
	Responses int            `db:"responses"`
}

// CountResponses returns response totals per survey.
func (s *Store) CountResponses(ctx context.Context) ([]ResponseCount, error) {
	var out []ResponseCount
	if err := s.queries.Select(ctx, "count-responses-by-survey", &out); err != nil {
		return nil, fmt.Errorf("count responses: %w", err)
	}
	return out, nil
}

type auditRow struct {
	ID         string         `db:"audit_id"`
	UserID     string         `db:"user_id"`
	Action     string         `db:"action"`
	SurveyID   sql.NullInt64  `db:"survey_id"`
	SectionID  sql.NullInt64  `db:"section_id"`
	FieldID    sql.NullInt64  `db:"field_id"`
	ResponseID sql.NullString `db:"response_id"`
	Detail     string         `db:"detail"`
	CreatedAt  time.Time      `db:"created_at"`
}

// RecordAudit stores an audit entry, assigning its id and timestamp when unset.
func (s *Store) RecordAudit(ctx context.Context, entry *types.AuditEntry) error {
	if _, err := types.ParseAuditAction(string(entry.Action)); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = types.NewAuditID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	var responseID any
	if entry.ResponseID != "" {
		responseID = string(entry.ResponseID)
	}
	_, err := s.queries.Exec(ctx, "insert-audit-log",
		string(entry.ID), entry.UserID, string(entry.Action),
		nullID(int64(entry.SurveyID)), nullID(int64(entry.SectionID)), nullID(int64(entry.FieldID)),
		responseID, entry.Detail, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries created at or after since, oldest first.
func (s *Store) ListAudit(ctx context.Context, since time.Time) ([]types.AuditEntry, error) {
	var rows []auditRow
	if err := s.queries.Select(ctx, "list-audit-logs-since", &rows, since.UTC()); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	out := make([]types.AuditEntry, len(rows))
	for i, row := range rows {
		out[i] = types.AuditEntry{
			ID:         types.AuditID(row.ID),
			UserID:     row.UserID,
			Action:     types.AuditAction(row.Action),
			SurveyID:   types.SurveyID(row.SurveyID.Int64),
			SectionID:  types.SectionID(row.SectionID.Int64),
			FieldID:    types.FieldID(row.FieldID.Int64),
			ResponseID: types.ResponseID(row.ResponseID.String),
			Detail:     row.Detail,
			CreatedAt:  row.CreatedAt,
		}
	}
	return out, nil
}

// ActionCount is the number of audit entries for one action.
type ActionCount struct {
	Action  types.AuditAction `db:"action"`
	Entries int               `db:"entries"`
}

// CountAuditActions returns audit entry totals per action since the given time.
func (s *Store) CountAuditActions(ctx context.Context, since time.Time) ([]ActionCount, error) {
	var out []ActionCount
	if err := s.queries.Select(ctx, "count-audit-actions-since", &out, since.UTC()); err != nil {
		return nil, fmt.Errorf("count audit actions: %w", err)
	}
	return out, nil
}

// CreateAPIKey stores the HMAC hash of a new API key and returns its id.
func (s *Store) CreateAPIKey(ctx context.Context, userID string, role types.Role, name string, keyHash []byte) (string, error) {
	if _, err := types.ParseRole(string(role)); err != nil {
		return "", err
	}
	id := types.NewAPIKeyID()
	if _, err := s.queries.Exec(ctx, "insert-api-key", id, userID, string(role), name, keyHash, s.now()); err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return id, nil
}

// RevokeAPIKey marks an API key revoked. Returns types.ErrNotFound when the
// key does not exist or is already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, apiKeyID string) error {
	res, err := s.queries.Exec(ctx, "revoke-api-key", s.now(), apiKeyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("api key %s: %w", apiKeyID, types.ErrNotFound)
	}
	return nil
}

// encodeValue stores a rule value as JSON text; nil becomes NULL.
func encodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeValue(ns sql.NullString) (any, error) {
	if !ns.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// nullID maps the zero id to NULL.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

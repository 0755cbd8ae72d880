package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/surveykeeper/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, MigrateUp(db))
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func storeFixture() *types.Survey {
	hideWhenNo := types.Condition{
		ID:          7,
		SourceField: 1,
		Operator:    "equals",
		Value:       "no",
	}
	return &types.Survey{
		ID:    42,
		Title: "Onboarding",
		Sections: []types.Section{
			{
				ID:    1,
				Title: "About you",
				Order: 1,
				Fields: []types.Field{
					{ID: 1, Label: "Consent", Order: 1, Required: true,
						Type:    types.FieldType{Name: "radio", Widget: "radio"},
						Options: []types.Option{{Value: "yes", Order: 1}, {Value: "no", Order: 2}}},
					{ID: 2, Label: "Age", Order: 2,
						Type: types.FieldType{Name: "number", Widget: "input"},
						Dependencies: []types.Dependency{
							{ID: 21, TargetField: 2, SourceField: 1, Kind: "greater_than_or_equals", Value: 18.0},
						}},
				},
			},
			{
				ID:               2,
				Order:            2,
				ConditionalLogic: []types.ConditionLink{{Condition: hideWhenNo, Action: types.ActionHide}},
				Fields: []types.Field{
					{ID: 3, Label: "Email", Order: 1, Sensitive: true,
						Type: types.FieldType{Name: "text", Widget: "input"},
						ConditionalLogic: []types.ConditionLink{{
							Condition: types.Condition{
								ID: 8,
								Dependencies: []types.ConditionDependency{
									{SourceField: 1, TargetField: 2, Kind: "not_equal"},
								},
							},
						}}},
				},
			},
		},
	}
}

func TestStore_ImportAndLoadSurvey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.ImportSurvey(ctx, storeFixture())
	require.NoError(t, err)
	assert.True(t, created)

	got, err := store.LoadSurvey(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, "Onboarding", got.Title)
	require.Len(t, got.Sections, 2)
	require.Len(t, got.Sections[0].Fields, 2)

	consent := got.Sections[0].Fields[0]
	assert.True(t, consent.Required)
	assert.Equal(t, "radio", consent.Type.Name)
	require.Len(t, consent.Options, 2)
	assert.Equal(t, "yes", consent.Options[0].Value)

	age := got.Sections[0].Fields[1]
	require.Len(t, age.Dependencies, 1)
	assert.Equal(t, types.DependencyID(21), age.Dependencies[0].ID)
	assert.Equal(t, 18.0, age.Dependencies[0].Value)

	require.Len(t, got.Sections[1].ConditionalLogic, 1)
	link := got.Sections[1].ConditionalLogic[0]
	assert.Equal(t, types.ActionHide, link.Action)
	assert.Equal(t, types.ConditionID(7), link.Condition.ID)
	assert.Equal(t, "no", link.Condition.Value)

	email := got.Sections[1].Fields[0]
	assert.True(t, email.Sensitive)
	require.Len(t, email.ConditionalLogic, 1)
	deps := email.ConditionalLogic[0].Condition.Dependencies
	require.Len(t, deps, 1)
	assert.Equal(t, types.FieldID(1), deps[0].SourceField)
	assert.Equal(t, "not_equal", deps[0].Kind)
}

func TestStore_ReimportReplacesDefinitionKeepsResponses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.ImportSurvey(ctx, storeFixture())
	require.NoError(t, err)
	_, _, err = store.UpsertResponse(ctx, 42, "user-1", json.RawMessage(`{"sections":[]}`))
	require.NoError(t, err)

	changed := storeFixture()
	changed.Title = "Onboarding v2"
	changed.Sections = changed.Sections[:1]

	created, err := store.ImportSurvey(ctx, changed)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.LoadSurvey(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Onboarding v2", got.Title)
	assert.Len(t, got.Sections, 1)

	_, err = store.GetResponse(ctx, 42, "user-1")
	assert.NoError(t, err)
}

func TestStore_ImportRejectsMissingIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	s := storeFixture()
	s.ID = 0
	_, err := store.ImportSurvey(ctx, s)
	assert.ErrorIs(t, err, types.ErrMalformedPayload)

	s = storeFixture()
	s.Sections[0].Fields[0].ID = 0
	_, err = store.ImportSurvey(ctx, s)
	assert.ErrorIs(t, err, types.ErrMalformedPayload)

	_, err = store.LoadSurvey(ctx, 42)
	assert.ErrorIs(t, err, types.ErrNotFound, "failed import must roll back")
}

func TestStore_LoadSurveyNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadSurvey(context.Background(), 99)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_ListSurveys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	second := storeFixture()
	second.ID = 43
	second.Sections = nil
	_, err := store.ImportSurvey(ctx, second)
	require.NoError(t, err)
	_, err = store.ImportSurvey(ctx, &types.Survey{ID: 41, Title: "First"})
	require.NoError(t, err)

	got, err := store.ListSurveys(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.SurveyID(41), got[0].ID)
	assert.Equal(t, types.SurveyID(43), got[1].ID)
}

func TestStore_UpsertResponse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.ImportSurvey(ctx, storeFixture())
	require.NoError(t, err)

	first, created, err := store.UpsertResponse(ctx, 42, "user-1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	second, created, err := store.UpsertResponse(ctx, 42, "user-1", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"v":2}`, string(second.Payload))
	assert.False(t, second.UpdatedAt.Before(second.CreatedAt))

	_, _, err = store.UpsertResponse(ctx, 42, "user-2", json.RawMessage(`{"v":3}`))
	require.NoError(t, err)

	all, err := store.ListResponses(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	counts, err := store.CountResponses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ResponseCount{{SurveyID: 42, Responses: 2}}, counts)

	byID, err := store.GetResponseByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", byID.UserID)

	require.NoError(t, store.DeleteResponse(ctx, first.ID))
	assert.ErrorIs(t, store.DeleteResponse(ctx, first.ID), types.ErrNotFound)
	_, err = store.GetResponse(ctx, 42, "user-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_Audit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	start := time.Now().UTC().Add(-time.Second)

	entries := []*types.AuditEntry{
		{UserID: "admin", Action: types.AuditCreate, SurveyID: 42},
		{UserID: "user-1", Action: types.AuditView, SurveyID: 42, ResponseID: "r-1"},
		{UserID: "user-1", Action: types.AuditView, SurveyID: 42, FieldID: 3},
	}
	for _, e := range entries {
		require.NoError(t, store.RecordAudit(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	err := store.RecordAudit(ctx, &types.AuditEntry{UserID: "x", Action: "shred"})
	assert.Error(t, err)

	got, err := store.ListAudit(ctx, start)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, types.SurveyID(42), got[0].SurveyID)
	assert.Equal(t, types.FieldID(0), got[0].FieldID)
	assert.Equal(t, types.ResponseID("r-1"), got[1].ResponseID)
	assert.Equal(t, types.FieldID(3), got[2].FieldID)

	counts, err := store.CountAuditActions(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, []ActionCount{
		{Action: types.AuditCreate, Entries: 1},
		{Action: types.AuditView, Entries: 2},
	}, counts)

	later, err := store.ListAudit(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestStore_APIKeys(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateAPIKey(ctx, "user-1", "superuser", "bad", []byte("h0"))
	assert.Error(t, err)

	id, err := store.CreateAPIKey(ctx, "user-1", types.RoleAnalyst, "laptop", []byte("h1"))
	require.NoError(t, err)

	require.NoError(t, store.RevokeAPIKey(ctx, id))
	assert.ErrorIs(t, store.RevokeAPIKey(ctx, id), types.ErrNotFound)
}

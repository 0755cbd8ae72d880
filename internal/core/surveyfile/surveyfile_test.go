package surveyfile

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/surveykeeper/internal/rules"
	"github.com/solatis/surveykeeper/internal/types"
)

func TestLoad_Testdata(t *testing.T) {
	surveys, err := Load(filepath.Join("testdata", "onboarding.yaml"))
	require.NoError(t, err)
	require.Len(t, surveys, 2)

	s := surveys[0]
	assert.Equal(t, types.SurveyID(42), s.ID)
	assert.Equal(t, "New member intake", s.Description)
	require.Len(t, s.Sections, 2)

	consent := s.Sections[0].Fields[0]
	assert.True(t, consent.Required)
	assert.Equal(t, "radio", consent.Type.Name)
	assert.Equal(t, "yes", consent.Options[0].Value)

	dep := s.Sections[0].Fields[1].Dependencies[0]
	assert.Equal(t, types.DependencyID(21), dep.ID)
	assert.Equal(t, "greater_than_or_equals", dep.Kind)
	assert.Equal(t, 18, dep.Value)

	link := s.Sections[1].ConditionalLogic[0]
	assert.Equal(t, types.ActionHide, link.Action)
	assert.Equal(t, "no", link.Condition.Value)
	assert.True(t, s.Sections[1].Fields[0].Sensitive)

	for _, survey := range surveys {
		_, err := rules.Compile(survey)
		assert.NoError(t, err, "survey %d must compile", survey.ID)
	}
}

func TestLoadOne_RejectsMultiple(t *testing.T) {
	_, err := LoadOne(filepath.Join("testdata", "onboarding.yaml"))
	assert.ErrorContains(t, err, "expected one survey, found 2")
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "", "no surveys"},
		{"missing id", "title: x\n", "survey id must be positive"},
		{"unknown key", "id: 1\ntitel: x\n", "titel"},
		{"section without id", "id: 1\nsections:\n  - order: 1\n", "section without id"},
		{"field without type", "id: 1\nsections:\n  - id: 1\n    fields:\n      - id: 5\n", "field 5 has no field_type"},
		{"duplicate survey", "id: 1\n---\nid: 1\n", "defined more than once"},
		{"bad yaml", "id: [\n", "document 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_MissingIDIsMalformed(t *testing.T) {
	_, err := Parse(strings.NewReader("title: x\n"))
	if !errors.Is(err, types.ErrMalformedPayload) {
		t.Errorf("Parse() error = %v, want ErrMalformedPayload", err)
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	surveys, err := Load(filepath.Join("testdata", "onboarding.yaml"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, surveys...))

	again, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, surveys, again)
}

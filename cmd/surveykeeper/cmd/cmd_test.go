package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var surveyFixture = filepath.Join("..", "..", "..", "internal", "core", "surveyfile", "testdata", "onboarding.yaml")

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeResponse(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "response.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	valid := writeResponse(t, `{"sections":[{"fields":[{"id":1,"value":"yes"},{"id":2,"value":30}]}]}`)
	out, err := runCLI(t, "validate", "--survey", surveyFixture, "--survey-id", "42", "--response", valid)
	if err != nil {
		t.Fatalf("validate error = %v, output %s", err, out)
	}
	if !strings.Contains(out, "valid: response satisfies survey 42") {
		t.Errorf("output = %q, want valid message", out)
	}

	underage := writeResponse(t, `{"sections":[{"fields":[{"id":1,"value":"yes"},{"id":2,"value":12}]}]}`)
	out, err = runCLI(t, "validate", "--survey", surveyFixture, "--survey-id", "42", "--response", underage)
	if !errors.Is(err, errInvalidResponse) {
		t.Fatalf("validate error = %v, want errInvalidResponse", err)
	}
	if !strings.Contains(out, "Dependency 21 not met") {
		t.Errorf("output = %q, want dependency failure", out)
	}
}

func TestPickSurvey(t *testing.T) {
	if _, err := pickSurvey(surveyFixture, 0); err == nil {
		t.Error("pickSurvey(multi-survey file, 0) error = nil, want error")
	}
	s, err := pickSurvey(surveyFixture, 43)
	if err != nil {
		t.Fatalf("pickSurvey(43) error = %v", err)
	}
	if s.Title != "Exit interview" {
		t.Errorf("pickSurvey(43).Title = %q, want %q", s.Title, "Exit interview")
	}
	if _, err := pickSurvey(surveyFixture, 7); err == nil {
		t.Error("pickSurvey(7) error = nil, want not found")
	}
}

func TestPickSecret(t *testing.T) {
	one := map[string][]byte{"a": nil}
	two := map[string][]byte{"a": nil, "b": nil}

	tests := []struct {
		name    string
		secrets map[string][]byte
		id      string
		want    string
		wantErr bool
	}{
		{"single secret", one, "", "a", false},
		{"explicit", two, "b", "b", false},
		{"ambiguous", two, "", "", true},
		{"unknown", one, "z", "", true},
		{"none", map[string][]byte{}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickSecret(tt.secrets, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("pickSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("pickSecret() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package surveyfile reads and writes survey definitions as YAML documents.
//
// A file holds one or more surveys, one per YAML document:
//
//	id: 42
//	title: Onboarding
//	sections:
//	  - id: 1
//	    order: 1
//	    fields:
//	      - id: 1
//	        required: true
//	        field_type: {name: radio, widget: radio}
//	        options: [{value: "yes", order: 1}, {value: "no", order: 2}]
//
// Unknown keys are rejected so typos in rule definitions fail loudly.
package surveyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solatis/surveykeeper/internal/types"
)

// Load reads every survey in the file at path.
func Load(path string) ([]*types.Survey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	surveys, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return surveys, nil
}

// LoadOne reads a file that must hold exactly one survey.
func LoadOne(path string) (*types.Survey, error) {
	surveys, err := Load(path)
	if err != nil {
		return nil, err
	}
	if len(surveys) != 1 {
		return nil, fmt.Errorf("%s: expected one survey, found %d", path, len(surveys))
	}
	return surveys[0], nil
}

// Parse decodes all YAML documents in r.
func Parse(r io.Reader) ([]*types.Survey, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var surveys []*types.Survey
	seen := make(map[types.SurveyID]bool)
	for doc := 1; ; doc++ {
		var s types.Survey
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if err := check(&s); err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("document %d: %w: survey %d defined more than once", doc, types.ErrMalformedPayload, s.ID)
		}
		seen[s.ID] = true
		surveys = append(surveys, &s)
	}
	if len(surveys) == 0 {
		return nil, fmt.Errorf("%w: no surveys found", types.ErrMalformedPayload)
	}
	return surveys, nil
}

// check rejects definitions the store cannot persist.
func check(s *types.Survey) error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: survey id must be positive", types.ErrMalformedPayload)
	}
	for _, sec := range s.Sections {
		if sec.ID <= 0 {
			return fmt.Errorf("%w: survey %d has a section without id", types.ErrMalformedPayload, s.ID)
		}
		for _, f := range sec.Fields {
			if f.ID <= 0 {
				return fmt.Errorf("%w: section %d has a field without id", types.ErrMalformedPayload, sec.ID)
			}
			if f.Type.Name == "" {
				return fmt.Errorf("%w: field %d has no field_type", types.ErrMalformedPayload, f.ID)
			}
		}
	}
	return nil
}

// Write encodes surveys as consecutive YAML documents.
func Write(w io.Writer, surveys ...*types.Survey) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, s := range surveys {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encode survey %d: %w", s.ID, err)
		}
	}
	return enc.Close()
}

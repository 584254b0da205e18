package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Validate checks the plan can start a workout
func (p Plan) Validate() error {
	if len(p.Exercises) == 0 {
		return errors.New("plan has no exercises")
	}
	for i, ex := range p.Exercises {
		if ex.Name == "" {
			return fmt.Errorf("exercise %d has no name", i+1)
		}
		for j, s := range ex.Sets {
			if s.TargetReps < 0 || s.Weight < 0 {
				return fmt.Errorf("exercise %q set %d: negative target", ex.Name, j+1)
			}
		}
	}
	return nil
}

// ParsePlan decodes a YAML plan. Unknown keys are rejected.
func ParsePlan(r io.Reader) (Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Plan{}, errors.New("plan: empty document")
		}
		return Plan{}, fmt.Errorf("plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, fmt.Errorf("plan %q: %w", p.ID, err)
	}
	return p, nil
}

func LoadPlanFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	return ParsePlan(bytes.NewReader(data))
}

// MarshalPlan renders a plan as YAML
func MarshalPlan(p Plan) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

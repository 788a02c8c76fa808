/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package schema

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/recordlayer-go/recordlayer/pkg/recordlayer/rlerrors"
	"github.com/recordlayer-go/recordlayer/pkg/utils/logging"
)

// ValidationMode selects how strictly the Validator treats unsafe schema
// changes.
type ValidationMode int

const (
	// ModeStrict rejects every unsafe change outright.
	ModeStrict ValidationMode = iota
	// ModePermissive logs a warning instead of rejecting, for development.
	ModePermissive
)

// Config configures a Validator.
type Config struct {
	Mode ValidationMode `json:"mode"`
}

// DefaultConfig returns the strict-mode default.
func DefaultConfig() Config {
	return Config{Mode: ModeStrict}
}

// Validator compares an old, persisted schema against a newly-proposed
// one and decides whether the transition is safe.
type Validator struct {
	cfg Config
}

// NewValidator builds a Validator from cfg.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Violation names one specific unsafe change the validator found.
type Violation struct {
	RecordType string
	Detail     string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.RecordType, v.Detail)
}

// Validate compares oldSchema to newSchema. In ModeStrict it returns an
// error wrapping rlerrors.ErrSchemaEvolutionRefused (via the caller, which
// should check len(violations)>0) when any Violation is found; in
// ModePermissive it logs every violation via klog and returns no error.
// Adding record types, adding fields with new wire numbers, adding
// indexes, and adding enum values (not modeled here) are always safe and
// never appear as violations.
func (val *Validator) Validate(old, next *Schema) ([]Violation, error) {
	var violations []Violation

	for _, name := range old.RecordTypeNames() {
		oldType, _ := old.RecordType(name)
		newType, stillExists := next.RecordType(name)
		if !stillExists {
			violations = append(violations, Violation{RecordType: name, Detail: "record type deleted"})
			continue
		}

		for _, oldField := range oldType.Fields {
			newField, ok := newType.FieldByName(oldField.Name)
			switch {
			case !ok:
				violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("field %q deleted", oldField.Name)})
			case newField.Number != oldField.Number:
				violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("field %q changed wire number", oldField.Name)})
			case newField.Wire != oldField.Wire:
				violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("field %q changed wire type", oldField.Name)})
			}
		}

		newFormer := make(map[string]bool)
		for _, fi := range next.FormerIndexes(name) {
			newFormer[fi.IndexName] = true
		}
		for _, oldIdx := range oldType.Indexes {
			newIdx, ok := newType.IndexByName(oldIdx.Name)
			if !ok {
				if !newFormer[oldIdx.Name] {
					violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("index %q deleted without a FormerIndex tombstone", oldIdx.Name)})
				}
				continue
			}
			if newIdx.Kind != oldIdx.Kind {
				violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("index %q changed kind", oldIdx.Name)})
			}
			if !stringsEqual(newIdx.KeyExpression, oldIdx.KeyExpression) || newIdx.GroupingLen != oldIdx.GroupingLen {
				violations = append(violations, Violation{RecordType: name, Detail: fmt.Sprintf("index %q changed key shape", oldIdx.Name)})
			}
		}
	}

	if len(violations) == 0 {
		return nil, nil
	}

	log := klog.Background().WithName("schema-evolution")
	for _, v := range violations {
		log.V(logging.DEBUG).Info("schema evolution violation", "recordType", v.RecordType, "detail", v.Detail)
	}

	if val.cfg.Mode == ModePermissive {
		return violations, nil
	}
	return violations, fmt.Errorf("recordlayer/schema: %d unsafe change(s), e.g. %s: %w", len(violations), violations[0], rlerrors.ErrSchemaEvolutionRefused)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Load-time error taxonomy. Each error carries a stable machine code used by
// the CLI and the API error envelope.

type InvalidConfigError struct {
	Err error
}

func (e *InvalidConfigError) Error() string { return "invalid config: " + e.Err.Error() }
func (e *InvalidConfigError) Unwrap() error { return e.Err }
func (e *InvalidConfigError) Code() string  { return "invalid_config" }

type DuplicateJobError struct {
	Name string
}

func (e *DuplicateJobError) Error() string { return fmt.Sprintf("duplicate job %s", e.Name) }
func (e *DuplicateJobError) Code() string  { return "duplicate_job" }

type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string { return fmt.Sprintf("unknown job %s", e.Name) }
func (e *UnknownJobError) Code() string  { return "unknown_job" }

type UnknownTemplateError struct {
	Name string
}

func (e *UnknownTemplateError) Error() string { return fmt.Sprintf("unknown template %s", e.Name) }
func (e *UnknownTemplateError) Code() string  { return "unknown_template" }

type UnknownProjectError struct {
	Name string
}

func (e *UnknownProjectError) Error() string { return fmt.Sprintf("unknown project %s", e.Name) }
func (e *UnknownProjectError) Code() string  { return "unknown_project" }

type CyclicInheritanceError struct {
	Cycle []string
}

func (e *CyclicInheritanceError) Error() string {
	return fmt.Sprintf("cyclic job inheritance: %s", strings.Join(e.Cycle, " -> "))
}
func (e *CyclicInheritanceError) Code() string { return "cyclic_inheritance" }

// Code extracts the taxonomy code from err, preferring the specific cause an
// InvalidConfigError wraps. Errors outside the taxonomy report as
// invalid_config, since they can only arise while loading.
func Code(err error) string {
	var inv *InvalidConfigError
	if errors.As(err, &inv) {
		var coded interface{ Code() string }
		if errors.As(inv.Err, &coded) {
			return coded.Code()
		}
		return inv.Code()
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "invalid_config"
}

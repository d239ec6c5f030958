package schema

import (
	"fmt"
	"strconv"
	"strings"
)

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one authoring problem. Path is a dotted location in the
// template document such as "tasks[2].action_config.to"; Task is the task
// index when the path points inside a task.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Task     *int               `json:"task,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues found while authoring a template.
// Warnings never block activation.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message, SeverityError))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message, SeverityWarning))
}

func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// TaskErrors groups errors by task index. Template-level errors are keyed -1.
func (r *ValidationResult) TaskErrors() map[int][]ValidationIssue {
	out := make(map[int][]ValidationIssue)
	for _, issue := range r.Errors {
		idx := -1
		if issue.Task != nil {
			idx = *issue.Task
		}
		out[idx] = append(out[idx], issue)
	}
	return out
}

// ToError returns nil when valid. When every error carries the same code
// (for example CONFIGURATION for unknown action types) that code is kept;
// mixed results surface as VALIDATION.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	code := r.Errors[0].Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			code = ErrCodeValidation
			break
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("template has %d errors; first: %s", len(r.Errors), r.Errors[0].Message)
	}

	return NewError(code, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

func newIssue(path, code, message string, sev ValidationSeverity) ValidationIssue {
	issue := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if idx, ok := taskIndex(path); ok {
		issue.Task = &idx
	}
	return issue
}

// taskIndex extracts N from paths starting with "tasks[N]".
func taskIndex(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, "tasks[")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "]")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(num)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

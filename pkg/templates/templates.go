// Package templates instantiates concrete tasks from a types.TaskTemplate,
// resolving "{{name}}" tokens against supplied or default variable values.
//
// A two-pass scan-then-render approach with its own small error taxonomy,
// checked with IsKind. No templating library turned up that rejects
// references to undeclared variables the way this package must
// (text/template silently treats an unknown field access as a runtime
// error only at execute time, and has no notion of "declared but
// unused"), so the scanner here is hand-rolled rather than built on a
// dependency.
package templates

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wobcom/vicky/pkg/types"
)

// ErrorKind classifies a TemplateError for the HTTP API's status mapping.
type ErrorKind string

const (
	ErrEmptyName            ErrorKind = "empty_name"
	ErrEmptyVariableName    ErrorKind = "empty_variable_name"
	ErrDuplicateVariable    ErrorKind = "duplicate_variable"
	ErrUnclosedVariableMarker ErrorKind = "unclosed_variable_marker"
	ErrEmptyVariableMarker  ErrorKind = "empty_variable_marker"
	ErrUndeclaredVariable   ErrorKind = "undeclared_variable"
	ErrMissingVariable      ErrorKind = "missing_variable"
	ErrUnknownVariable      ErrorKind = "unknown_variable"
	ErrConflictingLocks     ErrorKind = "conflicting_locks"
)

// TemplateError is returned by Validate and Instantiate. Detail names the
// offending variable or token where relevant; it is empty for
// ErrEmptyName and ErrConflictingLocks.
type TemplateError struct {
	Kind   ErrorKind
	Detail string
}

func (e *TemplateError) Error() string {
	switch e.Kind {
	case ErrEmptyName:
		return "template name must not be empty"
	case ErrEmptyVariableName:
		return "template variable name must not be empty"
	case ErrDuplicateVariable:
		return fmt.Sprintf("duplicate template variable: %s", e.Detail)
	case ErrUnclosedVariableMarker:
		return "unclosed variable marker in template value"
	case ErrEmptyVariableMarker:
		return "empty variable marker in template value"
	case ErrUndeclaredVariable:
		return fmt.Sprintf("template references undeclared variable: %s", e.Detail)
	case ErrMissingVariable:
		return fmt.Sprintf("missing required variable value: %s", e.Detail)
	case ErrUnknownVariable:
		return fmt.Sprintf("unknown variable provided: %s", e.Detail)
	case ErrConflictingLocks:
		return "rendered template contains conflicting locks"
	default:
		return "invalid template"
	}
}

func newErr(kind ErrorKind, detail string) *TemplateError {
	return &TemplateError{Kind: kind, Detail: detail}
}

// parseTemplateTokens scans template for every "{{token}}" occurrence and
// returns the trimmed token text, in order of appearance.
func parseTemplateTokens(template string) ([]string, error) {
	var tokens []string
	rest := template

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		afterStart := rest[start+2:]
		end := strings.Index(afterStart, "}}")
		if end < 0 {
			return nil, newErr(ErrUnclosedVariableMarker, "")
		}
		token := strings.TrimSpace(afterStart[:end])
		if token == "" {
			return nil, newErr(ErrEmptyVariableMarker, "")
		}
		tokens = append(tokens, token)
		rest = afterStart[end+2:]
	}
	return tokens, nil
}

func ensureDeclaredTokens(template string, declared map[string]struct{}) error {
	tokens, err := parseTemplateTokens(template)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if _, ok := declared[token]; !ok {
			return newErr(ErrUndeclaredVariable, token)
		}
	}
	return nil
}

func renderTemplate(template string, declared map[string]struct{}, resolved map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))
	rest := template

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])

		afterStart := rest[start+2:]
		end := strings.Index(afterStart, "}}")
		if end < 0 {
			return "", newErr(ErrUnclosedVariableMarker, "")
		}
		token := strings.TrimSpace(afterStart[:end])
		if token == "" {
			return "", newErr(ErrEmptyVariableMarker, "")
		}
		if _, ok := declared[token]; !ok {
			return "", newErr(ErrUndeclaredVariable, token)
		}
		value, ok := resolved[token]
		if !ok {
			return "", newErr(ErrMissingVariable, token)
		}
		out.WriteString(value)
		rest = afterStart[end+2:]
	}
	return out.String(), nil
}

// Validate checks that tmpl's name and variable declarations are
// well-formed and that every templated field references only declared
// variables. It does not require variable values to be supplied —
// Instantiate does that.
func Validate(tmpl types.TaskTemplate) error {
	if strings.TrimSpace(tmpl.Name) == "" {
		return newErr(ErrEmptyName, "")
	}

	declared := make(map[string]struct{}, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return newErr(ErrEmptyVariableName, "")
		}
		if _, ok := declared[name]; ok {
			return newErr(ErrDuplicateVariable, name)
		}
		declared[name] = struct{}{}
	}

	if err := ensureDeclaredTokens(tmpl.DisplayNameTemplate, declared); err != nil {
		return err
	}
	if err := ensureDeclaredTokens(tmpl.FlakeRefTemplate.Flake, declared); err != nil {
		return err
	}
	for _, arg := range tmpl.FlakeRefTemplate.Args {
		if err := ensureDeclaredTokens(arg, declared); err != nil {
			return err
		}
	}
	for _, lock := range tmpl.Locks {
		if err := ensureDeclaredTokens(lock.NameTemplate, declared); err != nil {
			return err
		}
	}
	if tmpl.GroupTemplate != "" {
		if err := ensureDeclaredTokens(tmpl.GroupTemplate, declared); err != nil {
			return err
		}
	}
	return nil
}

// Instantiate validates tmpl, resolves every declared variable from
// variables (falling back to its default, erroring if neither is present),
// rejects any supplied variable tmpl never declared, renders every
// templated field, and returns the resulting Task. needsConfirmation
// selects TaskNeedsUserValidation over TaskNew as the initial status.
func Instantiate(tmpl types.TaskTemplate, variables map[string]string, needsConfirmation bool) (*types.Task, error) {
	if err := Validate(tmpl); err != nil {
		return nil, err
	}

	declared := make(map[string]struct{}, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		declared[v.Name] = struct{}{}
	}

	remaining := make(map[string]string, len(variables))
	for k, v := range variables {
		remaining[k] = v
	}
	for key := range remaining {
		if _, ok := declared[key]; !ok {
			return nil, newErr(ErrUnknownVariable, key)
		}
	}

	resolved := make(map[string]string, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		if value, ok := remaining[v.Name]; ok {
			resolved[v.Name] = value
			continue
		}
		if v.Default != nil {
			resolved[v.Name] = *v.Default
			continue
		}
		return nil, newErr(ErrMissingVariable, v.Name)
	}

	displayName, err := renderTemplate(tmpl.DisplayNameTemplate, declared, resolved)
	if err != nil {
		return nil, err
	}
	flake, err := renderTemplate(tmpl.FlakeRefTemplate.Flake, declared, resolved)
	if err != nil {
		return nil, err
	}

	flakeArgs := make([]string, len(tmpl.FlakeRefTemplate.Args))
	for i, arg := range tmpl.FlakeRefTemplate.Args {
		rendered, err := renderTemplate(arg, declared, resolved)
		if err != nil {
			return nil, err
		}
		flakeArgs[i] = rendered
	}

	locks := make([]types.Lock, len(tmpl.Locks))
	for i, lockTmpl := range tmpl.Locks {
		name, err := renderTemplate(lockTmpl.NameTemplate, declared, resolved)
		if err != nil {
			return nil, err
		}
		locks[i] = types.Lock{Name: name, Kind: lockTmpl.Kind}
	}

	var group string
	if tmpl.GroupTemplate != "" {
		group, err = renderTemplate(tmpl.GroupTemplate, declared, resolved)
		if err != nil {
			return nil, err
		}
	}

	status := types.TaskNew
	if needsConfirmation {
		status = types.TaskNeedsUserValidation
	}

	task := types.Task{
		DisplayName: displayName,
		Status:      status,
		Locks:       locks,
		FlakeRef:    types.FlakeRef{Flake: flake, Args: flakeArgs},
		Features:    append([]string(nil), tmpl.Features...),
		Group:       group,
	}
	if task.ConflictingLocks() {
		return nil, newErr(ErrConflictingLocks, "")
	}
	return &task, nil
}

// IsKind reports whether err is a *TemplateError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TemplateError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

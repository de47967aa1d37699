// Package errors provides structured error types for pitboss.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for pitboss.
const (
	// Initialization errors
	CodeNotInitialized     Code = "PITBOSS_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "PITBOSS_ALREADY_INITIALIZED"

	// Stage errors
	CodeStageNotFound  Code = "STAGE_NOT_FOUND"
	CodeStageLocked    Code = "STAGE_LOCKED"
	CodeStageMalformed Code = "STAGE_MALFORMED"

	// Orchestrator errors
	CodeOrchestratorRunning Code = "ORCHESTRATOR_RUNNING"
	CodeClaudeUnavailable   Code = "CLAUDE_UNAVAILABLE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Git errors
	CodeGitDirty         Code = "GIT_DIRTY"
	CodeWorktreeConflict Code = "WORKTREE_CONFLICT"

	// Code host errors
	CodeHostUnavailable Code = "HOST_UNAVAILABLE"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeNotInitialized:      CategoryBadRequest,
	CodeAlreadyInitialized:  CategoryConflict,
	CodeStageNotFound:       CategoryNotFound,
	CodeStageLocked:         CategoryConflict,
	CodeStageMalformed:      CategoryBadRequest,
	CodeOrchestratorRunning: CategoryConflict,
	CodeClaudeUnavailable:   CategoryUnavailable,
	CodeConfigInvalid:       CategoryBadRequest,
	CodeConfigMissing:       CategoryBadRequest,
	CodeGitDirty:            CategoryBadRequest,
	CodeWorktreeConflict:    CategoryConflict,
	CodeHostUnavailable:     CategoryUnavailable,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// PitbossError is the structured error type for pitboss.
type PitbossError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *PitbossError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *PitbossError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *PitbossError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *PitbossError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *PitbossError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *PitbossError) MarshalJSON() ([]byte, error) {
	type alias PitbossError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a PitbossError with the same code.
func (e *PitbossError) Is(target error) bool {
	t, ok := target.(*PitbossError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *PitbossError) WithCause(err error) *PitbossError {
	return &PitbossError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for a repo without a board.
func ErrNotInitialized() *PitbossError {
	return &PitbossError{
		Code:    CodeNotInitialized,
		What:    "pitboss is not initialized in this repository",
		Why:     "No .pitboss/ directory found in the current path or its parents",
		Fix:     "Run 'pitboss init' to set up the board in this repository",
		DocsURL: "https://github.com/pitboss-dev/pitboss#quick-start",
	}
}

// ErrAlreadyInitialized returns an error when the board already exists.
func ErrAlreadyInitialized(path string) *PitbossError {
	return &PitbossError{
		Code:    CodeAlreadyInitialized,
		What:    "pitboss is already initialized",
		Why:     fmt.Sprintf("Found existing .pitboss/ directory at %s", path),
		Fix:     "Use 'pitboss init --force' to reinitialize, or remove .pitboss/ manually",
		DocsURL: "https://github.com/pitboss-dev/pitboss#initialization",
	}
}

// ErrStageNotFound returns an error when a stage doesn't exist.
func ErrStageNotFound(id string) *PitbossError {
	return &PitbossError{
		Code:    CodeStageNotFound,
		What:    fmt.Sprintf("stage %s not found", id),
		Why:     "No stage file with this ID exists on the board",
		Fix:     "Run 'pitboss status' to list known stages, or 'pitboss sync' to rescan the repo",
		DocsURL: "https://github.com/pitboss-dev/pitboss#work-items",
	}
}

// ErrStageLocked returns an error when a stage has an active session.
func ErrStageLocked(id string) *PitbossError {
	return &PitbossError{
		Code:    CodeStageLocked,
		What:    fmt.Sprintf("stage %s has an active session", id),
		Why:     "Another worker holds this stage's lock (session_active is set)",
		Fix:     "Wait for the session to finish, or clear session_active in the stage file if it crashed",
		DocsURL: "https://github.com/pitboss-dev/pitboss#locking",
	}
}

// ErrStageMalformed returns an error for an unparseable stage file.
func ErrStageMalformed(path, reason string) *PitbossError {
	return &PitbossError{
		Code:    CodeStageMalformed,
		What:    fmt.Sprintf("stage file %s is malformed", path),
		Why:     reason,
		Fix:     "Fix the YAML frontmatter; required keys are id, ticket, epic, title and status",
		DocsURL: "https://github.com/pitboss-dev/pitboss#work-items",
	}
}

// ErrOrchestratorRunning returns an error when start is called twice.
func ErrOrchestratorRunning() *PitbossError {
	return &PitbossError{
		Code:    CodeOrchestratorRunning,
		What:    "orchestrator is already running",
		Why:     "start was called while a previous run is still active",
		Fix:     "Stop the running orchestrator first, or wait for it to terminate",
		DocsURL: "https://github.com/pitboss-dev/pitboss#running",
	}
}

// ErrClaudeUnavailable returns an error when the claude CLI is not accessible.
func ErrClaudeUnavailable() *PitbossError {
	return &PitbossError{
		Code:    CodeClaudeUnavailable,
		What:    "claude CLI is not available",
		Why:     "Could not find or execute the 'claude' command",
		Fix:     "Install the claude CLI and make sure it is on PATH, or set scheduler.claude_binary",
		DocsURL: "https://github.com/pitboss-dev/pitboss#requirements",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *PitbossError {
	return &PitbossError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Check .pitboss/workflow.yaml and fix the invalid field",
		DocsURL: "https://github.com/pitboss-dev/pitboss#configuration",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *PitbossError {
	return &PitbossError{
		Code:    CodeConfigMissing,
		What:    fmt.Sprintf("missing required configuration: %s", field),
		Why:     "This field is required but not set in configuration",
		Fix:     fmt.Sprintf("Add '%s' to .pitboss/workflow.yaml", field),
		DocsURL: "https://github.com/pitboss-dev/pitboss#configuration",
	}
}

// ErrGitDirty returns an error when the working tree has uncommitted changes.
func ErrGitDirty() *PitbossError {
	return &PitbossError{
		Code:    CodeGitDirty,
		What:    "working directory has uncommitted changes",
		Why:     "Cannot validate worktree isolation with uncommitted changes present",
		Fix:     "Commit or stash your changes before starting the orchestrator",
		DocsURL: "https://github.com/pitboss-dev/pitboss#git-integration",
	}
}

// ErrWorktreeConflict returns an error when a worktree cannot be created.
func ErrWorktreeConflict(path, reason string) *PitbossError {
	return &PitbossError{
		Code:    CodeWorktreeConflict,
		What:    fmt.Sprintf("cannot create worktree at %s", path),
		Why:     reason,
		Fix:     "Run 'git worktree prune' and remove stale .worktrees/ entries, then retry",
		DocsURL: "https://github.com/pitboss-dev/pitboss#worktrees",
	}
}

// ErrHostUnavailable returns an error when the code host cannot be reached.
func ErrHostUnavailable(reason string) *PitbossError {
	return &PitbossError{
		Code:    CodeHostUnavailable,
		What:    "code host is unavailable",
		Why:     reason,
		Fix:     "Check network access and the configured token (GITHUB_TOKEN or GITLAB_TOKEN)",
		DocsURL: "https://github.com/pitboss-dev/pitboss#code-hosts",
	}
}

// AsPitbossError attempts to convert an error to a PitbossError.
// Returns nil if the error is not a PitbossError.
func AsPitbossError(err error) *PitbossError {
	var pbErr *PitbossError
	if As(err, &pbErr) {
		return pbErr
	}
	return nil
}

// As is a convenience wrapper with errors.As behavior; this package
// shadows the stdlib errors package, so callers get it from here.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if pbErr, ok := err.(*PitbossError); ok {
		if t, ok := target.(**PitbossError); ok {
			*t = pbErr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a PitbossError with unknown code.
func Wrap(err error, what string) *PitbossError {
	return &PitbossError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}

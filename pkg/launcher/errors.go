package launcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// LauncherError represents an error with additional context for troubleshooting.
type LauncherError struct {
	// Code identifies the error type
	Code ErrorCode

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// ErrorCode identifies categories of errors
type ErrorCode string

const (
	// Resource errors
	ErrorCodeNoPortAvailable ErrorCode = "NO_PORT_AVAILABLE"

	// Spawn errors
	ErrorCodeTemplatePrepareFailed ErrorCode = "TEMPLATE_PREPARE_FAILED"
	ErrorCodeInvalidTemplate       ErrorCode = "INVALID_TEMPLATE"
	ErrorCodeSpawnFailed           ErrorCode = "SPAWN_FAILED"

	// Project lifecycle errors
	ErrorCodeProjectNotFound        ErrorCode = "PROJECT_NOT_FOUND"
	ErrorCodeProjectExists          ErrorCode = "PROJECT_EXISTS"
	ErrorCodeProcessKillFailed      ErrorCode = "PROCESS_KILL_FAILED"
	ErrorCodeDirectoryCleanupFailed ErrorCode = "DIRECTORY_CLEANUP_FAILED"

	// Request errors
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// Internal errors
	ErrorCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error implements the error interface
func (e *LauncherError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *LauncherError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LauncherError with the given code and message
func NewError(code ErrorCode, message string) *LauncherError {
	return &LauncherError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *LauncherError) WithContext(key string, value interface{}) *LauncherError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *LauncherError) WithCause(cause error) *LauncherError {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *LauncherError) WithSuggestion(suggestion string) *LauncherError {
	e.Suggestion = suggestion
	return e
}

// Common error constructors with helpful suggestions

// ErrNoPortAvailable creates an error for an exhausted port scan window
func ErrNoPortAvailable(base, window int) *LauncherError {
	return NewError(ErrorCodeNoPortAvailable,
		fmt.Sprintf("No free TCP port in range %d-%d", base, base+window-1)).
		WithContext("base_port", base).
		WithContext("window", window).
		WithSuggestion(fmt.Sprintf(
			"Free some ports or widen the scan window:\n"+
				"  lsof -iTCP:%d-%d -sTCP:LISTEN\n"+
				"  zenbu-daemon serve --port-window %d",
			base, base+window-1, window*2))
}

// ErrTemplateNotFound creates an error for an unknown project template
func ErrTemplateNotFound(templateName, templatesDir string) *LauncherError {
	return NewError(ErrorCodeTemplatePrepareFailed,
		fmt.Sprintf("Template '%s' not found", templateName)).
		WithContext("template", templateName).
		WithContext("templates_dir", templatesDir).
		WithSuggestion(fmt.Sprintf(
			"Verify template exists: ls -la %s/%s/template.yaml",
			templatesDir, templateName))
}

// ErrInvalidTemplate creates an error for invalid template manifests
func ErrInvalidTemplate(templateName string, cause error) *LauncherError {
	return NewError(ErrorCodeInvalidTemplate,
		fmt.Sprintf("Template '%s' has invalid manifest", templateName)).
		WithContext("template", templateName).
		WithCause(cause).
		WithSuggestion(
			"Check template.yaml syntax and ensure all required fields are present:\n" +
				"  - name\n" +
				"  - command")
}

// ErrTemplatePrepare creates an error for a failed template copy or extraction
func ErrTemplatePrepare(templateName, dir string, cause error) *LauncherError {
	return NewError(ErrorCodeTemplatePrepareFailed,
		fmt.Sprintf("Failed to prepare template '%s'", templateName)).
		WithContext("template", templateName).
		WithContext("dir", dir).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Template source missing or unreadable\n" +
				"  2. Unsupported or corrupt archive\n" +
				"  3. Projects directory not writable")
}

// ErrSpawnFailed creates an error for dev-server start failures
func ErrSpawnFailed(templateName string, port int, cause error) *LauncherError {
	return NewError(ErrorCodeSpawnFailed,
		fmt.Sprintf("Failed to start dev server from template '%s'", templateName)).
		WithContext("template", templateName).
		WithContext("port", port).
		WithCause(cause).
		WithSuggestion(
			"Common causes:\n" +
				"  1. Executable not found on PATH\n" +
				"  2. Dependencies not installed in the template\n" +
				"  3. Port already in use\n" +
				"  4. Dev server did not listen before ready_timeout")
}

// ErrProjectNotFound creates an error for an unknown project name
func ErrProjectNotFound(name string) *LauncherError {
	return NewError(ErrorCodeProjectNotFound,
		fmt.Sprintf("Project '%s' not found", name)).
		WithContext("name", name).
		WithSuggestion("List projects: curl http://127.0.0.1:7777/projects")
}

// ErrProjectExists creates an error for a duplicate project name
func ErrProjectExists(name string) *LauncherError {
	return NewError(ErrorCodeProjectExists,
		fmt.Sprintf("Project '%s' already exists", name)).
		WithContext("name", name)
}

// ErrInvalidRequest creates an error for a rejected caller input
func ErrInvalidRequest(field string, value interface{}, reason string) *LauncherError {
	return NewError(ErrorCodeInvalidRequest,
		fmt.Sprintf("Invalid %s: %s", field, reason)).
		WithContext("field", field).
		WithContext("value", value)
}

// ErrProcessKill creates an error for process termination failures
func ErrProcessKill(name string, pid int, cause error) *LauncherError {
	return NewError(ErrorCodeProcessKillFailed,
		fmt.Sprintf("Failed to terminate process for '%s'", name)).
		WithContext("name", name).
		WithContext("pid", pid).
		WithCause(cause).
		WithSuggestion(fmt.Sprintf(
			"Try force termination:\n"+
				"  kill -9 -%d\n"+
				"If process is stuck, check for zombie processes", pid))
}

// ErrDirectoryCleanup creates an error for a project directory that could not be removed
func ErrDirectoryCleanup(dir string, cause error) *LauncherError {
	return NewError(ErrorCodeDirectoryCleanupFailed,
		fmt.Sprintf("Failed to remove project directory '%s'", dir)).
		WithContext("dir", dir).
		WithCause(cause).
		WithSuggestion("The directory is queued for removal; run: zenbu-daemon sweep")
}

// IsErrorCode checks if an error has the specified error code
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode returns the error code from an error, or empty string if not a LauncherError
func GetErrorCode(err error) ErrorCode {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Code
	}
	return ""
}

// GetSuggestion returns the suggestion from an error, or empty string if not available
func GetSuggestion(err error) string {
	var launcherErr *LauncherError
	if errors.As(err, &launcherErr) {
		return launcherErr.Suggestion
	}
	return ""
}

package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, enumerated failure identifier. Codes survive
// wrapping and cross the CLI boundary unchanged.
type ErrorCode string

const (
	// Gate failures.
	ErrProjectNotFound    ErrorCode = "PROJECT_NOT_FOUND"
	ErrProjectPaused      ErrorCode = "PROJECT_PAUSED"
	ErrProjectExists      ErrorCode = "PROJECT_EXISTS"
	ErrInvalidProjectName ErrorCode = "INVALID_PROJECT_NAME"
	ErrPortExhausted      ErrorCode = "PORT_EXHAUSTED"

	// Release and rollback.
	ErrReleaseNotFound    ErrorCode = "RELEASE_NOT_FOUND"
	ErrReleasePathMissing ErrorCode = "RELEASE_PATH_MISSING"
	ErrAlreadyCurrent     ErrorCode = "ALREADY_CURRENT"
	ErrNoPreviousRelease  ErrorCode = "NO_PREVIOUS_RELEASE"
	ErrActivateFailed     ErrorCode = "ACTIVATE_FAILED"

	// Deploy.
	ErrDeployFailed   ErrorCode = "DEPLOY_FAILED"
	ErrSourceNotFound ErrorCode = "SOURCE_NOT_FOUND"
	ErrInvalidGitURL  ErrorCode = "INVALID_GIT_URL"
	ErrBuildFailed    ErrorCode = "BUILD_FAILED"
	ErrInstallFailed  ErrorCode = "INSTALL_FAILED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"

	// Checkpoint.
	ErrCheckpointFailed   ErrorCode = "CHECKPOINT_FAILED"
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrCheckpointMismatch ErrorCode = "CHECKPOINT_MISMATCH"
	ErrBackupFileMissing  ErrorCode = "BACKUP_FILE_MISSING"
	ErrRestoreFailed      ErrorCode = "RESTORE_FAILED"
	ErrCommandNotFound    ErrorCode = "COMMAND_NOT_FOUND"

	// Supervisor.
	ErrServiceNotFound    ErrorCode = "SERVICE_NOT_FOUND"
	ErrServiceStartFailed ErrorCode = "SERVICE_START_FAILED"
	ErrSystemd            ErrorCode = "SYSTEMD_ERROR"

	// Config and input.
	ErrInvalidDuration ErrorCode = "INVALID_DURATION"
	ErrInvalidSize     ErrorCode = "INVALID_SIZE"
	ErrInvalidKey      ErrorCode = "INVALID_KEY"
	ErrInvalidSnapshot ErrorCode = "INVALID_SNAPSHOT"
	ErrInvalidCron     ErrorCode = "INVALID_CRON_EXPRESSION"

	// Provisioning.
	ErrProvisionFailed ErrorCode = "PROVISION_FAILED"
	ErrDatabaseFailed  ErrorCode = "DATABASE_FAILED"

	// Infrastructure.
	ErrDNSResolution     ErrorCode = "DNS_RESOLUTION_FAILED"
	ErrDNSMismatch       ErrorCode = "DNS_MISMATCH"
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCooldownActive    ErrorCode = "COOLDOWN_ACTIVE"
)

// Error is the typed failure value every service operation returns on the
// error path.
type Error struct {
	Code       ErrorCode
	Message    string
	Suggestion string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E constructs a typed error.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a typed error with an underlying cause.
func Wrap(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithSuggestion attaches a remediation hint and returns the same error.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// CodeOf extracts the error code from err, unwrapping as needed. Untyped
// errors report an empty code.
func CodeOf(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// SuggestionOf extracts the remediation hint from err, if any.
func SuggestionOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Suggestion
	}
	return ""
}

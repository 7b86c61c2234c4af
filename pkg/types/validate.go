package types

import (
	"regexp"
)

var (
	// Project names: lowercase, 3-32 chars, starts with a letter,
	// alphanumeric plus hyphen.
	projectNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{2,31}$`)

	// Task/worker names: lowercase, digits, hyphen, max 50, starts with
	// a letter.
	taskNameRe = regexp.MustCompile(`^[a-z][a-z0-9-]{0,49}$`)

	// Env keys: shell-identifier shaped.
	envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateProjectName checks the project naming rule and returns a typed
// error on violation.
func ValidateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return E(ErrInvalidProjectName,
			"invalid project name %q: must be 3-32 lowercase alphanumeric/hyphen characters starting with a letter", name).
			WithSuggestion("rename the project, e.g. 'my-app'")
	}
	return nil
}

// ValidateTaskName checks scheduled-task and worker naming.
func ValidateTaskName(name string) error {
	if !taskNameRe.MatchString(name) {
		return E(ErrInvalidKey,
			"invalid task name %q: must be lowercase alphanumeric/hyphen, max 50 characters, starting with a letter", name)
	}
	return nil
}

// ValidEnvKey reports whether k is a legal env-file key.
func ValidEnvKey(k string) bool {
	return envKeyRe.MatchString(k)
}

package config

import (
	"fmt"
	"strings"
)

// ConfigError is a configuration problem with an actionable hint.
//
//nolint:revive // exported name reads better at call sites than config.Error
type ConfigError struct {
	Category string // "missing", "invalid" or "load"
	Field    string // dotted config path, e.g. "broker.url"
	Message  string
	Action   string
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, 4)
	if e.Category != "" {
		parts = append(parts, "config_"+e.Category+":")
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Action != "" {
		parts = append(parts, "("+e.Action+")")
	}
	return strings.Join(parts, " ")
}

// NewMissingFieldError reports a required key that was not set.
func NewMissingFieldError(field string) *ConfigError {
	return &ConfigError{
		Category: "missing",
		Field:    field,
		Message:  "required",
		Action:   fmt.Sprintf("set %s or add %s to the config file", EnvVarFor(field), field),
	}
}

// NewInvalidFieldError reports a value that failed validation.
func NewInvalidFieldError(field, message string) *ConfigError {
	return &ConfigError{Category: "invalid", Field: field, Message: message}
}

// EnvVarFor returns the environment variable that overrides a dotted key.
func EnvVarFor(field string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(field, ".", envDelimiter))
}

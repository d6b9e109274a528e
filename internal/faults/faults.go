// Package faults holds the error kinds shared by every stage of the loop.
// Stage code wraps these with %w so callers can classify failures with
// errors.As without caring which package produced them.
package faults

import (
	"errors"
	"fmt"
)

// ConfigError reports missing or invalid configuration. It is the only kind
// that aborts the process.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// MalformedSpecError reports a specification document that cannot be parsed.
type MalformedSpecError struct {
	Path   string
	Reason string
}

func (e *MalformedSpecError) Error() string {
	if e.Path == "" {
		return "spec: malformed: " + e.Reason
	}
	return fmt.Sprintf("spec: malformed %s: %s", e.Path, e.Reason)
}

// ServiceKind splits planning-service failures into transport and content problems.
type ServiceKind string

const (
	ServiceUnavailable ServiceKind = "unavailable"
	ServiceMalformed   ServiceKind = "malformed"
)

// ServiceError reports a failed call to the planning service.
type ServiceError struct {
	Kind     ServiceKind
	Provider string
	Err      error
}

func (e *ServiceError) Error() string {
	prefix := "planning service"
	if e.Provider != "" {
		prefix = e.Provider
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Unavailable wraps err as a transport-level planning failure.
func Unavailable(provider string, err error) error {
	return &ServiceError{Kind: ServiceUnavailable, Provider: provider, Err: err}
}

// Malformed wraps err as a planning response that failed validation.
func Malformed(provider string, err error) error {
	return &ServiceError{Kind: ServiceMalformed, Provider: provider, Err: err}
}

// ToolUnavailableError reports that the execution tool cannot be launched.
type ToolUnavailableError struct {
	Tool string
	Err  error
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("executor: tool %q unavailable: %v", e.Tool, e.Err)
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// IOError reports a filesystem failure against one of the project artifacts.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IO wraps err with the operation and path; nil stays nil.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// Fatal reports whether err must stop the process instead of being logged
// against a single specification.
func Fatal(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// Kind returns a short label for logs and API records.
func Kind(err error) string {
	var (
		cfgErr  *ConfigError
		specErr *MalformedSpecError
		svcErr  *ServiceError
		toolErr *ToolUnavailableError
		ioErr   *IOError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &specErr):
		return "malformed_spec"
	case errors.As(err, &svcErr):
		return "service_" + string(svcErr.Kind)
	case errors.As(err, &toolErr):
		return "tool_unavailable"
	case errors.As(err, &ioErr):
		return "io"
	default:
		return "error"
	}
}

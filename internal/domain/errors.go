package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the scan components.
var (
	ErrMissingAgentConfig = errors.New("missing agent config")
	ErrEngineFailure      = errors.New("engine failure")
	ErrMalformedReport    = errors.New("malformed report")
	ErrPersistence        = errors.New("persistence failure")
	ErrDelivery           = errors.New("delivery failure")
	ErrScanInProgress     = errors.New("scan already in progress")
	ErrScanCancelled      = errors.New("scan cancelled")
	ErrInvalidRequest     = errors.New("invalid request")
)

// MissingAgentConfigError names the agent slot that is not configured.
type MissingAgentConfigError struct {
	Agent string
}

func (e *MissingAgentConfigError) Error() string {
	return fmt.Sprintf("configuration for agent '%s' not found", e.Agent)
}

// Is matches ErrMissingAgentConfig.
func (e *MissingAgentConfigError) Is(target error) bool {
	return target == ErrMissingAgentConfig
}

// MalformedReportError carries the raw text that failed to parse.
type MalformedReportError struct {
	Raw string
	Err error
}

func (e *MalformedReportError) Error() string {
	if e.Err == nil {
		return ErrMalformedReport.Error()
	}
	return fmt.Sprintf("%s: %v", ErrMalformedReport, e.Err)
}

// Is matches ErrMalformedReport.
func (e *MalformedReportError) Is(target error) bool {
	return target == ErrMalformedReport
}

func (e *MalformedReportError) Unwrap() error {
	return e.Err
}

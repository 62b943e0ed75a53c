// Package adapter defines the contract every framework integration
// implements and the pieces concrete adapters share: configuration, the
// workspace lifecycle, the port guard and the deterministic HITL responder.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/spachava753/stepbench/internal/models"
)

// HealthPhase tells an adapter how deployed the framework is expected to be.
type HealthPhase int

const (
	// PhaseStartup limits the check to internal readiness: the process is
	// alive and the environment answers.
	PhaseStartup HealthPhase = iota
	// PhaseDeployed adds network probes against the framework's ports.
	PhaseDeployed
)

func (p HealthPhase) String() string {
	switch p {
	case PhaseStartup:
		return "startup"
	case PhaseDeployed:
		return "deployed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Adapter drives one external framework through a run. The Runner only
// talks to frameworks through this interface.
type Adapter interface {
	// Start prepares the workspace and launches whatever the framework
	// needs. Calling it again after success is a no-op. Failures are
	// returned as *SetupError.
	Start(ctx context.Context) error

	// ExecuteStep sends one step to the framework. A framework-reported
	// failure comes back as a result with Success=false and Error set.
	// Process crashes, timeouts and transport failures are returned as
	// *InfrastructureError.
	ExecuteStep(ctx context.Context, stepID int, command string) (models.StepResult, error)

	// HealthCheck reports whether the framework is healthy for the given
	// phase. It never panics and never returns an error.
	HealthCheck(ctx context.Context, phase HealthPhase) bool

	// HandleHITL answers a question the framework asked. The same query
	// always gets the same answer.
	HandleHITL(query string) string

	// Stop tears down processes and archives the workspace. It is safe to
	// call more than once and after a failed Start.
	Stop(ctx context.Context) error
}

// SetupError reports that Start could not prepare the framework. It is
// fatal for the run.
type SetupError struct {
	Framework string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setting up %s: %v", e.Framework, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// InfrastructureError reports that a step attempt did not produce an answer
// from the framework: the process crashed, timed out or was unreachable.
type InfrastructureError struct {
	Timeout bool
	Err     error
}

func (e *InfrastructureError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("step timed out: %v", e.Err)
	}
	return fmt.Sprintf("infrastructure failure: %v", e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsSetupError reports whether err wraps a *SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// AsInfrastructureError returns the *InfrastructureError wrapped by err, if any.
func AsInfrastructureError(err error) (*InfrastructureError, bool) {
	var ie *InfrastructureError
	ok := errors.As(err, &ie)
	return ie, ok
}

// RecordError converts err into the form stored on step and run records.
func RecordError(err error) *models.RecordedError {
	if err == nil {
		return nil
	}
	typ := models.ErrInternalError
	if ie, ok := AsInfrastructureError(err); ok {
		typ = models.ErrInfrastructure
		if ie.Timeout {
			typ = models.ErrStepTimeout
		}
	} else if IsSetupError(err) {
		typ = models.ErrSetupFailed
	}
	return &models.RecordedError{Type: typ, Message: err.Error()}
}

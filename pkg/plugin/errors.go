package plugin

import (
	"errors"
	"fmt"
)

// Phase names the step of a plugin operation that failed.
type Phase string

const (
	PhaseValidate   Phase = "validate"
	PhaseAnalyze    Phase = "analyze"
	PhaseLoad       Phase = "load"
	PhaseInitialize Phase = "initialize"
	PhaseRegister   Phase = "register"
	PhaseEnable     Phase = "enable"
	PhaseDisable    Phase = "disable"
	PhaseUnload     Phase = "unload"
	PhaseInstall    Phase = "install"
	PhaseUninstall  Phase = "uninstall"
)

// IsLifecycle reports whether the phase runs a plugin callback.
func (p Phase) IsLifecycle() bool {
	switch p {
	case PhaseInitialize, PhaseEnable, PhaseDisable, PhaseUnload:
		return true
	}
	return false
}

// Common errors.
var (
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrAlreadyLoaded     = errors.New("plugin already loaded")
	ErrNotLoaded         = errors.New("plugin not loaded")
	ErrNotInitialized    = errors.New("plugin not initialized")
	ErrEntryNotFound     = errors.New("entry point not registered")
	ErrSubsystemDisabled = errors.New("plugin subsystem disabled")
	ErrDependencyMissing = errors.New("dependency not satisfied")
	ErrLoadInProgress    = errors.New("plugin load already in progress")
)

// Error is the failure shape reported to the host: a plugin id, the phase
// that failed and the cause.
type Error struct {
	PluginID string
	Phase    Phase
	Err      error
}

// NewError wraps err for plugin id and phase.
func NewError(id string, phase Phase, err error) *Error {
	return &Error{PluginID: id, Phase: phase, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.PluginID, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsLifecycleError reports whether err is an Error raised by a plugin's own
// lifecycle callback.
func IsLifecycleError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Phase.IsLifecycle()
}

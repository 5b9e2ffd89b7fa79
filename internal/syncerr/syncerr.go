// Package syncerr defines the failure taxonomy shared by every stage of a sync
// and maps it onto process exit codes.
package syncerr

import (
	"errors"
	"fmt"
)

// Exit codes reported by the server-sync binary.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitMirror  = 3
	ExitDeploy  = 4
)

// ConfigError reports a missing or invalid configuration value. It is fatal
// before any stage runs.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError for key with a formatted reason.
func Configf(key, format string, args ...interface{}) error {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}

// MirrorKind classifies repository mirror failures.
type MirrorKind int

const (
	MirrorClone MirrorKind = iota
	MirrorFetch
	MirrorCheckoutMissingBranch
	MirrorCorrupt
	MirrorLocked
)

func (k MirrorKind) String() string {
	switch k {
	case MirrorClone:
		return "clone"
	case MirrorFetch:
		return "fetch"
	case MirrorCheckoutMissingBranch:
		return "missing branch"
	case MirrorCorrupt:
		return "corrupt"
	case MirrorLocked:
		return "locked"
	}
	return fmt.Sprintf("MirrorKind(%d)", int(k))
}

// MirrorError reports a failure to bring the local mirror to the remote branch head.
type MirrorError struct {
	Kind MirrorKind
	Err  error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s: %v", e.Kind, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// NewMirrorError wraps err as a MirrorError of the given kind.
func NewMirrorError(kind MirrorKind, err error) error {
	return &MirrorError{Kind: kind, Err: err}
}

// DeployKind classifies deployment failures.
type DeployKind int

const (
	DeployWrite DeployKind = iota
	DeployOwnership
	DeployRender
)

func (k DeployKind) String() string {
	switch k {
	case DeployWrite:
		return "write"
	case DeployOwnership:
		return "ownership"
	case DeployRender:
		return "render"
	}
	return fmt.Sprintf("DeployKind(%d)", int(k))
}

// DeployError reports a failure to materialize one destination path.
type DeployError struct {
	Kind DeployKind
	Path string
	Err  error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }

// NewDeployError wraps err as a DeployError of the given kind for path.
func NewDeployError(kind DeployKind, path string, err error) error {
	return &DeployError{Kind: kind, Path: path, Err: err}
}

// IsMirrorKind reports whether err carries a MirrorError of kind.
func IsMirrorKind(err error, kind MirrorKind) bool {
	var me *MirrorError
	return errors.As(err, &me) && me.Kind == kind
}

// IsDeployKind reports whether err carries a DeployError of kind.
func IsDeployKind(err error, kind DeployKind) bool {
	var de *DeployError
	return errors.As(err, &de) && de.Kind == kind
}

// ExitCode maps err onto the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var ce *ConfigError
	var me *MirrorError
	var de *DeployError
	switch {
	case errors.As(err, &ce):
		return ExitConfig
	case errors.As(err, &me):
		return ExitMirror
	case errors.As(err, &de):
		return ExitDeploy
	}
	return ExitFailure
}

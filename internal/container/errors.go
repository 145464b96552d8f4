package container

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAddressUnavailable    = errors.New("container: address unavailable")
	ErrContainerCreateFailed = errors.New("container: create failed")
	ErrDockerUnavailable     = errors.New("container: docker unavailable")
	ErrLifecycleOrder        = errors.New("container: invalid lifecycle transition")
	ErrInvalidSessionID      = errors.New("container: invalid session id")
	ErrInvalidSpec           = errors.New("container: invalid container spec")
)

// CommandError is a docker invocation that ran and exited non-zero.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("docker %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("docker %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func transitionError(name string, from, to Phase) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrLifecycleOrder, name, from, to)
}

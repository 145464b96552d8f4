package container

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/codepod/internal/observability"
	"github.com/rs/zerolog"
)

// Supervisor keeps containers idempotently running or removed.
type Supervisor struct {
	engine      Engine
	stopTimeout time.Duration
	life        *lifecycle
	log         zerolog.Logger
}

func NewSupervisor(engine Engine, stopTimeout time.Duration) *Supervisor {
	if stopTimeout < 0 {
		stopTimeout = 0
	}
	return &Supervisor{
		engine:      engine,
		stopTimeout: stopTimeout,
		life:        newLifecycle(),
		log:         observability.Component("container"),
	}
}

// Phase reports the last known lifecycle phase for name.
func (s *Supervisor) Phase(name string) Phase {
	return s.life.phase(name)
}

func (s *Supervisor) Preflight(ctx context.Context) error {
	return s.engine.Preflight(ctx)
}

// EnsureRunning returns the address of spec.Name on network, creating and
// starting the container if it is absent. A stopped container is removed
// and recreated. created reports whether this call started it.
func (s *Supervisor) EnsureRunning(ctx context.Context, spec Spec, network string) (string, bool, error) {
	if err := spec.Validate(); err != nil {
		return "", false, err
	}
	unlock := s.life.lock(spec.Name)
	defer unlock()
	log := s.log.With().Str("container", spec.Name).Str("network", network).Logger()

	st, found, err := s.engine.Inspect(ctx, spec.Name)
	s.record("inspect", err)
	if err != nil {
		return "", false, err
	}
	if found && st.Running {
		s.life.observe(spec.Name, PhaseRunning)
		addr, ok := st.Address(network)
		if !ok {
			return "", false, fmt.Errorf("%w: %s has no address on %s", ErrAddressUnavailable, spec.Name, network)
		}
		return addr, false, nil
	}
	if found {
		log.Info().Str("state", st.State).Msg("container.Supervisor removing stopped container")
		s.life.observe(spec.Name, PhaseStopping)
		err := s.engine.Remove(ctx, spec.Name)
		s.record("remove", err)
		if err != nil {
			return "", false, fmt.Errorf("%w: remove stale %s: %w", ErrContainerCreateFailed, spec.Name, err)
		}
		if err := s.life.transition(spec.Name, PhaseAbsent); err != nil {
			return "", false, err
		}
	} else {
		s.life.observe(spec.Name, PhaseAbsent)
	}

	if err := s.life.transition(spec.Name, PhaseCreating); err != nil {
		return "", false, err
	}
	if err := s.createAndStart(ctx, spec, network); err != nil {
		_ = s.life.transition(spec.Name, PhaseAbsent)
		return "", false, err
	}
	if err := s.life.transition(spec.Name, PhaseRunning); err != nil {
		return "", false, err
	}

	st, found, err = s.engine.Inspect(ctx, spec.Name)
	s.record("inspect", err)
	if err != nil {
		return "", true, fmt.Errorf("%w: %s: %w", ErrAddressUnavailable, spec.Name, err)
	}
	if !found {
		s.life.observe(spec.Name, PhaseAbsent)
		return "", true, fmt.Errorf("%w: %s vanished after start", ErrAddressUnavailable, spec.Name)
	}
	addr, ok := st.Address(network)
	if !ok {
		return "", true, fmt.Errorf("%w: %s has no address on %s", ErrAddressUnavailable, spec.Name, network)
	}
	log.Info().Str("address", addr).Msg("container.Supervisor started container")
	return addr, true, nil
}

func (s *Supervisor) createAndStart(ctx context.Context, spec Spec, network string) error {
	err := s.engine.Create(ctx, spec, network)
	s.record("create", err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrContainerCreateFailed, spec.Name, err)
	}
	err = s.engine.Start(ctx, spec.Name)
	s.record("start", err)
	if err != nil {
		if rmErr := s.engine.Remove(ctx, spec.Name); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("container", spec.Name).Msg("container.Supervisor cleanup after failed start")
		}
		return fmt.Errorf("%w: start %s: %w", ErrContainerCreateFailed, spec.Name, err)
	}
	return nil
}

// Remove stops and removes name. An absent container is not an error.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	unlock := s.life.lock(name)
	defer unlock()

	st, found, err := s.engine.Inspect(ctx, name)
	s.record("inspect", err)
	if err != nil {
		return err
	}
	if !found {
		s.life.observe(name, PhaseAbsent)
		return nil
	}

	if st.Running {
		s.life.observe(name, PhaseRunning)
		if err := s.life.transition(name, PhaseStopping); err != nil {
			return err
		}
		err := s.engine.Stop(ctx, name, s.stopTimeout)
		s.record("stop", err)
		if err != nil {
			return fmt.Errorf("container: stop %s: %w", name, err)
		}
	} else {
		s.life.observe(name, PhaseStopping)
	}

	err = s.engine.Remove(ctx, name)
	s.record("remove", err)
	if err != nil {
		return fmt.Errorf("container: remove %s: %w", name, err)
	}
	if err := s.life.transition(name, PhaseAbsent); err != nil {
		return err
	}
	s.log.Info().Str("container", name).Msg("container.Supervisor removed container")
	return nil
}

// ListActiveSessions returns the sorted session ids of running containers
// named with prefix. The session label wins over the name suffix.
func (s *Supervisor) ListActiveSessions(ctx context.Context, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = KernelPrefix
	}
	statuses, err := s.engine.List(ctx, prefix)
	s.record("list", err)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(statuses))
	for _, st := range statuses {
		if !strings.HasPrefix(st.Name, prefix) {
			continue
		}
		id := st.Labels[LabelSession]
		if id == "" {
			id = strings.TrimPrefix(st.Name, prefix)
		}
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Supervisor) record(op string, err error) {
	observability.RecordContainerOp(op, err == nil)
}

package container

import "sync"

// Phase is the supervisor's view of one container name.
type Phase string

const (
	PhaseAbsent   Phase = "absent"
	PhaseCreating Phase = "creating"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

var allowedTransitions = map[Phase][]Phase{
	PhaseAbsent:   {PhaseCreating},
	PhaseCreating: {PhaseRunning, PhaseAbsent},
	PhaseRunning:  {PhaseStopping, PhaseAbsent},
	PhaseStopping: {PhaseAbsent},
}

// lifecycle tracks phases and serializes operations per container name.
type lifecycle struct {
	mu     sync.Mutex
	phases map[string]Phase
	locks  map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		phases: make(map[string]Phase),
		locks:  make(map[string]*nameLock),
	}
}

// lock holds name exclusively until the returned func is called.
func (l *lifecycle) lock(name string) func() {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	nl.mu.Lock()
	return func() {
		nl.mu.Unlock()
		l.mu.Lock()
		nl.refs--
		if nl.refs == 0 {
			delete(l.locks, name)
		}
		l.mu.Unlock()
	}
}

func (l *lifecycle) phase(name string) Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.phases[name]; ok {
		return p
	}
	return PhaseAbsent
}

// observe records a phase seen on the engine, replacing any stale record.
func (l *lifecycle) observe(name string, p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(name, p)
}

func (l *lifecycle) transition(name string, to Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	from := PhaseAbsent
	if p, ok := l.phases[name]; ok {
		from = p
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			l.set(name, to)
			return nil
		}
	}
	return transitionError(name, from, to)
}

func (l *lifecycle) set(name string, p Phase) {
	if p == PhaseAbsent {
		delete(l.phases, name)
		return
	}
	l.phases[name] = p
}

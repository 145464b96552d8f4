package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/codepod/internal/testutil/testlog"
)

type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*Status
	calls      []string
	creates    map[string]int
	createErr  error
	startErr   error
	noAddress  bool
	nextIP     int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*Status),
		creates:    make(map[string]int),
	}
}

func (f *fakeEngine) call(op, name string) {
	f.calls = append(f.calls, op+" "+name)
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (Status, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("inspect", name)
	st, ok := f.containers[name]
	if !ok {
		return Status{}, false, nil
	}
	return *st, true, nil
}

func (f *fakeEngine) Create(_ context.Context, spec Spec, network string) error {
	time.Sleep(2 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("create", spec.Name)
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.containers[spec.Name]; ok {
		return fmt.Errorf("name %s already in use", spec.Name)
	}
	f.creates[spec.Name]++
	f.nextIP++
	st := &Status{Name: spec.Name, State: "created", Labels: spec.Labels, Networks: map[string]string{}}
	if !f.noAddress {
		st.Networks[network] = fmt.Sprintf("172.18.0.%d", f.nextIP+1)
	}
	f.containers[spec.Name] = st
	return nil
}

func (f *fakeEngine) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("start", name)
	if f.startErr != nil {
		return f.startErr
	}
	st, ok := f.containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	st.State = "running"
	st.Running = true
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("stop", name)
	if st, ok := f.containers[name]; ok {
		st.State = "exited"
		st.Running = false
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.call("remove", name)
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) List(_ context.Context, prefix string) ([]Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Status
	for name, st := range f.containers {
		if st.Running && len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *fakeEngine) Preflight(context.Context) error { return nil }

func (f *fakeEngine) put(st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[st.Name] = &st
}

func (f *fakeEngine) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func kernelSpec(session string) Spec {
	return Spec{
		Name:   KernelContainerName(session, "python", "python"),
		Image:  "codepod/python-kernel:latest",
		Labels: SessionLabels(session, "python", RoleKernel),
	}
}

func TestEnsureRunningCreatesAbsentContainer(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	sup := NewSupervisor(eng, time.Second)

	addr, created, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created || addr == "" {
		t.Fatalf("unexpected result addr=%q created=%v", addr, created)
	}
	if sup.Phase("cpkernel_s1") != PhaseRunning {
		t.Fatalf("unexpected phase: %s", sup.Phase("cpkernel_s1"))
	}

	again, created, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created || again != addr {
		t.Fatalf("expected reuse of %q, got %q created=%v", addr, again, created)
	}
	if eng.creates["cpkernel_s1"] != 1 {
		t.Fatalf("expected one create, got %d", eng.creates["cpkernel_s1"])
	}
}

func TestEnsureRunningReplacesStoppedContainer(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	eng.put(Status{Name: "cpkernel_s1", State: "exited", Networks: map[string]string{}})
	sup := NewSupervisor(eng, time.Second)

	if _, created, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod"); err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	want := []string{"inspect cpkernel_s1", "remove cpkernel_s1", "create cpkernel_s1", "start cpkernel_s1", "inspect cpkernel_s1"}
	got := eng.history()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected call order:\n got=%v\nwant=%v", got, want)
	}
}

func TestEnsureRunningAddressUnavailable(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	eng.noAddress = true
	sup := NewSupervisor(eng, time.Second)

	_, created, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod")
	if !errors.Is(err, ErrAddressUnavailable) {
		t.Fatalf("expected ErrAddressUnavailable, got %v", err)
	}
	if !created {
		t.Fatalf("container was started before the address check")
	}

	eng.put(Status{Name: "cpkernel_s2", State: "running", Running: true, Networks: map[string]string{"bridge": "172.17.0.5"}})
	if _, _, err := sup.EnsureRunning(context.Background(), kernelSpec("s2"), "codepod"); !errors.Is(err, ErrAddressUnavailable) {
		t.Fatalf("expected ErrAddressUnavailable for running container off network, got %v", err)
	}
}

func TestEnsureRunningCreateFailureAllowsRetry(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	eng.createErr = errors.New("image not found")
	sup := NewSupervisor(eng, time.Second)

	if _, _, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod"); !errors.Is(err, ErrContainerCreateFailed) {
		t.Fatalf("expected ErrContainerCreateFailed, got %v", err)
	}
	if sup.Phase("cpkernel_s1") != PhaseAbsent {
		t.Fatalf("failed create must leave the name absent, got %s", sup.Phase("cpkernel_s1"))
	}

	eng.mu.Lock()
	eng.createErr = nil
	eng.mu.Unlock()
	if _, created, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod"); err != nil || !created {
		t.Fatalf("retry: created=%v err=%v", created, err)
	}
}

func TestEnsureRunningStartFailureCleansUp(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	eng.startErr = errors.New("port is already allocated")
	sup := NewSupervisor(eng, time.Second)

	if _, _, err := sup.EnsureRunning(context.Background(), kernelSpec("s1"), "codepod"); !errors.Is(err, ErrContainerCreateFailed) {
		t.Fatalf("expected ErrContainerCreateFailed, got %v", err)
	}
	if _, found, _ := eng.Inspect(context.Background(), "cpkernel_s1"); found {
		t.Fatalf("created container survived a failed start")
	}
}

func TestEnsureRunningConcurrentCallsCreateOnce(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	sup := NewSupervisor(eng, time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := sup.EnsureRunning(context.Background(), Spec{Name: RuntimeContainerName("s1"), Image: "codepod/runtime"}, "codepod")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if n := eng.creates["cpruntime_s1"]; n != 1 {
		t.Fatalf("expected one create, got %d", n)
	}
}

func TestRemove(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	sup := NewSupervisor(eng, time.Second)
	ctx := context.Background()

	if err := sup.Remove(ctx, "cpkernel_absent"); err != nil {
		t.Fatalf("absent remove should be a no-op: %v", err)
	}

	eng.put(Status{Name: "cpkernel_run", State: "running", Running: true})
	eng.put(Status{Name: "cpkernel_stopped", State: "exited"})
	if err := sup.Remove(ctx, "cpkernel_run"); err != nil {
		t.Fatalf("remove running: %v", err)
	}
	if err := sup.Remove(ctx, "cpkernel_stopped"); err != nil {
		t.Fatalf("remove stopped: %v", err)
	}
	want := []string{
		"inspect cpkernel_absent",
		"inspect cpkernel_run", "stop cpkernel_run", "remove cpkernel_run",
		"inspect cpkernel_stopped", "remove cpkernel_stopped",
	}
	if got := eng.history(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected call order:\n got=%v\nwant=%v", got, want)
	}
}

func TestKillLeavesNoSessionContainers(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	sup := NewSupervisor(eng, time.Second)
	ctx := context.Background()

	for _, spec := range []Spec{kernelSpec("s1"), {Name: RuntimeContainerName("s1"), Image: "codepod/runtime"}, kernelSpec("s2")} {
		if _, _, err := sup.EnsureRunning(ctx, spec, "codepod"); err != nil {
			t.Fatalf("ensure %s: %v", spec.Name, err)
		}
	}
	for _, name := range []string{"cpkernel_s1", "cpruntime_s1"} {
		if err := sup.Remove(ctx, name); err != nil {
			t.Fatalf("remove %s: %v", name, err)
		}
	}

	kernels, err := sup.ListActiveSessions(ctx, KernelPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	runtimes, err := sup.ListActiveSessions(ctx, RuntimePrefix)
	if err != nil {
		t.Fatalf("list runtimes: %v", err)
	}
	if fmt.Sprint(kernels) != "[s2]" || len(runtimes) != 0 {
		t.Fatalf("unexpected survivors kernels=%v runtimes=%v", kernels, runtimes)
	}
}

func TestListActiveSessionsPrefersLabels(t *testing.T) {
	testlog.Start(t)
	eng := newFakeEngine()
	eng.put(Status{Name: "cpkernel_b", Running: true})
	eng.put(Status{Name: "cpkernel_a_julia", Running: true, Labels: map[string]string{LabelSession: "a"}})
	eng.put(Status{Name: "cpkernel_a", Running: true, Labels: map[string]string{LabelSession: "a"}})
	eng.put(Status{Name: "cpkernel_c", State: "exited"})
	sup := NewSupervisor(eng, time.Second)

	ids, err := sup.ListActiveSessions(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if fmt.Sprint(ids) != "[a b]" {
		t.Fatalf("unexpected sessions: %v", ids)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseAbsent, PhaseCreating, true},
		{PhaseAbsent, PhaseRunning, false},
		{PhaseAbsent, PhaseStopping, false},
		{PhaseCreating, PhaseRunning, true},
		{PhaseCreating, PhaseStopping, false},
		{PhaseRunning, PhaseCreating, false},
		{PhaseRunning, PhaseStopping, true},
		{PhaseRunning, PhaseAbsent, true},
		{PhaseStopping, PhaseAbsent, true},
		{PhaseStopping, PhaseRunning, false},
	}
	for _, tc := range cases {
		life := newLifecycle()
		life.observe("c", tc.from)
		err := life.transition("c", tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrLifecycleOrder) {
			t.Fatalf("%s -> %s: expected ErrLifecycleOrder, got %v", tc.from, tc.to, err)
		}
	}
}

package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/codepod/internal/observability"
	"github.com/sony/gobreaker"
)

// Spec describes a container to create.
type Spec struct {
	Name   string
	Image  string
	Env    map[string]string
	Mounts []string // host:container[:mode] bind specs
	Labels map[string]string
	Cmd    []string
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("%w: %s missing image", ErrInvalidSpec, s.Name)
	}
	return nil
}

// Status is the observed state of one container.
type Status struct {
	Name    string
	State   string
	Running bool
	// Networks maps network name to the container's address on it.
	Networks map[string]string
	Labels   map[string]string
}

// Address returns the container address on network.
func (s Status) Address(network string) (string, bool) {
	ip, ok := s.Networks[network]
	if !ok || strings.TrimSpace(ip) == "" {
		return "", false
	}
	return ip, true
}

// Engine is the container runtime surface the Supervisor drives.
type Engine interface {
	// Inspect reports the container's status; found is false when absent.
	Inspect(ctx context.Context, name string) (status Status, found bool, err error)
	Create(ctx context.Context, spec Spec, network string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	// List returns running containers whose names start with prefix.
	List(ctx context.Context, prefix string) ([]Status, error)
	Preflight(ctx context.Context) error
}

// DockerConfig configures the docker CLI engine.
type DockerConfig struct {
	Binary string
	// Breaker settings guard every CLI call against an unreachable daemon.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		Binary:          "docker",
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// DockerCLI implements Engine by invoking the docker CLI.
type DockerCLI struct {
	binary  string
	runner  CommandRunner
	breaker *gobreaker.CircuitBreaker
}

func NewDockerCLI(runner CommandRunner, cfg DockerConfig) *DockerCLI {
	def := DefaultDockerConfig()
	if strings.TrimSpace(cfg.Binary) == "" {
		cfg.Binary = def.Binary
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if runner == nil {
		runner = LocalRunner{}
	}
	log := observability.Component("container")
	failures := cfg.BreakerFailures
	return &DockerCLI{
		binary: cfg.Binary,
		runner: runner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "docker",
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || callerGone(err) || !errors.Is(err, ErrDockerUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("container.DockerCLI breaker state change")
			},
		}),
	}
}

// run invokes the CLI through the breaker. A cancelled or expired ctx is
// returned as is and never counts against the daemon.
func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := d.breaker.Execute(func() (interface{}, error) {
		out, err := d.runner.Run(ctx, d.binary, args...)
		if err == nil {
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if callerGone(err) {
			return out, err
		}
		if !exited(err) || daemonUnreachable(out) {
			return out, fmt.Errorf("%w: %v: %s", ErrDockerUnavailable, err, strings.TrimSpace(out))
		}
		return out, &CommandError{Args: args, Output: out, Err: err}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	s, _ := out.(string)
	return s, err
}

func callerGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func daemonUnreachable(out string) bool {
	lower := strings.ToLower(out)
	return strings.Contains(lower, "cannot connect to the docker daemon") ||
		strings.Contains(lower, "error during connect")
}

func notFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	lower := strings.ToLower(cmdErr.Output)
	return strings.Contains(lower, "no such container") || strings.Contains(lower, "no such object")
}

// Preflight checks that the docker daemon answers.
func (d *DockerCLI) Preflight(ctx context.Context) error {
	if _, err := d.run(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		if errors.Is(err, ErrDockerUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	return nil
}

type inspectDoc struct {
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

func inspectCmdArgs(name string) []string {
	return []string{"inspect", "--type", "container", "--format", "{{json .}}", name}
}

func parseInspect(out string) (Status, error) {
	start := strings.Index(out, "{")
	if start < 0 {
		return Status{}, fmt.Errorf("docker inspect: no json in output %q", strings.TrimSpace(out))
	}
	var doc inspectDoc
	if err := json.Unmarshal([]byte(strings.TrimSpace(out[start:])), &doc); err != nil {
		return Status{}, fmt.Errorf("docker inspect: %w", err)
	}
	st := Status{
		Name:     strings.TrimPrefix(doc.Name, "/"),
		State:    doc.State.Status,
		Running:  doc.State.Running,
		Networks: make(map[string]string, len(doc.NetworkSettings.Networks)),
		Labels:   doc.Config.Labels,
	}
	for network, entry := range doc.NetworkSettings.Networks {
		st.Networks[network] = entry.IPAddress
	}
	return st, nil
}

func (d *DockerCLI) Inspect(ctx context.Context, name string) (Status, bool, error) {
	out, err := d.run(ctx, inspectCmdArgs(name)...)
	if err != nil {
		if notFound(err) {
			return Status{}, false, nil
		}
		return Status{}, false, err
	}
	st, err := parseInspect(out)
	if err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}

func createCmdArgs(spec Spec, network string) []string {
	args := []string{"create", "--name", spec.Name}
	if network != "" {
		args = append(args, "--network", network)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", m)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)
	return args
}

func (d *DockerCLI) Create(ctx context.Context, spec Spec, network string) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	_, err := d.run(ctx, createCmdArgs(spec, network)...)
	return err
}

func (d *DockerCLI) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, "start", name)
	return err
}

func stopCmdArgs(name string, timeout time.Duration) []string {
	secs := int(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	return []string{"stop", "-t", strconv.Itoa(secs), name}
}

func (d *DockerCLI) Stop(ctx context.Context, name string, timeout time.Duration) error {
	_, err := d.run(ctx, stopCmdArgs(name, timeout)...)
	if notFound(err) {
		return nil
	}
	return err
}

func (d *DockerCLI) Remove(ctx context.Context, name string) error {
	_, err := d.run(ctx, "rm", name)
	if notFound(err) {
		return nil
	}
	return err
}

const listFormat = "{{.Names}}\t{{.State}}\t{{.Label \"" + LabelSession + "\"}}\t{{.Label \"" + LabelLang + "\"}}"

func listCmdArgs(prefix string) []string {
	return []string{"ps", "--filter", "name=^" + prefix, "--format", listFormat}
}

func parseList(out, prefix string) []Status {
	var statuses []Status
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		name := fields[0]
		// docker's name filter is a substring match without the anchor on some versions.
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		st := Status{Name: name, Labels: map[string]string{}}
		if len(fields) > 1 {
			st.State = fields[1]
			st.Running = fields[1] == "running"
		}
		if len(fields) > 2 && fields[2] != "" {
			st.Labels[LabelSession] = fields[2]
		}
		if len(fields) > 3 && fields[3] != "" {
			st.Labels[LabelLang] = fields[3]
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (d *DockerCLI) List(ctx context.Context, prefix string) ([]Status, error) {
	out, err := d.run(ctx, listCmdArgs(prefix)...)
	if err != nil {
		return nil, err
	}
	return parseList(out, prefix), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

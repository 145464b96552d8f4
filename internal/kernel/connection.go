package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	TransportTCP        = "tcp"
	SignatureHMACSHA256 = "hmac-sha256"
)

var ErrInvalidConnection = errors.New("kernel: invalid connection spec")

// ConnectionSpec describes how to reach one kernel process. It mirrors the
// Jupyter connection file and is immutable once built.
type ConnectionSpec struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// Validate checks the fields a Link needs.
func (c ConnectionSpec) Validate() error {
	if strings.TrimSpace(c.IP) == "" {
		return fmt.Errorf("%w: missing ip", ErrInvalidConnection)
	}
	if c.ShellPort <= 0 || c.ShellPort > 65535 {
		return fmt.Errorf("%w: shell_port %d", ErrInvalidConnection, c.ShellPort)
	}
	if c.IOPubPort <= 0 || c.IOPubPort > 65535 {
		return fmt.Errorf("%w: iopub_port %d", ErrInvalidConnection, c.IOPubPort)
	}
	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("%w: control_port %d", ErrInvalidConnection, c.ControlPort)
	}
	switch c.transport() {
	case TransportTCP:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalidConnection, c.Transport)
	}
	switch strings.ToLower(strings.TrimSpace(c.SignatureScheme)) {
	case "", SignatureHMACSHA256:
	default:
		return fmt.Errorf("%w: signature_scheme %q", ErrInvalidConnection, c.SignatureScheme)
	}
	return nil
}

// Endpoint returns the zmq endpoint for one of the spec's ports.
func (c ConnectionSpec) Endpoint(port int) string {
	return fmt.Sprintf("%s://%s:%d", c.transport(), c.IP, port)
}

// MarshalFile renders c as connection-file JSON.
func (c ConnectionSpec) MarshalFile() ([]byte, error) {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.SignatureScheme == "" {
		c.SignatureScheme = SignatureHMACSHA256
	}
	return json.MarshalIndent(c, "", "  ")
}

func (c ConnectionSpec) transport() string {
	t := strings.ToLower(strings.TrimSpace(c.Transport))
	if t == "" {
		return TransportTCP
	}
	return t
}

// LoadConnectionFile reads and validates a Jupyter connection file.
func LoadConnectionFile(path string) (ConnectionSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionSpec{}, fmt.Errorf("connection file load failed (%s): %w", path, err)
	}
	var spec ConnectionSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return ConnectionSpec{}, fmt.Errorf("connection file parse failed (%s): %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return ConnectionSpec{}, err
	}
	return spec, nil
}

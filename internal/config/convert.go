package config

import (
	"strconv"

	"github.com/danmuck/codepod/internal/container"
	"github.com/danmuck/codepod/internal/kernel"
)

// Environment handed to kernel and runtime containers.
const (
	EnvConnection  = "CODEPOD_CONNECTION"
	EnvSession     = "CODEPOD_SESSION"
	EnvLang        = "CODEPOD_LANG"
	EnvRuntimePort = "CODEPOD_RUNTIME_PORT"
)

// ConnectionSpec addresses this language's kernel at ip.
func (l LanguageConfig) ConnectionSpec(ip, key string) kernel.ConnectionSpec {
	return kernel.ConnectionSpec{
		ShellPort:       l.Ports.Shell,
		IOPubPort:       l.Ports.IOPub,
		StdinPort:       l.Ports.Stdin,
		ControlPort:     l.Ports.Control,
		HBPort:          l.Ports.HB,
		IP:              ip,
		Key:             key,
		Transport:       kernel.TransportTCP,
		SignatureScheme: kernel.SignatureHMACSHA256,
		KernelName:      l.KernelName,
	}
}

// KernelContainer is the container recipe for sessionID's kernel. The kernel
// reads its connection file, bound to all interfaces, from the environment.
func (l LanguageConfig) KernelContainer(sessionID, defaultLang, key string) (container.Spec, error) {
	conn, err := l.ConnectionSpec("0.0.0.0", key).MarshalFile()
	if err != nil {
		return container.Spec{}, err
	}
	env := make(map[string]string, len(l.Env)+3)
	for k, v := range l.Env {
		env[k] = v
	}
	env[EnvConnection] = string(conn)
	env[EnvSession] = sessionID
	env[EnvLang] = l.Name
	return container.Spec{
		Name:   container.KernelContainerName(sessionID, l.Name, defaultLang),
		Image:  l.KernelImage,
		Env:    env,
		Mounts: append([]string(nil), l.Mounts...),
		Labels: container.SessionLabels(sessionID, l.Name, container.RoleKernel),
		Cmd:    append([]string(nil), l.Cmd...),
	}, nil
}

// RuntimeContainer is the companion runtime recipe, when the language has one.
func (l LanguageConfig) RuntimeContainer(sessionID string) (container.Spec, bool) {
	if l.RuntimeImage == "" {
		return container.Spec{}, false
	}
	return container.Spec{
		Name:  container.RuntimeContainerName(sessionID),
		Image: l.RuntimeImage,
		Env: map[string]string{
			EnvSession:     sessionID,
			EnvRuntimePort: strconv.Itoa(l.RuntimePort),
		},
		Mounts: append([]string(nil), l.Mounts...),
		Labels: container.SessionLabels(sessionID, "", container.RoleRuntime),
	}, true
}

package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/codepod/internal/bridge"
	"github.com/danmuck/codepod/internal/config"
	"github.com/danmuck/codepod/internal/container"
)

// kernelctl config.toml key mapping to bridge runtime settings.
type fileConfig struct {
	ListenAddr       string           `toml:"listen_addr"`
	ServiceID        string           `toml:"service_id"`
	Network          string           `toml:"network"`
	DefaultLanguage  string           `toml:"default_language"`
	KernelKeySecret  string           `toml:"kernel_key_secret"`
	CORSOrigins      []string         `toml:"cors_origins"`
	Catalog          string           `toml:"catalog"`
	SpawnWait        string           `toml:"spawn_wait"`
	SubscriberBuffer int              `toml:"subscriber_buffer"`
	CommandRate      float64          `toml:"command_rate"`
	CommandBurst     int              `toml:"command_burst"`
	KillOnShutdown   bool             `toml:"kill_on_shutdown"`
	ShutdownTimeout  string           `toml:"shutdown_timeout"`
	Docker           dockerFileConfig `toml:"docker"`
}

type dockerFileConfig struct {
	Binary        string `toml:"binary"`
	StopTimeout   string `toml:"stop_timeout"`
	SSHHost       string `toml:"ssh_host"`
	SSHUser       string `toml:"ssh_user"`
	SSHKeyPath    string `toml:"ssh_key_path"`
	SSHKnownHosts string `toml:"ssh_known_hosts"`
	SSHInsecure   bool   `toml:"ssh_insecure"`
}

// dockerSettings selects the docker engine and where it runs.
type dockerSettings struct {
	Binary      string
	StopTimeout time.Duration
	SSH         *container.SSHRunner
}

type appConfig struct {
	Service bridge.ServiceConfig
	Docker  dockerSettings
}

func defaultAppConfig() appConfig {
	return appConfig{
		Service: bridge.DefaultServiceConfig(),
		Docker: dockerSettings{
			Binary:      container.DefaultDockerConfig().Binary,
			StopTimeout: 10 * time.Second,
		},
	}
}

// kernelctl loader for TOML config with default overlay. An empty path
// yields the defaults.
func loadAppConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	svc := &cfg.Service

	if meta.IsDefined("listen_addr") {
		svc.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("service_id") {
		svc.ServiceID = strings.TrimSpace(raw.ServiceID)
	}
	if meta.IsDefined("catalog") {
		catalogPath := strings.TrimSpace(raw.Catalog)
		if !filepath.IsAbs(catalogPath) {
			catalogPath = filepath.Join(filepath.Dir(path), catalogPath)
		}
		catalog, err := config.LoadCatalog(catalogPath)
		if err != nil {
			return appConfig{}, fmt.Errorf("load kernelctl config: %w", err)
		}
		svc.Sessions.Catalog = catalog
	}
	if meta.IsDefined("network") {
		svc.Sessions.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("default_language") {
		lang := strings.ToLower(strings.TrimSpace(raw.DefaultLanguage))
		if _, ok := svc.Sessions.Catalog.Language(lang); !ok {
			return appConfig{}, fmt.Errorf("load kernelctl config: default_language %q is not in the catalog", lang)
		}
		svc.Sessions.Catalog.DefaultLanguage = lang
	}
	if meta.IsDefined("kernel_key_secret") {
		svc.Sessions.KernelKeySecret = raw.KernelKeySecret
	}
	if meta.IsDefined("cors_origins") {
		svc.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("spawn_wait") {
		if svc.Sessions.SpawnWait, err = parseDuration("spawn_wait", raw.SpawnWait); err != nil {
			return appConfig{}, err
		}
	}
	if meta.IsDefined("subscriber_buffer") {
		svc.SubscriberBuffer = raw.SubscriberBuffer
	}
	if meta.IsDefined("command_rate") {
		svc.CommandRate = raw.CommandRate
	}
	if meta.IsDefined("command_burst") {
		svc.CommandBurst = raw.CommandBurst
	}
	if meta.IsDefined("kill_on_shutdown") {
		svc.KillOnShutdown = raw.KillOnShutdown
	}
	if meta.IsDefined("shutdown_timeout") {
		if svc.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return appConfig{}, err
		}
	}

	if meta.IsDefined("docker", "binary") {
		cfg.Docker.Binary = strings.TrimSpace(raw.Docker.Binary)
	}
	if meta.IsDefined("docker", "stop_timeout") {
		if cfg.Docker.StopTimeout, err = parseDuration("docker.stop_timeout", raw.Docker.StopTimeout); err != nil {
			return appConfig{}, err
		}
	}
	if host := strings.TrimSpace(raw.Docker.SSHHost); host != "" {
		cfg.Docker.SSH = &container.SSHRunner{
			Host:                        host,
			User:                        strings.TrimSpace(raw.Docker.SSHUser),
			KeyPath:                     strings.TrimSpace(raw.Docker.SSHKeyPath),
			KnownHostsPath:              strings.TrimSpace(raw.Docker.SSHKnownHosts),
			InsecureSkipHostKeyChecking: raw.Docker.SSHInsecure,
		}
	}

	if err := config.ValidateCatalog(svc.Sessions.Catalog); err != nil {
		return appConfig{}, fmt.Errorf("load kernelctl config: %w", err)
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("load kernelctl config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("load kernelctl config: %s must be positive", key)
	}
	return d, nil
}

// supervisor builds the container supervisor for cfg, local or over SSH.
func (s dockerSettings) supervisor() *container.Supervisor {
	var runner container.CommandRunner = container.LocalRunner{}
	if s.SSH != nil {
		runner = *s.SSH
	}
	dcfg := container.DefaultDockerConfig()
	dcfg.Binary = s.Binary
	return container.NewSupervisor(container.NewDockerCLI(runner, dcfg), s.StopTimeout)
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/codepod/internal/config"
	"github.com/danmuck/codepod/internal/testutil/testlog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := config.WriteTemplate(filepath.Join(dir, "languages.toml"), "catalog", false); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	path := writeFile(t, dir, "config.toml", `
listen_addr = "127.0.0.1:9500"
catalog = "languages.toml"
default_language = "Julia"
kernel_key_secret = "s3cret"
spawn_wait = "5s"
command_rate = 2.5
kill_on_shutdown = false

[docker]
binary = "podman"
stop_timeout = "3s"
ssh_host = "build.internal:2222"
ssh_user = "ops"
ssh_insecure = true
`)

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	svc := cfg.Service
	if svc.ListenAddr != "127.0.0.1:9500" {
		t.Fatalf("unexpected listen addr: %q", svc.ListenAddr)
	}
	if svc.Sessions.Catalog.DefaultLanguage != "julia" {
		t.Fatalf("unexpected default language: %q", svc.Sessions.Catalog.DefaultLanguage)
	}
	if svc.Sessions.KernelKeySecret != "s3cret" {
		t.Fatalf("unexpected secret: %q", svc.Sessions.KernelKeySecret)
	}
	if svc.Sessions.SpawnWait != 5*time.Second {
		t.Fatalf("unexpected spawn wait: %v", svc.Sessions.SpawnWait)
	}
	if svc.CommandRate != 2.5 {
		t.Fatalf("unexpected command rate: %v", svc.CommandRate)
	}
	if svc.CommandBurst != 40 {
		t.Fatalf("undefined command_burst should keep the default, got %d", svc.CommandBurst)
	}
	if svc.KillOnShutdown {
		t.Fatalf("expected kill_on_shutdown=false")
	}
	if cfg.Docker.Binary != "podman" || cfg.Docker.StopTimeout != 3*time.Second {
		t.Fatalf("unexpected docker settings: %+v", cfg.Docker)
	}
	if cfg.Docker.SSH == nil || cfg.Docker.SSH.Host != "build.internal:2222" || !cfg.Docker.SSH.InsecureSkipHostKeyChecking {
		t.Fatalf("unexpected ssh runner: %+v", cfg.Docker.SSH)
	}
}

func TestLoadAppConfigEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadAppConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Docker.SSH != nil {
		t.Fatalf("expected local docker by default")
	}
	if cfg.Service.Sessions.Catalog.DefaultLanguage != config.DefaultLanguage {
		t.Fatalf("unexpected default language: %q", cfg.Service.Sessions.Catalog.DefaultLanguage)
	}
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":     `spawn_wait = "soon"`,
		"unknown language": `default_language = "cobol"`,
		"missing catalog":  `catalog = "nope.toml"`,
		"negative timeout": `shutdown_timeout = "-1s"`,
	}
	for name, body := range cases {
		path := writeFile(t, t.TempDir(), "config.toml", body)
		if _, err := loadAppConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestConfigCommandPrintsTemplate(t *testing.T) {
	testlog.Start(t)
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--kind", "catalog"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out.String(), "[[languages]]") {
		t.Fatalf("expected catalog template, got %q", out.String())
	}
}

func TestServiceTemplateLoads(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := config.WriteTemplate(filepath.Join(dir, "languages.toml"), "catalog", false); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	path := filepath.Join(dir, "config.toml")
	if err := config.WriteTemplate(path, "service", false); err != nil {
		t.Fatalf("write service: %v", err)
	}
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Service.ListenAddr != ":8090" {
		t.Fatalf("unexpected listen addr: %q", cfg.Service.ListenAddr)
	}
}

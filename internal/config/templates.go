package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "service":
		return serviceTemplate, nil
	case "catalog", "languages":
		return catalogTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serviceTemplate = `listen_addr = ":8090"
service_id = "kernelctl"
network = "codepod"
default_language = "python"
kernel_key_secret = "change-me"
cors_origins = ["http://localhost:3000"]
catalog = "languages.toml"
spawn_wait = "30s"
subscriber_buffer = 256
command_rate = 20.0
command_burst = 40
kill_on_shutdown = true
shutdown_timeout = "15s"

[docker]
binary = "docker"
stop_timeout = "10s"
ssh_host = ""
ssh_user = ""
ssh_key_path = ""
ssh_known_hosts = ""
ssh_insecure = false
`

const catalogTemplate = `default_language = "python"
network = "codepod"

[[languages]]
name = "python"
kernel_name = "python3"
kernel_image = "codepod/kernel-python:latest"
runtime_image = "codepod/runtime:latest"
runtime_port = 8765
mounts = ["/srv/codepod/shared:/shared"]

[languages.ports]
shell = 50001
iopub = 50002
stdin = 50003
control = 50004
hb = 50005

[[languages]]
name = "julia"
kernel_name = "julia-1.10"
kernel_image = "codepod/kernel-julia:latest"

[languages.env]
JULIA_NUM_THREADS = "2"

[[languages]]
name = "racket"
kernel_name = "racket"
kernel_image = "codepod/kernel-racket:latest"
`

// Package container supervises the docker containers that back kernels and
// session runtimes.
//
// Ownership boundary:
// - deterministic container naming per session and language
// - idempotent ensure/remove over an Engine
// - per-name lifecycle ordering (absent, creating, running, stopping)
//
// The docker CLI is reached through a CommandRunner, locally or over ssh.
package container

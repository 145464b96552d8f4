// Package sessions is the single authority over which kernel exists for
// which (session, language).
//
// Ownership boundary:
// - per-session slot state (absent, spawning, ready, failed)
// - spawning kernel and runtime containers and opening their links
// - best-effort teardown on kill
//
// The spawning slot is the only spawn serializer: no registry lock is held
// across container or socket I/O.
package sessions

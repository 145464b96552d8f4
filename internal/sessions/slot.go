package sessions

import (
	"time"

	"github.com/danmuck/codepod/internal/kernel"
)

// SlotState tags one (session, language) slot.
type SlotState int

const (
	SlotAbsent SlotState = iota
	SlotSpawning
	SlotReady
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotAbsent:
		return "absent"
	case SlotSpawning:
		return "spawning"
	case SlotReady:
		return "ready"
	case SlotFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// KernelHandle is a ready kernel owned by the registry.
type KernelHandle struct {
	SessionID      string
	Language       string
	Container      string
	Address        string
	RuntimeAddress string
	Spec           kernel.ConnectionSpec
	Link           *kernel.Link
	ReadyAt        time.Time
}

// slot is immutable once published; state changes replace the pointer so a
// finishing spawn can tell whether its slot is still current.
type slot struct {
	state  SlotState
	handle *KernelHandle
	err    error
	since  time.Time
}

func spawningSlot() *slot {
	return &slot{state: SlotSpawning, since: time.Now()}
}

func readySlot(h *KernelHandle) *slot {
	return &slot{state: SlotReady, handle: h, since: h.ReadyAt}
}

func failedSlot(err error) *slot {
	return &slot{state: SlotFailed, err: err, since: time.Now()}
}

type session struct {
	id      string
	created time.Time
	kernels map[string]*slot
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID      string       `json:"id"`
	Created time.Time    `json:"created"`
	Kernels []KernelInfo `json:"kernels"`
}

type KernelInfo struct {
	Language string    `json:"language"`
	State    string    `json:"state"`
	Address  string    `json:"address,omitempty"`
	Since    time.Time `json:"since"`
	Error    string    `json:"error,omitempty"`
}

// KillReport lists what Kill tore down and what it could not.
type KillReport struct {
	SessionID string   `json:"sessionId"`
	Known     bool     `json:"known"`
	Closed    []string `json:"closed,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Warnings  []error  `json:"-"`
}

// WarningStrings renders Warnings for logs and JSON replies.
func (r KillReport) WarningStrings() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

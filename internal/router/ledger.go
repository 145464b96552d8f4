package router

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Run states tracked by the ledger.
const (
	RunQueued = "queued"
	RunBusy   = "busy"
)

// Run is one execute request awaiting its idle status.
type Run struct {
	SessionID   string    `json:"sessionId"`
	Lang        string    `json:"lang"`
	MsgID       string    `json:"msgId"`
	PodID       string    `json:"podId"`
	PortName    string    `json:"portName,omitempty"`
	State       string    `json:"state"`
	Events      int       `json:"events"`
	QueuedAt    time.Time `json:"queuedAt"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}

// RunLedger stores in-flight runs by (session, msg id).
type RunLedger struct {
	mu    sync.RWMutex
	items map[string]Run
}

func NewRunLedger() *RunLedger {
	return &RunLedger{
		items: make(map[string]Run),
	}
}

func ledgerKey(sessionID, msgID string) string {
	return sessionID + "\x00" + strings.TrimSpace(msgID)
}

func (l *RunLedger) Start(run Run) {
	if strings.TrimSpace(run.MsgID) == "" {
		return
	}
	if run.State == "" {
		run.State = RunQueued
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[ledgerKey(run.SessionID, run.MsgID)] = run
}

// Observe records one routed event against its run.
func (l *RunLedger) Observe(sessionID, msgID, state string, at time.Time) (Run, bool) {
	key := ledgerKey(sessionID, msgID)
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.items[key]
	if !ok {
		return Run{}, false
	}
	run.Events++
	run.LastEventAt = at
	if state != "" {
		run.State = state
	}
	l.items[key] = run
	return run, true
}

// Finish removes and returns the run.
func (l *RunLedger) Finish(sessionID, msgID string) (Run, bool) {
	key := ledgerKey(sessionID, msgID)
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.items[key]
	if ok {
		delete(l.items, key)
	}
	return run, ok
}

func (l *RunLedger) Get(sessionID, msgID string) (Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.items[ledgerKey(sessionID, msgID)]
	return run, ok
}

// ForgetSession drops every run of sessionID.
func (l *RunLedger) ForgetSession(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, run := range l.items {
		if run.SessionID == sessionID {
			delete(l.items, key)
			n++
		}
	}
	return n
}

// List returns runs for sessionID, or all runs when sessionID is empty.
func (l *RunLedger) List(sessionID string) []Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Run, 0, len(l.items))
	for _, run := range l.items {
		if sessionID == "" || run.SessionID == sessionID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].MsgID < out[j].MsgID
	})
	return out
}

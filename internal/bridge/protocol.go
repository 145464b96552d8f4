package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/codepod/internal/router"
)

var (
	ErrBadEnvelope    = errors.New("bridge: bad envelope")
	ErrUnknownCommand = errors.New("bridge: unknown command")
	ErrMissingField   = errors.New("bridge: missing field")
)

// CommandType is the closed set of inbound client commands.
type CommandType string

const (
	CmdConnectKernel       CommandType = "connectKernel"
	CmdRunCode             CommandType = "runCode"
	CmdRequestKernelStatus CommandType = "requestKernelStatus"
	CmdInterruptKernel     CommandType = "interruptKernel"
)

// Client-visible error names.
const (
	ErrNameKernelUnavailable = "KernelUnavailable"
	ErrNameBadCommand        = "BadCommand"
	ErrNameRateLimited       = "RateLimited"
	ErrNameBusy              = "Busy"
)

// StatusNotStarted is reported for a language with no ready kernel.
const StatusNotStarted = "not_started"

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandPayload is shared by every inbound command.
type CommandPayload struct {
	SessionID string `json:"sessionId"`
	Lang      string `json:"lang"`
	PodID     string `json:"podId"`
	Code      string `json:"code"`
	PortName  string `json:"portName"`
}

type Command struct {
	Type    CommandType
	Payload CommandPayload
}

// ParseCommand decodes and validates one inbound envelope.
func ParseCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	var payload CommandPayload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return Command{}, fmt.Errorf("%w: payload: %v", ErrBadEnvelope, err)
		}
	}
	payload.SessionID = strings.TrimSpace(payload.SessionID)
	payload.Lang = strings.ToLower(strings.TrimSpace(payload.Lang))

	cmd := Command{Type: CommandType(env.Type), Payload: payload}
	var required []string
	switch cmd.Type {
	case CmdConnectKernel, CmdRequestKernelStatus, CmdInterruptKernel:
		required = []string{"sessionId"}
	case CmdRunCode:
		required = []string{"sessionId", "podId"}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Type)
	}
	for _, field := range required {
		if payload.field(field) == "" {
			return Command{}, fmt.Errorf("%w: %s requires %s", ErrMissingField, cmd.Type, field)
		}
	}
	return cmd, nil
}

func (p CommandPayload) field(name string) string {
	switch name {
	case "sessionId":
		return p.SessionID
	case "podId":
		return strings.TrimSpace(p.PodID)
	default:
		return ""
	}
}

// Outbound is one server to client envelope.
type Outbound struct {
	Type    string       `json:"type"`
	Payload router.Event `json:"payload"`
}

func outboundEvent(ev router.Event) Outbound {
	return Outbound{Type: ev.Topic, Payload: ev}
}

func errorEvent(p CommandPayload, ename string, err error) Outbound {
	return Outbound{Type: router.TopicError, Payload: router.Event{
		SessionID: p.SessionID,
		Topic:     router.TopicError,
		Lang:      p.Lang,
		PodID:     p.PodID,
		PortName:  p.PortName,
		EName:     ename,
		EValue:    err.Error(),
	}}
}

func statusEvent(p CommandPayload, lang, status string) Outbound {
	return Outbound{Type: router.TopicStatus, Payload: router.Event{
		SessionID: p.SessionID,
		Topic:     router.TopicStatus,
		Lang:      lang,
		PodID:     p.PodID,
		Status:    status,
	}}
}

package router

import (
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/rs/zerolog/log"
)

// Outbound event types as seen by clients.
const (
	TopicStatus        = "status"
	TopicExecuteResult = "execute_result"
	TopicDisplayData   = "display_data"
	TopicStdout        = "stdout"
	TopicStderr        = "stderr"
	TopicError         = "error"

	// AuxPrefix marks events answering an auxiliary port request.
	AuxPrefix = "IO:"
)

// Topics lists every outbound type, primary then auxiliary.
func Topics() []string {
	primary := []string{TopicStatus, TopicExecuteResult, TopicDisplayData, TopicStdout, TopicStderr, TopicError}
	out := append([]string(nil), primary...)
	for _, t := range primary[1:] {
		out = append(out, AuxPrefix+t)
	}
	return out
}

// Event is one normalized broadcast event.
type Event struct {
	SessionID string `json:"sessionId,omitempty"`
	Topic     string `json:"-"`

	Lang       string   `json:"lang,omitempty"`
	Status     string   `json:"status,omitempty"`
	MsgID      string   `json:"msgId,omitempty"`
	PodID      string   `json:"podId"`
	PortName   string   `json:"portName,omitempty"`
	Text       string   `json:"text,omitempty"`
	HTML       string   `json:"html,omitempty"`
	Image      string   `json:"image,omitempty"`
	Count      int      `json:"count,omitempty"`
	EName      string   `json:"ename,omitempty"`
	EValue     string   `json:"evalue,omitempty"`
	Stacktrace []string `json:"stacktrace,omitempty"`
}

// Auxiliary reports whether e answers a port request rather than a pod run.
func (e Event) Auxiliary() bool {
	return e.PortName != ""
}

// Disposition says what the router does with a classified message.
type Disposition int

const (
	Emit Disposition = iota
	Drop
	Unhandled
)

func (d Disposition) String() string {
	switch d {
	case Emit:
		return "emit"
	case Drop:
		return "drop"
	default:
		return "unhandled"
	}
}

func topicFor(base, portName string) string {
	if portName != "" {
		return AuxPrefix + base
	}
	return base
}

// Classify maps one broadcast message to an event.
func Classify(lang string, msg wire.Message) (Event, Disposition) {
	parentID := msg.CorrelationID()
	podID, portName := wire.ParseMsgID(parentID)
	ev := Event{Lang: lang, MsgID: parentID, PodID: podID, PortName: portName}
	logger := log.With().Str("lang", lang).Str("msg_type", string(msg.Header.MsgType)).Str("parent", parentID).Logger()

	switch msg.Header.MsgType {
	case wire.MsgStatus:
		var st wire.Status
		if err := msg.DecodeContent(&st); err != nil {
			logger.Warn().Err(err).Msg("router.Classify dropped status")
			return Event{}, Drop
		}
		// status is never auxiliary; the port only matters for run output.
		ev.Topic = TopicStatus
		ev.PortName = ""
		// only execute_request ids encode a pod.
		if msg.ParentHeader.MsgType != wire.MsgExecuteRequest {
			ev.PodID = ""
		}
		ev.Status = st.ExecutionState
		return ev, Emit

	case wire.MsgExecuteResult, wire.MsgDisplayData:
		var res wire.ExecuteResult
		if err := msg.DecodeContent(&res); err != nil {
			logger.Warn().Err(err).Msg("router.Classify dropped result")
			return Event{}, Drop
		}
		ev.Topic = topicFor(string(msg.Header.MsgType), portName)
		ev.Text = res.MIME(wire.MIMEText)
		ev.HTML = res.MIME(wire.MIMEHTML)
		ev.Image = res.MIME(wire.MIMEPNG)
		ev.Count = res.ExecutionCount
		return ev, Emit

	case wire.MsgStream:
		if parentID == "" {
			logger.Debug().Msg("router.Classify dropped stream without parent")
			return Event{}, Drop
		}
		var st wire.Stream
		if err := msg.DecodeContent(&st); err != nil {
			logger.Warn().Err(err).Msg("router.Classify dropped stream")
			return Event{}, Drop
		}
		switch st.Name {
		case wire.StreamStdout:
			ev.Topic = topicFor(TopicStdout, portName)
		case wire.StreamStderr:
			ev.Topic = topicFor(TopicStderr, portName)
		default:
			logger.Warn().Str("stream", st.Name).Msg("router.Classify unhandled stream name")
			return Event{}, Unhandled
		}
		ev.Text = st.Text
		return ev, Emit

	case wire.MsgError:
		var e wire.Error
		if err := msg.DecodeContent(&e); err != nil {
			logger.Warn().Err(err).Msg("router.Classify dropped error")
			return Event{}, Drop
		}
		ev.Topic = topicFor(TopicError, portName)
		ev.EName = e.EName
		ev.EValue = e.EValue
		ev.Stacktrace = e.Traceback
		return ev, Emit

	case wire.MsgExecuteInput,
		wire.MsgExecuteRequest, wire.MsgExecuteReply,
		wire.MsgKernelInfoRequest, wire.MsgKernelInfoReply,
		wire.MsgInterruptRequest, wire.MsgInterruptReply,
		wire.MsgShutdownRequest, wire.MsgShutdownReply:
		return Event{}, Drop
	}

	logger.Info().Msg("router.Classify unhandled message type")
	return Event{}, Unhandled
}

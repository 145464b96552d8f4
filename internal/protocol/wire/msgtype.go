package wire

// MsgType is the closed set of kernel message types this layer sends or routes.
type MsgType string

const (
	MsgExecuteRequest    MsgType = "execute_request"
	MsgExecuteReply      MsgType = "execute_reply"
	MsgKernelInfoRequest MsgType = "kernel_info_request"
	MsgKernelInfoReply   MsgType = "kernel_info_reply"
	MsgInterruptRequest  MsgType = "interrupt_request"
	MsgInterruptReply    MsgType = "interrupt_reply"
	MsgShutdownRequest   MsgType = "shutdown_request"
	MsgShutdownReply     MsgType = "shutdown_reply"

	MsgStatus        MsgType = "status"
	MsgExecuteInput  MsgType = "execute_input"
	MsgExecuteResult MsgType = "execute_result"
	MsgDisplayData   MsgType = "display_data"
	MsgStream        MsgType = "stream"
	MsgError         MsgType = "error"
)

var knownTypes = map[MsgType]struct{}{
	MsgExecuteRequest:    {},
	MsgExecuteReply:      {},
	MsgKernelInfoRequest: {},
	MsgKernelInfoReply:   {},
	MsgInterruptRequest:  {},
	MsgInterruptReply:    {},
	MsgShutdownRequest:   {},
	MsgShutdownReply:     {},
	MsgStatus:            {},
	MsgExecuteInput:      {},
	MsgExecuteResult:     {},
	MsgDisplayData:       {},
	MsgStream:            {},
	MsgError:             {},
}

// Known reports whether t is one of the declared message types.
func (t MsgType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Broadcast reports whether t is published on the iopub channel.
func (t MsgType) Broadcast() bool {
	switch t {
	case MsgStatus, MsgExecuteInput, MsgExecuteResult, MsgDisplayData, MsgStream, MsgError:
		return true
	default:
		return false
	}
}

// KnownTypes returns every declared message type.
func KnownTypes() []MsgType {
	out := make([]MsgType, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}

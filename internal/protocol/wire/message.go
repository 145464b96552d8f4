package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	Delimiter       = "<IDS|MSG>"
	ProtocolVersion = "5.0"

	// PortSeparator splits a pod id from an auxiliary port name in msg ids.
	PortSeparator = "#"
)

// Header is the kernel message header. The zero Header encodes as "{}",
// which is what an empty parent header looks like on the wire.
type Header struct {
	MsgID    string  `json:"msg_id,omitempty"`
	MsgType  MsgType `json:"msg_type,omitempty"`
	Session  string  `json:"session,omitempty"`
	Username string  `json:"username,omitempty"`
	Date     string  `json:"date,omitempty"`
	Version  string  `json:"version,omitempty"`
}

// IsZero reports whether h carries no fields.
func (h Header) IsZero() bool {
	return h == Header{}
}

// Message is one decoded kernel message.
type Message struct {
	Idents       [][]byte
	Header       Header
	ParentHeader Header
	Metadata     json.RawMessage
	Content      json.RawMessage
	Buffers      [][]byte
}

// NewHeader stamps a request header with the current time and protocol version.
func NewHeader(msgType MsgType, msgID, session, username string) Header {
	return Header{
		MsgID:    msgID,
		MsgType:  msgType,
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  ProtocolVersion,
	}
}

// NewMessage builds a request message with empty parent header and metadata.
func NewMessage(header Header, content any) (Message, error) {
	raw := json.RawMessage("{}")
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return Message{}, fmt.Errorf("%w: content: %v", ErrBadPayload, err)
		}
		raw = b
	}
	return Message{
		Header:   header,
		Metadata: json.RawMessage("{}"),
		Content:  raw,
	}, nil
}

// DecodeContent unmarshals the content document into v.
func (m Message) DecodeContent(v any) error {
	content := m.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrBadPayload, m.Header.MsgType, err)
	}
	return nil
}

// Topic returns the first identity frame, which is the iopub topic for
// broadcast messages.
func (m Message) Topic() string {
	if len(m.Idents) == 0 {
		return ""
	}
	return string(m.Idents[0])
}

// CorrelationID returns the msg id of the request that caused m.
func (m Message) CorrelationID() string {
	return m.ParentHeader.MsgID
}

// MsgID joins a pod id and an optional port name into a request msg id.
func MsgID(podID, portName string) string {
	if portName == "" {
		return podID
	}
	return podID + PortSeparator + portName
}

// ParseMsgID splits a request msg id into pod id and optional port name.
func ParseMsgID(id string) (podID, portName string) {
	podID, portName, _ = strings.Cut(id, PortSeparator)
	return podID, portName
}

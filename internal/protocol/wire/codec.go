package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

var delimiter = []byte(Delimiter)

// Encode frames msg for the request channel:
//
//	[msg_id, "<IDS|MSG>", signature, header, parent_header, metadata, content, buffers...]
//
// An empty key produces an empty signature frame. Nil Metadata or Content
// is sent as {}, so Decode(Encode(m)) returns {} in those fields.
func Encode(msg Message, key []byte) ([][]byte, error) {
	if strings.TrimSpace(msg.Header.MsgID) == "" {
		return nil, ErrMissingMsgID
	}
	if strings.TrimSpace(string(msg.Header.MsgType)) == "" {
		return nil, ErrMissingMsgType
	}

	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, err
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, err
	}
	metadata := orEmptyObject(msg.Metadata)
	content := orEmptyObject(msg.Content)

	frames := make([][]byte, 0, 7+len(msg.Buffers))
	frames = append(frames,
		[]byte(msg.Header.MsgID),
		[]byte(Delimiter),
		Sign(key, header, parent, metadata, content),
		header,
		parent,
		metadata,
		content,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses a multipart frame set received from a kernel. Frames before
// the delimiter are kept as identities. When key is non-empty the signature
// frame must match the HMAC of the four JSON frames.
func Decode(frames [][]byte, key []byte) (Message, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return Message{}, decodeErr("delimiter", ErrMalformedFrame, "delimiter not found")
	}
	if len(frames)-delim-1 < 5 {
		return Message{}, decodeErr("layout", ErrMalformedFrame, "fewer than 5 frames after delimiter")
	}

	sig := frames[delim+1]
	header := frames[delim+2]
	parent := frames[delim+3]
	metadata := frames[delim+4]
	content := frames[delim+5]

	if len(key) > 0 {
		want := Sign(key, header, parent, metadata, content)
		if !hmac.Equal(want, sig) {
			return Message{}, decodeErr("signature", ErrSignatureMismatch, "")
		}
	}

	var msg Message
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return Message{}, decodeErr("header", ErrBadPayload, err.Error())
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return Message{}, decodeErr("parent_header", ErrBadPayload, err.Error())
	}
	if !json.Valid(metadata) {
		return Message{}, decodeErr("metadata", ErrBadPayload, "invalid json")
	}
	if !json.Valid(content) {
		return Message{}, decodeErr("content", ErrBadPayload, "invalid json")
	}

	msg.Idents = cloneFrames(frames[:delim])
	msg.Metadata = json.RawMessage(cloneBytes(metadata))
	msg.Content = json.RawMessage(cloneBytes(content))
	msg.Buffers = cloneFrames(frames[delim+6:])
	return msg, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of parts, or an empty slice
// when key is empty.
func Sign(key []byte, parts ...[]byte) []byte {
	if len(key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func orEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneFrames(frames [][]byte) [][]byte {
	if len(frames) == 0 {
		return nil
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = cloneBytes(f)
	}
	return out
}

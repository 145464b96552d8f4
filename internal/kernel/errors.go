package kernel

import "errors"

var (
	ErrLinkClosed    = errors.New("kernel: link closed")
	ErrNotConnected  = errors.New("kernel: link not connected")
	ErrConnectFailed = errors.New("kernel: connect failed")
	ErrNilReceiver   = errors.New("kernel: nil receiver")
)

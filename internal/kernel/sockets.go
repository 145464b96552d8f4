package kernel

import (
	"context"

	"github.com/go-zeromq/zmq4"
)

// Role names one of the kernel channels a Link opens.
type Role int

const (
	RoleShell Role = iota
	RoleControl
	RoleIOPub
)

func (r Role) String() string {
	switch r {
	case RoleShell:
		return "shell"
	case RoleControl:
		return "control"
	case RoleIOPub:
		return "iopub"
	default:
		return "unknown"
	}
}

// Socket is the subset of a zmq socket a Link uses.
type Socket interface {
	Dial(endpoint string) error
	Send(msg zmq4.Msg) error
	Recv() (zmq4.Msg, error)
	SetOption(name string, value interface{}) error
	Close() error
}

// SocketFactory opens an undialed socket for role. identity is the routing
// id for request sockets and empty for the broadcast subscription.
type SocketFactory func(ctx context.Context, role Role, identity string) Socket

// ZMQSockets returns the production factory: DEALER for shell and control,
// SUB for iopub.
func ZMQSockets(cfg Config) SocketFactory {
	cfg = cfg.WithDefaults()
	return func(ctx context.Context, role Role, identity string) Socket {
		opts := []zmq4.Option{
			zmq4.WithDialerRetry(cfg.DialRetry),
			zmq4.WithDialerTimeout(cfg.DialTimeout),
		}
		if identity != "" {
			opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
		}
		if role == RoleIOPub {
			return zmq4.NewSub(ctx, opts...)
		}
		return zmq4.NewDealer(ctx, opts...)
	}
}

package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/codepod/internal/observability"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Receiver consumes decoded broadcast messages. Receive is called from the
// link's receive goroutine and must not block.
type Receiver interface {
	Receive(topic string, msg wire.Message)
}

type ReceiverFunc func(topic string, msg wire.Message)

func (f ReceiverFunc) Receive(topic string, msg wire.Message) {
	f(topic, msg)
}

type Option func(*Link)

// WithSockets overrides the socket factory.
func WithSockets(f SocketFactory) Option {
	return func(l *Link) {
		if f != nil {
			l.sockets = f
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Link) {
		l.log = logger
	}
}

// Link is the live connection to one kernel: request-side sockets plus at
// most one broadcast subscription.
type Link struct {
	spec    ConnectionSpec
	cfg     Config
	key     []byte
	sockets SocketFactory
	log     zerolog.Logger

	// sockets are bound to the link lifetime, not to request contexts.
	ctx    context.Context
	cancel context.CancelFunc

	sendMu  sync.Mutex
	shell   Socket
	control Socket

	subMu   sync.Mutex
	sub     Socket
	subDone chan struct{}
	subGen  uint64

	closed   atomic.Bool
	received atomic.Uint64
	dropped  atomic.Uint64
	loopErr  atomic.Pointer[error]
}

func NewLink(spec ConnectionSpec, cfg Config, opts ...Option) *Link {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		spec:   spec,
		cfg:    cfg,
		key:    []byte(spec.Key),
		log:    observability.Component("kernel"),
		ctx:    ctx,
		cancel: cancel,
	}
	l.sockets = ZMQSockets(cfg)
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("ip", spec.IP).Int("shell_port", spec.ShellPort).Logger()
	return l
}

func (l *Link) Spec() ConnectionSpec {
	return l.spec
}

func (l *Link) Config() Config {
	return l.cfg
}

// Connect dials the shell and control sockets. It performs no handshake, so a
// nil error does not mean the kernel is ready.
func (l *Link) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if l.shell != nil {
		return nil
	}

	shell, err := l.dial(RoleShell, l.cfg.Session, l.spec.ShellPort)
	if err != nil {
		return err
	}
	var control Socket
	if l.spec.ControlPort > 0 {
		control, err = l.dial(RoleControl, l.cfg.Session, l.spec.ControlPort)
		if err != nil {
			_ = shell.Close()
			return err
		}
	}
	l.shell = shell
	l.control = control
	l.log.Debug().Msg("kernel.Link connected")
	return nil
}

func (l *Link) dial(role Role, identity string, port int) (Socket, error) {
	sock := l.sockets(l.ctx, role, identity)
	endpoint := l.spec.Endpoint(port)
	if err := sock.Dial(endpoint); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("%w: %s %s: %v", ErrConnectFailed, role, endpoint, err)
	}
	return sock, nil
}

// Listen replaces any existing broadcast subscription with a new one that
// delivers every decoded message to recv. The receive goroutine stops when
// ctx is done, when Listen is called again, or on Close.
func (l *Link) Listen(ctx context.Context, recv Receiver) error {
	if recv == nil {
		return ErrNilReceiver
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed.Load() {
		return ErrLinkClosed
	}
	l.stopSubLocked()

	sub, err := l.dial(RoleIOPub, "", l.spec.IOPubPort)
	if err != nil {
		return err
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: iopub subscribe: %v", ErrConnectFailed, err)
	}

	l.subGen++
	done := make(chan struct{})
	l.sub = sub
	l.subDone = done
	go l.receiveLoop(sub, recv, done, l.subGen)
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-done:
		}
	}()
	return nil
}

func (l *Link) stopSubLocked() {
	if l.sub == nil {
		return
	}
	_ = l.sub.Close()
	<-l.subDone
	l.sub = nil
	l.subDone = nil
}

func (l *Link) receiveLoop(sub Socket, recv Receiver, done chan struct{}, gen uint64) {
	defer close(done)
	log := l.log.With().Uint64("gen", gen).Logger()
	for {
		zm, err := sub.Recv()
		if err != nil {
			if l.closed.Load() {
				closedErr := ErrLinkClosed
				l.loopErr.Store(&closedErr)
				log.Debug().Msg("kernel.Link receive loop stopped: link closed")
				return
			}
			l.loopErr.Store(&err)
			log.Debug().Err(err).Msg("kernel.Link receive loop stopped")
			return
		}
		msg, err := wire.Decode(zm.Frames, l.key)
		if err != nil {
			l.dropped.Add(1)
			observability.RecordDecodeFailure(wire.Reason(err))
			log.Warn().Err(err).Int("frames", len(zm.Frames)).Msg("kernel.Link dropped broadcast frame")
			continue
		}
		l.received.Add(1)
		recv.Receive(msg.Topic(), msg)
	}
}

// Send encodes msg and writes it to the shell socket. Sends on one link are
// serialized in call order.
func (l *Link) Send(msg wire.Message) error {
	return l.send(RoleShell, msg)
}

func (l *Link) send(role Role, msg wire.Message) error {
	frames, err := wire.Encode(msg, l.key)
	if err != nil {
		return err
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed.Load() {
		return ErrLinkClosed
	}
	sock := l.shell
	if role == RoleControl && l.control != nil {
		sock = l.control
	}
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("kernel: %s send %s: %w", role, msg.Header.MsgType, err)
	}
	return nil
}

func (l *Link) request(role Role, msgType wire.MsgType, msgID string, content any) (string, error) {
	msg, err := wire.NewMessage(wire.NewHeader(msgType, msgID, l.cfg.Session, l.cfg.Username), content)
	if err != nil {
		return "", err
	}
	if err := l.send(role, msg); err != nil {
		return "", err
	}
	return msgID, nil
}

// Execute sends an execute_request whose msg id names the originating pod
// and optional auxiliary port. It returns the msg id.
func (l *Link) Execute(podID, portName, code string) (string, error) {
	return l.request(RoleShell, wire.MsgExecuteRequest, wire.MsgID(podID, portName), wire.NewExecuteRequest(code))
}

// RequestKernelInfo sends a kernel_info_request. The kernel answers with a
// busy/idle status pair on the broadcast channel.
func (l *Link) RequestKernelInfo() (string, error) {
	return l.request(RoleShell, wire.MsgKernelInfoRequest, uuid.NewString(), nil)
}

// Interrupt sends an interrupt_request on the control channel, falling back
// to shell when the kernel exposes no control port.
func (l *Link) Interrupt() (string, error) {
	return l.request(RoleControl, wire.MsgInterruptRequest, uuid.NewString(), nil)
}

func (l *Link) Shutdown(restart bool) (string, error) {
	return l.request(RoleControl, wire.MsgShutdownRequest, uuid.NewString(), wire.ShutdownRequest{Restart: restart})
}

// Err returns why the last receive loop exited, or nil while it runs.
func (l *Link) Err() error {
	if p := l.loopErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Received and Dropped count decoded and rejected broadcast messages.
func (l *Link) Received() uint64 { return l.received.Load() }
func (l *Link) Dropped() uint64  { return l.dropped.Load() }

func (l *Link) Closed() bool {
	return l.closed.Load()
}

// Close releases every socket and waits for the receive loop. Repeated
// calls return nil.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	l.subMu.Lock()
	l.stopSubLocked()
	l.subMu.Unlock()

	l.sendMu.Lock()
	for _, sock := range []Socket{l.shell, l.control} {
		if sock == nil {
			continue
		}
		if err := sock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.shell = nil
	l.control = nil
	l.sendMu.Unlock()

	l.cancel()
	l.log.Debug().Msg("kernel.Link closed")
	return errors.Join(errs...)
}

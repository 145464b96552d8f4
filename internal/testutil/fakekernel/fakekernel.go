// Package fakekernel is a scripted in-memory kernel that plugs into
// kernel.Link through its socket factory.
package fakekernel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/codepod/internal/kernel"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/go-zeromq/zmq4"
)

var errClosed = errors.New("fakekernel: socket closed")

// Result is what Eval returns for one execute_request.
type Result struct {
	Text   string
	HTML   string
	Stdout string
	Stderr string
	Err    *wire.Error
}

// Kernel answers execute, kernel_info and interrupt requests by publishing
// status, result, stream and error messages to every subscribed socket.
type Kernel struct {
	key []byte

	mu        sync.Mutex
	subs      []*Socket
	requests  []wire.Message
	dials     []string
	dialErr   map[kernel.Role]error
	execCount int
	seq       int

	// Eval maps code to a result. The default evaluates integer sums.
	Eval func(code string) Result
}

func New(key string) *Kernel {
	return &Kernel{key: []byte(key), Eval: Sum, dialErr: map[kernel.Role]error{}}
}

// Sum evaluates "a+b+..." over integers and echoes anything else to stdout.
func Sum(code string) Result {
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "raise ") {
		name := strings.TrimSpace(strings.TrimPrefix(code, "raise "))
		return Result{Err: &wire.Error{EName: name, EValue: "raised", Traceback: []string{"line 1", name}}}
	}
	total := 0
	for _, part := range strings.Split(code, "+") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return Result{Stdout: code + "\n"}
		}
		total += n
	}
	return Result{Text: strconv.Itoa(total)}
}

// FailDial makes every later dial of role fail with err.
func (k *Kernel) FailDial(role kernel.Role, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dialErr[role] = err
}

// Sockets returns a factory for kernel.WithSockets.
func (k *Kernel) Sockets() kernel.SocketFactory {
	return func(_ context.Context, role kernel.Role, identity string) kernel.Socket {
		return &Socket{
			kernel:   k,
			role:     role,
			identity: identity,
			inbox:    make(chan zmq4.Msg, 256),
			closed:   make(chan struct{}),
		}
	}
}

// Requests returns every request the kernel decoded, in arrival order.
func (k *Kernel) Requests() []wire.Message {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]wire.Message(nil), k.requests...)
}

func (k *Kernel) Dials() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.dials...)
}

// Subscribers counts open broadcast sockets.
func (k *Kernel) Subscribers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for _, s := range k.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// PublishRaw hands frames unchanged to every open subscriber.
func (k *Kernel) PublishRaw(frames ...[]byte) {
	k.mu.Lock()
	subs := append([]*Socket(nil), k.subs...)
	k.mu.Unlock()
	for _, s := range subs {
		s.deliver(zmq4.NewMsgFrom(frames...))
	}
}

// Publish signs and broadcasts one message in reply to parent.
func (k *Kernel) Publish(msgType wire.MsgType, parent wire.Header, content any) error {
	k.mu.Lock()
	k.seq++
	id := fmt.Sprintf("kernel-%d", k.seq)
	k.mu.Unlock()

	msg, err := wire.NewMessage(wire.NewHeader(msgType, id, "kernel", "kernel"), content)
	if err != nil {
		return err
	}
	msg.ParentHeader = parent
	frames, err := wire.Encode(msg, k.key)
	if err != nil {
		return err
	}
	frames[0] = []byte("kernel." + string(msgType))
	k.PublishRaw(frames...)
	return nil
}

func (k *Kernel) handle(frames [][]byte) error {
	msg, err := wire.Decode(frames, k.key)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.requests = append(k.requests, msg)
	k.mu.Unlock()

	parent := msg.Header
	switch parent.MsgType {
	case wire.MsgExecuteRequest:
		var req wire.ExecuteRequest
		if err := msg.DecodeContent(&req); err != nil {
			return err
		}
		k.mu.Lock()
		k.execCount++
		count := k.execCount
		k.mu.Unlock()

		_ = k.Publish(wire.MsgStatus, parent, wire.Status{ExecutionState: wire.StateBusy})
		res := k.Eval(req.Code)
		if res.Stdout != "" {
			_ = k.Publish(wire.MsgStream, parent, wire.Stream{Name: wire.StreamStdout, Text: res.Stdout})
		}
		if res.Stderr != "" {
			_ = k.Publish(wire.MsgStream, parent, wire.Stream{Name: wire.StreamStderr, Text: res.Stderr})
		}
		if res.Err != nil {
			_ = k.Publish(wire.MsgError, parent, res.Err)
		}
		if res.Text != "" || res.HTML != "" {
			data := map[string]any{}
			if res.Text != "" {
				data[wire.MIMEText] = res.Text
			}
			if res.HTML != "" {
				data[wire.MIMEHTML] = res.HTML
			}
			_ = k.Publish(wire.MsgExecuteResult, parent, wire.ExecuteResult{ExecutionCount: count, Data: data, Metadata: map[string]any{}})
		}
		_ = k.Publish(wire.MsgStatus, parent, wire.Status{ExecutionState: wire.StateIdle})
	case wire.MsgKernelInfoRequest, wire.MsgInterruptRequest:
		_ = k.Publish(wire.MsgStatus, parent, wire.Status{ExecutionState: wire.StateBusy})
		_ = k.Publish(wire.MsgStatus, parent, wire.Status{ExecutionState: wire.StateIdle})
	}
	return nil
}

// Socket is one fake kernel channel.
type Socket struct {
	kernel   *Kernel
	role     kernel.Role
	identity string

	mu        sync.Mutex
	endpoint  string
	subscribe []string
	inbox     chan zmq4.Msg
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Socket) Dial(endpoint string) error {
	k := s.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.dialErr[s.role]; err != nil {
		return err
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.mu.Unlock()
	k.dials = append(k.dials, s.role.String()+" "+endpoint)
	if s.role == kernel.RoleIOPub {
		k.subs = append(k.subs, s)
	}
	return nil
}

func (s *Socket) Send(msg zmq4.Msg) error {
	if s.isClosed() {
		return errClosed
	}
	if s.role == kernel.RoleIOPub {
		return errors.New("fakekernel: send on subscriber")
	}
	return s.kernel.handle(msg.Frames)
}

func (s *Socket) Recv() (zmq4.Msg, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.closed:
		return zmq4.Msg{}, errClosed
	}
}

func (s *Socket) SetOption(name string, value interface{}) error {
	if name == zmq4.OptionSubscribe {
		topic, _ := value.(string)
		s.mu.Lock()
		s.subscribe = append(s.subscribe, topic)
		s.mu.Unlock()
	}
	return nil
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) deliver(msg zmq4.Msg) {
	if s.isClosed() {
		return
	}
	s.mu.Lock()
	subscribed := len(s.subscribe) > 0
	s.mu.Unlock()
	if !subscribed {
		return
	}
	select {
	case s.inbox <- msg:
	default:
	}
}

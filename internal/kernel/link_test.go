package kernel_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/codepod/internal/kernel"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/danmuck/codepod/internal/testutil/fakekernel"
	"github.com/danmuck/codepod/internal/testutil/testlog"
)

func testSpec(key string) kernel.ConnectionSpec {
	return kernel.ConnectionSpec{
		ShellPort:   5001,
		IOPubPort:   5002,
		StdinPort:   5003,
		ControlPort: 5004,
		HBPort:      5005,
		IP:          "127.0.0.1",
		Key:         key,
		Transport:   "tcp",
	}
}

type collector chan wire.Message

func (c collector) Receive(_ string, msg wire.Message) {
	c <- msg
}

func (c collector) next(t *testing.T) wire.Message {
	t.Helper()
	select {
	case msg := <-c:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast message")
		return wire.Message{}
	}
}

func openLink(t *testing.T, fk *fakekernel.Kernel, key string) (*kernel.Link, collector) {
	t.Helper()
	link := kernel.NewLink(testSpec(key), kernel.Config{Session: "client-1"}, kernel.WithSockets(fk.Sockets()))
	t.Cleanup(func() { _ = link.Close() })
	recv := make(collector, 64)
	if err := link.Listen(context.Background(), recv); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return link, recv
}

func TestConnectDialsRequestAndControl(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	openLink(t, fk, "")

	got := strings.Join(fk.Dials(), ",")
	for _, want := range []string{"iopub tcp://127.0.0.1:5002", "shell tcp://127.0.0.1:5001", "control tcp://127.0.0.1:5004"} {
		if !strings.Contains(got, want) {
			t.Fatalf("dials %q missing %q", got, want)
		}
	}
}

func TestExecuteDeliversResultForPod(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("secret")
	link, recv := openLink(t, fk, "secret")

	id, err := link.Execute("podA", "", "1+2")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if id != "podA" {
		t.Fatalf("unexpected msg id: %q", id)
	}

	var result wire.ExecuteResult
	for {
		msg := recv.next(t)
		if msg.CorrelationID() != "podA" {
			t.Fatalf("unexpected parent msg id: %q", msg.CorrelationID())
		}
		if msg.Header.MsgType == wire.MsgExecuteResult {
			if err := msg.DecodeContent(&result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
		}
		if msg.Header.MsgType == wire.MsgStatus {
			var st wire.Status
			_ = msg.DecodeContent(&st)
			if st.ExecutionState == wire.StateIdle {
				break
			}
		}
	}
	if got := result.MIME(wire.MIMEText); got != "3" {
		t.Fatalf("unexpected result text: %q", got)
	}

	reqs := fk.Requests()
	if len(reqs) != 1 || reqs[0].Header.Session != "client-1" || reqs[0].Header.Version != wire.ProtocolVersion {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestExecuteWithPortNamespacesMsgID(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	link, recv := openLink(t, fk, "")

	if _, err := link.Execute("podB", "plot", "1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	msg := recv.next(t)
	pod, port := wire.ParseMsgID(msg.CorrelationID())
	if pod != "podB" || port != "plot" {
		t.Fatalf("unexpected parent id split: pod=%q port=%q", pod, port)
	}
}

func TestCorruptFrameIsDroppedAndLoopContinues(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("secret")
	link, recv := openLink(t, fk, "secret")

	bad, err := wire.NewMessage(wire.NewHeader(wire.MsgStatus, "bad-1", "kernel", "kernel"), wire.Status{ExecutionState: wire.StateBusy})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	frames, err := wire.Encode(bad, []byte("secret"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frames[2] = []byte(strings.Repeat("0", 64))
	fk.PublishRaw(frames...)

	if err := fk.Publish(wire.MsgStatus, wire.Header{MsgID: "podC"}, wire.Status{ExecutionState: wire.StateIdle}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := recv.next(t)
	if msg.CorrelationID() != "podC" {
		t.Fatalf("expected the valid message after the corrupt one, got parent %q", msg.CorrelationID())
	}
	if link.Dropped() != 1 || link.Received() != 1 {
		t.Fatalf("unexpected counters dropped=%d received=%d", link.Dropped(), link.Received())
	}
}

func TestListenReplacesSubscription(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	link, first := openLink(t, fk, "")

	second := make(collector, 8)
	if err := link.Listen(context.Background(), second); err != nil {
		t.Fatalf("relisten: %v", err)
	}
	if n := fk.Subscribers(); n != 1 {
		t.Fatalf("expected one live subscription, got %d", n)
	}
	if _, err := link.RequestKernelInfo(); err != nil {
		t.Fatalf("kernel info: %v", err)
	}
	second.next(t)
	select {
	case msg := <-first:
		t.Fatalf("replaced receiver still got %s", msg.Header.MsgType)
	default:
	}
}

func TestListenStopsWhenContextDone(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	link := kernel.NewLink(testSpec(""), kernel.Config{}, kernel.WithSockets(fk.Sockets()))
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if err := link.Listen(ctx, make(collector, 1)); err != nil {
		t.Fatalf("listen: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for fk.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription still open after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInterruptAndShutdownRequests(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	link, _ := openLink(t, fk, "")

	if _, err := link.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if _, err := link.Shutdown(false); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	reqs := fk.Requests()
	if len(reqs) != 2 || reqs[0].Header.MsgType != wire.MsgInterruptRequest || reqs[1].Header.MsgType != wire.MsgShutdownRequest {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	var sd wire.ShutdownRequest
	if err := reqs[1].DecodeContent(&sd); err != nil || sd.Restart {
		t.Fatalf("unexpected shutdown content: %+v err=%v", sd, err)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	testlog.Start(t)
	link := kernel.NewLink(testSpec(""), kernel.Config{}, kernel.WithSockets(fakekernel.New("").Sockets()))
	defer link.Close()
	if _, err := link.Execute("pod", "", "1"); !errors.Is(err, kernel.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectFailure(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	fk.FailDial(kernel.RoleControl, errors.New("connection refused"))
	link := kernel.NewLink(testSpec(""), kernel.Config{}, kernel.WithSockets(fk.Sockets()))
	defer link.Close()

	err := link.Connect(context.Background())
	if !errors.Is(err, kernel.ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if _, err := link.Execute("pod", "", "1"); !errors.Is(err, kernel.ErrNotConnected) {
		t.Fatalf("partial connect must not leave a shell socket: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	fk := fakekernel.New("")
	link, _ := openLink(t, fk, "")

	if err := link.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !errors.Is(link.Err(), kernel.ErrLinkClosed) {
		t.Fatalf("expected receive loop to record ErrLinkClosed, got %v", link.Err())
	}
	if _, err := link.Execute("pod", "", "1"); !errors.Is(err, kernel.ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed, got %v", err)
	}
	if err := link.Listen(context.Background(), make(collector, 1)); !errors.Is(err, kernel.ErrLinkClosed) {
		t.Fatalf("expected ErrLinkClosed from listen, got %v", err)
	}
	if fk.Subscribers() != 0 {
		t.Fatalf("subscription survived close")
	}
}

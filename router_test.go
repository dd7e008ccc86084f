package ipcmux

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// eventRecorder turns gateway events into channels the test can wait on.
type eventRecorder struct {
	connected chan struct{}
	inputs    chan Input
	completed chan *Error
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		connected: make(chan struct{}, 16),
		inputs:    make(chan Input, 16),
		completed: make(chan *Error, 16),
	}
}

func (r *eventRecorder) handle(event Event) {
	switch e := event.(type) {
	case Connected:
		r.connected <- struct{}{}
	case Input:
		r.inputs <- Input{Sequence: e.Sequence, Payload: append([]byte{}, e.Payload...)}
	case Completed:
		r.completed <- e.Err
	}
}

func (r *eventRecorder) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-r.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connected event")
	}
}

func (r *eventRecorder) waitInput(t *testing.T) Input {
	t.Helper()
	select {
	case in := <-r.inputs:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for input event")
		return Input{}
	}
}

func (r *eventRecorder) waitCompleted(t *testing.T) *Error {
	t.Helper()
	select {
	case err := <-r.completed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for completed event")
		return nil
	}
}

// startRouterPair brings up a server router on a loopback port and a client
// router connected to it. The client is not started; tests usually make and
// subscribe gateways first.
func startRouterPair(t *testing.T, exec *Executor) (*ServerRouter, *ClientRouter) {
	t.Helper()

	listenAddr, err := ParseAddress("tcp://127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	server, err := NewServerRouter(exec, listenAddr, LoggerOption(nopLogger{}))
	if err != nil {
		t.Fatalf("NewServerRouter failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	port := server.Addr().(*net.TCPAddr).Port
	dialAddr, err := ParseAddress(fmt.Sprintf("tcp://127.0.0.1:%d", port), 0)
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	client, err := NewClientRouter(exec, dialAddr, LoggerOption(nopLogger{}))
	if err != nil {
		t.Fatalf("NewClientRouter failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return server, client
}

// registerEcho installs a factory that accepts every channel and echoes
// every payload back, the opening one included.
func registerEcho(t *testing.T, server *ServerRouter, id uint64) {
	t.Helper()
	err := server.RegisterFactory(id, func(gw Gateway, payload []byte) {
		first := append([]byte{}, payload...)
		gw.Subscribe(func(event Event) {
			if in, ok := event.(Input); ok {
				_ = gw.Send(id, in.Payload)
			}
		})
		_ = gw.Send(id, first)
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}
}

func TestRouter_HandshakeDeliversConnected(t *testing.T) {
	exec := startExecutor(t)
	_, client := startRouterPair(t, exec)

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)
}

func TestRouter_SubscribeAfterHandshake(t *testing.T) {
	exec := startExecutor(t)
	_, client := startRouterPair(t, exec)

	early := newEventRecorder()
	sentinel := client.MakeGateway()
	sentinel.Subscribe(early.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	early.waitConnected(t)

	// The route is already up; a fresh gateway still learns about it.
	late := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(late.handle)
	late.waitConnected(t)
}

func TestRouter_SendBeforeHandshake(t *testing.T) {
	exec := startExecutor(t)
	_, client := startRouterPair(t, exec)

	gw := client.MakeGateway()
	if err := gw.Send(1, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestRouter_EchoRoundTrip(t *testing.T) {
	const service = 77

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)
	registerEcho(t, server, service)

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("echo-%d", i)
		if err := gw.Send(service, []byte(msg)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		in := rec.waitInput(t)
		if string(in.Payload) != msg {
			t.Errorf("echoed %q, want %q", in.Payload, msg)
		}
		if in.Sequence != uint64(i) {
			t.Errorf("sequence = %d, want %d", in.Sequence, i)
		}
	}
}

func TestRouter_TwoChannelsAreIndependent(t *testing.T) {
	const service = 5

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)
	registerEcho(t, server, service)

	recA := newEventRecorder()
	gwA := client.MakeGateway()
	gwA.Subscribe(recA.handle)

	recB := newEventRecorder()
	gwB := client.MakeGateway()
	gwB.Subscribe(recB.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	recA.waitConnected(t)
	recB.waitConnected(t)

	if err := gwA.Send(service, []byte("for-a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := gwB.Send(service, []byte("for-b")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if in := recA.waitInput(t); string(in.Payload) != "for-a" {
		t.Errorf("channel A received %q", in.Payload)
	}
	if in := recB.waitInput(t); string(in.Payload) != "for-b" {
		t.Errorf("channel B received %q", in.Payload)
	}
}

func TestRouter_ServerCompletesChannel(t *testing.T) {
	const service = 12

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	err := server.RegisterFactory(service, func(gw Gateway, payload []byte) {
		gw.Subscribe(func(Event) {})
		_ = gw.Complete(CodeCanceled)
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(service, []byte("open")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	completedErr := rec.waitCompleted(t)
	if completedErr == nil || completedErr.Code != CodeCanceled {
		t.Errorf("completed with %v, want code %v", completedErr, CodeCanceled)
	}

	if err := gw.Send(service, []byte("late")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after completion = %v, want ErrNotConnected", err)
	}
}

func TestRouter_ClientCompletesChannel(t *testing.T) {
	const service = 13

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	serverRec := newEventRecorder()
	err := server.RegisterFactory(service, func(gw Gateway, payload []byte) {
		gw.Subscribe(serverRec.handle)
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(service, []byte("open")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	serverRec.waitConnected(t)

	if err := gw.Complete(CodeCanceled); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	completedErr := serverRec.waitCompleted(t)
	if completedErr == nil || completedErr.Code != CodeCanceled {
		t.Errorf("server completed with %v, want code %v", completedErr, CodeCanceled)
	}
}

func TestRouter_CloseIsGracefulEnd(t *testing.T) {
	const service = 14

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	serverRec := newEventRecorder()
	err := server.RegisterFactory(service, func(gw Gateway, payload []byte) {
		gw.Subscribe(serverRec.handle)
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(service, []byte("open")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	serverRec.waitConnected(t)

	if err := gw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	if completedErr := serverRec.waitCompleted(t); completedErr != nil {
		t.Errorf("server completed with %v, want graceful end", completedErr)
	}
}

func TestRouter_DisconnectFailsAllChannels(t *testing.T) {
	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	recs := make([]*eventRecorder, 3)
	for i := range recs {
		recs[i] = newEventRecorder()
		client.MakeGateway().Subscribe(recs[i].handle)
	}

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	for _, rec := range recs {
		rec.waitConnected(t)
	}

	server.Close()

	for i, rec := range recs {
		completedErr := rec.waitCompleted(t)
		if completedErr == nil || completedErr.Code != CodeDisconnected {
			t.Errorf("gateway %d completed with %v, want code %v", i, completedErr, CodeDisconnected)
		}
	}
}

func TestRouter_ClientGoneFailsServerChannels(t *testing.T) {
	const service = 15

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	serverRec := newEventRecorder()
	err := server.RegisterFactory(service, func(gw Gateway, payload []byte) {
		gw.Subscribe(serverRec.handle)
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(service, []byte("open")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	serverRec.waitConnected(t)

	client.Close()

	completedErr := serverRec.waitCompleted(t)
	if completedErr == nil || completedErr.Code != CodeDisconnected {
		t.Errorf("server completed with %v, want code %v", completedErr, CodeDisconnected)
	}
}

func TestRouter_UnknownServiceIsDropped(t *testing.T) {
	exec := startExecutor(t)
	_, client := startRouterPair(t, exec)

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(424242, []byte("nobody home")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case in := <-rec.inputs:
		t.Errorf("unexpected input %q", in.Payload)
	case err := <-rec.completed:
		t.Errorf("unexpected completion %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_FactoryDeclinesBySkippingSubscribe(t *testing.T) {
	const service = 16

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)

	err := server.RegisterFactory(service, func(gw Gateway, payload []byte) {
		// No Subscribe; the channel must be closed again.
	})
	if err != nil {
		t.Fatalf("RegisterFactory failed: %v", err)
	}

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if err := gw.Send(service, []byte("open")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if completedErr := rec.waitCompleted(t); completedErr != nil {
		t.Errorf("completed with %v, want graceful end", completedErr)
	}
}

func TestRouter_DuplicateFactory(t *testing.T) {
	exec := startExecutor(t)
	server, _ := startRouterPair(t, exec)

	factory := func(Gateway, []byte) {}
	if err := server.RegisterFactory(1, factory); err != nil {
		t.Fatalf("first RegisterFactory failed: %v", err)
	}

	err := server.RegisterFactory(1, factory)
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeAlreadyExists {
		t.Errorf("second RegisterFactory = %v, want code %v", err, CodeAlreadyExists)
	}
}

func TestRouter_MalformedEnvelopeFailsChannels(t *testing.T) {
	exec := startExecutor(t)

	// A rogue peer that answers every connection with a well-framed but
	// undecodable envelope: body length one, no body bytes.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = writeFrame(conn, net.Buffers{{envTagConnect, 1, 0}})
		// Keep the socket open so the only failure the client sees is the
		// protocol violation, not a racing close.
		time.Sleep(time.Second)
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	dialAddr, err := ParseAddress(fmt.Sprintf("tcp://127.0.0.1:%d", port), 0)
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	client, err := NewClientRouter(exec, dialAddr, LoggerOption(nopLogger{}))
	if err != nil {
		t.Fatalf("NewClientRouter failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(rec.handle)

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}

	completedErr := rec.waitCompleted(t)
	if completedErr == nil || completedErr.Code != CodeInvalidArgument {
		t.Errorf("completed with %v, want code %v", completedErr, CodeInvalidArgument)
	}
}

func TestRouter_SendFromConnectedHandler(t *testing.T) {
	const service = 17

	exec := startExecutor(t)
	server, client := startRouterPair(t, exec)
	registerEcho(t, server, service)

	rec := newEventRecorder()
	gw := client.MakeGateway()
	gw.Subscribe(func(event Event) {
		if _, ok := event.(Connected); ok {
			// Sending from inside the event handler must not deadlock.
			if err := gw.Send(service, []byte("from handler")); err != nil {
				t.Errorf("Send from handler failed: %v", err)
			}
		}
		rec.handle(event)
	})

	if err := client.Start(); err != nil {
		t.Fatalf("client Start failed: %v", err)
	}
	rec.waitConnected(t)

	if in := rec.waitInput(t); string(in.Payload) != "from handler" {
		t.Errorf("echoed %q, want %q", in.Payload, "from handler")
	}
}

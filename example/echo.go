package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/ipcmux"
)

type echoRequest struct {
	Text string
}

type echoReply struct {
	Text  string
	Count uint64
}

// runDaemon hosts the echo service. Every channel keeps its own message
// counter, so concurrent clients see independent counts.
func runDaemon(ctx context.Context, addr *ipcmux.SocketAddress) (*ipcmux.ServerRouter, error) {
	exec := ipcmux.NewExecutor()
	go func() {
		_ = exec.Run(ctx)
	}()

	server, err := ipcmux.NewServerRouter(exec, addr)
	if err != nil {
		return nil, err
	}

	err = ipcmux.RegisterChannel(server, "echo", func(ch *ipcmux.Channel[echoRequest, echoReply], first *echoRequest) {
		var count uint64
		reply := func(req *echoRequest) {
			count++
			if err := ch.Send(&echoReply{Text: req.Text, Count: count}); err != nil {
				slog.Error("echo reply failed", "error", err)
			}
		}

		ch.Subscribe(ipcmux.ChannelCallbacks[echoRequest]{
			OnInput: func(_ uint64, req *echoRequest) {
				reply(req)
			},
			OnCompleted: func(err *ipcmux.Error) {
				slog.Info("echo channel done", "error", err)
			},
		})
		reply(first)
	})
	if err != nil {
		return nil, err
	}

	if err := server.Start(); err != nil {
		return nil, err
	}
	slog.Info("daemon listening", "addr", addr.String())
	return server, nil
}

// runClient opens one echo channel, sends a few lines and closes it.
func runClient(ctx context.Context, addr *ipcmux.SocketAddress) (*ipcmux.ClientRouter, error) {
	exec := ipcmux.NewExecutor()
	go func() {
		_ = exec.Run(ctx)
	}()

	client, err := ipcmux.NewClientRouter(exec, addr)
	if err != nil {
		return nil, err
	}

	ch := ipcmux.NewChannel[echoReply, echoRequest](client, "echo")
	ch.Subscribe(ipcmux.ChannelCallbacks[echoReply]{
		OnConnected: func() {
			if err := ch.Send(&echoRequest{Text: "hello"}); err != nil {
				slog.Error("send failed", "error", err)
			}
		},
		OnInput: func(_ uint64, reply *echoReply) {
			slog.Info("echoed", "text", reply.Text, "count", reply.Count)
			if reply.Count >= 3 {
				_ = ch.Close()
				return
			}
			if err := ch.Send(&echoRequest{Text: reply.Text + "!"}); err != nil {
				slog.Error("send failed", "error", err)
			}
		},
		OnCompleted: func(err *ipcmux.Error) {
			slog.Info("channel completed", "error", err)
		},
	})

	if err := client.Start(); err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	addr, err := ipcmux.ParseAddress("tcp://127.0.0.1:12345", 0)
	if err != nil {
		slog.Error("bad address", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := runDaemon(ctx, addr)
	if err != nil {
		slog.Error("failed to start daemon", "error", err)
		return
	}
	defer server.Close()

	// Give the listener a moment before dialing.
	time.Sleep(100 * time.Millisecond)

	client, err := runClient(ctx, addr)
	if err != nil {
		slog.Error("failed to start client", "error", err)
		return
	}
	defer client.Close()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down...")
}

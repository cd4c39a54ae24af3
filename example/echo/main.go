package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/nkaretnikov/ioengine"
	"github.com/nkaretnikov/ioengine/signal"
)

func main() {
	if err := run(":4242"); err != nil {
		slog.Error("run", "error", err)
	}
}

// run accepts TCP connections with the standard library (socket creation
// and accept are outside this package's scope) and echoes whatever each
// connection sends, using an ExecutionQueue/IOThread pair for the actual
// I/O.
func run(addr string) error {
	eq, err := ioengine.NewExecutionQueue()
	if err != nil {
		return err
	}
	thread := ioengine.NewIOThread(eq)

	ctx := signal.InterruptContext()
	threadDone := make(chan error, 1)
	go func() { threadDone <- thread.Run(ctx) }()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("echo server listening", "addr", addr)

	go acceptLoop(ctx, ln, thread)

	<-ctx.Done()
	ln.Close()
	return <-threadDone
}

func acceptLoop(ctx context.Context, ln net.Listener, thread *ioengine.IOThread) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept", "error", err)
			continue
		}
		tcp, ok := nc.(*net.TCPConn)
		if !ok {
			nc.Close()
			continue
		}
		fd, err := rawFd(tcp)
		if err != nil {
			slog.Warn("raw fd", "error", err)
			tcp.Close()
			continue
		}
		newEchoConn(thread, fd, tcp)
	}
}

// rawFd extracts the file descriptor backing a *net.TCPConn. The caller
// must keep tcp alive for as long as fd is in use: the runtime closes fd
// once tcp is garbage collected.
func rawFd(tcp *net.TCPConn) (int, error) {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(h uintptr) { fd = int(h) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// echoConn drives one connection's receive/send cycle: read whatever
// arrives, write it back, repeat.
type echoConn struct {
	fd   int
	keep *net.TCPConn // retained so the runtime doesn't close fd underneath us
	buf  []byte

	recvQ *ioengine.SocketOperationQueue
	sendQ *ioengine.SocketOperationQueue
}

func newEchoConn(thread *ioengine.IOThread, fd int, keep *net.TCPConn) {
	c := &echoConn{
		fd:   fd,
		keep: keep,
		buf:  ioengine.GetBuffer(4096),
	}
	c.recvQ = ioengine.NewSocketOperationQueue(thread.ExecutionQueue(), ioengine.DirectionRead, thread.Post)
	c.sendQ = ioengine.NewSocketOperationQueue(thread.ExecutionQueue(), ioengine.DirectionWrite, thread.Post)
	c.startRecv()
}

func (c *echoConn) startRecv() {
	op := ioengine.NewReceiveOperation(c.recvQ, c.fd, c.buf, c.onReceived)
	if _, err := c.recvQ.ExecuteAsync(op, true); err != nil {
		slog.Debug("recv on disposed queue", "fd", c.fd, "error", err)
	}
}

func (c *echoConn) onReceived(res ioengine.OpResult) {
	if res.Flags == ioengine.CompletedCanceled {
		return
	}
	if res.Err != nil {
		slog.Debug("recv error", "fd", c.fd, "error", res.Err)
		c.close()
		return
	}
	if res.BytesTransferred == 0 {
		slog.Debug("peer closed", "fd", c.fd)
		c.close()
		return
	}

	data := make([]byte, res.BytesTransferred)
	copy(data, c.buf[:res.BytesTransferred])
	c.send(data)
}

func (c *echoConn) send(data []byte) {
	op := ioengine.NewSendOperation(c.sendQ, c.fd, data, func(res ioengine.OpResult) {
		if res.Flags == ioengine.CompletedCanceled {
			return
		}
		if res.Err != nil {
			slog.Debug("send error", "fd", c.fd, "error", res.Err)
			c.close()
			return
		}
		c.startRecv()
	})
	if _, err := c.sendQ.ExecuteAsync(op, true); err != nil {
		slog.Debug("send on disposed queue", "fd", c.fd, "error", err)
	}
}

func (c *echoConn) close() {
	ioengine.PutBuffer(c.buf)
	c.recvQ.Dispose()
	c.sendQ.Dispose()
	c.keep.Close()
}

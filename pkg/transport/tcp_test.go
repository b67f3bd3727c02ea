package transport

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startEchoServer runs a TCP command server that wraps each payload in a
// successful envelope.
func startEchoServer(t *testing.T) string {
	t.Helper()

	server := NewTCPServer(func(ctx context.Context, payload []byte) ([]byte, error) {
		return OKReply(json.RawMessage(payload)), nil
	}, zap.NewNop())

	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	return addr
}

func TestTCPExecutor_RoundTrip(t *testing.T) {
	addr := startEchoServer(t)

	exec := NewTCPExecutor(TCPConfig{}, zap.NewNop())
	defer exec.Close()

	done := make(chan struct{})
	var gotResp CommandResponse
	var gotErr error

	_, err := exec.ScheduleRemoteCommand(CommandRequest{
		Host:    addr,
		Payload: []byte(`{"cmd":"ping"}`),
		Timeout: 5 * time.Second,
	}, func(resp CommandResponse, err error) {
		gotResp, gotErr = resp, err
		close(done)
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command never completed")
	}

	require.NoError(t, gotErr)
	require.NoError(t, CommandStatus(gotResp.Payload))
	require.Greater(t, gotResp.Elapsed, time.Duration(0))

	var env Envelope
	require.NoError(t, json.Unmarshal(gotResp.Payload, &env))
	require.JSONEq(t, `{"cmd":"ping"}`, string(env.Body))
}

func TestTCPExecutor_ReusesConnections(t *testing.T) {
	addr := startEchoServer(t)

	exec := NewTCPExecutor(TCPConfig{PoolSize: 1}, zap.NewNop())
	defer exec.Close()

	for i := 0; i < 5; i++ {
		done := make(chan error, 1)
		_, err := exec.ScheduleRemoteCommand(CommandRequest{
			Host:    addr,
			Payload: []byte(`{"seq":1}`),
			Timeout: 5 * time.Second,
		}, func(resp CommandResponse, err error) {
			done <- err
		})
		require.NoError(t, err)
		require.NoError(t, <-done)
	}
}

func TestTCPExecutor_CancelReportsCanceled(t *testing.T) {
	// A server that never answers until released.
	release := make(chan struct{})
	server := NewTCPServer(func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return OKReply(nil), nil
	}, zap.NewNop())
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve()
	defer func() {
		close(release)
		server.Close()
	}()

	exec := NewTCPExecutor(TCPConfig{}, zap.NewNop())
	defer exec.Close()

	done := make(chan error, 1)
	handle, err := exec.ScheduleRemoteCommand(CommandRequest{
		Host:    addr,
		Payload: []byte(`{"cmd":"hang"}`),
	}, func(resp CommandResponse, err error) {
		done <- err
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	handle.Cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCommandCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never completed the command")
	}
}

func TestHostPool_GetAfterCloseReportsClosed(t *testing.T) {
	pool := &hostPool{
		conns:   make(chan net.Conn, 1),
		factory: func() (net.Conn, error) { return nil, ErrExecutorClosed },
		maxSize: 1,
	}
	pool.close()

	// The closed channel yields nil conns; get must surface an error, not
	// hand a nil connection to the exchange.
	conn, err := pool.get()
	require.Nil(t, conn)
	require.ErrorIs(t, err, ErrExecutorClosed)
}

func TestTCPExecutor_ClosedExecutorRejectsScheduling(t *testing.T) {
	exec := NewTCPExecutor(TCPConfig{}, zap.NewNop())
	require.NoError(t, exec.Close())

	_, err := exec.ScheduleRemoteCommand(CommandRequest{Host: "127.0.0.1:1"}, func(CommandResponse, error) {})
	require.ErrorIs(t, err, ErrExecutorClosed)
}

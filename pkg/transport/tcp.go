package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// maxFrameBytes caps a single command or reply frame.
	maxFrameBytes = 16 << 20

	defaultPoolSize    = 8
	defaultDialTimeout = 5 * time.Second
)

// TCPConfig controls the pooled TCP command executor.
type TCPConfig struct {
	// PoolSize is the maximum number of open connections per host.
	PoolSize int `yaml:"pool_size"`
	// DialTimeout bounds establishing a new connection.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func (c *TCPConfig) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
}

// hostPool manages a pool of connections for a single remote host. A
// command borrows a connection for one request/reply exchange and returns
// it afterwards; failed connections are discarded rather than returned.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.conns:
		// A nil conn means the channel was closed underneath us.
		if conn == nil {
			return nil, ErrExecutorClosed
		}
		return conn, nil
	default:
		p.mu.Lock()
		if p.numConns < p.maxSize {
			conn, err := p.factory()
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			p.numConns++
			p.mu.Unlock()
			return conn, nil
		}
		p.mu.Unlock()
		// Pool is full, wait for a connection to be returned.
		conn := <-p.conns
		if conn == nil {
			return nil, ErrExecutorClosed
		}
		return conn, nil
	}
}

func (p *hostPool) put(conn net.Conn) {
	select {
	case p.conns <- conn:
	default:
		p.discard(conn)
	}
}

func (p *hostPool) discard(conn net.Conn) {
	conn.Close()
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}

// TCPExecutor delivers commands over pooled TCP connections using 4-byte
// big-endian length-prefixed frames, one exchange per borrowed connection.
type TCPExecutor struct {
	cfg    TCPConfig
	log    *zap.Logger
	mu     sync.RWMutex
	pools  map[string]*hostPool
	closed atomic.Bool
}

// NewTCPExecutor creates an executor ready to schedule commands.
func NewTCPExecutor(cfg TCPConfig, log *zap.Logger) *TCPExecutor {
	cfg.setDefaults()
	return &TCPExecutor{
		cfg:   cfg,
		log:   log,
		pools: make(map[string]*hostPool),
	}
}

func (e *TCPExecutor) pool(host string) *hostPool {
	e.mu.RLock()
	p, ok := e.pools[host]
	e.mu.RUnlock()
	if ok {
		return p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Double-check after acquiring the write lock.
	if p, ok = e.pools[host]; ok {
		return p
	}
	p = &hostPool{
		conns: make(chan net.Conn, e.cfg.PoolSize),
		factory: func() (net.Conn, error) {
			return net.DialTimeout("tcp", host, e.cfg.DialTimeout)
		},
		maxSize: e.cfg.PoolSize,
	}
	e.pools[host] = p
	return p
}

type tcpHandle struct {
	cancel context.CancelFunc
	conn   atomic.Pointer[net.Conn]
	once   sync.Once
}

func (h *tcpHandle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		// Unblock an exchange already in progress.
		if conn := h.conn.Load(); conn != nil {
			(*conn).SetDeadline(time.Now())
		}
	})
}

// ScheduleRemoteCommand issues the command asynchronously and invokes cb
// with the outcome. The callback never runs on the calling goroutine.
func (e *TCPExecutor) ScheduleRemoteCommand(req CommandRequest, cb CommandCallback) (CommandHandle, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &tcpHandle{cancel: cancel}

	go func() {
		defer cancel()
		start := time.Now()

		pool := e.pool(req.Host)
		conn, err := pool.get()
		if err != nil {
			cb(CommandResponse{}, fmt.Errorf("transport: connect to %s: %w", req.Host, err))
			return
		}
		h.conn.Store(&conn)

		if ctx.Err() != nil {
			pool.put(conn)
			cb(CommandResponse{}, ErrCommandCanceled)
			return
		}

		var deadline time.Time
		if req.Timeout > 0 {
			deadline = start.Add(req.Timeout)
		}
		conn.SetDeadline(deadline)

		reply, err := exchangeFrames(conn, req.Payload)
		if err != nil {
			pool.discard(conn)
			if ctx.Err() != nil {
				cb(CommandResponse{}, ErrCommandCanceled)
				return
			}
			cb(CommandResponse{}, fmt.Errorf("transport: exchange with %s: %w", req.Host, err))
			return
		}

		conn.SetDeadline(time.Time{})
		pool.put(conn)
		cb(CommandResponse{Payload: reply, Elapsed: time.Since(start)}, nil)
	}()

	return h, nil
}

// Now returns the executor's clock reading.
func (e *TCPExecutor) Now() time.Time { return time.Now() }

// Close shuts down every per-host pool.
func (e *TCPExecutor) Close() error {
	e.closed.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pools {
		p.close()
	}
	e.pools = make(map[string]*hostPool)
	return nil
}

func exchangeFrames(conn net.Conn, payload []byte) ([]byte, error) {
	if err := writeFrame(conn, payload); err != nil {
		return nil, err
	}
	return readFrame(conn)
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// payload bytes.
func writeFrame(w io.Writer, payload []byte) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// TCPServer serves the command endpoint over plain TCP with the same
// framing the TCPExecutor speaks.
type TCPServer struct {
	handler  Handler
	log      *zap.Logger
	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewTCPServer builds a server that feeds inbound frames to handler.
func NewTCPServer(handler Handler, log *zap.Logger) *TCPServer {
	return &TCPServer{handler: handler, log: log}
}

// Listen binds the server to addr and returns the bound address, which is
// useful with ":0" in tests.
func (s *TCPServer) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr().String(), nil
}

// Serve accepts connections until the server is closed. Listen must have
// been called first.
func (s *TCPServer) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("transport: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("Command connection closed", zap.Error(err))
			}
			return
		}

		reply, err := s.handler(context.Background(), payload)
		if err != nil {
			reply = ErrorReply(0, err.Error())
		}
		if err := writeFrame(conn, reply); err != nil {
			s.log.Warn("Failed to write command reply", zap.Error(err))
			return
		}
	}
}

// Close stops accepting connections and waits for in-flight handlers.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultCommandPath = "/command"

// Handler processes one inbound command payload and returns the reply
// payload. It is also the in-process entry point used for local-shard
// loopback dispatch.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// HTTP3Config controls the HTTP/3 command executor and server.
type HTTP3Config struct {
	// URLPath is the command endpoint. Defaults to "/command".
	URLPath string `yaml:"url_path"`
	// DispatchRatePerSec caps outbound command dispatch. Zero disables pacing.
	DispatchRatePerSec float64 `yaml:"dispatch_rate_per_sec"`
	// DispatchBurst is the pacing burst size. Defaults to 16 when pacing is on.
	DispatchBurst int `yaml:"dispatch_burst"`
	// TLS is required for HTTP/3 on both sides.
	TLS *tls.Config `yaml:"-"`
	// QUIC tunes the underlying connections (optional).
	QUIC *quic.Config `yaml:"-"`
}

func (c *HTTP3Config) setDefaults() {
	if c.URLPath == "" {
		c.URLPath = defaultCommandPath
	}
	if c.DispatchRatePerSec > 0 && c.DispatchBurst <= 0 {
		c.DispatchBurst = 16
	}
}

// HTTP3Executor delivers commands over HTTP/3, one POST per command. The
// http3 transport multiplexes requests to the same host over a single QUIC
// connection, so no explicit per-host pooling is needed here.
type HTTP3Executor struct {
	cfg     HTTP3Config
	rt      *http3.Transport
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	closed  atomic.Bool
}

// NewHTTP3Executor creates an executor ready to schedule commands.
func NewHTTP3Executor(cfg HTTP3Config, log *zap.Logger) *HTTP3Executor {
	cfg.setDefaults()
	rt := &http3.Transport{TLSClientConfig: cfg.TLS, QUICConfig: cfg.QUIC}

	e := &HTTP3Executor{
		cfg:    cfg,
		rt:     rt,
		client: &http.Client{Transport: rt},
		log:    log,
	}
	if cfg.DispatchRatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSec), cfg.DispatchBurst)
	}
	return e
}

type httpHandle struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (h *httpHandle) Cancel() { h.once.Do(h.cancel) }

// ScheduleRemoteCommand issues the command asynchronously and invokes cb
// with the outcome. The callback never runs on the calling goroutine.
func (e *HTTP3Executor) ScheduleRemoteCommand(req CommandRequest, cb CommandCallback) (CommandHandle, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	h := &httpHandle{cancel: cancel}

	go func() {
		defer cancel()
		start := time.Now()

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				cb(CommandResponse{}, ErrCommandCanceled)
				return
			}
		}

		url := fmt.Sprintf("https://%s%s", req.Host, e.cfg.URLPath)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
		if err != nil {
			cb(CommandResponse{}, fmt.Errorf("transport: build request for %s: %w", req.Host, err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/octet-stream")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				cb(CommandResponse{}, ErrCommandCanceled)
				return
			}
			cb(CommandResponse{}, fmt.Errorf("transport: send to %s: %w", req.Host, err))
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				cb(CommandResponse{}, ErrCommandCanceled)
				return
			}
			cb(CommandResponse{}, fmt.Errorf("transport: read reply from %s: %w", req.Host, err))
			return
		}
		if resp.StatusCode >= 300 {
			cb(CommandResponse{}, fmt.Errorf("transport: %s returned %s", req.Host, resp.Status))
			return
		}

		cb(CommandResponse{Payload: body, Elapsed: time.Since(start)}, nil)
	}()

	return h, nil
}

// Now returns the executor's clock reading.
func (e *HTTP3Executor) Now() time.Time { return time.Now() }

// Close tears down the QUIC connections. In-flight callbacks still fire.
func (e *HTTP3Executor) Close() error {
	e.closed.Store(true)
	return e.rt.Close()
}

// HTTP3Server serves the command endpoint over HTTP/3.
type HTTP3Server struct {
	server  *http3.Server
	handler Handler
	log     *zap.Logger
}

// NewHTTP3Server builds a server bound to addr that feeds inbound payloads
// to handler. TLS is mandatory for HTTP/3.
func NewHTTP3Server(addr string, cfg HTTP3Config, handler Handler, log *zap.Logger) *HTTP3Server {
	cfg.setDefaults()

	s := &HTTP3Server{handler: handler, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.URLPath, s.handleCommand)

	s.server = &http3.Server{
		Addr:       addr,
		Handler:    mux,
		TLSConfig:  cfg.TLS,
		QUICConfig: cfg.QUIC,
	}
	return s
}

func (s *HTTP3Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := s.handler(r.Context(), payload)
	if err != nil {
		s.log.Warn("Command handler failed", zap.Error(err))
		reply = ErrorReply(0, err.Error())
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(reply); err != nil {
		s.log.Warn("Failed to write command reply", zap.Error(err))
	}
}

// ListenAndServe blocks serving the command endpoint.
func (s *HTTP3Server) ListenAndServe() error {
	s.log.Info("HTTP/3 command server starting", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Close shuts the server down.
func (s *HTTP3Server) Close() error {
	return s.server.Close()
}

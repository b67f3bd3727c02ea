// torvus_coordinator runs one TorvusDB transaction coordination node: a raft
// member that replicates the cluster shard map, serves participant commands
// from peer shards, and, while leader, coordinates cross-shard two-phase
// commits.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/torvusdb/torvus/config/certs"
	"github.com/torvusdb/torvus/core/coordstore"
	"github.com/torvusdb/torvus/core/participant"
	"github.com/torvusdb/torvus/core/sharding"
	"github.com/torvusdb/torvus/core/twopc"
	"github.com/torvusdb/torvus/internal/clustermeta"
	"github.com/torvusdb/torvus/internal/leadership"
	internaltelemetry "github.com/torvusdb/torvus/internal/telemetry"
	"github.com/torvusdb/torvus/pkg/executor"
	"github.com/torvusdb/torvus/pkg/future"
	"github.com/torvusdb/torvus/pkg/logger"
	"github.com/torvusdb/torvus/pkg/telemetry"
	"github.com/torvusdb/torvus/pkg/transport"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
	raftApplyTimeout     = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config/torvus.yaml", "path to the node configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("Coordinator node failed", zap.Error(err))
	}
}

func run(cfg *Config, zlog *zap.Logger) error {
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	metrics, err := internaltelemetry.NewTwoPCMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	pool := executor.NewPool(cfg.Pool)
	defer pool.Shutdown()

	// Shard registry, fed from the replicated shard map plus any static seed.
	registry := sharding.NewMapRegistry(cfg.Registry, zlog)
	for id, hosts := range cfg.Shards {
		registry.SetShardHosts(sharding.ShardID(id), hosts)
	}
	fsm := clustermeta.NewShardMapFSM(zlog)
	fsm.SetOnChange(func(shardID string, hosts []string) {
		if hosts == nil {
			registry.RemoveShard(sharding.ShardID(shardID))
			return
		}
		registry.SetShardHosts(sharding.ShardID(shardID), hosts)
	})

	raftNode, err := startRaft(cfg, fsm, zlog)
	if err != nil {
		return err
	}
	defer func() {
		if err := raftNode.Shutdown().Error(); err != nil {
			zlog.Warn("Raft shutdown reported an error", zap.Error(err))
		}
	}()

	// Participant side: local transaction state plus the command server
	// peers dispatch against.
	manager := participant.NewManager(participant.Hooks{}, zlog)

	var serverTLS, clientTLS *tls.Config
	if cfg.Transport.Kind == "http3" {
		serverTLS, clientTLS, err = loadTLS(cfg, zlog)
		if err != nil {
			return err
		}
	}
	stopServer, err := startCommandServer(cfg, serverTLS, manager.HandleRequest, zlog)
	if err != nil {
		return err
	}
	defer stopServer()

	remote, stopRemote := newRemoteExecutor(cfg, clientTLS, zlog)
	defer stopRemote()

	store, err := newCoordinatorStore(cfg)
	if err != nil {
		return err
	}

	svc, err := twopc.NewCoordinatorService(twopc.ServiceDeps{
		Pool:          pool,
		Remote:        remote,
		Shards:        registry,
		Identity:      cfg.identity(),
		EntryPoint:    manager,
		Store:         store,
		Logger:        zlog,
		Metrics:       metrics,
		TargetMaxWait: cfg.TwoPC.TargetMaxWait,
	})
	if err != nil {
		return fmt.Errorf("init coordinator service: %w", err)
	}
	defer svc.Shutdown()

	watcher := leadership.NewWatcher(svc, zlog)
	go watcher.Run(raftNode.LeaderCh())
	defer watcher.Stop()

	admin := startAdminServer(cfg, raftNode, fsm, svc, zlog)
	defer admin.Close()

	zlog.Info("Coordinator node started",
		zap.String("nodeId", cfg.Node.ID),
		zap.String("role", cfg.Node.Role),
		zap.String("commandAddr", cfg.Listen.CommandAddr),
		zap.String("raftAddr", cfg.Raft.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zlog.Info("Shutting down", zap.String("signal", sig.String()))
	return nil
}

func startRaft(cfg *Config, fsm *clustermeta.ShardMapFSM, zlog *zap.Logger) (*raft.Raft, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.Node.ID)
	raftCfg.Logger = logger.NewRaftAdapter(zlog)

	dataDir := filepath.Join(cfg.Raft.DataDir, cfg.Node.ID)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create raft data dir %s: %w", dataDir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Raft.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft address %s: %w", cfg.Raft.Addr, err)
	}
	trans, err := raft.NewTCPTransport(cfg.Raft.Addr, addr, raftTransportMaxPool, raftTransportTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, raftSnapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}
	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft bolt store: %w", err)
	}

	node, err := raft.NewRaft(raftCfg, fsm, boltDB, boltDB, snapshots, trans)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if cfg.Raft.Bootstrap {
		zlog.Info("Bootstrapping raft cluster as the first node")
		future := node.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: trans.LocalAddr()}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		}
	}
	return node, nil
}

func startCommandServer(cfg *Config, serverTLS *tls.Config, handler transport.Handler, zlog *zap.Logger) (func(), error) {
	switch cfg.Transport.Kind {
	case "http3":
		h3cfg := cfg.Transport.HTTP3
		h3cfg.TLS = serverTLS
		server := transport.NewHTTP3Server(cfg.Listen.CommandAddr, h3cfg, handler, zlog)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				zlog.Error("HTTP/3 command server stopped", zap.Error(err))
			}
		}()
		return func() { server.Close() }, nil
	default:
		server := transport.NewTCPServer(handler, zlog)
		if _, err := server.Listen(cfg.Listen.CommandAddr); err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Listen.CommandAddr, err)
		}
		go func() {
			if err := server.Serve(); err != nil {
				zlog.Error("TCP command server stopped", zap.Error(err))
			}
		}()
		return func() { server.Close() }, nil
	}
}

func newRemoteExecutor(cfg *Config, clientTLS *tls.Config, zlog *zap.Logger) (twopc.RemoteCommandExecutor, func()) {
	switch cfg.Transport.Kind {
	case "http3":
		h3cfg := cfg.Transport.HTTP3
		h3cfg.TLS = clientTLS
		exec := transport.NewHTTP3Executor(h3cfg, zlog)
		return exec, func() { exec.Close() }
	default:
		exec := transport.NewTCPExecutor(cfg.Transport.TCP, zlog)
		return exec, func() { exec.Close() }
	}
}

// loadTLS returns the server and client TLS configs for HTTP/3. With no
// keypair configured it falls back to an ephemeral self-signed certificate.
func loadTLS(cfg *Config, zlog *zap.Logger) (*tls.Config, *tls.Config, error) {
	if cfg.Transport.CertFile != "" {
		server, err := certs.Load(cfg.Transport.CertFile, cfg.Transport.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return server, &tls.Config{MinVersion: tls.VersionTLS13}, nil
	}
	zlog.Warn("No TLS keypair configured; using an ephemeral self-signed certificate")
	return certs.SelfSigned()
}

func newCoordinatorStore(cfg *Config) (coordstore.Store, error) {
	if cfg.Storage.Driver == "mysql" {
		return coordstore.NewGormStore(cfg.Storage.DSN)
	}
	return coordstore.NewMemoryStore(), nil
}

// startAdminServer exposes the shard-map admin API and a status endpoint on a
// plain HTTP listener.
func startAdminServer(cfg *Config, node *raft.Raft, fsm *clustermeta.ShardMapFSM, svc *twopc.CoordinatorService, zlog *zap.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/shards", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(fsm.ShardHosts())
		case http.MethodPost, http.MethodDelete:
			if node.State() != raft.Leader {
				http.Error(w, "not the leader", http.StatusConflict)
				return
			}
			var cmd clustermeta.Command
			if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
				http.Error(w, "bad command: "+err.Error(), http.StatusBadRequest)
				return
			}
			if r.Method == http.MethodDelete {
				cmd.Op = clustermeta.OpRemoveShard
			} else if cmd.Op == "" {
				cmd.Op = clustermeta.OpAssignShard
			}
			data, err := cmd.Encode()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			future := node.Apply(data, raftApplyTimeout)
			if err := future.Error(); err != nil {
				http.Error(w, "apply: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
			if resp, ok := future.Response().(error); ok && resp != nil {
				http.Error(w, resp.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Client-facing coordination API. A driver first registers the
	// coordinator for its transaction, then delivers the participant list
	// and waits for the decision.
	mux.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionID string `json:"sessionId"`
			TxnNumber int64  `json:"txnNumber"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		// A request without a session id starts a fresh session; the
		// minted id is echoed back for the driver to commit against.
		sid := twopc.SessionID(req.SessionID)
		if sid == "" {
			sid = twopc.NewSessionID()
		}
		deadline := time.Now().Add(cfg.TwoPC.CommitDeadline)
		err := svc.CreateCoordinator(r.Context(), sid, twopc.TxnNumber(req.TxnNumber), deadline)
		if err != nil {
			http.Error(w, err.Error(), coordinationStatus(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": string(sid),
			"txnNumber": req.TxnNumber,
		})
	})

	mux.HandleFunc("/transactions/commit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			SessionID    string   `json:"sessionId"`
			TxnNumber    int64    `json:"txnNumber"`
			Participants []string `json:"participants"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}

		var fut *future.Future[twopc.Decision]
		var found bool
		var err error
		if len(req.Participants) > 0 {
			participants := make([]sharding.ShardID, 0, len(req.Participants))
			for _, p := range req.Participants {
				participants = append(participants, sharding.ShardID(p))
			}
			fut, found, err = svc.CoordinateCommit(r.Context(), twopc.SessionID(req.SessionID), twopc.TxnNumber(req.TxnNumber), participants)
		} else {
			fut, found, err = svc.RecoverCommit(r.Context(), twopc.SessionID(req.SessionID), twopc.TxnNumber(req.TxnNumber))
		}
		if err != nil {
			http.Error(w, err.Error(), coordinationStatus(err))
			return
		}
		if !found {
			http.Error(w, "no such transaction coordinator", http.StatusNotFound)
			return
		}

		decision, err := fut.Get(r.Context())
		if err != nil {
			http.Error(w, err.Error(), coordinationStatus(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"decision": string(decision)})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"nodeId":    cfg.Node.ID,
			"raftState": node.State().String(),
			"leader":    string(node.Leader()),
			"shards":    fsm.ShardHosts(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{Addr: cfg.Listen.AdminAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error("Admin server stopped", zap.Error(err))
		}
	}()
	return server
}

// coordinationStatus maps coordination errors onto HTTP statuses.
func coordinationStatus(err error) int {
	switch {
	case errors.Is(err, twopc.ErrNotLeader):
		return http.StatusConflict
	case errors.Is(err, twopc.ErrTransactionTooOld):
		return http.StatusPreconditionFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

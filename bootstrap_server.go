package blockclique

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

// BootstrapPath is the HTTP path bootstrap sessions are served on.
const BootstrapPath = "/" + Protocol + "/bootstrap"

// SnapshotSource provides consistent snapshots to bootstrap sessions.
type SnapshotSource interface {
	GetBootstrapSnapshot() (*BootstrapSnapshot, error)
}

// BootstrapServer streams snapshots of the node state to joining nodes.
type BootstrapServer struct {
	cfg      *Config
	source   SnapshotSource
	key      ed25519.PrivateKey
	codec    *FrameCodec
	metrics  *Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
	sessions chan struct{} // one token per running session
	server   *http.Server
	listener net.Listener

	connLock sync.Mutex
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
}

// NewBootstrapServer returns a new BootstrapServer signing its commitments with key.
func NewBootstrapServer(cfg *Config, source SnapshotSource, key ed25519.PrivateKey, metrics *Metrics,
	logger *zap.Logger) (*BootstrapServer, error) {

	codec, err := NewFrameCodec(cfg.MaxBootstrapMessageSize)
	if err != nil {
		return nil, err
	}
	s := &BootstrapServer{
		cfg:     cfg,
		source:  source,
		key:     key,
		codec:   codec,
		metrics: metrics,
		logger:  logger.Named("bootstrap_server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(chan struct{}, cfg.MaxSimultaneousBootstraps),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc(BootstrapPath, s.handleSession).Methods(http.MethodGet)
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: cfg.MaxSendWait}
	return s, nil
}

// Router returns the server's router. Other protocol paths may be served on the same listener.
func (s *BootstrapServer) Router() *mux.Router {
	return s.router
}

// Run starts listening for bootstrap sessions on addr.
func (s *BootstrapServer) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Bootstrap listener stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Listening for bootstrap sessions", zap.Stringer("address", ln.Addr()))
	return nil
}

// Addr returns the address the server listens on.
func (s *BootstrapServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown aborts running sessions and stops the server synchronously.
func (s *BootstrapServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxSendWait)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Shutting down bootstrap listener", zap.Error(err))
	}
	s.connLock.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connLock.Unlock()
	s.wg.Wait()
	s.codec.Close()
	s.logger.Info("Bootstrap server shutdown")
}

func (s *BootstrapServer) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrading bootstrap connection", zap.Error(err))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.connLock.Lock()
	s.conns[conn] = struct{}{}
	s.connLock.Unlock()
	defer func() {
		s.connLock.Lock()
		delete(s.conns, conn)
		s.connLock.Unlock()
		conn.Close()
	}()

	sessionID := uuid.New().String()
	logger := s.logger.With(zap.String("session", sessionID), zap.String("remote", conn.RemoteAddr().String()))

	select {
	case s.sessions <- struct{}{}:
		defer func() { <-s.sessions }()
	default:
		logger.Info("Too many bootstrap sessions, refusing")
		s.send(conn, "bootstrap_error", BootstrapErrorMessage{Error: "too many bootstrap sessions"})
		return
	}

	start := time.Now()
	if err := s.serveSession(conn, sessionID, logger); err != nil {
		s.metrics.bootstrapsFailed.Inc()
		logger.Info("Bootstrap session failed", zap.Error(err))
		return
	}
	s.metrics.bootstrapsServed.Inc()
	logger.Info("Bootstrap session served", zap.Duration("elapsed", time.Since(start)))
}

func (s *BootstrapServer) serveSession(conn *websocket.Conn, sessionID string, logger *zap.Logger) error {
	conn.SetReadLimit(int64(s.cfg.MaxBootstrapMessageSize))

	// wait for the client's challenge
	conn.SetReadDeadline(time.Now().Add(s.cfg.MaxSendWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return bootstrapIOError(err)
	}
	msgType, body, err := s.codec.Decode(frame)
	if err != nil {
		return err
	}
	if msgType != "bootstrap_hello" {
		return fmt.Errorf("%w: expected bootstrap_hello, received %s", ErrValidation, msgType)
	}
	var hello BootstrapHelloMessage
	if err := json.Unmarshal(body, &hello); err != nil {
		return err
	}
	if hello.Version != Protocol {
		s.send(conn, "bootstrap_error", BootstrapErrorMessage{Error: "unsupported version " + hello.Version})
		return fmt.Errorf("%w: client version %s", ErrValidation, hello.Version)
	}
	if len(hello.Randomness) != BOOTSTRAP_RANDOMNESS_SIZE_BYTES {
		return fmt.Errorf("%w: %d bytes of randomness", ErrValidation, len(hello.Randomness))
	}

	snap, err := s.source.GetBootstrapSnapshot()
	if err != nil {
		return err
	}
	defer snap.Ledger.Release()
	plan, err := planBootstrap(s.cfg, snap)
	if err != nil {
		s.send(conn, "bootstrap_error", BootstrapErrorMessage{Error: err.Error()})
		return err
	}
	logger.Debug("Snapshot planned",
		zap.Stringer("final_slot", plan.slot),
		zap.String("graph", plan.graphTier),
		zap.Int("final_blocks", len(plan.finalBlocks)),
		zap.Int("blocks", len(plan.blocks)))

	// commit to the snapshot before streaming it
	digest := newSnapshotDigest()
	err = streamPlan(s.cfg, plan, snap.Ledger, func(msgType string, body []byte) error {
		digest.add(msgType, body)
		return nil
	})
	if err != nil {
		s.send(conn, "bootstrap_error", BootstrapErrorMessage{Error: err.Error()})
		return err
	}
	sum := digest.sum()
	serverTime := time.Now().UnixMilli()
	commitHash := computeCommitHash(hello.Randomness, sum, serverTime)
	commit := BootstrapCommitMessage{
		SessionID:  sessionID,
		ServerTime: serverTime,
		Digest:     sum,
		Randomness: hello.Randomness,
		PublicKey:  s.key.Public().(ed25519.PublicKey),
		Signature:  ed25519.Sign(s.key, commitHash[:]),
	}
	if err := s.send(conn, "bootstrap_commit", commit); err != nil {
		return err
	}

	err = streamPlan(s.cfg, plan, snap.Ledger, func(msgType string, body []byte) error {
		return s.send(conn, msgType, json.RawMessage(body))
	})
	if err != nil {
		return err
	}
	return s.send(conn, "bootstrap_end", BootstrapEndMessage{Digest: sum})
}

// send writes one frame within the send deadline
func (s *BootstrapServer) send(conn *websocket.Conn, msgType string, body interface{}) error {
	frame, err := s.codec.Encode(msgType, body)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.MaxSendWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return bootstrapIOError(err)
	}
	return nil
}

// bootstrapIOError marks deadline failures as bootstrap timeouts
func bootstrapIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrBootstrapTimeout, err.Error())
	}
	return err
}

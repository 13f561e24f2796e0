package blockclique

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
)

// BootstrapPeer is a bootstrap server and the node key it commits with.
type BootstrapPeer struct {
	Address   string // host:port
	PublicKey ed25519.PublicKey
}

// BootstrapClient fetches a consistent snapshot from one of its bootstrap peers.
type BootstrapClient struct {
	cfg     *Config
	peers   []BootstrapPeer
	codec   *FrameCodec
	dialer  *websocket.Dialer
	metrics *Metrics
	logger  *zap.Logger
}

// NewBootstrapClient returns a new BootstrapClient.
func NewBootstrapClient(cfg *Config, peers []BootstrapPeer, metrics *Metrics, logger *zap.Logger) (
	*BootstrapClient, error) {

	if len(peers) == 0 {
		return nil, fmt.Errorf("no bootstrap peers")
	}
	codec, err := NewFrameCodec(cfg.MaxBootstrapMessageSize)
	if err != nil {
		return nil, err
	}
	return &BootstrapClient{
		cfg:     cfg,
		peers:   peers,
		codec:   codec,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.MaxSendWait},
		metrics: metrics,
		logger:  logger.Named("bootstrap_client"),
	}, nil
}

// Close releases the client's resources.
func (c *BootstrapClient) Close() {
	c.codec.Close()
}

// Bootstrap tries the peers in turn until one serves a complete snapshot. Every attempt
// starts from an empty state so a failed transfer leaves nothing behind.
func (c *BootstrapClient) Bootstrap(ctx context.Context) (*BootstrapState, error) {
	for {
		var lastErr error
		for _, peer := range c.peers {
			c.logger.Info("Bootstrapping", zap.String("peer", peer.Address))
			state, err := c.attempt(ctx, peer)
			if err == nil {
				c.metrics.bootstrapAttempts.WithLabelValues("success").Inc()
				c.logger.Info("Bootstrap complete",
					zap.String("peer", peer.Address), zap.Stringer("final_slot", state.Final.Slot))
				return state, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.metrics.bootstrapAttempts.WithLabelValues("failure").Inc()
			c.logger.Warn("Bootstrap attempt failed", zap.String("peer", peer.Address), zap.Error(err))
			lastErr = err
		}
		c.logger.Info("Every bootstrap peer failed, retrying", zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.MaxSendWait):
		}
	}
}

func (c *BootstrapClient) attempt(ctx context.Context, peer BootstrapPeer) (*BootstrapState, error) {
	conn, _, err := c.dialer.DialContext(ctx, "ws://"+peer.Address+BootstrapPath, nil)
	if err != nil {
		return nil, bootstrapIOError(err)
	}
	defer conn.Close()
	conn.SetReadLimit(int64(c.cfg.MaxBootstrapMessageSize))

	// abort reads and writes when ctx is done
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	randomness := make([]byte, BOOTSTRAP_RANDOMNESS_SIZE_BYTES)
	if _, err := rand.Read(randomness); err != nil {
		return nil, err
	}
	sent := time.Now()
	if err := c.send(conn, "bootstrap_hello", BootstrapHelloMessage{Version: Protocol, Randomness: randomness}); err != nil {
		return nil, err
	}

	msgType, body, err := c.receive(conn)
	if err != nil {
		return nil, err
	}
	received := time.Now()
	if msgType == "bootstrap_error" {
		return nil, remoteBootstrapError(body)
	}
	if msgType != "bootstrap_commit" {
		return nil, fmt.Errorf("%w: expected bootstrap_commit, received %s", ErrValidation, msgType)
	}
	var commit BootstrapCommitMessage
	if err := json.Unmarshal(body, &commit); err != nil {
		return nil, err
	}
	if err := c.checkCommit(peer, randomness, &commit, sent, received); err != nil {
		return nil, err
	}

	r := newBootstrapReceiver(c.cfg)
	for {
		msgType, body, err := c.receive(conn)
		if err != nil {
			return nil, err
		}
		switch msgType {
		case "bootstrap_error":
			return nil, remoteBootstrapError(body)
		case "bootstrap_end":
			var end BootstrapEndMessage
			if err := json.Unmarshal(body, &end); err != nil {
				return nil, err
			}
			sum := r.digest.sum()
			if sum != commit.Digest || sum != end.Digest {
				return nil, fmt.Errorf("%w: snapshot digest %s doesn't match commitment %s",
					ErrValidation, sum, commit.Digest)
			}
			return r.finish()
		default:
			if err := r.receive(msgType, body); err != nil {
				return nil, err
			}
		}
	}
}

// checkCommit verifies the server signed our challenge and that our clocks agree
func (c *BootstrapClient) checkCommit(peer BootstrapPeer, randomness []byte, commit *BootstrapCommitMessage,
	sent, received time.Time) error {

	if !bytes.Equal(commit.Randomness, randomness) {
		return fmt.Errorf("%w: commitment to different randomness", ErrValidation)
	}
	if len(peer.PublicKey) != 0 && !bytes.Equal(commit.PublicKey, peer.PublicKey) {
		return fmt.Errorf("%w: commitment by unexpected key", ErrValidation)
	}
	if len(commit.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid commitment key", ErrValidation)
	}
	h := computeCommitHash(randomness, commit.Digest, commit.ServerTime)
	if !ed25519.Verify(commit.PublicKey, h[:], commit.Signature) {
		return fmt.Errorf("%w: commitment signature verification failed", ErrValidation)
	}

	// compare the server time with the middle of the round trip
	local := sent.Add(received.Sub(sent) / 2)
	drift := time.UnixMilli(commit.ServerTime).Sub(local)
	if drift < 0 {
		drift = -drift
	}
	if drift > c.cfg.MaxClockCompensation {
		return fmt.Errorf("%w: clock differs from the server's by %s, max: %s",
			ErrValidation, drift, c.cfg.MaxClockCompensation)
	}
	return nil
}

func (c *BootstrapClient) send(conn *websocket.Conn, msgType string, body interface{}) error {
	frame, err := c.codec.Encode(msgType, body)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.MaxSendWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return bootstrapIOError(err)
	}
	return nil
}

// receive reads one frame, which must arrive within the send deadline
func (c *BootstrapClient) receive(conn *websocket.Conn) (string, json.RawMessage, error) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.MaxSendWait))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return "", nil, bootstrapIOError(err)
	}
	return c.codec.Decode(frame)
}

func remoteBootstrapError(body json.RawMessage) error {
	var msg BootstrapErrorMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	return fmt.Errorf("bootstrap server error: %s", msg.Error)
}

// bootstrapReceiver assembles a snapshot from the frames of one session
type bootstrapReceiver struct {
	cfg         *Config
	digest      *snapshotDigest
	final       *FinalStateSnapshot
	lastAddr    *Address
	finalBlocks []*Block
	blocks      []*Block
	operations  []*Operation
	received    map[string]bool
}

func newBootstrapReceiver(cfg *Config) *bootstrapReceiver {
	return &bootstrapReceiver{
		cfg:    cfg,
		digest: newSnapshotDigest(),
		final: &FinalStateSnapshot{
			Entries: make(map[Address]*LedgerEntry),
		},
		received: make(map[string]bool),
	}
}

func (r *bootstrapReceiver) receive(msgType string, body json.RawMessage) error {
	r.digest.add(msgType, body)
	switch msgType {
	case "bootstrap_pos":
		var msg BootstrapPoSMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		if msg.PoS == nil {
			return fmt.Errorf("%w: empty PoS state", ErrValidation)
		}
		if len(msg.PoS.Cycles) > r.cfg.MaxBootstrapPosCycles || msg.PoS.Entries() > r.cfg.MaxBootstrapPosEntries {
			return fmt.Errorf("%w: PoS state exceeds bootstrap limits", ErrSnapshotTooLarge)
		}
		r.final.PoS = msg.PoS

	case "bootstrap_ledger":
		var msg BootstrapLedgerMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		for _, e := range msg.Entries {
			if r.lastAddr != nil && e.Address.Compare(*r.lastAddr) <= 0 {
				return fmt.Errorf("%w: ledger entries out of order", ErrValidation)
			}
			if e.Entry == nil {
				return fmt.Errorf("%w: empty ledger entry for %s", ErrValidation, e.Address)
			}
			addr := e.Address
			r.lastAddr = &addr
			r.final.Entries[addr] = e.Entry
		}

	case "bootstrap_final_blocks":
		var msg BootstrapFinalBlocksMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		if len(msg.Blocks) > r.cfg.MaxBootstrapBlocks {
			return fmt.Errorf("%w: %d final blocks", ErrSnapshotTooLarge, len(msg.Blocks))
		}
		if len(msg.LatestFinal) != int(r.cfg.ThreadCount) {
			return fmt.Errorf("%w: %d latest final blocks for %d threads",
				ErrValidation, len(msg.LatestFinal), r.cfg.ThreadCount)
		}
		r.final.Slot = msg.Slot
		r.final.LatestFinal = msg.LatestFinal
		r.finalBlocks = msg.Blocks

	case "bootstrap_graph":
		var msg BootstrapGraphMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		if len(msg.Blocks) > r.cfg.MaxBootstrapDeps || len(msg.Cliques) > r.cfg.MaxBootstrapCliques {
			return fmt.Errorf("%w: graph exceeds bootstrap limits", ErrSnapshotTooLarge)
		}
		for _, block := range msg.Blocks {
			if block == nil || block.Header == nil {
				return fmt.Errorf("%w: empty non-final block", ErrValidation)
			}
		}
		r.blocks = msg.Blocks

	case "bootstrap_operations":
		var msg BootstrapOperationsMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		if len(msg.Operations) > r.cfg.OperationBatchSize {
			return fmt.Errorf("%w: %d operations in one batch", ErrSnapshotTooLarge, len(msg.Operations))
		}
		for _, op := range msg.Operations {
			if op == nil {
				return fmt.Errorf("%w: empty pooled operation", ErrValidation)
			}
		}
		r.operations = append(r.operations, msg.Operations...)

	case "bootstrap_async_pool":
		var msg BootstrapAsyncPoolMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		if n := len(r.final.AsyncMessages) + len(msg.Messages); n > r.cfg.MaxAsyncPoolLength {
			return fmt.Errorf("%w: %d async messages", ErrSnapshotTooLarge, n)
		}
		for _, m := range msg.Messages {
			if m == nil {
				return fmt.Errorf("%w: empty async message", ErrValidation)
			}
		}
		r.final.AsyncMessages = append(r.final.AsyncMessages, msg.Messages...)

	default:
		return fmt.Errorf("%w: unexpected %s during bootstrap", ErrValidation, msgType)
	}
	r.received[msgType] = true
	return nil
}

func (r *bootstrapReceiver) finish() (*BootstrapState, error) {
	for _, required := range []string{"bootstrap_pos", "bootstrap_final_blocks", "bootstrap_graph", "bootstrap_async_pool"} {
		if !r.received[required] {
			return nil, fmt.Errorf("%w: session ended without %s", ErrValidation, required)
		}
	}
	ids := make(map[BlockID]struct{}, len(r.finalBlocks))
	for _, block := range r.finalBlocks {
		if block == nil || block.Header == nil {
			return nil, fmt.Errorf("%w: empty final block", ErrValidation)
		}
		id, err := block.ID()
		if err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	for _, id := range r.final.LatestFinal {
		if _, ok := ids[id]; !ok {
			return nil, fmt.Errorf("%w: latest final block %s not sent", ErrValidation, id)
		}
	}
	state := &BootstrapState{
		Final:       r.final,
		FinalBlocks: r.finalBlocks,
		Blocks:      r.blocks,
		Operations:  r.operations,
	}
	if err := state.check(); err != nil {
		return nil, err
	}
	return state, nil
}

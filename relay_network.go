package blockclique

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayPath is the HTTP path relay connections are served on.
const RelayPath = "/" + Protocol + "/relay"

// MessageHandler consumes the messages received by a RelayNetwork.
type MessageHandler interface {
	HandleMessage(peer string, msgType string, body json.RawMessage) error
	ForgetPeer(peer string)
}

// RelayNetwork is a minimal Network of websocket connections exchanging relay messages.
// Peers sending invalid messages are disconnected.
type RelayNetwork struct {
	cfg      *Config
	codec    *FrameCodec
	logger   *zap.Logger
	upgrader websocket.Upgrader
	handler  MessageHandler

	peersLock sync.RWMutex
	peers     map[string]*relayPeer
	closed    bool
	wg        sync.WaitGroup
}

type relayPeer struct {
	addr     string
	conn     *websocket.Conn
	outChan  chan []byte
	doneChan chan struct{}
	once     sync.Once
}

func (p *relayPeer) close() {
	p.once.Do(func() {
		close(p.doneChan)
		p.conn.Close()
	})
}

// NewRelayNetwork returns a new RelayNetwork.
func NewRelayNetwork(cfg *Config, logger *zap.Logger) (*RelayNetwork, error) {
	codec, err := NewFrameCodec(cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	return &RelayNetwork{
		cfg:    cfg,
		codec:  codec,
		logger: logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[string]*relayPeer),
	}, nil
}

// SetHandler sets the consumer of received messages. It must be called before any peer
// connects.
func (n *RelayNetwork) SetHandler(handler MessageHandler) {
	n.handler = handler
}

// ServeHTTP accepts an inbound peer connection.
func (n *RelayNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug("Upgrading relay connection", zap.Error(err))
		return
	}
	n.addPeer(conn.RemoteAddr().String(), conn)
}

// Connect dials a peer listening at addr (host:port).
func (n *RelayNetwork) Connect(ctx context.Context, addr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: n.cfg.MaxSendWait}
	conn, _, err := dialer.DialContext(ctx, "ws://"+addr+RelayPath, nil)
	if err != nil {
		return err
	}
	n.addPeer(addr, conn)
	return nil
}

func (n *RelayNetwork) addPeer(addr string, conn *websocket.Conn) {
	conn.SetReadLimit(int64(n.cfg.MaxMessageSize))
	peer := &relayPeer{
		addr:     addr,
		conn:     conn,
		outChan:  make(chan []byte, n.cfg.NodeSendChannelSize),
		doneChan: make(chan struct{}),
	}

	n.peersLock.Lock()
	if n.closed {
		n.peersLock.Unlock()
		conn.Close()
		return
	}
	if old, ok := n.peers[addr]; ok {
		old.close()
	}
	n.peers[addr] = peer
	n.wg.Add(2)
	n.peersLock.Unlock()

	n.logger.Info("Peer connected", zap.String("peer", addr))
	go n.readLoop(peer)
	go n.writeLoop(peer)
}

func (n *RelayNetwork) removePeer(peer *relayPeer) {
	peer.close()
	n.peersLock.Lock()
	current, ok := n.peers[peer.addr]
	if ok && current == peer {
		delete(n.peers, peer.addr)
	}
	n.peersLock.Unlock()
	if ok && current == peer {
		if n.handler != nil {
			n.handler.ForgetPeer(peer.addr)
		}
		n.logger.Info("Peer disconnected", zap.String("peer", peer.addr))
	}
}

func (n *RelayNetwork) readLoop(peer *relayPeer) {
	defer n.wg.Done()
	defer n.removePeer(peer)
	for {
		_, frame, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		msgType, body, err := n.codec.Decode(frame)
		if err != nil {
			n.logger.Info("Undecodable relay frame, disconnecting",
				zap.String("peer", peer.addr), zap.Error(err))
			return
		}
		if n.handler == nil {
			continue
		}
		if err := n.handler.HandleMessage(peer.addr, msgType, body); err != nil {
			if errors.Is(err, ErrValidation) {
				n.logger.Info("Invalid message from peer, disconnecting",
					zap.String("peer", peer.addr), zap.String("type", msgType), zap.Error(err))
				return
			}
			n.logger.Debug("Handling message",
				zap.String("peer", peer.addr), zap.String("type", msgType), zap.Error(err))
		}
	}
}

func (n *RelayNetwork) writeLoop(peer *relayPeer) {
	defer n.wg.Done()
	for {
		select {
		case frame := <-peer.outChan:
			peer.conn.SetWriteDeadline(time.Now().Add(n.cfg.MaxSendWait))
			if err := peer.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				n.logger.Debug("Writing to peer", zap.String("peer", peer.addr), zap.Error(err))
				peer.close()
				return
			}
		case <-peer.doneChan:
			return
		}
	}
}

// Peers returns the addresses of the connected peers.
func (n *RelayNetwork) Peers() []string {
	n.peersLock.RLock()
	defer n.peersLock.RUnlock()
	addrs := make([]string, 0, len(n.peers))
	for addr := range n.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Send queues a message for a peer.
func (n *RelayNetwork) Send(addr string, msg Message) error {
	n.peersLock.RLock()
	peer, ok := n.peers[addr]
	n.peersLock.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", addr)
	}
	frame, err := n.codec.Encode(msg.Type, msg.Body)
	if err != nil {
		return err
	}
	select {
	case peer.outChan <- frame:
		return nil
	case <-peer.doneChan:
		return fmt.Errorf("peer %s disconnected", addr)
	default:
		return fmt.Errorf("%w: send queue of peer %s is full", ErrPoolFull, addr)
	}
}

// ReportAttack logs an attack attempt and passes it on to the peers.
func (n *RelayNetwork) ReportAttack(attack AttackAttempt) {
	n.logger.Warn("Attack attempt",
		zap.Stringer("creator", attack.Creator),
		zap.Stringer("slot", attack.Slot),
		zap.Int("blocks", len(attack.Blocks)))
	for _, addr := range n.Peers() {
		if err := n.Send(addr, Message{Type: "attack_attempt", Body: AttackAttemptMessage{Attack: attack}}); err != nil {
			n.logger.Debug("Reporting attack", zap.String("peer", addr), zap.Error(err))
		}
	}
}

// Shutdown disconnects every peer synchronously.
func (n *RelayNetwork) Shutdown() {
	n.peersLock.Lock()
	n.closed = true
	for _, peer := range n.peers {
		peer.close()
	}
	n.peersLock.Unlock()
	n.wg.Wait()
	n.codec.Close()
	n.logger.Info("Relay network shutdown")
}

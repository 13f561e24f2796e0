package blockclique

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"go.uber.org/zap"
)

// Network is the peer layer the Propagator relays through.
type Network interface {
	// Peers returns the addresses of the connected peers.
	Peers() []string

	// Send queues a message for a peer.
	Send(peer string, msg Message) error

	// ReportAttack hands a detected multi-block attempt to the peer layer.
	ReportAttack(attack AttackAttempt)
}

// Propagator relays blocks, operations and endorsements between the Processor and the
// network. It also asks peers for the blocks the graph is missing.
type Propagator struct {
	cfg             *Config
	processor       *Processor
	network         Network
	queue           *BlockQueue
	logger          *zap.Logger
	graphChangeChan chan GraphChange
	poolItemChan    chan PoolItem
	outChan         chan outboundMessage
	shutdownChan    chan struct{}
	wg              sync.WaitGroup

	knownLock sync.Mutex
	known     map[string]*cuckoo.Filter // blocks each peer is known to have
	nextPeer  int
}

type outboundMessage struct {
	peer string
	msg  Message
}

// NewPropagator returns a new Propagator.
func NewPropagator(cfg *Config, processor *Processor, network Network, logger *zap.Logger) *Propagator {
	return &Propagator{
		cfg:             cfg,
		processor:       processor,
		network:         network,
		queue:           NewBlockQueue(cfg.MaxSendWait),
		logger:          logger.Named("propagator"),
		graphChangeChan: make(chan GraphChange, cfg.ChannelSize),
		poolItemChan:    make(chan PoolItem, cfg.ChannelSize),
		outChan:         make(chan outboundMessage, cfg.NodeSendChannelSize),
		shutdownChan:    make(chan struct{}),
		known:           make(map[string]*cuckoo.Filter),
	}
}

// Run executes the Propagator's main loop in its own goroutine.
func (p *Propagator) Run() {
	p.processor.RegisterForGraphChanges(p.graphChangeChan)
	p.processor.RegisterForPoolItems(p.poolItemChan)
	p.wg.Add(2)
	go p.run()
	go p.sendLoop()
}

func (p *Propagator) run() {
	defer p.wg.Done()
	defer p.processor.UnregisterForPoolItems(p.poolItemChan)
	defer p.processor.UnregisterForGraphChanges(p.graphChangeChan)

	retryTicker := time.NewTicker(p.cfg.MaxSendWait)
	defer retryTicker.Stop()

	for {
		select {
		case change := <-p.graphChangeChan:
			p.relayGraphChange(change)

		case item := <-p.poolItemChan:
			p.relayPoolItem(item)

		case <-retryTicker.C:
			if expired := p.queue.Expired(); len(expired) != 0 {
				p.logger.Debug("Asking again for blocks", zap.Int("count", len(expired)))
				p.ask(expired, "")
			}

		case _, ok := <-p.shutdownChan:
			if !ok {
				return
			}
		}
	}
}

func (p *Propagator) sendLoop() {
	defer p.wg.Done()
	for {
		select {
		case out := <-p.outChan:
			if err := p.network.Send(out.peer, out.msg); err != nil {
				p.logger.Debug("Sending message",
					zap.String("peer", out.peer), zap.String("type", out.msg.Type), zap.Error(err))
			}
		case _, ok := <-p.shutdownChan:
			if !ok {
				return
			}
		}
	}
}

// Shutdown stops the propagator synchronously.
func (p *Propagator) Shutdown() {
	close(p.shutdownChan)
	p.wg.Wait()
	p.logger.Info("Propagator shutdown")
}

// send queues a message without blocking the relay loop
func (p *Propagator) send(peer string, msgType string, body interface{}) {
	select {
	case p.outChan <- outboundMessage{peer: peer, msg: Message{Type: msgType, Body: body}}:
	default:
		p.logger.Warn("Send queue full, dropping message", zap.String("peer", peer), zap.String("type", msgType))
	}
}

func (p *Propagator) relayGraphChange(change GraphChange) {
	changes := change.Changes
	for _, attack := range changes.Attacks {
		p.network.ReportAttack(attack)
	}
	for _, id := range changes.WishlistRemove {
		p.queue.Remove(id)
	}
	if len(changes.WishlistAdd) != 0 {
		p.ask(changes.WishlistAdd, change.Source)
	}

	for _, id := range changes.NewActive {
		p.queue.Remove(id)
		b, ok := change.Export.Blocks[id]
		if !ok {
			continue
		}
		blockID := id
		for _, peer := range p.network.Peers() {
			if !p.markKnown(peer, id) {
				continue
			}
			p.send(peer, "block", BlockMessage{BlockID: &blockID, Block: b.Block})
		}
	}
}

func (p *Propagator) relayPoolItem(item PoolItem) {
	for _, peer := range p.network.Peers() {
		if peer == item.Source {
			continue
		}
		if item.Operation != nil {
			p.send(peer, "operations", OperationsMessage{Operations: []*Operation{item.Operation}})
		}
		if item.Endorsement != nil {
			p.send(peer, "endorsements", EndorsementsMessage{Endorsements: []*Endorsement{item.Endorsement}})
		}
	}
}

// ask requests the blocks from peers in turn, skipping the peer to avoid if others exist
func (p *Propagator) ask(ids []BlockID, avoid string) {
	peers := p.network.Peers()
	if len(peers) == 0 {
		return
	}
	asks := make(map[string][]BlockID)
	for _, id := range ids {
		peer := p.pickPeer(peers, avoid)
		if !p.queue.Add(id, peer) {
			continue
		}
		asks[peer] = append(asks[peer], id)
	}
	for peer, peerIDs := range asks {
		for start := 0; start < len(peerIDs); start += p.cfg.MaxAskBlocksPerMessage {
			end := start + p.cfg.MaxAskBlocksPerMessage
			if end > len(peerIDs) {
				end = len(peerIDs)
			}
			p.send(peer, "ask_for_blocks", AskForBlocksMessage{BlockIDs: peerIDs[start:end]})
		}
	}
}

func (p *Propagator) pickPeer(peers []string, avoid string) string {
	p.knownLock.Lock()
	defer p.knownLock.Unlock()
	for range peers {
		peer := peers[p.nextPeer%len(peers)]
		p.nextPeer++
		if peer != avoid || len(peers) == 1 {
			return peer
		}
	}
	return peers[0]
}

// markKnown records that the peer has the block. It returns false if it was already known.
func (p *Propagator) markKnown(peer string, id BlockID) bool {
	p.knownLock.Lock()
	defer p.knownLock.Unlock()
	filter, ok := p.known[peer]
	if !ok {
		filter = cuckoo.NewFilter(PEER_KNOWN_BLOCKS_CAPACITY)
		p.known[peer] = filter
	}
	if filter.Lookup(id[:]) {
		return false
	}
	if !filter.Insert(id[:]) {
		// full, start over
		filter.Reset()
		filter.Insert(id[:])
	}
	return true
}

// ForgetPeer drops what is known about a disconnected peer.
func (p *Propagator) ForgetPeer(peer string) {
	p.knownLock.Lock()
	defer p.knownLock.Unlock()
	delete(p.known, peer)
}

// HandleMessage processes a message received from a peer. A returned validation error means
// the peer misbehaved.
func (p *Propagator) HandleMessage(peer string, msgType string, body json.RawMessage) error {
	switch msgType {
	case "block":
		var msg BlockMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		if msg.Block == nil || msg.Block.Header == nil {
			return fmt.Errorf("%w: block message without a block", ErrValidation)
		}
		id, err := msg.Block.ID()
		if err != nil {
			return err
		}
		if msg.BlockID != nil && *msg.BlockID != id {
			return fmt.Errorf("%w: block ID %s doesn't match block %s", ErrValidation, *msg.BlockID, id)
		}
		p.markKnown(peer, id)
		p.queue.Remove(id)
		return p.processor.ProcessBlock(id, msg.Block, peer)

	case "ask_for_blocks":
		var msg AskForBlocksMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		if len(msg.BlockIDs) > p.cfg.MaxAskBlocksPerMessage {
			return fmt.Errorf("%w: asked for %d blocks, max: %d",
				ErrValidation, len(msg.BlockIDs), p.cfg.MaxAskBlocksPerMessage)
		}
		for _, id := range msg.BlockIDs {
			block, err := p.processor.GetBlock(id)
			if err != nil {
				p.logger.Error("Reading asked block", zap.Stringer("block_id", id), zap.Error(err))
			}
			if block == nil {
				p.send(peer, "block_not_found", BlockNotFoundMessage{BlockID: id})
				continue
			}
			blockID := id
			p.markKnown(peer, id)
			p.send(peer, "block", BlockMessage{BlockID: &blockID, Block: block})
		}
		return nil

	case "block_not_found":
		var msg BlockNotFoundMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		if who, ok := p.queue.Who(msg.BlockID); ok && who == peer {
			p.queue.Remove(msg.BlockID)
			p.ask([]BlockID{msg.BlockID}, peer)
		}
		return nil

	case "operations":
		var msg OperationsMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		var firstErr error
		for _, op := range msg.Operations {
			if op == nil {
				return fmt.Errorf("%w: null operation", ErrValidation)
			}
			id, err := op.ID()
			if err == nil {
				err = p.processor.ProcessOperation(id, op, peer)
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case "endorsements":
		var msg EndorsementsMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		var firstErr error
		for _, e := range msg.Endorsements {
			if e == nil {
				return fmt.Errorf("%w: null endorsement", ErrValidation)
			}
			if err := p.processor.ProcessEndorsement(e, peer); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case "attack_attempt":
		var msg AttackAttemptMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		p.logger.Info("Peer reported an attack attempt",
			zap.String("peer", peer),
			zap.Stringer("creator", msg.Attack.Creator),
			zap.Stringer("slot", msg.Attack.Slot))
		return nil

	default:
		return fmt.Errorf("%w: unknown message type %s", ErrValidation, msgType)
	}
}

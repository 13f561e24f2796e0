package blockclique

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	peer string
	msg  Message
}

type fakeNetwork struct {
	peers []string
	sent  chan sentMessage

	lock    sync.Mutex
	attacks []AttackAttempt
}

func newFakeNetwork(peers ...string) *fakeNetwork {
	return &fakeNetwork{peers: peers, sent: make(chan sentMessage, 100)}
}

func (n *fakeNetwork) Peers() []string {
	return n.peers
}

func (n *fakeNetwork) Send(peer string, msg Message) error {
	n.sent <- sentMessage{peer: peer, msg: msg}
	return nil
}

func (n *fakeNetwork) ReportAttack(attack AttackAttempt) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.attacks = append(n.attacks, attack)
}

func (n *fakeNetwork) next(t *testing.T) sentMessage {
	select {
	case m := <-n.sent:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return sentMessage{}
}

func mustBlockMessage(t *testing.T, id BlockID, block *Block) json.RawMessage {
	body, err := json.Marshal(BlockMessage{BlockID: &id, Block: block})
	require.NoError(t, err)
	return body
}

func TestPropagator(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()

	network := newFakeNetwork("peer1", "peer2")
	p := NewPropagator(f.cfg, f.processor, network, testLogger())
	p.Run()
	defer p.Shutdown()

	key := testKey(1)
	b1, block1 := mustSignedBlock(t, key, NewSlot(1, 0), f.genesis, nil, nil)
	b2, block2 := mustSignedBlock(t, key, NewSlot(1, 1), []BlockID{b1, f.genesis[1]}, nil, nil)

	// the missing parent is asked from the other peer
	require.NoError(p.HandleMessage("peer1", "block", mustBlockMessage(t, b2, block2)))
	m := network.next(t)
	require.Equal("peer2", m.peer)
	require.Equal("ask_for_blocks", m.msg.Type)
	require.Equal([]BlockID{b1}, m.msg.Body.(AskForBlocksMessage).BlockIDs)

	// once both are active each peer gets the block it doesn't have
	require.NoError(p.HandleMessage("peer2", "block", mustBlockMessage(t, b1, block1)))
	relayed := make(map[string]BlockID)
	for i := 0; i < 2; i++ {
		m := network.next(t)
		require.Equal("block", m.msg.Type)
		relayed[m.peer] = *m.msg.Body.(BlockMessage).BlockID
	}
	require.Equal(map[string]BlockID{"peer1": b1, "peer2": b2}, relayed)

	// asked blocks are served, unknown ones reported
	unknown := testBlockID(9)
	ask, err := json.Marshal(AskForBlocksMessage{BlockIDs: []BlockID{b1, unknown}})
	require.NoError(err)
	require.NoError(p.HandleMessage("peer1", "ask_for_blocks", ask))
	m = network.next(t)
	require.Equal("block", m.msg.Type)
	require.Equal(b1, *m.msg.Body.(BlockMessage).BlockID)
	m = network.next(t)
	require.Equal("block_not_found", m.msg.Type)
	require.Equal(unknown, m.msg.Body.(BlockNotFoundMessage).BlockID)
}

func TestPropagatorRejects(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()

	p := NewPropagator(f.cfg, f.processor, newFakeNetwork("peer1"), testLogger())

	b1, block1 := mustSignedBlock(t, testKey(1), NewSlot(1, 0), f.genesis, nil, nil)
	err := p.HandleMessage("peer1", "block", mustBlockMessage(t, testBlockID(1), block1))
	require.True(errors.Is(err, ErrValidation))
	require.Equal(BLOCK_UNKNOWN, f.processor.GetBlockStatus(b1))

	err = p.HandleMessage("peer1", "block", json.RawMessage(`{"block":null}`))
	require.True(errors.Is(err, ErrValidation))

	tooMany := make([]BlockID, f.cfg.MaxAskBlocksPerMessage+1)
	ask, err := json.Marshal(AskForBlocksMessage{BlockIDs: tooMany})
	require.NoError(err)
	require.True(errors.Is(p.HandleMessage("peer1", "ask_for_blocks", ask), ErrValidation))

	require.True(errors.Is(p.HandleMessage("peer1", "gossip", nil), ErrValidation))
}

func TestPropagatorKnownBlocks(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	p := NewPropagator(f.cfg, f.processor, newFakeNetwork(), testLogger())

	id := testBlockID(1)
	require.True(p.markKnown("peer1", id))
	require.False(p.markKnown("peer1", id))
	require.True(p.markKnown("peer2", id))
	p.ForgetPeer("peer1")
	require.True(p.markKnown("peer1", id))

	// the peer being avoided only gets asked when it's the only one
	require.Equal("peer2", p.pickPeer([]string{"peer1", "peer2"}, "peer1"))
	require.Equal("peer2", p.pickPeer([]string{"peer1", "peer2"}, "peer1"))
	require.Equal("peer1", p.pickPeer([]string{"peer1"}, "peer1"))
}

package blockclique

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/ed25519"
)

// runChain feeds the processor four blocks of which the first is final
func runChain(t *testing.T, f *processorFixture) []BlockID {
	key := testKey(1)
	b1, block1 := mustSignedBlock(t, key, NewSlot(1, 0), f.genesis, nil, nil)
	b2, block2 := mustSignedBlock(t, key, NewSlot(1, 1), []BlockID{b1, f.genesis[1]}, nil, nil)
	b3, block3 := mustSignedBlock(t, key, NewSlot(2, 0), []BlockID{b1, b2}, nil, nil)
	b4, block4 := mustSignedBlock(t, key, NewSlot(2, 1), []BlockID{b3, b2}, nil, nil)
	ids := []BlockID{b1, b2, b3, b4}
	for i, block := range []*Block{block1, block2, block3, block4} {
		require.NoError(t, f.processor.ProcessBlock(ids[i], block, ""))
	}
	return ids
}

func newTestBootstrapClient(t *testing.T, cfg *Config, peers ...BootstrapPeer) *BootstrapClient {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	client, err := NewBootstrapClient(cfg, peers, metrics, testLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func ledgerEntries(t *testing.T, ledger Ledger) map[Address]*LedgerEntry {
	snap, err := ledger.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	entries := make(map[Address]*LedgerEntry)
	require.NoError(t, snap.ForEachEntries(10, func(batch map[Address]*LedgerEntry) error {
		for addr, e := range batch {
			entries[addr] = e
		}
		return nil
	}))
	return entries
}

func TestBootstrap(t *testing.T) {
	require := require.New(t)
	server := newProcessorFixture(t)
	server.processor.Run()
	defer server.processor.Shutdown()
	ids := runChain(t, server)

	serverKey := testKey(50)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(err)
	bs, err := NewBootstrapServer(server.cfg, server.processor, serverKey, metrics, testLogger())
	require.NoError(err)
	require.NoError(bs.Run("127.0.0.1:0"))
	defer bs.Shutdown()

	client := newTestBootstrapClient(t, server.cfg,
		BootstrapPeer{Address: bs.Addr().String(), PublicKey: serverKey.Public().(ed25519.PublicKey)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := client.Bootstrap(ctx)
	require.NoError(err)
	require.Equal(NewSlot(1, 0), state.Final.Slot)
	require.Equal([]BlockID{ids[0], server.genesis[1]}, state.Final.LatestFinal)
	require.Len(state.Blocks, 3)

	// a fresh node applying the state ends up with the same final state
	joining := newProcessorFixture(t)
	require.NoError(joining.processor.ApplyBootstrap(state))

	serverLedger := server.processor.final.Ledger()
	joiningLedger := joining.processor.final.Ledger()
	require.Equal(ledgerEntries(t, serverLedger), ledgerEntries(t, joiningLedger))
	serverPoS, err := serverLedger.LoadPoS()
	require.NoError(err)
	joiningPoS, err := joiningLedger.LoadPoS()
	require.NoError(err)
	require.Equal(serverPoS, joiningPoS)
	slot, err := joiningLedger.GetFinalSlot()
	require.NoError(err)
	require.Equal(NewSlot(1, 0), *slot)

	require.Equal(BLOCK_FINAL, joining.processor.GetBlockStatus(ids[0]))
	for _, id := range ids[1:] {
		require.Equal(BLOCK_ACTIVE, joining.processor.GetBlockStatus(id))
	}
	require.Equal(server.processor.Export().BestParents, joining.processor.Export().BestParents)
}

func TestBootstrapWrongServerKey(t *testing.T) {
	require := require.New(t)
	server := newProcessorFixture(t)
	server.processor.Run()
	defer server.processor.Shutdown()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(err)
	bs, err := NewBootstrapServer(server.cfg, server.processor, testKey(50), metrics, testLogger())
	require.NoError(err)
	require.NoError(bs.Run("127.0.0.1:0"))
	defer bs.Shutdown()

	// the client retries until its context runs out
	client := newTestBootstrapClient(t, server.cfg, BootstrapPeer{Address: bs.Addr().String(), PublicKey: testPubKey(51)})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = client.Bootstrap(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
}

// droppingHandler commits to a snapshot like a bootstrap server then hangs up halfway through it
func droppingHandler(t *testing.T, cfg *Config, source SnapshotSource, key ed25519.PrivateKey) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		codec, err := NewFrameCodec(cfg.MaxBootstrapMessageSize)
		if err != nil {
			return
		}
		defer codec.Close()

		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_, body, err := codec.Decode(frame)
		if err != nil {
			return
		}
		var hello BootstrapHelloMessage
		if err := json.Unmarshal(body, &hello); err != nil {
			return
		}
		snap, err := source.GetBootstrapSnapshot()
		if err != nil {
			return
		}
		defer snap.Ledger.Release()
		plan, err := planBootstrap(cfg, snap)
		if err != nil {
			return
		}

		var types []string
		var bodies [][]byte
		digest := newSnapshotDigest()
		err = streamPlan(cfg, plan, snap.Ledger, func(msgType string, body []byte) error {
			digest.add(msgType, body)
			types = append(types, msgType)
			bodies = append(bodies, body)
			return nil
		})
		if err != nil {
			return
		}
		sum := digest.sum()
		serverTime := time.Now().UnixMilli()
		h := computeCommitHash(hello.Randomness, sum, serverTime)
		commit := BootstrapCommitMessage{
			SessionID:  "dropping",
			ServerTime: serverTime,
			Digest:     sum,
			Randomness: hello.Randomness,
			PublicKey:  key.Public().(ed25519.PublicKey),
			Signature:  ed25519.Sign(key, h[:]),
		}
		frames := []struct {
			msgType string
			body    interface{}
		}{{"bootstrap_commit", commit}}
		for i := 0; i < len(types)/2; i++ {
			frames = append(frames, struct {
				msgType string
				body    interface{}
			}{types[i], json.RawMessage(bodies[i])})
		}
		for _, f := range frames {
			frame, err := codec.Encode(f.msgType, f.body)
			if err != nil {
				t.Error(err)
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	})
}

func TestBootstrapFallsBackToNextPeer(t *testing.T) {
	require := require.New(t)
	server := newProcessorFixture(t)
	server.processor.Run()
	defer server.processor.Shutdown()
	ids := runChain(t, server)

	key := testKey(50)
	dropping := httptest.NewServer(droppingHandler(t, server.cfg, server.processor, key))
	defer dropping.Close()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(err)
	bs, err := NewBootstrapServer(server.cfg, server.processor, key, metrics, testLogger())
	require.NoError(err)
	require.NoError(bs.Run("127.0.0.1:0"))
	defer bs.Shutdown()

	client := newTestBootstrapClient(t, server.cfg,
		BootstrapPeer{Address: strings.TrimPrefix(dropping.URL, "http://")},
		BootstrapPeer{Address: bs.Addr().String()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := client.Bootstrap(ctx)
	require.NoError(err)

	// nothing of the partial transfer leaks into the state
	joining := newProcessorFixture(t)
	require.NoError(joining.processor.ApplyBootstrap(state))
	require.Equal(ledgerEntries(t, server.processor.final.Ledger()), ledgerEntries(t, joining.processor.final.Ledger()))
	require.Equal(BLOCK_FINAL, joining.processor.GetBlockStatus(ids[0]))
}

func TestPlanBootstrapLimits(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()
	runChain(t, f)

	snap, err := f.processor.GetBootstrapSnapshot()
	require.NoError(err)
	defer snap.Ledger.Release()

	plan, err := planBootstrap(f.cfg, snap)
	require.NoError(err)
	require.Equal("full", plan.graphTier)
	require.Len(plan.blocks, 3)

	// the graph is dropped rather than the transfer when it doesn't fit
	cfg := *f.cfg
	cfg.MaxBootstrapDeps = 2
	plan, err = planBootstrap(&cfg, snap)
	require.NoError(err)
	require.Equal("none", plan.graphTier)
	require.Empty(plan.blocks)

	// final blocks the final state hasn't settled must be sent
	cfg = *f.cfg
	cfg.MaxBootstrapBlocks = 1
	_, err = planBootstrap(&cfg, snap)
	require.ErrorIs(err, ErrSnapshotTooLarge)
}

func TestPlanBootstrapFrameSize(t *testing.T) {
	require := require.New(t)
	f := newProcessorFixture(t)
	f.processor.Run()
	defer f.processor.Shutdown()
	runChain(t, f)

	snap, err := f.processor.GetBootstrapSnapshot()
	require.NoError(err)
	defer snap.Ledger.Release()

	full, err := planBootstrap(f.cfg, snap)
	require.NoError(err)
	graphSize, err := frameSize("bootstrap_graph", BootstrapGraphMessage{Blocks: full.blocks, Cliques: full.cliques})
	require.NoError(err)
	finalSize, err := frameSize("bootstrap_final_blocks", BootstrapFinalBlocksMessage{
		Slot:        full.slot,
		LatestFinal: full.latestFinal,
		Blocks:      full.finalBlocks,
	})
	require.NoError(err)
	require.Len(full.finalBlocks, 3)
	require.Less(finalSize, graphSize-10)

	// a graph too large for one frame falls back to a coarser one
	cfg := *f.cfg
	cfg.MaxBootstrapMessageSize = graphSize - 10
	plan, err := planBootstrap(&cfg, snap)
	require.NoError(err)
	require.NotEqual("full", plan.graphTier)
	require.NoError(checkFrameSize(&cfg, "bootstrap_graph", BootstrapGraphMessage{Blocks: plan.blocks, Cliques: plan.cliques}))
	require.Len(plan.finalBlocks, 3)

	// settled final blocks are left out before the required ones
	cfg.MaxBootstrapMessageSize = finalSize - 1
	plan, err = planBootstrap(&cfg, snap)
	require.NoError(err)
	require.Equal("none", plan.graphTier)
	require.Len(plan.finalBlocks, 2)
	for _, block := range plan.finalBlocks {
		id, err := block.ID()
		require.NoError(err)
		require.Contains(plan.latestFinal, id)
	}

	requiredSize, err := frameSize("bootstrap_final_blocks", BootstrapFinalBlocksMessage{
		Slot:        plan.slot,
		LatestFinal: plan.latestFinal,
		Blocks:      plan.finalBlocks,
	})
	require.NoError(err)
	cfg.MaxBootstrapMessageSize = requiredSize - 1
	_, err = planBootstrap(&cfg, snap)
	require.ErrorIs(err, ErrSnapshotTooLarge)
}

func TestBootstrapCoarserGraph(t *testing.T) {
	require := require.New(t)
	server := newProcessorFixture(t)
	server.processor.Run()
	defer server.processor.Shutdown()
	ids := runChain(t, server)

	snap, err := server.processor.GetBootstrapSnapshot()
	require.NoError(err)
	full, err := planBootstrap(server.cfg, snap)
	snap.Ledger.Release()
	require.NoError(err)
	graphSize, err := frameSize("bootstrap_graph", BootstrapGraphMessage{Blocks: full.blocks, Cliques: full.cliques})
	require.NoError(err)

	cfg := *server.cfg
	cfg.MaxBootstrapMessageSize = graphSize - 10
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(err)
	bs, err := NewBootstrapServer(&cfg, server.processor, testKey(50), metrics, testLogger())
	require.NoError(err)
	require.NoError(bs.Run("127.0.0.1:0"))
	defer bs.Shutdown()

	client := newTestBootstrapClient(t, &cfg, BootstrapPeer{Address: bs.Addr().String()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := client.Bootstrap(ctx)
	require.NoError(err)
	require.Equal(NewSlot(1, 0), state.Final.Slot)
	require.Empty(state.Blocks)

	joining := newProcessorFixture(t)
	require.NoError(joining.processor.ApplyBootstrap(state))
	require.Equal(BLOCK_FINAL, joining.processor.GetBlockStatus(ids[0]))
}

func TestFitBatches(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	key := testKey(1)
	var ops []*Operation
	for i := 0; i < 10; i++ {
		_, op := mustSignedTransaction(t, key, testAddress(100), uint64(i+1), 0, 5)
		ops = append(ops, op)
	}
	body := func(batch []*Operation) interface{} { return BootstrapOperationsMessage{Operations: batch} }

	// by count
	batches, tooLarge, err := fitBatches(cfg, "bootstrap_operations", ops, 4, body)
	require.NoError(err)
	require.Empty(tooLarge)
	require.Len(batches, 3)
	require.Len(batches[2], 2)

	// by size, every frame exactly measured
	three, err := frameSize("bootstrap_operations", body(ops[:3]))
	require.NoError(err)
	cfg.MaxBootstrapMessageSize = three
	batches, tooLarge, err = fitBatches(cfg, "bootstrap_operations", ops, 100, body)
	require.NoError(err)
	require.Empty(tooLarge)
	var all []*Operation
	for _, batch := range batches {
		require.NoError(checkFrameSize(cfg, "bootstrap_operations", body(batch)))
		require.LessOrEqual(len(batch), 3)
		all = append(all, batch...)
	}
	require.Equal(ops, all)
	require.Len(batches[0], 3)

	// nothing fits
	cfg.MaxBootstrapMessageSize = 10
	batches, tooLarge, err = fitBatches(cfg, "bootstrap_operations", ops, 100, body)
	require.NoError(err)
	require.Empty(batches)
	require.Equal(ops, tooLarge)
}

func TestBootstrapReceiverRejectsEmptyItems(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()

	cases := []struct {
		msgType string
		body    string
	}{
		{"bootstrap_graph", `{"blocks":[null]}`},
		{"bootstrap_graph", `{"blocks":[{"header":null}]}`},
		{"bootstrap_operations", `{"operations":[null]}`},
		{"bootstrap_async_pool", `{"messages":[null]}`},
	}
	for _, c := range cases {
		r := newBootstrapReceiver(cfg)
		err := r.receive(c.msgType, json.RawMessage(c.body))
		require.ErrorIs(err, ErrValidation, "%s %s", c.msgType, c.body)
	}

	// a state with missing parts is never applied
	f := newProcessorFixture(t)
	final := &FinalStateSnapshot{Entries: map[Address]*LedgerEntry{}, PoS: &PoSSnapshot{}}
	err := f.processor.ApplyBootstrap(&BootstrapState{Final: final, Blocks: []*Block{nil}})
	require.ErrorIs(err, ErrValidation)
	err = f.processor.ApplyBootstrap(&BootstrapState{Final: final, Operations: []*Operation{nil}})
	require.ErrorIs(err, ErrValidation)
}

func TestBootstrapClientGivesUp(t *testing.T) {
	defer goleak.VerifyNone(t)
	require := require.New(t)
	cfg := testConfig()

	// a server refusing every session
	upgrader := websocket.Upgrader{}
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		codec, err := NewFrameCodec(cfg.MaxBootstrapMessageSize)
		if err != nil {
			return
		}
		defer codec.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		frame, err := codec.Encode("bootstrap_error", BootstrapErrorMessage{Error: "busy"})
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, frame)
	}))
	defer refusing.Close()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(err)
	client, err := NewBootstrapClient(cfg, []BootstrapPeer{{Address: strings.TrimPrefix(refusing.URL, "http://")}},
		metrics, testLogger())
	require.NoError(err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = client.Bootstrap(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
}

package blockclique

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"
)

// NodeConfig holds the settings of one node process.
type NodeConfig struct {
	DataDir        string   `mapstructure:"data_dir"`
	GenesisLedger  string   `mapstructure:"genesis_ledger"`   // path to the genesis ledger JSON
	StakingKeyFile string   `mapstructure:"staking_key_file"` // base64 ed25519 seeds, one per line
	NodeKeyFile    string   `mapstructure:"node_key_file"`    // base64 ed25519 seed signing bootstrap commits
	Listen         string   `mapstructure:"listen"`           // bootstrap and relay listen address
	APIListen      string   `mapstructure:"api_listen"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"` // pubkey@host:port
	Peers          []string `mapstructure:"peers"`           // host:port
	UPnP           bool     `mapstructure:"upnp"`
	Compress       bool     `mapstructure:"compress"`
}

// Node runs every component of a blockclique node over one data directory.
type Node struct {
	cfg             *Config
	nodeCfg         *NodeConfig
	logger          *zap.Logger
	registry        *prometheus.Registry
	metrics         *Metrics
	ledger          *LedgerDisk
	blockStore      *BlockStorageDisk
	final           *FinalState
	opPool          *OperationPoolMemory
	endorsementPool *EndorsementPool
	processor       *Processor
	producer        *BlockProducer
	network         *RelayNetwork
	propagator      *Propagator
	bootstrapServer *BootstrapServer
	api             *APIServer
	nodeKey         ed25519.PrivateKey
	stakingKeys     []ed25519.PrivateKey
	needsBootstrap  bool
	forwardedPort   uint16
}

// NewNode opens the node's storage and builds its components. Nothing runs until Start.
func NewNode(cfg *Config, nodeCfg *NodeConfig, logger *zap.Logger) (*Node, error) {
	if len(nodeCfg.DataDir) == 0 {
		return nil, fmt.Errorf("data dir required")
	}
	n := &Node{cfg: cfg, nodeCfg: nodeCfg, logger: logger.Named("node")}

	ledgerPath := filepath.Join(nodeCfg.DataDir, "ledger.db")
	blocksPath := filepath.Join(nodeCfg.DataDir, "blocks")
	headersPath := filepath.Join(nodeCfg.DataDir, "headers.db")
	if cfg.LedgerResetAtStartup {
		n.logger.Warn("Resetting the final state", zap.String("data_dir", nodeCfg.DataDir))
		for _, path := range []string{ledgerPath, blocksPath, headersPath} {
			if err := os.RemoveAll(path); err != nil {
				return nil, err
			}
		}
	}

	var err error
	if n.nodeKey, err = loadNodeKey(nodeCfg.NodeKeyFile); err != nil {
		return nil, err
	}
	if len(nodeCfg.StakingKeyFile) != 0 {
		if n.stakingKeys, err = LoadPrivateKeys(nodeCfg.StakingKeyFile); err != nil {
			return nil, err
		}
	}

	genesis, err := LoadGenesisLedger(nodeCfg.GenesisLedger)
	if err != nil {
		return nil, fmt.Errorf("genesis ledger: %w", err)
	}
	genesisKey, err := cfg.GenesisPublicKey()
	if err != nil {
		return nil, err
	}
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	if err != nil {
		return nil, err
	}

	if n.ledger, err = NewLedgerDisk(ledgerPath, false); err != nil {
		return nil, err
	}
	finalSlot, err := n.ledger.GetFinalSlot()
	if err != nil {
		n.Close()
		return nil, err
	}
	if finalSlot == nil {
		if err := n.ledger.Initialize(genesis, genesisIDs); err != nil {
			n.Close()
			return nil, err
		}
		// a fresh node catches up from a bootstrap server when it knows one
		n.needsBootstrap = len(nodeCfg.BootstrapPeers) != 0
	}

	if n.blockStore, err = NewBlockStorageDisk(blocksPath, headersPath, false, nodeCfg.Compress); err != nil {
		n.Close()
		return nil, err
	}

	n.registry = prometheus.NewRegistry()
	if n.metrics, err = NewMetrics(n.registry); err != nil {
		n.Close()
		return nil, err
	}

	if n.final, err = NewFinalState(cfg, n.ledger, genesis.Rolls, NewBasicExecutor(), logger); err != nil {
		n.Close()
		return nil, err
	}
	n.opPool = NewOperationPoolMemory(cfg)
	n.endorsementPool = NewEndorsementPool(cfg)
	n.processor, err = NewProcessor(cfg, n.final, n.blockStore, n.opPool, n.endorsementPool, n.metrics, logger)
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// Start bootstraps the node if needed then runs every component. It blocks only while
// bootstrapping.
func (n *Node) Start(ctx context.Context) error {
	if n.needsBootstrap {
		if err := n.bootstrap(ctx); err != nil {
			return err
		}
	}

	n.processor.Run()
	n.logger.Info("Final state loaded",
		zap.Stringer("final_slot", n.final.Slot()),
		zap.Int("staking_keys", len(n.stakingKeys)))

	if len(n.stakingKeys) != 0 {
		n.producer = NewBlockProducer(n.cfg, n.stakingKeys, n.processor, n.final, n.opPool, n.endorsementPool, n.logger)
		n.producer.Run()
	} else {
		n.logger.Info("Block production is disabled")
	}

	var err error
	if n.network, err = NewRelayNetwork(n.cfg, n.logger); err != nil {
		return err
	}
	n.propagator = NewPropagator(n.cfg, n.processor, n.network, n.logger)
	n.network.SetHandler(n.propagator)
	n.propagator.Run()

	if len(n.nodeCfg.Listen) != 0 {
		n.bootstrapServer, err = NewBootstrapServer(n.cfg, n.processor, n.nodeKey, n.metrics, n.logger)
		if err != nil {
			return err
		}
		n.bootstrapServer.Router().Handle(RelayPath, n.network)
		if err := n.bootstrapServer.Run(n.nodeCfg.Listen); err != nil {
			return err
		}
		if n.nodeCfg.UPnP {
			n.forwardPort()
		}
	}

	if len(n.nodeCfg.APIListen) != 0 {
		n.api = NewAPIServer(n.cfg, n.processor, n.registry, n.logger)
		if err := n.api.Run(n.nodeCfg.APIListen); err != nil {
			return err
		}
	}

	n.connectPeers(ctx)
	return nil
}

func (n *Node) bootstrap(ctx context.Context) error {
	peers := make([]BootstrapPeer, 0, len(n.nodeCfg.BootstrapPeers))
	for _, s := range n.nodeCfg.BootstrapPeers {
		peer, err := ParseBootstrapPeer(s)
		if err != nil {
			return err
		}
		peers = append(peers, peer)
	}
	client, err := NewBootstrapClient(n.cfg, peers, n.metrics, n.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	state, err := client.Bootstrap(ctx)
	if err != nil {
		return err
	}
	return n.processor.ApplyBootstrap(state)
}

// connectPeers dials the configured relay peers concurrently
func (n *Node) connectPeers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, addr := range n.nodeCfg.Peers {
		g.Go(func() error {
			if err := n.network.Connect(gctx, addr); err != nil {
				n.logger.Warn("Connecting to peer", zap.String("peer", addr), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

func (n *Node) forwardPort() {
	_, port, err := net.SplitHostPort(n.bootstrapServer.Addr().String())
	if err != nil {
		n.logger.Warn("Reading listen port", zap.Error(err))
		return
	}
	p, _ := strconv.ParseUint(port, 10, 16)
	n.logger.Info("Enabling forwarding", zap.Uint64("port", p))
	externalIP, ok, err := HandlePortForward(uint16(p), true)
	if err != nil || !ok {
		n.logger.Warn("Failed to enable forwarding", zap.Error(err))
		return
	}
	n.forwardedPort = uint16(p)
	n.logger.Info("Successfully enabled forwarding", zap.String("external_ip", externalIP))
}

// Fatal returns a channel receiving the error that halted the node.
func (n *Node) Fatal() <-chan error {
	return n.processor.Fatal()
}

// Processor returns the node's processor.
func (n *Node) Processor() *Processor {
	return n.processor
}

// Shutdown stops every running component then closes storage.
func (n *Node) Shutdown() {
	if n.forwardedPort != 0 {
		if _, ok, err := HandlePortForward(n.forwardedPort, false); err != nil || !ok {
			n.logger.Warn("Failed to disable forwarding", zap.Error(err))
		}
	}
	if n.api != nil {
		n.api.Shutdown()
	}
	if n.bootstrapServer != nil {
		n.bootstrapServer.Shutdown()
	}
	if n.propagator != nil {
		n.propagator.Shutdown()
	}
	if n.network != nil {
		n.network.Shutdown()
	}
	if n.producer != nil {
		n.producer.Shutdown()
	}
	n.processor.Shutdown()
	n.Close()
}

// Close closes the node's storage.
func (n *Node) Close() {
	if n.blockStore != nil {
		if err := n.blockStore.Close(); err != nil {
			n.logger.Error("Closing block storage", zap.Error(err))
		}
	}
	if n.ledger != nil {
		if err := n.ledger.Close(); err != nil {
			n.logger.Error("Closing ledger", zap.Error(err))
		}
	}
}

// ParseBootstrapPeer parses a "pubkey@host:port" bootstrap peer. The default bootstrap port
// is used if none is given.
func ParseBootstrapPeer(s string) (BootstrapPeer, error) {
	i := strings.Index(s, "@")
	if i < 0 {
		return BootstrapPeer{}, fmt.Errorf("bootstrap peer %q must be pubkey@host:port", s)
	}
	pubKey, err := PublicKeyFromString(s[:i])
	if err != nil {
		return BootstrapPeer{}, err
	}
	addr := s[i+1:]
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DEFAULT_BOOTSTRAP_PORT))
	}
	return BootstrapPeer{Address: addr, PublicKey: pubKey}, nil
}

// LoadPrivateKeys reads base64 ed25519 seeds, one per line.
func LoadPrivateKeys(keyFile string) ([]ed25519.PrivateKey, error) {
	file, err := os.Open(keyFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var keys []ed25519.PrivateKey
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		seed, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, err
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("Invalid key seed length %d in '%s'", len(seed), keyFile)
		}
		keys = append(keys, ed25519.NewKeyFromSeed(seed))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("No keys found in '%s'", keyFile)
	}
	return keys, nil
}

func loadNodeKey(keyFile string) (ed25519.PrivateKey, error) {
	if len(keyFile) == 0 {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	}
	keys, err := LoadPrivateKeys(keyFile)
	if err != nil {
		return nil, err
	}
	return keys[0], nil
}

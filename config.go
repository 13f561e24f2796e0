package blockclique

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// Config is the immutable parameter set injected into every component.
type Config struct {
	ThreadCount      uint8         `mapstructure:"thread_count"`
	T0               time.Duration `mapstructure:"t0"`
	GenesisTimestamp int64         `mapstructure:"genesis_timestamp"` // unix milliseconds
	GenesisKey       string        `mapstructure:"genesis_key"`       // base64 ed25519 public key
	PeriodsPerCycle  uint64        `mapstructure:"periods_per_cycle"`
	EndorsementCount uint32        `mapstructure:"endorsement_count"`
	DeltaF0          uint64        `mapstructure:"delta_f0"`
	RollPrice        uint64        `mapstructure:"roll_price"`
	BlockReward      uint64        `mapstructure:"block_reward"`

	PosLookbackCycles            uint64  `mapstructure:"pos_lookback_cycles"`
	PosLockCycles                uint64  `mapstructure:"pos_lock_cycles"`
	PosDrawCachedCycle           int     `mapstructure:"pos_draw_cached_cycle"`
	PosMissRateDeactivationRatio float64 `mapstructure:"pos_miss_rate_deactivation_threshold"`
	InitialDrawSeed              string  `mapstructure:"initial_draw_seed"`

	MaxOperationsPerBlock    int    `mapstructure:"max_operations_per_block"`
	MaxGasPerBlock           uint64 `mapstructure:"max_gas_per_block"`
	OperationValidityPeriods uint64 `mapstructure:"operation_validity_periods"`
	MaxOperationPoolLength   int    `mapstructure:"max_operation_pool_length"`

	MaxAsyncPoolLength  int    `mapstructure:"max_async_pool_length"`
	MaxAsyncGas         uint64 `mapstructure:"max_async_gas"`
	MaxAsyncGasPerSlot  uint64 `mapstructure:"max_async_gas_per_slot"`
	MaxFinalEvents      int    `mapstructure:"max_final_events"`
	LedgerCacheCapacity int    `mapstructure:"ledger_cache_capacity"`

	FutureBlockProcessingMaxPeriods uint64        `mapstructure:"future_block_processing_max_periods"`
	MaxFutureProcessingBlock        int           `mapstructure:"max_future_processing_block"`
	MaxDependencyBlock              int           `mapstructure:"max_dependency_block"`
	MaxDiscardedBlocks              int           `mapstructure:"max_discarded_blocks"`
	ForceKeepFinalPeriod            uint64        `mapstructure:"force_keep_final_period"`
	FinalHistoryLength              int           `mapstructure:"final_history_length"`
	BlockDBPruneInterval            time.Duration `mapstructure:"block_db_prune_interval"`
	LedgerResetAtStartup            bool          `mapstructure:"ledger_reset_at_startup"`

	MaxBootstrapBlocks        int           `mapstructure:"max_bootstrap_blocks"`
	MaxBootstrapCliques       int           `mapstructure:"max_bootstrap_cliques"`
	MaxBootstrapDeps          int           `mapstructure:"max_bootstrap_deps"`
	MaxBootstrapChildren      int           `mapstructure:"max_bootstrap_children"`
	MaxBootstrapPosCycles     int           `mapstructure:"max_bootstrap_pos_cycles"`
	MaxBootstrapPosEntries    int           `mapstructure:"max_bootstrap_pos_entries"`
	MaxBootstrapMessageSize   int           `mapstructure:"max_bootstrap_message_size"`
	BootstrapLedgerBatchSize  int           `mapstructure:"bootstrap_ledger_batch_size"`
	OperationBatchSize        int           `mapstructure:"operation_batch_size"`
	MaxSendWait               time.Duration `mapstructure:"max_send_wait"`
	MaxClockCompensation      time.Duration `mapstructure:"max_clock_compensation"`
	MaxSimultaneousBootstraps int           `mapstructure:"max_simultaneous_bootstraps"`

	ChannelSize            int `mapstructure:"channel_size"`
	NodeSendChannelSize    int `mapstructure:"node_send_channel_size"`
	MaxAskBlocksPerMessage int `mapstructure:"max_ask_blocks_per_message"`
	MaxMessageSize         int `mapstructure:"max_message_size"`
}

// DefaultGenesisKey returns the well-known genesis key of the default network.
func DefaultGenesisKey() ed25519.PrivateKey {
	seed := sha3.Sum256([]byte(INITIAL_DRAW_SEED))
	return ed25519.NewKeyFromSeed(seed[:])
}

// DefaultConfig returns the parameter set of the default network.
func DefaultConfig() *Config {
	genesisPub := DefaultGenesisKey().Public().(ed25519.PublicKey)
	return &Config{
		ThreadCount:      THREAD_COUNT,
		T0:               T0,
		GenesisTimestamp: 0,
		GenesisKey:       pubKeyToString(genesisPub),
		PeriodsPerCycle:  PERIODS_PER_CYCLE,
		EndorsementCount: ENDORSEMENT_COUNT,
		DeltaF0:          DELTA_F0,
		RollPrice:        ROLL_PRICE,
		BlockReward:      BLOCK_REWARD,

		PosLookbackCycles:            POS_LOOKBACK_CYCLES,
		PosLockCycles:                POS_LOCK_CYCLES,
		PosDrawCachedCycle:           POS_DRAW_CACHED_CYCLE,
		PosMissRateDeactivationRatio: POS_MISS_RATE_DEACTIVATION_THRESHOLD,
		InitialDrawSeed:              INITIAL_DRAW_SEED,

		MaxOperationsPerBlock:    MAX_OPERATIONS_PER_BLOCK,
		MaxGasPerBlock:           MAX_GAS_PER_BLOCK,
		OperationValidityPeriods: OPERATION_VALIDITY_PERIODS,
		MaxOperationPoolLength:   MAX_OPERATION_POOL_LENGTH,

		MaxAsyncPoolLength:  MAX_ASYNC_POOL_LENGTH,
		MaxAsyncGas:         MAX_ASYNC_GAS,
		MaxAsyncGasPerSlot:  MAX_ASYNC_GAS_PER_SLOT,
		MaxFinalEvents:      MAX_FINAL_EVENTS,
		LedgerCacheCapacity: LEDGER_CACHE_CAPACITY,

		FutureBlockProcessingMaxPeriods: FUTURE_BLOCK_PROCESSING_MAX_PERIODS,
		MaxFutureProcessingBlock:        MAX_FUTURE_PROCESSING_BLOCK,
		MaxDependencyBlock:              MAX_DEPENDENCY_BLOCK,
		MaxDiscardedBlocks:              MAX_DISCARED_BLOCKS,
		ForceKeepFinalPeriod:            FORCE_KEEP_FINAL_PERIOD,
		FinalHistoryLength:              FINAL_HISTORY_LENGTH,
		BlockDBPruneInterval:            BLOCK_DB_PRUNE_INTERVAL,
		LedgerResetAtStartup:            LEDGER_RESET_AT_STARTUP,

		MaxBootstrapBlocks:        MAX_BOOTSTRAP_BLOCKS,
		MaxBootstrapCliques:       MAX_BOOTSTRAP_CLIQUES,
		MaxBootstrapDeps:          MAX_BOOTSTRAP_DEPS,
		MaxBootstrapChildren:      MAX_BOOTSTRAP_CHILDREN,
		MaxBootstrapPosCycles:     MAX_BOOTSTRAP_POS_CYCLES,
		MaxBootstrapPosEntries:    MAX_BOOTSTRAP_POS_ENTRIES,
		MaxBootstrapMessageSize:   MAX_BOOTSTRAP_MESSAGE_SIZE,
		BootstrapLedgerBatchSize:  BOOTSTRAP_LEDGER_BATCH_SIZE,
		OperationBatchSize:        OPERATION_BATCH_SIZE,
		MaxSendWait:               MAX_SEND_WAIT,
		MaxClockCompensation:      MAX_CLOCK_COMPENSATION,
		MaxSimultaneousBootstraps: MAX_SIMULTANEOUS_BOOTSTRAPS,

		ChannelSize:            CHANNEL_SIZE,
		NodeSendChannelSize:    NODE_SEND_CHANNEL_SIZE,
		MaxAskBlocksPerMessage: MAX_ASK_BLOCKS_PER_MESSAGE,
		MaxMessageSize:         MAX_MESSAGE_SIZE,
	}
}

// Validate rejects inconsistent parameter sets.
func (c *Config) Validate() error {
	switch {
	case c.ThreadCount == 0:
		return fmt.Errorf("thread_count must be positive")
	case c.T0 <= 0 || c.T0%time.Duration(c.ThreadCount) != 0:
		return fmt.Errorf("t0 must be a positive multiple of thread_count")
	case c.PeriodsPerCycle == 0:
		return fmt.Errorf("periods_per_cycle must be positive")
	case c.ForceKeepFinalPeriod < c.OperationValidityPeriods:
		return fmt.Errorf("force_keep_final_period must be at least operation_validity_periods")
	case c.MaxAsyncGasPerSlot > c.MaxGasPerBlock:
		return fmt.Errorf("max_async_gas_per_slot exceeds max_gas_per_block")
	case c.PosMissRateDeactivationRatio < 0 || c.PosMissRateDeactivationRatio > 1:
		return fmt.Errorf("pos_miss_rate_deactivation_threshold must be within [0, 1]")
	case c.PosDrawCachedCycle <= 0 || c.LedgerCacheCapacity <= 0:
		return fmt.Errorf("cache sizes must be positive")
	case c.FinalHistoryLength <= 0:
		return fmt.Errorf("final_history_length must be positive")
	case c.BootstrapLedgerBatchSize <= 0 || c.OperationBatchSize <= 0:
		return fmt.Errorf("bootstrap batch sizes must be positive")
	}
	if _, err := c.GenesisPublicKey(); err != nil {
		return fmt.Errorf("genesis_key: %w", err)
	}
	return nil
}

// GenesisPublicKey decodes the configured genesis key.
func (c *Config) GenesisPublicKey() (ed25519.PublicKey, error) {
	return PublicKeyFromString(c.GenesisKey)
}

// GenesisAddress returns the address drawn for every period 0 slot.
func (c *Config) GenesisAddress() Address {
	pubKey, err := c.GenesisPublicKey()
	if err != nil {
		panic(err)
	}
	return AddressFromPublicKey(pubKey)
}

// GenesisTime returns the genesis timestamp.
func (c *Config) GenesisTime() time.Time {
	return time.UnixMilli(c.GenesisTimestamp)
}

// Clock returns a SlotClock over this parameter set.
func (c *Config) Clock() *SlotClock {
	return NewSlotClock(c.GenesisTime(), c.T0, c.ThreadCount)
}

// LoadConfig reads an optional configuration file over the defaults. Keys are the snake_case
// parameter names, durations use Go syntax ("16s").
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if len(path) != 0 {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		// keys absent from the file keep their default
		if err := v.Unmarshal(config); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// GenesisLedger is the initial final state of a network.
type GenesisLedger struct {
	Balances map[Address]uint64 `json:"balances"`
	Rolls    map[Address]uint64 `json:"rolls"`
}

// LoadGenesisLedger reads a genesis ledger JSON file.
func LoadGenesisLedger(path string) (*GenesisLedger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	genesis := &GenesisLedger{}
	if err := json.Unmarshal(raw, genesis); err != nil {
		return nil, err
	}
	return genesis, nil
}

package blockclique

import "time"

// the below values affect consensus. every node of a network must agree on them

const THREAD_COUNT = 32

const T0 = 16 * time.Second // period duration, split evenly across threads

const PERIODS_PER_CYCLE = 128

const ENDORSEMENT_COUNT = 16

// fitness threshold for finality and stale clique removal
const DELTA_F0 = 64 * (ENDORSEMENT_COUNT + 1)

const ROLL_PRICE = 100 * COIN

const COIN = 1_000_000_000 // smallest units per coin

const BLOCK_REWARD = 3 * COIN / 10 // credited to the creator of every final block

const POS_LOOKBACK_CYCLES = 2

const POS_LOCK_CYCLES = 1

const POS_MISS_RATE_DEACTIVATION_THRESHOLD = 0.7

const INITIAL_DRAW_SEED = "genesis blockclique seed"

const MAX_OPERATIONS_PER_BLOCK = 5000

const MAX_GAS_PER_BLOCK = 1_000_000_000

const OPERATION_VALIDITY_PERIODS = 10

const MAX_ASYNC_POOL_LENGTH = 10_000

const MAX_ASYNC_GAS = 100_000_000_000

// share of a slot's gas an async message batch may claim
const MAX_ASYNC_GAS_PER_SLOT = MAX_GAS_PER_BLOCK / 2

// the below values bound local memory and do not affect consensus

const FUTURE_BLOCK_PROCESSING_MAX_PERIODS = 100

const MAX_FUTURE_PROCESSING_BLOCK = 400

const MAX_DEPENDENCY_BLOCK = 2048

const MAX_DISCARED_BLOCKS = 10_000

// must be at least OPERATION_VALIDITY_PERIODS so operation reuse stays detectable
const FORCE_KEEP_FINAL_PERIOD = 20

const FINAL_HISTORY_LENGTH = 100 // final blocks per thread kept in memory

const BLOCK_DB_PRUNE_INTERVAL = 5 * time.Second

const POS_DRAW_CACHED_CYCLE = 10

const LEDGER_CACHE_CAPACITY = 65_536

const MAX_FINAL_EVENTS = 10_000

const MAX_OPERATION_POOL_LENGTH = MAX_OPERATIONS_PER_BLOCK * 10

const LEDGER_RESET_AT_STARTUP = false

// the below values bound the bootstrap protocol

const MAX_BOOTSTRAP_BLOCKS = 1_000_000

const MAX_BOOTSTRAP_CLIQUES = 1000

const MAX_BOOTSTRAP_DEPS = 1000

const MAX_BOOTSTRAP_CHILDREN = 1000

const MAX_BOOTSTRAP_POS_CYCLES = 5

const MAX_BOOTSTRAP_POS_ENTRIES = 1_000_000

const MAX_BOOTSTRAP_MESSAGE_SIZE = 100 * 1024 * 1024 // decompressed bytes

const BOOTSTRAP_RANDOMNESS_SIZE_BYTES = 32

const BOOTSTRAP_LEDGER_BATCH_SIZE = 1000 // entries per frame

const OPERATION_BATCH_SIZE = 500

const MAX_SEND_WAIT = 5 * time.Second

const MAX_CLOCK_COMPENSATION = 2 * time.Second

const MAX_SIMULTANEOUS_BOOTSTRAPS = 2

// the below values only affect the network boundary

const CHANNEL_SIZE = 256

const NODE_SEND_CHANNEL_SIZE = 1024

const MAX_ASK_BLOCKS_PER_MESSAGE = 128

const MAX_MESSAGE_SIZE = 1_048_576_000 // decompressed bytes

const DEFAULT_BOOTSTRAP_PORT = 31245

const DEFAULT_API_PORT = 33035

const PEER_KNOWN_BLOCKS_CAPACITY = 1 << 16 // per peer cuckoo filter

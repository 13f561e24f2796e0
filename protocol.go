package blockclique

import (
	"encoding/json"

	"golang.org/x/crypto/ed25519"
)

// Protocol is the name of this version of the blockclique bootstrap and relay protocol.
const Protocol = "blockclique.1"

// Message is a message frame for all messages in the blockclique.1 protocol.
type Message struct {
	Type string      `json:"type"`
	Body interface{} `json:"body,omitempty"`
}

// rawMessage is a received frame whose body is decoded once its type is known
type rawMessage struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// BootstrapHelloMessage opens a bootstrap session.
// Type: "bootstrap_hello".
type BootstrapHelloMessage struct {
	Version    string `json:"version"`
	Randomness []byte `json:"randomness"`
}

// BootstrapCommitMessage commits the server to a snapshot before it is streamed. The
// signature covers the client's randomness, the snapshot digest and the server time.
// Type: "bootstrap_commit".
type BootstrapCommitMessage struct {
	SessionID  string            `json:"session_id"`
	ServerTime int64             `json:"server_time"` // unix milliseconds
	Digest     Hash              `json:"digest"`
	Randomness []byte            `json:"randomness"`
	PublicKey  ed25519.PublicKey `json:"public_key"`
	Signature  Signature         `json:"signature"`
}

// BootstrapPoSMessage carries the final proof-of-stake state.
// Type: "bootstrap_pos".
type BootstrapPoSMessage struct {
	PoS *PoSSnapshot `json:"pos"`
}

// BootstrapLedgerMessage carries a batch of final ledger entries, in address order.
// Type: "bootstrap_ledger".
type BootstrapLedgerMessage struct {
	Entries []BootstrapLedgerEntry `json:"entries"`
}

// BootstrapLedgerEntry is an entry in the BootstrapLedgerMessage's Entries field.
type BootstrapLedgerEntry struct {
	Address Address      `json:"address"`
	Entry   *LedgerEntry `json:"entry"`
}

// BootstrapFinalBlocksMessage carries the final position and the recent final blocks.
// Type: "bootstrap_final_blocks".
type BootstrapFinalBlocksMessage struct {
	Slot        Slot      `json:"slot"`
	LatestFinal []BlockID `json:"latest_final"`
	Blocks      []*Block  `json:"blocks"`
}

// BootstrapGraphMessage carries the non-final blocks and the cliques they form.
// Type: "bootstrap_graph".
type BootstrapGraphMessage struct {
	Blocks  []*Block    `json:"blocks"`
	Cliques [][]BlockID `json:"cliques,omitempty"`
}

// BootstrapOperationsMessage carries a batch of pooled operations.
// Type: "bootstrap_operations".
type BootstrapOperationsMessage struct {
	Operations []*Operation `json:"operations"`
}

// BootstrapAsyncPoolMessage carries the async message pool.
// Type: "bootstrap_async_pool".
type BootstrapAsyncPoolMessage struct {
	Messages []*AsyncMessage `json:"messages"`
}

// BootstrapEndMessage ends a bootstrap session.
// Type: "bootstrap_end".
type BootstrapEndMessage struct {
	Digest Hash `json:"digest"`
}

// BootstrapErrorMessage aborts a bootstrap session.
// Type: "bootstrap_error".
type BootstrapErrorMessage struct {
	Error string `json:"error"`
}

// BlockMessage is used to send a peer a complete block.
// Type: "block".
type BlockMessage struct {
	BlockID *BlockID `json:"block_id,omitempty"`
	Block   *Block   `json:"block,omitempty"`
}

// AskForBlocksMessage is used to request blocks for download.
// Type: "ask_for_blocks".
type AskForBlocksMessage struct {
	BlockIDs []BlockID `json:"block_ids"`
}

// BlockNotFoundMessage tells a peer a requested block is unknown.
// Type: "block_not_found".
type BlockNotFoundMessage struct {
	BlockID BlockID `json:"block_id"`
}

// OperationsMessage is used to relay pooled operations.
// Type: "operations".
type OperationsMessage struct {
	Operations []*Operation `json:"operations"`
}

// EndorsementsMessage is used to relay pooled endorsements.
// Type: "endorsements".
type EndorsementsMessage struct {
	Endorsements []*Endorsement `json:"endorsements"`
}

// AttackAttemptMessage reports a creator that signed several blocks for one slot.
// Type: "attack_attempt".
type AttackAttemptMessage struct {
	Attack AttackAttempt `json:"attack"`
}

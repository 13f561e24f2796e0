package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	. "github.com/inconsiderable/blockclique"
	"github.com/logrusorgru/aurora"
)

// A small tool to inspect the final state and the block archive offline
func main() {
	var commands = []string{
		"slot", "balance", "rolls", "cycle", "block", "block_at", "op", "verify",
	}

	dataDirPtr := flag.String("datadir", "", "Path to a directory containing node data")
	addressPtr := flag.String("address", "", "Address")
	cmdPtr := flag.String("command", "slot", "Commands: "+strings.Join(commands, ", "))
	periodPtr := flag.Uint64("period", 0, "Slot period (for use with \"block_at\")")
	threadPtr := flag.Uint("thread", 0, "Slot thread (for use with \"block_at\")")
	cyclePtr := flag.Uint64("cycle", 0, "Cycle (for use with \"cycle\")")
	blockIDPtr := flag.String("block_id", "", "Block ID")
	indexPtr := flag.Int("index", 0, "Operation index in the block (for use with \"op\")")
	flag.Parse()

	if len(*dataDirPtr) == 0 {
		log.Printf("You must specify a -datadir\n")
		os.Exit(-1)
	}

	var addr *Address
	if len(*addressPtr) != 0 {
		a, err := ParseAddress(*addressPtr)
		if err != nil {
			log.Fatal(err)
		}
		addr = &a
	}

	var blockID *BlockID
	if len(*blockIDPtr) != 0 {
		blockID = new(BlockID)
		if err := blockID.UnmarshalText([]byte(*blockIDPtr)); err != nil {
			log.Fatal(err)
		}
	}

	// instantiate block storage (read-only)
	blockStore, err := NewBlockStorageDisk(
		filepath.Join(*dataDirPtr, "blocks"),
		filepath.Join(*dataDirPtr, "headers.db"),
		true,  // read-only
		false, // compress (if a block is compressed storage will figure it out)
	)
	if err != nil {
		log.Fatal(err)
	}

	// instantiate the ledger (read-only)
	ledger, err := NewLedgerDisk(filepath.Join(*dataDirPtr, "ledger.db"), true)
	if err != nil {
		log.Fatal(err)
	}

	finalSlot, err := ledger.GetFinalSlot()
	if err != nil {
		log.Fatal(err)
	}
	if finalSlot == nil {
		log.Fatal("Ledger is not initialized")
	}

	switch *cmdPtr {
	case "slot":
		latestFinal, err := ledger.GetLatestFinalBlocks()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Final slot is: %s\n", aurora.Bold(finalSlot.String()))
		for thread, id := range latestFinal {
			log.Printf("Latest final block of thread %d: %s\n", thread, aurora.Bold(id.String()))
		}

	case "balance":
		if addr == nil {
			log.Fatal("-address required for \"balance\" command")
		}
		balance, err := ledger.GetBalance(*addr)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Final balance: %d\n", aurora.Bold(balance))

	case "rolls":
		if addr == nil {
			log.Fatal("-address required for \"rolls\" command")
		}
		pos, err := ledger.LoadPoS()
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Final rolls: %d\n", aurora.Bold(pos.Rolls[*addr]))
		for cycle, credits := range pos.DeferredCredits {
			if amount, ok := credits[*addr]; ok {
				log.Printf("Deferred credit at cycle %d: %d\n", cycle, aurora.Bold(amount))
			}
		}

	case "cycle":
		pos, err := ledger.LoadPoS()
		if err != nil {
			log.Fatal(err)
		}
		var info *CycleInfo
		for _, c := range pos.Cycles {
			if c.Cycle == *cyclePtr {
				info = c
			}
		}
		if info == nil {
			log.Fatalf("No cycle %d in the final state\n", *cyclePtr)
		}
		display(info)

	case "block_at":
		slot := NewSlot(*periodPtr, uint8(*threadPtr))
		id, err := blockStore.GetFinalBlockAt(slot)
		if err != nil {
			log.Fatal(err)
		}
		if id == nil {
			log.Fatalf("No final block archived at slot %s\n", slot)
		}
		displayBlock(*id, blockStore)

	case "block":
		if blockID == nil {
			log.Fatalf("-block_id required for \"block\" command")
		}
		displayBlock(*blockID, blockStore)

	case "op":
		if blockID == nil {
			log.Fatalf("-block_id required for \"op\" command")
		}
		op, header, err := blockStore.GetOperation(*blockID, *indexPtr)
		if err != nil {
			log.Fatal(err)
		}
		if op == nil {
			log.Fatalf("No operation %d in block %s\n", *indexPtr, *blockID)
		}
		opID, err := op.ID()
		if err != nil {
			log.Fatal(err)
		}
		display(opWithContext{
			BlockID:     *blockID,
			BlockHeader: *header,
			Index:       *indexPtr,
			ID:          opID,
			Operation:   op,
		})

	case "verify":
		verify(ledger, blockStore, *finalSlot)
	}

	// close storage
	if err := blockStore.Close(); err != nil {
		log.Println(err)
	}
	if err := ledger.Close(); err != nil {
		log.Println(err)
	}
}

type conciseBlock struct {
	ID         BlockID       `json:"id"`
	Header     BlockHeader   `json:"header"`
	StoredAt   int64         `json:"stored_at"`
	Operations []OperationID `json:"operations"`
}

func displayBlock(id BlockID, blockStore BlockStorage) {
	block, err := blockStore.GetBlock(id)
	if err != nil {
		log.Fatal(err)
	}
	if block == nil {
		log.Fatalf("No block with ID %s\n", id)
	}
	_, when, err := blockStore.GetBlockHeader(id)
	if err != nil {
		log.Fatal(err)
	}

	b := conciseBlock{
		ID:         id,
		Header:     *block.Header,
		StoredAt:   when,
		Operations: make([]OperationID, len(block.Operations)),
	}
	for i := 0; i < len(block.Operations); i++ {
		opID, err := block.Operations[i].ID()
		if err != nil {
			panic(err)
		}
		b.Operations[i] = opID
	}
	display(&b)
}

type opWithContext struct {
	BlockID     BlockID     `json:"block_id"`
	BlockHeader BlockHeader `json:"block_header"`
	Index       int         `json:"operation_index_in_block"`
	ID          OperationID `json:"operation_id"`
	Operation   *Operation  `json:"operation"`
}

func display(v interface{}) {
	vJson, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(vJson))
}

// verify checks that the latest final block of every thread is archived at its slot
func verify(ledger *LedgerDisk, blockStore BlockStorage, finalSlot Slot) {
	latestFinal, err := ledger.GetLatestFinalBlocks()
	if err != nil {
		log.Fatal(err)
	}
	for thread, id := range latestFinal {
		header, _, err := blockStore.GetBlockHeader(id)
		if err != nil {
			log.Fatal(err)
		}
		if header == nil {
			// genesis blocks aren't archived
			log.Printf("%s: latest final block %s of thread %d is not archived\n",
				aurora.Bold(aurora.Yellow("SKIPPED")), id, thread)
			continue
		}
		archived, err := blockStore.GetFinalBlockAt(header.Slot)
		if err != nil {
			log.Fatal(err)
		}
		if archived == nil || *archived != id {
			log.Fatalf("%s: latest final block %s of thread %d is not indexed at slot %s\n",
				aurora.Bold(aurora.Red("FAILURE")), id, thread, aurora.Bold(header.Slot.String()))
		}
	}
	log.Printf("%s: every latest final block is archived at final slot %s\n",
		aurora.Bold(aurora.Green("SUCCESS")), aurora.Bold(finalSlot.String()))
}

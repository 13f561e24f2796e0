package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	. "github.com/inconsiderable/blockclique"
	"golang.org/x/crypto/ed25519"
)

// Write a genesis ledger staking the given keys and print the genesis block IDs
func main() {
	configPtr := flag.String("config", "", "Path to a configuration file with the network parameters")
	keyFilePtr := flag.String("keyfile", "", "Path to a file containing base64 staking key seeds, one per line")
	balancePtr := flag.Uint64("balance", 1_000_000, "Initial balance of every staking address")
	rollsPtr := flag.Uint64("rolls", 1, "Initial rolls of every staking address")
	outPtr := flag.String("out", "genesis.json", "Path of the genesis ledger file to write")
	flag.Parse()

	if len(*keyFilePtr) == 0 {
		log.Fatal("-keyfile argument required")
	}
	if *rollsPtr == 0 {
		log.Fatal("Stakers need at least one roll")
	}

	cfg, err := LoadConfig(*configPtr)
	if err != nil {
		log.Fatal(err)
	}
	keys, err := LoadPrivateKeys(*keyFilePtr)
	if err != nil {
		log.Fatal(err)
	}

	genesis := &GenesisLedger{
		Balances: make(map[Address]uint64),
		Rolls:    make(map[Address]uint64),
	}
	for _, key := range keys {
		addr := AddressFromPublicKey(key.Public().(ed25519.PublicKey))
		genesis.Balances[addr] = *balancePtr
		genesis.Rolls[addr] = *rollsPtr
		log.Printf("Staking address %s (thread %d)\n", addr, addr.Thread(cfg.ThreadCount))
	}

	genesisJson, err := json.MarshalIndent(genesis, "", "    ")
	if err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(*outPtr, genesisJson, 0644); err != nil {
		log.Fatal(err)
	}

	genesisKey, err := cfg.GenesisPublicKey()
	if err != nil {
		log.Fatal(err)
	}
	ids, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	if err != nil {
		log.Fatal(err)
	}
	for thread, id := range ids {
		fmt.Printf("Genesis block of thread %d: %s\n", thread, id)
	}
}

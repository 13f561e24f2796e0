package blockclique

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockStorageDisk(t *testing.T) {
	for _, compress := range []bool{false, true} {
		testBlockStorageDisk(t, compress)
	}
}

func testBlockStorageDisk(t *testing.T, compress bool) {
	require := require.New(t)
	dir := t.TempDir()
	storage, err := NewBlockStorageDisk(filepath.Join(dir, "blocks"), filepath.Join(dir, "headers.db"), false, compress)
	require.NoError(err)
	defer storage.Close()

	cfg := testConfig()
	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)

	key := testKeyInThread(t, cfg.ThreadCount, 1)
	_, op := mustSignedTransaction(t, key, testAddress(100), 7, 1, 5)
	id1, block1 := mustSignedBlock(t, testKey(1), NewSlot(1, 1), genesisIDs, nil, []*Operation{op})
	id2, block2 := mustSignedBlock(t, testKey(1), NewSlot(2, 0), []BlockID{genesisIDs[0], id1}, nil, nil)
	id3, block3 := mustSignedBlock(t, testKey(1), NewSlot(1, 0), genesisIDs, nil, nil)

	require.NoError(storage.Store(id1, block1, 100))
	require.NoError(storage.Store(id2, block2, 200))
	require.NoError(storage.Store(id3, block3, 300))

	got, err := storage.GetBlock(id1)
	require.NoError(err)
	gotID, err := got.ID()
	require.NoError(err)
	require.Equal(id1, gotID)

	header, when, err := storage.GetBlockHeader(id2)
	require.NoError(err)
	require.Equal(int64(200), when)
	require.Equal(NewSlot(2, 0), header.Slot)
	require.Equal(block2.Header.Parents, header.Parents)

	gotOp, gotHeader, err := storage.GetOperation(id1, 0)
	require.NoError(err)
	require.Equal(uint64(7), gotOp.Amount)
	require.Equal(NewSlot(1, 1), gotHeader.Slot)

	missing, err := storage.GetBlock(testBlockID(9))
	require.NoError(err)
	require.Nil(missing)

	// the slot index is in slot order, excluding the slot itself
	at, err := storage.GetFinalBlockAt(NewSlot(1, 0))
	require.NoError(err)
	require.Equal(id3, *at)
	at, err = storage.GetFinalBlockAt(NewSlot(5, 0))
	require.NoError(err)
	require.Nil(at)

	after, err := storage.GetFinalBlocksAfter(NewSlot(1, 0))
	require.NoError(err)
	require.Equal([]BlockID{id1, id2}, after)
	after, err = storage.GetFinalBlocksAfter(NewSlot(0, 1))
	require.NoError(err)
	require.Equal([]BlockID{id3, id1, id2}, after)
}

func TestBlockStorageDiskLayout(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	blocksDir, dbDir := filepath.Join(dir, "blocks"), filepath.Join(dir, "headers.db")

	cfg := testConfig()
	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)
	id, block := mustSignedBlock(t, testKey(1), NewSlot(12, 1), genesisIDs, nil, nil)

	storage, err := NewBlockStorageDisk(blocksDir, dbDir, false, true)
	require.NoError(err)
	require.NoError(storage.Store(id, block, 100))
	require.Error(storage.Store(id, &Block{}, 100))
	require.NoError(storage.Close())

	// one file per block under its thread, named by period
	path := filepath.Join(blocksDir, "t1", "00000000000000000012-"+id.String()+".blk")
	record, err := os.ReadFile(path)
	require.NoError(err)
	require.Equal(blockCodecLZ4, record[0])
	entries, err := os.ReadDir(filepath.Join(blocksDir, "t1"))
	require.NoError(err)
	require.Len(entries, 1)

	// the codec comes from the record, not the storage setting
	storage, err = NewBlockStorageDisk(blocksDir, dbDir, true, false)
	require.NoError(err)
	defer storage.Close()
	got, err := storage.GetBlock(id)
	require.NoError(err)
	gotID, err := got.ID()
	require.NoError(err)
	require.Equal(id, gotID)
	require.Error(storage.Store(id, block, 200))

	_, err = decodeBlockRecord([]byte{'x', '{', '}'})
	require.Error(err)
	_, err = decodeBlockRecord(nil)
	require.Error(err)
}

func TestEncodeBlockHeader(t *testing.T) {
	require := require.New(t)
	cfg := testConfig()
	genesisKey, err := cfg.GenesisPublicKey()
	require.NoError(err)
	genesisIDs, _, err := GenesisBlocks(cfg.ThreadCount, genesisKey)
	require.NoError(err)
	id, block := mustSignedBlock(t, testKey(1), NewSlot(1, 0), genesisIDs, nil, nil)

	encoded, err := encodeBlockHeader(block.Header, 12345)
	require.NoError(err)
	header, when, err := decodeBlockHeader(encoded)
	require.NoError(err)
	require.Equal(int64(12345), when)

	// the header hashes to the same block ID
	decodedID, err := header.ID()
	require.NoError(err)
	require.Equal(id, decodedID)
}

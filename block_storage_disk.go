package blockclique

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/buger/jsonparser"
	"github.com/pierrec/lz4"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// BlockStorageDisk is an on-disk BlockStorage implementation. Final blocks are kept as one file
// per block under a directory per thread, named by period, and LevelDB indexes headers and slots.
type BlockStorageDisk struct {
	db       *leveldb.DB
	dirPath  string
	readOnly bool
	compress bool
}

// block file codecs, stored as the first byte of each file
const (
	blockCodecJSON byte = 'j'
	blockCodecLZ4  byte = 'z'
)

// NewBlockStorageDisk returns a new instance of on-disk block storage.
func NewBlockStorageDisk(dirPath, dbPath string, readOnly, compress bool) (*BlockStorageDisk, error) {
	if !readOnly {
		if info, err := os.Stat(dirPath); os.IsNotExist(err) {
			if err := os.MkdirAll(dirPath, 0700); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		} else if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dirPath)
		}
	}

	opts := opt.Options{ReadOnly: readOnly}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, err
	}
	return &BlockStorageDisk{
		db:       db,
		dirPath:  dirPath,
		readOnly: readOnly,
		compress: compress,
	}, nil
}

// blockPath returns where the block of a slot is archived: {dir}/t{thread}/{period}-{id}.blk.
// Zero-padded periods keep a thread directory listing in slot order.
func (b BlockStorageDisk) blockPath(slot Slot, id BlockID) string {
	name := fmt.Sprintf("%020d-%s.blk", slot.Period, id)
	return filepath.Join(b.dirPath, "t"+strconv.Itoa(int(slot.Thread)), name)
}

// Store is called to store all of the final block's information.
func (b BlockStorageDisk) Store(id BlockID, block *Block, now int64) error {
	if b.readOnly {
		return fmt.Errorf("block storage is in read-only mode")
	}
	if block == nil || block.Header == nil {
		return fmt.Errorf("block %s has no header", id)
	}

	blockBytes, err := json.Marshal(block)
	if err != nil {
		return err
	}
	record, err := encodeBlockRecord(blockBytes, b.compress)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(b.blockPath(block.Header.Slot, id), record); err != nil {
		return err
	}

	// the indexes are written last so a block is only visible once its file is durable
	encodedBlockHeader, err := encodeBlockHeader(block.Header, now)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(computeHeaderKey(id), encodedBlockHeader)
	batch.Put(computeSlotKey(block.Header.Slot), id[:])

	wo := opt.WriteOptions{Sync: true}
	return b.db.Write(batch, &wo)
}

// GetBlock returns the referenced block.
func (b BlockStorageDisk) GetBlock(id BlockID) (*Block, error) {
	blockJson, err := b.GetBlockBytes(id)
	if err != nil || blockJson == nil {
		return nil, err
	}

	block := new(Block)
	if err := json.Unmarshal(blockJson, block); err != nil {
		return nil, err
	}
	return block, nil
}

// GetBlockBytes returns the referenced block as a byte slice.
func (b BlockStorageDisk) GetBlockBytes(id BlockID) ([]byte, error) {
	// the header index locates the file
	header, _, err := b.GetBlockHeader(id)
	if err != nil || header == nil {
		return nil, err
	}
	record, err := os.ReadFile(b.blockPath(header.Slot, id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeBlockRecord(record)
}

// GetBlockHeader returns the referenced block's header and the timestamp of when it was stored.
func (b BlockStorageDisk) GetBlockHeader(id BlockID) (*BlockHeader, int64, error) {
	// fetch it
	encodedHeader, err := b.db.Get(computeHeaderKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	// decode it
	return decodeBlockHeader(encodedHeader)
}

// GetOperation returns an operation within a block and the block's header.
func (b BlockStorageDisk) GetOperation(id BlockID, index int) (*Operation, *BlockHeader, error) {
	blockJson, err := b.GetBlockBytes(id)
	if err != nil || blockJson == nil {
		return nil, nil, err
	}

	// pick out and unmarshal the operation at the index
	idx := "[" + strconv.Itoa(index) + "]"
	opJson, _, _, err := jsonparser.Get(blockJson, "operations", idx)
	if err != nil {
		return nil, nil, err
	}
	op := new(Operation)
	if err := json.Unmarshal(opJson, op); err != nil {
		return nil, nil, err
	}

	// pick out and unmarshal the header
	hdrJson, _, _, err := jsonparser.Get(blockJson, "header")
	if err != nil {
		return nil, nil, err
	}
	header := new(BlockHeader)
	if err := json.Unmarshal(hdrJson, header); err != nil {
		return nil, nil, err
	}
	return op, header, nil
}

// GetFinalBlockAt returns the ID of the final block stored for the slot, if any.
func (b BlockStorageDisk) GetFinalBlockAt(slot Slot) (*BlockID, error) {
	idBytes, err := b.db.Get(computeSlotKey(slot), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var id BlockID
	copy(id[:], idBytes)
	return &id, nil
}

// GetFinalBlocksAfter returns the IDs of the stored final blocks with a slot after the given one, in slot order.
func (b BlockStorageDisk) GetFinalBlocksAfter(slot Slot) ([]BlockID, error) {
	start := computeSlotKey(slot)
	start = append(start, 0) // skip the slot itself
	iter := b.db.NewIterator(&util.Range{Start: start, Limit: []byte{slotIndexPrefix + 1}}, nil)
	defer iter.Release()
	var ids []BlockID
	for iter.Next() {
		var id BlockID
		copy(id[:], iter.Value())
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close is called to close any underlying storage.
func (b *BlockStorageDisk) Close() error {
	return b.db.Close()
}

// leveldb schema

// h{bid} -> {timestamp}{gob encoded header}
// n{slot} -> {bid}

const headerPrefix = 'h'

const slotIndexPrefix = 'n'

func computeHeaderKey(id BlockID) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(headerPrefix)
	key.Write(id[:])
	return key.Bytes()
}

func computeSlotKey(slot Slot) []byte {
	key := new(bytes.Buffer)
	key.WriteByte(slotIndexPrefix)
	key.Write(slot.Bytes())
	return key.Bytes()
}

func encodeBlockHeader(header *BlockHeader, when int64) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, when); err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(header); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBlockHeader(encodedHeader []byte) (*BlockHeader, int64, error) {
	buf := bytes.NewBuffer(encodedHeader)
	var when int64
	if err := binary.Read(buf, binary.BigEndian, &when); err != nil {
		return nil, 0, err
	}
	enc := gob.NewDecoder(buf)
	header := new(BlockHeader)
	if err := enc.Decode(header); err != nil {
		return nil, 0, err
	}
	return header, when, nil
}

// encodeBlockRecord prefixes the block JSON with its codec, compressing it with lz4 if asked.
func encodeBlockRecord(blockJson []byte, compress bool) ([]byte, error) {
	if !compress {
		return append([]byte{blockCodecJSON}, blockJson...), nil
	}
	out := bytes.NewBuffer([]byte{blockCodecLZ4})
	zw := lz4.NewWriter(out)
	if _, err := zw.Write(blockJson); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// decodeBlockRecord returns the block JSON of a record written by either codec.
func decodeBlockRecord(record []byte) ([]byte, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("empty block record")
	}
	switch record[0] {
	case blockCodecJSON:
		return record[1:], nil
	case blockCodecLZ4:
		out := new(bytes.Buffer)
		if _, err := io.Copy(out, lz4.NewReader(bytes.NewReader(record[1:]))); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown block record codec %q", record[0])
	}
}

// writeFileAtomic writes and syncs the data to a temporary file beside path, then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".blk-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

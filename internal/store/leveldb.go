package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// Key layout. The recipient is written after its uvarint length, so the
// prefix of one recipient never matches another's keys:
//
//	s<len><recipient>          -> next sequence number (uint64 BE)
//	m<len><recipient><seq BE>  -> JSON Entry
//	h<len><recipient><hash>    -> seq of the first entry with hash
const (
	prefixSeq   = 's'
	prefixEntry = 'm'
	prefixHash  = 'h'
)

// LevelDB is a durable Store backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
	mu sync.Mutex // serializes Append's read-modify-write of the sequence
}

// OpenLevelDB opens or creates a database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// OpenLevelDBMemory opens a database on in-memory storage.
func OpenLevelDBMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func recipientKey(prefix byte, recipient types.Identity) []byte {
	key := make([]byte, 0, 1+binary.MaxVarintLen64+len(recipient)+8)
	key = append(key, prefix)
	key = binary.AppendUvarint(key, uint64(len(recipient)))
	return append(key, recipient...)
}

func entryKey(recipient types.Identity, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(recipientKey(prefixEntry, recipient), seq)
}

func hashKey(recipient types.Identity, hash string) []byte {
	return append(recipientKey(prefixHash, recipient), hash...)
}

func (s *LevelDB) Append(recipient types.Identity, hash string, msg *protocol.Message) error {
	value, err := json.Marshal(Entry{Hash: hash, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqKey := recipientKey(prefixSeq, recipient)
	var seq uint64
	raw, err := s.db.Get(seqKey, nil)
	switch {
	case err == nil:
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(recipient, seq), value)
	batch.Put(seqKey, binary.BigEndian.AppendUint64(nil, seq+1))

	hk := hashKey(recipient, hash)
	if ok, err := s.db.Has(hk, nil); err != nil {
		return fmt.Errorf("failed to read hash index: %w", err)
	} else if !ok {
		batch.Put(hk, binary.BigEndian.AppendUint64(nil, seq))
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *LevelDB) List(recipient types.Identity) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix(recipientKey(prefixEntry, recipient)), nil)
	defer iter.Release()

	hashes := make([]string, 0)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("corrupt entry %x: %w", iter.Key(), err)
		}
		hashes = append(hashes, e.Hash)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return hashes, nil
}

func (s *LevelDB) Get(recipient types.Identity, hash string) (*protocol.Message, error) {
	raw, err := s.db.Get(hashKey(recipient, hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	value, err := s.db.Get(entryKey(recipient, binary.BigEndian.Uint64(raw)), nil)
	if err != nil {
		return nil, fmt.Errorf("dangling hash index for %s: %w", hash, err)
	}

	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("corrupt entry for %s: %w", hash, err)
	}
	return e.Message, nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}

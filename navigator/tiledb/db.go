// Package tiledb stores built navmesh tiles in a LevelDB database so that tiles built in an earlier session
// can be reused when the input geometry is unchanged.
package tiledb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/df-mc/detournav/navigator/updater"
	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/util"
	"github.com/golang/snappy"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
	"github.com/segmentio/fasthash/fnv1a"
)

// recordVersion is bumped whenever the record layout changes. Records of other versions are treated as
// missing.
const recordVersion = 1

// record is the value stored per key, encoded as little endian NBT.
type record struct {
	Version int32  `nbt:"Version"`
	X       int32  `nbt:"X"`
	Y       int32  `nbt:"Y"`
	Data    []byte `nbt:"Data"`
}

// Stats holds the counters of a DB.
type Stats struct {
	Hits, Misses, Writes, Errors uint64
}

// DB is a persistent store of tile blobs. DB implements updater.Store and is safe for concurrent use.
type DB struct {
	ldb *leveldb.DB

	hits, misses, writes, errs atomic.Uint64
}

var _ updater.Store = (*DB)(nil)

// Open opens or creates the database in the directory passed.
func Open(dir string) (*DB, error) {
	ldb, err := leveldb.OpenFile(dir, &opt.Options{
		// Tile data is compressed with snappy before it is written.
		Compression: opt.NoCompression,
		BlockSize:   16 * opt.KiB,
	})
	if err != nil {
		return nil, fmt.Errorf("open tile db: %w", err)
	}
	return New(ldb), nil
}

// New wraps an open LevelDB database.
func New(ldb *leveldb.DB) *DB {
	return &DB{ldb: ldb}
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.ldb.Close()
}

// Get returns the blob stored for key. It returns false if no usable record is stored.
func (db *DB) Get(key updater.StoreKey) ([]byte, bool, error) {
	raw, err := db.ldb.Get(encodeKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		db.misses.Add(1)
		return nil, false, nil
	} else if err != nil {
		db.errs.Add(1)
		return nil, false, fmt.Errorf("get tile %v: %w", key.Position, err)
	}
	var rec record
	if err := nbt.UnmarshalEncoding(raw, &rec, nbt.LittleEndian); err != nil {
		db.errs.Add(1)
		return nil, false, fmt.Errorf("decode tile %v: %w", key.Position, err)
	}
	if rec.Version != recordVersion || rec.X != key.Position.X || rec.Y != key.Position.Y {
		db.misses.Add(1)
		return nil, false, nil
	}
	blob, err := snappy.Decode(nil, rec.Data)
	if err != nil {
		db.errs.Add(1)
		return nil, false, fmt.Errorf("decompress tile %v: %w", key.Position, err)
	}
	db.hits.Add(1)
	return blob, true, nil
}

// Put stores blob under key, replacing an existing record.
func (db *DB) Put(key updater.StoreKey, blob []byte) error {
	raw, err := nbt.MarshalEncoding(record{
		Version: recordVersion,
		X:       key.Position.X,
		Y:       key.Position.Y,
		Data:    snappy.Encode(nil, blob),
	}, nbt.LittleEndian)
	if err != nil {
		db.errs.Add(1)
		return fmt.Errorf("encode tile %v: %w", key.Position, err)
	}
	if err := db.ldb.Put(encodeKey(key), raw, nil); err != nil {
		db.errs.Add(1)
		return fmt.Errorf("put tile %v: %w", key.Position, err)
	}
	db.writes.Add(1)
	return nil
}

// DeleteWorldspace removes every tile stored for worldspace and returns the number of records removed.
func (db *DB) DeleteWorldspace(worldspace string) (int, error) {
	iter := db.ldb.NewIterator(util.BytesPrefix(worldspacePrefix(worldspace)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate worldspace %q: %w", worldspace, err)
	}
	if err := db.ldb.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("delete worldspace %q: %w", worldspace, err)
	}
	return batch.Len(), nil
}

// Stats returns the counters of the database.
func (db *DB) Stats() Stats {
	return Stats{Hits: db.hits.Load(), Misses: db.misses.Load(), Writes: db.writes.Load(), Errors: db.errs.Load()}
}

// keyLen is the length of an encoded key: worldspace hash, agent hash, tile Z-order value and input hash.
// Neighbouring tiles of an agent end up close together in the key space.
const keyLen = 8 + 8 + 8 + 8

func worldspacePrefix(worldspace string) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, keyLen), fnv1a.HashString64(worldspace))
}

func encodeKey(k updater.StoreKey) []byte {
	b := worldspacePrefix(k.Worldspace)
	b = binary.BigEndian.AppendUint64(b, k.Agent.Hash())
	b = binary.BigEndian.AppendUint64(b, k.Position.Morton())
	return binary.BigEndian.AppendUint64(b, k.InputHash)
}

package outbox

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/quire/pkg/document"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	idsBucket     = []byte("ids")
)

// Bolt is an Outbox persisted in a bbolt file. Entries are stored under a
// big-endian sequence key so a cursor walk yields generation order; a second
// bucket maps update ids to their sequence key.
type Bolt struct {
	bdb *bbolt.DB
}

var _ Outbox = (*Bolt)(nil)

// Options tune how the outbox file is opened.
type Options struct {
	// NoSync skips fsync after each write. Only for tests.
	NoSync bool
}

// Open opens or creates the outbox file at path.
func Open(path string, opt Options) (*Bolt, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	bopt.FreelistType = bbolt.FreelistMapType
	if opt.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
	}

	bdb, err := bbolt.Open(path, 0600, bopt)
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("outbox: prepare buckets: %w", err)
	}
	return &Bolt{bdb: bdb}, nil
}

func (o *Bolt) Add(pageID string, u document.Update) error {
	return o.bdb.Update(func(tx *bbolt.Tx) error {
		entries, ids := tx.Bucket(entriesBucket), tx.Bucket(idsBucket)
		if ids.Get([]byte(u.ID)) != nil {
			return nil
		}

		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		raw, err := encodeEntry(Entry{Seq: seq, PageID: pageID, Update: u})
		if err != nil {
			return err
		}

		key := seqKey(seq)
		if err := entries.Put(key, raw); err != nil {
			return err
		}
		return ids.Put([]byte(u.ID), key)
	})
}

func (o *Bolt) Remove(updateID string) (bool, error) {
	var found bool
	err := o.bdb.Update(func(tx *bbolt.Tx) error {
		entries, ids := tx.Bucket(entriesBucket), tx.Bucket(idsBucket)
		key := ids.Get([]byte(updateID))
		if key == nil {
			return nil
		}
		found = true
		// bbolt values are only valid for the life of the transaction.
		key = bytes.Clone(key)
		if err := ids.Delete([]byte(updateID)); err != nil {
			return err
		}
		return entries.Delete(key)
	})
	return found, err
}

func (o *Bolt) Pending() ([]Entry, error) {
	out := []Entry{}
	err := o.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return out, nil
}

func (o *Bolt) Close() error {
	return o.bdb.Close()
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return key[:]
}

// record is the stored form of an Entry. The update keeps its JSON wire form
// so restored prop values carry the same types peers decode.
type record struct {
	Seq    uint64 `msgpack:"seq"`
	PageID string `msgpack:"page_id"`
	Update []byte `msgpack:"update"`
}

func encodeEntry(e Entry) ([]byte, error) {
	update, err := json.Marshal(e.Update)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update %s: %w", e.Update.ID, err)
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err = enc.Encode(&record{Seq: e.Seq, PageID: e.PageID, Update: update})
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update %s using MsgPack: %w", e.Update.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var r record
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(raw))
	err := dec.Decode(&r)
	msgpack.PutDecoder(dec)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decode msgpack entry: %w", err)
	}

	e := Entry{Seq: r.Seq, PageID: r.PageID}
	if err := json.Unmarshal(r.Update, &e.Update); err != nil {
		return Entry{}, fmt.Errorf("failed to decode update: %w", err)
	}
	return e, nil
}

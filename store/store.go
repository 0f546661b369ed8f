// Package store persists document snapshots in a local bolt database.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/kevinxiao27/yata/codec"
	"github.com/kevinxiao27/yata/crdt"
)

// ErrNotFound reports a document id with no saved snapshot.
var ErrNotFound = errors.New("store: document not found")

var (
	docsBucket    = []byte("documents")
	clientsBucket = []byte("clients")
)

type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{docsBucket, clientsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveDoc writes the document's current item set, reusing the codec's
// Snapshot envelope as the blob format. Parked items are not saved: the
// peer still holding them will offer them again, since the vector never
// advanced past them.
func (s *Store) SaveDoc(docID string, doc *crdt.Doc) error {
	items := slices.Collect(doc.All())
	b, err := codec.EncodeSnapshot(doc.Client(), doc.StateVector(), items)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", docID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put([]byte(docID), b)
	})
	if err != nil {
		return fmt.Errorf("store: writing %s: %w", docID, err)
	}
	s.logger.Debug().Str("doc", docID).Int("items", len(items)).Msg("saved snapshot")
	return nil
}

// LoadDoc rebuilds a document from its saved snapshot. Returns ErrNotFound
// if the id has never been saved.
func (s *Store) LoadDoc(docID string) (*crdt.Doc, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(docsBucket).Get([]byte(docID)); v != nil {
			// the slice Get returns is only valid inside the transaction
			raw = slices.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", docID, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	msg, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("store: decoding %s: %w", docID, err)
	}
	snap, ok := msg.(codec.Snapshot)
	if !ok {
		return nil, fmt.Errorf("store: snapshot for %s holds a %T", docID, msg)
	}

	doc := crdt.New(snap.ClientId)
	doc.Apply(snap.Items)
	if n := doc.Pending(); n > 0 {
		// a snapshot is self-contained; an unresolved anchor means the blob
		// is corrupt
		return nil, fmt.Errorf("store: snapshot for %s left %d items unresolved", docID, n)
	}
	// Truncated runs span fewer clocks than they were minted with, so the
	// item replay alone can leave the vector and minting clock short.
	doc.ObserveVector(snap.Vector)
	s.logger.Debug().Str("doc", docID).Int("items", len(snap.Items)).Msg("loaded snapshot")
	return doc, nil
}

// ReserveClient hands out the next replica id for a document, never
// repeating one even across restarts. The snapshot vector only records
// replicas that flushed an item, so assignment has its own counter. floor
// is the lowest id the caller will accept; the returned id is at least
// that.
func (s *Store) ReserveClient(docID string, floor uint64) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(clientsBucket)
		key := []byte(docID)
		id = floor
		if v := bkt.Get(key); len(v) == 8 {
			if stored := binary.BigEndian.Uint64(v); stored > id {
				id = stored
			}
		}
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], id+1)
		return bkt.Put(key, next[:])
	})
	if err != nil {
		return 0, fmt.Errorf("store: reserving client id for %s: %w", docID, err)
	}
	return id, nil
}

// Docs lists every saved document id.
func (s *Store) Docs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing documents: %w", err)
	}
	return ids, nil
}

package docstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
	bolt "go.etcd.io/bbolt"
)

var (
	metaBucket        = []byte("meta")
	baseBucket        = []byte("base")
	workingBucket     = []byte("working")
	bookkeepingBucket = []byte("bookkeeping")

	metaKey        = []byte("checkout")
	bookkeepingKey = []byte("pending")
)

var (
	// ErrNotInitialized is returned when opening a checkout that was never initialized.
	ErrNotInitialized = errors.New("checkout not initialized")
	// ErrInitialized is returned when initializing an existing checkout.
	ErrInitialized = errors.New("checkout already initialized")
)

// meta is everything of a snapshot but the elements and the bookkeeping.
type meta struct {
	Document string             `json:"document"`
	Replica  resource.ReplicaID `json:"replica"`
	Seq      uint32             `json:"seq"`
	Tip      json.RawMessage    `json:"tip"`
}

// Bolt is a Document persisted in a bbolt database.
type Bolt struct {
	*Document
	db *bolt.DB
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkout %s: %w", path, err)
	}
	return db, nil
}

// InitBolt creates the checkout at path for replica of document.
func InitBolt(ctx context.Context, path, document string, replica resource.ReplicaID) (*Bolt, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	b := &Bolt{db: db}
	if err := db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(metaBucket) != nil {
			return ErrInitialized
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	st := newSnapshot(document, replica)
	if err := b.save(ctx, st); err != nil {
		db.Close()
		return nil, err
	}

	b.Document = &Document{st: st, persister: b}
	return b, nil
}

// OpenBolt opens the checkout at path.
func OpenBolt(path string) (*Bolt, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, path)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	b := &Bolt{db: db}
	st, err := b.load()
	if err != nil {
		db.Close()
		return nil, err
	}

	b.Document = &Document{st: st, persister: b}
	return b, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) load() (*snapshot, error) {
	st := &snapshot{Base: map[uint64]Element{}, Working: map[uint64]Element{}}

	err := b.db.View(func(tx *bolt.Tx) error {
		metaB := tx.Bucket(metaBucket)
		if metaB == nil {
			return ErrNotInitialized
		}

		var m meta
		if err := json.Unmarshal(metaB.Get(metaKey), &m); err != nil {
			return fmt.Errorf("decode checkout: %w", err)
		}
		st.Document, st.Replica, st.Seq = m.Document, m.Replica, m.Seq
		if err := json.Unmarshal(m.Tip, &st.Tip); err != nil {
			return fmt.Errorf("decode tip: %w", err)
		}

		if err := loadElements(tx.Bucket(baseBucket), st.Base); err != nil {
			return err
		}
		if err := loadElements(tx.Bucket(workingBucket), st.Working); err != nil {
			return err
		}

		if pending := tx.Bucket(bookkeepingBucket).Get(bookkeepingKey); pending != nil {
			if err := json.Unmarshal(pending, &st.Bookkeeping); err != nil {
				return fmt.Errorf("decode bookkeeping: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func loadElements(bucket *bolt.Bucket, into map[uint64]Element) error {
	return bucket.ForEach(func(k, v []byte) error {
		var e Element
		// Values are only valid during the transaction, Unmarshal copies what it keeps.
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode element %x: %w", k, err)
		}
		into[binary.BigEndian.Uint64(k)] = e
		return nil
	})
}

// save rewrites the checkout in a single transaction.
func (b *Bolt) save(ctx context.Context, st *snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tip, err := json.Marshal(st.Tip)
	if err != nil {
		return err
	}

	metaValue, err := json.Marshal(meta{Document: st.Document, Replica: st.Replica, Seq: st.Seq, Tip: tip})
	if err != nil {
		return err
	}

	pending, err := json.Marshal(st.Bookkeeping)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		metaB, err := recreateBucket(tx, metaBucket)
		if err != nil {
			return err
		}
		if err := metaB.Put(metaKey, metaValue); err != nil {
			return err
		}

		if err := saveElements(tx, baseBucket, st.Base); err != nil {
			return err
		}
		if err := saveElements(tx, workingBucket, st.Working); err != nil {
			return err
		}

		bookkeepingB, err := recreateBucket(tx, bookkeepingBucket)
		if err != nil {
			return err
		}
		return bookkeepingB.Put(bookkeepingKey, pending)
	})
}

func saveElements(tx *bolt.Tx, name []byte, elements map[uint64]Element) error {
	bucket, err := recreateBucket(tx, name)
	if err != nil {
		return err
	}

	for key, e := range elements {
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := bucket.Put(itob(key), value); err != nil {
			return err
		}
	}
	return nil
}

func recreateBucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return nil, err
		}
	}
	return tx.CreateBucket(name)
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

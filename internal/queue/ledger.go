package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const itemBucket = "queue_items"

// ErrItemNotFound is returned when an id is absent from the ledger.
var ErrItemNotFound = fmt.Errorf("queue item not found")

// Ledger is the durable collection of queue items, keyed by id. It is
// the only shared mutable state in the pipeline; all writes go through
// the queue's transition functions.
type Ledger interface {
	// Put inserts or replaces an item
	Put(item *Item) error

	// Get retrieves an item by id; ErrItemNotFound if absent
	Get(id string) (*Item, error)

	// Update applies fn to the stored item in one transaction.
	// ErrItemNotFound if absent; an error from fn aborts the write.
	Update(id string, fn func(*Item) error) error

	// Delete removes an item; a no-op if the id is absent
	Delete(id string) error

	// List returns all items
	List() ([]*Item, error)

	// Close closes the ledger
	Close() error
}

// BoltLedger implements Ledger on a BoltDB file so the queue survives
// process restarts.
type BoltLedger struct {
	db *bbolt.DB
}

// NewBoltLedger opens (or creates) the ledger file.
func NewBoltLedger(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(itemBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger bucket: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// Put inserts or replaces an item.
func (l *BoltLedger) Put(item *Item) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		return bucket.Put([]byte(item.ID), data)
	})
}

// Get retrieves an item by id.
func (l *BoltLedger) Get(id string) (*Item, error) {
	var item *Item
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Update applies fn to the stored item inside a single read-check-write
// transaction, so a concurrent Delete can never be overwritten by a
// stale copy. Returns ErrItemNotFound when the id is absent; an error
// from fn aborts without writing.
func (l *BoltLedger) Update(id string, fn func(*Item) error) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}

		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("unmarshaling queue item: %w", err)
		}
		if err := fn(&item); err != nil {
			return err
		}

		updated, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		return bucket.Put([]byte(id), updated)
	})
}

// Delete removes an item. Deleting an absent id is a no-op, which makes
// discard idempotent.
func (l *BoltLedger) Delete(id string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		return bucket.Delete([]byte(id))
	})
}

// List returns all items.
func (l *BoltLedger) List() ([]*Item, error) {
	items := make([]*Item, 0)
	err := l.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(itemBucket))
		return bucket.ForEach(func(k, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling queue item: %w", err)
			}
			items = append(items, &item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Close closes the ledger file.
func (l *BoltLedger) Close() error {
	return l.db.Close()
}

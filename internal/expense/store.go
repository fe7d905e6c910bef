package expense

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	expenseBucket = "expenses"
	tripBucket    = "trips"
)

// ErrNotFound is returned for an unknown expense or trip id.
var ErrNotFound = fmt.Errorf("not found")

// Store defines the persistence operations for expenses and trips.
type Store interface {
	// SaveExpense inserts or replaces an expense
	SaveExpense(e *Expense) error

	// GetExpense retrieves an expense by id
	GetExpense(id string) (*Expense, error)

	// ListExpenses returns all expenses
	ListExpenses() ([]*Expense, error)

	// DeleteExpense removes an expense
	DeleteExpense(id string) error

	// SaveTrip inserts or replaces a trip
	SaveTrip(t *Trip) error

	// GetTrip retrieves a trip by id
	GetTrip(id string) (*Trip, error)

	// ListTrips returns all trips
	ListTrips() ([]*Trip, error)

	// Close closes the store
	Close() error
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the expense database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening expense db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(expenseBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(tripBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveExpense inserts or replaces an expense.
func (b *BoltStore) SaveExpense(e *Expense) error {
	return b.put(expenseBucket, e.ID, e)
}

// GetExpense retrieves an expense by id.
func (b *BoltStore) GetExpense(id string) (*Expense, error) {
	var e *Expense
	if err := b.get(expenseBucket, id, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListExpenses returns all expenses.
func (b *BoltStore) ListExpenses() ([]*Expense, error) {
	expenses := make([]*Expense, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expenseBucket)).ForEach(func(k, v []byte) error {
			var e Expense
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			expenses = append(expenses, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expenses, nil
}

// DeleteExpense removes an expense.
func (b *BoltStore) DeleteExpense(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(expenseBucket)).Delete([]byte(id))
	})
}

// SaveTrip inserts or replaces a trip.
func (b *BoltStore) SaveTrip(t *Trip) error {
	return b.put(tripBucket, t.ID, t)
}

// GetTrip retrieves a trip by id.
func (b *BoltStore) GetTrip(id string) (*Trip, error) {
	var t *Trip
	if err := b.get(tripBucket, id, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTrips returns all trips.
func (b *BoltStore) ListTrips() ([]*Trip, error) {
	trips := make([]*Trip, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(tripBucket)).ForEach(func(k, v []byte) error {
			var t Trip
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling trip: %w", err)
			}
			trips = append(trips, &t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return trips, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) put(bucket, id string, v any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return tx.Bucket([]byte(bucket)).Put([]byte(id), data)
	})
}

func (b *BoltStore) get(bucket, id string, v any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, v)
	})
}

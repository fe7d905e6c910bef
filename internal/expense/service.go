package expense

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique ids for expenses and trips
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time { return time.Now() }

// Service handles expense and trip operations.
type Service struct {
	store      Store
	idGen      IDGenerator
	timeSource TimeSource
}

// NewService creates a Service with default id generator and time source.
func NewService(store Store) *Service {
	return &Service{store: store, idGen: uuidGenerator{}, timeSource: defaultTimeSource{}}
}

// NewServiceWithDeps creates a Service with custom dependencies for testing.
func NewServiceWithDeps(store Store, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{store: store, idGen: idGen, timeSource: timeSrc}
}

// Create persists a new expense and returns it with id and timestamps
// assigned.
func (s *Service) Create(e Expense) (*Expense, error) {
	now := s.timeSource.Now()
	e.ID = s.idGen.Generate()
	e.CreatedAt = now
	e.UpdatedAt = now
	if err := s.store.SaveExpense(&e); err != nil {
		return nil, fmt.Errorf("saving expense: %w", err)
	}
	return &e, nil
}

// Get retrieves an expense by id.
func (s *Service) Get(id string) (*Expense, error) {
	return s.store.GetExpense(id)
}

// List returns all expenses.
func (s *Service) List() ([]*Expense, error) {
	return s.store.ListExpenses()
}

// Delete removes an expense.
func (s *Service) Delete(id string) error {
	if _, err := s.store.GetExpense(id); err != nil {
		return err
	}
	return s.store.DeleteExpense(id)
}

// CreateTrip groups the given expenses into a new trip. Every expense
// must exist and be unassigned; the trip total is the sum of their
// amounts.
func (s *Service) CreateTrip(name string, expenseIDs []string) (*Trip, error) {
	if len(expenseIDs) == 0 {
		return nil, fmt.Errorf("at least one expense is required")
	}

	var total int64
	for _, id := range expenseIDs {
		e, err := s.store.GetExpense(id)
		if err != nil {
			return nil, fmt.Errorf("getting expense %s: %w", id, err)
		}
		if e.TripID != "" {
			return nil, fmt.Errorf("expense %s is already assigned to a trip", id)
		}
		total += e.Amount
	}

	now := s.timeSource.Now()
	trip := &Trip{
		ID:          s.idGen.Generate(),
		Name:        name,
		ExpenseIDs:  expenseIDs,
		TotalAmount: total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveTrip(trip); err != nil {
		return nil, fmt.Errorf("saving trip: %w", err)
	}

	for _, id := range expenseIDs {
		e, err := s.store.GetExpense(id)
		if err != nil {
			return nil, fmt.Errorf("getting expense %s for update: %w", id, err)
		}
		e.TripID = trip.ID
		e.UpdatedAt = now
		if err := s.store.SaveExpense(e); err != nil {
			return nil, fmt.Errorf("updating expense %s: %w", id, err)
		}
	}

	return trip, nil
}

// GetTrip retrieves a trip by id.
func (s *Service) GetTrip(id string) (*Trip, error) {
	return s.store.GetTrip(id)
}

// ListTrips returns all trips.
func (s *Service) ListTrips() ([]*Trip, error) {
	return s.store.ListTrips()
}

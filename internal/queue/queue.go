package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapexpense/snapexpense/internal/credential"
	"github.com/snapexpense/snapexpense/internal/extraction"
	"github.com/snapexpense/snapexpense/internal/normalize"
	"github.com/snapexpense/snapexpense/internal/provider"
)

// ErrUnknownProvider is returned by Add for a provider id the registry
// does not know. The job is never created.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// ErrNotRetryable is returned by Retry when the item is not failed.
var ErrNotRetryable = fmt.Errorf("item is not in a failed state")

// ImageSource reads a captured receipt image by its URI. The queue only
// holds the reference; the file itself belongs to the image store.
type ImageSource interface {
	Get(uri string) ([]byte, error)
}

// ClientFactory builds the extraction client for one dispatch attempt.
type ClientFactory func(d provider.Descriptor, apiKey string) (extraction.Client, error)

// IDGenerator generates unique ids for queue items
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

// Config tunes the queue's dispatch behavior.
type Config struct {
	// MaxAttempts bounds extraction attempts per item, cumulative
	// across restarts.
	MaxAttempts int
	// MaxConcurrent caps simultaneously processing items.
	MaxConcurrent int
	// RequestTimeout is the wall-clock bound on one extraction attempt.
	RequestTimeout time.Duration
	// RetryDelay returns how long to wait before re-dispatching after
	// the given (1-based) failed attempt.
	RetryDelay func(attempt int) time.Duration
	// PollInterval bounds how long the dispatcher sleeps between scans.
	PollInterval time.Duration
}

func (c *Config) fillDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 90 * time.Second
	}
	if c.RetryDelay == nil {
		c.RetryDelay = func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * 2 * time.Second
		}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Queue is the persistent state machine for in-flight and completed
// receipt jobs. One instance per running app; constructed explicitly
// and passed by reference rather than held as a global.
type Queue struct {
	ledger    Ledger
	creds     credential.Store
	images    ImageSource
	newClient ClientFactory
	cfg       Config

	idGen      IDGenerator
	timeSource TimeSource

	mu       sync.Mutex
	inflight map[string]bool
	retryAt  map[string]time.Time

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Queue over a ledger, credential store and image source.
func New(ledger Ledger, creds credential.Store, images ImageSource, cfg Config) *Queue {
	return NewWithDeps(ledger, creds, images, cfg, extraction.NewClient, uuidGenerator{}, defaultTimeSource{})
}

// NewWithDeps creates a Queue with custom dependencies for testing.
func NewWithDeps(ledger Ledger, creds credential.Store, images ImageSource, cfg Config, factory ClientFactory, idGen IDGenerator, timeSrc TimeSource) *Queue {
	cfg.fillDefaults()
	return &Queue{
		ledger:     ledger,
		creds:      creds,
		images:     images,
		newClient:  factory,
		cfg:        cfg,
		idGen:      idGen,
		timeSource: timeSrc,
		inflight:   make(map[string]bool),
		retryAt:    make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
}

// Initialize loads the persisted ledger and starts the dispatcher.
// Items left processing by a prior run (crash mid-flight) are reset to
// pending with attempts preserved, so they are never silently lost and
// the retry ceiling stays cumulative across restarts.
func (q *Queue) Initialize() error {
	if err := q.recoverInterrupted(); err != nil {
		return err
	}
	q.wg.Add(1)
	go q.dispatchLoop()
	return nil
}

// recoverInterrupted resets items a prior run left processing back to
// pending, keeping their attempt counts.
func (q *Queue) recoverInterrupted() error {
	items, err := q.ledger.List()
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	now := q.timeSource.Now()
	for _, item := range items {
		if item.Status != StatusProcessing {
			continue
		}
		item.Status = StatusPending
		item.UpdatedAt = now
		if err := q.ledger.Put(item); err != nil {
			return fmt.Errorf("recovering item %s: %w", item.ID, err)
		}
		slog.Info("Recovered interrupted item", "id", item.ID, "attempts", item.Attempts)
	}
	return nil
}

// Shutdown stops the dispatcher and waits for in-flight workers.
func (q *Queue) Shutdown() {
	close(q.quit)
	q.wg.Wait()
}

// Add validates the provider, persists a new pending item and returns
// its id.
func (q *Queue) Add(imageURI, providerID string, priority Priority) (string, error) {
	if !provider.Known(providerID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if priority == "" {
		priority = PriorityBackground
	}
	if !ValidPriority(priority) {
		return "", fmt.Errorf("invalid priority %q", priority)
	}

	now := q.timeSource.Now()
	item := &Item{
		ID:        q.idGen.Generate(),
		ImageURI:  imageURI,
		Provider:  providerID,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.ledger.Put(item); err != nil {
		return "", fmt.Errorf("persisting queue item: %w", err)
	}

	slog.Info("Enqueued receipt", "id", item.ID, "provider", providerID, "priority", priority)
	q.signal()
	return item.ID, nil
}

// Get retrieves an item by id.
func (q *Queue) Get(id string) (*Item, error) {
	return q.ledger.Get(id)
}

// List returns all items, oldest first.
func (q *Queue) List() ([]*Item, error) {
	items, err := q.ledger.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// Remove deletes an item from the ledger. Removing an absent id is a
// no-op, so discard is idempotent; a late worker result for a removed
// id is dropped and never recreates the item.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	delete(q.retryAt, id)
	q.mu.Unlock()
	return q.ledger.Delete(id)
}

// Retry re-enqueues a failed item. Attempts reset to zero: a manual
// retry is a fresh grant of budget, typically after the user fixed a
// credential or network condition.
func (q *Queue) Retry(id string) error {
	err := q.ledger.Update(id, func(item *Item) error {
		if item.Status != StatusFailed {
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, item.Status)
		}
		item.Status = StatusPending
		item.Error = nil
		item.Attempts = 0
		item.UpdatedAt = q.timeSource.Now()
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("Retrying failed item", "id", id)
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single logical dispatcher driving the bounded set
// of concurrent extractions.
func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		q.dispatchEligible()
		select {
		case <-q.quit:
			return
		case <-q.wake:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// dispatchEligible selects pending items past their backoff deadline
// and starts a worker per item while slots remain. Immediate priority
// goes ahead of background; within a tier, FIFO by creation time.
func (q *Queue) dispatchEligible() {
	q.mu.Lock()
	slots := q.cfg.MaxConcurrent - len(q.inflight)
	if slots <= 0 {
		q.mu.Unlock()
		return
	}

	items, err := q.ledger.List()
	if err != nil {
		q.mu.Unlock()
		slog.Error("Dispatcher failed to read ledger", "error", err)
		return
	}

	now := q.timeSource.Now()
	eligible := items[:0]
	for _, item := range items {
		if item.Status != StatusPending || q.inflight[item.ID] {
			continue
		}
		if at, ok := q.retryAt[item.ID]; ok && now.Before(at) {
			continue
		}
		eligible = append(eligible, item)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority == PriorityImmediate
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	var selected []*Item
	for _, item := range eligible {
		if len(selected) >= slots {
			break
		}
		q.inflight[item.ID] = true
		selected = append(selected, item)
	}
	q.mu.Unlock()

	for _, item := range selected {
		q.wg.Add(1)
		go q.process(item)
	}
}

// errStateChanged aborts a transition when the item is no longer in the
// state the worker left it in.
var errStateChanged = errors.New("item changed state mid-flight")

// process runs one extraction attempt and applies the state machine
// transition for its outcome. Both ledger writes are conditional
// updates: a discard at any point, including between selection and the
// processing mark, wins, and the late outcome is dropped without ever
// recreating the removed item.
func (q *Queue) process(item *Item) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, item.ID)
		q.mu.Unlock()
		q.signal()
	}()

	err := q.ledger.Update(item.ID, func(current *Item) error {
		if current.Status != StatusPending {
			return fmt.Errorf("%w: %s", errStateChanged, current.Status)
		}
		current.Status = StatusProcessing
		current.Attempts++
		current.UpdatedAt = q.timeSource.Now()
		*item = *current
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrItemNotFound):
			slog.Info("Skipping discarded item", "id", item.ID)
		case errors.Is(err, errStateChanged):
			slog.Warn("Skipping item no longer pending", "id", item.ID)
		default:
			slog.Error("Failed to mark item processing", "id", item.ID, "error", err)
		}
		return
	}

	candidate, attemptErr := q.runAttempt(item)

	var retryDelay time.Duration
	terminal := false
	err = q.ledger.Update(item.ID, func(current *Item) error {
		if current.Status != StatusProcessing {
			return fmt.Errorf("%w: %s", errStateChanged, current.Status)
		}
		current.UpdatedAt = q.timeSource.Now()

		switch {
		case attemptErr == nil:
			current.Status = StatusCompleted
			current.Result = candidate
			current.Error = nil
			terminal = true
			slog.Info("Extraction completed", "id", current.ID, "provider", current.Provider, "confidence", candidate.Confidence, "attempts", current.Attempts)

		case attemptErr.retryable && current.Attempts < q.cfg.MaxAttempts:
			current.Status = StatusPending
			retryDelay = q.cfg.RetryDelay(current.Attempts)
			slog.Warn("Extraction failed, will retry", "id", current.ID, "kind", attemptErr.kind, "attempt", current.Attempts, "error", attemptErr.message)

		default:
			current.Status = StatusFailed
			current.Result = nil
			current.Error = &ItemError{Kind: attemptErr.kind, Message: attemptErr.message}
			terminal = true
			slog.Error("Extraction failed terminally", "id", current.ID, "kind", attemptErr.kind, "attempts", current.Attempts, "error", attemptErr.message)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrItemNotFound):
			slog.Info("Dropping result for discarded item", "id", item.ID)
		case errors.Is(err, errStateChanged):
			slog.Warn("Item changed state mid-flight, dropping result", "id", item.ID)
		default:
			slog.Error("Failed to persist transition", "id", item.ID, "error", err)
		}
		return
	}

	q.mu.Lock()
	if terminal {
		delete(q.retryAt, item.ID)
	} else {
		q.retryAt[item.ID] = q.timeSource.Now().Add(retryDelay)
	}
	q.mu.Unlock()
}

// attemptError is one attempt's classified failure.
type attemptError struct {
	kind      string
	message   string
	retryable bool
}

// runAttempt performs the credential lookup, the provider call and the
// normalization for one attempt.
func (q *Queue) runAttempt(item *Item) (*normalize.Candidate, *attemptError) {
	desc, err := provider.Get(item.Provider)
	if err != nil {
		return nil, &attemptError{kind: string(extraction.KindMalformed), message: err.Error()}
	}

	apiKey, err := q.creds.Get(item.Provider)
	if err != nil {
		return nil, &attemptError{
			kind:    string(extraction.KindAuth),
			message: fmt.Sprintf("no API key configured for %s", item.Provider),
		}
	}

	client, err := q.newClient(desc, apiKey)
	if err != nil {
		return nil, &attemptError{kind: string(extraction.KindMalformed), message: err.Error()}
	}

	data, err := q.images.Get(item.ImageURI)
	if err != nil {
		return nil, &attemptError{
			kind:    "image_unreadable",
			message: fmt.Sprintf("reading receipt image: %v", err),
		}
	}

	img, err := extraction.Prepare(data, contentTypeFor(item.ImageURI))
	if err != nil {
		return nil, &attemptError{
			kind:    "image_unreadable",
			message: fmt.Sprintf("preparing receipt image: %v", err),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.RequestTimeout)
	defer cancel()

	raw, err := client.Extract(ctx, img)
	if err != nil {
		var exErr *extraction.Error
		if errors.As(err, &exErr) {
			return nil, &attemptError{kind: string(exErr.Kind), message: exErr.Error(), retryable: exErr.Retryable()}
		}
		// A timeout or unclassified transport failure is network-class
		// and subject to the normal retry transition.
		return nil, &attemptError{kind: string(extraction.KindNetwork), message: err.Error(), retryable: true}
	}

	candidate, err := normalize.NormalizeAt(item.Provider, raw, item.CreatedAt)
	if err != nil {
		var nErr *normalize.Error
		if errors.As(err, &nErr) {
			return nil, &attemptError{kind: string(nErr.Kind), message: nErr.UserMessage()}
		}
		return nil, &attemptError{kind: string(normalize.KindMalformedResponse), message: err.Error()}
	}

	return candidate, nil
}

// contentTypeFor derives the capture's MIME type from its URI. The
// capture flow saves files with their original extension.
func contentTypeFor(uri string) string {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

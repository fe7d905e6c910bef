package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/snapexpense/snapexpense/internal/credential"
	"github.com/snapexpense/snapexpense/internal/extraction"
	"github.com/snapexpense/snapexpense/internal/provider"
)

// clientFunc adapts a function to extraction.Client.
type clientFunc func(ctx context.Context, img extraction.Image) ([]byte, error)

func (f clientFunc) Extract(ctx context.Context, img extraction.Image) ([]byte, error) {
	return f(ctx, img)
}

// memImages serves receipt images from memory.
type memImages map[string][]byte

func (m memImages) Get(uri string) ([]byte, error) {
	data, ok := m[uri]
	if !ok {
		return nil, fmt.Errorf("image not found: %s", uri)
	}
	return data, nil
}

// seqIDGenerator returns id-1, id-2, ...
type seqIDGenerator struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

// stubClock hands out strictly increasing times so creation order is
// deterministic.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func pngBytes() []byte {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

const validContent = `{"merchant":"Test Mart","amount":12.34,"date":"2024-03-15"}`

func chatEnvelope(content string) []byte {
	return []byte(fmt.Sprintf(`{"choices":[{"message":{"content":%q}}]}`, content))
}

// testConfig keeps dispatch fast and deterministic.
func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		MaxConcurrent:  2,
		RequestTimeout: time.Second,
		RetryDelay:     func(int) time.Duration { return time.Millisecond },
		PollInterval:   5 * time.Millisecond,
	}
}

var _ = Describe("Queue", func() {
	var (
		ledger  *BoltLedger
		images  memImages
		creds   credential.Store
		cfg     Config
		clock   *stubClock
		factory ClientFactory
		q       *Queue
		started bool
	)

	BeforeEach(func() {
		path := filepath.Join(GinkgoT().TempDir(), "queue.db")
		var err error
		ledger, err = NewBoltLedger(path)
		Expect(err).NotTo(HaveOccurred())

		images = memImages{"receipt.png": pngBytes()}
		creds = credential.StaticStore{"openai": "sk-test-key", "gemini": "AIza-test"}
		cfg = testConfig()
		clock = &stubClock{now: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}
		factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
			return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
				return chatEnvelope(validContent), nil
			}), nil
		}
		started = false
	})

	AfterEach(func() {
		if started {
			q.Shutdown()
		}
		ledger.Close()
	})

	// build constructs the queue; start also runs the dispatcher.
	build := func() {
		q = NewWithDeps(ledger, creds, images, cfg, factory, &seqIDGenerator{}, clock)
	}
	start := func() {
		build()
		Expect(q.Initialize()).To(Succeed())
		started = true
	}

	Describe("Add", func() {
		It("should reject an unknown provider without creating a job", func() {
			build()
			_, err := q.Add("receipt.png", "mistral", PriorityBackground)
			Expect(errors.Is(err, ErrUnknownProvider)).To(BeTrue())

			items, err := q.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})

		It("should reject an invalid priority", func() {
			build()
			_, err := q.Add("receipt.png", "openai", Priority("urgent"))
			Expect(err).To(HaveOccurred())
		})

		It("should persist a pending item with zero attempts", func() {
			build()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Status).To(Equal(StatusPending))
			Expect(item.Attempts).To(BeZero())
			Expect(item.Result).To(BeNil())
			Expect(item.Error).To(BeNil())
		})

		It("should default an empty priority to background", func() {
			build()
			id, err := q.Add("receipt.png", "openai", "")
			Expect(err).NotTo(HaveOccurred())

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Priority).To(Equal(PriorityBackground))
		})
	})

	Describe("Remove", func() {
		It("should be idempotent", func() {
			build()
			id, err := q.Add("receipt.png", "openai", PriorityBackground)
			Expect(err).NotTo(HaveOccurred())

			Expect(q.Remove(id)).To(Succeed())
			Expect(q.Remove(id)).To(Succeed())

			_, err = q.Get(id)
			Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())
		})
	})

	Describe("restart recovery", func() {
		It("should reset processing items to pending with attempts preserved", func() {
			item := &Item{
				ID:        "interrupted",
				ImageURI:  "receipt.png",
				Provider:  "openai",
				Priority:  PriorityBackground,
				Status:    StatusProcessing,
				Attempts:  2,
				CreatedAt: clock.Now(),
				UpdatedAt: clock.Now(),
			}
			Expect(ledger.Put(item)).To(Succeed())

			build()
			Expect(q.recoverInterrupted()).To(Succeed())

			got, err := q.Get("interrupted")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusPending))
			Expect(got.Attempts).To(Equal(2))
		})

		It("should leave terminal items untouched", func() {
			item := &Item{
				ID:        "done",
				Status:    StatusFailed,
				Error:     &ItemError{Kind: "auth", Message: "bad key"},
				CreatedAt: clock.Now(),
				UpdatedAt: clock.Now(),
			}
			Expect(ledger.Put(item)).To(Succeed())

			build()
			Expect(q.recoverInterrupted()).To(Succeed())

			got, err := q.Get("done")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusFailed))
			Expect(got.Error).NotTo(BeNil())
		})
	})

	Describe("successful extraction", func() {
		It("should complete the item with a result and no error", func() {
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusCompleted))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Result).NotTo(BeNil())
			Expect(item.Error).To(BeNil())
			Expect(item.Attempts).To(Equal(1))
			Expect(item.Result.Merchant).To(Equal("Test Mart"))
			Expect(*item.Result.Amount).To(BeEquivalentTo(1234))
		})
	})

	Describe("normalization failure", func() {
		It("should fail immediately without retrying", func() {
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					return chatEnvelope("the image is too blurry to read"), nil
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusFailed))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Attempts).To(Equal(1))
			Expect(item.Result).To(BeNil())
			Expect(item.Error).NotTo(BeNil())
			Expect(item.Error.Kind).To(Equal("no_structured_data"))
		})
	})

	Describe("retryable failures", func() {
		It("should fail after the attempt ceiling with the last error recorded", func() {
			var calls int
			var mu sync.Mutex
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					mu.Lock()
					calls++
					mu.Unlock()
					return nil, &extraction.Error{Kind: extraction.KindRateLimited, Provider: "openai", Message: "429"}
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusFailed))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Attempts).To(Equal(3))
			Expect(item.Error.Kind).To(Equal("rate_limited"))
			Expect(item.Result).To(BeNil())

			mu.Lock()
			defer mu.Unlock()
			Expect(calls).To(Equal(3))
		})

		It("should recover when a later attempt succeeds", func() {
			var calls int
			var mu sync.Mutex
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					mu.Lock()
					calls++
					n := calls
					mu.Unlock()
					if n < 3 {
						return nil, &extraction.Error{Kind: extraction.KindNetwork, Provider: "openai", Message: "connection reset"}
					}
					return chatEnvelope(validContent), nil
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusCompleted))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Attempts).To(Equal(3))
			Expect(item.Error).To(BeNil())
		})
	})

	Describe("missing credential", func() {
		It("should fail on the first attempt with an auth error", func() {
			creds = credential.StaticStore{} // no keys at all
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusFailed))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Error.Kind).To(Equal("auth"))
			Expect(item.Attempts).To(Equal(1))
		})
	})

	Describe("extraction timeout", func() {
		It("should treat an overdue attempt as a network-class failure", func() {
			cfg.RequestTimeout = 10 * time.Millisecond
			cfg.MaxAttempts = 1
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusFailed))

			item, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Error.Kind).To(Equal("network"))
		})
	})

	Describe("priority ordering", func() {
		It("should dispatch immediate items ahead of older background items", func() {
			cfg.MaxConcurrent = 1
			release := make(chan struct{})
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					<-release
					return chatEnvelope(validContent), nil
				}), nil
			}
			build()

			backgroundID, err := q.Add("receipt.png", "openai", PriorityBackground)
			Expect(err).NotTo(HaveOccurred())
			immediateID, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			// Single slot: the dispatcher must pick the immediate item
			// even though the background item is older.
			q.dispatchEligible()

			Eventually(func() Status {
				item, _ := q.Get(immediateID)
				return item.Status
			}).Should(Equal(StatusProcessing))

			background, err := q.Get(backgroundID)
			Expect(err).NotTo(HaveOccurred())
			Expect(background.Status).To(Equal(StatusPending))

			close(release)
			Eventually(func() Status {
				item, _ := q.Get(immediateID)
				return item.Status
			}).Should(Equal(StatusCompleted))
			q.wg.Wait()
		})

		It("should dispatch same-priority items oldest first", func() {
			cfg.MaxConcurrent = 1
			var order []string
			var mu sync.Mutex
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					return chatEnvelope(validContent), nil
				}), nil
			}
			build()

			firstID, err := q.Add("receipt.png", "openai", PriorityBackground)
			Expect(err).NotTo(HaveOccurred())
			secondID, err := q.Add("receipt.png", "openai", PriorityBackground)
			Expect(err).NotTo(HaveOccurred())

			record := func(id string) {
				Eventually(func() Status {
					item, _ := q.Get(id)
					return item.Status
				}).Should(Equal(StatusCompleted))
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			}

			q.dispatchEligible()
			record(firstID)
			second, err := q.Get(secondID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(StatusPending))

			q.dispatchEligible()
			record(secondID)
			Expect(order).To(Equal([]string{firstID, secondID}))
		})
	})

	Describe("concurrency cap", func() {
		It("should never run more than MaxConcurrent extractions at once", func() {
			cfg.MaxConcurrent = 2
			var inFlight, peak int
			var mu sync.Mutex
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					mu.Lock()
					inFlight++
					if inFlight > peak {
						peak = inFlight
					}
					mu.Unlock()
					time.Sleep(20 * time.Millisecond)
					mu.Lock()
					inFlight--
					mu.Unlock()
					return chatEnvelope(validContent), nil
				}), nil
			}
			start()

			var ids []string
			for i := 0; i < 6; i++ {
				id, err := q.Add("receipt.png", "openai", PriorityBackground)
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}

			for _, id := range ids {
				Eventually(func() Status {
					item, _ := q.Get(id)
					return item.Status
				}, "5s").Should(Equal(StatusCompleted))
			}

			mu.Lock()
			defer mu.Unlock()
			Expect(peak).To(BeNumerically("<=", 2))
		})
	})

	Describe("discard during processing", func() {
		It("should drop the late result and never recreate the item", func() {
			release := make(chan struct{})
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					<-release
					return chatEnvelope(validContent), nil
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, err := q.Get(id)
				if err != nil {
					return Status("")
				}
				return item.Status
			}).Should(Equal(StatusProcessing))

			Expect(q.Remove(id)).To(Succeed())
			close(release)

			Consistently(func() bool {
				_, err := q.Get(id)
				return errors.Is(err, ErrItemNotFound)
			}, "100ms").Should(BeTrue())
		})
	})

	Describe("discard before the processing mark", func() {
		It("should drop a worker that selected the item before the discard", func() {
			build()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			// Model a worker holding the item between dispatcher
			// selection and its first ledger write.
			selected, err := q.Get(id)
			Expect(err).NotTo(HaveOccurred())

			Expect(q.Remove(id)).To(Succeed())

			q.wg.Add(1)
			q.process(selected)

			_, err = q.Get(id)
			Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())

			items, err := q.List()
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(BeEmpty())
		})
	})

	Describe("backoff bookkeeping", func() {
		It("should clear the retry deadline once the item reaches a terminal state", func() {
			var calls int
			var mu sync.Mutex
			factory = func(d provider.Descriptor, apiKey string) (extraction.Client, error) {
				return clientFunc(func(ctx context.Context, img extraction.Image) ([]byte, error) {
					mu.Lock()
					calls++
					n := calls
					mu.Unlock()
					if n == 1 {
						return nil, &extraction.Error{Kind: extraction.KindNetwork, Provider: "openai", Message: "connection reset"}
					}
					return chatEnvelope(validContent), nil
				}), nil
			}
			start()
			id, err := q.Add("receipt.png", "openai", PriorityImmediate)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() Status {
				item, _ := q.Get(id)
				return item.Status
			}).Should(Equal(StatusCompleted))

			q.mu.Lock()
			defer q.mu.Unlock()
			Expect(q.retryAt).NotTo(HaveKey(id))
		})
	})

	Describe("Retry", func() {
		It("should re-enqueue a failed item with attempts reset", func() {
			item := &Item{
				ID:        "failed-item",
				ImageURI:  "receipt.png",
				Provider:  "openai",
				Priority:  PriorityBackground,
				Status:    StatusFailed,
				Attempts:  3,
				Error:     &ItemError{Kind: "rate_limited", Message: "429"},
				CreatedAt: clock.Now(),
				UpdatedAt: clock.Now(),
			}
			Expect(ledger.Put(item)).To(Succeed())
			build()

			Expect(q.Retry("failed-item")).To(Succeed())

			got, err := q.Get("failed-item")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(StatusPending))
			Expect(got.Attempts).To(BeZero())
			Expect(got.Error).To(BeNil())
		})

		It("should refuse to retry a non-failed item", func() {
			build()
			id, err := q.Add("receipt.png", "openai", PriorityBackground)
			Expect(err).NotTo(HaveOccurred())

			Expect(errors.Is(q.Retry(id), ErrNotRetryable)).To(BeTrue())
		})

		It("should return ErrItemNotFound for an unknown id", func() {
			build()
			Expect(errors.Is(q.Retry("missing"), ErrItemNotFound)).To(BeTrue())
		})
	})
})

package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("OpenAI client", func() {
	var (
		server   *httptest.Server
		handler  http.HandlerFunc
		client   *OpenAI
		img      Image
		raw      []byte
		extErr   error
		lastBody openAIRequest
		lastAuth string
	)

	BeforeEach(func() {
		img = Image{Data: []byte("not-a-real-png"), ContentType: "image/png"}
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
		}
	})

	JustBeforeEach(func() {
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lastAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&lastBody)
			handler(w, r)
		}))
		client = NewOpenAI("sk-test-key", "").WithBaseURL(server.URL)
		raw, extErr = client.Extract(context.Background(), img)
	})

	AfterEach(func() {
		server.Close()
	})

	When("the provider answers 200", func() {
		It("should return the raw envelope untouched", func() {
			Expect(extErr).NotTo(HaveOccurred())
			Expect(string(raw)).To(Equal(`{"choices":[{"message":{"content":"ok"}}]}`))
		})

		It("should send the bearer credential", func() {
			Expect(lastAuth).To(Equal("Bearer sk-test-key"))
		})

		It("should send the prompt and the image as one multimodal message", func() {
			Expect(lastBody.Model).To(Equal(defaultOpenAIModel))
			Expect(lastBody.Messages).To(HaveLen(1))
			Expect(lastBody.Messages[0].Role).To(Equal("user"))
			Expect(lastBody.Messages[0].Content).To(HaveLen(2))
			Expect(lastBody.Messages[0].Content[0].Type).To(Equal("text"))
			Expect(lastBody.Messages[0].Content[1].Type).To(Equal("image_url"))
			Expect(lastBody.Messages[0].Content[1].ImageURL.URL).To(HavePrefix("data:image/png;base64,"))
		})
	})

	When("the provider answers 401", func() {
		BeforeEach(func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
			}
		})

		It("should classify the failure as auth and not retryable", func() {
			var e *Error
			Expect(errors.As(extErr, &e)).To(BeTrue())
			Expect(e.Kind).To(Equal(KindAuth))
			Expect(e.Retryable()).To(BeFalse())
		})
	})

	When("the provider answers 429", func() {
		BeforeEach(func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "slow down", http.StatusTooManyRequests)
			}
		})

		It("should classify the failure as rate limited and retryable", func() {
			var e *Error
			Expect(errors.As(extErr, &e)).To(BeTrue())
			Expect(e.Kind).To(Equal(KindRateLimited))
			Expect(e.Retryable()).To(BeTrue())
		})
	})

	When("the provider answers 500", func() {
		BeforeEach(func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		})

		It("should classify the failure as a provider error", func() {
			var e *Error
			Expect(errors.As(extErr, &e)).To(BeTrue())
			Expect(e.Kind).To(Equal(KindProvider))
		})
	})

	When("the provider answers 200 with a non-JSON body", func() {
		BeforeEach(func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>not json</html>"))
			}
		})

		It("should classify the failure as malformed", func() {
			var e *Error
			Expect(errors.As(extErr, &e)).To(BeTrue())
			Expect(e.Kind).To(Equal(KindMalformed))
			Expect(e.Retryable()).To(BeFalse())
		})
	})

	When("the endpoint is unreachable", func() {
		It("should classify the failure as network", func() {
			dead := NewOpenAI("sk-test-key", "").WithBaseURL("http://127.0.0.1:1")
			_, err := dead.Extract(context.Background(), img)
			var e *Error
			Expect(errors.As(err, &e)).To(BeTrue())
			Expect(e.Kind).To(Equal(KindNetwork))
			Expect(e.Retryable()).To(BeTrue())
		})
	})
})

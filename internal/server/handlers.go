package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/snapexpense/snapexpense/internal/expense"
	"github.com/snapexpense/snapexpense/internal/provider"
	"github.com/snapexpense/snapexpense/internal/queue"
)

// maxUploadSize bounds receipt uploads; high-resolution phone captures
// can be large.
const maxUploadSize = int64(50 << 20)

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleListProviders returns the registry catalog for the capture UI.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, provider.List())
}

// handleEnqueue accepts a receipt capture (multipart: file, provider,
// priority), stores the image and enqueues a job.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file was provided. Please choose a receipt image to upload.")
		return
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		writeError(w, http.StatusBadRequest, "File is too large. Maximum size is 50MB.")
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading upload", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	providerID := r.FormValue("provider")
	priority := queue.Priority(r.FormValue("priority"))

	uri, err := s.images.Save(fmt.Sprintf("%s_%s", uuid.NewString(), header.Filename), data)
	if err != nil {
		slog.Error("Error saving image", "error", err)
		writeError(w, http.StatusInternalServerError, "Error saving file. Please try again.")
		return
	}

	id, err := s.queue.Add(uri, providerID, priority)
	if err != nil {
		s.images.Delete(uri)
		if errors.Is(err, queue.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown provider %q", providerID))
			return
		}
		slog.Error("Error enqueueing receipt", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, err := s.queue.Get(id)
	if err != nil {
		slog.Error("Error reading enqueued item", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// handleListItems returns all queue items, oldest first.
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.List()
	if err != nil {
		slog.Error("Error listing queue", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetItem returns one queue item.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "Queue item not found")
			return
		}
		slog.Error("Error getting queue item", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleRetryItem re-enqueues a failed item.
func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.Retry(id); err != nil {
		switch {
		case errors.Is(err, queue.ErrItemNotFound):
			writeError(w, http.StatusNotFound, "Queue item not found")
		case errors.Is(err, queue.ErrNotRetryable):
			writeError(w, http.StatusConflict, "Only failed items can be retried")
		default:
			slog.Error("Error retrying item", "id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	item, err := s.queue.Get(id)
	if err != nil {
		slog.Error("Error reading retried item", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDiscardItem removes a queue item and its image. Safe to call
// regardless of the item's state; an in-flight extraction result for a
// discarded id is dropped.
func (s *Server) handleDiscardItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	item, err := s.queue.Get(id)
	if err == nil && item.ImageURI != "" {
		if err := s.images.Delete(item.ImageURI); err != nil {
			slog.Warn("Failed to delete image", "uri", item.ImageURI, "error", err)
		}
	}

	if err := s.queue.Remove(id); err != nil {
		slog.Error("Error discarding item", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// finalizeRequest carries the user's edits from the verification
// screen; nil fields fall back to the extracted candidate.
type finalizeRequest struct {
	Merchant      *string `json:"merchant"`
	Amount        *int64  `json:"amount"`
	Date          *string `json:"date"`
	Tax           *int64  `json:"tax"`
	TaxType       *string `json:"tax_type"`
	Subtotal      *int64  `json:"subtotal"`
	Tip           *int64  `json:"tip"`
	Category      *string `json:"category"`
	PaymentMethod *string `json:"payment_method"`
}

// handleFinalizeItem converts a completed item's candidate into a
// persisted expense and retires the job.
func (s *Server) handleFinalizeItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	item, err := s.queue.Get(id)
	if err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "Queue item not found")
			return
		}
		slog.Error("Error getting queue item", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if item.Status != queue.StatusCompleted || item.Result == nil {
		writeError(w, http.StatusConflict, "Only completed items can be finalized")
		return
	}

	var req finalizeRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	e, err := buildExpense(item, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.expenses.Create(*e)
	if err != nil {
		slog.Error("Error saving expense", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if item.ImageURI != "" {
		if err := s.images.Delete(item.ImageURI); err != nil {
			slog.Warn("Failed to delete image", "uri", item.ImageURI, "error", err)
		}
	}
	if err := s.queue.Remove(id); err != nil {
		slog.Error("Error removing finalized item", "id", id, "error", err)
	}

	writeJSON(w, http.StatusCreated, saved)
}

// buildExpense merges the candidate with the user's edits.
func buildExpense(item *queue.Item, req finalizeRequest) (*expense.Expense, error) {
	c := item.Result

	e := &expense.Expense{
		Merchant:      c.Merchant,
		Tax:           c.Tax,
		TaxType:       c.TaxType,
		Subtotal:      c.Subtotal,
		Tip:           c.Tip,
		Category:      c.Category,
		PaymentMethod: c.PaymentMethod,
	}
	for _, li := range c.Items {
		e.Items = append(e.Items, expense.LineItem{Description: li.Description, Amount: li.Amount})
	}

	if req.Merchant != nil {
		e.Merchant = *req.Merchant
	}
	if req.Tax != nil {
		e.Tax = req.Tax
	}
	if req.TaxType != nil {
		e.TaxType = *req.TaxType
	}
	if req.Subtotal != nil {
		e.Subtotal = req.Subtotal
	}
	if req.Tip != nil {
		e.Tip = req.Tip
	}
	if req.Category != nil {
		e.Category = *req.Category
	}
	if req.PaymentMethod != nil {
		e.PaymentMethod = *req.PaymentMethod
	}

	switch {
	case req.Amount != nil:
		if *req.Amount < 0 {
			return nil, fmt.Errorf("amount must not be negative")
		}
		e.Amount = *req.Amount
	case c.Amount != nil:
		e.Amount = *c.Amount
	default:
		return nil, fmt.Errorf("an amount is required to save the expense")
	}

	dateStr := ""
	if req.Date != nil {
		dateStr = *req.Date
	} else if c.Date != nil {
		dateStr = *c.Date
	}
	if dateStr != "" {
		d, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("date must be YYYY-MM-DD")
		}
		e.Date = d
	} else {
		e.Date = item.CreatedAt
	}

	return e, nil
}

// handleListExpenses returns all saved expenses.
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.expenses.List()
	if err != nil {
		slog.Error("Error listing expenses", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleGetExpense returns one expense.
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.expenses.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, expense.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Expense not found")
			return
		}
		slog.Error("Error getting expense", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleDeleteExpense removes an expense.
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.expenses.Delete(id); err != nil {
		if errors.Is(err, expense.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Expense not found")
			return
		}
		slog.Error("Error deleting expense", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTripRequest struct {
	Name       string   `json:"name"`
	ExpenseIDs []string `json:"expense_ids"`
}

// handleCreateTrip groups expenses into a trip.
func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trip, err := s.expenses.CreateTrip(req.Name, req.ExpenseIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

// handleGetTrip returns one trip.
func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.expenses.GetTrip(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, expense.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Trip not found")
			return
		}
		slog.Error("Error getting trip", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// handleListTrips returns all trips.
func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	trips, err := s.expenses.ListTrips()
	if err != nil {
		slog.Error("Error listing trips", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

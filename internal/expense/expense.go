package expense

import "time"

// Expense is a user-confirmed receipt extraction. Monetary values are
// integer cents; nil optional fields were not present on the receipt.
type Expense struct {
	ID            string     `json:"id"`
	Merchant      string     `json:"merchant"`
	Date          time.Time  `json:"date"`
	Amount        int64      `json:"amount"`
	Tax           *int64     `json:"tax,omitempty"`
	TaxType       string     `json:"tax_type,omitempty"`
	Subtotal      *int64     `json:"subtotal,omitempty"`
	Tip           *int64     `json:"tip,omitempty"`
	Category      string     `json:"category,omitempty"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	TripID        string     `json:"trip_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LineItem is one purchased item on an expense.
type LineItem struct {
	Description string `json:"description"`
	Amount      *int64 `json:"amount,omitempty"`
}

// Trip groups expenses for a reporting period or journey.
type Trip struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ExpenseIDs  []string  `json:"expense_ids"`
	TotalAmount int64     `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

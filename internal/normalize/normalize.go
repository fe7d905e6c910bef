package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/snapexpense/snapexpense/internal/provider"
)

// coercionPenalty is subtracted from the confidence for every field
// that had to be nulled or flagged during validation.
const coercionPenalty = 0.15

// futureGrace is how far past the capture time a receipt date may sit
// before it is flagged as implausible.
const futureGrace = 24 * time.Hour

// Normalize turns a provider's raw wire response into a validated
// expense candidate. It returns *Error (never a retryable failure) when
// the envelope is unreadable, no structured block exists, or the block
// does not parse. Partial data is not a failure: missing fields lower
// the confidence instead.
func Normalize(providerID string, raw []byte) (*Candidate, error) {
	return NormalizeAt(providerID, raw, time.Now())
}

// NormalizeAt is Normalize with an explicit capture time, used for the
// future-date check.
func NormalizeAt(providerID string, raw []byte, capturedAt time.Time) (*Candidate, error) {
	desc, err := provider.Get(providerID)
	if err != nil {
		return nil, &Error{Kind: KindMalformedResponse, Message: err.Error()}
	}

	text, nerr := extractText(desc.Envelope, raw)
	if nerr != nil {
		return nil, nerr
	}

	block, nerr := findStructuredBlock(text)
	if nerr != nil {
		return nil, nerr
	}

	return buildCandidate(block, capturedAt), nil
}

var fencedBlockRe = regexp.MustCompile("(?s)```([a-zA-Z]*)[ \t]*\n?(.*?)```")

// findStructuredBlock locates the structured data in the model's text.
// Fenced blocks tagged json are preferred; among multiple candidates
// the first one that parses wins and later blocks are ignored. With no
// fence at all, the text between the first "{" and last "}" is tried
// directly.
func findStructuredBlock(text string) (*rawCandidate, *Error) {
	var tagged, untagged []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		if strings.EqualFold(m[1], "json") {
			tagged = append(tagged, body)
		} else {
			untagged = append(untagged, body)
		}
	}

	candidates := append(tagged, untagged...)
	if len(candidates) == 0 {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || end < start {
			return nil, &Error{Kind: KindNoStructuredData, Message: "no structured data block in response text"}
		}
		candidates = []string{text[start : end+1]}
	}

	for _, c := range candidates {
		var rc rawCandidate
		if err := json.Unmarshal([]byte(c), &rc); err == nil {
			return &rc, nil
		}
	}
	return nil, &Error{Kind: KindInvalidSyntax, Message: "structured data block found but did not parse"}
}

// rawCandidate is the untrusted shape parsed out of the model's block.
// Monetary fields stay raw so strings like "$1,234.56" can be coerced.
type rawCandidate struct {
	Merchant      string          `json:"merchant"`
	Amount        json.RawMessage `json:"amount"`
	Date          string          `json:"date"`
	Tax           json.RawMessage `json:"tax"`
	TaxType       string          `json:"taxType"`
	Subtotal      json.RawMessage `json:"subtotal"`
	Tip           json.RawMessage `json:"tip"`
	Category      string          `json:"category"`
	PaymentMethod string          `json:"paymentMethod"`
	Items         []rawItem       `json:"items"`
	Confidence    *float64        `json:"confidence"`
}

type rawItem struct {
	Description string          `json:"description"`
	Amount      json.RawMessage `json:"amount"`
}

// buildCandidate validates and coerces every field, tracking how many
// coercions failed so the confidence reflects them.
func buildCandidate(rc *rawCandidate, capturedAt time.Time) *Candidate {
	c := &Candidate{
		Merchant:      strings.TrimSpace(rc.Merchant),
		TaxType:       strings.TrimSpace(rc.TaxType),
		Category:      strings.TrimSpace(rc.Category),
		PaymentMethod: strings.TrimSpace(rc.PaymentMethod),
	}

	penalties := 0
	coerce := func(raw json.RawMessage) *int64 {
		cents, ok := parseMoney(raw)
		if !ok {
			penalties++
			return nil
		}
		return cents
	}
	c.Amount = coerce(rc.Amount)
	c.Tax = coerce(rc.Tax)
	c.Subtotal = coerce(rc.Subtotal)
	c.Tip = coerce(rc.Tip)

	if rc.Date != "" {
		if parsed, ok := parseDate(rc.Date); ok {
			formatted := parsed.Format("2006-01-02")
			c.Date = &formatted
			if parsed.After(capturedAt.Add(futureGrace)) {
				c.FutureDate = true
				penalties++
			}
		} else {
			penalties++
		}
	}

	for _, item := range rc.Items {
		desc := strings.TrimSpace(item.Description)
		if desc == "" && len(item.Amount) == 0 {
			continue
		}
		li := LineItem{Description: desc}
		if cents, ok := parseMoney(item.Amount); ok {
			li.Amount = cents
		}
		c.Items = append(c.Items, li)
	}

	c.Confidence = computeConfidence(c, rc.Confidence, penalties)
	return c
}

// computeConfidence starts from the provider-reported score when
// present, otherwise from the fraction of expected fields that parsed
// to non-null values, then applies the per-coercion penalty.
func computeConfidence(c *Candidate, reported *float64, penalties int) float64 {
	var score float64
	if reported != nil {
		score = clamp01(*reported)
	} else {
		present := 0
		if c.Merchant != "" {
			present++
		}
		if c.Amount != nil {
			present++
		}
		if c.Date != nil {
			present++
		}
		if c.Tax != nil {
			present++
		}
		if c.Subtotal != nil {
			present++
		}
		if c.Tip != nil {
			present++
		}
		if c.Category != "" {
			present++
		}
		if c.PaymentMethod != "" {
			present++
		}
		score = float64(present) / 8
	}
	score -= float64(penalties) * coercionPenalty
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// parseMoney coerces a raw JSON value to non-negative integer cents.
// The second return is false only when a present value was invalid
// (non-numeric after stripping, or negative); a missing/null value
// returns (nil, true) since absence is not a coercion failure.
func parseMoney(raw json.RawMessage) (*int64, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, true
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		if strings.TrimSpace(s) == "" {
			return nil, true // an empty string is absence, not a bad value
		}
		cleaned := cleanMoneyString(s)
		if cleaned == "" {
			return nil, false // e.g. "N/A"
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, false
		}
		num = parsed
	}

	if num < 0 || math.IsNaN(num) || math.IsInf(num, 0) {
		return nil, false
	}
	cents := int64(math.Round(num * 100))
	return &cents, true
}

// cleanMoneyString strips currency symbols, thousands separators and
// whitespace, keeping digits, one decimal point and a leading sign.
func cleanMoneyString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "-" {
		return ""
	}
	return out
}

// dateFormats are tried in order when parsing the receipt date.
var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}

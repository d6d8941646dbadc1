package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/paymcp/internal/payments"
)

// Demo prices.
var (
	PriceFetchPage = payments.MustPrice("0.10", "USD")
	PriceTextStats = payments.MustPrice("0.05", "USD")
)

// Handlers holds the handler functions for the demo tools.
type Handlers struct {
	pages *PageClient
	repo  *payments.Repository
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(pages *PageClient, repo *payments.Repository) *Handlers {
	return &Handlers{pages: pages, repo: repo}
}

// Register adds the demo tools to s.
func (h *Handlers) Register(s *Server) error {
	if err := s.AddPricedTool(ToolFetchPage, PriceFetchPage, h.FetchPage); err != nil {
		return err
	}
	if err := s.AddPricedTool(ToolTextStats, PriceTextStats, h.TextStats); err != nil {
		return err
	}
	s.AddTool(ToolPaymentStatus, h.HandlePaymentStatus)
	return nil
}

// FetchPage fetches the page named by the url argument.
func (h *Handlers) FetchPage(ctx context.Context, args map[string]any) (any, error) {
	u := strings.TrimSpace(getString(args, "url"))
	if u == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	page, err := h.pages.Fetch(ctx, u)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch page: %v", err)), nil
	}
	return page, nil
}

// TextStatsResult is the output of text_stats.
type TextStatsResult struct {
	Characters int         `json:"characters"`
	Words      int         `json:"words"`
	Lines      int         `json:"lines"`
	Sentences  int         `json:"sentences"`
	TopWords   []WordCount `json:"top_words"`
}

// WordCount is one entry of TextStatsResult.TopWords.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// TextStats computes simple statistics of the text argument.
func (h *Handlers) TextStats(_ context.Context, args map[string]any) (any, error) {
	text := getString(args, "text")
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	top := 5
	if f, ok := getFloat(args, "top"); ok && f > 0 {
		top = int(f)
	}
	return textStats(text, top), nil
}

func textStats(text string, top int) TextStatsResult {
	res := TextStatsResult{
		Characters: len([]rune(text)),
		Lines:      strings.Count(text, "\n") + 1,
	}

	counts := make(map[string]int)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		counts[strings.ToLower(w)]++
		res.Words++
	}
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// collapse "..." and "?!" into one sentence end
		if next := i + 1; next < len(text) && strings.ContainsRune(".!?", rune(text[next])) {
			continue
		}
		res.Sentences++
	}
	if res.Sentences == 0 && res.Words > 0 {
		res.Sentences = 1
	}

	for w, n := range counts {
		res.TopWords = append(res.TopWords, WordCount{Word: w, Count: n})
	}
	sort.Slice(res.TopWords, func(i, j int) bool {
		a, b := res.TopWords[i], res.TopWords[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Word < b.Word
	})
	if len(res.TopWords) > top {
		res.TopWords = res.TopWords[:top]
	}
	return res
}

// paymentStatus is the payment_status view of a record. Arguments are left
// out: they belong to the session that made the call.
type paymentStatus struct {
	PaymentID  string    `json:"payment_id"`
	Status     string    `json:"status"`
	Tool       string    `json:"tool,omitempty"`
	Price      string    `json:"price,omitempty"`
	Flow       string    `json:"flow,omitempty"`
	PaymentURL string    `json:"payment_url,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// HandlePaymentStatus reports what the gate knows about a payment id.
func (h *Handlers) HandlePaymentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("payment_id", ""))
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	st := paymentStatus{PaymentID: id}
	rec, err := h.repo.Find(ctx, id)
	switch {
	case err == nil:
		st.Status = string(rec.Status)
		st.Tool = rec.ToolName
		st.Price = rec.Price().String()
		st.Flow = rec.Flow
		st.PaymentURL = rec.PaymentURL
		st.ExpiresAt = rec.ExpiresAt()
	case errors.Is(err, payments.ErrPaymentNotFound):
		used, uerr := h.repo.WasUsed(ctx, id)
		if uerr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to look up payment: %v", uerr)), nil
		}
		st.Status = "not_found"
		if used {
			st.Status = string(payments.StatusUsed)
		}
	default:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up payment: %v", err)), nil
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultStructured(st, formatJSON(raw)), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

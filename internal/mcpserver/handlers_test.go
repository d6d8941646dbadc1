package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paymcp/internal/flow"
	"github.com/mbd888/paymcp/internal/payments"
	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/security"
	"github.com/mbd888/paymcp/internal/session"
	"github.com/mbd888/paymcp/internal/state"
)

// --- Test helpers ---

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func newTestRepo(t *testing.T) (*payments.Repository, *provider.MemoryProvider) {
	t.Helper()
	store, err := state.NewMemoryStore("handlertest")
	require.NoError(t, err)
	prov := provider.NewMemoryProvider("http://pay.local")
	repo, err := payments.NewRepository(store, prov)
	require.NoError(t, err)
	return repo, prov
}

// ============================================================
// PageClient
// ============================================================

func TestPageClient_Fetch(t *testing.T) {
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello page"))
	}))
	defer ts.Close()

	page, err := NewPageClient(time.Second, AllowPrivateHosts()).Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.Status)
	assert.Equal(t, "text/plain", page.ContentType)
	assert.Equal(t, "hello page", page.Body)
	assert.False(t, page.Truncated)
	assert.Equal(t, "paymcp-fetch/1.0", gotUA)
}

func TestPageClient_Truncates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", maxPageBytes+10)))
	}))
	defer ts.Close()

	page, err := NewPageClient(0, AllowPrivateHosts()).Fetch(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.True(t, page.Truncated)
	assert.Len(t, page.Body, maxPageBytes)
}

func TestPageClient_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := NewPageClient(time.Second, AllowPrivateHosts()).Fetch(context.Background(), ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestPageClient_BlocksLoopbackByDefault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the server")
	}))
	defer ts.Close()

	_, err := NewPageClient(time.Second).Fetch(context.Background(), ts.URL)
	assert.ErrorIs(t, err, security.ErrBlockedURL)
}

func TestPageClient_RejectsScheme(t *testing.T) {
	_, err := NewPageClient(time.Second, AllowPrivateHosts()).Fetch(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported URL scheme")
}

// ============================================================
// Demo handlers
// ============================================================

func TestFetchPage_Handler(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body"))
	}))
	defer ts.Close()
	h := NewHandlers(NewPageClient(time.Second, AllowPrivateHosts()), nil)

	out, err := h.FetchPage(context.Background(), map[string]any{"url": ts.URL})
	require.NoError(t, err)
	page, ok := out.(*Page)
	require.True(t, ok, "expected *Page, got %T", out)
	assert.Equal(t, "body", page.Body)

	out, err = h.FetchPage(context.Background(), map[string]any{})
	require.NoError(t, err)
	res, ok := out.(*mcp.CallToolResult)
	require.True(t, ok)
	assert.True(t, res.IsError)
	assert.Equal(t, "url is required", resultText(t, res))
}

func TestTextStats(t *testing.T) {
	res := textStats("The cat sat. The cat ran!\nWhy... the end?", 2)
	assert.Equal(t, 9, res.Words)
	assert.Equal(t, 2, res.Lines)
	assert.Equal(t, 4, res.Sentences)
	require.Len(t, res.TopWords, 2)
	assert.Equal(t, WordCount{Word: "the", Count: 3}, res.TopWords[0])
	assert.Equal(t, WordCount{Word: "cat", Count: 2}, res.TopWords[1])
}

func TestTextStats_NoPunctuation(t *testing.T) {
	res := textStats("just words", 5)
	assert.Equal(t, 1, res.Sentences)
	assert.Equal(t, 10, res.Characters)
	assert.Len(t, res.TopWords, 2)
}

func TestTextStats_Handler(t *testing.T) {
	h := NewHandlers(nil, nil)

	out, err := h.TextStats(context.Background(), map[string]any{"text": "a b a", "top": float64(1)})
	require.NoError(t, err)
	stats, ok := out.(TextStatsResult)
	require.True(t, ok)
	assert.Equal(t, []WordCount{{Word: "a", Count: 2}}, stats.TopWords)

	out, err = h.TextStats(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, out.(*mcp.CallToolResult).IsError)
}

func TestHandlePaymentStatus(t *testing.T) {
	repo, _ := newTestRepo(t)
	h := NewHandlers(nil, repo)
	ctx := context.Background()

	rec, err := repo.Create(ctx, payments.CreateInput{
		ToolName:  "text_stats",
		Arguments: map[string]any{"text": "secret"},
		SessionID: "s1",
		Price:     PriceTextStats,
		Flow:      string(flow.ModeTwoStep),
	})
	require.NoError(t, err)

	result, err := h.HandlePaymentStatus(ctx, makeRequest(map[string]any{"payment_id": rec.PaymentID}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.NotContains(t, text, "secret")

	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &st))
	assert.Equal(t, "pending", st["status"])
	assert.Equal(t, "text_stats", st["tool"])
	assert.Equal(t, "0.05 USD", st["price"])
	assert.Equal(t, rec.PaymentURL, st["payment_url"])

	ok, err := repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Delete(ctx, rec.PaymentID))

	result, err = h.HandlePaymentStatus(ctx, makeRequest(map[string]any{"payment_id": rec.PaymentID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status": "used"`)

	result, err = h.HandlePaymentStatus(ctx, makeRequest(map[string]any{"payment_id": "pay_missing"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"status": "not_found"`)

	result, err = h.HandlePaymentStatus(ctx, makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandlers_Register(t *testing.T) {
	repo, _ := newTestRepo(t)
	srv, err := New(Options{Flow: flow.Config{Mode: flow.ModeTwoStep, Repository: repo}})
	require.NoError(t, err)

	require.NoError(t, NewHandlers(NewPageClient(time.Second, AllowPrivateHosts()), repo).Register(srv))
	for _, name := range []string{"fetch_page", "text_stats", "payment_status", "confirm_fetch_page_payment", "confirm_text_stats_payment"} {
		assert.NotNil(t, srv.MCP().GetTool(name), name)
	}
	assert.Nil(t, srv.MCP().GetTool("confirm_payment_status_payment"))
}

// ============================================================
// Rendering
// ============================================================

func TestRender_PaymentError(t *testing.T) {
	res, err := render(nil, &flow.PaymentError{
		Err:        payments.ErrPaymentNotYetPaid,
		PaymentID:  "pay_1",
		PaymentURL: "http://pay.local/pay_1",
		NextStep:   "pay first",
		Retryable:  true,
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	body, ok := res.StructuredContent.(errorBody)
	require.True(t, ok)
	assert.Equal(t, "not_yet_paid", body.Error)
	assert.Equal(t, "pay_1", body.PaymentID)
	assert.Equal(t, "pay first", body.NextStep)
	assert.True(t, body.Retryable)
}

func TestRender_ProviderOutage(t *testing.T) {
	res, err := render(nil, &flow.PaymentError{
		Err:       fmt.Errorf("%w: timeout", provider.ErrProviderUnavailable),
		Retryable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "provider_unavailable", res.StructuredContent.(errorBody).Error)
}

func TestRender_PlainError(t *testing.T) {
	res, err := render(nil, errors.New("flow: execute echo: boom"))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "flow: execute echo: boom", resultText(t, res))
}

func TestRender_PendingOutcome(t *testing.T) {
	res, err := render(&flow.Outcome{
		Status:     flow.OutcomeTimeout,
		Flow:       flow.ModeProgress,
		PaymentID:  "pay_2",
		PaymentURL: "http://pay.local/pay_2",
		NextStep:   "confirm later",
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	body := res.StructuredContent.(outcomeBody)
	assert.Equal(t, "timeout", body.Status)
	assert.Equal(t, "progress", body.Flow)
	assert.Contains(t, resultText(t, res), `"payment_id":"pay_2"`)
}

func TestRender_ExecutedResults(t *testing.T) {
	executed := func(v any) *flow.Outcome {
		return &flow.Outcome{Status: flow.OutcomeExecuted, Result: v}
	}

	res, _ := render(executed("plain"), nil)
	assert.Equal(t, "plain", resultText(t, res))

	own := mcp.NewToolResultText("own")
	res, _ = render(executed(own), nil)
	assert.Same(t, own, res)

	res, _ = render(executed(map[string]int{"n": 1}), nil)
	assert.JSONEq(t, `{"n":1}`, resultText(t, res))

	res, _ = render(executed(session.SourceHost), nil)
	assert.Equal(t, `"host"`, resultText(t, res))

	res, _ = render(executed(nil), nil)
	assert.Equal(t, "", resultText(t, res))
}

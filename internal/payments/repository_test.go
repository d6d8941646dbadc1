package payments

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paymcp/internal/provider"
	"github.com/mbd888/paymcp/internal/state"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	repo     *Repository
	store    *state.MemoryStore
	provider *provider.MemoryProvider
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := state.NewMemoryStore("test")
	require.NoError(t, err)
	store.WithClock(clock.Now)

	prov := provider.NewMemoryProvider("http://pay.local")
	repo, err := NewRepository(store, prov, WithTTL(time.Hour), WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{repo: repo, store: store, provider: prov, clock: clock}
}

func (f *fixture) create(t *testing.T, session, tool string, args map[string]any) *Record {
	t.Helper()
	rec, err := f.repo.Create(context.Background(), CreateInput{
		ToolName:  tool,
		Arguments: args,
		SessionID: session,
		Price:     MustPrice("2.50", "usd"),
		Flow:      "two_step",
		ConfirmationTool: func(id string) string {
			return "confirm_" + tool + "_payment"
		},
	})
	require.NoError(t, err)
	return rec
}

func TestRepository_CreateAndFind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, "s1", "search", map[string]any{"q": "go"})
	assert.NotEmpty(t, rec.PaymentID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "confirm_search_payment", rec.ConfirmationTool)
	assert.Equal(t, "http://pay.local/"+rec.PaymentID, rec.PaymentURL)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "memory", rec.Provider)
	assert.Equal(t, int64(3600), rec.TTLSeconds)

	got, err := f.repo.Find(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "search", got.ToolName)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "go", got.Arguments["q"])
	assert.True(t, got.Amount.Equal(rec.Amount))
	assert.True(t, rec.CreatedAt.Add(time.Hour).Equal(got.ExpiresAt()))

	_, err = f.repo.Find(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = f.repo.Find(ctx, "")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRepository_CreateSanitizesDescription(t *testing.T) {
	f := newFixture(t)

	rec, err := f.repo.Create(context.Background(), CreateInput{
		ToolName:    "search",
		SessionID:   "s1",
		Price:       MustPrice("1", "usd"),
		Description: "  Search\x00 the web\x1b  ",
	})
	require.NoError(t, err)
	p, ok := f.provider.Payment(rec.PaymentID)
	require.True(t, ok)
	assert.Equal(t, "Search the web", p.Description)

	rec, err = f.repo.Create(context.Background(), CreateInput{
		ToolName:    "search",
		SessionID:   "s1",
		Price:       MustPrice("1", "usd"),
		Description: "\x00\x00",
	})
	require.NoError(t, err)
	p, _ = f.provider.Payment(rec.PaymentID)
	assert.Equal(t, "search", p.Description)
}

func TestRepository_CreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Create(ctx, CreateInput{SessionID: "s", Price: MustPrice("1", "usd")})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = f.repo.Create(ctx, CreateInput{ToolName: "t", SessionID: "s"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Equal(t, 0, f.provider.Count(), "no provider payment for invalid input")
}

func TestRepository_CreateProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.FailNext("create", 1)

	_, err := f.repo.Create(context.Background(), CreateInput{
		ToolName: "t", SessionID: "s", Price: MustPrice("1", "usd"),
	})
	require.Error(t, err)
	assert.Equal(t, 0, f.store.Len())
}

func TestRepository_MarkUsedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", nil)

	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.False(t, ok)

	used, err := f.repo.WasUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.True(t, used)

	ok, err = f.repo.MarkUsed(ctx, "pay_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_UsedMarkerFollowsRecordTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.repo.Create(ctx, CreateInput{
		ToolName:  "search",
		SessionID: "s1",
		Price:     MustPrice("1", "usd"),
		TTL:       3 * time.Hour,
	})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)

	// Past the repository default but inside the record's own window.
	f.clock.Advance(2 * time.Hour)
	used, err := f.repo.WasUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.True(t, used)

	f.clock.Advance(time.Hour)
	used, err = f.repo.WasUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.False(t, used)
}

func TestRepository_UsedMarkerNeverShorterThanDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.repo.Create(ctx, CreateInput{
		ToolName:  "search",
		SessionID: "s1",
		Price:     MustPrice("1", "usd"),
		TTL:       time.Minute,
	})
	require.NoError(t, err)
	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(50 * time.Minute)
	used, err := f.repo.WasUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestRepository_ConcurrentMarkUsedExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", map[string]any{"q": "x"})

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRepository_MarkUsedRacingArgumentUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", map[string]any{"n": 0})

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = f.repo.UpdateArguments(ctx, rec.PaymentID, map[string]any{"n": i})
		}(i)
		go func() {
			defer wg.Done()
			if ok, err := f.repo.MarkUsed(ctx, rec.PaymentID); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := f.repo.Find(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, got.Status)
}

func TestRepository_UpdateArguments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", map[string]any{"q": "A"})

	require.NoError(t, f.repo.UpdateArguments(ctx, rec.PaymentID, map[string]any{"q": "B"}))
	got, err := f.repo.Find(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.Arguments["q"])
	assert.Equal(t, StatusPending, got.Status)

	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.repo.UpdateArguments(ctx, rec.PaymentID, map[string]any{"q": "C"})
	assert.ErrorIs(t, err, ErrPaymentAlreadyUsed)

	err = f.repo.UpdateArguments(ctx, "pay_missing", nil)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRepository_TTLExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", nil)

	f.clock.Advance(59 * time.Minute)
	_, err := f.repo.Find(ctx, rec.PaymentID)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.repo.Find(ctx, rec.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.False(t, ok, "expired records cannot be consumed")

	_, err = f.repo.FindForSession(ctx, "s1", "search")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRepository_ExpiryAppliesToUsedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", nil)

	ok, err := f.repo.MarkUsed(ctx, rec.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(2 * time.Hour)
	_, err = f.repo.Find(ctx, rec.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRepository_FindForSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "s1", "search", nil)
	second := f.create(t, "s1", "search", nil)
	f.create(t, "s2", "search", nil)

	got, err := f.repo.FindForSession(ctx, "s1", "search")
	require.NoError(t, err)
	assert.Equal(t, second.PaymentID, got.PaymentID, "most recent payment wins")
	assert.NotEqual(t, first.PaymentID, got.PaymentID)

	_, err = f.repo.FindForSession(ctx, "s1", "other_tool")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	ok, err := f.repo.MarkUsed(ctx, second.PaymentID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.repo.FindForSession(ctx, "s1", "search")
	assert.ErrorIs(t, err, ErrPaymentNotFound, "used records are not resumable")
}

func TestRepository_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "s1", "search", nil)

	require.NoError(t, f.repo.Delete(ctx, rec.PaymentID))
	_, err := f.repo.Find(ctx, rec.PaymentID)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	_, err = f.repo.FindForSession(ctx, "s1", "search")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	exists, err := f.repo.Exists(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, f.repo.Delete(ctx, rec.PaymentID), "idempotent")
}

func TestRepository_DeleteKeepsNewerSessionIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := f.create(t, "s1", "search", nil)
	newer := f.create(t, "s1", "search", nil)

	require.NoError(t, f.repo.Delete(ctx, older.PaymentID))
	got, err := f.repo.FindForSession(ctx, "s1", "search")
	require.NoError(t, err)
	assert.Equal(t, newer.PaymentID, got.PaymentID)
}

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice(" 0.50 ", "eur")
	require.NoError(t, err)
	assert.Equal(t, "0.50 EUR", p.String())

	_, err = ParsePrice("abc", "usd")
	assert.Error(t, err)
	_, err = ParsePrice("-1", "usd")
	assert.Error(t, err)
	_, err = ParsePrice("1", "dollars")
	assert.Error(t, err)
	assert.Panics(t, func() { MustPrice("0", "usd") })
}

func TestNewRepository_Validation(t *testing.T) {
	store, err := state.NewMemoryStore("x")
	require.NoError(t, err)

	_, err = NewRepository(nil, provider.NewMemoryProvider(""))
	assert.ErrorIs(t, err, state.ErrInvalidStore)
	_, err = NewRepository(store, nil)
	assert.Error(t, err)
}

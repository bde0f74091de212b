package checkoutsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/database"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type sourceMock struct {
	mock.Mock
}

func (m *sourceMock) GetTransaction(ctx context.Context, id string) (*checkout.Transaction, error) {
	args := m.Called(ctx, id)
	tx, _ := args.Get(0).(*checkout.Transaction)
	return tx, args.Error(1)
}

func (m *sourceMock) GetProduct(ctx context.Context, ref string) (*checkout.Product, error) {
	args := m.Called(ctx, ref)
	p, _ := args.Get(0).(*checkout.Product)
	return p, args.Error(1)
}

func newLedger(t *testing.T, name string) (*ledger.Service, *gorm.DB, *catalog.Catalog) {
	t.Helper()
	db, err := database.OpenInMemory(t.Name() + "_" + name)
	require.NoError(t, err)
	cat, err := catalog.Default()
	require.NoError(t, err)
	return ledger.NewServiceFromDB(db, cat), db, cat
}

func sampleTransaction() *checkout.Transaction {
	return &checkout.Transaction{
		ID:     "tx_1",
		Status: "paid",
		Email:  "A@x.com",
		LineItems: []checkout.LineItem{
			{RawProductID: "2", Quantity: 1, UnitAmount: 10},
			{ProductRef: "prod_template_vault", Quantity: 2, UnitAmount: 15},
			{RawProductID: "xyz-unknown", Quantity: 1, UnitAmount: 1},
		},
	}
}

func tuples(t *testing.T, db *gorm.DB) []string {
	t.Helper()
	var rows []models.Purchase
	require.NoError(t, db.Find(&rows).Error)
	out := make([]string, 0, len(rows))
	for _, p := range rows {
		out = append(out, fmt.Sprintf("%s|%s|%s|%s|%.2f", p.Email, p.CanonicalProductKey, *p.TransactionID, p.Status, p.Amount))
	}
	sort.Strings(out)
	return out
}

func TestReconcileWritesEveryLineItem(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	src := &sourceMock{}
	src.On("GetTransaction", mock.Anything, "tx_1").Return(sampleTransaction(), nil)
	src.On("GetProduct", mock.Anything, "prod_template_vault").Return(&checkout.Product{ID: "prod_template_vault", Metadata: map[string]string{"product_id": "1"}}, nil)

	a := New(src, svc, cat, 2)
	out, err := a.Reconcile(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.False(t, out.HasErrors())
	require.Len(t, out.Written, 3)
	assert.Equal(t, "prompts", out.Written[0].Key)
	assert.Equal(t, "templates", out.Written[1].Key)
	assert.Equal(t, 30.0, out.Written[1].Purchase.Amount)
	assert.True(t, out.Written[2].Unmapped)
	assert.Equal(t, models.PurchaseSourceReconciliation, out.Written[0].Purchase.Source)

	assert.Equal(t, []string{
		"a@x.com|prompts|tx_1|completed|10.00",
		"a@x.com|templates|tx_1|completed|30.00",
		"a@x.com|xyz-unknown|tx_1|completed|1.00",
	}, tuples(t, db))
	src.AssertExpectations(t)
}

func TestReconcilePartialSuccess(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	src := &sourceMock{}
	src.On("GetTransaction", mock.Anything, "tx_1").Return(sampleTransaction(), nil)
	src.On("GetProduct", mock.Anything, "prod_template_vault").Return(nil, fmt.Errorf("%w: timeout", checkout.ErrUpstreamFetch))

	out, err := New(src, svc, cat, 4).Reconcile(context.Background(), "tx_1")
	require.NoError(t, err)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "prod_template_vault", out.Errors[0].RawID)
	assert.Contains(t, out.Errors[0].Reason, "timeout")
	assert.Len(t, out.Written, 2)
	assert.Len(t, tuples(t, db), 2)
}

func TestReconcileUpstreamFailureWritesNothing(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	src := &sourceMock{}
	src.On("GetTransaction", mock.Anything, "tx_1").Return(nil, fmt.Errorf("%w: connection refused", checkout.ErrUpstreamFetch))

	out, err := New(src, svc, cat, 4).Reconcile(context.Background(), "tx_1")
	assert.ErrorIs(t, err, checkout.ErrUpstreamFetch)
	assert.Equal(t, "tx_1", out.TransactionID)
	assert.Empty(t, out.Written)
	assert.Empty(t, tuples(t, db))
}

func TestReconcileRejectsUnfinishedTransactions(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	src := &sourceMock{}
	tx := sampleTransaction()
	tx.Status = "refunded"
	src.On("GetTransaction", mock.Anything, "tx_1").Return(tx, nil)
	unstated := sampleTransaction()
	unstated.ID = "tx_2"
	unstated.Status = ""
	src.On("GetTransaction", mock.Anything, "tx_2").Return(unstated, nil)

	_, err := New(src, svc, cat, 4).Reconcile(context.Background(), "tx_1")
	assert.ErrorIs(t, err, ErrTransactionNotCompleted)

	_, err = New(src, svc, cat, 4).Reconcile(context.Background(), "tx_2")
	assert.ErrorIs(t, err, ErrTransactionNotCompleted)
	assert.Empty(t, tuples(t, db))

	_, err = New(src, svc, cat, 4).Reconcile(context.Background(), " ")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestHandleEventDeliveredTwiceWritesOnce(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	a := New(nil, svc, cat, 4)
	ev := checkout.Event{ID: "evt_1", Type: checkout.EventCheckoutCompleted, Transaction: checkout.Transaction{
		ID: "tx_c", Status: checkout.StatusPaid, Email: "c@x.com", LineItems: []checkout.LineItem{{RawProductID: "2", Quantity: 1, UnitAmount: 10}},
	}}

	first := a.HandleEvent(context.Background(), ev)
	require.Len(t, first.Written, 1)
	assert.True(t, first.Written[0].Created)

	second := a.HandleEvent(context.Background(), ev)
	require.Len(t, second.Written, 1)
	assert.False(t, second.Written[0].Created)
	assert.Equal(t, first.Written[0].Purchase.ID, second.Written[0].Purchase.ID)

	var count int64
	require.NoError(t, db.Model(&models.Purchase{}).Where("transaction_id = ?", "tx_c").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHandleEventWithoutProviderReportsLookupError(t *testing.T) {
	svc, _, cat := newLedger(t, "db")
	out := New(nil, svc, cat, 4).HandleEvent(context.Background(), checkout.Event{Transaction: *sampleTransaction()})
	assert.Len(t, out.Written, 2)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "prod_template_vault", out.Errors[0].RawID)
}

func TestEventAndReconcilePathsProduceIdenticalLedgers(t *testing.T) {
	eventLedger, eventDB, cat := newLedger(t, "event")
	pullLedger, pullDB, _ := newLedger(t, "pull")

	src := &sourceMock{}
	src.On("GetTransaction", mock.Anything, "tx_1").Return(sampleTransaction(), nil)
	src.On("GetProduct", mock.Anything, "prod_template_vault").Return(&checkout.Product{ID: "prod_template_vault", Metadata: map[string]string{"product_id": "1"}}, nil)

	ev := checkout.Event{ID: "evt_1", Type: checkout.EventCheckoutCompleted, Transaction: *sampleTransaction()}
	out := New(src, eventLedger, cat, 4).HandleEvent(context.Background(), ev)
	require.False(t, out.HasErrors())

	_, err := New(src, pullLedger, cat, 4).Reconcile(context.Background(), "tx_1")
	require.NoError(t, err)

	assert.Equal(t, tuples(t, eventDB), tuples(t, pullDB))

	// replaying reconcile on the event ledger changes nothing
	before := tuples(t, eventDB)
	_, err = New(src, eventLedger, cat, 4).Reconcile(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, before, tuples(t, eventDB))
}

type slowSource struct {
	inFlight int32
	maxSeen  int32
	mu       sync.Mutex
	tx       *checkout.Transaction
}

func (s *slowSource) GetTransaction(context.Context, string) (*checkout.Transaction, error) {
	return s.tx, nil
}

func (s *slowSource) GetProduct(_ context.Context, ref string) (*checkout.Product, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	s.mu.Lock()
	if n > s.maxSeen {
		s.maxSeen = n
	}
	s.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&s.inFlight, -1)
	return &checkout.Product{ID: ref}, nil
}

func TestReconcileBoundsConcurrency(t *testing.T) {
	svc, _, cat := newLedger(t, "db")
	tx := &checkout.Transaction{ID: "tx_big", Status: checkout.StatusPaid, Email: "big@x.com"}
	for i := 0; i < 24; i++ {
		tx.LineItems = append(tx.LineItems, checkout.LineItem{ProductRef: fmt.Sprintf("prod_%02d", i), Quantity: 1, UnitAmount: 1})
	}
	src := &slowSource{tx: tx}

	out, err := New(src, svc, cat, 3).Reconcile(context.Background(), "tx_big")
	require.NoError(t, err)
	assert.Len(t, out.Written, 24)
	assert.LessOrEqual(t, src.maxSeen, int32(3))
	assert.Greater(t, src.maxSeen, int32(0))
}

func TestVerifyReportsMissingRows(t *testing.T) {
	svc, _, cat := newLedger(t, "db")
	src := &sourceMock{}
	src.On("GetTransaction", mock.Anything, "tx_1").Return(sampleTransaction(), nil)
	src.On("GetProduct", mock.Anything, "prod_template_vault").Return(&checkout.Product{ID: "prod_template_vault", Metadata: map[string]string{"product_id": "1"}}, nil)
	a := New(src, svc, cat, 4)

	_, _, err := svc.Upsert(context.Background(), ledger.UpsertInput{Email: "a@x.com", CanonicalKey: "prompts", TransactionID: ledger.StringPtr("tx_1")})
	require.NoError(t, err)
	_, _, err = svc.Upsert(context.Background(), ledger.UpsertInput{Email: "a@x.com", CanonicalKey: "bundle", TransactionID: ledger.StringPtr("tx_1")})
	require.NoError(t, err)

	diff, err := a.Verify(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.False(t, diff.InSync())
	assert.Equal(t, []Tuple{
		{Email: "a@x.com", CanonicalKey: "templates", TransactionID: "tx_1"},
		{Email: "a@x.com", CanonicalKey: "xyz-unknown", TransactionID: "tx_1"},
	}, diff.Missing)
	assert.Equal(t, []Tuple{{Email: "a@x.com", CanonicalKey: "bundle", TransactionID: "tx_1"}}, diff.Unexpected)

	_, err = a.Reconcile(context.Background(), "tx_1")
	require.NoError(t, err)
	diff, err = a.Verify(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Empty(t, diff.Missing)
	assert.Len(t, diff.Unexpected, 1)
}

func TestPendingTransactionsArePromotedLater(t *testing.T) {
	svc, db, cat := newLedger(t, "db")
	a := New(nil, svc, cat, 4)
	tx := checkout.Transaction{ID: "tx_p", Status: "pending", Email: "p@x.com", LineItems: []checkout.LineItem{{RawProductID: "3", UnitAmount: 49}}}

	out := a.HandleEvent(context.Background(), checkout.Event{Transaction: tx})
	require.Len(t, out.Written, 1)
	assert.Equal(t, models.PurchaseStatusPending, out.Written[0].Purchase.Status)

	tx.Status = "completed"
	out = a.HandleEvent(context.Background(), checkout.Event{Transaction: tx})
	require.Len(t, out.Written, 1)
	assert.Equal(t, models.PurchaseStatusCompleted, out.Written[0].Purchase.Status)
	assert.Equal(t, []string{"p@x.com|course|tx_p|completed|49.00"}, tuples(t, db))
}

func TestOutcomeWithoutEmailIsAnError(t *testing.T) {
	svc, _, cat := newLedger(t, "db")
	out := New(nil, svc, cat, 4).HandleEvent(context.Background(), checkout.Event{Transaction: checkout.Transaction{ID: "tx", Status: checkout.StatusPaid, LineItems: []checkout.LineItem{{RawProductID: "2"}}}})
	require.Len(t, out.Errors, 1)
	assert.Empty(t, out.Written)
}

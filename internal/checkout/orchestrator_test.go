package checkout

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tabletap/tabletap-client/internal/backend"
	"github.com/tabletap/tabletap-client/internal/cart"
	"github.com/tabletap/tabletap-client/internal/payment"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/localdb"
	"github.com/tabletap/tabletap-client/pkg/logger"
)

type fakeBackend struct {
	mu            sync.Mutex
	initiateErr   error
	finalizeErrs  []error
	finalizeCalls int
	lastFinalize  backend.FinalizeCheckoutRequest
}

func (f *fakeBackend) InitiateCheckout(_ context.Context, req backend.InitiateCheckoutRequest) (*backend.InitiateCheckoutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	return &backend.InitiateCheckoutResponse{
		GatewayOrderID: "order_gw",
		IntentID:       "intent_1",
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
	}, nil
}

func (f *fakeBackend) FinalizeCheckout(_ context.Context, req backend.FinalizeCheckoutRequest) (*backend.FinalizeCheckoutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFinalize = req
	if f.finalizeCalls < len(f.finalizeErrs) {
		err := f.finalizeErrs[f.finalizeCalls]
		f.finalizeCalls++
		if err != nil {
			return nil, err
		}
	} else {
		f.finalizeCalls++
	}
	return &backend.FinalizeCheckoutResponse{OrderID: "order_42"}, nil
}

type fakeCarts struct {
	mu      sync.Mutex
	cart    *cart.Cart
	cleared bool
}

func (f *fakeCarts) Snapshot(_ context.Context, _ cart.Key) *cart.Cart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cart.Clone()
}

func (f *fakeCarts) Clear(_ context.Context, _ cart.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.cart.Lines = nil
	return nil
}

type scriptedWidget struct {
	result  payment.Result
	err     error
	started chan struct{}
	release chan struct{}
}

func (w *scriptedWidget) Present(ctx context.Context, _ payment.Order) (payment.Result, error) {
	if w.started != nil {
		close(w.started)
	}
	if w.release != nil {
		select {
		case <-w.release:
		case <-ctx.Done():
			return payment.Result{Outcome: payment.OutcomeCancelled}, nil
		}
	}
	return w.result, w.err
}

func capturedResult() payment.Result {
	return payment.Result{
		Outcome:   payment.OutcomeCaptured,
		PaymentID: "pay_7",
		OrderID:   "order_gw",
		Signature: "sig",
	}
}

type fixture struct {
	orch  *Orchestrator
	api   *fakeBackend
	carts *fakeCarts
	repo  *AttemptRepo
	key   cart.Key
}

func newFixture(t *testing.T, widget payment.Widget) *fixture {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
	db, err := localdb.NewInMemory()
	if err != nil {
		t.Fatalf("localdb.NewInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	api := &fakeBackend{}
	carts := &fakeCarts{cart: &cart.Cart{
		Key: cart.Key{FoodCourtID: "fc-1", TableID: "t-12"},
		Lines: []cart.Line{
			{ItemID: "burger", UnitPrice: decimal.NewFromInt(150), Quantity: 2},
			{ItemID: "salad", UnitPrice: decimal.NewFromInt(90), Quantity: 1},
		},
	}}
	repo := NewAttemptRepo(db.DB())

	orch, err := New(Options{
		Backend:         api,
		Carts:           carts,
		Widget:          widget,
		Repo:            repo,
		Logger:          logg,
		TaxRate:         decimal.RequireFromString("0.18"),
		Currency:        "INR",
		FinalizeBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{orch: orch, api: api, carts: carts, repo: repo, key: carts.cart.Key}
}

func TestRunHappyPathClearsCart(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &scriptedWidget{result: capturedResult()})

	out, err := fx.orch.Run(context.Background(), fx.key)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Attempt.State != StateSucceeded {
		t.Fatalf("state: want succeeded, got %s", out.Attempt.State)
	}
	if out.OrderID != "order_42" {
		t.Fatalf("order id: want order_42, got %s", out.OrderID)
	}
	if out.Totals.AmountMinor != 46020 {
		t.Fatalf("amount: want 46020, got %d", out.Totals.AmountMinor)
	}
	if !fx.carts.cleared {
		t.Fatal("expected cart cleared after success")
	}
	if fx.api.finalizeCalls != 1 {
		t.Fatalf("finalize calls: want 1, got %d", fx.api.finalizeCalls)
	}
	if fx.api.lastFinalize.GatewaySignature != "sig" || fx.api.lastFinalize.IntentID != "intent_1" {
		t.Fatalf("finalize proof incomplete: %+v", fx.api.lastFinalize)
	}

	saved, err := fx.repo.Get(context.Background(), out.Attempt.ID)
	if err != nil {
		t.Fatalf("repo.Get: %v", err)
	}
	if saved.State != StateSucceeded || saved.GatewayPaymentID != "pay_7" {
		t.Fatalf("persisted attempt wrong: %+v", saved)
	}
}

func TestRunCancelledLeavesCartIntact(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &scriptedWidget{result: payment.Result{Outcome: payment.OutcomeCancelled}})

	out, err := fx.orch.Run(context.Background(), fx.key)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Attempt.State != StateCancelled {
		t.Fatalf("state: want cancelled, got %s", out.Attempt.State)
	}
	if fx.carts.cleared {
		t.Fatal("cart must stay intact after cancellation")
	}
	if fx.api.finalizeCalls != 0 {
		t.Fatalf("finalize must not run: got %d calls", fx.api.finalizeCalls)
	}
}

func TestRunFinalizeRetriedOnceThenSucceeds(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &scriptedWidget{result: capturedResult()})
	fx.api.finalizeErrs = []error{errors.New("gateway timeout")}

	out, err := fx.orch.Run(context.Background(), fx.key)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Attempt.State != StateSucceeded {
		t.Fatalf("state: want succeeded, got %s", out.Attempt.State)
	}
	if fx.api.finalizeCalls != 2 {
		t.Fatalf("finalize calls: want 2, got %d", fx.api.finalizeCalls)
	}
}

func TestRunDoubleFinalizeFailureIsUnreconciled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &scriptedWidget{result: capturedResult()})
	fx.api.finalizeErrs = []error{errors.New("boom"), errors.New("boom again")}

	out, err := fx.orch.Run(context.Background(), fx.key)
	if !pkgerrors.HasCode(err, pkgerrors.CodeUnreconciled) {
		t.Fatalf("expected PAYMENT_UNRECONCILED, got %v", err)
	}
	if out.Attempt.State != StateUnreconciled {
		t.Fatalf("state: want unreconciled, got %s", out.Attempt.State)
	}
	if fx.api.finalizeCalls != 2 {
		t.Fatalf("finalize calls: want exactly 2, got %d", fx.api.finalizeCalls)
	}
	if fx.carts.cleared {
		t.Fatal("cart must be retained when the payment is unreconciled")
	}

	// The identifiers the support desk needs must be durable.
	saved, err := fx.repo.Get(context.Background(), out.Attempt.ID)
	if err != nil {
		t.Fatalf("repo.Get: %v", err)
	}
	if saved.IntentID != "intent_1" || saved.GatewayPaymentID != "pay_7" {
		t.Fatalf("identifiers not persisted: %+v", saved)
	}

	unresolved, err := fx.repo.UnresolvedAttempts(context.Background())
	if err != nil {
		t.Fatalf("UnresolvedAttempts: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != out.Attempt.ID {
		t.Fatalf("expected the unreconciled attempt surfaced, got %+v", unresolved)
	}
}

func TestRunInitiateFailureTerminatesWithoutWidget(t *testing.T) {
	t.Parallel()
	widget := &scriptedWidget{result: capturedResult()}
	fx := newFixture(t, widget)
	fx.api.initiateErr = errors.New("service unavailable")

	out, err := fx.orch.Run(context.Background(), fx.key)
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if out.Attempt.State != StateFailed {
		t.Fatalf("state: want failed, got %s", out.Attempt.State)
	}
	if fx.carts.cleared {
		t.Fatal("cart must stay intact when no payment happened")
	}
}

func TestRunRejectsConcurrentAttemptForSameTable(t *testing.T) {
	t.Parallel()
	widget := &scriptedWidget{
		result:  capturedResult(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	fx := newFixture(t, widget)

	done := make(chan error, 1)
	go func() {
		_, err := fx.orch.Run(context.Background(), fx.key)
		done <- err
	}()
	<-widget.started

	_, err := fx.orch.Run(context.Background(), fx.key)
	if !pkgerrors.HasCode(err, pkgerrors.CodeStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	close(widget.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunPublishesStateTransitions(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, &scriptedWidget{result: capturedResult()})
	updates := fx.orch.Subscribe()

	if _, err := fx.orch.Run(context.Background(), fx.key); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var states []State
	for len(updates) > 0 {
		states = append(states, (<-updates).State)
	}
	want := []State{StateIntentRequested, StateGatewayPresented, StateFinalizing, StateSucceeded}
	if len(states) != len(want) {
		t.Fatalf("transitions: want %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transition %d: want %s, got %s", i, want[i], states[i])
		}
	}
}

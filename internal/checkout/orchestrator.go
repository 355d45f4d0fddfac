package checkout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/tabletap/tabletap-client/internal/backend"
	"github.com/tabletap/tabletap-client/internal/cart"
	"github.com/tabletap/tabletap-client/internal/payment"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
	"github.com/tabletap/tabletap-client/pkg/metrics"
)

// backendAPI is the slice of the backend client checkout needs.
type backendAPI interface {
	InitiateCheckout(ctx context.Context, req backend.InitiateCheckoutRequest) (*backend.InitiateCheckoutResponse, error)
	FinalizeCheckout(ctx context.Context, req backend.FinalizeCheckoutRequest) (*backend.FinalizeCheckoutResponse, error)
}

// cartSource supplies the snapshot being paid for and clears it on success.
type cartSource interface {
	Snapshot(ctx context.Context, key cart.Key) *cart.Cart
	Clear(ctx context.Context, key cart.Key) error
}

// Update is one state-machine transition, published to subscribers.
type Update struct {
	AttemptID string
	Key       cart.Key
	State     State
	Err       string
}

// Outcome is what Run returns once the attempt reaches a terminal state.
type Outcome struct {
	Attempt *Attempt
	OrderID string
	Totals  Totals
}

// Orchestrator drives a checkout attempt through its state machine: price
// the cart, create a payment intent, present the payment page, and finalize
// the captured payment into an order. One attempt per table key at a time.
type Orchestrator struct {
	api     backendAPI
	carts   cartSource
	widget  payment.Widget
	repo    *AttemptRepo
	logg    *logger.Logger
	metrics *metrics.ClientMetrics

	taxRate  decimal.Decimal
	currency string
	backoff  time.Duration

	mu        sync.Mutex
	active    map[cart.Key]bool
	listeners []chan Update
}

// Options groups the orchestrator's collaborators.
type Options struct {
	Backend         backendAPI
	Carts           cartSource
	Widget          payment.Widget
	Repo            *AttemptRepo
	Logger          *logger.Logger
	Metrics         *metrics.ClientMetrics
	TaxRate         decimal.Decimal
	Currency        string
	FinalizeBackoff time.Duration
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if opts.Carts == nil {
		return nil, fmt.Errorf("cart source is required")
	}
	if opts.Widget == nil {
		return nil, fmt.Errorf("payment widget is required")
	}
	if opts.Repo == nil {
		return nil, fmt.Errorf("attempt repo is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	if opts.FinalizeBackoff <= 0 {
		opts.FinalizeBackoff = 2 * time.Second
	}
	return &Orchestrator{
		api:      opts.Backend,
		carts:    opts.Carts,
		widget:   opts.Widget,
		repo:     opts.Repo,
		logg:     opts.Logger,
		metrics:  opts.Metrics,
		taxRate:  opts.TaxRate,
		currency: opts.Currency,
		backoff:  opts.FinalizeBackoff,
		active:   make(map[cart.Key]bool),
	}, nil
}

// Subscribe returns a channel receiving every state transition. Buffered;
// slow consumers drop updates rather than blocking the machine.
func (o *Orchestrator) Subscribe() <-chan Update {
	ch := make(chan Update, 16)
	o.mu.Lock()
	o.listeners = append(o.listeners, ch)
	o.mu.Unlock()
	return ch
}

// Run executes one checkout attempt for the table and blocks until it
// reaches a terminal state. A second Run for the same key while one is in
// flight is rejected.
func (o *Orchestrator) Run(ctx context.Context, key cart.Key) (*Outcome, error) {
	o.mu.Lock()
	if o.active[key] {
		o.mu.Unlock()
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "checkout already in progress for this table")
	}
	o.active[key] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
	}()

	snapshot := o.carts.Snapshot(ctx, key)
	totals, err := ComputeTotals(snapshot, o.taxRate, o.currency)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "price cart")
	}

	attempt := &Attempt{
		ID:             uuid.NewString(),
		FoodCourtID:    key.FoodCourtID,
		TableID:        key.TableID,
		CartSnapshotID: uuid.NewString(),
		AmountMinor:    totals.AmountMinor,
		Currency:       totals.Currency,
		State:          StateIdle,
	}
	ctx = o.logg.WithField(ctx, "attempt_id", attempt.ID)
	ctx = o.logg.WithFoodCourtID(ctx, key.FoodCourtID)
	ctx = o.logg.WithTableID(ctx, key.TableID)

	// Intent.
	if err := o.transition(ctx, attempt, key, StateIntentRequested, ""); err != nil {
		return nil, err
	}
	intent, err := o.api.InitiateCheckout(ctx, backend.InitiateCheckoutRequest{
		AmountMinor: totals.AmountMinor,
		Currency:    totals.Currency,
		FoodCourtID: key.FoodCourtID,
		TableNumber: key.TableID,
	})
	if err != nil {
		o.fail(ctx, attempt, key, StateFailed, err)
		return &Outcome{Attempt: attempt, Totals: totals}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "initiate checkout")
	}
	attempt.IntentID = intent.IntentID
	attempt.GatewayOrderID = intent.GatewayOrderID
	ctx = o.logg.WithIntentID(ctx, intent.IntentID)

	// Present the payment page.
	if err := o.transition(ctx, attempt, key, StateGatewayPresented, ""); err != nil {
		return nil, err
	}
	result, err := o.widget.Present(ctx, payment.Order{
		GatewayOrderID: intent.GatewayOrderID,
		AmountMinor:    intent.AmountMinor,
		Currency:       intent.Currency,
	})
	if err != nil {
		o.fail(ctx, attempt, key, StateFailed, err)
		return &Outcome{Attempt: attempt, Totals: totals}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "present payment page")
	}

	switch result.Outcome {
	case payment.OutcomeCancelled:
		// No money moved; the cart stays as it was.
		if err := o.transition(ctx, attempt, key, StateCancelled, result.Reason); err != nil {
			return nil, err
		}
		o.metrics.IncCheckoutOutcome(string(StateCancelled))
		o.logg.Info(ctx, "checkout cancelled before capture")
		return &Outcome{Attempt: attempt, Totals: totals}, nil
	case payment.OutcomeFailed:
		if err := o.transition(ctx, attempt, key, StateFailed, result.Reason); err != nil {
			return nil, err
		}
		o.metrics.IncCheckoutOutcome(string(StateFailed))
		o.logg.Warn(ctx, "payment failed before capture")
		return &Outcome{Attempt: attempt, Totals: totals}, pkgerrors.New(pkgerrors.CodeDependency, "payment failed")
	case payment.OutcomeCaptured:
		// fall through to finalize
	default:
		o.fail(ctx, attempt, key, StateFailed, fmt.Errorf("unknown widget outcome %q", result.Outcome))
		return &Outcome{Attempt: attempt, Totals: totals}, pkgerrors.New(pkgerrors.CodeInternal, "unknown widget outcome")
	}

	// Money is captured from here on. Persist the payment identifiers
	// before finalize so a crash cannot orphan the capture.
	attempt.GatewayPaymentID = result.PaymentID
	ctx = o.logg.WithField(ctx, "gateway_payment_id", result.PaymentID)
	if err := o.transition(ctx, attempt, key, StateFinalizing, ""); err != nil {
		return nil, err
	}

	orderID, finalizeErr := o.finalize(ctx, attempt, result)
	if finalizeErr != nil {
		// The charge may have gone through while order creation did not.
		// Never drop to Idle and never retry beyond this point: the shopper
		// is told to contact support with the persisted identifiers.
		ectx := o.logg.WithField(ctx, "error_chain", pkgerrors.Dump(finalizeErr))
		o.logg.Error(ectx, "finalize failed after capture; payment needs manual reconciliation", finalizeErr)
		if err := o.transition(ctx, attempt, key, StateUnreconciled, finalizeErr.Error()); err != nil {
			return nil, err
		}
		o.metrics.IncCheckoutOutcome(string(StateUnreconciled))
		return &Outcome{Attempt: attempt, Totals: totals}, pkgerrors.Wrap(pkgerrors.CodeUnreconciled, finalizeErr,
			"payment captured but order not confirmed; contact support with intent id "+attempt.IntentID)
	}

	if err := o.transition(ctx, attempt, key, StateSucceeded, ""); err != nil {
		return nil, err
	}
	o.metrics.IncCheckoutOutcome(string(StateSucceeded))
	if err := o.carts.Clear(ctx, key); err != nil {
		o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "cart clear after order failed")
	}
	o.logg.Info(o.logg.WithField(ctx, "order_id", orderID), "checkout succeeded")
	return &Outcome{Attempt: attempt, OrderID: orderID, Totals: totals}, nil
}

// finalize calls the backend with the capture proof, retrying exactly once
// after a fixed backoff. The call is idempotent per intent id on the server,
// so the retry cannot double-order.
func (o *Orchestrator) finalize(ctx context.Context, attempt *Attempt, result payment.Result) (string, error) {
	started := time.Now()
	defer func() {
		o.metrics.ObserveFinalizeDuration(time.Since(started))
	}()

	var orderID string
	backoff := retry.WithMaxRetries(1, retry.NewConstant(o.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := o.api.FinalizeCheckout(ctx, backend.FinalizeCheckoutRequest{
			IntentID:         attempt.IntentID,
			GatewayPaymentID: result.PaymentID,
			GatewayOrderID:   result.OrderID,
			GatewaySignature: result.Signature,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		orderID = resp.OrderID
		return nil
	})
	return orderID, err
}

// transition persists and publishes a state change.
func (o *Orchestrator) transition(ctx context.Context, attempt *Attempt, key cart.Key, to State, detail string) error {
	if !canTransition(attempt.State, to) {
		return pkgerrors.New(pkgerrors.CodeInternal,
			fmt.Sprintf("illegal checkout transition %s -> %s", attempt.State, to))
	}
	attempt.State = to
	if err := o.repo.Save(ctx, attempt); err != nil {
		// Persistence failing must not lose track of where the money is;
		// keep going with the in-memory attempt and make noise.
		o.logg.Error(ctx, "persisting checkout attempt failed", err)
	}
	o.logg.Info(o.logg.WithField(ctx, "state", string(to)), "checkout state changed")
	o.notify(Update{AttemptID: attempt.ID, Key: key, State: to, Err: detail})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, attempt *Attempt, key cart.Key, to State, cause error) {
	if err := o.transition(ctx, attempt, key, to, cause.Error()); err != nil {
		o.logg.Error(ctx, "recording checkout failure", err)
		return
	}
	o.metrics.IncCheckoutOutcome(string(to))
}

func (o *Orchestrator) notify(update Update) {
	o.mu.Lock()
	listeners := o.listeners
	o.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- update:
		default:
		}
	}
}

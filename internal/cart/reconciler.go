package cart

import (
	"context"
	"fmt"
	"sync"

	"github.com/tabletap/tabletap-client/internal/backend"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
	"github.com/tabletap/tabletap-client/pkg/metrics"
)

// serverAPI is the slice of the backend client the reconciler needs.
type serverAPI interface {
	GetCart(ctx context.Context, foodCourtID, tableID string) (*backend.CartState, error)
	AddItem(ctx context.Context, foodCourtID, tableID string, req backend.AddItemRequest) (*backend.CartState, error)
	UpdateItem(ctx context.Context, foodCourtID, tableID, itemID string, req backend.UpdateItemRequest) (*backend.CartState, error)
	RemoveItem(ctx context.Context, foodCourtID, tableID, itemID string) (*backend.CartState, error)
	ClearCart(ctx context.Context, foodCourtID, tableID string) error
}

// tableState tracks one table's cart between the optimistic local view and
// the server-confirmed baseline.
type tableState struct {
	current   *Cart
	confirmed *Cart

	// seq increases with every issued mutation; lastIssued records the
	// newest mutation per item so a stale server response for a superseded
	// mutation can be discarded.
	seq          uint64
	lastIssued   map[string]uint64
	confirmedSeq uint64
	pending      int
}

// Reconciler presents a single current cart per (food court, table) key,
// backed by server state and tolerant of transient network loss. Mutations
// apply optimistically and roll back to the last confirmed server state when
// the server call fails; the system never silently diverges from the
// server's view.
type Reconciler struct {
	mu        sync.Mutex
	api       serverAPI
	cache     Cache
	logg      *logger.Logger
	metrics   *metrics.ClientMetrics
	tables    map[Key]*tableState
	listeners []chan Key
}

// NewReconciler builds a reconciler over the given backend client and cache.
func NewReconciler(api serverAPI, cache Cache, logg *logger.Logger, m *metrics.ClientMetrics) (*Reconciler, error) {
	if api == nil {
		return nil, fmt.Errorf("backend client is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cart cache is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Reconciler{
		api:     api,
		cache:   cache,
		logg:    logg,
		metrics: m,
		tables:  make(map[Key]*tableState),
	}, nil
}

// Snapshot returns a copy of the local cart view for the key. Before any load
// or mutation it is seeded from the durable cache, so a reopened page shows
// the in-progress cart ahead of the server round-trip.
func (r *Reconciler) Snapshot(ctx context.Context, key Key) *Cart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(ctx, key).current.Clone()
}

// Subscribe returns a channel that receives the key of every cart that
// changed. Buffered; slow consumers drop updates rather than blocking.
func (r *Reconciler) Subscribe() <-chan Key {
	ch := make(chan Key, 16)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()
	return ch
}

// Load fetches the server cart. On success the confirmed baseline (and,
// when no mutation is in flight, the visible cart) is replaced. On failure
// the cached local copy is returned alongside the error so the caller can
// still render something.
func (r *Reconciler) Load(ctx context.Context, key Key) (*Cart, error) {
	r.mu.Lock()
	st := r.stateLocked(ctx, key)
	issuedSeq := st.seq
	r.mu.Unlock()

	state, err := r.api.GetCart(ctx, key.FoodCourtID, key.TableID)
	if err != nil {
		r.mu.Lock()
		fallback := st.current.Clone()
		r.mu.Unlock()
		if pkgerrors.HasCode(err, pkgerrors.CodeSessionExpired) {
			return fallback, err
		}
		return fallback, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}

	server := fromServer(key, state)

	r.mu.Lock()
	st.confirmed = server.Clone()
	// A load landing while a mutation is pending must not clobber the
	// optimistic view; the mutation's own resolution takes precedence.
	if st.pending == 0 && st.seq == issuedSeq {
		st.current = server.Clone()
		r.persistLocked(ctx, st.current)
	}
	snapshot := st.current.Clone()
	r.mu.Unlock()

	r.notify(key)
	return snapshot, nil
}

// AddItem optimistically merges the line locally, then reconciles with the
// server's resulting cart.
func (r *Reconciler) AddItem(ctx context.Context, key Key, line Line) error {
	if line.ItemID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	if line.Quantity < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}

	r.mu.Lock()
	st := r.stateLocked(ctx, key)
	seq := st.issue(line.ItemID)
	merged := line
	if idx := st.current.lineIndex(line.ItemID); idx >= 0 {
		merged.Quantity += st.current.Lines[idx].Quantity
	}
	st.current.upsertLine(merged)
	r.persistLocked(ctx, st.current)
	r.mu.Unlock()
	r.notify(key)

	state, err := r.api.AddItem(ctx, key.FoodCourtID, key.TableID, backend.AddItemRequest{
		ItemID:              line.ItemID,
		Name:                line.Name,
		UnitPrice:           line.UnitPrice,
		Quantity:            line.Quantity,
		OutletID:            line.OutletID,
		SpecialInstructions: line.SpecialInstructions,
	})
	return r.resolve(ctx, key, line.ItemID, seq, state, err, "add item")
}

// SetQuantity sets a line's quantity; zero or less removes the line.
func (r *Reconciler) SetQuantity(ctx context.Context, key Key, itemID string, quantity int) error {
	if itemID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	if quantity < 1 {
		return r.RemoveItem(ctx, key, itemID)
	}

	r.mu.Lock()
	st := r.stateLocked(ctx, key)
	idx := st.current.lineIndex(itemID)
	if idx < 0 {
		r.mu.Unlock()
		return pkgerrors.New(pkgerrors.CodeNotFound, "item not in cart")
	}
	seq := st.issue(itemID)
	st.current.Lines[idx].Quantity = quantity
	r.persistLocked(ctx, st.current)
	r.mu.Unlock()
	r.notify(key)

	state, err := r.api.UpdateItem(ctx, key.FoodCourtID, key.TableID, itemID, backend.UpdateItemRequest{Quantity: quantity})
	return r.resolve(ctx, key, itemID, seq, state, err, "set quantity")
}

// RemoveItem removes a line from the cart.
func (r *Reconciler) RemoveItem(ctx context.Context, key Key, itemID string) error {
	if itemID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}

	r.mu.Lock()
	st := r.stateLocked(ctx, key)
	seq := st.issue(itemID)
	st.current.removeLine(itemID)
	r.persistLocked(ctx, st.current)
	r.mu.Unlock()
	r.notify(key)

	state, err := r.api.RemoveItem(ctx, key.FoodCourtID, key.TableID, itemID)
	return r.resolve(ctx, key, itemID, seq, state, err, "remove item")
}

// Clear empties both the local and the server cart.
func (r *Reconciler) Clear(ctx context.Context, key Key) error {
	r.mu.Lock()
	st := r.stateLocked(ctx, key)
	st.seq++
	st.pending++
	st.current = emptyCart(key)
	r.mu.Unlock()
	r.notify(key)

	err := r.api.ClearCart(ctx, key.FoodCourtID, key.TableID)

	r.mu.Lock()
	st.pending--
	if err != nil {
		st.current = st.confirmed.Clone()
		r.metrics.IncCartRollback()
		r.mu.Unlock()
		r.notify(key)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
	}
	st.confirmed = emptyCart(key)
	st.current = emptyCart(key)
	st.lastIssued = make(map[string]uint64)
	if cacheErr := r.cache.Delete(ctx, key); cacheErr != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", cacheErr.Error()), "cart cache delete failed")
	}
	r.mu.Unlock()
	r.notify(key)
	return nil
}

// resolve folds one mutation's server response back into the table state.
func (r *Reconciler) resolve(ctx context.Context, key Key, itemID string, seq uint64, state *backend.CartState, err error, op string) error {
	r.mu.Lock()
	st := r.tables[key]
	st.pending--

	if err != nil {
		// Roll the optimistic change back to the last confirmed server
		// state; the caller reports the failure and may retry.
		st.current = st.confirmed.Clone()
		r.persistLocked(ctx, st.current)
		r.metrics.IncCartRollback()
		r.mu.Unlock()
		r.notify(key)
		if pkgerrors.HasCode(err, pkgerrors.CodeSessionExpired) {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
	}

	server := fromServer(key, state)
	if seq > st.confirmedSeq {
		st.confirmed = server.Clone()
		st.confirmedSeq = seq
	}
	// Only the response for the most recently issued mutation may replace
	// the visible cart; responses for superseded mutations are discarded.
	if st.lastIssued[itemID] == seq && st.pending == 0 && st.seq == seq {
		st.current = server.Clone()
		r.persistLocked(ctx, st.current)
	}
	r.mu.Unlock()
	r.notify(key)
	return nil
}

// stateLocked returns (creating and cache-seeding if needed) the state for
// key. Caller holds r.mu.
func (r *Reconciler) stateLocked(ctx context.Context, key Key) *tableState {
	if st, ok := r.tables[key]; ok {
		return st
	}
	st := &tableState{
		current:    emptyCart(key),
		confirmed:  emptyCart(key),
		lastIssued: make(map[string]uint64),
	}
	if cached, err := r.cache.Load(ctx, key); err == nil {
		st.current = cached.Clone()
		st.confirmed = cached.Clone()
	}
	r.tables[key] = st
	return st
}

func (st *tableState) issue(itemID string) uint64 {
	st.seq++
	st.lastIssued[itemID] = st.seq
	st.pending++
	return st.seq
}

func (r *Reconciler) persistLocked(ctx context.Context, cart *Cart) {
	if err := r.cache.Save(ctx, cart); err != nil {
		r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "cart cache write failed")
	}
}

func (r *Reconciler) notify(key Key) {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- key:
		default:
		}
	}
}

package checkout

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tabletap/tabletap-client/pkg/localdb/models"
)

// Attempt is one checkout run's durable identity. Identifiers are written at
// every transition so a capture whose finalize never confirmed can still be
// tied back to a payment after a crash.
type Attempt struct {
	ID               string
	FoodCourtID      string
	TableID          string
	CartSnapshotID   string
	IntentID         string
	GatewayOrderID   string
	GatewayPaymentID string
	AmountMinor      int64
	Currency         string
	State            State
	UpdatedAt        time.Time
}

// AttemptRepo persists checkout attempts.
type AttemptRepo struct {
	db *gorm.DB
}

func NewAttemptRepo(db *gorm.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

func toRecord(a *Attempt) *models.CheckoutAttemptRecord {
	return &models.CheckoutAttemptRecord{
		ID:               a.ID,
		FoodCourtID:      a.FoodCourtID,
		TableID:          a.TableID,
		CartSnapshotID:   a.CartSnapshotID,
		IntentID:         a.IntentID,
		GatewayOrderID:   a.GatewayOrderID,
		GatewayPaymentID: a.GatewayPaymentID,
		AmountMinor:      a.AmountMinor,
		Currency:         a.Currency,
		State:            string(a.State),
	}
}

func fromRecord(rec *models.CheckoutAttemptRecord) *Attempt {
	return &Attempt{
		ID:               rec.ID,
		FoodCourtID:      rec.FoodCourtID,
		TableID:          rec.TableID,
		CartSnapshotID:   rec.CartSnapshotID,
		IntentID:         rec.IntentID,
		GatewayOrderID:   rec.GatewayOrderID,
		GatewayPaymentID: rec.GatewayPaymentID,
		AmountMinor:      rec.AmountMinor,
		Currency:         rec.Currency,
		State:            State(rec.State),
		UpdatedAt:        rec.UpdatedAt,
	}
}

// Save upserts the attempt's current snapshot.
func (r *AttemptRepo) Save(ctx context.Context, a *Attempt) error {
	return r.db.WithContext(ctx).Save(toRecord(a)).Error
}

// Get loads one attempt by id.
func (r *AttemptRepo) Get(ctx context.Context, id string) (*Attempt, error) {
	var rec models.CheckoutAttemptRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return fromRecord(&rec), nil
}

// UnresolvedAttempts returns attempts stuck in a non-terminal state plus any
// unreconciled ones, oldest first. A fresh start surfaces these so a shopper
// whose payment was captured but whose order never confirmed is not left
// guessing.
func (r *AttemptRepo) UnresolvedAttempts(ctx context.Context) ([]*Attempt, error) {
	var recs []models.CheckoutAttemptRecord
	err := r.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(StateIntentRequested),
			string(StateGatewayPresented),
			string(StateFinalizing),
			string(StateUnreconciled),
		}).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Attempt, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

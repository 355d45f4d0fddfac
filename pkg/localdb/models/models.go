package models

import "time"

// SessionRecord is the single durable row holding the current token pair.
// The id is fixed so Save acts as an upsert.
type SessionRecord struct {
	ID           int `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	UpdatedAt    time.Time
}

func (SessionRecord) TableName() string { return "session" }

// CartCacheRecord caches the last known cart for a (food court, table) key
// as a JSON payload so an in-progress cart survives a restart.
type CartCacheRecord struct {
	CacheKey  string `gorm:"primaryKey"`
	Payload   []byte
	UpdatedAt time.Time
}

func (CartCacheRecord) TableName() string { return "cart_cache" }

// CheckoutAttemptRecord persists checkout attempt identifiers at every state
// transition so a capture whose finalize never confirmed can be detected and
// surfaced after a crash.
type CheckoutAttemptRecord struct {
	ID               string `gorm:"primaryKey"`
	FoodCourtID      string
	TableID          string
	CartSnapshotID   string
	IntentID         string
	GatewayOrderID   string
	GatewayPaymentID string
	AmountMinor      int64
	Currency         string
	State            string `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (CheckoutAttemptRecord) TableName() string { return "checkout_attempts" }

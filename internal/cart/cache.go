package cart

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/localdb/models"
	"github.com/tabletap/tabletap-client/pkg/redis"
	"gorm.io/gorm"
)

// Cache persists the local cart copy per (food court, table) key so an
// in-progress cart survives a restart. Load returns a not-found domain error
// on a miss.
type Cache interface {
	Load(ctx context.Context, key Key) (*Cart, error)
	Save(ctx context.Context, cart *Cart) error
	Delete(ctx context.Context, key Key) error
}

type cachedLine struct {
	ItemID              string          `json:"itemId"`
	Name                string          `json:"name"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	Quantity            int             `json:"quantity"`
	OutletID            string          `json:"outletId"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
}

type cachedCart struct {
	FoodCourtID   string       `json:"foodCourtId"`
	TableID       string       `json:"tableId"`
	ServerVersion string       `json:"serverVersion,omitempty"`
	Lines         []cachedLine `json:"lines"`
}

func encodeCart(cart *Cart) ([]byte, error) {
	payload := cachedCart{
		FoodCourtID:   cart.Key.FoodCourtID,
		TableID:       cart.Key.TableID,
		ServerVersion: cart.ServerVersion,
	}
	for _, line := range cart.Lines {
		payload.Lines = append(payload.Lines, cachedLine(line))
	}
	return json.Marshal(payload)
}

func decodeCart(raw []byte) (*Cart, error) {
	var payload cachedCart
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	cart := &Cart{
		Key:           Key{FoodCourtID: payload.FoodCourtID, TableID: payload.TableID},
		ServerVersion: payload.ServerVersion,
	}
	for _, line := range payload.Lines {
		cart.Lines = append(cart.Lines, Line(line))
	}
	return cart, nil
}

type sqliteCache struct {
	db *gorm.DB
}

// NewSQLiteCache builds the default embedded cache over local storage.
func NewSQLiteCache(db *gorm.DB) Cache {
	return &sqliteCache{db: db}
}

func (c *sqliteCache) Load(ctx context.Context, key Key) (*Cart, error) {
	var rec models.CartCacheRecord
	err := c.db.WithContext(ctx).First(&rec, "cache_key = ?", key.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no cached cart for key")
		}
		return nil, err
	}
	cart, err := decodeCart(rec.Payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "corrupt cart cache entry")
	}
	return cart, nil
}

func (c *sqliteCache) Save(ctx context.Context, cart *Cart) error {
	raw, err := encodeCart(cart)
	if err != nil {
		return err
	}
	rec := models.CartCacheRecord{CacheKey: cart.Key.String(), Payload: raw}
	return c.db.WithContext(ctx).Save(&rec).Error
}

func (c *sqliteCache) Delete(ctx context.Context, key Key) error {
	return c.db.WithContext(ctx).Delete(&models.CartCacheRecord{}, "cache_key = ?", key.String()).Error
}

type redisStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	CartKey(foodCourtID, tableID string) string
}

type redisCache struct {
	client redisStore
	ttl    time.Duration
}

// NewRedisCache builds the shared cache backend used when several kiosk
// devices serve the same tables.
func NewRedisCache(client redisStore, ttl time.Duration) Cache {
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Load(ctx context.Context, key Key) (*Cart, error) {
	raw, err := c.client.Get(ctx, c.client.CartKey(key.FoodCourtID, key.TableID))
	if err != nil {
		if redis.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no cached cart for key")
		}
		return nil, err
	}
	cart, err := decodeCart([]byte(raw))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "corrupt cart cache entry")
	}
	return cart, nil
}

func (c *redisCache) Save(ctx context.Context, cart *Cart) error {
	raw, err := encodeCart(cart)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.client.CartKey(cart.Key.FoodCourtID, cart.Key.TableID), string(raw), c.ttl)
}

func (c *redisCache) Delete(ctx context.Context, key Key) error {
	return c.client.Del(ctx, c.client.CartKey(key.FoodCourtID, key.TableID))
}

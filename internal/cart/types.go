package cart

import (
	"github.com/shopspring/decimal"
	"github.com/tabletap/tabletap-client/internal/backend"
)

// Key scopes one cart: one cart may exist per (food court, table) per device.
type Key struct {
	FoodCourtID string
	TableID     string
}

func (k Key) String() string {
	return k.FoodCourtID + ":" + k.TableID
}

// Line is one cart line. Quantity is always >= 1; a line whose quantity
// drops to 0 is removed, never stored.
type Line struct {
	ItemID              string
	Name                string
	UnitPrice           decimal.Decimal
	Quantity            int
	OutletID            string
	SpecialInstructions string
}

// Cart is the local view of a table's cart. The server copy is
// authoritative; this one may be briefly stale or ahead while a mutation is
// in flight.
type Cart struct {
	Key           Key
	Lines         []Line
	ServerVersion string
}

// Clone returns a deep copy safe to hand to callers.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	lines := make([]Line, len(c.Lines))
	copy(lines, c.Lines)
	return &Cart{Key: c.Key, Lines: lines, ServerVersion: c.ServerVersion}
}

// Subtotal sums unit price times quantity over all lines.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, line := range c.Lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// IsEmpty reports whether the cart holds no lines.
func (c *Cart) IsEmpty() bool {
	return c == nil || len(c.Lines) == 0
}

func (c *Cart) lineIndex(itemID string) int {
	for i := range c.Lines {
		if c.Lines[i].ItemID == itemID {
			return i
		}
	}
	return -1
}

func (c *Cart) upsertLine(line Line) {
	if idx := c.lineIndex(line.ItemID); idx >= 0 {
		c.Lines[idx] = line
		return
	}
	c.Lines = append(c.Lines, line)
}

func (c *Cart) removeLine(itemID string) {
	if idx := c.lineIndex(itemID); idx >= 0 {
		c.Lines = append(c.Lines[:idx], c.Lines[idx+1:]...)
	}
}

func emptyCart(key Key) *Cart {
	return &Cart{Key: key}
}

func fromServer(key Key, state *backend.CartState) *Cart {
	if state == nil {
		return emptyCart(key)
	}
	cart := &Cart{Key: key, ServerVersion: state.Version}
	for _, line := range state.Lines {
		if line.Quantity < 1 {
			continue
		}
		cart.Lines = append(cart.Lines, Line{
			ItemID:              line.ItemID,
			Name:                line.Name,
			UnitPrice:           line.UnitPrice,
			Quantity:            line.Quantity,
			OutletID:            line.OutletID,
			SpecialInstructions: line.SpecialInstructions,
		})
	}
	return cart
}

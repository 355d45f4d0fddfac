package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/tabletap/tabletap-client/internal/gateway"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
)

// requester is the slice of the gateway the typed client needs.
type requester interface {
	Do(ctx context.Context, req gateway.Request, out any) error
}

// Client exposes the ordering backend's cart and checkout operations with
// centralized validation, logging, and error mapping. All calls ride the
// authenticated gateway, so token refresh is transparent here.
type Client struct {
	gw       requester
	validate *validator.Validate
	logg     *logger.Logger
}

// NewClient builds the typed backend client.
func NewClient(gw requester, logg *logger.Logger) (*Client, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Client{
		gw:       gw,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logg:     logg,
	}, nil
}

func cartPath(foodCourtID, tableID string) string {
	return fmt.Sprintf("/v1/food-courts/%s/tables/%s/cart", foodCourtID, tableID)
}

// GetCart fetches the current server cart for the table.
func (c *Client) GetCart(ctx context.Context, foodCourtID, tableID string) (*CartState, error) {
	if foodCourtID == "" || tableID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "food court and table ids are required")
	}
	var state CartState
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   cartPath(foodCourtID, tableID),
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// AddItem appends (or merges) a line into the table's cart and returns the
// full resulting cart.
func (c *Client) AddItem(ctx context.Context, foodCourtID, tableID string, req AddItemRequest) (*CartState, error) {
	if err := c.validatePayload(req); err != nil {
		return nil, err
	}
	var state CartState
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   cartPath(foodCourtID, tableID) + "/items",
		Body:   req,
	}, &state)
	if err != nil {
		return nil, err
	}
	c.logg.Debug(c.logg.WithTableID(ctx, tableID), "cart item added")
	return &state, nil
}

// UpdateItem sets the quantity of an existing line.
func (c *Client) UpdateItem(ctx context.Context, foodCourtID, tableID, itemID string, req UpdateItemRequest) (*CartState, error) {
	if itemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	if err := c.validatePayload(req); err != nil {
		return nil, err
	}
	var state CartState
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodPatch,
		Path:   cartPath(foodCourtID, tableID) + "/items/" + itemID,
		Body:   req,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// RemoveItem deletes a line from the cart.
func (c *Client) RemoveItem(ctx context.Context, foodCourtID, tableID, itemID string) (*CartState, error) {
	if itemID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	var state CartState
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodDelete,
		Path:   cartPath(foodCourtID, tableID) + "/items/" + itemID,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// ClearCart empties the server cart for the table.
func (c *Client) ClearCart(ctx context.Context, foodCourtID, tableID string) error {
	return c.gw.Do(ctx, gateway.Request{
		Method: http.MethodDelete,
		Path:   cartPath(foodCourtID, tableID),
	}, nil)
}

// InitiateCheckout creates a payment intent for the table's cart total.
func (c *Client) InitiateCheckout(ctx context.Context, req InitiateCheckoutRequest) (*InitiateCheckoutResponse, error) {
	if err := c.validatePayload(req); err != nil {
		return nil, err
	}
	var resp InitiateCheckoutResponse
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/v1/checkout/initiate",
		Body:   req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	ctx = c.logg.WithIntentID(ctx, resp.IntentID)
	c.logg.Info(ctx, "payment intent created")
	return &resp, nil
}

// FinalizeCheckout converts a captured payment into a confirmed order. The
// backend treats the call as idempotent per intent id, so a retry after an
// ambiguous timeout is safe.
func (c *Client) FinalizeCheckout(ctx context.Context, req FinalizeCheckoutRequest) (*FinalizeCheckoutResponse, error) {
	if err := c.validatePayload(req); err != nil {
		return nil, err
	}
	var resp FinalizeCheckoutResponse
	err := c.gw.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/v1/checkout/finalize",
		Body:   req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) validatePayload(payload any) error {
	if err := c.validate.Struct(payload); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request payload")
	}
	return nil
}

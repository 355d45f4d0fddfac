package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
)

// PageLauncher opens the hosted payment page for an order, configured to
// post its outcome back to callbackURL. Typically this shells out to the
// system browser or hands the URL to an embedded webview.
type PageLauncher func(ctx context.Context, order Order, callbackURL string) error

// CallbackBridge is the production Widget: it serves a loopback HTTP
// endpoint the hosted payment page posts its outcome to, and resolves
// Present when that post arrives. One presentation at a time.
type CallbackBridge struct {
	addr     string
	launch   PageLauncher
	logg     *logger.Logger
	deadline time.Duration
}

// NewCallbackBridge wires a bridge listening on addr (host:0 picks a free
// port per presentation).
func NewCallbackBridge(addr string, launch PageLauncher, logg *logger.Logger, presentTimeout time.Duration) (*CallbackBridge, error) {
	if launch == nil {
		return nil, fmt.Errorf("page launcher is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if presentTimeout <= 0 {
		presentTimeout = 10 * time.Minute
	}
	return &CallbackBridge{addr: addr, launch: launch, logg: logg, deadline: presentTimeout}, nil
}

// callbackPayload is what the hosted page posts on completion. Field names
// follow the gateway's checkout.js handler payload.
type callbackPayload struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// Present serves the callback endpoint, launches the page, and blocks until
// the page reports an outcome, the timeout lapses, or ctx is cancelled.
func (b *CallbackBridge) Present(ctx context.Context, order Order) (Result, error) {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "payment callback listener")
	}

	results := make(chan Result, 1)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/payment/callback", func(w http.ResponseWriter, req *http.Request) {
		var payload callbackPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		res := Result{
			Outcome:   OutcomeCaptured,
			PaymentID: payload.PaymentID,
			OrderID:   payload.OrderID,
			Signature: payload.Signature,
		}
		if payload.Status == "failed" || payload.PaymentID == "" {
			res = Result{Outcome: OutcomeFailed, Reason: payload.Reason}
		}
		select {
		case results <- res:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/payment/cancel", func(w http.ResponseWriter, req *http.Request) {
		select {
		case results <- Result{Outcome: OutcomeCancelled, Reason: "dismissed"}:
		default:
		}
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			b.logg.Warn(b.logg.WithField(ctx, "error", serveErr.Error()), "payment callback server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	callbackURL := fmt.Sprintf("http://%s/payment/callback", ln.Addr().String())
	if err := b.launch(ctx, order, callbackURL); err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "launch payment page")
	}

	ctx = b.logg.WithField(ctx, "gateway_order_id", order.GatewayOrderID)
	b.logg.Info(ctx, "payment page presented")

	timer := time.NewTimer(b.deadline)
	defer timer.Stop()
	select {
	case res := <-results:
		b.logg.Info(b.logg.WithField(ctx, "outcome", string(res.Outcome)), "payment page resolved")
		return res, nil
	case <-timer.C:
		b.logg.Warn(ctx, "payment page timed out")
		return Result{Outcome: OutcomeCancelled, Reason: "timed out"}, nil
	case <-ctx.Done():
		return Result{Outcome: OutcomeCancelled, Reason: "context cancelled"}, nil
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tabletap/tabletap-client/internal/session"
	"github.com/tabletap/tabletap-client/pkg/config"
	pkgerrors "github.com/tabletap/tabletap-client/pkg/errors"
	"github.com/tabletap/tabletap-client/pkg/logger"
	"github.com/tabletap/tabletap-client/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

const refreshPath = "/auth/refresh-token"

// sessionStore is the slice of the session store the gateway needs.
type sessionStore interface {
	Get() session.Session
	SetTokens(ctx context.Context, access, refresh string)
	Clear(ctx context.Context)
}

// Request describes one backend call. The http.Request is rebuilt from it on
// every attempt so a replay after refresh never reuses a consumed body.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Gateway issues every outbound backend call: it attaches the current access
// token, and on a 401 coordinates exactly one refresh per expiry episode
// before replaying the original call once.
type Gateway struct {
	baseURL   string
	http      *http.Client
	refreshHC *http.Client
	session   sessionStore
	logg      *logger.Logger
	metrics   *metrics.ClientMetrics
	userAgent string

	// Concurrent 401s collapse onto one in-flight refresh; late arrivals
	// attach to it and share its outcome.
	refresh singleflight.Group
}

// New builds the gateway against the configured backend.
func New(cfg config.APIConfig, store sessionStore, logg *logger.Logger, m *metrics.ClientMetrics) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	return &Gateway{
		baseURL:   base,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		refreshHC: &http.Client{Timeout: cfg.RefreshTimeout},
		session:   store,
		logg:      logg,
		metrics:   m,
		userAgent: cfg.UserAgent,
	}, nil
}

// Do issues the request and decodes a 2xx JSON body into out (when non-nil).
// Any non-401 outcome passes through unchanged. A 401 triggers the refresh
// path; the replayed request's result is returned as-is, and a second 401 is
// treated as session-fatal without another refresh attempt.
func (g *Gateway) Do(ctx context.Context, req Request, out any) error {
	used := g.session.Get().AccessToken
	status, body, err := g.send(ctx, req, used)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s", req.Method, req.Path))
	}

	if status != http.StatusUnauthorized {
		return g.finish(req, status, body, out)
	}

	if err := g.refreshShared(ctx, used); err != nil {
		return err
	}

	status, body, err = g.send(ctx, req, g.session.Get().AccessToken)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s (replay)", req.Method, req.Path))
	}
	if status == http.StatusUnauthorized {
		// A freshly minted token was rejected; do not loop on refresh.
		g.session.Clear(ctx)
		return pkgerrors.New(pkgerrors.CodeSessionExpired, "replayed request rejected with new token")
	}
	return g.finish(req, status, body, out)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// refreshShared funnels all concurrent callers through one backend refresh
// call. Every waiter receives the same outcome: either the store holds a new
// token pair, or the store is cleared and a session-expired error surfaces.
// A 401 earned with a token that has already been replaced skips the refresh
// entirely; the caller just replays with the current token.
func (g *Gateway) refreshShared(ctx context.Context, usedToken string) error {
	_, err, _ := g.refresh.Do("refresh", func() (any, error) {
		if current := g.session.Get().AccessToken; current != "" && current != usedToken {
			return nil, nil
		}
		return nil, g.doRefresh(ctx)
	})
	return err
}

func (g *Gateway) doRefresh(ctx context.Context) error {
	current := g.session.Get()
	if current.RefreshToken == "" {
		g.session.Clear(ctx)
		g.metrics.IncRefresh("failure")
		return pkgerrors.New(pkgerrors.CodeSessionExpired, "no refresh token held")
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: current.RefreshToken})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode refresh request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build refresh request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", g.userAgent)

	resp, err := g.refreshHC.Do(httpReq)
	if err != nil {
		g.session.Clear(ctx)
		g.metrics.IncRefresh("failure")
		return pkgerrors.Wrap(pkgerrors.CodeSessionExpired, err, "refresh call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.session.Clear(ctx)
		g.metrics.IncRefresh("failure")
		g.logg.Warn(g.logg.WithField(ctx, "status", resp.StatusCode), "refresh token rejected, session cleared")
		return pkgerrors.New(pkgerrors.CodeSessionExpired, "refresh token rejected")
	}

	var rotated refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil || rotated.AccessToken == "" {
		g.session.Clear(ctx)
		g.metrics.IncRefresh("failure")
		return pkgerrors.Wrap(pkgerrors.CodeSessionExpired, err, "malformed refresh response")
	}

	g.session.SetTokens(ctx, rotated.AccessToken, rotated.RefreshToken)
	g.metrics.IncRefresh("success")
	g.logg.Debug(ctx, "access token refreshed")
	return nil
}

func (g *Gateway) send(ctx context.Context, req Request, token string) (int, []byte, error) {
	target := g.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", g.userAgent)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (g *Gateway) finish(req Request, status int, body []byte, out any) error {
	if status >= 200 && status <= 299 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode response body")
		}
		return nil
	}

	message := serverMessage(body)
	if message == "" {
		message = fmt.Sprintf("%s %s returned %d", req.Method, req.Path, status)
	}
	return pkgerrors.New(pkgerrors.CodeForHTTPStatus(status), message)
}

func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var envelope struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Message != "" {
		return envelope.Message
	}
	return envelope.Error.Message
}

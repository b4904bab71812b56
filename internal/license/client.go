package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/protocol"
)

const (
	defaultTimeout = 10 * time.Second
	skewWarnAfter  = 5 * time.Minute

	headerLicenseKey = "X-License-Key"
)

const connectHint = "cannot reach the license server; check your internet connection and that no firewall blocks outbound HTTPS (on Windows, allow the app through Windows Defender Firewall)"

// Activation is the license state returned by the server.
type Activation struct {
	LicenseID    string    `json:"license_id"`
	Plan         string    `json:"plan"`
	Status       string    `json:"status"`
	MaxTerminals int       `json:"max_terminals"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a Activation) Valid() bool {
	return a.Status == "active" || a.Status == "grace"
}

// Client talks to the license server. All calls send the license key and
// the hardware fingerprint so the server can pin activations to machines.
type Client struct {
	log   *zap.Logger
	cfg   config.Config
	ident identity.Terminal
	clk   clock.Clock
	http  *http.Client
}

func NewClient(log *zap.Logger, cfg config.Config, ident identity.Terminal, clk clock.Clock) *Client {
	return &Client{
		log:   log.Named("license"),
		cfg:   cfg,
		ident: ident,
		clk:   clk,
		http:  &http.Client{Timeout: defaultTimeout},
	}
}

type activateRequest struct {
	HardwareFingerprint string `json:"hardware_fingerprint"`
	TerminalID          string `json:"terminal_id"`
	TerminalName        string `json:"terminal_name,omitempty"`
	AppVersion          string `json:"app_version,omitempty"`
}

// Activate registers this machine against the license key. Activating the
// same fingerprint again is a no-op on the server side.
func (c *Client) Activate(ctx context.Context) (*Activation, error) {
	var out Activation
	err := c.call(ctx, http.MethodPost, "/api/v1/licenses/activate", activateRequest{
		HardwareFingerprint: c.ident.Fingerprint,
		TerminalID:          c.ident.ID,
		TerminalName:        c.ident.Name,
		AppVersion:          c.ident.Version,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.log.Info("license activated",
		zap.String("license_id", out.LicenseID),
		zap.String("plan", out.Plan),
		zap.String("status", out.Status))
	return &out, nil
}

// Validate re-checks the license. A PermissionDenied or Unauthenticated
// answer means revoked or fingerprint mismatch; network failures do not.
func (c *Client) Validate(ctx context.Context) (*Activation, error) {
	var out Activation
	err := c.call(ctx, http.MethodPost, "/api/v1/licenses/validate", activateRequest{
		HardwareFingerprint: c.ident.Fingerprint,
		TerminalID:          c.ident.ID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MetricsReport is one day of usage for one license. The server stores at
// most one report per (license, day), resubmitting replaces it.
type MetricsReport struct {
	Day           string  `json:"day"`
	SalesCount    int64   `json:"sales_count"`
	SalesTotal    float64 `json:"sales_total"`
	ActiveDevices int     `json:"active_devices"`
	SyncedChanges int64   `json:"synced_changes"`
	TerminalsSeen int     `json:"terminals_seen"`
	AppVersion    string  `json:"app_version,omitempty"`
	TerminalID    string  `json:"terminal_id"`
}

// SyncMetrics submits daily usage aggregates.
func (c *Client) SyncMetrics(ctx context.Context, reports []MetricsReport) error {
	if len(reports) == 0 {
		return nil
	}
	body := map[string]any{
		"hardware_fingerprint": c.ident.Fingerprint,
		"reports":              reports,
	}
	return c.call(ctx, http.MethodPost, "/api/v1/metrics/"+url.PathEscape(c.cfg.LicenseKey), body, nil)
}

// ServerTime fetches the server clock and warns when local time drifts
// more than five minutes, drifted terminals produce misleading records.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		Time time.Time `json:"time"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/time", nil, &out); err != nil {
		return time.Time{}, err
	}

	skew := c.clk.Now().Sub(out.Time)
	if skew < 0 {
		skew = -skew
	}
	if skew > skewWarnAfter {
		c.log.Warn("local clock skew against license server",
			zap.Duration("skew", skew),
			zap.Time("server_time", out.Time))
	}
	return out.Time, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.cfg.LicenseServerURL == "" {
		return protocol.NewError(protocol.CodeUnavailable, "no license server configured")
	}
	if c.cfg.LicenseKey == "" {
		return protocol.NewError(protocol.CodeUnauthenticated, "no license key configured")
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(protocol.WrapError(protocol.CodeInternal, "encode request", err))
			}
			reader = bytes.NewReader(raw)
		}

		url := strings.TrimRight(c.cfg.LicenseServerURL, "/") + path
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(protocol.WrapError(protocol.CodeInternal, "build request", err))
		}
		req.Header.Set(headerLicenseKey, c.cfg.LicenseKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return protocol.WrapError(protocol.CodeNetwork, connectHint, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			perr := errorFromStatus(resp)
			if protocol.Retryable(perr.Code) {
				return perr
			}
			return backoff.Permanent(perr)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(protocol.WrapError(protocol.CodeInvalidPayload, "decode response", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}

func errorFromStatus(resp *http.Response) *protocol.Error {
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := fmt.Sprintf("license server returned %d", resp.StatusCode)
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return protocol.NewError(protocol.CodeUnauthenticated, msg)
	case http.StatusForbidden:
		return protocol.NewError(protocol.CodePermissionDenied, msg)
	case http.StatusNotFound:
		return protocol.NewError(protocol.CodeNotFound, msg)
	case http.StatusConflict:
		return protocol.NewError(protocol.CodeConflict, msg)
	case http.StatusTooManyRequests:
		return protocol.NewError(protocol.CodeResourceExhausted, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return protocol.NewError(protocol.CodeValidationError, msg)
	default:
		if resp.StatusCode >= 500 {
			return protocol.NewError(protocol.CodeUnavailable, msg)
		}
		return protocol.NewError(protocol.CodeInternal, msg)
	}
}

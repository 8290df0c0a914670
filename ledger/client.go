// Package ledger is the HTTP client for the authoritative transfer ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"meshledger/metrics"
	"meshledger/models"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultRatePerSec   = 5
	defaultBurst        = 5
	defaultBreakerTrips = 5
	defaultBreakerOpen  = 30 * time.Second
	maxErrorBody        = 512
)

var (
	// ErrRejected means the ledger refused the transaction. Retrying will not help.
	ErrRejected = errors.New("ledger: transaction rejected")
	// ErrTransient covers network failures, 5xx, throttling and an open breaker.
	ErrTransient = errors.New("ledger: transient failure")
	// ErrUnknownTransaction means the ledger has no record of the transaction.
	ErrUnknownTransaction = errors.New("ledger: unknown transaction")
)

// SubmitRequest is the POST /transactions body.
type SubmitRequest struct {
	TransactionID  string         `json:"transactionId"`
	PropertyID     string         `json:"propertyId"`
	NewOwner       string         `json:"newOwner"`
	TimestampMs    uint64         `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Signature      string         `json:"signature"`
	PublicKey      string         `json:"publicKey"`
	OriginDeviceID string         `json:"originDeviceId"`
	Sequence       uint64         `json:"sequence"`
}

// NewSubmitRequest builds the ledger body for a queued transaction.
func NewSubmitRequest(tx models.PendingTransaction) SubmitRequest {
	return SubmitRequest{
		TransactionID:  tx.ID,
		PropertyID:     tx.Payload.PropertyID,
		NewOwner:       tx.Payload.NewOwner,
		TimestampMs:    tx.Payload.TimestampMs,
		Metadata:       tx.Payload.Metadata,
		Signature:      base64.StdEncoding.EncodeToString(tx.Signature),
		PublicKey:      base64.StdEncoding.EncodeToString(tx.OriginPublicKey),
		OriginDeviceID: tx.OriginDeviceID,
		Sequence:       tx.Sequence,
	}
}

// Receipt is the ledger's view of one transaction.
type Receipt struct {
	TransferID string
	Status     models.TransactionStatus
	Timestamp  time.Time
	Reason     string
	// RootHash is the ledger root the transfer was committed under, when reported.
	RootHash *models.Hash
}

type receiptResponse struct {
	TransferID string       `json:"transferId"`
	Status     string       `json:"status"`
	Timestamp  int64        `json:"timestamp"`
	Reason     string       `json:"reason,omitempty"`
	RootHash   *models.Hash `json:"rootHash,omitempty"`
}

func (r receiptResponse) receipt() (Receipt, error) {
	status, err := parseStatus(r.Status)
	if err != nil {
		return Receipt{}, err
	}
	out := Receipt{TransferID: r.TransferID, Status: status, Reason: r.Reason, RootHash: r.RootHash}
	if r.Timestamp > 0 {
		out.Timestamp = time.UnixMilli(r.Timestamp).UTC()
	}
	return out, nil
}

// parseStatus maps ledger status words onto the queue lifecycle.
func parseStatus(raw string) (models.TransactionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "confirmed", "committed":
		return models.StatusConfirmed, nil
	case "submitted", "pending", "accepted":
		return models.StatusSubmitted, nil
	case "failed", "rejected":
		return models.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown ledger status %q", ErrTransient, raw)
	}
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	BreakerTrips   uint32
	BreakerTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = defaultRatePerSec
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	if o.BreakerTrips == 0 {
		o.BreakerTrips = defaultBreakerTrips
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = defaultBreakerOpen
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client submits transactions and polls their status.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds a Client for the ledger at opts.BaseURL.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("ledger url must be http or https, got %q", opts.BaseURL)
	}

	c := &Client{
		base:    base,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "ledger"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerTrips
		},
		// Only transient failures count against the ledger's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("ledger circuit breaker state changed", "from", from.String(), "to", to.String())
			c.metrics.SetBreakerState(name, int(to))
		},
	})
	return c, nil
}

// Submit posts a transaction. The returned error wraps ErrRejected or ErrTransient.
func (c *Client) Submit(ctx context.Context, tx models.PendingTransaction) (Receipt, error) {
	body, err := json.Marshal(NewSubmitRequest(tx))
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal submit request: %w", err)
	}
	var resp receiptResponse
	if err := c.do(ctx, http.MethodPost, "/transactions", body, &resp); err != nil {
		c.metrics.ObserveSubmission(outcomeLabel(err))
		return Receipt{}, err
	}
	receipt, err := resp.receipt()
	if err != nil {
		c.metrics.ObserveSubmission("transient")
		return Receipt{}, err
	}
	if receipt.Status == models.StatusFailed {
		c.metrics.ObserveSubmission("rejected")
		return receipt, fmt.Errorf("%w: %s", ErrRejected, receipt.Reason)
	}
	c.metrics.ObserveSubmission(string(receipt.Status))
	return receipt, nil
}

// Status fetches the current ledger status of a transaction.
func (c *Client) Status(ctx context.Context, transactionID string) (Receipt, error) {
	var resp receiptResponse
	path := "/transactions/" + url.PathEscape(transactionID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Receipt{}, err
	}
	return resp.receipt()
}

// Reachable reports whether the ledger answers HTTP at all. Any response counts.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", ErrTransient, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveLedgerRequest(time.Since(started))
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrTransient, method, path, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, method, path, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode ledger response: %w", ErrTransient, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(raw))
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnknownTransaction):
		return "unknown"
	default:
		return "transient"
	}
}

// Package remote is the HTTP client for the cloud ledger service, the
// authoritative copy every station reconciles against. All writes are
// idempotent upserts by natural key so a retried request after a local
// crash cannot double-count a voucher.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coralreef/tito-station/internal/models"
)

// ErrTransient marks failures worth retrying on a later sync pass:
// network errors, timeouts, 5xx and 429 responses.
var ErrTransient = errors.New("transient remote ledger error")

// ErrUnavailable is returned when no remote ledger is configured
var ErrUnavailable = errors.New("remote ledger not configured")

// Config holds remote ledger client configuration
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// Client talks to the remote ledger service
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
	logger  *zap.Logger
}

// NewClient creates a remote ledger client. A nil client or empty base
// URL leaves the station offline-only; calls return ErrUnavailable.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = zap.NewStdLog(logger)

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    rc,
		logger:  logger,
	}
}

// Available reports whether a remote ledger is configured
func (c *Client) Available() bool {
	return c != nil && c.baseURL != ""
}

// UpsertResult is the remote ledger's answer to a voucher upsert
type UpsertResult struct {
	// Acked is true when the remote durably accepted the record
	Acked bool
	// Remote carries the canonical remote state: the accepted record
	// on ack, the remote's current state on conflict.
	Remote *models.Voucher
}

// wireVoucher is the JSON shape exchanged with the remote ledger.
// The local sync_state flag is never part of it.
type wireVoucher struct {
	Code            string     `json:"code"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	QRPayload       string     `json:"qr_payload"`
	IntegrityHash   string     `json:"integrity_hash"`
	IssuedAtStation string     `json:"issued_at_station"`
	IssuedBy        string     `json:"issued_by"`
	IssuedAt        time.Time  `json:"issued_at"`
	RedeemedBy      string     `json:"redeemed_by,omitempty"`
	RedeemedAt      *time.Time `json:"redeemed_at,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

func toWire(v *models.Voucher) wireVoucher {
	return wireVoucher{
		Code:            v.Code,
		Amount:          v.Amount.String(),
		Currency:        v.Currency.String(),
		Status:          v.Status.String(),
		QRPayload:       v.QRPayload,
		IntegrityHash:   v.IntegrityHash,
		IssuedAtStation: v.IssuedAtStation,
		IssuedBy:        v.IssuedBy,
		IssuedAt:        v.IssuedAt,
		RedeemedBy:      v.RedeemedBy,
		RedeemedAt:      v.RedeemedAt,
		CancelReason:    v.CancelReason,
		ExpiresAt:       v.ExpiresAt,
	}
}

func fromWire(w wireVoucher) (*models.Voucher, error) {
	amount, err := decimal.NewFromString(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("remote amount %q: %w", w.Amount, err)
	}
	status, err := models.ParseStatus(w.Status)
	if err != nil {
		return nil, err
	}
	return &models.Voucher{
		Code:            w.Code,
		Amount:          amount,
		Currency:        models.Currency(w.Currency),
		Status:          status,
		QRPayload:       w.QRPayload,
		IntegrityHash:   w.IntegrityHash,
		IssuedAtStation: w.IssuedAtStation,
		IssuedBy:        w.IssuedBy,
		IssuedAt:        w.IssuedAt,
		RedeemedBy:      w.RedeemedBy,
		RedeemedAt:      w.RedeemedAt,
		CancelReason:    w.CancelReason,
		ExpiresAt:       w.ExpiresAt,
	}, nil
}

// UpsertVoucher sends an idempotent upsert keyed on the voucher code.
// A 200 is a durable acknowledgment; a 409 means the remote holds the
// same code in a conflicting state and carries that state in the body.
func (c *Client) UpsertVoucher(ctx context.Context, v *models.Voucher) (*UpsertResult, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(toWire(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode voucher: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/api/v1/vouchers/"+v.Code, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var w wireVoucher
		if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: malformed ack: %v", ErrTransient, err)
		}
		remote, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return &UpsertResult{Acked: true, Remote: remote}, nil

	case resp.StatusCode == http.StatusConflict:
		var w wireVoucher
		if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: malformed conflict body: %v", ErrTransient, err)
		}
		remote, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return &UpsertResult{Acked: false, Remote: remote}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)

	default:
		drained, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("remote ledger rejected voucher %s: status %d: %s",
			v.Code, resp.StatusCode, strings.TrimSpace(string(drained)))
	}
}

// wireAuditEntry mirrors models.AuditEntry on the wire; the entry's
// uuid is the idempotency key on the remote side.
type wireAuditEntry struct {
	ID          string    `json:"id"`
	EventKind   string    `json:"event_kind"`
	VoucherCode string    `json:"voucher_code,omitempty"`
	ActorID     string    `json:"actor_id"`
	StationID   string    `json:"station_id"`
	Timestamp   time.Time `json:"timestamp"`
	Details     string    `json:"details,omitempty"`
	Severity    string    `json:"severity"`
	Outcome     string    `json:"outcome"`
}

// AppendAuditBatch ships a batch of audit entries. The remote
// deduplicates on entry id, so re-sending after a crash is safe.
func (c *Client) AppendAuditBatch(ctx context.Context, entries []*models.AuditEntry) error {
	if !c.Available() {
		return ErrUnavailable
	}
	if len(entries) == 0 {
		return nil
	}

	wire := make([]wireAuditEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, wireAuditEntry{
			ID:          e.ID,
			EventKind:   string(e.EventKind),
			VoucherCode: e.VoucherCode,
			ActorID:     e.ActorID,
			StationID:   e.StationID,
			Timestamp:   e.Timestamp,
			Details:     e.Details,
			Severity:    string(e.Severity),
			Outcome:     string(e.Outcome),
		})
	}

	body, err := json.Marshal(map[string]interface{}{"entries": wire})
	if err != nil {
		return fmt.Errorf("failed to encode audit batch: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/audit/batch", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("remote ledger rejected audit batch: status %d", resp.StatusCode)
	}
}

// GetVoucher fetches the remote copy by code, nil when absent. Lets an
// operator confirm a synced record landed on the remote ledger intact.
func (c *Client) GetVoucher(ctx context.Context, code string) (*models.Voucher, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/vouchers/"+code, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var w wireVoucher
		if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: malformed voucher: %v", ErrTransient, err)
		}
		return fromWire(w)
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("remote ledger returned status %d for %s", resp.StatusCode, code)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return resp, nil
}

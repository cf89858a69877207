package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/prudhvinik1/optisync/internal/models"
)

var (
	ErrServerUnavailable = errors.New("sync server unavailable")
	ErrUnauthorized      = errors.New("sync server refused credentials")
	ErrRequestRejected   = errors.New("sync server rejected request")
)

// HTTPDispatcher sends mutations to the sync server and fetches snapshots.
type HTTPDispatcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPDispatcher(baseURL, token string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// Dispatch posts the mutation. 4xx answers are semantic rejections; network
// errors and 5xx/408/429 answers are transport failures.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build mutation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.MutationID)
	d.authorize(httpReq)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send mutation: %w", err)
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrServerUnavailable, resp.StatusCode)
	}

	var out models.MutationResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode >= 400 {
		if decodeErr != nil || out.Rejection == nil {
			out.Rejection = &models.Rejection{Reason: rejectionReason(resp.StatusCode)}
		}
		out.MutationID = req.MutationID
		return &out, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode mutation response: %w", decodeErr)
	}
	return &out, nil
}

// Snapshot fetches the current server state of key.
func (d *HTTPDispatcher) Snapshot(ctx context.Context, key models.EntityKey) (models.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/entities/%s/%s", d.baseURL, url.PathEscape(key.Type), url.PathEscape(key.ID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	d.authorize(httpReq)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Snapshot{Key: key}, nil
	case resp.StatusCode != http.StatusOK:
		return models.Snapshot{}, statusError("snapshot", resp.StatusCode)
	}

	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	snap.Key = key
	snap.Found = true
	return snap, nil
}

// List fetches every entity of entityType the server holds.
func (d *HTTPDispatcher) List(ctx context.Context, entityType string) ([]models.EntityRecord, error) {
	endpoint := fmt.Sprintf("%s/v1/entities/%s", d.baseURL, url.PathEscape(entityType))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}
	d.authorize(httpReq)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", resp.StatusCode)
	}

	var records []models.EntityRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}
	return records, nil
}

func (d *HTTPDispatcher) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

// statusError classifies a failed read. Only outages are worth retrying; the
// rest are wrapped as permanent so backoff loops stop at once.
func statusError(op string, code int) error {
	switch {
	case retryableStatus(code):
		return fmt.Errorf("%w: %s status %d", ErrServerUnavailable, op, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %s status %d", ErrUnauthorized, op, code))
	}
	return backoff.Permanent(fmt.Errorf("%w: %s status %d", ErrRequestRejected, op, code))
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func rejectionReason(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "permission_denied"
	case http.StatusConflict:
		return "stale_base_version"
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return "validation_failed"
	}
	return fmt.Sprintf("http_%d", code)
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/optisync/internal/models"
)

func TestHTTPDispatcher_Dispatch_Committed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/mutations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "m-1", r.Header.Get("Idempotency-Key"))

		var req models.MutationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, models.NewEntityKey("task", "1"), req.Key)

		json.NewEncoder(w).Encode(models.MutationResponse{
			MutationID:   req.MutationID,
			FinalVersion: 2,
			FinalData:    models.Data{"title": "B"},
		})
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL+"/", "secret", nil)
	resp, err := d.Dispatch(context.Background(), models.MutationRequest{
		MutationID:  "m-1",
		Key:         models.NewEntityKey("task", "1"),
		BaseVersion: 1,
		Patch:       models.Data{"title": "B"},
	})

	require.NoError(t, err)
	assert.False(t, resp.Rejected())
	assert.Equal(t, int64(2), resp.FinalVersion)
	assert.Equal(t, "B", resp.FinalData["title"])
}

func TestHTTPDispatcher_Dispatch_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{name: "explicit reason", status: http.StatusConflict, body: `{"rejection":{"reason":"quota"}}`, reason: "quota"},
		{name: "conflict without body", status: http.StatusConflict, reason: "stale_base_version"},
		{name: "forbidden", status: http.StatusForbidden, reason: "permission_denied"},
		{name: "validation", status: http.StatusUnprocessableEntity, body: `{}`, reason: "validation_failed"},
		{name: "other 4xx", status: http.StatusGone, reason: "http_410"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewHTTPDispatcher(srv.URL, "", nil).Dispatch(context.Background(), models.MutationRequest{MutationID: "m-1"})

			require.NoError(t, err)
			require.True(t, resp.Rejected())
			assert.Equal(t, tt.reason, resp.Rejection.Reason)
			assert.Equal(t, "m-1", resp.MutationID)
		})
	}
}

func TestHTTPDispatcher_Dispatch_TransportFailures(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewHTTPDispatcher(srv.URL, "", nil).Dispatch(context.Background(), models.MutationRequest{MutationID: "m-1"})
		assert.ErrorIs(t, err, ErrServerUnavailable, "status %d", status)
		srv.Close()
	}
}

func TestHTTPDispatcher_Dispatch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPDispatcher(url, "", nil).Dispatch(context.Background(), models.MutationRequest{MutationID: "m-1"})
	assert.Error(t, err)
}

func TestHTTPDispatcher_Snapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/entities/task/1":
			json.NewEncoder(w).Encode(models.Snapshot{Version: 7, Data: models.Data{"title": "X"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, "", nil)

	snap, err := d.Snapshot(context.Background(), models.NewEntityKey("task", "1"))
	require.NoError(t, err)
	assert.True(t, snap.Found)
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, models.NewEntityKey("task", "1"), snap.Key)

	missing, err := d.Snapshot(context.Background(), models.NewEntityKey("task", "2"))
	require.NoError(t, err)
	assert.False(t, missing.Found)
}

func TestHTTPDispatcher_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/entities/task", r.URL.Path)
		json.NewEncoder(w).Encode([]models.EntityRecord{
			{Key: models.NewEntityKey("task", "1"), Version: 2},
			{Key: models.NewEntityKey("task", "2"), Version: 5},
		})
	}))
	defer srv.Close()

	records, err := NewHTTPDispatcher(srv.URL, "", nil).List(context.Background(), "task")

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(5), records[1].Version)
}

func TestHTTPDispatcher_Snapshot_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		sentinel  error
		permanent bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, sentinel: ErrUnauthorized, permanent: true},
		{name: "forbidden", status: http.StatusForbidden, sentinel: ErrUnauthorized, permanent: true},
		{name: "bad request", status: http.StatusBadRequest, sentinel: ErrRequestRejected, permanent: true},
		{name: "outage", status: http.StatusBadGateway, sentinel: ErrServerUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, sentinel: ErrServerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			d := NewHTTPDispatcher(srv.URL, "", nil)

			_, err := d.Snapshot(context.Background(), models.NewEntityKey("task", "1"))
			assert.ErrorIs(t, err, tt.sentinel)

			var perm *backoff.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &perm))

			_, err = d.List(context.Background(), "task")
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

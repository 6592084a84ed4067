//go:build !integration

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-ai-platform/internal/domain/model"
	"whatsapp-ai-platform/internal/domain/ports/repository"
	"whatsapp-ai-platform/internal/infra/api"
	"whatsapp-ai-platform/internal/infra/queue"
)

const secret = "test-admin-jwt-secret"

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakeQueues struct{}

func (fakeQueues) Stats(_ context.Context, name model.QueueName) (queue.Stats, error) {
	return queue.Stats{Queue: name, Ready: 2, LiveWorkers: 1}, nil
}

type fakeFailedJobs struct {
	gotQueue model.QueueName
	gotLimit int
	jobs     []*model.FailedJob
}

func (f *fakeFailedJobs) Save(context.Context, repository.Tx, *model.FailedJob) error { return nil }

func (f *fakeFailedJobs) List(_ context.Context, _ repository.Tx, q model.QueueName, limit int) ([]*model.FailedJob, error) {
	f.gotQueue, f.gotLimit = q, limit
	return f.jobs, nil
}

func newRouter(pg, rd error, failed *fakeFailedJobs, authSecret string) http.Handler {
	l := zerolog.Nop()
	return api.NewServer(api.Deps{
		Postgres:   pinger{pg},
		Redis:      pinger{rd},
		Queues:     fakeQueues{},
		FailedJobs: failed,
		Auth:       api.NewAdminAuth(authSecret),
	}, &l).Router()
}

func do(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := api.NewAdminAuth(secret).Mint("ops", time.Minute)
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	t.Run("should report ok with queue stats", func(t *testing.T) {
		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/health", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get(api.TraceHeader))
		var body struct {
			Status string        `json:"status"`
			Queues []queue.Stats `json:"queues"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Status)
		assert.Len(t, body.Queues, len(model.Queues))
	})

	t.Run("should return 503 when postgres is down", func(t *testing.T) {
		rec := do(t, newRouter(errors.New("conn refused"), nil, &fakeFailedJobs{}, secret), "/health", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "conn refused")
	})

	t.Run("should return 503 when redis is down", func(t *testing.T) {
		rec := do(t, newRouter(nil, errors.New("redis gone"), &fakeFailedJobs{}, secret), "/health", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDeadLetters(t *testing.T) {
	t.Run("should reject requests without a token", func(t *testing.T) {
		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/admin/queues/billing/dead", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		other, err := api.NewAdminAuth("other").Mint("ops", time.Minute)
		require.NoError(t, err)

		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/admin/queues/billing/dead", other)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("should be disabled without a secret", func(t *testing.T) {
		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, ""), "/admin/queues/billing/dead", adminToken(t))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("should list dead letters for a known queue", func(t *testing.T) {
		// Arrange
		failed := &fakeFailedJobs{jobs: []*model.FailedJob{{
			ID: "f1", Queue: "whatsapp-send", JobID: "job-1", OrganizationID: "org-1",
			Payload: []byte(`{"to":"521"}`), Error: "instance banned", Attempts: 1,
		}}}

		// Act
		rec := do(t, newRouter(nil, nil, failed, secret), "/admin/queues/whatsapp-send/dead?limit=10", adminToken(t))

		// Assert
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.QueueWhatsAppSend, failed.gotQueue)
		assert.Equal(t, 10, failed.gotLimit)
		var body struct {
			Items []struct {
				JobID   string          `json:"job_id"`
				Error   string          `json:"error"`
				Payload json.RawMessage `json:"payload"`
			} `json:"items"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Items, 1)
		assert.Equal(t, "job-1", body.Items[0].JobID)
		assert.JSONEq(t, `{"to":"521"}`, string(body.Items[0].Payload))
	})

	t.Run("should 404 an unknown queue", func(t *testing.T) {
		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/admin/queues/nope/dead", adminToken(t))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should 400 a bad limit", func(t *testing.T) {
		rec := do(t, newRouter(nil, nil, &fakeFailedJobs{}, secret), "/admin/queues/billing/dead?limit=abc", adminToken(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueueStatsRequiresAdmin(t *testing.T) {
	h := newRouter(nil, nil, &fakeFailedJobs{}, secret)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/admin/queues", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/admin/queues", adminToken(t)).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	l := zerolog.Nop()
	h := api.Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), api.Recover(&l))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTraceIDReusesInboundHeader(t *testing.T) {
	var seen string
	h := api.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(api.TraceHeader)
	}), api.TraceID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(api.TraceHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(api.TraceHeader))
}

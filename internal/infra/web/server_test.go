package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"icecrystal/internal/config"
	"icecrystal/internal/pipeline"
)

func testServer(t *testing.T) (*Server, <-chan pipeline.Delivery) {
	t.Helper()
	l := zerolog.Nop()
	producer := pipeline.NewProducer(nil, config.BusConfig{}, config.PipelineConfig{MaxDemand: 4}, &l)
	return NewServer(nil, producer, &l), producer.Deliveries()
}

func pushBody(t *testing.T, payload map[string]interface{}, messageID string) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]interface{}{
		"message": map[string]interface{}{
			"data":      base64.StdEncoding.EncodeToString(raw),
			"messageId": messageID,
		},
		"subscription": "projects/p/subscriptions/s",
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestServer_Push(t *testing.T) {
	t.Run("settled ack returns 204", func(t *testing.T) {
		srv, deliveries := testServer(t)
		go func() {
			d := <-deliveries
			if d.Topic != "jobs.complete" || d.ID != "m-1" {
				t.Errorf("delivery mangled: %+v", d)
			}
			d.Ack()
		}()

		req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete",
			bytes.NewReader(pushBody(t, map[string]interface{}{"id": "j", "user_id": "u1"}, "m-1")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("want 204, got %d", rec.Code)
		}
	})

	t.Run("settled nack returns 503", func(t *testing.T) {
		srv, deliveries := testServer(t)
		go func() {
			d := <-deliveries
			d.Nack()
		}()

		req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete",
			bytes.NewReader(pushBody(t, map[string]interface{}{"id": "j", "user_id": "u1"}, "m-1")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("want 503 so the bus redelivers, got %d", rec.Code)
		}
	})

	t.Run("missing message id is synthesized", func(t *testing.T) {
		srv, deliveries := testServer(t)
		ids := make(chan string, 1)
		go func() {
			d := <-deliveries
			ids <- d.ID
			d.Ack()
		}()

		req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete",
			bytes.NewReader(pushBody(t, map[string]interface{}{"id": "j", "user_id": "u1"}, "")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("want 204, got %d", rec.Code)
		}
		if id := <-ids; id == "" {
			t.Error("delivery must carry a synthesized id")
		}
	})

	t.Run("malformed envelope returns 400", func(t *testing.T) {
		srv, _ := testServer(t)
		req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete", bytes.NewReader([]byte("{nope")))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("want 400, got %d", rec.Code)
		}
	})

	t.Run("bad base64 returns 400", func(t *testing.T) {
		srv, _ := testServer(t)
		body, _ := json.Marshal(map[string]interface{}{
			"message": map[string]interface{}{"data": "!!not-base64!!", "messageId": "m-1"},
		})
		req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("want 400, got %d", rec.Code)
		}
	})
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("want 200, got %d", rec.Code)
	}
}

func TestServer_PushRespectsContext(t *testing.T) {
	srv, _ := testServer(t)
	// Nobody consumes the delivery; a canceled request must not hang.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/push/jobs.complete",
		bytes.NewReader(pushBody(t, map[string]interface{}{"id": "j", "user_id": "u1"}, "m-1"))).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	// Channel had capacity, so Inject succeeded and the wait bailed on ctx.
}

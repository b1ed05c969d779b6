package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleetsync/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	status int
	hits   []*http.Request
	bodies [][]byte
}

func (rec *recorder) handler(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	rec.mu.Lock()
	rec.hits = append(rec.hits, r)
	rec.bodies = append(rec.bodies, b)
	status := rec.status
	rec.mu.Unlock()
	w.WriteHeader(status)
}

func newNotifier(t *testing.T, status int, maxAttempts int) (*Notifier, *recorder, *time.Time) {
	t.Helper()
	rec := &recorder{status: status}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := NewNotifier(srv.URL, "secret", maxAttempts, nil)
	n.HTTP = srv.Client()
	n.Now = func() time.Time { return now }
	return n, rec, &now
}

func TestNotifierDeliversSignedEvent(t *testing.T) {
	n, rec, _ := newNotifier(t, 200, 3)
	n.Publish(model.DeploymentEvent{Type: "deployment.deployed", DeploymentID: "d1", ItineraryID: "it1", Status: model.StatusDeployed})

	n.processOnce()

	if len(rec.hits) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.hits))
	}
	r := rec.hits[0]
	if r.Header.Get("X-Event-Type") != "deployment.deployed" || r.Header.Get("X-Delivery-Attempt") != "1" {
		t.Fatalf("headers: %v", r.Header)
	}
	if !Verify("secret", rec.bodies[0], r.Header.Get("X-Signature")) {
		t.Fatalf("signature did not verify: %q", r.Header.Get("X-Signature"))
	}
	var payload struct {
		Type string                `json:"type"`
		Data model.DeploymentEvent `json:"data"`
	}
	if err := json.Unmarshal(rec.bodies[0], &payload); err != nil || payload.Data.DeploymentID != "d1" {
		t.Fatalf("payload: %+v err=%v", payload, err)
	}
	if n.Pending() != 0 {
		t.Fatalf("delivered event still pending")
	}
}

func TestNotifierRetriesWithBackoffThenGivesUp(t *testing.T) {
	n, rec, now := newNotifier(t, 500, 2)
	n.Publish(model.DeploymentEvent{Type: "deployment.failed", DeploymentID: "d1"})

	n.processOnce()
	if len(rec.hits) != 1 || n.Pending() != 1 {
		t.Fatalf("first attempt: hits=%d pending=%d", len(rec.hits), n.Pending())
	}
	// not due yet
	n.processOnce()
	if len(rec.hits) != 1 {
		t.Fatalf("retried before backoff elapsed")
	}
	*now = now.Add(2 * time.Second)
	n.processOnce()
	if len(rec.hits) != 2 || rec.hits[1].Header.Get("X-Delivery-Attempt") != "2" {
		t.Fatalf("second attempt: hits=%d", len(rec.hits))
	}
	if n.Pending() != 0 {
		t.Fatalf("expected delivery abandoned after max attempts")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	body := []byte(`{"id":"evt1"}`)
	h := Sign("secret", 1700000000, body)
	if !Verify("secret", body, h) {
		t.Fatalf("valid signature rejected")
	}
	if Verify("secret", []byte(`{"id":"evt2"}`), h) || Verify("other", body, h) || Verify("secret", body, "v1=zz") {
		t.Fatalf("tampered signature accepted")
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if nextBackoff(0) != time.Second || nextBackoff(3) != 8*time.Second || nextBackoff(50) != 1024*time.Second {
		t.Fatalf("unexpected backoff: %v %v %v", nextBackoff(0), nextBackoff(3), nextBackoff(50))
	}
}

package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vmoreau/didgate/internal/policy"
)

func sampleAlert() Alert {
	return Alert{
		DID:               "did:example:alice",
		Tier:              policy.TierCritical,
		AttackProbability: 0.92,
		SourceIP:          "203.0.113.7",
		Geo:               "Unknown",
		Reason:            "attack probability above critical threshold",
		OccurredAt:        time.Now().UTC(),
	}
}

func TestWebhookNotifier_DeliversEvent(t *testing.T) {
	var received webhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if received.Type != "auth.risk.critical" {
		t.Errorf("event type = %q", received.Type)
	}
	if received.Alert.DID != "did:example:alice" || received.Alert.Tier != policy.TierCritical {
		t.Errorf("alert payload = %+v", received.Alert)
	}
	if received.ID == "" {
		t.Error("event ID missing")
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Notify after recovery: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWebhookNotifier_RejectionNotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("expected error on 422 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a rejected payload", attempts)
	}
}

func TestFanout_ContinuesPastFailure(t *testing.T) {
	var delivered int
	failing := NotifierFunc(func(context.Context, Alert) error { return errors.New("down") })
	counting := NotifierFunc(func(context.Context, Alert) error {
		delivered++
		return nil
	})

	err := Fanout{failing, counting}.Notify(context.Background(), sampleAlert())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if delivered != 1 {
		t.Fatalf("second channel not attempted, delivered = %d", delivered)
	}
}

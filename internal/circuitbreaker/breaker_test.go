package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestAllow_UnknownKeyIsClosed(t *testing.T) {
	b := New(5, time.Second)
	if !b.Allow("geoip") {
		t.Fatal("fresh key should be allowed")
	}
	if b.State("geoip") != StateClosed {
		t.Fatalf("state = %v, want closed", b.State("geoip"))
	}
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b := New(5, time.Second)

	for i := 0; i < 4; i++ {
		b.RecordFailure("geoip")
	}
	if !b.Allow("geoip") {
		t.Fatal("lookups should still flow below the threshold")
	}

	b.RecordFailure("geoip")
	if b.Allow("geoip") {
		t.Fatal("fifth consecutive failure should shed lookups")
	}
	if b.State("geoip") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("geoip"))
	}
}

func TestOpenWindowAdmitsSingleProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	if b.Allow("geoip") {
		t.Fatal("circuit should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if !b.Allow("geoip") {
		t.Fatal("elapsed open window should admit a probe")
	}
	if b.State("geoip") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("geoip"))
	}
	if b.Allow("geoip") {
		t.Fatal("only one probe may be in flight")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	time.Sleep(60 * time.Millisecond)
	b.Allow("geoip")

	b.RecordSuccess("geoip")
	if b.State("geoip") != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State("geoip"))
	}
	if !b.Allow("geoip") {
		t.Fatal("recovered endpoint should take traffic again")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	time.Sleep(60 * time.Millisecond)
	b.Allow("geoip")

	b.RecordFailure("geoip")
	if b.State("geoip") != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State("geoip"))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	b.RecordSuccess("geoip")

	b.RecordFailure("geoip")
	if !b.Allow("geoip") {
		t.Fatal("count should restart from zero after a success")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")

	if b.Allow("geoip") {
		t.Fatal("geoip circuit should be open")
	}
	if !b.Allow("alert-webhook") {
		t.Fatal("an open geoip circuit must not shed webhook deliveries")
	}
}

func TestOnTransitionFires(t *testing.T) {
	b := New(2, time.Second)

	var mu sync.Mutex
	var got []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		got = append(got, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")

	// The callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d transitions, want 1", len(got))
	}
	if got[0].from != StateClosed || got[0].to != StateOpen {
		t.Fatalf("transition %v to %v, want closed to open", got[0].from, got[0].to)
	}
}

func TestStateNames(t *testing.T) {
	for _, tt := range []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(7), "unknown"},
	} {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

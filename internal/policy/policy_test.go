package policy

import "testing"

func defaultPolicy(t *testing.T, blockOnCritical bool) *Policy {
	t.Helper()
	p, err := New(0.40, 0.75, blockOnCritical)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestDecide_TierBoundaries(t *testing.T) {
	p := defaultPolicy(t, false)

	cases := []struct {
		probability float64
		tier        Tier
	}{
		{0.0, TierNormal},
		{0.39, TierNormal},
		{0.399999, TierNormal},
		{0.40, TierModerate}, // lower bound inclusive
		{0.5, TierModerate},
		{0.75, TierModerate}, // upper bound inclusive
		{0.750001, TierCritical},
		{0.76, TierCritical},
		{1.0, TierCritical},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.probability).Tier; got != tc.tier {
			t.Errorf("Decide(%v).Tier = %s, want %s", tc.probability, got, tc.tier)
		}
	}
}

func TestDecide_Actions(t *testing.T) {
	p := defaultPolicy(t, false)

	normal := p.Decide(0.1).Actions
	if !normal.Allow || normal.RequireMFA || normal.SendAlert || normal.Block {
		t.Errorf("NORMAL actions = %+v, want allow only", normal)
	}

	moderate := p.Decide(0.5).Actions
	if moderate.Allow || !moderate.RequireMFA || !moderate.Block || moderate.SendAlert {
		t.Errorf("MODERATE actions = %+v, want MFA and block", moderate)
	}

	critical := p.Decide(0.9).Actions
	if critical.Allow || critical.RequireMFA || !critical.SendAlert {
		t.Errorf("CRITICAL actions = %+v, want alert", critical)
	}
	if critical.Block {
		t.Error("CRITICAL must not block unless configured to")
	}
}

func TestDecide_CriticalBlockConfigurable(t *testing.T) {
	blocking := defaultPolicy(t, true)
	d := blocking.Decide(0.9)
	if !d.Actions.SendAlert || !d.Actions.Block {
		t.Errorf("blocking CRITICAL actions = %+v, want alert and block", d.Actions)
	}
	// Alert and block stay independent: MODERATE is unaffected by the flag.
	if blocking.Decide(0.5).Actions.SendAlert {
		t.Error("MODERATE must never alert")
	}
}

func TestDecide_Stateless(t *testing.T) {
	p := defaultPolicy(t, true)
	p.Decide(0.99)
	if got := p.Decide(0.1).Tier; got != TierNormal {
		t.Errorf("prior CRITICAL decision leaked into next record, tier = %s", got)
	}
}

func TestNew_RejectsBadThresholds(t *testing.T) {
	for _, tc := range [][2]float64{{-0.1, 0.75}, {0.4, 1.1}, {0.8, 0.4}, {0.5, 0.5}} {
		if _, err := New(tc[0], tc[1], false); err == nil {
			t.Errorf("New(%v, %v) accepted invalid thresholds", tc[0], tc[1])
		}
	}
}

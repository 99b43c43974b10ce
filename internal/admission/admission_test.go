package admission

import (
	"testing"
	"time"

	"metersentry/internal/config"
)

func testConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Enabled:           true,
		RequestsPerMinute: 5,
		BurstSize:         2,
		WindowSize:        60 * time.Second,
		PenaltyDuration:   300 * time.Second,
	}
}

func testController(cfg config.AdmissionConfig) (*Controller, *time.Time) {
	c := New(cfg, nil)
	current := time.Unix(1_000_000, 0)
	c.now = func() time.Time { return current }
	return c, &current
}

func TestAllowWithinBudget(t *testing.T) {
	c, _ := testController(testConfig())
	for i := 0; i < 5; i++ {
		if d := c.Allow("client-a"); !d.Allowed {
			t.Fatalf("request %d blocked", i)
		}
	}
	stats := c.Stats()
	if stats.Allowed != 5 || stats.Blocked != 0 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestWindowFullAppliesPenalty(t *testing.T) {
	c, clock := testController(testConfig())
	for i := 0; i < 5; i++ {
		c.Allow("client-a")
	}
	d := c.Allow("client-a")
	if d.Allowed {
		t.Fatalf("expected block after window fills")
	}
	if d.RetryAfter != 300 {
		t.Fatalf("retry after: %d", d.RetryAfter)
	}

	// Still blocked inside the penalty with a shrinking retry hint.
	*clock = clock.Add(100 * time.Second)
	d = c.Allow("client-a")
	if d.Allowed || d.RetryAfter != 200 {
		t.Fatalf("mid-penalty decision: %+v", d)
	}

	// Penalty expiry plus an empty window admits again.
	*clock = clock.Add(300 * time.Second)
	if d := c.Allow("client-a"); !d.Allowed {
		t.Fatalf("blocked after penalty expired: %+v", d)
	}

	stats := c.Stats()
	if stats.Penalties != 1 {
		t.Fatalf("penalties: %d", stats.Penalties)
	}
}

func TestWindowSlides(t *testing.T) {
	c, clock := testController(testConfig())
	for i := 0; i < 5; i++ {
		c.Allow("client-a")
	}
	*clock = clock.Add(61 * time.Second)
	if d := c.Allow("client-a"); !d.Allowed {
		t.Fatalf("blocked after window slid: %+v", d)
	}
}

func TestWhitelistBypassesLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"trusted"}
	c, _ := testController(cfg)
	for i := 0; i < 50; i++ {
		if d := c.Allow("trusted"); !d.Allowed {
			t.Fatalf("whitelisted client blocked at %d", i)
		}
	}
	if c.Stats().WhitelistHits != 50 {
		t.Fatalf("whitelist hits: %d", c.Stats().WhitelistHits)
	}
}

func TestBlacklistAlwaysBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Blacklist = []string{"banned"}
	c, _ := testController(cfg)
	d := c.Allow("banned")
	if d.Allowed {
		t.Fatalf("blacklisted client admitted")
	}
	if d.RetryAfter != 300 {
		t.Fatalf("retry after: %d", d.RetryAfter)
	}
}

func TestCustomRuleOverridesDefault(t *testing.T) {
	c, _ := testController(testConfig())
	c.SetCustomRule("strict", Rule{
		RequestsPerMinute: 1,
		BurstSize:         1,
		WindowSize:        60 * time.Second,
		PenaltyDuration:   10 * time.Second,
	})
	if d := c.Allow("strict"); !d.Allowed {
		t.Fatalf("first request blocked")
	}
	d := c.Allow("strict")
	if d.Allowed || d.RetryAfter != 10 {
		t.Fatalf("custom rule not applied: %+v", d)
	}
}

func TestDisabledAdmissionAdmitsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c, _ := testController(cfg)
	for i := 0; i < 100; i++ {
		if d := c.Allow("anyone"); !d.Allowed {
			t.Fatalf("blocked with admission disabled")
		}
	}
}

func TestSweepEvictsIdleClients(t *testing.T) {
	c, clock := testController(testConfig())
	c.Allow("client-a")
	c.Allow("client-b")
	*clock = clock.Add(2 * time.Hour)
	c.Allow("client-b")
	if n := c.sweep(time.Hour); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := c.ClientInfo("client-a"); ok {
		t.Fatalf("idle client survived sweep")
	}
	if _, ok := c.ClientInfo("client-b"); !ok {
		t.Fatalf("active client evicted")
	}
}

func TestRetryAfterDefaultsToWindow(t *testing.T) {
	c, _ := testController(testConfig())
	if got := c.RetryAfter("unknown"); got != 60 {
		t.Fatalf("retry after: %d", got)
	}
}

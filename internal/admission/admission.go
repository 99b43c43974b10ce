package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"metersentry/internal/config"
)

// Rule is a per-client admission policy. The zero Disabled field means the
// rule is enforced.
type Rule struct {
	RequestsPerMinute int
	BurstSize         int
	WindowSize        time.Duration
	PenaltyDuration   time.Duration
	Disabled          bool
}

type client struct {
	mu            sync.Mutex
	requestCount  int64
	lastRequest   time.Time
	penaltyUntil  time.Time
	burstTokens   int
	window        []time.Time
	violations    int
	lastViolation time.Time
}

// Stats are cumulative admission counters.
type Stats struct {
	Total         int64 `json:"total_requests"`
	Allowed       int64 `json:"allowed_requests"`
	Blocked       int64 `json:"blocked_requests"`
	Penalties     int64 `json:"penalties_applied"`
	WhitelistHits int64 `json:"whitelist_hits"`
	BlacklistHits int64 `json:"blacklist_hits"`
	ActiveClients int   `json:"active_clients"`
}

// Controller bounds per-client load with a sliding window, a burst-token
// bucket and penalty suspension. Each client record has its own lock; the
// controller lock only guards map membership.
type Controller struct {
	defaultRule Rule

	mu          sync.Mutex
	clients     map[string]*client
	customRules map[string]Rule
	whitelist   map[string]struct{}
	blacklist   map[string]struct{}

	statsMu sync.Mutex
	stats   Stats

	logger *slog.Logger
	now    func() time.Time
}

// Decision reports the admission outcome. RetryAfter is in seconds and only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter int64
}

func New(cfg config.AdmissionConfig, logger *slog.Logger) *Controller {
	c := &Controller{
		defaultRule: Rule{
			RequestsPerMinute: cfg.RequestsPerMinute,
			BurstSize:         cfg.BurstSize,
			WindowSize:        cfg.WindowSize,
			PenaltyDuration:   cfg.PenaltyDuration,
			Disabled:          !cfg.Enabled,
		},
		clients:     make(map[string]*client),
		customRules: make(map[string]Rule),
		whitelist:   make(map[string]struct{}),
		blacklist:   make(map[string]struct{}),
		logger:      logger,
		now:         time.Now,
	}
	for _, id := range cfg.Whitelist {
		c.whitelist[id] = struct{}{}
	}
	for _, id := range cfg.Blacklist {
		c.blacklist[id] = struct{}{}
	}
	return c
}

// Allow decides whether one request from clientID is admitted.
func (c *Controller) Allow(clientID string) Decision {
	c.bump(func(s *Stats) { s.Total++ })

	if c.listed(c.blacklist, clientID) {
		c.bump(func(s *Stats) { s.BlacklistHits++; s.Blocked++ })
		return Decision{Allowed: false, RetryAfter: int64(c.ruleFor(clientID).PenaltyDuration.Seconds())}
	}
	if c.listed(c.whitelist, clientID) {
		c.bump(func(s *Stats) { s.WhitelistHits++; s.Allowed++ })
		return Decision{Allowed: true}
	}

	rule := c.ruleFor(clientID)
	cl := c.getClient(clientID, rule)
	now := c.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if now.Before(cl.penaltyUntil) {
		c.bump(func(s *Stats) { s.Blocked++ })
		return Decision{Allowed: false, RetryAfter: remaining(cl.penaltyUntil, now)}
	}
	if rule.Disabled {
		c.bump(func(s *Stats) { s.Allowed++ })
		return Decision{Allowed: true}
	}

	cutoff := now.Add(-rule.WindowSize)
	cl.window = prune(cl.window, cutoff)

	if len(cl.window) >= rule.RequestsPerMinute {
		cl.penaltyUntil = now.Add(rule.PenaltyDuration)
		cl.burstTokens = 0
		cl.violations++
		cl.lastViolation = now
		c.bump(func(s *Stats) { s.Blocked++; s.Penalties++ })
		if c.logger != nil {
			c.logger.Warn("admission penalty applied",
				"client_id", clientID,
				"penalty_seconds", int64(rule.PenaltyDuration.Seconds()),
				"violations", cl.violations,
			)
		}
		return Decision{Allowed: false, RetryAfter: int64(rule.PenaltyDuration.Seconds())}
	}

	if cl.burstTokens <= 0 {
		cl.burstTokens = rule.BurstSize
	}
	cl.burstTokens--
	cl.window = append(cl.window, now)
	cl.lastRequest = now
	cl.requestCount++
	c.bump(func(s *Stats) { s.Allowed++ })
	return Decision{Allowed: true}
}

// RetryAfter reports the seconds a client should wait before retrying.
func (c *Controller) RetryAfter(clientID string) int64 {
	c.mu.Lock()
	cl, ok := c.clients[clientID]
	c.mu.Unlock()
	now := c.now()
	if ok {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		if now.Before(cl.penaltyUntil) {
			return remaining(cl.penaltyUntil, now)
		}
	}
	return int64(c.ruleFor(clientID).WindowSize.Seconds())
}

func (c *Controller) SetCustomRule(clientID string, rule Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customRules[clientID] = rule
}

func (c *Controller) RemoveCustomRule(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.customRules, clientID)
}

func (c *Controller) AddToWhitelist(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist[clientID] = struct{}{}
}

func (c *Controller) AddToBlacklist(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist[clientID] = struct{}{}
}

func (c *Controller) RemoveFromWhitelist(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.whitelist, clientID)
}

func (c *Controller) RemoveFromBlacklist(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blacklist, clientID)
}

// ClientInfo is a read-only view of one client's admission state.
type ClientInfo struct {
	ClientID       string    `json:"client_id"`
	RequestCount   int64     `json:"request_count"`
	LastRequest    time.Time `json:"last_request"`
	PenaltyUntil   time.Time `json:"penalty_until"`
	BurstTokens    int       `json:"burst_tokens"`
	RecentRequests int       `json:"recent_requests"`
	Violations     int       `json:"violations"`
	Penalized      bool      `json:"penalized"`
	Whitelisted    bool      `json:"whitelisted"`
	Blacklisted    bool      `json:"blacklisted"`
}

func (c *Controller) ClientInfo(clientID string) (ClientInfo, bool) {
	c.mu.Lock()
	cl, ok := c.clients[clientID]
	c.mu.Unlock()
	if !ok {
		return ClientInfo{}, false
	}
	now := c.now()
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return ClientInfo{
		ClientID:       clientID,
		RequestCount:   cl.requestCount,
		LastRequest:    cl.lastRequest,
		PenaltyUntil:   cl.penaltyUntil,
		BurstTokens:    cl.burstTokens,
		RecentRequests: len(cl.window),
		Violations:     cl.violations,
		Penalized:      now.Before(cl.penaltyUntil),
		Whitelisted:    c.listed(c.whitelist, clientID),
		Blacklisted:    c.listed(c.blacklist, clientID),
	}, true
}

func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()
	c.mu.Lock()
	stats.ActiveClients = len(c.clients)
	c.mu.Unlock()
	return stats
}

func (c *Controller) ResetClient(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)
}

// StartSweep evicts idle client records on an interval until ctx ends.
func (c *Controller) StartSweep(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := c.sweep(idle)
				if n > 0 && c.logger != nil {
					c.logger.Info("admission sweep evicted idle clients", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Controller) sweep(idle time.Duration) int {
	cutoff := c.now().Add(-idle)
	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted int
	for id, cl := range c.clients {
		cl.mu.Lock()
		stale := cl.lastRequest.Before(cutoff)
		cl.mu.Unlock()
		if stale {
			delete(c.clients, id)
			evicted++
		}
	}
	return evicted
}

func (c *Controller) getClient(clientID string, rule Rule) *client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[clientID]
	if !ok {
		cl = &client{burstTokens: rule.BurstSize}
		c.clients[clientID] = cl
	}
	return cl
}

func (c *Controller) ruleFor(clientID string) Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rule, ok := c.customRules[clientID]; ok {
		return rule
	}
	return c.defaultRule
}

func (c *Controller) listed(set map[string]struct{}, clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := set[clientID]
	return ok
}

func (c *Controller) bump(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}

func remaining(until, now time.Time) int64 {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d.Seconds() + 0.999)
}

// Package breaker implements the per-origin circuit breaker that gates
// admission to origins with repeated consecutive failures.
package breaker

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/idna"
)

// State is the circuit breaker state for one origin.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeInFlight bool
}

// Config parameterizes breaker behavior: spec §4.5's F, T, probe_interval.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	ProbeInterval    time.Duration
}

// DefaultConfig matches the teacher domain's Rust defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:      60 * time.Second,
		ProbeInterval:     5 * time.Second,
	}
}

// Breaker tracks per-origin circuit state. go-cache provides the
// concurrent, lock-striped backing map; the state machine on top is what
// actually decides Open/HalfOpen/Closed transitions — a bare TTL cannot
// express "allow exactly one probe".
type Breaker struct {
	cfg     Config
	cache   *cache.Cache
	mu      sync.Mutex // guards creation of a circuit's entry
	logger  *slog.Logger
}

// New creates a Breaker with cfg. Entries never expire on their own; the
// breaker's own logic retires them via Reset.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		cfg:    cfg,
		cache:  cache.New(cache.NoExpiration, 10*time.Minute),
		logger: logger,
	}
}

func (b *Breaker) entry(origin string) *circuit {
	if v, ok := b.cache.Get(origin); ok {
		return v.(*circuit)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.cache.Get(origin); ok {
		return v.(*circuit)
	}
	c := &circuit{state: Closed}
	b.cache.Set(origin, c, cache.NoExpiration)
	return c
}

// CanRequest returns the current circuit state for origin, performing the
// Open->HalfOpen transition if the cooldown has elapsed.
func (b *Breaker) CanRequest(origin string) State {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return Closed
	case Open:
		if time.Since(c.openedAt) >= b.cfg.OpenDuration {
			c.state = HalfOpen
			c.probeInFlight = false
			b.logger.Info("circuit half-open, probing", "origin", origin)
			return HalfOpen
		}
		return Open
	case HalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// TryAcquireProbe attempts to claim the single allowed Half-Open probe slot.
// Returns false if a probe is already in flight or the circuit isn't
// Half-Open.
func (b *Breaker) TryAcquireProbe(origin string) bool {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != HalfOpen || c.probeInFlight {
		return false
	}
	c.probeInFlight = true
	return true
}

// ReleaseProbe clears the in-flight marker for origin's Half-Open probe slot
// without otherwise touching circuit state, for callers that claimed a probe
// but never got to run it to a recordable outcome (e.g. the task was paused
// before the fetch attempt finished).
func (b *Breaker) ReleaseProbe(origin string) {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeInFlight = false
}

// RecordSuccess closes the circuit and resets its failure count.
func (b *Breaker) RecordSuccess(origin string) {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == HalfOpen {
		b.logger.Info("circuit closed, recovered", "origin", origin)
	}
	c.state = Closed
	c.failures = 0
	c.probeInFlight = false
	c.openedAt = time.Time{}
}

// RecordFailure records a failed attempt against origin. Returns true if
// this failure just opened (or re-opened) the circuit.
func (b *Breaker) RecordFailure(origin string) bool {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == HalfOpen {
		c.state = Open
		c.openedAt = time.Now()
		c.probeInFlight = false
		b.logger.Warn("circuit re-opened, probe failed", "origin", origin)
		return true
	}

	c.failures++
	if c.state == Closed && c.failures >= b.cfg.FailureThreshold {
		c.state = Open
		c.openedAt = time.Now()
		b.logger.Warn("circuit opened", "origin", origin, "failures", c.failures)
		return true
	}
	return false
}

// Status returns the state and consecutive-failure count for origin.
func (b *Breaker) Status(origin string) (State, int) {
	c := b.entry(origin)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.failures
}

// Reset clears all tracked state for origin.
func (b *Breaker) Reset(origin string) {
	b.cache.Delete(origin)
}

// ExtractOrigin derives the scheme+host+port circuit key from a URL,
// normalizing internationalized hostnames via IDNA so punycode and unicode
// forms collapse onto the same circuit.
func ExtractOrigin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if ascii, convErr := idna.ToASCII(host); convErr == nil {
		host = ascii
	}
	port := u.Port()
	if port == "" {
		return u.Scheme + "://" + host, nil
	}
	return u.Scheme + "://" + host + ":" + port, nil
}

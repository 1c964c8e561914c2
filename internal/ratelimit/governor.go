package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"liqCascadeBot/internal/ports"
)

const (
	windowSpan     = time.Minute
	defaultWeight  = 2400
	defaultOrders  = 1200
	maxPause       = 60 * time.Second
	banInitial     = 2 * time.Minute
	banMax         = 30 * time.Minute
	elevatedPct    = 0.95
	liqReservePct  = 5.0
	pollFloor      = 20 * time.Millisecond
)

// Mode is the governor's current capacity mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeBurst
	ModeLiquidation
)

func (m Mode) String() string {
	switch m {
	case ModeBurst:
		return "burst"
	case ModeLiquidation:
		return "liquidation"
	default:
		return "normal"
	}
}

// Config configures a Governor.
type Config struct {
	WeightLimit        int     // raw request-weight limit per minute
	OrderLimit         int     // raw order-count limit per minute
	BufferPct          float64 // safety margin subtracted from the raw limits
	CriticalReservePct float64 // headroom fraction reserved for critical calls
	Logger             ports.Logger
	Clock              ports.Clock
}

type event struct {
	at     time.Time
	weight int
}

// window is a sliding one-minute usage counter that can be overwritten by
// the venue's authoritative header value.
type window struct {
	events     []event
	sum        int
	overrideAt time.Time
	override   int
}

func (w *window) add(now time.Time, weight int) {
	w.events = append(w.events, event{at: now, weight: weight})
	w.sum += weight
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-windowSpan)
	i := 0
	for ; i < len(w.events) && w.events[i].at.Before(cutoff); i++ {
		w.sum -= w.events[i].weight
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
	if !w.overrideAt.IsZero() && w.overrideAt.Before(cutoff) {
		w.overrideAt = time.Time{}
		w.override = 0
	}
}

// used returns the best estimate of current window usage. When the venue
// has reported a counter, that value plus local events issued after the
// report wins over pure local accounting.
func (w *window) used(now time.Time) int {
	w.prune(now)
	if w.overrideAt.IsZero() {
		return w.sum
	}
	since := 0
	for i := len(w.events) - 1; i >= 0; i-- {
		if !w.events[i].at.After(w.overrideAt) {
			break
		}
		since += w.events[i].weight
	}
	return w.override + since
}

func (w *window) setOverride(now time.Time, value int) {
	w.override = value
	w.overrideAt = now
}

// oldest returns when the oldest event leaves the window, for wait hints.
func (w *window) oldest(now time.Time) (time.Time, bool) {
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0].at.Add(windowSpan), true
}

// Governor is the admission controller for outbound venue requests. It
// issues no I/O itself; the venue client asks it before every REST call and
// feeds response headers back through the RoundTripper.
type Governor struct {
	mu     sync.Mutex
	cfg    Config
	clock  ports.Clock
	log    ports.Logger
	weight window
	orders window

	mode       Mode
	modeExpiry time.Time

	consecutive429 int
	pausedUntil    time.Time
	bannedUntil    time.Time
	banBackoff     time.Duration

	queueSeq uint64
	waiters  map[ports.Priority][]uint64 // FIFO ticket queues per priority
}

// New creates a Governor. Zero limits fall back to the venue defaults.
func New(cfg Config) *Governor {
	if cfg.WeightLimit <= 0 {
		cfg.WeightLimit = defaultWeight
	}
	if cfg.OrderLimit <= 0 {
		cfg.OrderLimit = defaultOrders
	}
	if cfg.CriticalReservePct <= 0 {
		cfg.CriticalReservePct = 20.0
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &Governor{
		cfg:     cfg,
		clock:   clock,
		log:     cfg.Logger,
		waiters: make(map[ports.Priority][]uint64),
	}
}

// Admit blocks until the request can be issued or the context ends.
// Requests of the same priority are admitted in FIFO order; higher
// priorities always go first.
func (g *Governor) Admit(ctx context.Context, ep Endpoint, p Params, prio ports.Priority) error {
	ticket := g.enqueue(prio)
	defer g.dequeue(prio, ticket)

	for {
		g.mu.Lock()
		ok, wait := g.tryAdmitLocked(ep, p, prio, ticket)
		g.mu.Unlock()
		if ok {
			return nil
		}
		if wait < pollFloor {
			wait = pollFloor
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("admission wait aborted: %w: %w", ports.ErrRateLimited, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// TryAdmit attempts a non-blocking admission. On refusal it returns the
// suggested wait before retrying.
func (g *Governor) TryAdmit(ep Endpoint, p Params, prio ports.Priority) (bool, time.Duration) {
	ticket := g.enqueue(prio)
	defer g.dequeue(prio, ticket)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tryAdmitLocked(ep, p, prio, ticket)
}

func (g *Governor) tryAdmitLocked(ep Endpoint, p Params, prio ports.Priority, ticket uint64) (bool, time.Duration) {
	now := g.clock.Now()

	if now.Before(g.bannedUntil) {
		return false, g.bannedUntil.Sub(now)
	}
	if now.Before(g.pausedUntil) {
		return false, g.pausedUntil.Sub(now)
	}
	if !g.isHeadLocked(prio, ticket) {
		return false, pollFloor
	}

	g.expireModeLocked(now)

	w := Weight(ep, p)
	oc := OrderCount(ep, p)

	weightLimit := g.effectiveLimitLocked(g.cfg.WeightLimit, prio)
	if g.weight.used(now)+w > weightLimit {
		return false, g.waitHintLocked(&g.weight, now)
	}
	if oc > 0 {
		orderLimit := g.effectiveLimitLocked(g.cfg.OrderLimit, prio)
		if g.orders.used(now)+oc > orderLimit {
			return false, g.waitHintLocked(&g.orders, now)
		}
	}

	g.weight.add(now, w)
	if oc > 0 {
		g.orders.add(now, oc)
	}
	return true, 0
}

// effectiveLimitLocked applies the safety buffer, the capacity mode, and
// the critical reserve for non-critical callers.
func (g *Governor) effectiveLimitLocked(raw int, prio ports.Priority) int {
	var limit float64
	switch g.mode {
	case ModeBurst, ModeLiquidation:
		limit = float64(raw) * elevatedPct
	default:
		limit = float64(raw) * (1 - g.cfg.BufferPct/100)
	}
	if prio != ports.PriorityCritical {
		reserve := g.cfg.CriticalReservePct
		if g.mode == ModeLiquidation {
			reserve = liqReservePct
		}
		limit *= 1 - reserve/100
	}
	return int(limit)
}

func (g *Governor) waitHintLocked(w *window, now time.Time) time.Duration {
	if at, ok := w.oldest(now); ok {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return pollFloor
}

// --- priority FIFO ---

func (g *Governor) enqueue(prio ports.Priority) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queueSeq++
	t := g.queueSeq
	g.waiters[prio] = append(g.waiters[prio], t)
	return t
}

func (g *Governor) dequeue(prio ports.Priority, ticket uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.waiters[prio]
	for i, t := range q {
		if t == ticket {
			g.waiters[prio] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// isHeadLocked reports whether the ticket is first in line: no waiter of a
// higher priority exists and it heads its own queue.
func (g *Governor) isHeadLocked(prio ports.Priority, ticket uint64) bool {
	for p := ports.PriorityCritical; p > prio; p-- {
		if len(g.waiters[p]) > 0 {
			return false
		}
	}
	q := g.waiters[prio]
	return len(q) > 0 && q[0] == ticket
}

// --- elevated modes ---

// ElevateBurst widens the effective limit to 95% of raw for the duration.
// Calling it again extends the expiry.
func (g *Governor) ElevateBurst(d time.Duration) {
	g.elevate(ModeBurst, d)
}

// ElevateLiquidation widens the limit like burst mode and shrinks the
// critical reserve so cascade traffic can use nearly all capacity.
func (g *Governor) ElevateLiquidation(d time.Duration) {
	g.elevate(ModeLiquidation, d)
}

func (g *Governor) elevate(m Mode, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	expiry := now.Add(d)
	if g.mode == m && g.modeExpiry.After(expiry) {
		return
	}
	g.mode = m
	g.modeExpiry = expiry
	if g.log != nil {
		g.log.Info(context.Background(), "rate limit mode elevated",
			map[string]interface{}{"mode": m.String(), "until": expiry})
	}
}

func (g *Governor) expireModeLocked(now time.Time) {
	if g.mode != ModeNormal && now.After(g.modeExpiry) {
		g.mode = ModeNormal
	}
}

// --- response feedback ---

// ObserveHeaders reconciles the local windows against the venue's usage
// headers. The header values are authoritative when present.
func (g *Governor) ObserveHeaders(h http.Header) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if v := headerInt(h, "X-Mbx-Used-Weight-1m"); v >= 0 {
		g.weight.setOverride(now, v)
	}
	if v := headerInt(h, "X-Mbx-Order-Count-1m"); v >= 0 {
		g.orders.setOverride(now, v)
	}
}

// ObserveStatus records rate-limit outcomes. 429 pauses admissions with
// exponential growth on consecutive hits; 418 is an IP ban that halts all
// admissions until the announced (or exponentially derived) unban time.
func (g *Governor) ObserveStatus(status int, h http.Header) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	switch status {
	case http.StatusTooManyRequests:
		g.consecutive429++
		pause := time.Duration(1<<uint(g.consecutive429)) * time.Second
		if pause > maxPause {
			pause = maxPause
		}
		g.pausedUntil = now.Add(pause)
		if g.log != nil {
			g.log.Warn(context.Background(), "rate limited by venue",
				map[string]interface{}{"consecutive": g.consecutive429, "pause": pause.String()})
		}
	case http.StatusTeapot:
		if g.banBackoff == 0 {
			g.banBackoff = banInitial
		} else {
			g.banBackoff *= 2
			if g.banBackoff > banMax {
				g.banBackoff = banMax
			}
		}
		ban := g.banBackoff
		if v := headerInt(h, "Retry-After"); v > 0 {
			ban = time.Duration(v) * time.Second
		}
		g.bannedUntil = now.Add(ban)
		if g.log != nil {
			g.log.Error(context.Background(), ports.ErrBanned, "IP banned by venue",
				map[string]interface{}{"until": g.bannedUntil})
		}
	default:
		if status < 400 {
			g.consecutive429 = 0
			g.banBackoff = 0
		}
	}
}

// Usage reports current window consumption for health projections.
func (g *Governor) Usage() (weightUsed, weightLimit, ordersUsed, orderLimit int, mode Mode) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireModeLocked(now)
	return g.weight.used(now), g.cfg.WeightLimit, g.orders.used(now), g.cfg.OrderLimit, g.mode
}

// Banned reports whether admissions are currently halted by an IP ban.
func (g *Governor) Banned() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock.Now().Before(g.bannedUntil)
}

func headerInt(h http.Header, key string) int {
	v := h.Get(key)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// Transport is an http.RoundTripper that feeds every response's quota
// headers and status back into the Governor. The venue client installs it
// on the underlying HTTP client.
type Transport struct {
	Base     http.RoundTripper
	Governor *Governor
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.Governor.ObserveHeaders(resp.Header)
	t.Governor.ObserveStatus(resp.StatusCode, resp.Header)
	return resp, nil
}

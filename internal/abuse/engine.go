// Package abuse counts requests per client address and blocks addresses that
// exceed the configured rate, escalating repeat offenders to a permanent block.
package abuse

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/storage"
)

// Reason explains a denial.
type Reason string

const (
	ReasonTemporarilyBlocked Reason = "temporarily_blocked"
	ReasonPermanentlyBlocked Reason = "permanently_blocked"
)

// Decision is the outcome of Admit.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Count is the request count in the current window (allowed requests) or
	// the number of requests seen during the block (denied ones).
	Count int
}

func allow(count int) Decision {
	return Decision{Allowed: true, Count: count}
}

func deny(r Reason, n int) Decision {
	return Decision{Reason: r, Count: n}
}

// Policy holds the numeric limits.
type Policy struct {
	Window              time.Duration
	Limit               int
	Cooldown            time.Duration
	EscalationThreshold int
}

// DefaultPolicy is 10 requests per minute, a five minute cooldown and a
// permanent block after 10 requests during a block.
func DefaultPolicy() Policy {
	return Policy{
		Window:              time.Minute,
		Limit:               10,
		Cooldown:            5 * time.Minute,
		EscalationThreshold: 10,
	}
}

// Engine is the per-address admission state machine. All state is guarded by
// a single mutex and every ledger change is written before the call returns.
type Engine struct {
	mu     sync.Mutex
	ledger storage.Ledger
	policy Policy
	window *Window
	blocks map[string]*storage.BlockRecord
	events sink.Publisher

	now func() time.Time
}

// New loads the ledger and returns an engine enforcing policy.
func New(ledger storage.Ledger, policy Policy, events sink.Publisher) (*Engine, error) {
	if events == nil {
		events = sink.Discard
	}
	blocks, err := ledger.LoadBlocks()
	if err != nil {
		return nil, fmt.Errorf("abuse: load ledger: %w", err)
	}
	if blocks == nil {
		blocks = make(map[string]*storage.BlockRecord)
	}
	e := &Engine{
		ledger: ledger,
		policy: policy,
		window: NewWindow(policy.Window, policy.Limit),
		blocks: blocks,
		events: events,
		now:    time.Now,
	}
	e.updateGauges()
	return e, nil
}

// Admit decides whether a request from addr may proceed. A non-nil error
// means a new or stricter block could not be written; the returned decision
// still reflects the in-memory state, which keeps the more restrictive
// outcome. Dropping an elapsed block never fails admission: a failed write
// there is logged and reported, and the request is counted as usual.
func (e *Engine) Admit(addr string) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	if rec, ok := e.blocks[addr]; ok {
		switch {
		case rec.Permanent:
			metrics.AdmissionDenials.WithLabelValues(string(ReasonPermanentlyBlocked)).Inc()
			return deny(ReasonPermanentlyBlocked, rec.RequestsDuringBlock), nil

		case rec.Active(now):
			return e.admitWhileBlocked(rec)

		default:
			delete(e.blocks, addr)
			e.window.Reset(addr)
			log.Info().Str("ip", addr).Msg("block expired")
			e.publish(sink.KindAddressUnblocked, addr, "block expired")
			// A stale record left on disk reads as expired and is dropped again.
			_ = e.persist("unblock")
		}
	}

	count, over := e.window.Hit(addr, now)
	if !over {
		return allow(count), nil
	}

	metrics.AdmissionDenials.WithLabelValues(string(ReasonTemporarilyBlocked)).Inc()
	log.Warn().Str("ip", addr).Int("count", count).Msg("rate limit exceeded")
	err := e.block(addr, false, e.policy.Cooldown, now)
	return deny(ReasonTemporarilyBlocked, 0), err
}

// admitWhileBlocked counts a request against a live temporary block and
// escalates once the threshold is reached. Caller holds mu.
func (e *Engine) admitWhileBlocked(rec *storage.BlockRecord) (Decision, error) {
	rec.RequestsDuringBlock++
	reason := ReasonTemporarilyBlocked

	if rec.RequestsDuringBlock >= e.policy.EscalationThreshold {
		rec.Permanent = true
		rec.ExpiresAt = nil
		reason = ReasonPermanentlyBlocked
		metrics.Escalations.Inc()
		log.Warn().
			Str("ip", rec.Address).
			Int("requests", rec.RequestsDuringBlock).
			Msg("block escalated to permanent")
		e.publish(sink.KindAddressEscalated, rec.Address,
			fmt.Sprintf("escalated to permanent after %d requests during block", rec.RequestsDuringBlock))
	} else if !rec.HasLoggedBlockedEvent {
		rec.HasLoggedBlockedEvent = true
		log.Info().Str("ip", rec.Address).Msg("request from blocked address")
		e.publish(sink.KindBlockedRequest, rec.Address, "request while temporarily blocked")
	}

	metrics.AdmissionDenials.WithLabelValues(string(reason)).Inc()
	d := deny(reason, rec.RequestsDuringBlock)
	if err := e.persist("admit"); err != nil {
		return d, err
	}
	return d, nil
}

// Block creates or re-arms a block for addr, resetting its escalation
// counter. An existing permanent block is left as it is.
func (e *Engine) Block(addr string, permanent bool, cooldown time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block(addr, permanent, cooldown, e.now())
}

// block writes the record and persists. Caller holds mu.
func (e *Engine) block(addr string, permanent bool, cooldown time.Duration, now time.Time) error {
	if rec, ok := e.blocks[addr]; ok && rec.Permanent {
		return nil
	}
	rec := &storage.BlockRecord{
		Address:   addr,
		BlockedAt: now,
		Permanent: permanent,
	}
	if !permanent {
		exp := now.Add(cooldown)
		rec.ExpiresAt = &exp
	}
	e.blocks[addr] = rec
	e.window.Reset(addr)

	ev := log.Warn().Str("ip", addr).Bool("permanent", permanent)
	if rec.ExpiresAt != nil {
		ev = ev.Time("expires", *rec.ExpiresAt)
	}
	ev.Msg("address blocked")

	msg := "blocked permanently"
	if !permanent {
		msg = fmt.Sprintf("blocked for %s", cooldown)
	}
	e.publish(sink.KindAddressBlocked, addr, msg)
	return e.persist("block")
}

// IsBlocked reports whether addr is currently denied. It does not count or
// mutate anything.
func (e *Engine) IsBlocked(addr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.blocks[addr]
	return ok && rec.Active(e.now())
}

// Sweep deletes expired temporary blocks and closed window counters. It
// returns the number of ledger records removed.
func (e *Engine) Sweep() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	e.window.Prune(now)

	var removed []string
	for addr, rec := range e.blocks {
		if !rec.Active(now) {
			delete(e.blocks, addr)
			removed = append(removed, addr)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	sort.Strings(removed)
	for _, addr := range removed {
		log.Info().Str("ip", addr).Msg("block expired")
		e.publish(sink.KindAddressUnblocked, addr, "block expired")
	}
	return len(removed), e.persist("sweep")
}

// Blocked returns a snapshot of the ledger, permanent blocks first, then by
// block time.
func (e *Engine) Blocked() []storage.BlockRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]storage.BlockRecord, 0, len(e.blocks))
	for _, rec := range e.blocks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permanent != out[j].Permanent {
			return out[i].Permanent
		}
		if !out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].BlockedAt.Before(out[j].BlockedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// persist writes the whole ledger. On failure the in-memory state is kept.
// Caller holds mu.
func (e *Engine) persist(op string) error {
	e.updateGauges()
	if err := e.ledger.SaveBlocks(e.blocks); err != nil {
		metrics.PersistenceFailures.WithLabelValues("blocks").Inc()
		log.Error().Err(err).Str("op", op).Msg("ledger write failed")
		ev := sink.NewEvent(sink.KindPersistenceFailure, "ledger write failed: "+op)
		ev.Reason = err.Error()
		e.events.Publish(ev)
		return fmt.Errorf("abuse: %s: %w", op, err)
	}
	return nil
}

func (e *Engine) publish(kind sink.Kind, addr, msg string) {
	ev := sink.NewEvent(kind, msg)
	ev.Address = addr
	e.events.Publish(ev)
}

func (e *Engine) updateGauges() {
	var temp, perm int
	for _, rec := range e.blocks {
		if rec.Permanent {
			perm++
		} else {
			temp++
		}
	}
	metrics.BlockedAddresses.WithLabelValues("temporary").Set(float64(temp))
	metrics.BlockedAddresses.WithLabelValues("permanent").Set(float64(perm))
}

package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/digits"
	"github.com/cadena-bitcoin/cadena-oracle/internal/keyring"
	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// Scheduler constants.
const (
	// TooOldSecs: matured events older than this are skipped, never signed.
	TooOldSecs = 86400
	// maxEventBatch bounds insertions per horizon pass to keep the
	// outcome loop responsive.
	maxEventBatch = 10
	// signPriceMaxAge is the price freshness preference when signing.
	signPriceMaxAge = 15.0
	// signChildIndex is the signing key child index for attestations.
	signChildIndex = 0

	minLoopSleep      = 10 * time.Millisecond
	maxLoopSleep      = 60 * time.Second
	errorRetrySleep   = 1 * time.Second
	nonceFillInterval = 100 * time.Millisecond
	nonceFillBatch    = 20
)

// Scheduler runs the two control loops: the outcome loop that expands
// the event horizon and signs matured events, and the nonce-fill loop
// that materializes deferred nonces. It is the sole writer of events,
// nonces and outcomes.
type Scheduler struct {
	store       storage.Store
	keys        *keyring.Keyring
	prices      PriceProvider
	log         *logging.Logger
	horizonDays int

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler; loops are not started until Start.
func NewScheduler(store storage.Store, keys *keyring.Keyring, prices PriceProvider, horizonDays int, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Scheduler{
		store:       store,
		keys:        keys,
		prices:      prices,
		log:         log.Component("scheduler"),
		horizonDays: horizonDays,
		quit:        make(chan struct{}),
		wake:        make(chan struct{}, 1),
	}
}

// Start spawns the outcome and nonce-fill loops. Idempotent: a second
// call is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(2)
	go s.outcomeLoop()
	go s.nonceFillLoop()
	s.log.Info("Scheduler started", "horizon_days", s.horizonDays)
}

// Stop terminates the loops and waits for them. Later calls are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Wake nudges the outcome loop out of its sleep, e.g. after a new event
// class is added.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// outcomeLoop alternates maturity scans and horizon expansion, then
// sleeps until roughly halfway to the next known deadline.
func (s *Scheduler) outcomeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		now := time.Now().Unix()

		n1, nextMature, err := s.CreatePastOutcomes(context.Background(), now, TooOldSecs)
		if err != nil {
			s.log.Error("Outcome pass failed", "error", err)
			s.sleep(errorRetrySleep)
			continue
		}
		if n1 > 0 {
			continue
		}

		n2, nextHorizon, err := s.CreateFutureEvents(now, maxEventBatch)
		if err != nil {
			s.log.Error("Horizon pass failed", "error", err)
			s.sleep(errorRetrySleep)
			continue
		}
		if n2 > 0 {
			continue
		}

		waitFor := nextMature
		if waitFor == 0 || (nextHorizon != 0 && nextHorizon < waitFor) {
			waitFor = nextHorizon
		}

		sleep := maxLoopSleep
		if waitFor != 0 {
			d := time.Duration((float64(waitFor-now)/2-1)*1000) * time.Millisecond
			if d < minLoopSleep {
				d = minLoopSleep
			}
			if d > maxLoopSleep {
				d = maxLoopSleep
			}
			sleep = d
		}
		s.sleep(sleep)
	}
}

// sleep waits for the duration, a wake nudge, or shutdown.
func (s *Scheduler) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.quit:
	case <-s.wake:
	case <-timer.C:
	}
}

// nonceFillLoop materializes nonces for events created with deferred
// nonces, in small batches so bulk horizon expansion stays cheap.
func (s *Scheduler) nonceFillLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(nonceFillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			if _, err := s.FillMissingNonces(nonceFillBatch); err != nil {
				s.log.Error("Nonce fill failed", "error", err)
			}
		}
	}
}

// FillMissingNonces materializes nonces for up to batch events that have
// none. Returns the number of events filled.
func (s *Scheduler) FillMissingNonces(batch int) (int, error) {
	ids, err := s.store.EventsWithoutNonces(batch)
	if err != nil {
		return 0, err
	}

	filled := 0
	for _, id := range ids {
		e, _, err := s.store.GetEventByID(id)
		if err != nil || e == nil {
			continue
		}
		ec, err := s.store.GetClassByID(e.ClassID)
		if err != nil || ec == nil {
			s.log.Warn("Event without resolvable class", "event_id", id, "class_id", e.ClassID)
			continue
		}
		if _, err := s.materializeNonces(id, ec.RangeDigits); err != nil {
			s.log.Error("Failed to materialize nonces", "event_id", id, "error", err)
			continue
		}
		filled++
	}
	if filled > 0 {
		s.log.Debug("Filled nonces", "events", filled)
	}
	return filled, nil
}

// materializeNonces returns the persisted nonces for an event, deriving
// and persisting them first if absent. Derivation is deterministic, so a
// concurrent regenerator produces identical values and the store's
// uniqueness index collapses the race to a single row set.
func (s *Scheduler) materializeNonces(eventID string, rangeDigits int) ([]*storage.Nonce, error) {
	nonces, err := s.store.GetNonces(eventID)
	if err != nil {
		return nil, err
	}
	if len(nonces) == rangeDigits {
		return nonces, nil
	}
	if len(nonces) != 0 {
		return nil, fmt.Errorf("event %s has %d nonces, expected 0 or %d", eventID, len(nonces), rangeDigits)
	}

	fresh := make([]*storage.Nonce, 0, rangeDigits)
	for i := 0; i < rangeDigits; i++ {
		sec, pub, err := s.keys.DeterministicNonce(eventID, i)
		if err != nil {
			return nil, fmt.Errorf("nonce derivation failed for %s/%d: %w", eventID, i, err)
		}
		fresh = append(fresh, &storage.Nonce{
			EventID:    eventID,
			DigitIndex: i,
			NoncePub:   pub,
			NonceSec:   sec,
		})
	}

	if err := s.store.InsertNonces(fresh); err != nil {
		// A concurrent writer may have won; the re-read below decides.
		s.log.Debug("Nonce insert conflicted, re-reading", "event_id", eventID, "error", err)
	}

	nonces, err = s.store.GetNonces(eventID)
	if err != nil {
		return nil, err
	}
	if len(nonces) != rangeDigits {
		return nil, fmt.Errorf("event %s has %d nonces after fill, expected %d", eventID, len(nonces), rangeDigits)
	}
	return nonces, nil
}

// CreatePastOutcomes signs every matured event that is not yet signed
// and not older than tooOld seconds. Returns the number of outcomes
// produced and the earliest event time still without an outcome (the
// next maturity deadline), 0 if none.
func (s *Scheduler) CreatePastOutcomes(ctx context.Context, now int64, tooOld int64) (int, int64, error) {
	ids, err := s.store.EventsPastWithoutOutcome(now)
	if err != nil {
		return 0, 0, err
	}

	done := 0
	tooOldCount := 0
	for _, id := range ids {
		select {
		case <-s.quit:
			return done, 0, nil
		default:
		}

		e, _, err := s.store.GetEventByID(id)
		if err != nil {
			return done, 0, err
		}
		if e == nil {
			continue
		}
		if e.Time < now-tooOld {
			tooOldCount++
			continue
		}

		if err := s.signEvent(ctx, e, now); err != nil {
			// Transient failures retry on the next pass; nothing is
			// half-written thanks to the transactional outcome insert.
			s.log.Error("Failed to sign event", "event_id", id, "error", err)
			continue
		}
		done++
	}

	if tooOldCount > 0 {
		s.log.Warn("Skipped stale events", "count", tooOldCount, "too_old_secs", tooOld)
	}
	if done > 0 {
		s.log.Info("Signed outcomes", "count", done)
	}

	earliest, err := s.store.EarliestTimeWithoutOutcome()
	if err != nil {
		return done, 0, err
	}
	return done, earliest, nil
}

// signEvent produces the signed outcome for one matured event.
//
// The pending-sign journal makes the operation crash-consistent: the
// digit messages are persisted before the first signature, and a restart
// replays them verbatim instead of re-deriving from a fresh price, so a
// nonce can never sign two different messages.
func (s *Scheduler) signEvent(ctx context.Context, e *storage.Event, now int64) error {
	ec, err := s.store.GetClassByID(e.ClassID)
	if err != nil {
		return err
	}
	if ec == nil {
		return fmt.Errorf("class %s not found for event %s", e.ClassID, e.EventID)
	}
	codec := classCodec(ec)

	nonces, err := s.materializeNonces(e.EventID, ec.RangeDigits)
	if err != nil {
		return err
	}

	pending, err := s.store.GetPendingSign(e.EventID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		info := s.prices.GetPriceInfo(ctx, e.Definition, signPriceMaxAge)
		if info.Error != "" {
			return fmt.Errorf("no price for %s: %s", e.Definition, info.Error)
		}

		digitVals := codec.ValueToDigits(info.Price)
		rows := make([]*storage.PendingSign, 0, len(digitVals))
		for i, d := range digitVals {
			rows = append(rows, &storage.PendingSign{
				EventID:    e.EventID,
				DigitIndex: i,
				DigitValue: d,
				MsgStr:     digits.Message(e.StringTemplate, e.EventID, i, d),
			})
		}
		if err := s.store.InsertPendingSign(rows); err != nil {
			return err
		}
		pending = rows
	} else if len(pending) != ec.RangeDigits {
		return fmt.Errorf("event %s has %d pending messages, expected %d", e.EventID, len(pending), ec.RangeDigits)
	} else {
		s.log.Info("Replaying journaled messages", "event_id", e.EventID)
	}

	digitVals := make([]int, len(pending))
	digitOutcomes := make([]*storage.DigitOutcome, 0, len(pending))
	for i, p := range pending {
		digitVals[i] = p.DigitValue
		sig, err := s.keys.SignSchnorrWithNonce(p.MsgStr, nonces[i].NonceSec, signChildIndex)
		if err != nil {
			return fmt.Errorf("signing digit %d of %s: %w", i, e.EventID, err)
		}
		digitOutcomes = append(digitOutcomes, &storage.DigitOutcome{
			EventID:    e.EventID,
			DigitIndex: p.DigitIndex,
			DigitValue: p.DigitValue,
			NoncePub:   nonces[i].NoncePub,
			Signature:  sig,
			MsgStr:     p.MsgStr,
		})
	}

	value := codec.DigitsToValue(digitVals)
	outcome := &storage.Outcome{
		EventID:     e.EventID,
		Value:       strconv.FormatFloat(value, 'f', -1, 64),
		CreatedTime: now,
	}

	return s.store.InsertOutcome(outcome, digitOutcomes)
}

// CreateFutureEvents extends each class to the configured horizon,
// inserting at most maxBatch new events. Nonces are deferred to the
// nonce-fill loop. Returns the number of inserted events and the
// earliest future slot that was already present, 0 if none.
func (s *Scheduler) CreateFutureEvents(now int64, maxBatch int) (int, int64, error) {
	classes, err := s.store.AllClasses()
	if err != nil {
		return 0, 0, err
	}

	horizon := now + int64(s.horizonDays)*86400
	count := 0
	var nextPresent int64

	for _, ec := range classes {
		start := now
		if ec.RepeatFirstTime > start {
			start = ec.RepeatFirstTime
		}
		end := horizon
		if ec.RepeatLastTime < end {
			end = ec.RepeatLastTime
		}
		if end < start {
			continue
		}

		first, last := ComputeEventTimeRange(ec.RepeatPeriod, ec.RepeatOffset, start, end)

		for t := first; t <= last; t += ec.RepeatPeriod {
			if t < ec.RepeatFirstTime || t > ec.RepeatLastTime {
				continue
			}

			inserted, err := s.store.InsertEventIfMissing(newEvent(ec, t), ec.SignerPublicKey)
			if err != nil {
				return count, nextPresent, err
			}
			if inserted == 0 {
				if t > now && (nextPresent == 0 || t < nextPresent) {
					nextPresent = t
				}
				continue
			}
			count++
			if count >= maxBatch {
				s.log.Debug("Horizon batch full", "inserted", count)
				return count, nextPresent, nil
			}
		}
	}

	if count > 0 {
		s.log.Info("Extended event horizon", "inserted", count, "horizon", horizon)
	}
	return count, nextPresent, nil
}

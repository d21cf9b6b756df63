// Package storage - in-memory Store implementation.
package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store satisfying the same contract as the
// SQLite store. Test double only; nothing survives the process.
type MemStore struct {
	mu            sync.RWMutex
	classes       map[string]*EventClass
	classOrder    []string
	events        map[string]*Event
	eventPubkeys  map[string]string
	nonces        map[string][]*Nonce
	outcomes      map[string]*Outcome
	digitOutcomes map[string][]*DigitOutcome
	pendingSign   map[string][]*PendingSign
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		classes:       make(map[string]*EventClass),
		events:        make(map[string]*Event),
		eventPubkeys:  make(map[string]string),
		nonces:        make(map[string][]*Nonce),
		outcomes:      make(map[string]*Outcome),
		digitOutcomes: make(map[string][]*DigitOutcome),
		pendingSign:   make(map[string][]*PendingSign),
	}
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }

func (m *MemStore) InsertClassIfMissing(ec *EventClass) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.classes[ec.ID]; ok {
		return 0, nil
	}
	cp := *ec
	cp.Definition = strings.ToUpper(cp.Definition)
	m.classes[ec.ID] = &cp
	m.classOrder = append(m.classOrder, ec.ID)
	return 1, nil
}

func (m *MemStore) GetClassByID(id string) (*EventClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ec, ok := m.classes[id]
	if !ok {
		return nil, nil
	}
	cp := *ec
	return &cp, nil
}

func (m *MemStore) classesByDef(def string) []*EventClass {
	defUpper := strings.ToUpper(def)
	var out []*EventClass
	for _, id := range m.classOrder {
		ec := m.classes[id]
		if ec.Definition == defUpper {
			cp := *ec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreateTime > out[j].CreateTime })
	return out
}

func (m *MemStore) LatestClassByDef(def string) (*EventClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.classesByDef(def)
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

func (m *MemStore) AllClassesByDef(def string) ([]*EventClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classesByDef(def), nil
}

func (m *MemStore) AllClasses() ([]*EventClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, len(m.classOrder))
	copy(ids, m.classOrder)
	sort.Strings(ids)

	out := make([]*EventClass, 0, len(ids))
	for _, id := range ids {
		cp := *m.classes[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) InsertEventIfMissing(e *Event, signerPubKey string) (int, error) {
	return m.AppendEventsIfMissing([]*Event{e}, signerPubKey)
}

func (m *MemStore) AppendEventsIfMissing(events []*Event, signerPubKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, e := range events {
		if _, ok := m.events[e.EventID]; ok {
			continue
		}
		cp := *e
		cp.Definition = strings.ToUpper(cp.Definition)
		m.events[e.EventID] = &cp
		m.eventPubkeys[e.EventID] = signerPubKey
		inserted++
	}
	return inserted, nil
}

func (m *MemStore) GetEventByID(id string) (*Event, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[id]
	if !ok {
		return nil, "", nil
	}
	cp := *e
	return &cp, m.eventPubkeys[id], nil
}

// sortedEvents returns all events ordered by time, then id for stability.
func (m *MemStore) sortedEvents() []*Event {
	out := make([]*Event, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func (m *MemStore) EventsPastWithoutOutcome(now int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, e := range m.sortedEvents() {
		if e.Time > now {
			continue
		}
		if _, ok := m.outcomes[e.EventID]; ok {
			continue
		}
		ids = append(ids, e.EventID)
	}
	return ids, nil
}

func (m *MemStore) EarliestTimeWithoutOutcome() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var earliest int64
	for _, e := range m.events {
		if _, ok := m.outcomes[e.EventID]; ok {
			continue
		}
		if earliest == 0 || e.Time < earliest {
			earliest = e.Time
		}
	}
	return earliest, nil
}

func (m *MemStore) CountFuture(now int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.events {
		if e.Time > now {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) CountEvents() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

func (m *MemStore) filterEvents(start, end int64, def string, limit int) []*Event {
	defUpper := strings.ToUpper(def)
	var out []*Event
	for _, e := range m.sortedEvents() {
		if start != 0 && e.Time < start {
			continue
		}
		if end != 0 && e.Time > end {
			continue
		}
		if def != "" && e.Definition != defUpper {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemStore) FilterEventIDs(start, end int64, def string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.filterEvents(start, end, def, limit)
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids, nil
}

func (m *MemStore) FilterEvents(start, end int64, def string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterEvents(start, end, def, limit), nil
}

func (m *MemStore) EventsWithoutNonces(limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, e := range m.sortedEvents() {
		if len(m.nonces[e.EventID]) > 0 {
			continue
		}
		ids = append(ids, e.EventID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (m *MemStore) InsertNonces(nonces []*Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Reject duplicates first so the whole batch is all-or-nothing.
	for _, n := range nonces {
		for _, existing := range m.nonces[n.EventID] {
			if existing.DigitIndex == n.DigitIndex {
				return fmt.Errorf("%w: duplicate nonce %s/%d", ErrStore, n.EventID, n.DigitIndex)
			}
		}
	}
	for _, n := range nonces {
		cp := *n
		m.nonces[n.EventID] = append(m.nonces[n.EventID], &cp)
	}
	for eid := range m.nonces {
		sort.Slice(m.nonces[eid], func(i, j int) bool {
			return m.nonces[eid][i].DigitIndex < m.nonces[eid][j].DigitIndex
		})
	}
	return nil
}

func (m *MemStore) GetNonces(eventID string) ([]*Nonce, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Nonce
	for _, n := range m.nonces[eventID] {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) InsertOutcome(o *Outcome, digitOutcomes []*DigitOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outcomes[o.EventID]; ok {
		return fmt.Errorf("%w: duplicate outcome %s", ErrStore, o.EventID)
	}

	cp := *o
	m.outcomes[o.EventID] = &cp
	digits := make([]*DigitOutcome, 0, len(digitOutcomes))
	for _, d := range digitOutcomes {
		dcp := *d
		digits = append(digits, &dcp)
	}
	sort.Slice(digits, func(i, j int) bool { return digits[i].DigitIndex < digits[j].DigitIndex })
	m.digitOutcomes[o.EventID] = digits
	delete(m.pendingSign, o.EventID)
	return nil
}

func (m *MemStore) GetOutcome(eventID string) (*Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.outcomes[eventID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemStore) GetDigitOutcomes(eventID string) ([]*DigitOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DigitOutcome
	for _, d := range m.digitOutcomes[eventID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) InsertPendingSign(pending []*PendingSign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range pending {
		for _, existing := range m.pendingSign[p.EventID] {
			if existing.DigitIndex == p.DigitIndex {
				return fmt.Errorf("%w: duplicate pending sign %s/%d", ErrStore, p.EventID, p.DigitIndex)
			}
		}
	}
	for _, p := range pending {
		cp := *p
		m.pendingSign[p.EventID] = append(m.pendingSign[p.EventID], &cp)
	}
	for eid := range m.pendingSign {
		sort.Slice(m.pendingSign[eid], func(i, j int) bool {
			return m.pendingSign[eid][i].DigitIndex < m.pendingSign[eid][j].DigitIndex
		})
	}
	return nil
}

func (m *MemStore) GetPendingSign(eventID string) ([]*PendingSign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PendingSign
	for _, p := range m.pendingSign[eventID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

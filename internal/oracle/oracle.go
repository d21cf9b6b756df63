package oracle

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/keyring"
	"github.com/cadena-bitcoin/cadena-oracle/internal/price"
	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

// Query caps, to bound response sizes.
const (
	maxEventsResponse   = 100
	maxEventIDsResponse = 5000
)

// PriceProvider is the aggregator surface the oracle consumes. Satisfied
// by *price.Aggregator; tests substitute a stub.
type PriceProvider interface {
	GetPriceInfo(ctx context.Context, symbol string, prefMaxAge float64) price.PriceInfo
	GetPrice(ctx context.Context, symbol string, prefMaxAge float64) float64
	Symbols() []string
}

// Oracle is the orchestrator the HTTP facade reads from. It owns the
// scheduler; handlers are read-only.
type Oracle struct {
	store         storage.Store
	keys          *keyring.Keyring
	prices        PriceProvider
	sched         *Scheduler
	horizonDays   int
	mainPublicKey string
	log           *logging.Logger
}

// Config wires an Oracle.
type Config struct {
	Store       storage.Store
	Keys        *keyring.Keyring
	Prices      PriceProvider
	HorizonDays int
	Log         *logging.Logger
}

// New creates the oracle and its scheduler. The scheduler is not started
// until Start.
func New(cfg *Config) (*Oracle, error) {
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault()
	}

	mainPub, err := cfg.Keys.PublicKey(signChildIndex)
	if err != nil {
		return nil, err
	}

	o := &Oracle{
		store:         cfg.Store,
		keys:          cfg.Keys,
		prices:        cfg.Prices,
		horizonDays:   cfg.HorizonDays,
		mainPublicKey: mainPub,
		log:           log.Component("oracle"),
	}
	o.sched = NewScheduler(cfg.Store, cfg.Keys, cfg.Prices, cfg.HorizonDays, log)
	return o, nil
}

// Start launches the scheduler loops.
func (o *Oracle) Start() {
	o.sched.Start()
}

// Stop terminates the scheduler loops.
func (o *Oracle) Stop() {
	o.sched.Stop()
}

// Scheduler returns the scheduler, e.g. to wake it after seeding classes.
func (o *Oracle) Scheduler() *Scheduler {
	return o.sched
}

// MainPublicKey returns the oracle's primary signing key (x-only hex).
func (o *Oracle) MainPublicKey() string {
	return o.mainPublicKey
}

// AddEventClass inserts an event class if missing and wakes the
// scheduler so the horizon extends immediately. Classes are immutable;
// an existing id is left untouched.
func (o *Oracle) AddEventClass(ec *storage.EventClass) (bool, error) {
	if ec.SignerPublicKey == "" {
		ec.SignerPublicKey = o.mainPublicKey
	}
	n, err := o.store.InsertClassIfMissing(ec)
	if err != nil {
		return false, err
	}
	if n > 0 {
		o.log.Info("Event class added", "class_id", ec.ID, "definition", ec.Definition)
		o.sched.Wake()
	}
	return n > 0, nil
}

// OracleInfo is the public identity of the oracle.
type OracleInfo struct {
	MainPublicKey string   `json:"main_public_key"`
	PublicKeys    []string `json:"public_keys"`
	HorizonDays   int      `json:"horizon_days"`
}

// GetOracleInfo returns the oracle's keys and horizon.
func (o *Oracle) GetOracleInfo() (*OracleInfo, error) {
	keys := []string{o.mainPublicKey}
	seen := map[string]bool{o.mainPublicKey: true}

	classes, err := o.store.AllClasses()
	if err != nil {
		return nil, err
	}
	for _, ec := range classes {
		if ec.SignerPublicKey != "" && !seen[ec.SignerPublicKey] {
			seen[ec.SignerPublicKey] = true
			keys = append(keys, ec.SignerPublicKey)
		}
	}

	return &OracleInfo{
		MainPublicKey: o.mainPublicKey,
		PublicKeys:    keys,
		HorizonDays:   o.horizonDays,
	}, nil
}

// OracleStatus is the runtime counters snapshot.
type OracleStatus struct {
	FutureEventCount int     `json:"future_event_count"`
	TotalEventCount  int     `json:"total_event_count"`
	CurrentTimeUTC   float64 `json:"current_time_utc"`
}

// GetOracleStatus returns event counts and the current time.
func (o *Oracle) GetOracleStatus() (*OracleStatus, error) {
	now := time.Now()
	future, err := o.store.CountFuture(now.Unix())
	if err != nil {
		return nil, err
	}
	total, err := o.store.CountEvents()
	if err != nil {
		return nil, err
	}
	return &OracleStatus{
		FutureEventCount: future,
		TotalEventCount:  total,
		CurrentTimeUTC:   math.Round(float64(now.UnixNano())/1e6) / 1e3,
	}, nil
}

// RangeInfo describes the numeric range of a class.
type RangeInfo struct {
	Definition        string  `json:"definition"`
	EventType         string  `json:"event_type"`
	RangeDigits       int     `json:"range_digits"`
	RangeDigitLowPos  int     `json:"range_digit_low_pos"`
	RangeDigitHighPos int     `json:"range_digit_high_pos"`
	RangeUnit         int64   `json:"range_unit"`
	RangeMinValue     float64 `json:"range_min_value"`
	RangeMaxValue     float64 `json:"range_max_value"`
}

// ClassInfo is the rendered event class.
type ClassInfo struct {
	ClassID         string    `json:"class_id"`
	Desc            RangeInfo `json:"desc"`
	RepeatFirstTime int64     `json:"repeat_first_time"`
	RepeatPeriod    int64     `json:"repeat_period"`
	RepeatLastTime  int64     `json:"repeat_last_time"`
	CreateTime      int64     `json:"create_time"`
	SignerPublicKey string    `json:"signer_public_key"`
}

func rangeInfo(ec *storage.EventClass) RangeInfo {
	codec := classCodec(ec)
	return RangeInfo{
		Definition:        ec.Definition,
		EventType:         "numeric",
		RangeDigits:       ec.RangeDigits,
		RangeDigitLowPos:  ec.RangeDigitLowPos,
		RangeDigitHighPos: codec.HighPos(),
		RangeUnit:         codec.Unit(),
		RangeMinValue:     codec.MinValue(),
		RangeMaxValue:     codec.MaxValue(),
	}
}

// GetEventClasses returns every class, rendered.
func (o *Oracle) GetEventClasses() ([]*ClassInfo, error) {
	classes, err := o.store.AllClasses()
	if err != nil {
		return nil, err
	}
	infos := make([]*ClassInfo, 0, len(classes))
	for _, ec := range classes {
		infos = append(infos, &ClassInfo{
			ClassID:         ec.ID,
			Desc:            rangeInfo(ec),
			RepeatFirstTime: ec.RepeatFirstTime,
			RepeatPeriod:    ec.RepeatPeriod,
			RepeatLastTime:  ec.RepeatLastTime,
			CreateTime:      ec.CreateTime,
			SignerPublicKey: ec.SignerPublicKey,
		})
	}
	return infos, nil
}

// DigitInfo is one signed digit in an event info.
type DigitInfo struct {
	Index     int    `json:"index"`
	Value     int    `json:"value"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	MsgStr    string `json:"msg_str"`
}

// EventInfo is the full rendered event, as served to clients.
type EventInfo struct {
	EventID           string      `json:"event_id"`
	TimeUTC           int64       `json:"time_utc"`
	TimeUTCNice       string      `json:"time_utc_nice"`
	Definition        string      `json:"definition"`
	EventType         string      `json:"event_type"`
	RangeDigits       int         `json:"range_digits"`
	RangeDigitLowPos  int         `json:"range_digit_low_pos"`
	RangeDigitHighPos int         `json:"range_digit_high_pos"`
	RangeUnit         int64       `json:"range_unit"`
	RangeMinValue     float64     `json:"range_min_value"`
	RangeMaxValue     float64     `json:"range_max_value"`
	EventClass        string      `json:"event_class"`
	SignerPublicKey   string      `json:"signer_public_key"`
	StringTemplate    string      `json:"string_template"`
	HasOutcome        bool        `json:"has_outcome"`
	Nonces            []string    `json:"nonces"`
	OutcomeValue      string      `json:"outcome_value,omitempty"`
	OutcomeTime       int64       `json:"outcome_time,omitempty"`
	Digits            []DigitInfo `json:"digits,omitempty"`
}

// eventInfo renders one event, resolving its class and joining nonces
// and any outcome.
func (o *Oracle) eventInfo(e *storage.Event, signerPubKey string) (*EventInfo, error) {
	ec, err := o.store.GetClassByID(e.ClassID)
	if err != nil {
		return nil, err
	}
	if ec == nil {
		return nil, storage.ErrClassNotFound
	}
	ri := rangeInfo(ec)

	nonces, err := o.store.GetNonces(e.EventID)
	if err != nil {
		return nil, err
	}
	noncePubs := make([]string, 0, len(nonces))
	for _, n := range nonces {
		noncePubs = append(noncePubs, n.NoncePub)
	}

	info := &EventInfo{
		EventID:           e.EventID,
		TimeUTC:           e.Time,
		TimeUTCNice:       time.Unix(e.Time, 0).UTC().String(),
		Definition:        e.Definition,
		EventType:         ri.EventType,
		RangeDigits:       ri.RangeDigits,
		RangeDigitLowPos:  ri.RangeDigitLowPos,
		RangeDigitHighPos: ri.RangeDigitHighPos,
		RangeUnit:         ri.RangeUnit,
		RangeMinValue:     ri.RangeMinValue,
		RangeMaxValue:     ri.RangeMaxValue,
		EventClass:        e.ClassID,
		SignerPublicKey:   signerPubKey,
		StringTemplate:    e.StringTemplate,
		Nonces:            noncePubs,
	}

	outcome, err := o.store.GetOutcome(e.EventID)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		info.HasOutcome = true
		info.OutcomeValue = outcome.Value
		info.OutcomeTime = outcome.CreatedTime

		digitOutcomes, err := o.store.GetDigitOutcomes(e.EventID)
		if err != nil {
			return nil, err
		}
		for _, d := range digitOutcomes {
			info.Digits = append(info.Digits, DigitInfo{
				Index:     d.DigitIndex,
				Value:     d.DigitValue,
				Nonce:     d.NoncePub,
				Signature: d.Signature,
				MsgStr:    d.MsgStr,
			})
		}
	}

	return info, nil
}

// GetEventByID returns the rendered event, nil if unknown.
func (o *Oracle) GetEventByID(eventID string) (*EventInfo, error) {
	e, signerPubKey, err := o.store.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	return o.eventInfo(e, signerPubKey)
}

// GetEventsFilter returns rendered events in the inclusive time range,
// optionally filtered by definition. maxCount is hard-capped.
func (o *Oracle) GetEventsFilter(startTime, endTime int64, definition string, maxCount int) ([]*EventInfo, error) {
	if maxCount <= 0 || maxCount > maxEventsResponse {
		maxCount = maxEventsResponse
	}

	events, err := o.store.FilterEvents(startTime, endTime, definition, maxCount)
	if err != nil {
		return nil, err
	}

	infos := make([]*EventInfo, 0, len(events))
	for _, e := range events {
		_, signerPubKey, err := o.store.GetEventByID(e.EventID)
		if err != nil {
			return nil, err
		}
		info, err := o.eventInfo(e, signerPubKey)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetEventIDsFilter returns matching event ids, hard-capped.
func (o *Oracle) GetEventIDsFilter(startTime, endTime int64, definition string) ([]string, error) {
	return o.store.FilterEventIDs(startTime, endTime, definition, maxEventIDsResponse)
}

// GetNextEvent returns the next existing event of a definition at least
// period seconds ahead (minimum 60), nil if none.
func (o *Oracle) GetNextEvent(definition string, periodSecs int64) (*EventInfo, error) {
	if definition == "" {
		return nil, nil
	}
	if periodSecs < 60 {
		periodSecs = 60
	}
	absTime := time.Now().Unix() + periodSecs

	classes, err := o.store.AllClassesByDef(strings.ToUpper(definition))
	if err != nil {
		return nil, err
	}

	var best *storage.Event
	var bestPubKey string
	for _, ec := range classes {
		t := NextEventTime(ec, absTime)
		if t == 0 {
			continue
		}
		e, signerPubKey, err := o.store.GetEventByID(EventID(ec.Definition, t))
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		if best == nil || e.Time < best.Time {
			best = e
			bestPubKey = signerPubKey
		}
	}

	if best == nil {
		return nil, nil
	}
	return o.eventInfo(best, bestPubKey)
}

// GetPrice returns the aggregated price for a symbol.
func (o *Oracle) GetPrice(ctx context.Context, symbol string, prefMaxAge float64) float64 {
	return o.prices.GetPrice(ctx, symbol, prefMaxAge)
}

// GetPriceInfo returns the full aggregated price info for a symbol.
func (o *Oracle) GetPriceInfo(ctx context.Context, symbol string) price.PriceInfo {
	return o.prices.GetPriceInfo(ctx, symbol, 0)
}

// GetPrices returns the current price per served symbol.
func (o *Oracle) GetPrices(ctx context.Context) map[string]float64 {
	res := make(map[string]float64)
	for _, symbol := range o.prices.Symbols() {
		res[symbol] = o.prices.GetPrice(ctx, symbol, 0)
	}
	return res
}

// GetPriceInfos returns the full price info per served symbol.
func (o *Oracle) GetPriceInfos(ctx context.Context) map[string]price.PriceInfo {
	res := make(map[string]price.PriceInfo)
	for _, symbol := range o.prices.Symbols() {
		res[symbol] = o.prices.GetPriceInfo(ctx, symbol, 0)
	}
	return res
}

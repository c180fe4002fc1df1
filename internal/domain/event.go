package domain

// EventKind names a decoded event variant.
type EventKind string

const (
	KindMarketCreated   EventKind = "MarketCreated"
	KindSharesBought    EventKind = "SharesBought"
	KindMarketResolved  EventKind = "MarketResolved"
	KindMarketCancelled EventKind = "MarketCancelled"
	KindWinningsClaimed EventKind = "WinningsClaimed"
	KindUnrecognized    EventKind = "Unrecognized"
	KindMalformed       EventKind = "Malformed"
)

// RawLog is a chain log as returned by the log source, reduced to the fields
// the ledger cares about.
type RawLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        []byte   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
}

// Ref returns the idempotence key of the log.
func (l RawLog) Ref() TxRef {
	return TxRef{Hash: l.TxHash, LogIndex: l.LogIndex}
}

// EventMeta is the chain position shared by every decoded event.
type EventMeta struct {
	Contract       string
	BlockNumber    uint64
	BlockTimestamp int64 // filled by the poller after decoding
	TxHash         string
	LogIndex       uint
}

// Ref returns the idempotence key of the event.
func (m EventMeta) Ref() TxRef {
	return TxRef{Hash: m.TxHash, LogIndex: m.LogIndex}
}

// Event is the closed set of decoded log variants. Only types in this package
// implement it; consumers switch over the concrete types exhaustively.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
	withTimestamp(ts int64) Event
}

// WithBlockTimestamp returns ev stamped with the block time.
func WithBlockTimestamp(ev Event, ts int64) Event {
	return ev.withTimestamp(ts)
}

// MarketCreated announces a new market.
type MarketCreated struct {
	EventMeta
	MarketID    uint64
	Creator     string
	Question    string
	Description string
	Category    string
	Image       string
	Source      string
	EndTime     int64
}

func (e MarketCreated) Kind() EventKind { return KindMarketCreated }
func (e MarketCreated) Meta() EventMeta { return e.EventMeta }
func (e MarketCreated) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// SharesBought is a purchase of YES (Side == true) or NO shares.
type SharesBought struct {
	EventMeta
	MarketID uint64
	Buyer    string
	Side     bool
	Amount   Amount
}

func (e SharesBought) Kind() EventKind { return KindSharesBought }
func (e SharesBought) Meta() EventMeta { return e.EventMeta }
func (e SharesBought) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// Key returns the participant key the purchase aggregates into.
func (e SharesBought) Key() ParticipantKey {
	return NewParticipantKey(e.MarketID, e.Buyer)
}

// MarketResolved settles a market with an outcome.
type MarketResolved struct {
	EventMeta
	MarketID uint64
	Outcome  bool
}

func (e MarketResolved) Kind() EventKind { return KindMarketResolved }
func (e MarketResolved) Meta() EventMeta { return e.EventMeta }
func (e MarketResolved) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// MarketCancelled voids a market.
type MarketCancelled struct {
	EventMeta
	MarketID uint64
}

func (e MarketCancelled) Kind() EventKind { return KindMarketCancelled }
func (e MarketCancelled) Meta() EventMeta { return e.EventMeta }
func (e MarketCancelled) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// WinningsClaimed records a payout claim.
type WinningsClaimed struct {
	EventMeta
	MarketID uint64
	User     string
	Amount   Amount
}

func (e WinningsClaimed) Kind() EventKind { return KindWinningsClaimed }
func (e WinningsClaimed) Meta() EventMeta { return e.EventMeta }
func (e WinningsClaimed) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// Unrecognized is a log whose signature the ledger does not track.
type Unrecognized struct {
	EventMeta
	Topic0 string
}

func (e Unrecognized) Kind() EventKind { return KindUnrecognized }
func (e Unrecognized) Meta() EventMeta { return e.EventMeta }
func (e Unrecognized) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// Malformed is a log with a known signature whose payload does not fit the
// expected layout. It carries the raw log for quarantine.
type Malformed struct {
	EventMeta
	Expected EventKind
	Reason   string
	Log      RawLog
}

func (e Malformed) Kind() EventKind { return KindMalformed }
func (e Malformed) Meta() EventMeta { return e.EventMeta }
func (e Malformed) withTimestamp(ts int64) Event {
	e.BlockTimestamp = ts
	return e
}

// RawEvent is the immutable audit record of a decoded, tracked event.
type RawEvent struct {
	Kind           EventKind `json:"kind"`
	Contract       string    `json:"contract"`
	MarketID       uint64    `json:"market_id"`
	Address        string    `json:"address,omitempty"`
	Side           bool      `json:"side"`
	Amount         Amount    `json:"amount"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp int64     `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`
	LogIndex       uint      `json:"log_index"`
}

// Ref returns the idempotence key of the record.
func (r RawEvent) Ref() TxRef {
	return TxRef{Hash: r.TxHash, LogIndex: r.LogIndex}
}

// ToRawEvent converts a tracked event into its audit record. Unrecognized and
// malformed events have no record and return false.
func ToRawEvent(ev Event) (RawEvent, bool) {
	m := ev.Meta()
	r := RawEvent{
		Kind:           ev.Kind(),
		Contract:       m.Contract,
		BlockNumber:    m.BlockNumber,
		BlockTimestamp: m.BlockTimestamp,
		TxHash:         m.TxHash,
		LogIndex:       m.LogIndex,
	}
	switch e := ev.(type) {
	case MarketCreated:
		r.MarketID = e.MarketID
		r.Address = e.Creator
	case SharesBought:
		r.MarketID = e.MarketID
		r.Address = e.Buyer
		r.Side = e.Side
		r.Amount = e.Amount
	case MarketResolved:
		r.MarketID = e.MarketID
		r.Side = e.Outcome
	case MarketCancelled:
		r.MarketID = e.MarketID
	case WinningsClaimed:
		r.MarketID = e.MarketID
		r.Address = e.User
		r.Amount = e.Amount
	default:
		return RawEvent{}, false
	}
	return r, true
}

// SharesBoughtFromRaw rebuilds a purchase from its audit record, used when a
// frozen key is replayed.
func SharesBoughtFromRaw(r RawEvent) SharesBought {
	return SharesBought{
		EventMeta: EventMeta{
			Contract:       r.Contract,
			BlockNumber:    r.BlockNumber,
			BlockTimestamp: r.BlockTimestamp,
			TxHash:         r.TxHash,
			LogIndex:       r.LogIndex,
		},
		MarketID: r.MarketID,
		Buyer:    r.Address,
		Side:     r.Side,
		Amount:   r.Amount,
	}
}

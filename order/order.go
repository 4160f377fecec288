// Package order defines the Order entity and its state machine: the
// value-plus-state instruction that the rest of the engine — OrderManager,
// Risk, Portfolio, Broker, Exchange, PositionManager — moves between
// states over the course of a run.
package order

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the canonical buy/sell direction. Inputs of {B, S, b, s} are
// accepted at construction and normalized to one of these two values.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalizes the accepted input forms to the canonical Side.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(raw) {
	case "buy", "b":
		return Buy, nil
	case "sell", "s":
		return Sell, nil
	default:
		return "", fmt.Errorf("order: invalid side %q", raw)
	}
}

// Type is the order type; Details carries type-dependent parameters (e.g.
// {"price": ...} for Limit).
type Type string

const (
	Market Type = "MARKET"
	Limit  Type = "LIMIT"
)

// Booked tracks the PositionManager's application of a closed order. It is
// a tri-state rather than a bool: "none" until the first fill arrives.
type Booked string

const (
	BookedNone  Booked = "none"
	BookedFalse Booked = "false"
	BookedTrue  Booked = "true"
)

// StateChange is one entry in the append-only state_df history.
type StateChange struct {
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
}

// Replacement is one entry in the append-only replaces history, including
// the original order parameters as entry zero.
type Replacement struct {
	Timestamp time.Time         `json:"timestamp"`
	Quantity  int64             `json:"quantity"`
	Details   map[string]string `json:"details"`
}

// Fill is one partial or full execution against the order.
type Fill struct {
	FillID     string          `json:"fill_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Bartime    time.Time       `json:"bartime"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Booked     bool            `json:"booked"`
}

// Order is the central mutable entity of the engine. All cross-state field
// mutation happens through OrderManager.ChangeState / ApplyFill / Replace —
// no other component is allowed to mutate these fields directly.
type Order struct {
	UUID           string
	OriginatorUUID string
	OriginatorID   string
	StrategyUUID   string
	StrategyID     string
	PortfolioUUID  string
	PortfolioID    string

	ProductType string
	Symbol      string
	Side        Side
	Quantity    int64
	Type        Type
	Details     map[string]string

	State           State
	CreateTimestamp time.Time

	BrokerOrderID   string
	ExchangeOrderID string

	FillPrice    decimal.Decimal
	FillQuantity int64
	Commission   decimal.Decimal
	Booked       Booked
	Closed       bool

	StateHistory []StateChange
	Replaces     []Replacement
	Fills        []Fill

	// PendingReplaceQuantity/PendingReplaceDetails hold the new size/details
	// requested via ReplaceOrder, read by Broker.SendReplaces once the order
	// reaches REPLACE_REQUESTED. Pipeline plumbing, not state the OMS
	// partitions on.
	PendingReplaceQuantity int64
	PendingReplaceDetails  map[string]string
}

// New constructs an Order in the CREATED state. originatorUUID/ID identify
// the strategy or portfolio that authored it.
func New(originatorUUID, originatorID, productType, symbol string, side Side, quantity int64, typ Type, details map[string]string, now time.Time) *Order {
	if details == nil {
		details = map[string]string{}
	}
	o := &Order{
		UUID:            uuid.New().String(),
		OriginatorUUID:  originatorUUID,
		OriginatorID:    originatorID,
		ProductType:     productType,
		Symbol:          symbol,
		Side:            side,
		Quantity:        quantity,
		Type:            typ,
		Details:         details,
		State:           Created,
		CreateTimestamp: now,
		FillPrice:       decimal.Zero,
		Commission:      decimal.Zero,
		Booked:          BookedNone,
	}
	o.StateHistory = append(o.StateHistory, StateChange{Timestamp: now, State: Created})
	o.Replaces = append(o.Replaces, Replacement{Timestamp: now, Quantity: quantity, Details: cloneDetails(details)})
	return o
}

// ApplyFill folds one fill into the order's running totals. It does not
// transition state; callers decide the resulting state separately since
// SENT/LIVE/PARTIALLY_FILLED/FILLED depend on more than the fill itself.
//
// Only oms.OrderManager may call this in the pipeline proper — it is
// exported so the oms package (which cannot reach unexported methods
// across package boundaries) and tests can drive it directly.
func (o *Order) ApplyFill(f Fill) {
	total := decimal.NewFromInt(o.FillQuantity).Mul(o.FillPrice)
	total = total.Add(decimal.NewFromInt(f.Quantity).Mul(f.Price))
	o.FillQuantity += f.Quantity
	if o.FillQuantity > 0 {
		o.FillPrice = total.Div(decimal.NewFromInt(o.FillQuantity))
	}
	o.Commission = o.Commission.Add(f.Commission)
	o.Fills = append(o.Fills, f)
	if o.Booked == BookedNone {
		o.Booked = BookedFalse
	}
}

// Remaining is the quantity not yet filled under the current (possibly
// replaced) order size.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FillQuantity
}

// Replace appends a new (quantity, details) pair to the replaces history
// and updates the order's live quantity/details to match. Only
// oms.OrderManager calls this in the pipeline proper.
func (o *Order) Replace(quantity int64, details map[string]string, now time.Time) {
	o.Quantity = quantity
	o.Details = cloneDetails(details)
	o.Replaces = append(o.Replaces, Replacement{Timestamp: now, Quantity: quantity, Details: cloneDetails(details)})
}

func cloneDetails(d map[string]string) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// ToDict renders the order as a plain map, sufficient for a round-trip
// through ToDict -> FromDict -> ToDict producing an equal mapping.
func (o *Order) ToDict() map[string]any {
	fills := make([]map[string]any, len(o.Fills))
	for i, f := range o.Fills {
		fills[i] = map[string]any{
			"fill_id":    f.FillID,
			"timestamp":  f.Timestamp.UTC().Format(time.RFC3339Nano),
			"bartime":    f.Bartime.UTC().Format(time.RFC3339Nano),
			"quantity":   f.Quantity,
			"price":      f.Price.String(),
			"commission": f.Commission.String(),
			"booked":     f.Booked,
		}
	}
	stateDF := make([]map[string]any, len(o.StateHistory))
	for i, s := range o.StateHistory {
		stateDF[i] = map[string]any{
			"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
			"state":     string(s.State),
		}
	}
	replaces := make([]map[string]any, len(o.Replaces))
	for i, r := range o.Replaces {
		replaces[i] = map[string]any{
			"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
			"quantity":  r.Quantity,
			"details":   r.Details,
		}
	}
	return map[string]any{
		"uuid":             o.UUID,
		"originator_uuid":  o.OriginatorUUID,
		"originator_id":    o.OriginatorID,
		"strategy_uuid":    o.StrategyUUID,
		"strategy_id":      o.StrategyID,
		"portfolio_uuid":   o.PortfolioUUID,
		"portfolio_id":     o.PortfolioID,
		"product_type":     o.ProductType,
		"symbol":           o.Symbol,
		"buy_sell":         string(o.Side),
		"quantity":         o.Quantity,
		"type":             string(o.Type),
		"details":          o.Details,
		"state":            string(o.State),
		"create_timestamp": o.CreateTimestamp.UTC().Format(time.RFC3339Nano),
		"broker_order_id":   o.BrokerOrderID,
		"exchange_order_id": o.ExchangeOrderID,
		"fill_price":        o.FillPrice.String(),
		"fill_quantity":     o.FillQuantity,
		"commission":        o.Commission.String(),
		"booked":            string(o.Booked),
		"closed":            o.Closed,
		"state_df":          stateDF,
		"replaces":          replaces,
		"fills":             fills,
	}
}

// FromDict reconstructs an Order from the mapping ToDict produces. It also
// accepts the JSON-decoded equivalents of ToDict's types (float64 numbers,
// []any lists, map[string]any details), so snapshots read back from
// persistence reconstruct the same way.
func FromDict(d map[string]any) (*Order, error) {
	side, err := ParseSide(asString(d["buy_sell"]))
	if err != nil {
		return nil, fmt.Errorf("order: from_dict: %w", err)
	}
	createTS, err := asTime(d["create_timestamp"])
	if err != nil {
		return nil, fmt.Errorf("order: from_dict: create_timestamp: %w", err)
	}
	fillPrice, err := asDecimal(d["fill_price"])
	if err != nil {
		return nil, fmt.Errorf("order: from_dict: fill_price: %w", err)
	}
	commission, err := asDecimal(d["commission"])
	if err != nil {
		return nil, fmt.Errorf("order: from_dict: commission: %w", err)
	}

	o := &Order{
		UUID:            asString(d["uuid"]),
		OriginatorUUID:  asString(d["originator_uuid"]),
		OriginatorID:    asString(d["originator_id"]),
		StrategyUUID:    asString(d["strategy_uuid"]),
		StrategyID:      asString(d["strategy_id"]),
		PortfolioUUID:   asString(d["portfolio_uuid"]),
		PortfolioID:     asString(d["portfolio_id"]),
		ProductType:     asString(d["product_type"]),
		Symbol:          asString(d["symbol"]),
		Side:            side,
		Quantity:        asInt64(d["quantity"]),
		Type:            Type(asString(d["type"])),
		Details:         asStringMap(d["details"]),
		State:           State(asString(d["state"])),
		CreateTimestamp: createTS,
		BrokerOrderID:   asString(d["broker_order_id"]),
		ExchangeOrderID: asString(d["exchange_order_id"]),
		FillPrice:       fillPrice,
		FillQuantity:    asInt64(d["fill_quantity"]),
		Commission:      commission,
		Booked:          Booked(asString(d["booked"])),
		Closed:          asBool(d["closed"]),
	}

	for i, entry := range asMaps(d["state_df"]) {
		ts, err := asTime(entry["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: state_df[%d]: %w", i, err)
		}
		o.StateHistory = append(o.StateHistory, StateChange{Timestamp: ts, State: State(asString(entry["state"]))})
	}
	for i, entry := range asMaps(d["replaces"]) {
		ts, err := asTime(entry["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: replaces[%d]: %w", i, err)
		}
		o.Replaces = append(o.Replaces, Replacement{
			Timestamp: ts,
			Quantity:  asInt64(entry["quantity"]),
			Details:   asStringMap(entry["details"]),
		})
	}
	for i, entry := range asMaps(d["fills"]) {
		ts, err := asTime(entry["timestamp"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: fills[%d]: timestamp: %w", i, err)
		}
		bt, err := asTime(entry["bartime"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: fills[%d]: bartime: %w", i, err)
		}
		price, err := asDecimal(entry["price"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: fills[%d]: price: %w", i, err)
		}
		fc, err := asDecimal(entry["commission"])
		if err != nil {
			return nil, fmt.Errorf("order: from_dict: fills[%d]: commission: %w", i, err)
		}
		o.Fills = append(o.Fills, Fill{
			FillID:     asString(entry["fill_id"]),
			Timestamp:  ts,
			Bartime:    bt,
			Quantity:   asInt64(entry["quantity"]),
			Price:      price,
			Commission: fc,
			Booked:     asBool(entry["booked"]),
		})
	}
	return o, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("want RFC3339 string, got %T", v)
	}
	return time.Parse(time.RFC3339Nano, s)
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch d := v.(type) {
	case string:
		return decimal.NewFromString(d)
	case float64:
		return decimal.NewFromFloat(d), nil
	}
	return decimal.Zero, fmt.Errorf("want decimal string, got %T", v)
}

func asStringMap(v any) map[string]string {
	switch m := v.(type) {
	case map[string]string:
		return cloneDetails(m)
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = asString(val)
		}
		return out
	}
	return map[string]string{}
}

func asMaps(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// Fingerprint renders the canonical cross-run comparison string:
// uuid|create_timestamp|product_type|symbol|side|quantity|type|detailsJSON.
func Fingerprint(o *Order) string {
	keys := make([]string, 0, len(o.Details))
	for k := range o.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(o.Details))
	for _, k := range keys {
		ordered[k] = o.Details[k]
	}
	detailsJSON, _ := json.Marshal(ordered)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		o.UUID,
		o.CreateTimestamp.UTC().Format(time.RFC3339Nano),
		o.ProductType,
		o.Symbol,
		o.Side,
		o.Quantity,
		o.Type,
		string(detailsJSON),
	)
}

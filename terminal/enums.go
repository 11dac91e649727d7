package terminal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// enumName ties a Go enum value to the names a client may use for it and
// to the numeric constant the terminal expects on the wire.
type enumName struct {
	short    string
	constant string
	code     int
}

func parseEnum[T ~int](kind string, table map[T]enumName, s string) (T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, Errorf(KindValidation, "%s is required", kind)
	}
	if n, err := strconv.Atoi(s); err == nil {
		for v, name := range table {
			if name.code == n {
				return v, nil
			}
		}
		return 0, Errorf(KindValidation, "unknown %s code %d", kind, n)
	}
	for v, name := range table {
		if strings.EqualFold(s, name.short) || strings.EqualFold(s, name.constant) {
			return v, nil
		}
	}
	return 0, Errorf(KindValidation, "unknown %s %q", kind, s)
}

func unmarshalEnum[T ~int](kind string, table map[T]enumName, data []byte, dst *T) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*dst = 0
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := parseEnum(kind, table, s)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// Action is the kind of trade request (TRADE_ACTION_*).
type Action int

const (
	ActionUnset Action = iota
	ActionDeal
	ActionPending
	ActionSLTP
	ActionModify
	ActionRemove
	ActionCloseBy
)

var actionNames = map[Action]enumName{
	ActionDeal:    {"deal", "TRADE_ACTION_DEAL", 1},
	ActionPending: {"pending", "TRADE_ACTION_PENDING", 5},
	ActionSLTP:    {"sltp", "TRADE_ACTION_SLTP", 6},
	ActionModify:  {"modify", "TRADE_ACTION_MODIFY", 7},
	ActionRemove:  {"remove", "TRADE_ACTION_REMOVE", 8},
	ActionCloseBy: {"close_by", "TRADE_ACTION_CLOSE_BY", 10},
}

// ParseAction accepts a short name ("deal"), a terminal constant name
// ("TRADE_ACTION_DEAL") or a numeric code ("1").
func ParseAction(s string) (Action, error) { return parseEnum("action", actionNames, s) }

func (a Action) String() string               { return actionNames[a].short }
func (a Action) Code() int                    { return actionNames[a].code }
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }
func (a *Action) UnmarshalJSON(b []byte) error {
	return unmarshalEnum("action", actionNames, b, a)
}

// ActionFromCode maps a terminal numeric constant back to an Action.
func ActionFromCode(code int) (Action, error) {
	return parseEnum("action", actionNames, strconv.Itoa(code))
}

// OrderType is the order direction/kind (ORDER_TYPE_*).
type OrderType int

const (
	OrderTypeUnset OrderType = iota
	OrderBuy
	OrderSell
	OrderBuyLimit
	OrderSellLimit
	OrderBuyStop
	OrderSellStop
	OrderBuyStopLimit
	OrderSellStopLimit
	OrderCloseBy
)

var orderTypeNames = map[OrderType]enumName{
	OrderBuy:           {"buy", "ORDER_TYPE_BUY", 0},
	OrderSell:          {"sell", "ORDER_TYPE_SELL", 1},
	OrderBuyLimit:      {"buy_limit", "ORDER_TYPE_BUY_LIMIT", 2},
	OrderSellLimit:     {"sell_limit", "ORDER_TYPE_SELL_LIMIT", 3},
	OrderBuyStop:       {"buy_stop", "ORDER_TYPE_BUY_STOP", 4},
	OrderSellStop:      {"sell_stop", "ORDER_TYPE_SELL_STOP", 5},
	OrderBuyStopLimit:  {"buy_stop_limit", "ORDER_TYPE_BUY_STOP_LIMIT", 6},
	OrderSellStopLimit: {"sell_stop_limit", "ORDER_TYPE_SELL_STOP_LIMIT", 7},
	OrderCloseBy:       {"close_by", "ORDER_TYPE_CLOSE_BY", 8},
}

func ParseOrderType(s string) (OrderType, error) {
	return parseEnum("order type", orderTypeNames, s)
}

func (o OrderType) String() string               { return orderTypeNames[o].short }
func (o OrderType) Code() int                    { return orderTypeNames[o].code }
func (o OrderType) MarshalText() ([]byte, error) { return []byte(o.String()), nil }
func (o *OrderType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum("order type", orderTypeNames, b, o)
}

func OrderTypeFromCode(code int) (OrderType, error) {
	return parseEnum("order type", orderTypeNames, strconv.Itoa(code))
}

// Opposite returns the market order type that offsets a position opened
// with o. Only buy and sell have an opposite.
func (o OrderType) Opposite() (OrderType, bool) {
	switch o {
	case OrderBuy:
		return OrderSell, true
	case OrderSell:
		return OrderBuy, true
	}
	return OrderTypeUnset, false
}

// Filling is the order filling policy (ORDER_FILLING_*).
type Filling int

const (
	FillingUnset Filling = iota
	FillingFOK
	FillingIOC
	FillingReturn
	FillingBOC
)

var fillingNames = map[Filling]enumName{
	FillingFOK:    {"fok", "ORDER_FILLING_FOK", 0},
	FillingIOC:    {"ioc", "ORDER_FILLING_IOC", 1},
	FillingReturn: {"return", "ORDER_FILLING_RETURN", 2},
	FillingBOC:    {"boc", "ORDER_FILLING_BOC", 3},
}

func ParseFilling(s string) (Filling, error) { return parseEnum("filling type", fillingNames, s) }

func (f Filling) String() string               { return fillingNames[f].short }
func (f Filling) Code() int                    { return fillingNames[f].code }
func (f Filling) MarshalText() ([]byte, error) { return []byte(f.String()), nil }
func (f *Filling) UnmarshalJSON(b []byte) error {
	return unmarshalEnum("filling type", fillingNames, b, f)
}

func FillingFromCode(code int) (Filling, error) {
	return parseEnum("filling type", fillingNames, strconv.Itoa(code))
}

// TimeType is the order lifetime policy (ORDER_TIME_*).
type TimeType int

const (
	TimeUnset TimeType = iota
	TimeGTC
	TimeDay
	TimeSpecified
	TimeSpecifiedDay
)

var timeTypeNames = map[TimeType]enumName{
	TimeGTC:          {"gtc", "ORDER_TIME_GTC", 0},
	TimeDay:          {"day", "ORDER_TIME_DAY", 1},
	TimeSpecified:    {"specified", "ORDER_TIME_SPECIFIED", 2},
	TimeSpecifiedDay: {"specified_day", "ORDER_TIME_SPECIFIED_DAY", 3},
}

func ParseTimeType(s string) (TimeType, error) { return parseEnum("time type", timeTypeNames, s) }

func (t TimeType) String() string               { return timeTypeNames[t].short }
func (t TimeType) Code() int                    { return timeTypeNames[t].code }
func (t TimeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (t *TimeType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum("time type", timeTypeNames, b, t)
}

func TimeTypeFromCode(code int) (TimeType, error) {
	return parseEnum("time type", timeTypeNames, strconv.Itoa(code))
}

// PositionType is the direction of an open position (POSITION_TYPE_*).
type PositionType int

const (
	PositionUnset PositionType = iota
	PositionBuy
	PositionSell
)

var positionTypeNames = map[PositionType]enumName{
	PositionBuy:  {"Buy", "POSITION_TYPE_BUY", 0},
	PositionSell: {"Sell", "POSITION_TYPE_SELL", 1},
}

func ParsePositionType(s string) (PositionType, error) {
	return parseEnum("position type", positionTypeNames, s)
}

func (p PositionType) String() string               { return positionTypeNames[p].short }
func (p PositionType) Code() int                    { return positionTypeNames[p].code }
func (p PositionType) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
func (p *PositionType) UnmarshalJSON(b []byte) error {
	return unmarshalEnum("position type", positionTypeNames, b, p)
}

func PositionTypeFromCode(code int) (PositionType, error) {
	return parseEnum("position type", positionTypeNames, strconv.Itoa(code))
}

// OrderType returns the market order type that opened a position of type p.
func (p PositionType) OrderType() OrderType {
	switch p {
	case PositionBuy:
		return OrderBuy
	case PositionSell:
		return OrderSell
	}
	return OrderTypeUnset
}

// Retcode is a trade server return code (TRADE_RETCODE_*).
type Retcode uint32

const (
	RetcodeRequote          Retcode = 10004
	RetcodeReject           Retcode = 10006
	RetcodeCancel           Retcode = 10007
	RetcodePlaced           Retcode = 10008
	RetcodeDone             Retcode = 10009
	RetcodeDonePartial      Retcode = 10010
	RetcodeError            Retcode = 10011
	RetcodeTimeout          Retcode = 10012
	RetcodeInvalid          Retcode = 10013
	RetcodeInvalidVolume    Retcode = 10014
	RetcodeInvalidPrice     Retcode = 10015
	RetcodeInvalidStops     Retcode = 10016
	RetcodeTradeDisabled    Retcode = 10017
	RetcodeMarketClosed     Retcode = 10018
	RetcodeNoMoney          Retcode = 10019
	RetcodePriceChanged     Retcode = 10020
	RetcodePriceOff         Retcode = 10021
	RetcodeInvalidExpiry    Retcode = 10022
	RetcodeOrderChanged     Retcode = 10023
	RetcodeTooManyRequests  Retcode = 10024
	RetcodeAutoTradingOff   Retcode = 10027
	RetcodeInvalidFill      Retcode = 10030
	RetcodeConnection       Retcode = 10031
	RetcodePositionClosed   Retcode = 10036
	RetcodeInvalidCloseVol  Retcode = 10038
	RetcodeCloseOrderExists Retcode = 10039
)

var retcodeText = map[Retcode]string{
	RetcodeRequote:          "requote",
	RetcodeReject:           "request rejected",
	RetcodeCancel:           "request canceled by trader",
	RetcodePlaced:           "order placed",
	RetcodeDone:             "request completed",
	RetcodeDonePartial:      "only part of the request was completed",
	RetcodeError:            "request processing error",
	RetcodeTimeout:          "request canceled by timeout",
	RetcodeInvalid:          "invalid request",
	RetcodeInvalidVolume:    "invalid volume in the request",
	RetcodeInvalidPrice:     "invalid price in the request",
	RetcodeInvalidStops:     "invalid stops in the request",
	RetcodeTradeDisabled:    "trade is disabled",
	RetcodeMarketClosed:     "market is closed",
	RetcodeNoMoney:          "not enough money to complete the request",
	RetcodePriceChanged:     "prices changed",
	RetcodePriceOff:         "no quotes to process the request",
	RetcodeInvalidExpiry:    "invalid order expiration date",
	RetcodeOrderChanged:     "order state changed",
	RetcodeTooManyRequests:  "too frequent requests",
	RetcodeAutoTradingOff:   "autotrading disabled by client terminal",
	RetcodeInvalidFill:      "invalid order filling type",
	RetcodeConnection:       "no connection with the trade server",
	RetcodePositionClosed:   "position with the specified identifier has already been closed",
	RetcodeInvalidCloseVol:  "close volume exceeds the current position volume",
	RetcodeCloseOrderExists: "a close order already exists for the position",
}

func (r Retcode) String() string {
	if s, ok := retcodeText[r]; ok {
		return s
	}
	return "retcode " + strconv.FormatUint(uint64(r), 10)
}

// Success reports whether the trade server accepted the request. A pending
// order is accepted with RetcodePlaced rather than RetcodeDone.
func (r Retcode) Success() bool {
	return r == RetcodeDone || r == RetcodePlaced || r == RetcodeDonePartial
}

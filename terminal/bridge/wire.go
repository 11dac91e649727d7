package bridge

import (
	"strconv"
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

// wireOrder is an OrderRequest with enums as the terminal's numeric
// constants. Nil optionals are left out.
type wireOrder struct {
	Action      int      `json:"action"`
	Magic       *uint64  `json:"magic,omitempty"`
	Order       *uint64  `json:"order,omitempty"`
	Symbol      string   `json:"symbol,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	StopLimit   *float64 `json:"stoplimit,omitempty"`
	SL          *float64 `json:"sl,omitempty"`
	TP          *float64 `json:"tp,omitempty"`
	Deviation   *uint64  `json:"deviation,omitempty"`
	Type        int      `json:"type"`
	TypeFilling int      `json:"type_filling"`
	TypeTime    int      `json:"type_time"`
	Expiration  *int64   `json:"expiration,omitempty"`
	Comment     string   `json:"comment,omitempty"`
	Position    *uint64  `json:"position,omitempty"`
	PositionBy  *uint64  `json:"position_by,omitempty"`
}

func toWire(r terminal.OrderRequest) wireOrder {
	return wireOrder{
		Action:      r.Action.Code(),
		Magic:       r.Magic,
		Order:       r.Order,
		Symbol:      r.Symbol,
		Volume:      r.Volume,
		Price:       r.Price,
		StopLimit:   r.StopLimit,
		SL:          r.SL,
		TP:          r.TP,
		Deviation:   r.Deviation,
		Type:        r.Type.Code(),
		TypeFilling: r.TypeFilling.Code(),
		TypeTime:    r.TypeTime.Code(),
		Expiration:  r.Expiration,
		Comment:     r.Comment,
		Position:    r.Position,
		PositionBy:  r.PositionBy,
	}
}

type wirePosition struct {
	Ticket       uint64  `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Volume       float64 `json:"volume"`
	Type         int     `json:"type"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Comment      string  `json:"comment"`
	Magic        uint64  `json:"magic"`
	Time         int64   `json:"time"` // unix seconds
}

func (w wirePosition) position() (terminal.Position, error) {
	kind, err := terminal.PositionTypeFromCode(w.Type)
	if err != nil {
		return terminal.Position{}, terminal.Wrap(terminal.KindConnection, err, "position %d", w.Ticket)
	}
	return terminal.Position{
		Ticket:       w.Ticket,
		Symbol:       w.Symbol,
		Volume:       w.Volume,
		Type:         kind,
		PriceOpen:    w.PriceOpen,
		PriceCurrent: w.PriceCurrent,
		Profit:       w.Profit,
		SL:           w.SL,
		TP:           w.TP,
		Comment:      w.Comment,
		Magic:        w.Magic,
		Time:         time.Unix(w.Time, 0).UTC(),
	}, nil
}

type wireAccount struct {
	Login        int64   `json:"login"`
	Name         string  `json:"name"`
	Server       string  `json:"server"`
	Currency     string  `json:"currency"`
	Leverage     int     `json:"leverage"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Profit       float64 `json:"profit"`
	Margin       float64 `json:"margin"`
	MarginFree   float64 `json:"margin_free"`
	MarginLevel  float64 `json:"margin_level"`
	TradeAllowed bool    `json:"trade_allowed"`
}

func (w wireAccount) accountInfo() terminal.AccountInfo {
	return terminal.AccountInfo{
		Login:        strconv.FormatInt(w.Login, 10),
		Name:         w.Name,
		Server:       w.Server,
		Currency:     w.Currency,
		Leverage:     w.Leverage,
		Balance:      w.Balance,
		Equity:       w.Equity,
		Profit:       w.Profit,
		Margin:       w.Margin,
		MarginFree:   w.MarginFree,
		MarginLevel:  w.MarginLevel,
		TradeAllowed: w.TradeAllowed,
	}
}

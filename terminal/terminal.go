// Package terminal defines the contract of a single-session trading
// terminal connection and the request/response model that flows through
// it.
//
// A Terminal is logged in as at most one account at a time. Implementations
// are not expected to be safe for interleaved use by different accounts;
// callers serialize access and log in again before every operation.
package terminal

import (
	"context"
	"time"
)

// Terminal is a thin synchronous facade over one terminal connection.
type Terminal interface {
	// Initialize attaches the connection to the terminal installed at
	// exePath. An empty path attaches to whatever terminal the
	// implementation was configured with.
	Initialize(ctx context.Context, exePath string) error

	// Login authenticates the connection as the given account. A failed
	// login leaves the connection logged out.
	Login(ctx context.Context, creds Credentials) error

	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Positions(ctx context.Context, filter PositionFilter) ([]Position, error)
	SymbolInfo(ctx context.Context, name string) (SymbolInfo, error)
	SelectSymbol(ctx context.Context, name string) error
	Symbols(ctx context.Context) ([]string, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)

	// Shutdown detaches from the terminal. The terminal process itself
	// keeps running.
	Shutdown(ctx context.Context) error
}

// Initializer attaches a connection to a freshly installed terminal.
type Initializer interface {
	Initialize(ctx context.Context, exePath string) error
}

// Credentials are what the terminal needs to log in.
type Credentials struct {
	AccountID string `json:"account_id"`
	Password  string `json:"-"`
	Server    string `json:"broker_endpoint"`
}

// String never includes the password.
func (c Credentials) String() string {
	return c.AccountID + "@" + c.Server
}

// Same reports whether c and o name the same login.
func (c Credentials) Same(o Credentials) bool {
	return c.AccountID == o.AccountID && c.Server == o.Server && c.Password == o.Password
}

// OrderRequest mirrors the terminal's trade request. Pointer fields are
// optional and are left out of the request sent to the terminal when nil.
type OrderRequest struct {
	Action      Action    `json:"action"`
	Magic       *uint64   `json:"magic,omitempty"`
	Order       *uint64   `json:"order,omitempty"`
	Symbol      string    `json:"symbol,omitempty"`
	Volume      *float64  `json:"volume,omitempty"`
	Price       *float64  `json:"price,omitempty"`
	StopLimit   *float64  `json:"stoplimit,omitempty"`
	SL          *float64  `json:"sl,omitempty"`
	TP          *float64  `json:"tp,omitempty"`
	Deviation   *uint64   `json:"deviation,omitempty"`
	Type        OrderType `json:"type"`
	TypeFilling Filling   `json:"type_filling"`
	TypeTime    TimeType  `json:"type_time"`
	Expiration  *int64    `json:"expiration,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	Position    *uint64   `json:"position,omitempty"`
	PositionBy  *uint64   `json:"position_by,omitempty"`
}

// OrderResult is the trade server's answer to an OrderRequest.
type OrderResult struct {
	Retcode   Retcode `json:"retcode"`
	Deal      uint64  `json:"deal"`
	Order     uint64  `json:"order"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Comment   string  `json:"comment"`
	RequestID uint32  `json:"request_id"`
}

// Position is an open position on the logged-in account.
type Position struct {
	Ticket       uint64       `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Volume       float64      `json:"volume"`
	Type         PositionType `json:"type"`
	PriceOpen    float64      `json:"price_open"`
	PriceCurrent float64      `json:"price_current"`
	Profit       float64      `json:"profit"`
	SL           float64      `json:"sl"`
	TP           float64      `json:"tp"`
	Comment      string       `json:"comment"`
	Magic        uint64       `json:"magic"`
	Time         time.Time    `json:"time"`
}

// PositionFilter narrows a position query. Zero fields match everything.
type PositionFilter struct {
	Symbol string
	Ticket uint64
	Type   PositionType
}

// Match reports whether p passes the filter.
func (f PositionFilter) Match(p Position) bool {
	if f.Symbol != "" && f.Symbol != p.Symbol {
		return false
	}
	if f.Ticket != 0 && f.Ticket != p.Ticket {
		return false
	}
	if f.Type != PositionUnset && f.Type != p.Type {
		return false
	}
	return true
}

// SymbolInfo describes a tradable symbol.
type SymbolInfo struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	Bid            float64 `json:"bid"`
	Ask            float64 `json:"ask"`
	Spread         int     `json:"spread"`
	Digits         int     `json:"digits"`
	Point          float64 `json:"point"`
	VolumeMin      float64 `json:"volume_min"`
	VolumeMax      float64 `json:"volume_max"`
	VolumeStep     float64 `json:"volume_step"`
	ContractSize   float64 `json:"trade_contract_size"`
	CurrencyBase   string  `json:"currency_base"`
	CurrencyProfit string  `json:"currency_profit"`
	Visible        bool    `json:"visible"`
}

// AccountInfo is a snapshot of the logged-in account.
type AccountInfo struct {
	Login        string  `json:"login"`
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

// CloseRequest closes all or part of an open position.
type CloseRequest struct {
	Ticket    uint64   `json:"ticket"`
	Symbol    string   `json:"symbol,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	Deviation *uint64  `json:"deviation,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

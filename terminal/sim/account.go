package sim

import (
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

type account struct {
	login    string
	password string
	server   string
	currency string
	leverage int
	balance  float64

	positions map[uint64]*position
	orders    map[uint64]*pendingOrder
	selected  map[string]bool
}

type position struct {
	ticket  uint64
	symbol  string
	kind    terminal.PositionType
	volume  float64 // lots
	open    float64
	sl, tp  float64
	comment string
	magic   uint64
	opened  time.Time
}

// profitAt is the P/L, in the quote currency, of closing vol lots at price.
func (p *position) profitAt(price, vol, contractSize float64) float64 {
	if contractSize == 0 {
		contractSize = 1
	}
	diff := price - p.open
	if p.kind == terminal.PositionSell {
		diff = -diff
	}
	return diff * vol * contractSize
}

type pendingOrder struct {
	ticket uint64
	symbol string
	kind   terminal.OrderType
	volume float64
	price  float64
}

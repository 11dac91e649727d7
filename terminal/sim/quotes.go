package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

// Quote is the current bid/ask of a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// closePrice is the side a position of the given type closes on:
// longs close on the bid, shorts on the ask.
func (q Quote) closePrice(kind terminal.PositionType) float64 {
	if kind == terminal.PositionSell {
		return q.Ask
	}
	return q.Bid
}

type QuoteStore struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewQuoteStore() *QuoteStore {
	return &QuoteStore{quotes: make(map[string]Quote)}
}

func (qs *QuoteStore) Set(q Quote) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.quotes[q.Symbol] = q
}

func (qs *QuoteStore) Get(symbol string) (Quote, error) {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	q, ok := qs.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

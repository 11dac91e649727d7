// Package sim is an in-memory terminal with the same single-session
// semantics as the real one: one connection, logged in as at most one
// account, every call answering for whoever logged in last.
package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/mtgate/terminal"
)

// Terminal error codes, as reported by the real terminal's last_error.
const (
	CodeAuthFailed   = -6
	CodeNotConnected = -10004
)

type Terminal struct {
	mu          sync.Mutex
	initialized bool
	exePath     string
	latency     time.Duration

	accounts map[string]*account // key: login@server
	current  *account
	quotes   *QuoteStore
	specs    map[string]terminal.SymbolInfo

	nextTicket uint64
	nextReq    uint32
}

var _ terminal.Terminal = (*Terminal)(nil)

type Option func(*Terminal)

// WithLatency makes every call block for d, like a round trip to the
// terminal process would.
func WithLatency(d time.Duration) Option {
	return func(t *Terminal) { t.latency = d }
}

func New(opts ...Option) *Terminal {
	t := &Terminal{
		accounts:   make(map[string]*account),
		quotes:     NewQuoteStore(),
		specs:      make(map[string]terminal.SymbolInfo),
		nextTicket: 1000,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Seed returns a terminal with a couple of symbols and the given accounts
// (login -> password) on server, each funded with balance.
func Seed(server string, balance float64, accounts map[string]string, opts ...Option) *Terminal {
	t := New(opts...)
	t.AddSymbol(terminal.SymbolInfo{Name: "EURUSD", Description: "Euro vs US Dollar", Digits: 5, Point: 0.00001,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000, CurrencyBase: "EUR", CurrencyProfit: "USD"}, 1.08490, 1.08510)
	t.AddSymbol(terminal.SymbolInfo{Name: "USDJPY", Description: "US Dollar vs Japanese Yen", Digits: 3, Point: 0.001,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01, ContractSize: 100000, CurrencyBase: "USD", CurrencyProfit: "JPY"}, 151.020, 151.040)
	for login, pw := range accounts {
		t.AddAccount(login, pw, server, balance)
	}
	return t
}

// AddAccount registers an account the terminal will accept logins for.
func (t *Terminal) AddAccount(login, password, server string, balance float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts[login+"@"+server] = &account{
		login:     login,
		password:  password,
		server:    server,
		currency:  "USD",
		leverage:  100,
		balance:   balance,
		positions: make(map[uint64]*position),
		orders:    make(map[uint64]*pendingOrder),
		selected:  make(map[string]bool),
	}
}

// AddSymbol makes a symbol tradable at the given quote.
func (t *Terminal) AddSymbol(spec terminal.SymbolInfo, bid, ask float64) {
	t.mu.Lock()
	t.specs[spec.Name] = spec
	t.mu.Unlock()
	t.quotes.Set(Quote{Symbol: spec.Name, Bid: bid, Ask: ask, Time: time.Now()})
}

// Quotes exposes the price store so callers can move the market.
func (t *Terminal) Quotes() *QuoteStore { return t.quotes }

// LoggedIn returns the login of the account the connection is currently
// authenticated as, or "".
func (t *Terminal) LoggedIn() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.login
}

func (t *Terminal) wait(ctx context.Context) error {
	if t.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(t.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Terminal) Initialize(ctx context.Context, exePath string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	t.exePath = exePath
	return nil
}

func (t *Terminal) Login(ctx context.Context, creds terminal.Credentials) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return notConnected()
	}
	t.current = nil
	acct, ok := t.accounts[creds.AccountID+"@"+creds.Server]
	if !ok || acct.password != creds.Password {
		return terminal.Errorf(terminal.KindAuth, "Terminal: Authorization failed").WithCode(CodeAuthFailed)
	}
	t.current = acct
	return nil
}

// session returns the logged-in account. Callers hold t.mu.
func (t *Terminal) session() (*account, error) {
	if !t.initialized {
		return nil, notConnected()
	}
	if t.current == nil {
		return nil, terminal.Errorf(terminal.KindConnection, "no account is logged in").WithCode(CodeNotConnected)
	}
	return t.current, nil
}

func (t *Terminal) SendOrder(ctx context.Context, req terminal.OrderRequest) (terminal.OrderResult, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.OrderResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return terminal.OrderResult{}, err
	}
	t.nextReq++
	res := terminal.OrderResult{RequestID: t.nextReq}

	switch req.Action {
	case terminal.ActionDeal:
		return t.dealLocked(acct, req, res), nil
	case terminal.ActionPending:
		return t.pendingLocked(acct, req, res), nil
	case terminal.ActionSLTP:
		return t.sltpLocked(acct, req, res), nil
	case terminal.ActionModify, terminal.ActionRemove:
		return t.orderLocked(acct, req, res), nil
	default:
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = fmt.Sprintf("unsupported action %s", req.Action)
		return res, nil
	}
}

func (t *Terminal) dealLocked(acct *account, req terminal.OrderRequest, res terminal.OrderResult) terminal.OrderResult {
	q, err := t.quotes.Get(req.Symbol)
	if err != nil {
		res.Retcode = terminal.RetcodePriceOff
		res.Comment = err.Error()
		return res
	}
	res.Bid, res.Ask = q.Bid, q.Ask
	if req.Volume == nil || !t.validVolumeLocked(req.Symbol, *req.Volume) {
		res.Retcode = terminal.RetcodeInvalidVolume
		res.Comment = "Invalid volume"
		return res
	}
	vol := *req.Volume

	price := q.Ask
	if req.Type == terminal.OrderSell {
		price = q.Bid
	} else if req.Type != terminal.OrderBuy {
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = "Invalid order type for a deal"
		return res
	}

	t.nextTicket++
	res.Deal = t.nextTicket
	res.Order = t.nextTicket
	res.Volume = vol
	res.Price = price

	// Closing (or reducing) an existing position.
	if req.Position != nil {
		p, ok := acct.positions[*req.Position]
		if !ok {
			res.Retcode = terminal.RetcodePositionClosed
			res.Comment = "Position doesn't exist"
			return res
		}
		if opp, _ := p.kind.OrderType().Opposite(); opp != req.Type {
			res.Retcode = terminal.RetcodeInvalid
			res.Comment = "Close order must be opposite to the position"
			return res
		}
		if vol > p.volume+1e-9 {
			res.Retcode = terminal.RetcodeInvalidCloseVol
			res.Comment = "Invalid close volume"
			return res
		}
		acct.balance += p.profitAt(price, vol, t.specs[p.symbol].ContractSize)
		p.volume = round(p.volume-vol, 8)
		if p.volume <= 0 {
			delete(acct.positions, p.ticket)
		}
		res.Retcode = terminal.RetcodeDone
		res.Comment = "Request executed"
		return res
	}

	kind := terminal.PositionBuy
	if req.Type == terminal.OrderSell {
		kind = terminal.PositionSell
	}
	p := &position{
		ticket:  res.Order,
		symbol:  req.Symbol,
		kind:    kind,
		volume:  vol,
		open:    price,
		comment: req.Comment,
		opened:  time.Now(),
	}
	if req.SL != nil {
		p.sl = *req.SL
	}
	if req.TP != nil {
		p.tp = *req.TP
	}
	if req.Magic != nil {
		p.magic = *req.Magic
	}
	acct.positions[p.ticket] = p
	res.Retcode = terminal.RetcodeDone
	res.Comment = "Request executed"
	return res
}

func (t *Terminal) pendingLocked(acct *account, req terminal.OrderRequest, res terminal.OrderResult) terminal.OrderResult {
	if _, ok := t.specs[req.Symbol]; !ok {
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = "Unknown symbol"
		return res
	}
	if req.Price == nil || *req.Price <= 0 {
		res.Retcode = terminal.RetcodeInvalidPrice
		res.Comment = "Invalid price"
		return res
	}
	if req.Volume == nil || !t.validVolumeLocked(req.Symbol, *req.Volume) {
		res.Retcode = terminal.RetcodeInvalidVolume
		res.Comment = "Invalid volume"
		return res
	}
	t.nextTicket++
	acct.orders[t.nextTicket] = &pendingOrder{ticket: t.nextTicket, symbol: req.Symbol, kind: req.Type, volume: *req.Volume, price: *req.Price}
	res.Order = t.nextTicket
	res.Volume = *req.Volume
	res.Price = *req.Price
	res.Retcode = terminal.RetcodePlaced
	res.Comment = "Request placed"
	return res
}

func (t *Terminal) sltpLocked(acct *account, req terminal.OrderRequest, res terminal.OrderResult) terminal.OrderResult {
	if req.Position == nil {
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = "Position is required"
		return res
	}
	p, ok := acct.positions[*req.Position]
	if !ok {
		res.Retcode = terminal.RetcodePositionClosed
		res.Comment = "Position doesn't exist"
		return res
	}
	if req.SL != nil {
		p.sl = *req.SL
	}
	if req.TP != nil {
		p.tp = *req.TP
	}
	res.Retcode = terminal.RetcodeDone
	res.Comment = "Request executed"
	return res
}

func (t *Terminal) orderLocked(acct *account, req terminal.OrderRequest, res terminal.OrderResult) terminal.OrderResult {
	if req.Order == nil {
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = "Order is required"
		return res
	}
	o, ok := acct.orders[*req.Order]
	if !ok {
		res.Retcode = terminal.RetcodeInvalid
		res.Comment = "Order doesn't exist"
		return res
	}
	res.Order = o.ticket
	if req.Action == terminal.ActionRemove {
		delete(acct.orders, o.ticket)
		res.Retcode = terminal.RetcodeDone
		res.Comment = "Request executed"
		return res
	}
	if req.Price != nil {
		o.price = *req.Price
	}
	res.Price = o.price
	res.Volume = o.volume
	res.Retcode = terminal.RetcodeDone
	res.Comment = "Request executed"
	return res
}

func (t *Terminal) validVolumeLocked(symbol string, vol float64) bool {
	spec, ok := t.specs[symbol]
	if !ok || vol < spec.VolumeMin || vol > spec.VolumeMax {
		return false
	}
	if spec.VolumeStep <= 0 {
		return true
	}
	steps := vol / spec.VolumeStep
	return math.Abs(steps-math.Round(steps)) < 1e-6
}

func (t *Terminal) Positions(ctx context.Context, filter terminal.PositionFilter) ([]terminal.Position, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return nil, err
	}
	out := make([]terminal.Position, 0, len(acct.positions))
	for _, p := range acct.positions {
		pos := t.snapshotLocked(p)
		if filter.Match(pos) {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (t *Terminal) snapshotLocked(p *position) terminal.Position {
	pos := terminal.Position{
		Ticket:    p.ticket,
		Symbol:    p.symbol,
		Volume:    p.volume,
		Type:      p.kind,
		PriceOpen: p.open,
		SL:        p.sl,
		TP:        p.tp,
		Comment:   p.comment,
		Magic:     p.magic,
		Time:      p.opened,
	}
	if q, err := t.quotes.Get(p.symbol); err == nil {
		pos.PriceCurrent = q.closePrice(p.kind)
		pos.Profit = p.profitAt(pos.PriceCurrent, p.volume, t.specs[p.symbol].ContractSize)
	}
	return pos
}

func (t *Terminal) SymbolInfo(ctx context.Context, name string) (terminal.SymbolInfo, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.SymbolInfo{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return terminal.SymbolInfo{}, err
	}
	spec, ok := t.specs[name]
	if !ok {
		return terminal.SymbolInfo{}, terminal.Errorf(terminal.KindNotFound, "symbol %q not found", name)
	}
	if q, err := t.quotes.Get(name); err == nil {
		spec.Bid, spec.Ask = q.Bid, q.Ask
		if spec.Point > 0 {
			spec.Spread = int(math.Round((q.Ask - q.Bid) / spec.Point))
		}
	}
	spec.Visible = acct.selected[name]
	return spec, nil
}

func (t *Terminal) SelectSymbol(ctx context.Context, name string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return err
	}
	if _, ok := t.specs[name]; !ok {
		return terminal.Errorf(terminal.KindNotFound, "symbol %q not found", name)
	}
	acct.selected[name] = true
	return nil
}

func (t *Terminal) Symbols(ctx context.Context) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(acct.selected))
	for name := range acct.selected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Terminal) AccountInfo(ctx context.Context) (terminal.AccountInfo, error) {
	if err := t.wait(ctx); err != nil {
		return terminal.AccountInfo{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	acct, err := t.session()
	if err != nil {
		return terminal.AccountInfo{}, err
	}
	var profit, margin float64
	for _, p := range acct.positions {
		snap := t.snapshotLocked(p)
		profit += snap.Profit
		margin += p.volume * t.specs[p.symbol].ContractSize * p.open / float64(acct.leverage)
	}
	info := terminal.AccountInfo{
		Login:        acct.login,
		Name:         "Simulated " + acct.login,
		Server:       acct.server,
		Currency:     acct.currency,
		Leverage:     acct.leverage,
		Balance:      round(acct.balance, 2),
		Profit:       round(profit, 2),
		Equity:       round(acct.balance+profit, 2),
		Margin:       round(margin, 2),
		TradeAllowed: true,
	}
	info.MarginFree = round(info.Equity-info.Margin, 2)
	if info.Margin > 0 {
		info.MarginLevel = round(info.Equity/info.Margin*100, 2)
	}
	return info, nil
}

func (t *Terminal) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
	t.current = nil
	return nil
}

func notConnected() *terminal.Error {
	return terminal.Errorf(terminal.KindConnection, "IPC initialize failed, terminal not initialized").WithCode(CodeNotConnected)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/mtgate/terminal"
)

const server = "Sim-Demo"

func newTerminal(t *testing.T) *Terminal {
	t.Helper()
	term := Seed(server, 10000, map[string]string{"1001": "pw-a", "1002": "pw-b"})
	require.NoError(t, term.Initialize(context.Background(), ""))
	return term
}

func login(t *testing.T, term *Terminal, acct, pw string) {
	t.Helper()
	require.NoError(t, term.Login(context.Background(), terminal.Credentials{AccountID: acct, Password: pw, Server: server}))
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func buy(symbol string, vol float64) terminal.OrderRequest {
	return terminal.OrderRequest{
		Action:      terminal.ActionDeal,
		Magic:       u64(1),
		Symbol:      symbol,
		Volume:      f64(vol),
		Type:        terminal.OrderBuy,
		TypeFilling: terminal.FillingFOK,
		TypeTime:    terminal.TimeGTC,
	}
}

func TestNotInitialized(t *testing.T) {
	t.Parallel()

	term := Seed(server, 10000, map[string]string{"1001": "pw-a"})
	err := term.Login(context.Background(), terminal.Credentials{AccountID: "1001", Password: "pw-a", Server: server})
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindConnection))
	assert.Equal(t, CodeNotConnected, terminal.CodeOf(err))
}

func TestLogin(t *testing.T) {
	t.Parallel()

	term := newTerminal(t)
	login(t, term, "1001", "pw-a")
	assert.Equal(t, "1001", term.LoggedIn())

	err := term.Login(context.Background(), terminal.Credentials{AccountID: "1002", Password: "wrong", Server: server})
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindAuth))
	assert.Equal(t, CodeAuthFailed, terminal.CodeOf(err))
	assert.Empty(t, term.LoggedIn(), "failed login leaves the connection logged out")

	_, err = term.AccountInfo(context.Background())
	assert.True(t, terminal.IsKind(err, terminal.KindConnection))
}

func TestSessionIsPerAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	term := newTerminal(t)

	login(t, term, "1001", "pw-a")
	_, err := terminal.PlaceOrder(ctx, term, buy("EURUSD", 0.1))
	require.NoError(t, err)

	login(t, term, "1002", "pw-b")
	positions, err := term.Positions(ctx, terminal.PositionFilter{})
	require.NoError(t, err)
	assert.Empty(t, positions, "account B must not see account A's positions")

	login(t, term, "1001", "pw-a")
	positions, err = term.Positions(ctx, terminal.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "EURUSD", positions[0].Symbol)
	assert.Equal(t, terminal.PositionBuy, positions[0].Type)
	assert.InDelta(t, 1.08510, positions[0].PriceOpen, 1e-9)
}

func TestOpenAndClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	term := newTerminal(t)
	login(t, term, "1001", "pw-a")

	res, err := terminal.PlaceOrder(ctx, term, buy("EURUSD", 1))
	require.NoError(t, err)
	assert.Equal(t, terminal.RetcodeDone, res.Retcode)

	term.Quotes().Set(Quote{Symbol: "EURUSD", Bid: 1.08610, Ask: 1.08630, Time: time.Now()})

	info, err := term.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, info.Profit, 0.01)
	assert.InDelta(t, 10100.0, info.Equity, 0.01)

	_, err = terminal.ClosePosition(ctx, term, terminal.CloseRequest{Ticket: res.Order, Volume: f64(0.4)})
	require.NoError(t, err)
	positions, err := term.Positions(ctx, terminal.PositionFilter{Ticket: res.Order})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.6, positions[0].Volume, 1e-9)

	_, err = terminal.ClosePosition(ctx, term, terminal.CloseRequest{Ticket: res.Order})
	require.NoError(t, err)
	positions, err = term.Positions(ctx, terminal.PositionFilter{})
	require.NoError(t, err)
	assert.Empty(t, positions)

	info, err = term.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10100.0, info.Balance, 0.01)

	_, err = terminal.ClosePosition(ctx, term, terminal.CloseRequest{Ticket: res.Order})
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound))
}

func TestRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	term := newTerminal(t)
	login(t, term, "1001", "pw-a")

	_, err := terminal.PlaceOrder(ctx, term, buy("EURUSD", 0.015))
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindOrderRejected))
	assert.Equal(t, int(terminal.RetcodeInvalidVolume), terminal.CodeOf(err))

	_, err = terminal.PlaceOrder(ctx, term, buy("XAUUSD", 0.1))
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound))
}

func TestPendingOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	term := newTerminal(t)
	login(t, term, "1001", "pw-a")

	req := buy("EURUSD", 0.2)
	req.Action = terminal.ActionPending
	req.Type = terminal.OrderBuyLimit
	req.Price = f64(1.0700)
	res, err := terminal.PlaceOrder(ctx, term, req)
	require.NoError(t, err)
	assert.Equal(t, terminal.RetcodePlaced, res.Retcode)

	remove := terminal.OrderRequest{
		Action:      terminal.ActionRemove,
		Magic:       u64(1),
		Order:       u64(res.Order),
		Type:        terminal.OrderBuyLimit,
		TypeFilling: terminal.FillingFOK,
		TypeTime:    terminal.TimeGTC,
	}
	res, err = terminal.PlaceOrder(ctx, term, remove)
	require.NoError(t, err)
	assert.Equal(t, terminal.RetcodeDone, res.Retcode)
}

func TestSymbols(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	term := newTerminal(t)
	login(t, term, "1001", "pw-a")

	syms, err := term.Symbols(ctx)
	require.NoError(t, err)
	assert.Empty(t, syms)

	require.NoError(t, term.SelectSymbol(ctx, "USDJPY"))
	syms, err = term.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USDJPY"}, syms)

	info, err := term.SymbolInfo(ctx, "USDJPY")
	require.NoError(t, err)
	assert.True(t, info.Visible)
	assert.Equal(t, 20, info.Spread)

	_, err = term.SymbolInfo(ctx, "NOPE")
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound))
}

func TestLatencyHonoursContext(t *testing.T) {
	t.Parallel()

	term := New(WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := term.Initialize(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

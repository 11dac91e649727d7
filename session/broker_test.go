package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rustyeddy/mtgate/credstore"
	"github.com/rustyeddy/mtgate/instrument"
	"github.com/rustyeddy/mtgate/procman"
	"github.com/rustyeddy/mtgate/terminal"
	"github.com/rustyeddy/mtgate/terminal/sim"
)

const server = "Sim-Demo"

// recordingTerminal wraps the simulator and watches for calls that overlap
// or that run without a login.
type recordingTerminal struct {
	*sim.Terminal

	inflight atomic.Int32
	overlaps atomic.Int32
	logins   atomic.Int32

	// When set, AccountInfo signals entered and then blocks on block,
	// ignoring its context.
	block   chan struct{}
	entered chan struct{}

	panicSymbols atomic.Bool
}

func (r *recordingTerminal) enter() func() {
	if r.inflight.Add(1) > 1 {
		r.overlaps.Add(1)
	}
	return func() { r.inflight.Add(-1) }
}

func (r *recordingTerminal) Login(ctx context.Context, creds terminal.Credentials) error {
	defer r.enter()()
	r.logins.Add(1)
	return r.Terminal.Login(ctx, creds)
}

func (r *recordingTerminal) AccountInfo(ctx context.Context) (terminal.AccountInfo, error) {
	defer r.enter()()
	if r.block != nil {
		r.entered <- struct{}{}
		<-r.block
	}
	return r.Terminal.AccountInfo(ctx)
}

func (r *recordingTerminal) SendOrder(ctx context.Context, req terminal.OrderRequest) (terminal.OrderResult, error) {
	defer r.enter()()
	return r.Terminal.SendOrder(ctx, req)
}

func (r *recordingTerminal) Positions(ctx context.Context, f terminal.PositionFilter) ([]terminal.Position, error) {
	defer r.enter()()
	return r.Terminal.Positions(ctx, f)
}

func (r *recordingTerminal) Symbols(ctx context.Context) ([]string, error) {
	defer r.enter()()
	if r.panicSymbols.Load() {
		panic("bridge went away")
	}
	return r.Terminal.Symbols(ctx)
}

func newBroker(t *testing.T, opts ...Option) (*Broker, *recordingTerminal) {
	t.Helper()

	store, err := credstore.NewSQLite(filepath.Join(t.TempDir(), "creds.db"), credstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	st := sim.Seed(server, 10000, map[string]string{"1001": "pw-a", "1002": "pw-b"}, sim.WithLatency(time.Millisecond))
	rt := &recordingTerminal{Terminal: st}
	b := New(store, rt, opts...)
	require.NoError(t, b.Initialize(context.Background(), ""))
	return b, rt
}

func login(t *testing.T, b *Broker, owner, acct, pw string) string {
	t.Helper()
	token, err := b.Login(context.Background(), LoginRequest{OwnerID: owner, AccountID: acct, Password: pw, Server: server})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return token
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func TestLoginThenAccount(t *testing.T) {
	t.Parallel()

	b, _ := newBroker(t)
	token := login(t, b, "alice", "1001", "pw-a")

	sum, err := b.Account(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sum.OwnerID)
	assert.Equal(t, "1001", sum.AccountID)
	assert.Equal(t, server, sum.Server)
	assert.False(t, sum.IssuedAt.IsZero())
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, rt := newBroker(t)

	_, err := b.Login(ctx, LoginRequest{OwnerID: "alice", AccountID: "1001", Password: "nope", Server: server})
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindAuth))
	assert.Equal(t, sim.CodeAuthFailed, terminal.CodeOf(err))

	before := rt.logins.Load()
	_, err = b.Login(ctx, LoginRequest{OwnerID: "alice", AccountID: "1001"})
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
	assert.Contains(t, err.Error(), "'password'")
	assert.Equal(t, before, rt.logins.Load())
}

func TestInvalidToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, rt := newBroker(t)
	_, err := b.AccountInfo(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.True(t, terminal.IsKind(err, terminal.KindInvalidToken))
	_, err = b.Account(ctx, "")
	assert.True(t, terminal.IsKind(err, terminal.KindInvalidToken))
	assert.Zero(t, rt.logins.Load())
}

func TestBadTokenNeverWaitsForTheRight(t *testing.T) {
	t.Parallel()

	b, _ := newBroker(t, WithTimeouts(time.Second, time.Second))
	release, err := b.right.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = b.Positions(context.Background(), "bogus", terminal.PositionFilter{})
	assert.True(t, terminal.IsKind(err, terminal.KindInvalidToken))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRequestsNeverOverlap(t *testing.T) {
	t.Parallel()

	b, rt := newBroker(t)
	tokens := map[string]string{
		"1001": login(t, b, "alice", "1001", "pw-a"),
		"1002": login(t, b, "bob", "1002", "pw-b"),
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		acct := "1001"
		if i%2 == 1 {
			acct = "1002"
		}
		wg.Add(1)
		go func(acct string) {
			defer wg.Done()
			info, err := b.AccountInfo(context.Background(), tokens[acct])
			if assert.NoError(t, err) {
				assert.Equal(t, acct, info.Login, "request answered for the wrong account")
			}
		}(acct)
	}
	wg.Wait()

	assert.Zero(t, rt.overlaps.Load())
	assert.False(t, b.right.Held())
}

func TestReloginKeepsOldTokenOnItsAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newBroker(t)
	first := login(t, b, "alice", "1001", "pw-a")
	second := login(t, b, "alice", "1002", "pw-b")
	assert.NotEqual(t, first, second)

	info, err := b.AccountInfo(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "1001", info.Login)

	info, err = b.AccountInfo(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "1002", info.Login)
}

func TestDealWithoutVolumeNeverLogsIn(t *testing.T) {
	t.Parallel()

	b, rt := newBroker(t)
	token := login(t, b, "alice", "1001", "pw-a")
	before := rt.logins.Load()

	_, err := b.PlaceOrder(context.Background(), token, terminal.OrderRequest{
		Action:      terminal.ActionDeal,
		Magic:       u64(1),
		Symbol:      "EURUSD",
		Type:        terminal.OrderBuy,
		TypeFilling: terminal.FillingFOK,
		TypeTime:    terminal.TimeGTC,
	})
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
	assert.Equal(t, before, rt.logins.Load())
}

func TestTradeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, _ := newBroker(t)
	token := login(t, b, "alice", "1001", "pw-a")

	_, err := b.Positions(ctx, token, terminal.PositionFilter{})
	assert.True(t, terminal.IsKind(err, terminal.KindNoPositions))

	res, err := b.PlaceOrder(ctx, token, terminal.OrderRequest{
		Action:      terminal.ActionDeal,
		Magic:       u64(1),
		Symbol:      "EURUSD",
		Volume:      f64(0.5),
		Type:        terminal.OrderSell,
		TypeFilling: terminal.FillingIOC,
		TypeTime:    terminal.TimeGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, terminal.RetcodeDone, res.Retcode)

	positions, err := b.Positions(ctx, token, terminal.PositionFilter{Symbol: "EURUSD"})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, terminal.PositionSell, positions[0].Type)

	syms, err := b.Symbols(ctx, token)
	require.NoError(t, err)
	assert.Contains(t, syms, "EURUSD")

	info, err := b.SymbolInfo(ctx, token, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 5, info.Digits)

	_, err = b.ClosePosition(ctx, token, terminal.CloseRequest{Ticket: res.Order})
	require.NoError(t, err)

	_, err = b.ClosePosition(ctx, token, terminal.CloseRequest{Ticket: res.Order})
	assert.True(t, terminal.IsKind(err, terminal.KindNotFound))

	_, err = b.ClosePosition(ctx, token, terminal.CloseRequest{})
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
	_, err = b.SymbolInfo(ctx, token, " ")
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))
}

func TestWaitTimeCoversHolderProcessing(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	b, rt := newBroker(t, WithRecorder(instrument.NewRecorder(zap.New(core))))
	tokenA := login(t, b, "alice", "1001", "pw-a")
	tokenB := login(t, b, "bob", "1002", "pw-b")

	rt.block = make(chan struct{})
	rt.entered = make(chan struct{}, 1)

	const hold = 60 * time.Millisecond
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := b.AccountInfo(context.Background(), tokenA)
		assert.NoError(t, err)
	}()
	<-rt.entered

	go func() {
		defer wg.Done()
		_, err := b.AccountInfo(context.Background(), tokenB)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return b.right.Waiting() == 1 }, time.Second, time.Millisecond)

	time.Sleep(hold)
	close(rt.block)
	<-rt.entered
	wg.Wait()

	var waitB, procA time.Duration
	for _, e := range logs.FilterMessage("request done").All() {
		fields := e.ContextMap()
		if fields["op"] != "account_info" {
			continue
		}
		switch fields["account"] {
		case "1001":
			procA = fields["processing"].(time.Duration)
		case "1002":
			waitB = fields["wait"].(time.Duration)
		}
	}
	assert.GreaterOrEqual(t, procA, hold)
	assert.GreaterOrEqual(t, waitB, hold)
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	b, rt := newBroker(t, WithTimeouts(20*time.Millisecond, 0))
	token := login(t, b, "alice", "1001", "pw-a")
	before := rt.logins.Load()

	release, err := b.right.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = b.AccountInfo(context.Background(), token)
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindTimeout))
	assert.Equal(t, before, rt.logins.Load())
	assert.Zero(t, b.right.Waiting())
	assert.GreaterOrEqual(t, b.Recorder().Stats().MaxWait, 20*time.Millisecond)
}

func TestCallTimeoutHoldsTheRightUntilTheCallReturns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, rt := newBroker(t, WithTimeouts(time.Second, 30*time.Millisecond))
	tokenA := login(t, b, "alice", "1001", "pw-a")
	tokenB := login(t, b, "bob", "1002", "pw-b")

	rt.block = make(chan struct{})
	rt.entered = make(chan struct{}, 1)
	var unblock sync.Once
	t.Cleanup(func() { unblock.Do(func() { close(rt.block) }) })

	_, err := b.AccountInfo(ctx, tokenA)
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindTimeout))
	<-rt.entered
	assert.True(t, b.right.Held(), "the stuck call still owns the connection")

	before := rt.logins.Load()
	done := make(chan error, 1)
	go func() {
		_, err := b.Symbols(ctx, tokenB)
		done <- err
	}()
	require.Eventually(t, func() bool { return b.right.Waiting() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, before, rt.logins.Load(), "logged in while the stuck call was running")

	unblock.Do(func() { close(rt.block) })
	require.NoError(t, <-done)
	assert.Equal(t, before+1, rt.logins.Load())
	assert.Zero(t, rt.overlaps.Load())
	assert.Eventually(t, func() bool { return !b.right.Held() }, time.Second, time.Millisecond)
}

func TestCallTimeoutOnFreeConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, rt := newBroker(t, WithTimeouts(time.Second, 30*time.Millisecond))
	token := login(t, b, "alice", "1001", "pw-a")

	rt.block = make(chan struct{})
	rt.entered = make(chan struct{}, 1)
	_, err := b.AccountInfo(ctx, token)
	assert.True(t, terminal.IsKind(err, terminal.KindTimeout))
	<-rt.entered
	close(rt.block)

	// Once the stuck call returns the right is free again.
	require.Eventually(t, func() bool { return !b.right.Held() }, time.Second, time.Millisecond)
	rt.block = nil
	_, err = b.AccountInfo(ctx, token)
	assert.NoError(t, err)
	assert.Zero(t, rt.overlaps.Load())
}

func TestPanicBecomesConnectionError(t *testing.T) {
	t.Parallel()

	b, rt := newBroker(t)
	token := login(t, b, "alice", "1001", "pw-a")

	rt.panicSymbols.Store(true)
	_, err := b.Symbols(context.Background(), token)
	require.Error(t, err)
	assert.True(t, terminal.IsKind(err, terminal.KindConnection))
	assert.False(t, b.right.Held())

	rt.panicSymbols.Store(false)
	_, err = b.Symbols(context.Background(), token)
	assert.NoError(t, err)
}

func TestResetAccount(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the terminal")
	}
	ctx := context.Background()

	b, _ := newBroker(t)
	err := b.ResetAccount(ctx, "1001")
	assert.True(t, terminal.IsKind(err, terminal.KindValidation))

	tmpl := filepath.Join(t.TempDir(), "template")
	require.NoError(t, os.MkdirAll(tmpl, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmpl, "terminal.sh"), []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	pm, err := procman.New(procman.Config{
		BaseDir:        filepath.Join(t.TempDir(), "accounts"),
		TemplateDir:    tmpl,
		Exe:            "terminal.sh",
		Args:           []string{},
		TerminateGrace: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Shutdown(context.Background()) })

	b, _ = newBroker(t, WithProcessManager(pm))
	require.NoError(t, b.ResetAccount(ctx, "1001"))
	insts := pm.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, "1001", insts[0].AccountID)

	// The connection still works after being re-attached.
	token := login(t, b, "alice", "1001", "pw-a")
	_, err = b.AccountInfo(ctx, token)
	assert.NoError(t, err)
}

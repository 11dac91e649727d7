// Package session multiplexes many logical account sessions over one
// terminal connection.
//
// Every operation resolves its token, takes the exclusive Right, logs the
// connection in as the token's account and runs exactly one terminal call
// before releasing the Right. Logging in again on every request is what
// keeps one account from ever acting on another's session.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/credstore"
	"github.com/rustyeddy/mtgate/instrument"
	"github.com/rustyeddy/mtgate/internal/trace"
	"github.com/rustyeddy/mtgate/pkg/id"
	"github.com/rustyeddy/mtgate/procman"
	"github.com/rustyeddy/mtgate/terminal"
)

const (
	DefaultAcquireTimeout = 30 * time.Second
	DefaultCallTimeout    = 60 * time.Second
)

type Broker struct {
	store credstore.Store
	term  terminal.Terminal
	procs *procman.Manager
	rec   *instrument.Recorder
	log   *zap.Logger

	right          Right
	acquireTimeout time.Duration
	callTimeout    time.Duration
}

type Option func(*Broker)

func WithLogger(log *zap.Logger) Option {
	return func(b *Broker) { b.log = log }
}

func WithRecorder(rec *instrument.Recorder) Option {
	return func(b *Broker) { b.rec = rec }
}

// WithProcessManager enables ResetAccount.
func WithProcessManager(m *procman.Manager) Option {
	return func(b *Broker) { b.procs = m }
}

// WithTimeouts bounds the wait for the right and each terminal call. Zero
// disables the bound.
func WithTimeouts(acquire, call time.Duration) Option {
	return func(b *Broker) {
		b.acquireTimeout = acquire
		b.callTimeout = call
	}
}

func New(store credstore.Store, term terminal.Terminal, opts ...Option) *Broker {
	b := &Broker{
		store:          store,
		term:           term,
		acquireTimeout: DefaultAcquireTimeout,
		callTimeout:    DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.log = b.log.Named("session")
	if b.rec == nil {
		b.rec = instrument.NewRecorder(b.log)
	}
	return b
}

// Recorder exposes the timing totals.
func (b *Broker) Recorder() *instrument.Recorder { return b.rec }

// LoginRequest carries the credentials a caller wants a token for.
type LoginRequest struct {
	OwnerID   string `json:"owner_id"`
	AccountID string `json:"account_id"`
	Password  string `json:"password"`
	Server    string `json:"broker_endpoint"`
}

func (r LoginRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.OwnerID) == "" {
		missing = append(missing, "'owner_id'")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		missing = append(missing, "'account_id'")
	}
	if r.Password == "" {
		missing = append(missing, "'password'")
	}
	if strings.TrimSpace(r.Server) == "" {
		missing = append(missing, "'broker_endpoint'")
	}
	if len(missing) > 0 {
		return terminal.Errorf(terminal.KindValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Summary describes a token's binding without the password.
type Summary struct {
	OwnerID   string    `json:"owner_id"`
	AccountID string    `json:"account_id"`
	Server    string    `json:"broker_endpoint"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Login authenticates the credentials against the terminal and, on
// success, issues a token bound to them.
func (b *Broker) Login(ctx context.Context, req LoginRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	creds := terminal.Credentials{AccountID: req.AccountID, Password: req.Password, Server: req.Server}

	_, err := run(ctx, b, "login", creds.AccountID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.login(ctx, creds)
	})
	if err != nil {
		return "", err
	}

	token := id.Token()
	rec := credstore.Record{
		Token:     token,
		OwnerID:   req.OwnerID,
		AccountID: creds.AccountID,
		Password:  creds.Password,
		Server:    creds.Server,
		CreatedAt: time.Now(),
	}
	if err := b.store.Put(ctx, rec); err != nil {
		return "", terminal.Wrap(terminal.KindInternal, err, "store token")
	}
	b.log.Info("issued token", zap.String("owner", req.OwnerID), zap.Stringer("account", creds))
	return token, nil
}

// Account resolves token without touching the terminal.
func (b *Broker) Account(ctx context.Context, token string) (Summary, error) {
	rec, err := b.resolve(ctx, token)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		OwnerID:   rec.OwnerID,
		AccountID: rec.AccountID,
		Server:    rec.Server,
		IssuedAt:  rec.CreatedAt,
	}, nil
}

func (b *Broker) AccountInfo(ctx context.Context, token string) (terminal.AccountInfo, error) {
	return withSession(ctx, b, "account_info", token, func(ctx context.Context) (terminal.AccountInfo, error) {
		return b.term.AccountInfo(ctx)
	})
}

// PlaceOrder validates req before anything else, so a malformed order never
// costs a login.
func (b *Broker) PlaceOrder(ctx context.Context, token string, req terminal.OrderRequest) (terminal.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return terminal.OrderResult{}, err
	}
	return withSession(ctx, b, "place_order", token, func(ctx context.Context) (terminal.OrderResult, error) {
		return terminal.PlaceOrder(ctx, b.term, req)
	})
}

// Positions returns the open positions matching filter. No match is a
// KindNoPositions error.
func (b *Broker) Positions(ctx context.Context, token string, filter terminal.PositionFilter) ([]terminal.Position, error) {
	positions, err := withSession(ctx, b, "positions", token, func(ctx context.Context) ([]terminal.Position, error) {
		return b.term.Positions(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, terminal.Errorf(terminal.KindNoPositions, "no open positions")
	}
	return positions, nil
}

func (b *Broker) Symbols(ctx context.Context, token string) ([]string, error) {
	return withSession(ctx, b, "symbols", token, func(ctx context.Context) ([]string, error) {
		return b.term.Symbols(ctx)
	})
}

func (b *Broker) SymbolInfo(ctx context.Context, token, name string) (terminal.SymbolInfo, error) {
	if strings.TrimSpace(name) == "" {
		return terminal.SymbolInfo{}, terminal.Errorf(terminal.KindValidation, "'symbol' is a required field")
	}
	return withSession(ctx, b, "symbol_info", token, func(ctx context.Context) (terminal.SymbolInfo, error) {
		return b.term.SymbolInfo(ctx, name)
	})
}

func (b *Broker) ClosePosition(ctx context.Context, token string, req terminal.CloseRequest) (terminal.OrderResult, error) {
	if req.Ticket == 0 {
		return terminal.OrderResult{}, terminal.Errorf(terminal.KindValidation, "'ticket' is a required field")
	}
	return withSession(ctx, b, "close_position", token, func(ctx context.Context) (terminal.OrderResult, error) {
		return terminal.ClosePosition(ctx, b.term, req)
	})
}

// ResetAccount reinstalls accountID's terminal and attaches the shared
// connection to it. It holds the right throughout, since attaching
// replaces whatever the connection was attached to.
func (b *Broker) ResetAccount(ctx context.Context, accountID string) error {
	if b.procs == nil {
		return terminal.Errorf(terminal.KindValidation, "process manager is not configured")
	}
	_, err := run(ctx, b, "reset_account", accountID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.procs.Reset(ctx, accountID, b.term)
	})
	return err
}

// Initialize attaches the shared connection to the terminal at exePath.
func (b *Broker) Initialize(ctx context.Context, exePath string) error {
	_, err := run(ctx, b, "initialize", "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.term.Initialize(ctx, exePath)
	})
	return err
}

// Shutdown detaches the shared connection once in-flight requests are done.
func (b *Broker) Shutdown(ctx context.Context) error {
	_, err := run(ctx, b, "shutdown", "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.term.Shutdown(ctx)
	})
	return err
}

func (b *Broker) resolve(ctx context.Context, token string) (credstore.Record, error) {
	if strings.TrimSpace(token) == "" {
		return credstore.Record{}, terminal.Errorf(terminal.KindInvalidToken, "missing token")
	}
	if !id.Valid(token) {
		return credstore.Record{}, terminal.Errorf(terminal.KindInvalidToken, "invalid or expired token")
	}
	rec, err := b.store.GetByToken(ctx, token)
	if errors.Is(err, credstore.ErrNotFound) {
		return credstore.Record{}, terminal.Errorf(terminal.KindInvalidToken, "invalid or expired token")
	}
	if err != nil {
		return credstore.Record{}, terminal.Wrap(terminal.KindInternal, err, "resolve token")
	}
	return rec, nil
}

// login re-authenticates the shared connection. Failures the terminal did
// not classify are reported as authentication errors.
func (b *Broker) login(ctx context.Context, creds terminal.Credentials) error {
	err := b.term.Login(ctx, creds)
	if err == nil {
		return nil
	}
	if terminal.KindOf(err) != terminal.KindInternal {
		return err
	}
	return terminal.Wrap(terminal.KindAuth, err, "login %s failed", creds)
}

func withSession[T any](ctx context.Context, b *Broker, op, token string, fn func(context.Context) (T, error)) (T, error) {
	rec, err := b.resolve(ctx, token)
	if err != nil {
		var zero T
		return zero, err
	}
	creds := rec.Credentials()
	return run(ctx, b, op, rec.AccountID, func(ctx context.Context) (T, error) {
		if err := b.login(ctx, creds); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
}

type outcome[T any] struct {
	val T
	err error
}

// run executes fn while holding the right.
func run[T any](ctx context.Context, b *Broker, op, accountID string, fn func(context.Context) (T, error)) (val T, err error) {
	ctx, span := trace.StartSpan(ctx, "session."+op)
	defer span.End()

	tm := instrument.Start(op, accountID)
	defer func() { b.rec.Record(ctx, tm, err) }()

	actx, cancel := ctx, context.CancelFunc(func() {})
	if b.acquireTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.acquireTimeout)
	}
	release, err := b.right.Acquire(actx)
	cancel()
	if err != nil {
		tm.Release()
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return val, terminal.Errorf(terminal.KindTimeout, "timed out after %s waiting for the terminal", b.acquireTimeout)
		}
		return val, err
	}
	tm.Grant()

	// A call that outlives its timeout keeps the right until it returns, so
	// the next request cannot log in underneath it.
	held := true
	defer func() {
		tm.Release()
		if held {
			release()
		}
	}()

	if b.callTimeout <= 0 {
		out := guard(ctx, fn)
		return out.val, out.err
	}

	cctx, cancelCall := context.WithTimeout(ctx, b.callTimeout)

	done := make(chan outcome[T], 1)
	go func() { done <- guard(cctx, fn) }()

	select {
	case out := <-done:
		cancelCall()
		if out.err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return val, terminal.Wrap(terminal.KindTimeout, out.err, "terminal call exceeded %s", b.callTimeout)
		}
		return out.val, out.err
	case <-cctx.Done():
	}

	held = false
	go func() {
		<-done
		cancelCall()
		release()
		b.log.Info("abandoned terminal call returned", zap.String("op", op), zap.String("account", accountID))
	}()

	if err := ctx.Err(); err != nil {
		return val, err
	}
	b.log.Warn("terminal call timed out", zap.String("op", op), zap.String("account", accountID))
	return val, terminal.Errorf(terminal.KindTimeout, "terminal call exceeded %s", b.callTimeout)
}

// guard turns a panic in fn into a connection error.
func guard[T any](ctx context.Context, fn func(context.Context) (T, error)) (out outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome[T]{err: terminal.Errorf(terminal.KindConnection, "terminal call panicked: %v", r)}
		}
	}()
	v, err := fn(ctx)
	return outcome[T]{val: v, err: err}
}

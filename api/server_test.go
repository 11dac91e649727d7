package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/mtgate/credstore"
	"github.com/rustyeddy/mtgate/procman"
	"github.com/rustyeddy/mtgate/session"
	"github.com/rustyeddy/mtgate/terminal"
	"github.com/rustyeddy/mtgate/terminal/sim"
)

const server = "Sim-Demo"

func init() {
	gin.SetMode(gin.TestMode)
}

type reply struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func newBroker(t *testing.T, opts ...session.Option) *session.Broker {
	t.Helper()

	store, err := credstore.NewSQLite(filepath.Join(t.TempDir(), "creds.db"), credstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	term := sim.Seed(server, 10000, map[string]string{"1001": "pw-a", "1002": "pw-b"})
	b := session.New(store, term, opts...)
	require.NoError(t, b.Initialize(context.Background(), ""))
	return b
}

func newServer(t *testing.T) *Server {
	t.Helper()
	return New(newBroker(t), nil)
}

func do(t *testing.T, s *Server, method, path, token string, body any) (int, reply) {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var r reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	return w.Code, r
}

func loginToken(t *testing.T, s *Server, owner, acct, pw string) string {
	t.Helper()
	code, r := do(t, s, http.MethodPost, BasePath+"/login", "", map[string]string{
		"owner_id":        owner,
		"account_id":      acct,
		"password":        pw,
		"broker_endpoint": server,
	})
	require.Equal(t, http.StatusOK, code, r.Error)
	assert.Equal(t, "Connected to the account successfully", r.Message)

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestLoginAndAccount(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	token := loginToken(t, s, "alice", "1001", "pw-a")

	code, r := do(t, s, http.MethodGet, BasePath, token, nil)
	require.Equal(t, http.StatusOK, code)
	var sum session.Summary
	require.NoError(t, json.Unmarshal(r.Data, &sum))
	assert.Equal(t, "alice", sum.OwnerID)
	assert.Equal(t, "1001", sum.AccountID)
	assert.Equal(t, server, sum.Server)
	assert.NotContains(t, string(r.Data), "pw-a")

	code, r = do(t, s, http.MethodGet, BasePath+"/info", token, nil)
	require.Equal(t, http.StatusOK, code)
	var info terminal.AccountInfo
	require.NoError(t, json.Unmarshal(r.Data, &info))
	assert.Equal(t, "1001", info.Login)
	assert.Equal(t, 10000.0, info.Balance)
}

func TestLoginErrors(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		kind   terminal.Kind
	}{
		{
			name:   "missing fields",
			body:   map[string]string{"owner_id": "alice", "account_id": "1001"},
			status: http.StatusBadRequest,
			kind:   terminal.KindValidation,
		},
		{
			name:   "malformed body",
			body:   []int{1, 2},
			status: http.StatusBadRequest,
			kind:   terminal.KindValidation,
		},
		{
			name: "wrong password",
			body: map[string]string{
				"owner_id": "alice", "account_id": "1001", "password": "nope", "broker_endpoint": server,
			},
			status: http.StatusForbidden,
			kind:   terminal.KindAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, r := do(t, s, http.MethodPost, BasePath+"/login", "", tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, r.Success)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.kind, r.Error.Kind)
		})
	}
}

func TestBearerRequired(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	for _, token := range []string{"", "01HZZZZZZZZZZZZZZZZZZZZZZZ"} {
		code, r := do(t, s, http.MethodGet, BasePath+"/info", token, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
		require.NotNil(t, r.Error)
		assert.Equal(t, terminal.KindInvalidToken, r.Error.Kind)
	}

	req := httptest.NewRequest(http.MethodGet, BasePath+"/symbols", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTradeLifecycle(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	token := loginToken(t, s, "alice", "1001", "pw-a")

	code, r := do(t, s, http.MethodGet, BasePath+"/positions", token, nil)
	assert.Equal(t, http.StatusNotFound, code)
	require.NotNil(t, r.Error)
	assert.Equal(t, terminal.KindNoPositions, r.Error.Kind)

	order := map[string]any{
		"action":       "TRADE_ACTION_DEAL",
		"magic":        7,
		"symbol":       "EURUSD",
		"volume":       0.1,
		"type":         "buy",
		"type_filling": "ORDER_FILLING_FOK",
		"type_time":    0,
	}
	code, r = do(t, s, http.MethodPost, BasePath+"/orders", token, order)
	require.Equal(t, http.StatusOK, code, r.Error)
	var res terminal.OrderResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.True(t, res.Retcode.Success())

	code, r = do(t, s, http.MethodGet, BasePath+"/positions?symbol=EURUSD&type=buy", token, nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	var positions []terminal.Position
	require.NoError(t, json.Unmarshal(r.Data, &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, terminal.PositionBuy, positions[0].Type)

	code, _ = do(t, s, http.MethodGet, BasePath+"/positions?type=sell", token, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, r = do(t, s, http.MethodGet, BasePath+"/positions?ticket=abc", token, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, terminal.KindValidation, r.Error.Kind)

	code, r = do(t, s, http.MethodPost, BasePath+"/positions/close", token, map[string]any{"ticket": positions[0].Ticket})
	require.Equal(t, http.StatusOK, code, r.Error)
	assert.Equal(t, "Position closed", r.Message)

	code, r = do(t, s, http.MethodPost, BasePath+"/positions/close", token, map[string]any{"ticket": positions[0].Ticket})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, terminal.KindNotFound, r.Error.Kind)
}

func TestOrderErrors(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	token := loginToken(t, s, "alice", "1001", "pw-a")

	tests := []struct {
		name   string
		order  map[string]any
		status int
		kind   terminal.Kind
	}{
		{
			name:   "deal without volume",
			order:  map[string]any{"action": "deal", "magic": 1, "symbol": "EURUSD", "type": "buy", "type_filling": "fok", "type_time": "gtc"},
			status: http.StatusBadRequest,
			kind:   terminal.KindValidation,
		},
		{
			name:   "unknown order type",
			order:  map[string]any{"action": "deal", "magic": 1, "symbol": "EURUSD", "volume": 0.1, "type": "sideways", "type_filling": "fok", "type_time": "gtc"},
			status: http.StatusBadRequest,
			kind:   terminal.KindValidation,
		},
		{
			name:   "bad volume step",
			order:  map[string]any{"action": "deal", "magic": 1, "symbol": "EURUSD", "volume": 0.015, "type": "buy", "type_filling": "fok", "type_time": "gtc"},
			status: http.StatusUnprocessableEntity,
			kind:   terminal.KindOrderRejected,
		},
		{
			name:   "unknown symbol",
			order:  map[string]any{"action": "deal", "magic": 1, "symbol": "XAUUSD", "volume": 0.1, "type": "buy", "type_filling": "fok", "type_time": "gtc"},
			status: http.StatusNotFound,
			kind:   terminal.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, r := do(t, s, http.MethodPost, BasePath+"/orders", token, tt.order)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.kind, r.Error.Kind)
		})
	}
}

func TestSymbols(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	token := loginToken(t, s, "bob", "1002", "pw-b")

	code, r := do(t, s, http.MethodGet, BasePath+"/symbols", token, nil)
	require.Equal(t, http.StatusOK, code)
	var names []string
	require.NoError(t, json.Unmarshal(r.Data, &names))
	assert.Empty(t, names)

	// Trading a symbol subscribes the account to it.
	code, r = do(t, s, http.MethodPost, BasePath+"/orders", token, map[string]any{
		"action": "deal", "magic": 1, "symbol": "EURUSD", "volume": 0.1, "type": "sell", "type_filling": "fok", "type_time": "gtc",
	})
	require.Equal(t, http.StatusOK, code, r.Error)

	code, r = do(t, s, http.MethodGet, BasePath+"/symbols", token, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(r.Data, &names))
	assert.Equal(t, []string{"EURUSD"}, names)

	code, r = do(t, s, http.MethodGet, BasePath+"/symbols/USDJPY", token, nil)
	require.Equal(t, http.StatusOK, code)
	var info terminal.SymbolInfo
	require.NoError(t, json.Unmarshal(r.Data, &info))
	assert.Equal(t, 3, info.Digits)

	code, r = do(t, s, http.MethodGet, BasePath+"/symbols/NOPE", token, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, terminal.KindNotFound, r.Error.Kind)
}

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := map[terminal.Kind]int{
		terminal.KindValidation:    http.StatusBadRequest,
		terminal.KindInvalidToken:  http.StatusUnauthorized,
		terminal.KindAuth:          http.StatusForbidden,
		terminal.KindNotFound:      http.StatusNotFound,
		terminal.KindNoPositions:   http.StatusNotFound,
		terminal.KindOrderRejected: http.StatusUnprocessableEntity,
		terminal.KindTimeout:       http.StatusGatewayTimeout,
		terminal.KindConnection:    http.StatusServiceUnavailable,
		terminal.KindProvision:     http.StatusInternalServerError,
		terminal.KindInternal:      http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusOf(kind), kind)
	}
}

func TestAdminResetAccount(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the terminal")
	}

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

	s := New(newBroker(t, session.WithProcessManager(pm)), nil, WithAdminToken("s3cret"))
	userToken := loginToken(t, s, "alice", "1001", "pw-a")
	path := AdminPath + "/accounts/1001/reset"

	for _, token := range []string{"", "wrong", userToken} {
		code, r := do(t, s, http.MethodPost, path, token, nil)
		assert.Equal(t, http.StatusUnauthorized, code)
		require.NotNil(t, r.Error)
		assert.Equal(t, terminal.KindInvalidToken, r.Error.Kind)
	}
	assert.Empty(t, pm.Instances())

	code, r := do(t, s, http.MethodPost, path, "s3cret", nil)
	require.Equal(t, http.StatusOK, code, r.Error)
	assert.Equal(t, "Account reset", r.Message)
	insts := pm.Instances()
	require.Len(t, insts, 1)
	assert.Equal(t, "1001", insts[0].AccountID)

	code, r = do(t, s, http.MethodPost, AdminPath+"/accounts/bad.id/reset", "s3cret", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, terminal.KindValidation, r.Error.Kind)

	// Sessions keep working on the re-attached connection.
	code, _ = do(t, s, http.MethodGet, BasePath+"/info", userToken, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAdminRoutesOffWithoutToken(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, AdminPath+"/accounts/1001/reset", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

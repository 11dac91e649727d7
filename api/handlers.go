package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/session"
	"github.com/rustyeddy/mtgate/terminal"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"requests": s.broker.Recorder().Stats(),
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req session.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badBody(err))
		return
	}
	token, err := s.broker.Login(c.Request.Context(), req)
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "Connected to the account successfully", gin.H{"token": token})
}

func (s *Server) handleAccount(c *gin.Context) {
	summary, err := s.broker.Account(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "", summary)
}

func (s *Server) handleAccountInfo(c *gin.Context) {
	info, err := s.broker.AccountInfo(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "", info)
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req terminal.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badBody(err))
		return
	}
	res, err := s.broker.PlaceOrder(c.Request.Context(), c.GetString(tokenKey), req)
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "Order placed", res)
}

func (s *Server) handlePositions(c *gin.Context) {
	filter, err := positionFilter(c)
	if err != nil {
		abort(c, err)
		return
	}
	positions, err := s.broker.Positions(c.Request.Context(), c.GetString(tokenKey), filter)
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "", positions)
}

func positionFilter(c *gin.Context) (terminal.PositionFilter, error) {
	filter := terminal.PositionFilter{Symbol: strings.TrimSpace(c.Query("symbol"))}
	if t := c.Query("type"); t != "" {
		pt, err := terminal.ParsePositionType(t)
		if err != nil {
			return filter, err
		}
		filter.Type = pt
	}
	if t := c.Query("ticket"); t != "" {
		ticket, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return filter, terminal.Errorf(terminal.KindValidation, "invalid ticket %q", t)
		}
		filter.Ticket = ticket
	}
	return filter, nil
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req terminal.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, badBody(err))
		return
	}
	res, err := s.broker.ClosePosition(c.Request.Context(), c.GetString(tokenKey), req)
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "Position closed", res)
}

func (s *Server) handleSymbols(c *gin.Context) {
	symbols, err := s.broker.Symbols(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "", symbols)
}

func (s *Server) handleSymbolInfo(c *gin.Context) {
	info, err := s.broker.SymbolInfo(c.Request.Context(), c.GetString(tokenKey), c.Param("name"))
	if err != nil {
		abort(c, err)
		return
	}
	respond(c, "", info)
}

// badBody classifies a request body that failed to decode.
func badBody(err error) error {
	if terminal.KindOf(err) == terminal.KindValidation {
		return err
	}
	return terminal.Wrap(terminal.KindValidation, err, "invalid request body")
}

// handleResetAccount reinstalls an account's terminal and re-attaches the
// shared connection to it.
func (s *Server) handleResetAccount(c *gin.Context) {
	accountID := c.Param("id")
	if err := s.broker.ResetAccount(c.Request.Context(), accountID); err != nil {
		abort(c, err)
		return
	}
	s.log.Info("account reset", zap.String("account", accountID))
	respond(c, "Account reset", gin.H{"account_id": accountID})
}

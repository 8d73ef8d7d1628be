package boundary

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
)

// ok writes the `{success, data, timestamp}` envelope.
func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().Unix(),
	})
}

// fail maps err through errkind into the 400/429/500 split and writes the
// error envelope.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errkind.Is(err, errkind.Validation):
		status = http.StatusBadRequest
	case errkind.Is(err, errkind.RateLimited):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{
		"success":   false,
		"error":     err.Error(),
		"timestamp": time.Now().Unix(),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().Unix(),
	})
}

// handleGetPositions implements get_positions(limit?, order).
func (s *Server) handleGetPositions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	out := s.positions.AllSortedByCreatedAtDesc(limit)
	if c.Query("order") == "asc" {
		reversed := make([]interface{}, len(out))
		for i, p := range out {
			reversed[len(out)-1-i] = p
		}
		ok(c, reversed)
		return
	}
	ok(c, out)
}

type createPositionRequest struct {
	TF     string  `json:"tf"`
	Side   string  `json:"side"`
	Amount float64 `json:"amount"`
}

// handleCreatePosition implements create_position{tf, side, amount}.
func (s *Server) handleCreatePosition(c *gin.Context) {
	var req createPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	tf := config.Timeframe(req.TF)
	side := pool.Side(req.Side)
	if side != pool.SideBuy && side != pool.SideSell {
		badRequest(c, "side must be BUY or SELL")
		return
	}

	p, err := s.manager.Create(c.Request.Context(), tf, side, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

// handleClosePosition implements close_position{id}.
func (s *Server) handleClosePosition(c *gin.Context) {
	id := c.Param("id")
	res, err := s.manager.Close(c.Request.Context(), id, false)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

// handleSyncPositions implements sync_positions -> {updated, total}.
func (s *Server) handleSyncPositions(c *gin.Context) {
	updated, total := s.manager.SyncWithChain(c.Request.Context())
	ok(c, gin.H{"updated": updated, "total": total})
}

// handleGetBalance implements get_balance.
func (s *Server) handleGetBalance(c *gin.Context) {
	bal, err := s.walletSvc.Balance(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, bal)
}

// handleGetBalanceHistory implements get_balance_history{limit?, hours?}.
func (s *Server) handleGetBalanceHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	history := s.walletSvc.History(limit)

	if hoursStr := c.Query("hours"); hoursStr != "" {
		hours, err := strconv.Atoi(hoursStr)
		if err != nil {
			badRequest(c, "hours must be an integer")
			return
		}
		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
		filtered := history[:0:0]
		for _, snap := range history {
			if snap.Timestamp >= cutoff {
				filtered = append(filtered, snap)
			}
		}
		history = filtered
	}
	ok(c, history)
}

// handleGetRSI implements get_rsi{tf?}: one timeframe when tf is given,
// every enabled timeframe otherwise.
func (s *Server) handleGetRSI(c *gin.Context) {
	cfg := s.cfg.Get()
	if tfParam := c.Query("tf"); tfParam != "" {
		rsi, err := s.indicators.RSI(c.Request.Context(), s.symbol, config.Timeframe(tfParam), cfg.RSI.Period, false)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rsi)
		return
	}

	tfs := make([]config.Timeframe, 0, len(cfg.EnabledTFs))
	for _, tf := range config.AllTimeframes {
		if cfg.EnabledTFs[tf] {
			tfs = append(tfs, tf)
		}
	}
	ok(c, s.indicators.RSIAll(c.Request.Context(), s.symbol, tfs, cfg.RSI.Period, false))
}

// handleGetPrice implements get_price.
func (s *Server) handleGetPrice(c *gin.Context) {
	price, err := s.indicators.SpotPrice(c.Request.Context(), s.symbol)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"symbol": s.symbol, "price": price})
}

// handleGetConfig implements get_config.
func (s *Server) handleGetConfig(c *gin.Context) {
	ok(c, s.cfg.Get())
}

// handleUpdateConfig implements update_config{partial}.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch config.LiveUpdatable
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if err := s.cfg.Update(patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	updated := s.cfg.Get()
	s.indicators.SetThresholds(updated.RSI.Oversold, updated.RSI.Overbought)
	ok(c, updated)
}

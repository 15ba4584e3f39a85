// Package rest exposes the query transport: point ticker lookups, ticker
// history and the multi-pair price matrix with cross conversion.
package rest

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/model"
	"github.com/hleb-albau/cyber-markets/internal/rates"
)

// TickerSource provides live-or-stored point lookups.
type TickerSource interface {
	GetLiveOrStored(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error)
}

// HistorySource provides stored window ranges. The postgres repository
// satisfies it; history bypasses the live accumulators on purpose, only
// closed windows belong in a historical series.
type HistorySource interface {
	Range(ctx context.Context, exchange string, pair model.TokenPair, from, to int64) ([]model.Ticker, error)
}

// Handlers carries the query-side collaborators.
type Handlers struct {
	tickers  TickerSource
	history  HistorySource
	resolver *rates.Resolver
	window   time.Duration
}

// NewHandlers builds the REST handler set.
func NewHandlers(tickers TickerSource, history HistorySource, resolver *rates.Resolver, window time.Duration) *Handlers {
	return &Handlers{tickers: tickers, history: history, resolver: resolver, window: window}
}

// currentWindow floors "now" to the window boundary, the default window
// for price queries.
func (h *Handlers) currentWindow() int64 {
	return model.FloorToWindow(time.Now().UnixMilli(), h.window)
}

type tickerQuery struct {
	Exchange    string `form:"exchange" binding:"required"`
	Base        string `form:"base" binding:"required"`
	Quote       string `form:"quote" binding:"required"`
	WindowStart int64  `form:"ts"`
}

// GetTicker handles GET /ticker: one live-or-stored window for a
// concrete (exchange, pair). ts defaults to the current window.
func (h *Handlers) GetTicker(c *gin.Context) {
	var q tickerQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := model.NewTokenPair(q.Base, q.Quote)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	windowStart := q.WindowStart
	if windowStart == 0 {
		windowStart = h.currentWindow()
	}

	ticker, ok, err := h.tickers.GetLiveOrStored(c.Request.Context(), strings.ToUpper(q.Exchange), pair, windowStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ticker lookup failed"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": rates.ErrNoData.Error()})
		return
	}

	c.JSON(http.StatusOK, ticker)
}

type historyQuery struct {
	Exchange string `form:"exchange" binding:"required"`
	Base     string `form:"base" binding:"required"`
	Quote    string `form:"quote" binding:"required"`
	// Period is a Go duration string, e.g. "1h".
	Period string `form:"period" binding:"required"`
}

// GetTickerHistory handles GET /ticker/history: closed windows for the
// pair over the trailing period, newest first.
func (h *Handlers) GetTickerHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair, err := model.NewTokenPair(q.Base, q.Quote)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	period, err := time.ParseDuration(q.Period)
	if err != nil || period <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period must be a positive duration"})
		return
	}

	to := time.Now().UnixMilli()
	results, err := h.history.Range(c.Request.Context(), strings.ToUpper(q.Exchange), pair, to-period.Milliseconds(), to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if len(results) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": rates.ErrNoData.Error()})
		return
	}

	c.JSON(http.StatusOK, results)
}

// GetPriceMulti handles GET /price/multi: a bases x quotes price matrix
// for the current window. Direct tickers win; cross conversion fills the
// gaps unless tryConversion=false.
//
// Query parameters: fsyms and tsyms are comma-separated asset lists,
// e selects an exchange and defaults to ALL.
func (h *Handlers) GetPriceMulti(c *gin.Context) {
	bases := splitAssets(c.Query("fsyms"))
	quotes := splitAssets(c.Query("tsyms"))
	if len(bases) == 0 || len(quotes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fsyms and tsyms are required"})
		return
	}

	exchange := strings.ToUpper(c.DefaultQuery("e", rates.AllExchanges))
	tryConversion, err := strconv.ParseBool(c.DefaultQuery("tryConversion", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tryConversion must be a boolean"})
		return
	}

	windowStart := h.currentWindow()
	ctx := c.Request.Context()
	result := make(map[string]map[string]decimal.Decimal, len(bases))

	for _, base := range bases {
		quoteMap := make(map[string]decimal.Decimal, len(quotes))
		for _, quote := range quotes {
			var res model.ConversionResult
			if tryConversion {
				res = h.resolver.Resolve(ctx, base, quote, exchange, windowStart)
			} else {
				res = h.resolver.Direct(ctx, base, quote, exchange, windowStart)
			}
			if res.Success {
				quoteMap[quote] = res.Value
			}
		}
		if len(quoteMap) > 0 {
			result[base] = quoteMap
		}
	}

	if len(result) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": rates.ErrNoData.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetConversion handles GET /price/convert: one resolution with its
// path, exposing how a synthetic price was composed.
func (h *Handlers) GetConversion(c *gin.Context) {
	base := strings.ToUpper(c.Query("fsym"))
	quote := strings.ToUpper(c.Query("tsym"))
	if base == "" || quote == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fsym and tsym are required"})
		return
	}
	exchange := strings.ToUpper(c.DefaultQuery("e", rates.AllExchanges))

	res := h.resolver.Resolve(c.Request.Context(), base, quote, exchange, h.currentWindow())
	if !res.Success {
		c.JSON(http.StatusNotFound, gin.H{"error": rates.ErrNoData.Error()})
		return
	}

	c.JSON(http.StatusOK, res)
}

func splitAssets(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	assets := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			assets = append(assets, p)
		}
	}
	return assets
}

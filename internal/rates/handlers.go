package rates

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/payxpay/payxpay/internal/logging"
)

// Handler serves exchange rates to the Mini-App payment screen.
type Handler struct {
	oracle Oracle
}

// NewHandler creates a rates handler.
func NewHandler(oracle Oracle) *Handler {
	return &Handler{oracle: oracle}
}

// RegisterRoutes sets up public rate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rates", h.ListCurrencies)
	r.GET("/rates/:unit", h.GetRate)
}

// RateResponse is the body of GET /v1/rates/:unit.
type RateResponse struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	Expo        int32  `json:"expo"`
	PublishTime string `json:"publishTime"`
	UnitsPerUSD string `json:"unitsPerUsd"`
	USDPerUnit  string `json:"usdPerUnit"`
}

// ListCurrencies handles GET /v1/rates
func (h *Handler) ListCurrencies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"currencies": Currencies})
}

// GetRate handles GET /v1/rates/:unit. The unit may be a bare symbol
// ("TRY") or an invoice unit label ("X-TRY").
func (h *Handler) GetRate(c *gin.Context) {
	symbol := symbolOf(c.Param("unit"))
	cur, ok := Lookup(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unsupported_currency",
			"message": "No price feed for " + symbol,
		})
		return
	}

	r, err := h.oracle.GetRate(c.Request.Context(), cur.Symbol)
	if err != nil {
		if errors.Is(err, ErrUnknownSymbol) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unsupported_currency", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("rate lookup failed", "symbol", cur.Symbol, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "message": "Price feed unavailable"})
		return
	}

	value := r.Value()
	c.JSON(http.StatusOK, RateResponse{
		Symbol:      cur.Symbol,
		Name:        cur.Name,
		Price:       r.Price,
		Expo:        r.Expo,
		PublishTime: r.PublishTime.UTC().Format(time.RFC3339),
		UnitsPerUSD: value.String(),
		USDPerUnit:  decimal.NewFromInt(1).DivRound(value, 8).String(),
	})
}

func symbolOf(unit string) string {
	if _, symbol, ok := strings.Cut(unit, "-"); ok {
		unit = symbol
	}
	return strings.ToUpper(strings.TrimSpace(unit))
}

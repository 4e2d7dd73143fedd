// Package debug wires up the small read-only admin HTTP surface: health,
// the loaded descriptor forest, and every active counter key. It is
// intentionally separate from the gRPC data plane in internal/ratelimitsvc —
// an operator's curl against this surface never touches the request path
// Envoy depends on.
package debug

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"hivemind/internal/counter"
	"hivemind/internal/rules"
)

// Handler holds the dependencies the admin surface reads from.
type Handler struct {
	rules    *rules.Store
	counters *counter.Store
	selfID   string
	group    singleflight.Group
}

// NewHandler creates a Handler.
func NewHandler(rs *rules.Store, cs *counter.Store, selfID string) *Handler {
	return &Handler{rules: rs, counters: cs, selfID: selfID}
}

// Register mounts every admin route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/rules", h.ListDomains)
	r.GET("/rules/:domain", h.DumpDomain)
	r.GET("/counters", h.Counters)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": h.selfID})
}

// ListDomains handles GET /rules, returning every loaded domain name.
//
// Reads are deduplicated via singleflight: concurrent pollers hitting this
// endpoint while it is slow to render (a very large forest) collapse into a
// single Domains() call rather than each walking the store independently.
func (h *Handler) ListDomains(c *gin.Context) {
	v, _, _ := h.group.Do("domains", func() (interface{}, error) {
		return h.rules.Domains(), nil
	})
	c.JSON(http.StatusOK, gin.H{"domains": v})
}

// DumpDomain handles GET /rules/:domain, rendering that domain's descriptor
// forest as indented text.
func (h *Handler) DumpDomain(c *gin.Context) {
	domain := c.Param("domain")
	if !h.rules.HasDomain(domain) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown domain"})
		return
	}
	v, _, _ := h.group.Do("dump:"+domain, func() (interface{}, error) {
		return h.rules.Dump(domain), nil
	})
	c.String(http.StatusOK, "%s", v)
}

// counterRow is one /counters entry: the bounded-overshoot observability the
// Design Notes ask for, surfaced directly instead of requiring external
// tooling.
type counterRow struct {
	RuleID   string `json:"rule_id"`
	Unit     string `json:"unit"`
	WindowID int64  `json:"window_id"`
	Local    uint64 `json:"local"`
	Global   uint64 `json:"global"`
	Peers    int    `json:"peers"`
}

// Counters handles GET /counters, dumping every active counter key's local
// value, global estimate, and contributing peer count.
func (h *Handler) Counters(c *gin.Context) {
	keys := h.counters.Keys()
	rows := make([]counterRow, 0, len(keys))
	for _, k := range keys {
		peers := h.counters.Peers(k)
		rows = append(rows, counterRow{
			RuleID:   k.RuleID,
			Unit:     k.Unit.String(),
			WindowID: k.WindowID,
			Local:    peers[h.selfID].Value,
			Global:   h.counters.GlobalSum(k),
			Peers:    len(peers),
		})
	}
	c.JSON(http.StatusOK, gin.H{"counters": rows, "count": len(rows)})
}

// Logger mirrors the teacher's Gin request-logging middleware, generalized
// to zerolog's structured fields instead of log.Printf.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin request")
	}
}

// Recovery mirrors the teacher's panic-recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Msg("admin: panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// Package status exposes the master's routing table over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rfmesh/pkg/nodes"
)

// nodeView is the JSON shape of one routing table row.
type nodeView struct {
	ID         uint8   `json:"id"`
	Addr       string  `json:"addr"`
	DirectRSSI int8    `json:"direct_rssi"`
	Hops       uint8   `json:"hops"`
	Relay      string  `json:"relay"` // "direct" or the relay's address
	PathRSSI   int16   `json:"path_rssi"`
	Active     bool    `json:"active"`
	LastSeen   int64   `json:"last_seen_unix_ms"`
	LastValue  float32 `json:"last_value"`
}

// Server serves the status API.
type Server struct {
	tbl  *nodes.Table
	http *http.Server
}

// New builds the server around the master's table.
func New(tbl *nodes.Table, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{tbl: tbl}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/v1/nodes", s.listNodes)
	s.http = &http.Server{Addr: listen, Handler: r}
	return s
}

func (s *Server) listNodes(c *gin.Context) {
	recs := s.tbl.Ranked()
	out := make([]nodeView, 0, len(recs))
	for _, r := range recs {
		relay := "direct"
		if r.RelayID != 0 {
			if rr, ok := s.tbl.ByID(r.RelayID); ok {
				relay = rr.Addr.String()
			}
		}
		out = append(out, nodeView{
			ID:         r.ID,
			Addr:       r.Addr.String(),
			DirectRSSI: r.DirectRSSI,
			Hops:       r.HopCount,
			Relay:      relay,
			PathRSSI:   r.PathRSSI,
			Active:     r.Active,
			LastSeen:   r.LastSeen,
			LastValue:  r.LastValue,
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out, "count": len(out)})
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		zap.L().Info("status api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("status api failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

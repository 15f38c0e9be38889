package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/edgeexec/internal/alert"
	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/execution"
	"github.com/betbot/edgeexec/internal/fill"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/risk"
)

var log = logrus.WithField("component", "controlplane")

// Positions 执行器对控制面暴露的能力
type Positions interface {
	OpenTrades() []domain.Trade
	History(limit int) []domain.ClosedTrade
	Stats() execution.Stats
	Checkpoints(tradeID string) []execution.Checkpoint
	CancelAll(ctx context.Context) (int, error)
	CancelByMarket(ctx context.Context, label string) int
}

// RiskControl 风控账本对控制面暴露的能力
type RiskControl interface {
	State() risk.State
	Halt(reason string)
	Resume()
}

type FillStats interface {
	Stats() map[string]fill.BucketStats
}

type AlertLog interface {
	Recent() []alert.Entry
}

// Deps Fills/Alerts 可为空
type Deps struct {
	Positions Positions
	Risk      RiskControl
	Fills     FillStats
	Alerts    AlertLog
	DryRun    bool
}

type Server struct {
	deps    Deps
	started time.Time
}

func New(deps Deps) *Server {
	return &Server{deps: deps, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.wrap(s.handleHealth))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.GET("/state", s.wrap(s.handleState))
	api.GET("/history", s.wrap(s.handleHistory))
	api.GET("/fills", s.wrap(s.handleFillStats))
	api.GET("/alerts", s.wrap(s.handleAlerts))
	api.GET("/trades/:tradeID/checkpoints", s.wrap(s.handleCheckpoints))

	riskGroup := api.Group("/risk")
	riskGroup.POST("/halt", s.wrap(s.handleHalt))
	riskGroup.POST("/resume", s.wrap(s.handleResume))

	positions := api.Group("/positions")
	positions.POST("/cancel_all", s.wrap(s.handleCancelAll))
	positions.POST("/cancel_market/:label", s.wrap(s.handleCancelMarket))

	return r
}

// Run 监听直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof("🛰️ 控制面已启动: http://%s", addr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("⚠️ 控制面关闭超时")
		}
		return nil
	}
}

type paramsKeyType string

const paramsKey paramsKeyType = "edgeexec_path_params"

// wrap adapts net/http handlers to gin, injecting path params into request context.
func (s *Server) wrap(h func(http.ResponseWriter, *http.Request)) gin.HandlerFunc {
	return func(c *gin.Context) {
		m := map[string]string{}
		for _, p := range c.Params {
			m[p.Key] = p.Value
		}
		ctx := context.WithValue(c.Request.Context(), paramsKey, m)
		c.Request = c.Request.WithContext(ctx)
		h(c.Writer, c.Request)
	}
}

func pathParam(r *http.Request, key string) string {
	m, _ := r.Context().Value(paramsKey).(map[string]string)
	return m[key]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("写响应失败")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/edgeexec/internal/alert"
	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/fill"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, reason := false, ""
	if s.deps.Risk != nil {
		st := s.deps.Risk.State()
		active, reason = st.KillSwitch, st.KillReason
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"dry_run":     s.deps.DryRun,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"kill_switch": active,
		"kill_reason": reason,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"risk":        s.deps.Risk.State(),
		"open_trades": s.deps.Positions.OpenTrades(),
		"stats":       s.deps.Positions.Stats(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 5000 {
			writeError(w, http.StatusBadRequest, "limit 必须在 1-5000 之间")
			return
		}
		limit = n
	}
	items := s.deps.Positions.History(limit)
	if items == nil {
		items = []domain.ClosedTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "trades": items})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(pathParam(r, "tradeID"))
	writeJSON(w, http.StatusOK, map[string]any{"trade_id": id, "checkpoints": s.deps.Positions.Checkpoints(id)})
}

func (s *Server) handleFillStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]fill.BucketStats{}
	if s.deps.Fills != nil {
		stats = s.deps.Fills.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": stats})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	items := []alert.Entry{}
	if s.deps.Alerts != nil {
		items = s.deps.Alerts.Recent()
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": items})
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual halt via control plane"
	}
	s.deps.Risk.Halt(reason)
	log.WithField("remote", r.RemoteAddr).Warnf("🛑 控制面触发 kill-switch: %s", reason)
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": true, "reason": reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Risk.Resume()
	log.WithField("remote", r.RemoteAddr).Info("✅ 控制面解除 kill-switch")
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": false})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	n, err := s.deps.Positions.CancelAll(ctx)
	resp := map[string]any{"closed": n}
	if err != nil {
		// 持仓已在本地结算，交易所撤单失败需要人工确认
		resp["exchange_error"] = err.Error()
	}
	log.WithField("remote", r.RemoteAddr).Warnf("🧯 控制面撤销全部: closed=%d", n)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelMarket(w http.ResponseWriter, r *http.Request) {
	label := strings.TrimSpace(pathParam(r, "label"))
	if label == "" {
		writeError(w, http.StatusBadRequest, "market label 不能为空")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	n := s.deps.Positions.CancelByMarket(ctx, label)
	writeJSON(w, http.StatusOK, map[string]any{"market": label, "closed": n})
}

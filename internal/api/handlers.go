package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"polymarket-copytrader/internal/book"
	"polymarket-copytrader/internal/chain"
	"polymarket-copytrader/internal/engine"
	"polymarket-copytrader/internal/feed"
	"polymarket-copytrader/internal/ingest"
	"polymarket-copytrader/internal/ledger"
	"polymarket-copytrader/internal/queue"
	"polymarket-copytrader/internal/store"
	"polymarket-copytrader/pkg/types"
)

// Deps are the components the handlers read. Optional fields may be nil
// and report as absent.
type Deps struct {
	DB         *store.DB
	Queue      *queue.Client
	Feed       *feed.Client
	Chain      *chain.Subscriber
	Books      *book.Cache
	Reconciler *ingest.Reconciler
	Grouper    *ingest.Grouper
	Buffer     *engine.Buffer
	Engine     *engine.Engine
	Ledger     *ledger.Service
	Pricer     ledger.Pricer
	Users      func() []types.FollowedUser
}

// QueueDepths is pending/processing counts for one queue.
type QueueDepths struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// HealthResponse is the /health document.
type HealthResponse struct {
	Status string `json:"status"` // ok | degraded | unhealthy

	DBConnected   bool      `json:"dbConnected"`
	LastEventTime time.Time `json:"lastEventTime,omitzero"`

	ChainState string `json:"chainState,omitempty"`
	LastBlock  uint64 `json:"lastBlock,omitempty"`
	FeedState  string `json:"feedState,omitempty"`

	BookCache *book.Stats `json:"bookCache,omitempty"`

	Queues map[string]QueueDepths `json:"queues,omitempty"`

	OpenGroups      int `json:"openGroups"`
	BufferedBuckets int `json:"bufferedBuckets"`

	Processed int64 `json:"processed"`
	Executed  int64 `json:"executed"`
	Skipped   int64 `json:"skipped"`

	LatencyP50Ms int64 `json:"latencyP50Ms"`
	LatencyP95Ms int64 `json:"latencyP95Ms"`
	LatencyMaxMs int64 `json:"latencyMaxMs"`

	ReconcileRecovered int64     `json:"reconcileRecovered"`
	ReconcileLastRun   time.Time `json:"reconcileLastRun,omitzero"`

	Paused bool `json:"paused"`
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{deps: deps, logger: logger.With("component", "api-handlers")}
}

// HandleHealth aggregates component state. A broken database or broker is
// unhealthy (503); a down feed or chain subscription is degraded but
// still 200, since the reconcile path keeps running.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{Status: "ok"}

	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
		} else {
			resp.DBConnected = true
			paused, err := h.deps.DB.Paused(ctx)
			if err == nil {
				resp.Paused = paused
			}
			if ts, ok, err := h.deps.DB.LatestEventTime(ctx); err == nil && ok {
				resp.LastEventTime = ts
			}
			h.fillLatencies(ctx, &resp)
		}
	}
	if h.deps.Queue != nil {
		if err := h.deps.Queue.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
		} else {
			resp.Queues = h.queueDepths(ctx)
		}
	}

	if h.deps.Chain != nil {
		state := h.deps.Chain.State()
		resp.ChainState = state.String()
		resp.LastBlock = h.deps.Chain.LastBlock()
		if state != chain.SubLive && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}
	if h.deps.Feed != nil {
		state := h.deps.Feed.State()
		resp.FeedState = state.String()
		if state != feed.StateConnected && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if h.deps.Books != nil {
		stats := h.deps.Books.Stats()
		resp.BookCache = &stats
	}
	if h.deps.Grouper != nil {
		resp.OpenGroups = h.deps.Grouper.OpenGroups()
	}
	if h.deps.Buffer != nil {
		resp.BufferedBuckets = h.deps.Buffer.Pending()
	}
	if h.deps.Engine != nil {
		resp.Processed, resp.Executed, resp.Skipped = h.deps.Engine.Stats()
	}
	if h.deps.Reconciler != nil {
		resp.ReconcileRecovered = h.deps.Reconciler.Recovered()
		resp.ReconcileLastRun = h.deps.Reconciler.LastRun()
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// PortfolioView is one scope's valuation in the /api/portfolios response.
type PortfolioView struct {
	Scope               types.PortfolioScope `json:"scope"`
	UserID              string               `json:"userId,omitempty"`
	EquityMicros        int64                `json:"equityMicros"`
	CashMicros          int64                `json:"cashMicros"`
	ExposureMicros      int64                `json:"exposureMicros"`
	UnrealizedPnLMicros int64                `json:"unrealizedPnlMicros"`
	RealizedPnLMicros   int64                `json:"realizedPnlMicros"`
}

// HandlePortfolios returns live valuations for the global book and every
// leader's exec and shadow scopes.
func (h *Handlers) HandlePortfolios(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ledger == nil || h.deps.Pricer == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	type target struct {
		scope  types.PortfolioScope
		userID string
	}
	targets := []target{{types.ScopeExecGlobal, ""}}
	if h.deps.Users != nil {
		for _, u := range h.deps.Users() {
			targets = append(targets,
				target{types.ScopeExecUser, u.ID},
				target{types.ScopeShadowUser, u.ID})
		}
	}

	views := make([]PortfolioView, 0, len(targets))
	for _, t := range targets {
		v, err := h.deps.Ledger.Valuate(ctx, t.scope, t.userID, h.deps.Pricer)
		if err != nil {
			h.logger.Error("valuate", "scope", t.scope, "user", t.userID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		views = append(views, PortfolioView{
			Scope:               t.scope,
			UserID:              t.userID,
			EquityMicros:        v.EquityMicros,
			CashMicros:          v.CashMicros,
			ExposureMicros:      v.ExposureMicros,
			UnrealizedPnLMicros: v.UnrealizedPnLMicros,
			RealizedPnLMicros:   v.RealizedPnLMicros,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// HandlePositions returns open positions in the global book.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	positions, err := h.deps.DB.OpenPositions(r.Context(), types.ScopeExecGlobal, "")
	if err != nil {
		h.logger.Error("open positions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandlePause engages the engine kill-switch: every subsequent attempt
// records SKIP until resumed. Detection and the shadow ledger keep running.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// HandleResume releases the kill-switch.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handlers) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if h.deps.DB == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.deps.DB.SetPaused(r.Context(), paused); err != nil {
		h.logger.Error("set paused", "paused", paused, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.logger.Info("pause flag changed", "paused", paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

func (h *Handlers) fillLatencies(ctx context.Context, resp *HealthResponse) {
	latencies, err := h.deps.DB.DecisionLatencies(ctx, time.Now().Add(-time.Hour))
	if err != nil || len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	resp.LatencyP50Ms = latencies[len(latencies)/2]
	resp.LatencyP95Ms = latencies[len(latencies)*95/100]
	resp.LatencyMaxMs = latencies[len(latencies)-1]
}

func (h *Handlers) queueDepths(ctx context.Context) map[string]QueueDepths {
	out := make(map[string]QueueDepths, 3)
	for _, q := range []string{queue.QueueReconcile, queue.QueueIngestPost, queue.QueueCopyAttempt} {
		pending, processing, err := h.deps.Queue.Depth(ctx, q)
		if err != nil {
			continue
		}
		out[q] = QueueDepths{Pending: pending, Processing: processing}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

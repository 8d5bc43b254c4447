// Package statusapi 只读状态接口：最近周期、动作流水和统计。不提供任何写操作。
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/domain"
	"github.com/betbot/gpubid/internal/ledger"
	"github.com/betbot/gpubid/pkg/logger"
)

// Store 账本读接口（ledger.Store 实现）
type Store interface {
	ListActions(ctx context.Context, kind domain.ActionKind, limit int) ([]ledger.ActionRecord, error)
	ListCycles(ctx context.Context, limit int) ([]ledger.CycleRecord, error)
	LatestCycle(ctx context.Context) (ledger.CycleRecord, bool, error)
	ActionTotals(ctx context.Context) (map[string]int, error)
}

// Info 进程静态信息，随 /api/summary 返回
type Info struct {
	DryRun            bool            `json:"dry_run"`
	CostCeilingPerGPU decimal.Decimal `json:"cost_ceiling_per_gpu"`
	BidMultiplier     decimal.Decimal `json:"bid_multiplier"`
	CycleInterval     string          `json:"cycle_interval"`
	StartedAt         time.Time       `json:"started_at"`
}

type Server struct {
	store Store
	info  Info
	log   *logrus.Entry
}

func New(store Store, info Info, log *logrus.Logger) *Server {
	return &Server{store: store, info: info, log: logger.Component(log, "statusapi")}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/summary", s.handleSummary)
	api.GET("/actions", s.handleActions)
	api.GET("/cycles", s.handleCycles)
	return r
}

// Start 在 addr 上监听，ctx 取消时关闭
func (s *Server) Start(ctx context.Context, addr string) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("状态接口异常退出")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("状态接口已启动: http://%s/api/summary", ln.Addr())
	return srv, ln.Addr(), nil
}

type summaryResponse struct {
	Info   Info                `json:"info"`
	Latest *ledger.CycleRecord `json:"latest_cycle,omitempty"`
	Totals map[string]int      `json:"action_totals"`
}

func (s *Server) handleSummary(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := summaryResponse{Info: s.info}
	latest, ok, err := s.store.LatestCycle(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "db latest cycle: "+err.Error())
		return
	}
	if ok {
		resp.Latest = &latest
	}
	if resp.Totals, err = s.store.ActionTotals(ctx); err != nil {
		writeError(c, http.StatusInternalServerError, "db action totals: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActions(c *gin.Context) {
	kind := domain.ActionKind(strings.TrimSpace(c.Query("kind")))
	switch kind {
	case "", domain.ActionPlaceBid, domain.ActionRaiseBid:
	default:
		writeError(c, http.StatusBadRequest, "kind must be place_bid or raise_bid")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	actions, err := s.store.ListActions(ctx, kind, parseLimit(c))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "db list actions: "+err.Error())
		return
	}
	if actions == nil {
		actions = []ledger.ActionRecord{}
	}
	c.JSON(http.StatusOK, actions)
}

func (s *Server) handleCycles(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	cycles, err := s.store.ListCycles(ctx, parseLimit(c))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "db list cycles: "+err.Error())
		return
	}
	if cycles == nil {
		cycles = []ledger.CycleRecord{}
	}
	c.JSON(http.StatusOK, cycles)
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

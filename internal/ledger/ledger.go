// Package ledger 把执行过的出价动作和周期汇总写入 sqlite，供状态 API 查询和重启后恢复去重窗口。
package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/gpubid/internal/domain"
)

// tsLayout 定宽 UTC 时间，保证按字符串比较与时间顺序一致
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// 动作结果
const (
	StatusOK           = "ok"
	StatusDryRun       = "dry_run"
	StatusRejected     = "rejected"
	StatusMalformed    = "malformed" // 请求已送达但响应无法解析
	StatusFailed       = "failed"
	StatusDeduplicated = "deduplicated"
)

// ActionRecord 一次出价/加价动作
type ActionRecord struct {
	ID         int64             `json:"id"`
	CycleID    string            `json:"cycle_id"`
	Kind       domain.ActionKind `json:"kind"`
	TargetID   int64             `json:"target_id"`
	Price      decimal.Decimal   `json:"price"`
	PerGPU     decimal.Decimal   `json:"per_gpu"`
	NumGPUs    int               `json:"num_gpus"`
	InstanceID int64             `json:"instance_id,omitempty"`
	Status     string            `json:"status"`
	Response   string            `json:"response,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// CycleRecord 一个周期的汇总
type CycleRecord struct {
	CycleID    string    `json:"cycle_id"`
	ActiveGPUs int       `json:"active_gpus"`
	BidsPlaced int       `json:"bids_placed"`
	BidsRaised int       `json:"bids_raised"`
	Skipped    int       `json:"skipped"`
	Timestamp  time.Time `json:"timestamp"`
}

// FromSummary 转换周期汇总
func FromSummary(s domain.CycleSummary) CycleRecord {
	return CycleRecord{
		CycleID:    s.CycleID,
		ActiveGPUs: s.ActiveGPUs,
		BidsPlaced: s.BidsPlaced,
		BidsRaised: s.BidsRaised,
		Skipped:    s.Skipped,
		Timestamp:  s.Timestamp,
	}
}

// Store sqlite 记录
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并执行迁移。path 为 ":memory:" 时使用内存库。
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("ledger: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "ledger: create dir for %s", path)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS bid_actions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cycle_id TEXT NOT NULL,
  kind TEXT NOT NULL,       -- "place_bid" | "raise_bid"
  target_id INTEGER NOT NULL,
  price TEXT NOT NULL,
  per_gpu TEXT NOT NULL,
  num_gpus INTEGER NOT NULL,
  instance_id INTEGER,
  status TEXT NOT NULL,
  response TEXT,
  error TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bid_actions_created ON bid_actions(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_bid_actions_kind_target ON bid_actions(kind, target_id, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS cycle_summaries (
  cycle_id TEXT PRIMARY KEY,
  active_gpus INTEGER NOT NULL,
  bids_placed INTEGER NOT NULL,
  bids_raised INTEGER NOT NULL,
  skipped INTEGER NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_summaries_ts ON cycle_summaries(ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

// RecordAction 追加一条动作记录，返回自增 ID
func (s *Store) RecordAction(ctx context.Context, r ActionRecord) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO bid_actions (cycle_id, kind, target_id, price, per_gpu, num_gpus, instance_id, status, response, error, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, r.CycleID, string(r.Kind), r.TargetID, r.Price.String(), r.PerGPU.String(), r.NumGPUs,
		nullInt(r.InstanceID), r.Status, nullString(r.Response), nullString(r.Error), r.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return 0, errors.Wrap(err, "insert bid action")
	}
	return res.LastInsertId()
}

// RecordCycle 写入周期汇总（同一 cycle_id 覆盖）
func (s *Store) RecordCycle(ctx context.Context, c CycleRecord) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cycle_summaries (cycle_id, active_gpus, bids_placed, bids_raised, skipped, ts)
VALUES (?,?,?,?,?,?)
ON CONFLICT(cycle_id) DO UPDATE SET
  active_gpus=excluded.active_gpus,
  bids_placed=excluded.bids_placed,
  bids_raised=excluded.bids_raised,
  skipped=excluded.skipped,
  ts=excluded.ts
`, c.CycleID, c.ActiveGPUs, c.BidsPlaced, c.BidsRaised, c.Skipped, c.Timestamp.UTC().Format(tsLayout))
	if err != nil {
		return errors.Wrap(err, "insert cycle summary")
	}
	return nil
}

// ListActions 最近的动作，新的在前。kind 为空表示全部。
func (s *Store) ListActions(ctx context.Context, kind domain.ActionKind, limit int) ([]ActionRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cycle_id, kind, target_id, price, per_gpu, num_gpus, instance_id, status, response, error, created_at
FROM bid_actions
WHERE (?='' OR kind=?)
ORDER BY id DESC
LIMIT ?
`, string(kind), string(kind), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list bid actions")
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var (
			r          ActionRecord
			kindStr    string
			price      string
			perGPU     string
			instanceID sql.NullInt64
			response   sql.NullString
			errStr     sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.CycleID, &kindStr, &r.TargetID, &price, &perGPU, &r.NumGPUs,
			&instanceID, &r.Status, &response, &errStr, &createdAt); err != nil {
			return nil, err
		}
		r.Kind = domain.ActionKind(kindStr)
		r.Price, _ = decimal.NewFromString(price)
		r.PerGPU, _ = decimal.NewFromString(perGPU)
		r.InstanceID = instanceID.Int64
		r.Response = response.String
		r.Error = errStr.String
		r.CreatedAt, _ = time.Parse(tsLayout, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListCycles 最近的周期汇总，新的在前
func (s *Store) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT cycle_id, active_gpus, bids_placed, bids_raised, skipped, ts
FROM cycle_summaries
ORDER BY ts DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list cycle summaries")
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var (
			c  CycleRecord
			ts string
		)
		if err := rows.Scan(&c.CycleID, &c.ActiveGPUs, &c.BidsPlaced, &c.BidsRaised, &c.Skipped, &ts); err != nil {
			return nil, err
		}
		c.Timestamp, _ = time.Parse(tsLayout, ts)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCycle 最近一个周期；没有记录时 ok=false
func (s *Store) LatestCycle(ctx context.Context) (CycleRecord, bool, error) {
	cycles, err := s.ListCycles(ctx, 1)
	if err != nil || len(cycles) == 0 {
		return CycleRecord{}, false, err
	}
	return cycles[0], true, nil
}

// ActionTotals 按 "kind/status" 统计动作数量
func (s *Store) ActionTotals(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kind, status, COUNT(*)
FROM bid_actions
GROUP BY kind, status
`)
	if err != nil {
		return nil, errors.Wrap(err, "count bid actions")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			kind, status string
			n            int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		out[kind+"/"+status] = n
	}
	return out, rows.Err()
}

// RecentBidTargets since 之后仍占用去重窗口的报价 ID 及最近一次下单时间，用于重启后恢复去重窗口。
// 与执行器内存中的规则一致：成功、被拒绝、响应异常都占用窗口，失败（未送达）不占用。
// dry-run 记录只在 includeDryRun 时计入，实盘不会因为纸交易跳过真实出价。
func (s *Store) RecentBidTargets(ctx context.Context, since time.Time, includeDryRun bool) (map[int64]time.Time, error) {
	dryRun := ""
	if includeDryRun {
		dryRun = StatusDryRun
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT target_id, MAX(created_at)
FROM bid_actions
WHERE kind=? AND status IN (?,?,?,?) AND created_at >= ?
GROUP BY target_id
`, string(domain.ActionPlaceBid), StatusOK, StatusRejected, StatusMalformed, dryRun, since.UTC().Format(tsLayout))
	if err != nil {
		return nil, errors.Wrap(err, "recent bid targets")
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var (
			id int64
			ts string
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id], _ = time.Parse(tsLayout, ts)
	}
	return out, rows.Err()
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

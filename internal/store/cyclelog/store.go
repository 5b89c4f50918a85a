// Package cyclelog 把每个评估周期的结果写入独立的 SQLite 文件，方便排查熔断与配额问题。
package cyclelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"warden/internal/lifecycle"

	_ "modernc.org/sqlite"
)

// CycleLogStore implements lifecycle.Journal.
type CycleLogStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

var _ lifecycle.Journal = (*CycleLogStore)(nil)

// CycleLogRecord 是一条周期日志。
type CycleLogRecord struct {
	ID           int64                    `json:"id"`
	TraceID      string                   `json:"trace_id"`
	DeploymentID string                   `json:"deployment_id"`
	Kind         string                   `json:"kind"`
	Timestamp    int64                    `json:"ts"`
	Outcome      string                   `json:"outcome"`
	Status       string                   `json:"status"`
	CircuitState string                   `json:"circuit_state"`
	Transitions  []string                 `json:"transitions,omitempty"`
	QuotaReset   bool                     `json:"quota_reset"`
	Delivered    int                      `json:"delivered"`
	Signals      []lifecycle.SignalReport `json:"signals,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Persisted    bool                     `json:"persisted"`
	Discarded    bool                     `json:"discarded"`
}

// Query 用于筛选周期日志。
type Query struct {
	DeploymentID string
	Outcome      string
	Limit        int
	Offset       int
}

// New 初始化 SQLite 存储。
func New(path string) (*CycleLogStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cycle log path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureCycleLogSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &CycleLogStore{db: db, path: path, ownsDB: true}, nil
}

// Close 关闭底层 DB。
func (s *CycleLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureCycleLogSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cycle_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			deployment_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			status TEXT,
			circuit_state TEXT,
			transitions_json TEXT,
			quota_reset INTEGER NOT NULL DEFAULT 0,
			delivered INTEGER NOT NULL DEFAULT 0,
			signals_json TEXT,
			error TEXT,
			persisted INTEGER NOT NULL DEFAULT 0,
			discarded INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_logs_deployment_ts ON cycle_logs(deployment_id, ts DESC, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_cycle_logs_outcome_ts ON cycle_logs(outcome, ts DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *CycleLogStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("cycle log store 已关闭")
	}
	return s.db, nil
}

// Record 写入一个周期结果。
func (s *CycleLogStore) Record(ctx context.Context, res lifecycle.CycleResult) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	transitions := make([]string, 0, len(res.Transitions))
	for _, tr := range res.Transitions {
		transitions = append(transitions, tr.String())
	}
	trJSON, err := json.Marshal(transitions)
	if err != nil {
		return err
	}
	sigJSON, err := json.Marshal(res.Signals)
	if err != nil {
		return err
	}
	at := res.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = db.ExecContext(ctx, `INSERT INTO cycle_logs
		(trace_id, deployment_id, kind, ts, outcome, status, circuit_state, transitions_json,
		 quota_reset, delivered, signals_json, error, persisted, discarded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TraceID, res.DeploymentID, string(res.Kind), at.UnixMilli(), string(res.Outcome),
		string(res.Status), res.CircuitState.String(), string(trJSON),
		boolToInt(res.QuotaReset), res.Delivered(), string(sigJSON), res.Error,
		boolToInt(res.Persisted), boolToInt(res.Discarded), time.Now().UnixMilli(),
	)
	return err
}

// Recent 按时间倒序返回日志。
func (s *CycleLogStore) Recent(ctx context.Context, q Query) ([]CycleLogRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if id := strings.TrimSpace(q.DeploymentID); id != "" {
		where = append(where, "deployment_id = ?")
		args = append(args, id)
	}
	if oc := strings.TrimSpace(q.Outcome); oc != "" {
		where = append(where, "outcome = ?")
		args = append(args, oc)
	}
	query := `SELECT id, trace_id, deployment_id, kind, ts, outcome, status, circuit_state,
		transitions_json, quota_reset, delivered, signals_json, error, persisted, discarded
		FROM cycle_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(q.Offset, 0))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CycleLogRecord
	for rows.Next() {
		var (
			rec                              CycleLogRecord
			status, circuit, trJSON, sigs    sql.NullString
			errText                          sql.NullString
			quotaReset, persisted, discarded int
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.DeploymentID, &rec.Kind, &rec.Timestamp,
			&rec.Outcome, &status, &circuit, &trJSON, &quotaReset, &rec.Delivered, &sigs,
			&errText, &persisted, &discarded); err != nil {
			return nil, err
		}
		rec.Status = status.String
		rec.CircuitState = circuit.String
		rec.Error = errText.String
		rec.QuotaReset = quotaReset == 1
		rec.Persisted = persisted == 1
		rec.Discarded = discarded == 1
		if trJSON.Valid && trJSON.String != "" {
			_ = json.Unmarshal([]byte(trJSON.String), &rec.Transitions)
		}
		if sigs.Valid && sigs.String != "" && sigs.String != "null" {
			_ = json.Unmarshal([]byte(sigs.String), &rec.Signals)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSince 统计 since 之后各 outcome 的周期数。
func (s *CycleLogStore) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT outcome, COUNT(1) FROM cycle_logs WHERE ts >= ? GROUP BY outcome`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

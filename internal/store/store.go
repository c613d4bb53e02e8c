package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitushen/snmpdash/internal/models"
	"github.com/hitushen/snmpdash/internal/targets"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("not found")

// Store 封装了对 SQLite 数据库的持久化访问。
type Store struct {
	DB   *sql.DB
	seal *sealer
}

// Session 是一个浏览器会话的持久化状态。Cookies 为明文，落盘前加密。
type Session struct {
	ID        string
	User      *models.User
	Cookies   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	LastSeen  time.Time
}

// New 根据给定的 SQLite 文件路径初始化 Store，secret 用于派生 Cookie 加密密钥。
func New(dbPath string, secret []byte) (*Store, error) {
	if len(secret) == 0 {
		return nil, errors.New("store secret must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{DB: db, seal: newSealer(secret)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 释放数据库资源。
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_json TEXT NOT NULL DEFAULT '',
			cookies BLOB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS probe_runs (
			device_id INTEGER PRIMARY KEY,
			address TEXT NOT NULL,
			running INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS probe_ports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL REFERENCES probe_runs(device_id) ON DELETE CASCADE,
			port INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'unknown',
			checked_at TIMESTAMP,
			UNIQUE(device_id, port)
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return s.ensureSessionColumns()
}

// ensureSessionColumns 为旧库补齐 last_seen 列（Unix 秒）。
func (s *Store) ensureSessionColumns() error {
	rows, err := s.DB.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, "last_seen") {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.DB.Exec(`ALTER TABLE sessions ADD COLUMN last_seen INTEGER NOT NULL DEFAULT 0`)
	return err
}

// SaveSession 写入会话用户，user 为 nil 表示已登出但保留会话行。
func (s *Store) SaveSession(ctx context.Context, id string, user *models.User) error {
	userJSON := ""
	if user != nil {
		b, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		userJSON = string(b)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, user_json, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_json = excluded.user_json,
			last_seen = excluded.last_seen,
			updated_at = CURRENT_TIMESTAMP`,
		id, userJSON, time.Now().Unix())
	return err
}

// SaveCookies 加密保存后端 Cookie，会话不存在时一并创建。
func (s *Store) SaveCookies(ctx context.Context, id string, cookies []byte) error {
	var box []byte
	if len(cookies) > 0 {
		sealed, err := s.seal.seal(cookies)
		if err != nil {
			return err
		}
		box = sealed
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, cookies, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cookies = excluded.cookies,
			last_seen = excluded.last_seen,
			updated_at = CURRENT_TIMESTAMP`,
		id, box, time.Now().Unix())
	return err
}

// GetSession 读取会话并解密 Cookie。
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var userJSON string
	var box []byte
	var lastSeen int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_json, cookies, created_at, updated_at, last_seen FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &userJSON, &box, &sess.CreatedAt, &sess.UpdatedAt, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if userJSON != "" {
		var u models.User
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		sess.User = &u
	}
	if len(box) > 0 {
		plain, err := s.seal.open(box)
		if err != nil {
			return nil, err
		}
		sess.Cookies = plain
	}
	sess.LastSeen = time.Unix(lastSeen, 0)
	return &sess, nil
}

// Touch 刷新会话的最近访问时间。
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET last_seen = ? WHERE id = ?`, at.Unix(), id)
	return err
}

// DeleteSession 删除会话。
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// PurgeIdle 删除 before 之前未再访问的会话，返回被删除的会话 ID。
func (s *Store) PurgeIdle(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM sessions WHERE last_seen < ?`, before.Unix())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, before.Unix()); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

// BeginProbe 将设备标记为探测中；已有探测在进行时返回 false。
func (s *Store) BeginProbe(ctx context.Context, deviceID int64, address string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO probe_runs (device_id, address, running, started_at, error) VALUES (?, ?, 1, ?, '')
		ON CONFLICT(device_id) DO UPDATE SET
			address = excluded.address,
			running = 1,
			started_at = excluded.started_at,
			error = ''
		WHERE probe_runs.running = 0`,
		deviceID, targets.Normalize(address), time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// EndProbe 写入探测结果并清除探测中标记。
func (s *Store) EndProbe(ctx context.Context, deviceID int64, ports []models.ProbePort, probeErr error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	msg := ""
	if probeErr != nil {
		msg = probeErr.Error()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE probe_runs SET running = 0, finished_at = ?, error = ? WHERE device_id = ?`,
		time.Now().UTC(), msg, deviceID); err != nil {
		return err
	}
	for _, p := range ports {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO probe_ports (device_id, port, status, checked_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id, port) DO UPDATE SET status = excluded.status, checked_at = excluded.checked_at`,
			deviceID, p.Port, p.Status, p.CheckedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ResetProbes 清除所有遗留的探测中标记，进程启动时调用。
func (s *Store) ResetProbes(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE probe_runs SET running = 0 WHERE running = 1`)
	return err
}

// LatestProbe 返回设备最近一次探测及各端口结果。
func (s *Store) LatestProbe(ctx context.Context, deviceID int64) (*models.ProbeRun, error) {
	var run models.ProbeRun
	var running int
	var started, finished sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT device_id, address, running, started_at, finished_at, error FROM probe_runs WHERE device_id = ?`, deviceID).
		Scan(&run.DeviceID, &run.Address, &running, &started, &finished, &run.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	run.Running = running == 1
	if started.Valid {
		run.StartedAt = started.Time
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT port, status, checked_at FROM probe_ports WHERE device_id = ? ORDER BY port ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p models.ProbePort
		var checked sql.NullTime
		if err := rows.Scan(&p.Port, &p.Status, &checked); err != nil {
			return nil, err
		}
		if checked.Valid {
			p.CheckedAt = checked.Time
		}
		run.Ports = append(run.Ports, p)
	}
	return &run, rows.Err()
}

// ListProbeTargets 返回所有探测过且当前空闲的设备，供定时复测使用。
func (s *Store) ListProbeTargets(ctx context.Context) ([]models.ProbeRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT device_id, address FROM probe_runs WHERE running = 0 ORDER BY device_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.ProbeRun
	for rows.Next() {
		var r models.ProbeRun
		if err := rows.Scan(&r.DeviceID, &r.Address); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

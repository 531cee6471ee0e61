package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"quizgen/pkg/contract"
)

// Options: SQLite 记录库配置。
type Options struct {
	// Path: 数据库文件路径（必需）。
	Path string `json:"path"`
	// Table: 表名，默认 question_records。
	Table string `json:"table"`
}

// Store: 以 SQLite 表保存记录；只 INSERT，从不 UPDATE/DELETE。
type Store struct {
	db    *sql.DB
	path  string
	table string
	mu    sync.Mutex
}

// New 打开（必要时创建）数据库并建表。
func New(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("sqlite: %w: empty path", contract.ErrPathInvalid)
	}
	table := opts.Table
	if table == "" {
		table = "question_records"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("sqlite: %w: table %q", contract.ErrInvalidInput, table)
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := openDB(opts.Path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: opts.Path, table: table}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// openDB 打开连接并设置 WAL、忙等待与同步级别（FULL：每次提交都落盘）。
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// 单写者；同时避免多连接各自持有不同的 PRAGMA 状态
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return db, nil
}

func validIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id         TEXT PRIMARY KEY,
			book_name  TEXT NOT NULL,
			chapter    TEXT NOT NULL,
			level      INTEGER NOT NULL,
			questions  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			source     TEXT NOT NULL,
			version    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_unit_idx ON ` + s.table + ` (book_name, chapter, level)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

var _ contract.Store = (*Store)(nil)

// Location 返回数据库路径与表名。
func (s *Store) Location() string { return "sqlite:" + s.path + "#" + s.table }

// Scan 读取所有记录的身份三元组；等级非法的行跳过并计数。
func (s *Store) Scan(ctx context.Context, yield func(u contract.WorkUnit) error) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT book_name, chapter, level FROM `+s.table+` ORDER BY rowid`)
	if err != nil {
		return 0, fmt.Errorf("sqlite scan: %w", err)
	}
	defer rows.Close()
	skipped := 0
	for rows.Next() {
		var (
			book, chapter string
			level         int
		)
		if err := rows.Scan(&book, &chapter, &level); err != nil {
			skipped++
			continue
		}
		lv := contract.Level(level)
		if !lv.Valid() {
			skipped++
			continue
		}
		if err := yield(contract.WorkUnit{Book: book, Chapter: chapter, Level: lv}); err != nil {
			return skipped, err
		}
	}
	return skipped, rows.Err()
}

// Append 插入一条记录；提交即持久。
func (s *Store) Append(ctx context.Context, rec contract.QuestionRecord) error {
	qs, err := json.Marshal(rec.Questions)
	if err != nil {
		return err
	}
	created, err := json.Marshal(rec.CreatedAt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (id, book_name, chapter, level, questions, created_at, source, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BookName, rec.Chapter, int(rec.Level), string(qs), string(created), rec.Source, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	return nil
}

// Close 关闭数据库。
func (s *Store) Close() error { return s.db.Close() }

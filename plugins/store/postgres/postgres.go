package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quizgen/pkg/contract"
)

// Options: PostgreSQL 记录库配置。
type Options struct {
	// DSN: 连接串；为空时读取 DSNEnv。
	DSN string `json:"dsn"`
	// DSNEnv: 连接串环境变量名，默认 QUIZGEN_PG_DSN。
	DSNEnv string `json:"dsn_env"`
	// Table: 表名，默认 question_records。
	Table string `json:"table"`
}

// Store: 以 PostgreSQL 表保存记录（questions 为 JSONB）；只 INSERT。
type Store struct {
	pool     *pgxpool.Pool
	table    string
	location string
	mu       sync.Mutex
}

// New 连接数据库并建表。
func New(ctx context.Context, opts *Options) (*Store, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.DSNEnv == "" {
		o.DSNEnv = "QUIZGEN_PG_DSN"
	}
	dsn := strings.TrimSpace(o.DSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv(o.DSNEnv))
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres: %w: missing dsn (%s)", contract.ErrInvalidInput, o.DSNEnv)
	}
	table := o.Table
	if table == "" {
		table = "question_records"
	}
	ident := pgx.Identifier{table}.Sanitize()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &Store{pool: pool, table: ident, location: "postgres:" + redact(dsn) + "#" + table}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// redact 去掉连接串中的密码。
func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id         TEXT PRIMARY KEY,
			book_name  TEXT NOT NULL,
			chapter    TEXT NOT NULL,
			level      SMALLINT NOT NULL,
			questions  JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			source     TEXT NOT NULL,
			version    INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

var _ contract.Store = (*Store)(nil)

// Location 返回脱敏后的连接位置。
func (s *Store) Location() string { return s.location }

// Scan 读取所有记录的身份三元组；等级非法的行跳过并计数。
func (s *Store) Scan(ctx context.Context, yield func(u contract.WorkUnit) error) (int, error) {
	rows, err := s.pool.Query(ctx, `SELECT book_name, chapter, level FROM `+s.table)
	if err != nil {
		return 0, fmt.Errorf("postgres scan: %w", err)
	}
	defer rows.Close()
	skipped := 0
	for rows.Next() {
		var (
			book, chapter string
			level         int16
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

// Append 插入一条记录；语句自动提交即持久。
func (s *Store) Append(ctx context.Context, rec contract.QuestionRecord) error {
	qs, err := json.Marshal(rec.Questions)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, book_name, chapter, level, questions, created_at, source, version) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.BookName, rec.Chapter, int16(rec.Level), string(qs), rec.CreatedAt.Time, rec.Source, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres insert: %w", err)
	}
	return nil
}

// Close 关闭连接池。
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

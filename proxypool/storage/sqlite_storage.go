package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

// SQLiteStorage 将黑名单和可用列表保存在一个 SQLite 数据库中。
// 每次保存都在单个事务内整体重写对应的表。
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage 打开 (必要时创建) 数据库并初始化表结构。
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	// 单连接即可，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	s := &SQLiteStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS blacklist (
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		failed_at INTEGER NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (host, port, protocol)
	);
	CREATE TABLE IF NOT EXISTS working (
		rank INTEGER PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		latency_ms REAL NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("%w: init schema: %v", model.ErrPersistenceIO, err)
	}
	return nil
}

func (s *SQLiteStorage) LoadBlacklist() ([]model.BlacklistEntry, error) {
	rows, err := s.db.Query(`SELECT host, port, protocol, failed_at, failure_count FROM blacklist ORDER BY host, port, protocol`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	defer rows.Close()

	var entries []model.BlacklistEntry
	for rows.Next() {
		var (
			e        model.BlacklistEntry
			proto    string
			failedAt int64
		)
		if err := rows.Scan(&e.Candidate.Host, &e.Candidate.Port, &proto, &failedAt, &e.FailureCount); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
		}
		p, err := model.ParseProtocol(proto)
		if err != nil {
			l := logger.WithComponent("ProxyPool/Storage")
			l.Warn().Err(err).Str("host", e.Candidate.Host).Msg("Skipping blacklist row with unknown protocol.")
			continue
		}
		e.Candidate.Protocol = p
		e.FailedAt = time.Unix(failedAt, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	return entries, nil
}

func (s *SQLiteStorage) SaveBlacklist(entries []model.BlacklistEntry) error {
	return s.rewrite("blacklist", func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO blacklist (host, port, protocol, failed_at, failure_count) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			c := e.Candidate
			if _, err := stmt.Exec(c.Host, c.Port, string(c.Protocol), e.FailedAt.Unix(), e.FailureCount); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStorage) LoadWorking() ([]model.WorkingEntry, error) {
	rows, err := s.db.Query(`SELECT host, port, protocol, latency_ms FROM working ORDER BY rank`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	defer rows.Close()

	var entries []model.WorkingEntry
	for rows.Next() {
		var (
			e     model.WorkingEntry
			proto string
			ms    float64
		)
		if err := rows.Scan(&e.Candidate.Host, &e.Candidate.Port, &proto, &ms); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
		}
		p, err := model.ParseProtocol(proto)
		if err != nil {
			continue
		}
		e.Candidate.Protocol = p
		e.Latency = time.Duration(ms * float64(time.Millisecond))
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	return entries, nil
}

func (s *SQLiteStorage) SaveWorking(entries []model.WorkingEntry) error {
	return s.rewrite("working", func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO working (rank, host, port, protocol, latency_ms) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range entries {
			c := e.Candidate
			if _, err := stmt.Exec(i, c.Host, c.Port, string(c.Protocol), e.LatencyMillis()); err != nil {
				return err
			}
		}
		return nil
	})
}

// rewrite 在一个事务中清空表并调用 fill 重新插入。
func (s *SQLiteStorage) rewrite(table string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: clear %s: %v", model.ErrPersistenceIO, table, err)
	}
	if err := fill(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: write %s: %v", model.ErrPersistenceIO, table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

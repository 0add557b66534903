package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	logBatchSize  = 100
	logBufferSize = 500
)

// LogStorage 将日志异步批量写入 sqlite，作为 logger.InitLogStorage 的写入端
type LogStorage struct {
	db     *sql.DB
	mu     sync.Mutex
	logCh  chan logEntry
	done   chan struct{}
	closed bool
}

type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 创建日志存储
func NewLogStorage(path string) (*LogStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	ls := &LogStorage{
		db:    db,
		logCh: make(chan logEntry, logBufferSize),
		done:  make(chan struct{}),
	}
	go ls.processLogs()
	return ls, nil
}

// WriteLog 写入日志（异步，队列满时丢弃）
func (ls *LogStorage) WriteLog(level, message string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return
	}
	select {
	case ls.logCh <- logEntry{level: level, message: message, timestamp: time.Now().UTC()}:
	default:
	}
}

// processLogs 每秒或攒满一批时落库
func (ls *LogStorage) processLogs() {
	defer close(ls.done)

	buffer := make([]logEntry, 0, logBatchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		// 写入失败静默丢弃，不影响回测
		_ = ls.batchInsert(buffer)
		buffer = buffer[:0]
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= logBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (ls *LogStorage) batchInsert(entries []logEntry) error {
	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.timestamp, e.level, e.message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLogs 查询日志，返回记录与总数
func (ls *LogStorage) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime.UTC())
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime.UTC())
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, params.Level)
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM logs WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	args = append(args, params.Limit, params.Offset)

	rows, err := ls.db.Query(fmt.Sprintf(`
		SELECT id, timestamp, level, message
		FROM logs
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var logs []*LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Level, &r.Message); err != nil {
			return nil, 0, err
		}
		logs = append(logs, &r)
	}
	return logs, total, rows.Err()
}

// CleanOldLogs 清理超过指定天数的日志
func (ls *LogStorage) CleanOldLogs(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := ls.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close 刷新剩余日志并关闭
func (ls *LogStorage) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	close(ls.logCh)
	ls.mu.Unlock()

	<-ls.done
	return ls.db.Close()
}

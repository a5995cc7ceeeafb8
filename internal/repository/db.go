// Package repository 提供引擎的持久化存储层
//
// 存储使用设备本地的 sqlite 文件。所有写操作通过 DB.writeMu 串行化，
// 保证不会有两次写入交错；读操作可与写并发（WAL 模式）。
package repository

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB sqlite 连接封装（单写者）
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

// Open 打开 sqlite 数据库并初始化表结构
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{DB: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// migrate 创建表结构（幂等）
func (d *DB) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			uuid TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			altitude REAL NOT NULL DEFAULT 0,
			speed REAL NOT NULL DEFAULT 0,
			heading REAL NOT NULL DEFAULT 0,
			accuracy REAL NOT NULL DEFAULT 0,
			altitude_accuracy REAL NOT NULL DEFAULT 0,
			speed_accuracy REAL NOT NULL DEFAULT 0,
			heading_accuracy REAL NOT NULL DEFAULT 0,
			floor INTEGER,
			is_moving INTEGER NOT NULL DEFAULT 0,
			odometer REAL NOT NULL DEFAULT 0,
			activity_type TEXT NOT NULL DEFAULT 'unknown',
			activity_confidence INTEGER NOT NULL DEFAULT 0,
			battery_level REAL NOT NULL DEFAULT 0,
			battery_charging INTEGER NOT NULL DEFAULT 0,
			event TEXT NOT NULL DEFAULT 'tracking',
			extras TEXT NOT NULL DEFAULT '{}',
			synced INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_synced ON locations(synced, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations(timestamp)`,
		`CREATE TABLE IF NOT EXISTS geofences (
			identifier TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			radius REAL NOT NULL,
			notify_entry INTEGER NOT NULL DEFAULT 0,
			notify_exit INTEGER NOT NULL DEFAULT 0,
			notify_dwell INTEGER NOT NULL DEFAULT 0,
			loitering_delay INTEGER NOT NULL DEFAULT 0,
			extras TEXT NOT NULL DEFAULT '{}',
			active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			tracking_mode TEXT NOT NULL DEFAULT 'location',
			is_moving INTEGER NOT NULL DEFAULT 0,
			odometer REAL NOT NULL DEFAULT 0,
			last_fix_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
	}

	for _, stmt := range schema {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Lock 获取写锁（供各仓库的写操作使用）
func (d *DB) Lock() { d.writeMu.Lock() }

// Unlock 释放写锁
func (d *DB) Unlock() { d.writeMu.Unlock() }

// Close 关闭数据库连接
func (d *DB) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

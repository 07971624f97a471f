package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nafabric/nafabric/internal/database"
	"github.com/nafabric/nafabric/internal/wire"
)

// ErrNotConnected 会话还没有可用的后端连接
var ErrNotConnected = errors.New("gateway: backend not connected")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Backend 一个客户端会话独占的后端数据库连接；NoCommit 语句进入显式事务直到提交或回滚
type Backend struct {
	dsn   string
	sqlDB *sql.DB
	conn  *sql.Conn
	db    *gorm.DB
	tx    *gorm.DB
}

// OpenBackend 打开后端连接并固定到单个物理连接上，游标与事务共用这一连接
func OpenBackend(ctx context.Context, dsn string) (*Backend, error) {
	base, err := database.Open(dsn, gormLogger.Warn)
	if err != nil {
		return nil, err
	}
	sqlDB, err := base.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("acquire backend connection: %w", err)
	}
	db, err := gorm.Open(sqlite.Dialector{Conn: conn}, &gorm.Config{
		Logger:                 base.Config.Logger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = conn.Close()
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open backend session: %w", err)
	}
	return &Backend{dsn: dsn, sqlDB: sqlDB, conn: conn, db: db}, nil
}

// DSN 后端连接串
func (b *Backend) DSN() string { return b.dsn }

// InTx 是否有未提交的事务
func (b *Backend) InTx() bool { return b.tx != nil }

func (b *Backend) exec() *gorm.DB {
	if b.tx != nil {
		return b.tx
	}
	return b.db
}

// Rows 执行查询并返回游标
func (b *Backend) Rows(query string) (*sql.Rows, error) {
	return b.exec().Raw(query).Rows()
}

// Exec 执行更新类语句；NoCommit 时先开启事务
func (b *Backend) Exec(commitMode uint32, query string, args ...interface{}) (int64, error) {
	if err := b.begin(commitMode); err != nil {
		return 0, err
	}
	res := b.exec().Exec(query, args...)
	if res.Error != nil {
		return 0, res.Error
	}
	if commitMode != wire.NoCommit && b.tx != nil {
		if err := b.Commit(); err != nil {
			return res.RowsAffected, err
		}
	}
	return res.RowsAffected, nil
}

// LongUpdate UPDATE table SET field = ? WHERE where
func (b *Backend) LongUpdate(commitMode uint32, table, field, where string, value []byte) (int64, error) {
	if !identRe.MatchString(table) || !identRe.MatchString(field) {
		return 0, fmt.Errorf("invalid table or field name %q.%q", table, field)
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ?", table, field)
	if where != "" {
		query += " WHERE " + where
	}
	return b.Exec(commitMode, query, value)
}

func (b *Backend) begin(commitMode uint32) error {
	if commitMode != wire.NoCommit || b.tx != nil {
		return nil
	}
	tx := b.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	b.tx = tx
	return nil
}

// Commit 提交当前事务，没有事务时什么都不做
func (b *Backend) Commit() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Commit().Error
	b.tx = nil
	return err
}

// Rollback 回滚当前事务
func (b *Backend) Rollback() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Rollback().Error
	b.tx = nil
	return err
}

// Close 回滚未提交的事务并释放连接
func (b *Backend) Close() error {
	_ = b.Rollback()
	err := b.conn.Close()
	if cerr := b.sqlDB.Close(); err == nil {
		err = cerr
	}
	return err
}

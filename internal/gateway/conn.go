package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/nafabric/nafabric/internal/database"
	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// cursor 记录集游标
type cursor struct {
	rows  *sql.Rows
	cols  int
	inTx  bool
	ended bool
}

// clientConn 一个 DB 客户端会话的状态
type clientConn struct {
	mu         sync.Mutex
	sess       *session.Session
	defaultDSN string
	blockSize  int

	dsn     string
	backend *Backend

	// 长 SQL 与长更新的分段缓冲
	longSQL   strings.Builder
	longQuery *wire.DBQueryReq
	longData  []byte
	longUpd   *wire.DBLongUpdateReq

	cursors map[uint32]*cursor
	nextID  uint32
}

func newClientConn(sess *session.Session, defaultDSN string) *clientConn {
	return &clientConn{
		sess:       sess,
		defaultDSN: defaultDSN,
		blockSize:  wire.MaxDataSize,
		cursors:    make(map[uint32]*cursor),
	}
}

func (c *clientConn) handle(m wire.Message) {
	c.mu.Lock()
	closing := c.dispatch(m)
	c.mu.Unlock()
	if closing {
		c.sess.Close(nil)
	}
}

// Close 会话结束时释放后端
func (c *clientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
}

// dispatch 处理一条请求，返回 true 表示客户端要求关闭会话
func (c *clientConn) dispatch(m wire.Message) bool {
	switch msg := m.(type) {
	case *wire.DBConnReq:
		c.connect(msg)
	case *wire.DBCloseReq:
		logger.Infof("DBGateway(%s) close requested", c.sess.Name())
		c.close()
		return true
	case *wire.DBQueryReq:
		c.query(msg)
	case *wire.DBRSMoveNextReq:
		c.moveNext(msg.QueryID)
	case *wire.DBRSCloseReq:
		c.closeCursor(msg.QueryID)
	case *wire.DBCommitReq:
		c.closeTxCursors()
		err := c.withBackend(func(b *Backend) error { return b.Commit() })
		c.send(&wire.DBCommitRes{Result: result(err), Error: errText(err)})
	case *wire.DBRollbackReq:
		c.closeTxCursors()
		err := c.withBackend(func(b *Backend) error { return b.Rollback() })
		c.send(&wire.DBRollbackRes{Result: result(err), Error: errText(err)})
	case *wire.DBLongUpdateReq:
		c.longUpdate(msg)
	default:
		logger.Debugf("DBGateway(%s) ignored msg_id=%d", c.sess.Name(), m.MsgID())
	}
	return false
}

func (c *clientConn) send(m wire.Message) {
	if err := c.sess.Send(m); err != nil {
		logger.Warnf("DBGateway(%s) send msg_id=%d: %v", c.sess.Name(), m.MsgID(), err)
	}
}

func result(err error) uint32 {
	if err != nil {
		return wire.AckFail
	}
	return wire.AckSuccess
}

func errText(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}

func (c *clientConn) connect(req *wire.DBConnReq) {
	c.close()
	c.dsn = strings.TrimSpace(req.DSN)
	if c.dsn == "" {
		c.dsn = c.defaultDSN
	}
	b, err := OpenBackend(context.Background(), c.dsn)
	if err != nil {
		logger.Errorf("DBGateway(%s) connect %s: %v", c.sess.Name(), c.dsn, err)
		c.send(&wire.DBConnRes{Result: wire.AckFail, Error: err.Error()})
		return
	}
	c.backend = b
	logger.Infof("DBGateway(%s) connected to %s as %q", c.sess.Name(), c.dsn, req.User)
	c.send(&wire.DBConnRes{Result: wire.AckSuccess})
}

// close 释放游标与后端连接
func (c *clientConn) close() {
	for id := range c.cursors {
		c.closeCursor(id)
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			logger.Warnf("DBGateway(%s) close backend: %v", c.sess.Name(), err)
		}
		c.backend = nil
	}
}

// withBackend 执行后端操作；连接断开时关闭会话并重连一次，本次操作仍返回原错误
func (c *clientConn) withBackend(fn func(*Backend) error) error {
	if c.backend == nil {
		if c.dsn == "" {
			return ErrNotConnected
		}
		if err := c.reconnect(); err != nil {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	err := fn(c.backend)
	if err != nil && database.IsDisconnectError(err) {
		logger.Warnf("DBGateway(%s) backend lost: %v", c.sess.Name(), err)
		c.close()
		if rerr := c.reconnect(); rerr != nil {
			logger.Errorf("DBGateway(%s) reconnect %s: %v", c.sess.Name(), c.dsn, rerr)
		}
	}
	return err
}

func (c *clientConn) reconnect() error {
	b, err := OpenBackend(context.Background(), c.dsn)
	if err != nil {
		return err
	}
	c.backend = b
	logger.Infof("DBGateway(%s) reconnected to %s", c.sess.Name(), c.dsn)
	return nil
}

// query 处理查询请求，分段的长 SQL 在 SegEnd 时拼接执行
func (c *clientConn) query(req *wire.DBQueryReq) {
	switch req.SegFlag {
	case wire.SegIng:
		if c.longQuery == nil {
			c.longQuery = req
			c.longSQL.Reset()
		}
		c.longSQL.WriteString(req.SQL)
		return
	case wire.SegEnd:
		if c.longQuery != nil {
			c.longSQL.WriteString(req.SQL)
			full := *c.longQuery
			full.SQL = c.longSQL.String()
			c.longQuery = nil
			c.longSQL.Reset()
			req = &full
		}
	}

	switch {
	case req.QueryType != wire.QuerySelect:
		c.update(req)
	case req.ReqType == wire.ReqRecordSet:
		c.openCursor(req)
	default:
		c.bulk(req)
	}
}

func (c *clientConn) update(req *wire.DBQueryReq) {
	if req.CommitMode != wire.NoCommit {
		c.closeTxCursors()
	}
	var affected int64
	err := c.withBackend(func(b *Backend) (err error) {
		affected, err = b.Exec(req.CommitMode, req.SQL)
		return err
	})
	if err != nil {
		logger.Warnf("DBGateway(%s) query %d: %v", c.sess.Name(), req.QueryID, err)
	}
	c.send(&wire.DBQueryRes{QueryID: req.QueryID, Result: result(err), Affected: affected, Error: errText(err)})
}

// bulk 一次取回全部行：先回 DB_QUERY_RES，再按块发送行数据
func (c *clientConn) bulk(req *wire.DBQueryReq) {
	var (
		columns []string
		data    []byte
		rowCnt  uint32
	)
	err := c.withBackend(func(b *Backend) error {
		rows, err := b.Rows(req.SQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		if columns, err = rows.Columns(); err != nil {
			return err
		}
		vals := make([]sql.RawBytes, len(columns))
		ptrs := make([]interface{}, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			data = appendRow(data, vals)
			rowCnt++
		}
		return rows.Err()
	})
	if err != nil {
		logger.Warnf("DBGateway(%s) query %d: %v", c.sess.Name(), req.QueryID, err)
		c.send(&wire.DBQueryRes{QueryID: req.QueryID, Result: wire.AckFail, Error: err.Error()})
		return
	}
	c.send(&wire.DBQueryRes{
		QueryID:  req.QueryID,
		Result:   wire.AckSuccess,
		ColCnt:   uint32(len(columns)),
		RowCnt:   rowCnt,
		DataSize: uint32(len(data)),
		Columns:  strings.Join(columns, ","),
	})
	if len(data) == 0 {
		return
	}
	parts, flags := chunks(data, c.blockSize)
	for i := range parts {
		c.send(&wire.DBBulkQueryData{QueryID: req.QueryID, SegFlag: flags[i], Data: parts[i]})
	}
}

// openCursor 分配 query_id 并保留游标，DB_QUERY_RES 中返回分配的 ID
func (c *clientConn) openCursor(req *wire.DBQueryReq) {
	var (
		rows    *sql.Rows
		columns []string
		inTx    bool
	)
	err := c.withBackend(func(b *Backend) (err error) {
		if rows, err = b.Rows(req.SQL); err != nil {
			return err
		}
		inTx = b.InTx()
		if columns, err = rows.Columns(); err != nil {
			_ = rows.Close()
		}
		return err
	})
	if err != nil {
		logger.Warnf("DBGateway(%s) open cursor: %v", c.sess.Name(), err)
		c.send(&wire.DBQueryRes{QueryID: req.QueryID, Result: wire.AckFail, Error: err.Error()})
		return
	}
	c.nextID++
	id := c.nextID
	c.cursors[id] = &cursor{rows: rows, cols: len(columns), inTx: inTx}
	c.send(&wire.DBQueryRes{
		QueryID: id,
		Result:  wire.AckSuccess,
		ColCnt:  uint32(len(columns)),
		Columns: strings.Join(columns, ","),
	})
}

// moveNext 取一行；行过大时分段发送，每段的 Size 都是整行长度
func (c *clientConn) moveNext(id uint32) {
	cur, ok := c.cursors[id]
	if !ok {
		c.send(&wire.DBRSQueryData{QueryID: id, Size: wire.RSError, Data: []byte(fmt.Sprintf("cursor %d not found", id))})
		return
	}
	if cur.ended {
		c.send(&wire.DBRSQueryData{QueryID: id, Size: wire.RSEnd})
		return
	}
	if !cur.rows.Next() {
		if err := cur.rows.Err(); err != nil {
			c.closeCursor(id)
			c.send(&wire.DBRSQueryData{QueryID: id, Size: wire.RSError, Data: []byte(err.Error())})
			return
		}
		// 结果集读完即释放语句，游标保留到 DB_RS_CLOSE_REQ
		_ = cur.rows.Close()
		cur.ended = true
		c.send(&wire.DBRSQueryData{QueryID: id, Size: wire.RSEnd})
		return
	}
	vals := make([]sql.RawBytes, cur.cols)
	ptrs := make([]interface{}, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := cur.rows.Scan(ptrs...); err != nil {
		c.closeCursor(id)
		c.send(&wire.DBRSQueryData{QueryID: id, Size: wire.RSError, Data: []byte(err.Error())})
		return
	}
	row := appendRow(nil, vals)
	parts, flags := chunks(row, c.blockSize)
	for i := range parts {
		c.send(&wire.DBRSQueryData{QueryID: id, Size: int32(len(row)), SegFlag: flags[i], Data: parts[i]})
	}
}

func (c *clientConn) closeCursor(id uint32) {
	if cur, ok := c.cursors[id]; ok {
		_ = cur.rows.Close()
		delete(c.cursors, id)
	}
}

// closeTxCursors 提交或回滚前关闭事务内打开的游标
func (c *clientConn) closeTxCursors() {
	for id, cur := range c.cursors {
		if cur.inTx {
			c.closeCursor(id)
		}
	}
}

// longUpdate 拼接 DB_QUERY_LONG_UPDATE_REQ 分段，结束后执行一次 UPDATE
func (c *clientConn) longUpdate(req *wire.DBLongUpdateReq) {
	if req.SegFlag == wire.SegIng {
		if c.longUpd == nil {
			c.longUpd = req
			c.longData = c.longData[:0]
		}
		c.longData = append(c.longData, req.Data...)
		return
	}
	head, data := req, req.Data
	if req.SegFlag == wire.SegEnd && c.longUpd != nil {
		head = c.longUpd
		data = append(c.longData, req.Data...)
	}
	c.longUpd, c.longData = nil, nil

	if head.CommitMode != wire.NoCommit {
		c.closeTxCursors()
	}
	where, value, err := decodeLongUpdate(data)
	if err == nil {
		err = c.withBackend(func(b *Backend) error {
			_, err := b.LongUpdate(head.CommitMode, head.Table, head.Field, where, value)
			return err
		})
	}
	if err != nil {
		logger.Warnf("DBGateway(%s) long update %s.%s: %v", c.sess.Name(), head.Table, head.Field, err)
	} else {
		logger.Debugf("DBGateway(%s) long update %s.%s: %d bytes", c.sess.Name(), head.Table, head.Field, len(value))
	}
	c.send(&wire.DBLongUpdateRes{QueryID: head.QueryID, Result: result(err), Error: errText(err)})
}

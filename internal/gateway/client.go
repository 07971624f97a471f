package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nafabric/nafabric/internal/session"
	"github.com/nafabric/nafabric/internal/wire"
)

// ErrQueryFailed 网关返回失败结果
var ErrQueryFailed = errors.New("gateway: request failed")

// Result bulk 查询结果
type Result struct {
	Columns []string
	Rows    [][]string
}

// Client DB 网关客户端；请求串行执行
type Client struct {
	sess *session.Session
	in   chan wire.Message
	mu   sync.Mutex

	// Timeout 单次应答的等待上限
	Timeout time.Duration
	// BlockSize 长 SQL 与长更新的分段大小
	BlockSize int
}

// Dial 连接网关并完成身份报告；name 为空时自动生成
func Dial(ctx context.Context, endpoint, name string, cfg session.Config) (*Client, error) {
	if name == "" {
		name = "DBCLIENT_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}
	sess, err := session.Dial(ctx, endpoint, wire.ProcDBClient, name, cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		sess:      sess,
		in:        make(chan wire.Message, 64),
		Timeout:   30 * time.Second,
		BlockSize: wire.MaxDataSize,
	}
	go func() {
		_ = sess.Run(session.HandlerFuncs{Message: func(s *session.Session, m wire.Message) {
			select {
			case c.in <- m:
			case <-s.Done():
			}
		}})
	}()
	return c, nil
}

// Name 客户端会话名
func (c *Client) Name() string {
	return c.sess.Name()
}

func (c *Client) recv(ctx context.Context) (wire.Message, error) {
	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()
	select {
	case m := <-c.in:
		return m, nil
	case <-c.sess.Done():
		if err := c.sess.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, session.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("gateway: no response within %s", c.Timeout)
	}
}

// expect 读取下一条应答并检查类型
func expect[T wire.Message](ctx context.Context, c *Client) (T, error) {
	var zero T
	m, err := c.recv(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("gateway: unexpected msg_id=%d", m.MsgID())
	}
	return t, nil
}

func failed(result uint32, msg string) error {
	if result == wire.AckSuccess {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrQueryFailed, msg)
}

// Connect 打开后端会话，dsn 为空时使用网关默认连接串
func (c *Client) Connect(ctx context.Context, user, password, dsn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sess.Send(&wire.DBConnReq{User: user, Password: password, DSN: dsn}); err != nil {
		return err
	}
	res, err := expect[*wire.DBConnRes](ctx, c)
	if err != nil {
		return err
	}
	return failed(res.Result, res.Error)
}

// sendQuery 超过 BlockSize 的 SQL 以 SegIng 分段、SegEnd 结束
func (c *Client) sendQuery(req wire.DBQueryReq) error {
	parts, flags := chunks([]byte(req.SQL), c.BlockSize)
	for i := range parts {
		seg := req
		seg.SQL = string(parts[i])
		seg.SegFlag = flags[i]
		if err := c.sess.Send(&seg); err != nil {
			return err
		}
	}
	return nil
}

// Exec 执行更新类语句，返回影响行数
func (c *Client) Exec(ctx context.Context, queryType uint32, sql string, commitMode uint32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendQuery(wire.DBQueryReq{QueryType: queryType, CommitMode: commitMode, SQL: sql}); err != nil {
		return 0, err
	}
	res, err := expect[*wire.DBQueryRes](ctx, c)
	if err != nil {
		return 0, err
	}
	return res.Affected, failed(res.Result, res.Error)
}

// Select bulk 查询：一次取回全部行
func (c *Client) Select(ctx context.Context, sql string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendQuery(wire.DBQueryReq{QueryType: wire.QuerySelect, ReqType: wire.ReqBulk, SQL: sql}); err != nil {
		return nil, err
	}
	res, err := expect[*wire.DBQueryRes](ctx, c)
	if err != nil {
		return nil, err
	}
	if err := failed(res.Result, res.Error); err != nil {
		return nil, err
	}
	data := make([]byte, 0, res.DataSize)
	for uint32(len(data)) < res.DataSize {
		blk, err := expect[*wire.DBBulkQueryData](ctx, c)
		if err != nil {
			return nil, err
		}
		data = append(data, blk.Data...)
	}
	rows, err := DecodeRows(data, int(res.ColCnt))
	if err != nil {
		return nil, err
	}
	if uint32(len(rows)) != res.RowCnt {
		return nil, fmt.Errorf("gateway: expected %d rows, decoded %d", res.RowCnt, len(rows))
	}
	return &Result{Columns: splitColumns(res.Columns), Rows: rows}, nil
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// RecordSet 服务端游标
type RecordSet struct {
	c       *Client
	ID      uint32
	Columns []string
	closed  bool
}

// OpenRecordSet 打开记录集游标
func (c *Client) OpenRecordSet(ctx context.Context, sql string) (*RecordSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendQuery(wire.DBQueryReq{QueryType: wire.QuerySelect, ReqType: wire.ReqRecordSet, SQL: sql}); err != nil {
		return nil, err
	}
	res, err := expect[*wire.DBQueryRes](ctx, c)
	if err != nil {
		return nil, err
	}
	if err := failed(res.Result, res.Error); err != nil {
		return nil, err
	}
	return &RecordSet{c: c, ID: res.QueryID, Columns: splitColumns(res.Columns)}, nil
}

// Next 取下一行，没有更多行时返回 io.EOF
func (rs *RecordSet) Next(ctx context.Context) ([]string, error) {
	c := rs.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sess.Send(&wire.DBRSMoveNextReq{QueryID: rs.ID}); err != nil {
		return nil, err
	}
	var row []byte
	for {
		m, err := expect[*wire.DBRSQueryData](ctx, c)
		if err != nil {
			return nil, err
		}
		switch m.Size {
		case wire.RSEnd:
			return nil, io.EOF
		case wire.RSError:
			return nil, fmt.Errorf("%w: %s", ErrQueryFailed, m.Data)
		}
		row = append(row, m.Data...)
		if m.SegFlag == wire.SegNone || m.SegFlag == wire.SegEnd {
			break
		}
	}
	rows, err := DecodeRows(row, len(rs.Columns))
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("gateway: cursor %d returned %d rows", rs.ID, len(rows))
	}
	return rows[0], nil
}

// Close 释放游标，DB_RS_CLOSE_REQ 没有应答
func (rs *RecordSet) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.c.mu.Lock()
	defer rs.c.mu.Unlock()
	return rs.c.sess.Send(&wire.DBRSCloseReq{QueryID: rs.ID})
}

// Commit 提交
func (c *Client) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sess.Send(&wire.DBCommitReq{}); err != nil {
		return err
	}
	res, err := expect[*wire.DBCommitRes](ctx, c)
	if err != nil {
		return err
	}
	return failed(res.Result, res.Error)
}

// Rollback 回滚
func (c *Client) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sess.Send(&wire.DBRollbackReq{}); err != nil {
		return err
	}
	res, err := expect[*wire.DBRollbackRes](ctx, c)
	if err != nil {
		return err
	}
	return failed(res.Result, res.Error)
}

// LongUpdate 以分段方式写入长字段：UPDATE table SET field = value WHERE where
func (c *Client) LongUpdate(ctx context.Context, table, field, where string, value []byte, commitMode uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts, flags := chunks(EncodeLongUpdate(where, value), c.BlockSize)
	for i := range parts {
		req := &wire.DBLongUpdateReq{SegFlag: flags[i], CommitMode: commitMode, Table: table, Field: field, Data: parts[i]}
		if err := c.sess.Send(req); err != nil {
			return err
		}
	}
	res, err := expect[*wire.DBLongUpdateRes](ctx, c)
	if err != nil {
		return err
	}
	return failed(res.Result, res.Error)
}

// Close 通知网关关闭会话
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.sess.Send(&wire.DBCloseReq{})
	select {
	case <-c.sess.Done():
	case <-time.After(time.Second):
	}
	c.sess.Close(nil)
	if errors.Is(err, session.ErrClosed) {
		return nil
	}
	return err
}

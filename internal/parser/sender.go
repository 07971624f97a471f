package parser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nafabric/nafabric/internal/rule"
	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// RawMsgChangeFlag 原始文件切换标记的 IDString
const RawMsgChangeFlag = "RAW_MSG_CHANGE_FLAG"

// DefaultPollInterval DataSender 轮询间隔
const DefaultPollInterval = 10 * time.Millisecond

// DefaultSegBlockSize PARSED_DATA_SEG_BLK_SIZE
const DefaultSegBlockSize = 32 * 1024

var infoSeq atomic.Uint64

// ExtractDataInfo 待抽取的一条消息；每个消费者持有独立的一份
type ExtractDataInfo struct {
	ID       uint64
	Rules    *rule.RuleSet
	Ident    *rule.IdentRule
	IDString string
	NE       string
	PortNo   uint32
	Loc      Location
	Consumer string
}

// ChangeFlag 是否为原始文件切换标记
func (e *ExtractDataInfo) ChangeFlag() bool {
	return e.IDString == RawMsgChangeFlag && e.Ident == nil
}

func newChangeFlag(consumer string) *ExtractDataInfo {
	return &ExtractDataInfo{ID: infoSeq.Add(1), IDString: RawMsgChangeFlag, Consumer: consumer}
}

// Sink 解析结果的去向，一般是到 DataRouter 的会话
type Sink interface {
	Send(m wire.Message) error
}

// DataSender 一个消费者的发送队列与轮询协程
type DataSender struct {
	consumer  string
	poll      time.Duration
	blockSize int
	guid      *wire.GUIDGenerator
	tid       int
	reader    *rawReader

	mu    sync.Mutex
	queue []*ExtractDataInfo
	busy  bool

	sinkMu sync.RWMutex
	sink   Sink

	records atomic.Uint64
	dropped atomic.Uint64
}

// NewDataSender 创建发送器；tid 用于分段 GUID
func NewDataSender(consumer string, tid int, guid *wire.GUIDGenerator, poll time.Duration, blockSize int) *DataSender {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if blockSize <= 0 {
		blockSize = DefaultSegBlockSize
	}
	return &DataSender{
		consumer:  consumer,
		poll:      poll,
		blockSize: blockSize,
		guid:      guid,
		tid:       tid,
		reader:    newRawReader(),
	}
}

// Consumer 消费者 ID
func (s *DataSender) Consumer() string {
	return s.consumer
}

// SetSink 更换输出会话，nil 表示暂时没有连接
func (s *DataSender) SetSink(sink Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *DataSender) currentSink() Sink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// Enqueue 入队
func (s *DataSender) Enqueue(info *ExtractDataInfo) {
	s.mu.Lock()
	s.queue = append(s.queue, info)
	s.mu.Unlock()
}

// Len 队列长度
func (s *DataSender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Records 已发送的记录数
func (s *DataSender) Records() uint64 {
	return s.records.Load()
}

// Dropped 因发送失败丢弃的消息数
func (s *DataSender) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *DataSender) take() *ExtractDataInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	info := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.busy = true
	return info
}

func (s *DataSender) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// idle 队列为空且没有正在处理的消息
func (s *DataSender) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.busy
}

// Run 轮询队列直到 ctx 取消
func (s *DataSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	defer s.reader.closeAll()
	for {
		for {
			info := s.take()
			if info == nil {
				break
			}
			s.process(info)
			s.release()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// WaitIdle 阻塞直到队列排空
func (s *DataSender) WaitIdle(ctx context.Context) error {
	for !s.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
	return nil
}

func (s *DataSender) process(info *ExtractDataInfo) {
	if info.ChangeFlag() {
		s.reader.closeAll()
		return
	}
	text, err := s.reader.read(info.Loc)
	if err != nil {
		logger.Errorf("DataSender(%s) msg %d: %v", s.consumer, info.ID, err)
		s.dropped.Add(1)
		return
	}
	records := info.Rules.Extract(info.Ident, rule.NewMessage(string(text)), s.consumer)
	if len(records) == 0 {
		return
	}
	sink := s.currentSink()
	if sink == nil {
		logger.Warnf("DataSender(%s) has no DataRouter connection, msg %d dropped", s.consumer, info.ID)
		s.dropped.Add(1)
		return
	}
	for _, rec := range records {
		if err := s.send(sink, info, rec); err != nil {
			logger.Errorf("DataSender(%s) msg %d: %v", s.consumer, info.ID, err)
			s.dropped.Add(1)
			return
		}
		s.records.Add(1)
	}
}

func (s *DataSender) send(sink Sink, info *ExtractDataInfo, rec rule.Record) error {
	for _, b := range wire.SplitBlocks(s.guid, s.tid, rec.Payload(), s.blockSize) {
		m := &wire.ParsedData{
			Seg:        b.Seg,
			MsgSeq:     uint32(info.ID),
			IdentName:  rec.IdentName,
			NE:         info.NE,
			ConsumerID: s.consumer,
			TmplID:     rec.TmplID,
			ListSeq:    int32(rec.ListSeq),
			AttrNo:     uint32(len(rec.Attrs)),
			Data:       b.Data,
		}
		if err := sink.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// LockManager 规则重载时等待全部 DataSender 排空；完成通过通道通知主循环
type LockManager struct {
	senders []*DataSender
}

// NewLockManager 创建锁管理器
func NewLockManager(senders []*DataSender) *LockManager {
	return &LockManager{senders: senders}
}

// Lock 在独立协程中等待排空，返回的通道恰好收到一次结果
func (l *LockManager) Lock(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		for _, s := range l.senders {
			if err := s.WaitIdle(ctx); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

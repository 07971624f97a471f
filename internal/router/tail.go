package router

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nafabric/nafabric/internal/wire"
	"github.com/nafabric/nafabric/pkg/logger"
)

// Tail 对一个按周期命名的文件做 tail -f：首次打开定位到末尾 Backlog 字节之前，
// 定期重新计算文件名，名称变化时读完旧文件再从头读新文件
type Tail struct {
	ProcessID string
	Cycle     string
	// Chunk 单次读取与发送的最大字节数
	Chunk   int
	Backlog int64
	Poll    time.Duration
	// Recheck 常规的文件名检查周期；离周期边界不足 Recheck 时改用 NearRecheck
	Recheck     time.Duration
	NearRecheck time.Duration

	resolve func(t time.Time) string
	out     func(*wire.TailLogData) error
	now     func() time.Time

	path   string
	f      *os.File
	opened bool
}

// NewTail 创建 Tail；resolve 按时间给出文件路径，out 发送数据块
func NewTail(processID, cycle string, resolve func(time.Time) string, out func(*wire.TailLogData) error) *Tail {
	return &Tail{
		ProcessID:   processID,
		Cycle:       cycle,
		Chunk:       8192,
		Backlog:     1000,
		Poll:        70 * time.Millisecond,
		Recheck:     5 * time.Minute,
		NearRecheck: 20 * time.Second,
		resolve:     resolve,
		out:         out,
		now:         time.Now,
	}
}

// Path 当前跟随的文件
func (t *Tail) Path() string {
	return t.path
}

// nextRecheck 距下一次文件名检查的时间
func (t *Tail) nextRecheck() time.Duration {
	now := t.now()
	var boundary time.Time
	if logger.NormalizeCycle(t.Cycle) == logger.CycleDay {
		y, m, d := now.Date()
		boundary = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	} else {
		boundary = now.Truncate(time.Hour).Add(time.Hour)
	}
	if boundary.Sub(now) <= t.Recheck {
		return t.NearRecheck
	}
	return t.Recheck
}

// Run 跟随直到 ctx 取消或发送失败
func (t *Tail) Run(ctx context.Context) error {
	defer t.close()
	t.path = t.resolve(t.now())
	t.open()

	poll := time.NewTicker(t.Poll)
	defer poll.Stop()
	recheck := time.NewTimer(t.nextRecheck())
	defer recheck.Stop()

	for {
		if err := t.drain(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if t.f == nil {
				t.open()
			}
		case <-recheck.C:
			if name := t.resolve(t.now()); name != t.path {
				if err := t.drain(); err != nil {
					return err
				}
				logger.Infof("Tail(%s) switch %s -> %s", t.ProcessID, filepath.Base(t.path), filepath.Base(name))
				t.close()
				t.path = name
				t.open()
			}
			recheck.Reset(t.nextRecheck())
		}
	}
}

// open 打开当前路径；只有第一次打开定位到 size-Backlog
func (t *Tail) open() {
	f, err := os.Open(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("Tail(%s) open %s: %v", t.ProcessID, t.path, err)
		}
		return
	}
	if !t.opened {
		if st, err := f.Stat(); err == nil {
			off := st.Size() - t.Backlog
			if off < 0 {
				off = 0
			}
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				logger.Warnf("Tail(%s) seek %s: %v", t.ProcessID, t.path, err)
			}
		}
	}
	t.opened = true
	t.f = f
}

func (t *Tail) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
}

// drain 读到文件末尾，每 Chunk 字节发送一块
func (t *Tail) drain() error {
	if t.f == nil {
		return nil
	}
	buf := make([]byte, t.Chunk)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if serr := t.out(&wire.TailLogData{ProcessID: t.ProcessID, FileName: filepath.Base(t.path), Data: data}); serr != nil {
				return serr
			}
		}
		if err != nil || n == 0 {
			return nil
		}
	}
}

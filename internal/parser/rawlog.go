package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TmpSuffix 规则重载期间的临时原始文件后缀
const TmpSuffix = "_TMP"

// Location 一条原始消息在文件中的位置
type Location struct {
	Path   string
	Offset int64
	Size   int
}

// RawFileName <dir>/<name>_YYYYMMDDHH.RAW
func RawFileName(dir, name string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.RAW", name, t.Format("2006010215")))
}

// rawFile 只追加写的原始文件
type rawFile struct {
	f    *os.File
	path string
	off  int64
}

func openRawFile(path string) (*rawFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create raw dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open raw file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat raw file: %w", err)
	}
	return &rawFile{f: f, path: path, off: st.Size()}, nil
}

// append 写入消息并以换行分隔，返回消息本身的位置
func (r *rawFile) append(text []byte) (Location, error) {
	buf := make([]byte, 0, len(text)+1)
	buf = append(append(buf, text...), '\n')
	n, err := r.f.Write(buf)
	loc := Location{Path: r.path, Offset: r.off, Size: len(text)}
	r.off += int64(n)
	if err != nil {
		return Location{}, fmt.Errorf("append raw file %s: %w", r.path, err)
	}
	return loc, nil
}

func (r *rawFile) close() error {
	return r.f.Close()
}

// RawLog 按小时命名的原始消息日志，调用方负责写侧加锁
type RawLog struct {
	dir  string
	name string
	cur  *rawFile
	now  func() time.Time
}

// OpenRawLog 打开当前小时的原始文件
func OpenRawLog(dir, name string) (*RawLog, error) {
	l := &RawLog{dir: dir, name: name, now: time.Now}
	cur, err := openRawFile(RawFileName(dir, name, l.now()))
	if err != nil {
		return nil, err
	}
	l.cur = cur
	return l, nil
}

// Path 当前文件路径
func (l *RawLog) Path() string {
	return l.cur.path
}

// Append 追加一条消息
func (l *RawLog) Append(text []byte) (Location, error) {
	return l.cur.append(text)
}

// Rotate 切换到当前时间对应的文件；文件名未变化时不切换并返回空串
func (l *RawLog) Rotate() (string, error) {
	next := RawFileName(l.dir, l.name, l.now())
	if next == l.cur.path {
		return "", nil
	}
	f, err := openRawFile(next)
	if err != nil {
		return "", err
	}
	old := l.cur
	l.cur = f
	if err := old.close(); err != nil {
		return old.path, fmt.Errorf("close raw file: %w", err)
	}
	return old.path, nil
}

// Close 关闭当前文件
func (l *RawLog) Close() error {
	return l.cur.close()
}

// rawReader DataSender 侧的只读句柄缓存；收到切换标记后全部关闭
type rawReader struct {
	mu    sync.Mutex
	files map[string]*os.File
}

func newRawReader() *rawReader {
	return &rawReader{files: make(map[string]*os.File)}
}

func (r *rawReader) read(loc Location) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[loc.Path]
	if !ok {
		var err error
		if f, err = os.Open(loc.Path); err != nil {
			return nil, fmt.Errorf("open raw file: %w", err)
		}
		r.files[loc.Path] = f
	}
	buf := make([]byte, loc.Size)
	n, err := f.ReadAt(buf, loc.Offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read raw file %s@%d: %w", loc.Path, loc.Offset, err)
}

func (r *rawReader) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, f := range r.files {
		_ = f.Close()
		delete(r.files, p)
	}
}

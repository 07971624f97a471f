package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	// HeaderSize 帧头长度：msg_id:u32 + length:u32
	HeaderSize = 8
	// MaxMsgSize 单帧报文体上限，超过即视为协议错误
	MaxMsgSize = 1 << 20
	// MaxDataSize 长 SQL / 长更新 / 分段数据每段的最大字节数
	MaxDataSize = 64 * 1024

	// DefaultReReadRetries 读取重试次数
	DefaultReReadRetries = 4
	// DefaultReReadInterval 读取重试间隔
	DefaultReReadInterval = 70 * time.Millisecond
)

var (
	// ErrFrameTooLarge 帧头声明的长度超过 MaxMsgSize
	ErrFrameTooLarge = errors.New("wire: frame length exceeds MaxMsgSize")
	// ErrUnknownMessage 未登记的 msg_id
	ErrUnknownMessage = errors.New("wire: unknown message id")
)

// Frame 一帧原始报文
type Frame struct {
	ID   uint32
	Body []byte
}

// AppendFrame 把一帧追加到 dst
func AppendFrame(dst []byte, id uint32, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, id)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// WriteFrame 以一次写调用发出整帧
func WriteFrame(w io.Writer, id uint32, body []byte) error {
	if len(body) > MaxMsgSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(body)), id, body)
	_, err := w.Write(buf)
	return err
}

// Reader 按帧读取，可选打开重读容错
type Reader struct {
	r        io.Reader
	retries  int
	interval time.Duration
	hdr      [HeaderSize]byte
}

// NewReader 创建帧读取器（默认不重读）
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// SetReRead 打开重读容错：瞬时阻塞类错误最多重试 retries 次，每次间隔 interval
func (r *Reader) SetReRead(retries int, interval time.Duration) {
	if retries > DefaultReReadRetries {
		retries = DefaultReReadRetries
	}
	r.retries = retries
	r.interval = interval
}

// ReadFrame 读取一帧；长度超限时在读取报文体之前返回 ErrFrameTooLarge
func (r *Reader) ReadFrame() (Frame, error) {
	if err := r.readFull(r.hdr[:]); err != nil {
		return Frame{}, err
	}
	id := binary.BigEndian.Uint32(r.hdr[0:4])
	length := binary.BigEndian.Uint32(r.hdr[4:8])
	if length > MaxMsgSize {
		return Frame{ID: id}, fmt.Errorf("%w: msg_id=%d length=%d", ErrFrameTooLarge, id, length)
	}
	body := make([]byte, length)
	if err := r.readFull(body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{ID: id}, err
	}
	return Frame{ID: id, Body: body}, nil
}

// ReadMessage 读取并解码一帧
func (r *Reader) ReadMessage() (Message, error) {
	f, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(f)
}

func (r *Reader) readFull(buf []byte) error {
	read := 0
	attempts := 0
	for read < len(buf) {
		n, err := r.r.Read(buf[read:])
		read += n
		if err == nil {
			if n == 0 && !r.retry(&attempts) {
				return io.ErrNoProgress
			}
			continue
		}
		if read == len(buf) && errors.Is(err, io.EOF) {
			return nil
		}
		if IsTransient(err) && r.retry(&attempts) {
			continue
		}
		if errors.Is(err, io.EOF) && read > 0 {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func (r *Reader) retry(attempts *int) bool {
	if *attempts >= r.retries {
		return false
	}
	*attempts++
	time.Sleep(r.interval)
	return true
}

// IsTransient 判断是否为可重读的瞬时错误（EAGAIN / EINTR / 超时）
func IsTransient(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

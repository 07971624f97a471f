package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBody 报文体长度不足以解出声明的字段
var ErrShortBody = errors.New("wire: body too short")

// Encoder 按网络字节序顺序写入报文字段
type Encoder struct {
	buf []byte
}

// NewEncoder 创建编码器
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes 返回已编码的内容
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len 当前长度
func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) U16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) U32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) I32(v int32) {
	e.U32(uint32(v))
}

func (e *Encoder) U64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) I64(v int64) {
	e.U64(uint64(v))
}

// Fixed 定长字符串，不足补 0，超长截断
func (e *Encoder) Fixed(s string, width int) {
	n := len(s)
	if n > width {
		n = width
	}
	e.buf = append(e.buf, s[:n]...)
	for i := n; i < width; i++ {
		e.buf = append(e.buf, 0)
	}
}

// Var 带 u32 长度前缀的变长字节
func (e *Encoder) Var(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// VarString 带 u32 长度前缀的变长字符串
func (e *Encoder) VarString(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Decoder 顺序读取报文字段，第一次出错后其余读取全部返回零值
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder 创建解码器
func NewDecoder(body []byte) *Decoder {
	return &Decoder{buf: body}
}

// Err 返回第一次解码错误
func (d *Decoder) Err() error {
	return d.err
}

// Remaining 未读取的字节数
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBody, n, d.off, len(d.buf)-d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) I32() int32 {
	return int32(d.U32())
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

// Fixed 读取定长字符串并去掉尾部填充
func (d *Decoder) Fixed(width int) string {
	b := d.take(width)
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Var 读取带长度前缀的字节，返回副本；长度为 0 时返回 nil
func (d *Decoder) Var() []byte {
	n := d.U32()
	if d.err != nil || n == 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// VarString 读取带长度前缀的字符串
func (d *Decoder) VarString() string {
	n := d.U32()
	if d.err != nil {
		return ""
	}
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

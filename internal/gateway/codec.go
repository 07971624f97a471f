package gateway

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nafabric/nafabric/internal/wire"
)

// ErrShortPayload 行数据或长更新载荷被截断
var ErrShortPayload = errors.New("gateway: truncated payload")

// appendRow 按列追加 len:u32 BE | data，NULL 记为零长度
func appendRow(buf []byte, cols []sql.RawBytes) []byte {
	for _, c := range cols {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(c)))
		buf = append(buf, c...)
	}
	return buf
}

// DecodeRows 把 bulk 数据还原为行，每行 cols 列
func DecodeRows(data []byte, cols int) ([][]string, error) {
	if cols <= 0 {
		if len(data) > 0 {
			return nil, fmt.Errorf("gateway: %d bytes of row data without columns", len(data))
		}
		return nil, nil
	}
	var rows [][]string
	for len(data) > 0 {
		row := make([]string, cols)
		for i := 0; i < cols; i++ {
			if len(data) < 4 {
				return nil, ErrShortPayload
			}
			n := binary.BigEndian.Uint32(data)
			data = data[4:]
			if uint32(len(data)) < n {
				return nil, ErrShortPayload
			}
			row[i] = string(data[:n])
			data = data[n:]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// EncodeLongUpdate 长更新载荷 len|where|len|value
func EncodeLongUpdate(where string, value []byte) []byte {
	buf := make([]byte, 0, 8+len(where)+len(value))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(where)))
	buf = append(buf, where...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

// decodeLongUpdate 拆出 where 条件与字段值
func decodeLongUpdate(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, ErrShortPayload
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n+4 {
		return "", nil, ErrShortPayload
	}
	where := string(data[:n])
	data = data[n:]
	m := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) != m {
		return "", nil, ErrShortPayload
	}
	return where, data, nil
}

// chunks 把数据切成不超过 size 的段并给出分段标记；只有一段时为 SegNone
func chunks(data []byte, size int) (parts [][]byte, flags []uint32) {
	if len(data) <= size {
		return [][]byte{data}, []uint32{wire.SegNone}
	}
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		parts = append(parts, data[:n])
		data = data[n:]
		if len(data) == 0 {
			flags = append(flags, wire.SegEnd)
		} else {
			flags = append(flags, wire.SegIng)
		}
	}
	return parts, flags
}

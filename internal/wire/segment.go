package wire

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SegHeader 分段头：GUID 为空表示整帧未分段；
// 分段时块号从 1 递增，最后一块的 BlkCnt 取负
type SegHeader struct {
	GUID   string
	BlkCnt int32
}

func (h *SegHeader) encode(e *Encoder) {
	e.Fixed(h.GUID, GUIDLen)
	e.I32(h.BlkCnt)
}

func (h *SegHeader) decode(d *Decoder) {
	h.GUID = d.Fixed(GUIDLen)
	h.BlkCnt = d.I32()
}

// Segmented 是否为分段帧
func (h SegHeader) Segmented() bool {
	return h.GUID != ""
}

// Last 是否为最后一块
func (h SegHeader) Last() bool {
	return h.BlkCnt < 0
}

// GUIDGenerator 生成 hostkey-ms-sec-pid-tid-seq 格式的分段 GUID
type GUIDGenerator struct {
	hostKey string
	pid     int
	seq     atomic.Uint64
	now     func() time.Time
}

// NewGUIDGenerator 创建 GUID 生成器
func NewGUIDGenerator(hostKey string) *GUIDGenerator {
	if hostKey == "" {
		hostKey, _ = os.Hostname()
	}
	return &GUIDGenerator{hostKey: hostKey, pid: os.Getpid(), now: time.Now}
}

// Next 生成下一个 GUID；tid 为调用方的工作线程编号
func (g *GUIDGenerator) Next(tid int) string {
	t := g.now()
	return fmt.Sprintf("%s-%d-%d-%d-%d-%d",
		g.hostKey, t.Nanosecond()/int(time.Millisecond), t.Unix(), g.pid, tid, g.seq.Add(1))
}

// Block 一个分段块
type Block struct {
	Seg  SegHeader
	Data []byte
}

// SplitBlocks 数据不超过 blockSize 时返回一个未分段块，否则切成共享同一 GUID 的多块
func SplitBlocks(g *GUIDGenerator, tid int, data []byte, blockSize int) []Block {
	if blockSize <= 0 || len(data) <= blockSize {
		return []Block{{Data: data}}
	}
	guid := g.Next(tid)
	n := (len(data) + blockSize - 1) / blockSize
	blocks := make([]Block, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * blockSize
		if end > len(data) {
			end = len(data)
		}
		cnt := int32(i + 1)
		if i == n-1 {
			cnt = -cnt
		}
		blocks = append(blocks, Block{Seg: SegHeader{GUID: guid, BlkCnt: cnt}, Data: data[i*blockSize : end]})
	}
	return blocks
}

// Reassembler 按 GUID 重组分段数据
type Reassembler struct {
	mu    sync.Mutex
	parts map[string][]byte
	next  map[string]int32
}

// NewReassembler 创建重组器
func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[string][]byte), next: make(map[string]int32)}
}

// Add 加入一块；返回完整数据与是否完成。块号不连续时丢弃该 GUID 并返回错误
func (r *Reassembler) Add(h SegHeader, data []byte) ([]byte, bool, error) {
	if !h.Segmented() {
		return data, true, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := h.BlkCnt
	if idx < 0 {
		idx = -idx
	}
	want := r.next[h.GUID] + 1
	if idx != want {
		delete(r.parts, h.GUID)
		delete(r.next, h.GUID)
		return nil, false, fmt.Errorf("segment %s: got block %d, want %d", h.GUID, idx, want)
	}
	r.parts[h.GUID] = append(r.parts[h.GUID], data...)
	r.next[h.GUID] = idx
	if !h.Last() {
		return nil, false, nil
	}
	out := r.parts[h.GUID]
	delete(r.parts, h.GUID)
	delete(r.next, h.GUID)
	return out, true, nil
}

// Pending 尚未完成的 GUID 数量
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

package connector

import (
	"bytes"
)

// replyScanner 把 NE 字节流切成完整回复：遇到结束符即切分，结束符后紧跟的换行归入本条
type replyScanner struct {
	terms [][]byte
	buf   []byte
}

func newReplyScanner(terminators []string) *replyScanner {
	s := &replyScanner{}
	for _, t := range terminators {
		if t != "" {
			s.terms = append(s.terms, []byte(t))
		}
	}
	return s
}

// Feed 追加数据并返回其中已完整的回复
func (s *replyScanner) Feed(b []byte) [][]byte {
	s.buf = append(s.buf, b...)
	var out [][]byte
	for {
		end := s.cut()
		if end < 0 {
			return out
		}
		out = append(out, append([]byte(nil), s.buf[:end]...))
		s.buf = append(s.buf[:0], s.buf[end:]...)
	}
}

// cut 最早出现的结束符之后的位置，没有时返回 -1
func (s *replyScanner) cut() int {
	best, blen := -1, 0
	for _, t := range s.terms {
		if i := bytes.Index(s.buf, t); i >= 0 && (best < 0 || i < best) {
			best, blen = i, len(t)
		}
	}
	if best < 0 {
		return -1
	}
	end := best + blen
	for end < len(s.buf) && (s.buf[end] == '\r' || s.buf[end] == '\n') {
		end++
	}
	return end
}

// Pending 缓冲中是否有非空白的未完成数据
func (s *replyScanner) Pending() bool {
	return len(bytes.TrimSpace(s.buf)) > 0
}

// Flush 取出未完成的数据作为一条回复
func (s *replyScanner) Flush() []byte {
	out := s.buf
	s.buf = nil
	return out
}

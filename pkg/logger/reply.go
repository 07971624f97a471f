package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// HeadTail 取文本首尾各 n 行（去掉空行）；总行数不超过 2n 时 tail 为空
func HeadTail(text string, n int) (head, tail []string, total int) {
	if n <= 0 {
		n = 3
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimRight(l, "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	total = len(lines)
	if total <= 2*n {
		return lines, nil, total
	}
	return lines[:n], lines[total-n:], total
}

// DebugReply debug 级别下记录 NE 回复的首尾几行
func DebugReply(label, text string, n int) {
	if GetLogger().Level < logrus.DebugLevel {
		return
	}
	head, tail, total := HeadTail(text, n)
	if total == 0 {
		return
	}
	if tail == nil {
		Debugf("%s reply [%d lines]: %s", label, total, strings.Join(head, " | "))
		return
	}
	Debugf("%s reply [%d lines]: %s ... %s", label, total, strings.Join(head, " | "), strings.Join(tail, " | "))
}

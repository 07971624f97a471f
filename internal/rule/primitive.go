package rule

import (
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// 默认日期/时间格式
const (
	DefaultDateFormat = "%Y-%m-%d"
	DefaultTimeFormat = "%H:%M:%S"
)

// Message 一条 NE 消息按行拆分后的视图
type Message struct {
	Text  string
	Lines []string
}

// NewMessage 按行拆分消息，去掉行尾 \r
func NewMessage(text string) *Message {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return &Message{Text: text, Lines: lines}
}

// window 规则相对于游标 cursor 的行窗口
func (r *ParsingRule) window(cursor, total int) (int, int) {
	from := cursor + r.StartLine
	to := cursor + r.EndLine
	if to < from {
		to = from
	}
	if from < 0 {
		from = 0
	}
	if to >= total {
		to = total - 1
	}
	return from, to
}

// extractRaw 在游标 cursor 处执行抽取原语，返回未经后处理的值
func (r *ParsingRule) extractRaw(msg *Message, cursor int, now time.Time) (string, bool) {
	switch r.Type {
	case FullMessageExtract:
		return strings.Join(msg.Lines, "\n"), len(msg.Lines) > 0
	case CreateDataInPredefined:
		return r.predefined(now)
	case LineFull:
		from := cursor + r.StartLine
		if from < 0 || from >= len(msg.Lines) {
			return "", false
		}
		n := r.EndLine - r.StartLine
		if n < 0 {
			n = 0
		}
		to := from + n
		if to >= len(msg.Lines) {
			to = len(msg.Lines) - 1
		}
		return strings.Join(msg.Lines[from:to+1], "\n"), true
	}

	from, to := r.window(cursor, len(msg.Lines))
	for i := from; i <= to; i++ {
		if v, ok := r.extractLine(msg.Lines[i]); ok {
			return v, true
		}
	}
	return "", false
}

// extractLine 单行抽取原语
func (r *ParsingRule) extractLine(line string) (string, bool) {
	switch r.Type {
	case LineStr:
		if r.StartString != "" && strings.Contains(line, r.StartString) {
			return r.StartString, true
		}
		return "", false

	case StrColStrStrEndCol:
		pos, ok := findFrom(line, r.StartString, r.StartColumn)
		if !ok {
			return "", false
		}
		return cut(line, pos+len(r.StartString), r.EndColumn)

	case StrColEndStr:
		col := max(r.StartColumn, 0)
		if col > len(line) {
			return "", false
		}
		end, ok := findFrom(line, r.EndString, col)
		if !ok || r.EndString == "" {
			return "", false
		}
		return line[col:end], true

	case StrStrExtSize:
		pos, ok := findFrom(line, r.StartString, 0)
		if !ok {
			return "", false
		}
		start := pos + len(r.StartString)
		end := start + r.ExtSize
		if r.ExtSize <= 0 || end > len(line) {
			end = len(line)
		}
		return line[start:end], true

	case StrStrEndStr:
		pos, ok := findFrom(line, r.StartString, 0)
		if !ok {
			return "", false
		}
		start := pos + len(r.StartString)
		if r.EndString == "" {
			return line[start:], true
		}
		end := strings.Index(line[start:], r.EndString)
		if end < 0 {
			return "", false
		}
		return line[start : start+end], true

	case StrStrEndCol:
		pos, ok := findFrom(line, r.StartString, 0)
		if !ok {
			return "", false
		}
		return cut(line, pos+len(r.StartString), r.EndColumn)

	case ExtSizeEndStr:
		if r.EndString == "" {
			return "", false
		}
		end := strings.Index(line, r.EndString)
		if end < 0 {
			return "", false
		}
		start := end - r.ExtSize
		if start < 0 {
			start = 0
		}
		return line[start:end], true

	case StrStrToken:
		pos, ok := findFrom(line, r.StartString, 0)
		if !ok {
			return "", false
		}
		return r.token(line[pos+len(r.StartString):])

	case StrColStrStrToken:
		pos, ok := findFrom(line, r.StartString, r.StartColumn)
		if !ok {
			return "", false
		}
		return r.token(line[pos+len(r.StartString):])

	case StrColStrStrRemainStr:
		pos, ok := findFrom(line, r.StartString, r.StartColumn)
		if !ok {
			return "", false
		}
		return line[pos+len(r.StartString):], true

	case StrColStrStrTokenRemainStr:
		pos, ok := findFrom(line, r.StartString, r.StartColumn)
		if !ok {
			return "", false
		}
		return r.remainFromToken(line[pos+len(r.StartString):])
	}
	return "", false
}

// findFrom 从列 col 开始查找 s；s 为空时匹配列 col 本身
func findFrom(line, s string, col int) (int, bool) {
	if col < 0 {
		col = 0
	}
	if col > len(line) {
		return 0, false
	}
	if s == "" {
		return col, true
	}
	i := strings.Index(line[col:], s)
	if i < 0 {
		return 0, false
	}
	return col + i, true
}

// cut 取 [start, endCol)，endCol 不大于 start 或超出行尾时取到行尾
func cut(line string, start, endCol int) (string, bool) {
	if start > len(line) {
		return "", false
	}
	if endCol <= start || endCol > len(line) {
		return line[start:], true
	}
	return line[start:endCol], true
}

func (r *ParsingRule) delimiter() (string, bool) {
	if r.TokenDelim == "" {
		return " ", true
	}
	return r.TokenDelim, r.CharDelim
}

// tokenSpan 一个 token 在原串中的位置
type tokenSpan struct {
	start, end int
}

// Tokenize 按规则分隔符切分；字符集合中的空格会合并连续出现，其它字符保留空 token
func Tokenize(s, delim string, charSet bool) []string {
	spans := tokenize(s, delim, charSet)
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = s[sp.start:sp.end]
	}
	return out
}

func tokenize(s, delim string, charSet bool) []tokenSpan {
	if !charSet {
		var spans []tokenSpan
		start := 0
		for {
			i := strings.Index(s[start:], delim)
			if i < 0 {
				spans = append(spans, tokenSpan{start, len(s)})
				return spans
			}
			spans = append(spans, tokenSpan{start, start + i})
			start += i + len(delim)
		}
	}

	collapse := strings.ContainsRune(delim, ' ')
	lo, hi := 0, len(s)
	if collapse {
		for lo < hi && s[lo] == ' ' {
			lo++
		}
		for hi > lo && s[hi-1] == ' ' {
			hi--
		}
	}
	var spans []tokenSpan
	start := lo
	for i := lo; i < hi; i++ {
		c := s[i]
		if strings.IndexByte(delim, c) < 0 {
			continue
		}
		if c == ' ' && i > lo && s[i-1] == ' ' {
			start = i + 1
			continue
		}
		spans = append(spans, tokenSpan{start, i})
		start = i + 1
	}
	spans = append(spans, tokenSpan{start, hi})
	return spans
}

// pick 1 起始的下标，负数从末尾数
func pick(n, index int) (int, bool) {
	if index > 0 && index <= n {
		return index - 1, true
	}
	if index < 0 && -index <= n {
		return n + index, true
	}
	return 0, false
}

func (r *ParsingRule) token(rest string) (string, bool) {
	delim, charSet := r.delimiter()
	spans := tokenize(rest, delim, charSet)
	if r.TokenIndex == 0 {
		return rest, true
	}
	i, ok := pick(len(spans), r.TokenIndex)
	if !ok {
		return "", false
	}
	return rest[spans[i].start:spans[i].end], true
}

func (r *ParsingRule) remainFromToken(rest string) (string, bool) {
	delim, charSet := r.delimiter()
	spans := tokenize(rest, delim, charSet)
	if r.TokenIndex == 0 {
		return rest, true
	}
	i, ok := pick(len(spans), r.TokenIndex)
	if !ok {
		return "", false
	}
	return rest[spans[i].start:], true
}

// predefined 生成当前日期或时间
func (r *ParsingRule) predefined(now time.Time) (string, bool) {
	format := r.DateTimeFormat
	if format == "" {
		switch strings.ToUpper(strings.TrimSpace(r.DateTimeFlag)) {
		case "T":
			format = DefaultTimeFormat
		case "DT":
			format = DefaultDateFormat + " " + DefaultTimeFormat
		default:
			format = DefaultDateFormat
		}
	}
	out, err := strftime.Format(format, now)
	if err != nil {
		return "", false
	}
	return out, true
}

package rule

import (
	"strconv"
	"strings"
	"time"
)

// evalContext 一次抽取过程的上下文，pre-data copy 缓存只在本次抽取内有效
type evalContext struct {
	msg   *Message
	now   time.Time
	cache map[*ParsingRule]string
}

func newEvalContext(msg *Message, now time.Time) *evalContext {
	return &evalContext{msg: msg, now: now, cache: make(map[*ParsingRule]string)}
}

// Evaluate 在游标 cursor 处对单条规则执行抽取与后处理
func (r *ParsingRule) Evaluate(msg *Message, cursor int) (string, bool) {
	return newEvalContext(msg, time.Now()).eval(r, cursor)
}

func (c *evalContext) eval(r *ParsingRule, cursor int) (string, bool) {
	raw, ok := r.extractRaw(c.msg, cursor, c.now)
	if ok {
		raw, ok = r.postProcess(raw)
	}
	if ok {
		if r.PreDataCopy && raw != "" {
			c.cache[r] = raw
		}
		return raw, true
	}
	if r.PreDataCopy {
		if v, hit := c.cache[r]; hit {
			return v, true
		}
	}
	return "", false
}

// postProcess 依次执行：去空白、类型检查、空值处理、映射、带名称前缀
func (r *ParsingRule) postProcess(v string) (string, bool) {
	switch r.Trim {
	case TrimLeft:
		v = strings.TrimLeft(v, " \t")
	case TrimRight:
		v = strings.TrimRight(v, " \t")
	case TrimBoth:
		v = strings.TrimSpace(v)
	}

	if r.DataTypeCheck && v != "" {
		var ok bool
		if v, ok = checkType(r.DataType, v); !ok {
			return "", false
		}
	}

	if v == "" {
		if !r.NullString {
			return "", false
		}
		if r.InclusionName {
			return r.Name + ":", true
		}
		return "", true
	}

	if r.MappingValue && r.mapper != nil {
		var ok bool
		if v, ok = Apply(r.mapper, v); !ok {
			return "", false
		}
	}

	if r.InclusionName {
		v = r.Name + ":" + v
	}
	return v, true
}

// checkType DT_STR 不允许控制字符；DT_INT 可带符号的数字并规范化；DT_FLT 遇 % 截断
func checkType(dt DataType, v string) (string, bool) {
	switch dt {
	case DTInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case DTFlt:
		if i := strings.IndexByte(v, '%'); i >= 0 {
			v = v[:i]
		}
		if !isDecimal(v) {
			return "", false
		}
		return v, true
	default:
		for i := 0; i < len(v); i++ {
			if (v[i] < 0x20 && v[i] != '\t') || v[i] == 0x7f {
				return "", false
			}
		}
		return v, true
	}
}

func isDecimal(v string) bool {
	if v == "" {
		return false
	}
	i := 0
	if v[0] == '+' || v[0] == '-' {
		i++
	}
	digits, dots := 0, 0
	for ; i < len(v); i++ {
		switch {
		case v[i] >= '0' && v[i] <= '9':
			digits++
		case v[i] == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

package rule

import (
	"fmt"
	"strconv"
	"strings"
)

// 映射表子分隔符
const (
	ItemDelimiter    = "_PBS2_"
	TripletDelimiter = "_PBS3_"
	DefaultDelimiter = "_PBS4_"
)

// DataMapper 字段值映射
type DataMapper interface {
	ID() string
	Lookup(v string) (string, bool)
	Default() string
	Miss() MissBehavior
}

// Apply 执行映射；返回映射后的值与是否成功
func Apply(m DataMapper, v string) (string, bool) {
	if out, ok := m.Lookup(v); ok {
		return out, true
	}
	switch m.Miss() {
	case UseDefault:
		return m.Default(), true
	case ParseFail:
		return "", false
	default:
		return v, true
	}
}

// StringDataMapper 字符串键到值的映射
type StringDataMapper struct {
	id    string
	def   string
	miss  MissBehavior
	items map[string]string
}

func (m *StringDataMapper) ID() string         { return m.id }
func (m *StringDataMapper) Default() string    { return m.def }
func (m *StringDataMapper) Miss() MissBehavior { return m.miss }

func (m *StringDataMapper) Lookup(v string) (string, bool) {
	out, ok := m.items[v]
	return out, ok
}

// NumberRange 闭区间 [Lo, Hi] 映射到 Value
type NumberRange struct {
	Lo, Hi int64
	Value  string
}

// NumberDataMapper 整数区间到值的映射，按定义顺序匹配第一个区间
type NumberDataMapper struct {
	id     string
	def    string
	miss   MissBehavior
	ranges []NumberRange
}

func (m *NumberDataMapper) ID() string         { return m.id }
func (m *NumberDataMapper) Default() string    { return m.def }
func (m *NumberDataMapper) Miss() MissBehavior { return m.miss }

func (m *NumberDataMapper) Lookup(v string) (string, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return "", false
	}
	for _, r := range m.ranges {
		if n >= r.Lo && n <= r.Hi {
			return r.Value, true
		}
	}
	return "", false
}

// parseMapper 解析 NE_MAPPING 的一条记录：mapping_id, S|N, miss_behavior, body
func parseMapper(fields []string) (DataMapper, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("mapping record needs 4 fields, got %d", len(fields))
	}
	id := strings.TrimSpace(fields[0])
	kind := strings.ToUpper(strings.TrimSpace(fields[1]))
	miss := parseMiss(fields[2])

	def, body := "", fields[3]
	if i := strings.Index(body, DefaultDelimiter); i >= 0 {
		def, body = body[:i], body[i+len(DefaultDelimiter):]
	}

	var items []string
	if strings.TrimSpace(body) != "" {
		items = strings.Split(body, ItemDelimiter)
	}

	switch kind {
	case "S":
		m := &StringDataMapper{id: id, def: def, miss: miss, items: make(map[string]string, len(items))}
		for _, it := range items {
			kv := strings.Split(it, TripletDelimiter)
			if len(kv) != 2 {
				return nil, fmt.Errorf("mapping %s: bad string item %q", id, it)
			}
			m.items[kv[0]] = kv[1]
		}
		return m, nil
	case "N":
		m := &NumberDataMapper{id: id, def: def, miss: miss}
		for _, it := range items {
			t := strings.Split(it, TripletDelimiter)
			if len(t) != 3 {
				return nil, fmt.Errorf("mapping %s: bad number item %q", id, it)
			}
			lo, err1 := strconv.ParseInt(strings.TrimSpace(t[0]), 10, 64)
			hi, err2 := strconv.ParseInt(strings.TrimSpace(t[1]), 10, 64)
			if err1 != nil || err2 != nil || lo > hi {
				return nil, fmt.Errorf("mapping %s: bad range %q", id, it)
			}
			m.ranges = append(m.ranges, NumberRange{Lo: lo, Hi: hi, Value: t[2]})
		}
		return m, nil
	default:
		return nil, fmt.Errorf("mapping %s: unknown mapper type %q", id, kind)
	}
}

package rule

import (
	"strings"
	"time"
)

// endOfMessage 原子模板失败且不允许跳行时的游标值
const endOfMessage = -100

// clock 用于 CREATE_DATA_IN_PREDEFINED，测试中可替换
var clock = time.Now

// Identify 从根开始逐层匹配识别树，返回最深的命中节点；根没有子节点或一个都不匹配时返回 nil
func (rs *RuleSet) Identify(msg *Message) *IdentRule {
	if rs == nil || rs.Root == nil {
		return nil
	}
	c := newEvalContext(msg, clock())
	var matched *IdentRule
	n := rs.Root
	for !n.Leaf() {
		next := c.matchChild(n)
		if next == nil {
			next = n.DefaultChild
		}
		if next == nil {
			break
		}
		matched, n = next, next
	}
	return matched
}

func (c *evalContext) matchChild(n *IdentRule) *IdentRule {
	for _, ch := range n.Children {
		if ch.Rule == nil {
			continue
		}
		v, ok := c.eval(ch.Rule, 0)
		if ok && strings.TrimSpace(v) == ch.IDString {
			return ch
		}
	}
	return nil
}

// Extract 用识别结果对消息执行抽取，consumer 为空表示不过滤消费者
func (rs *RuleSet) Extract(ident *IdentRule, msg *Message, consumer string) []Record {
	if ident == nil || !ident.OutputFlag || !AdmitsConsumer(ident.Consumers, consumer) {
		return nil
	}
	if !ident.ParsingFlag {
		return []Record{{IdentName: ident.Name, ListSeq: 0, Attrs: []string{msg.Text}}}
	}
	if ident.XMLFlag {
		return rs.extractXML(ident, msg, consumer)
	}

	c := newEvalContext(msg, clock())
	var out []Record
	for _, g := range ident.Groups {
		if !AdmitsConsumer(g.Consumers, consumer) {
			continue
		}
		out = c.runGroup(out, rs.Sentinels, ident, g, consumer)
	}
	return out
}

// row 相邻原子模板累积的一行
type row struct {
	tmplID string
	attrs  []string
}

func (r *row) add(tmplID string, attrs []string) {
	if r.tmplID == "" {
		r.tmplID = tmplID
	}
	r.attrs = append(r.attrs, attrs...)
}

func (r *row) flush(out []Record, ident *IdentRule, g *TmplGrp) []Record {
	if r.tmplID == "" {
		return out
	}
	out = append(out, Record{IdentName: ident.Name, GroupID: g.ID, TmplID: r.tmplID, ListSeq: 0, Attrs: r.attrs})
	*r = row{}
	return out
}

// runGroup 模板状态机：游标 L 从 0 开始，原子模板累积到行，列表模板逐行产出 list_seq
func (c *evalContext) runGroup(out []Record, sentinels []string, ident *IdentRule, g *TmplGrp, consumer string) []Record {
	lines := c.msg.Lines
	done := func(l int) bool {
		return l < 0 || l >= len(lines) || isSentinel(lines[l], sentinels)
	}

	var acc row
	L := 0
	for ti := 0; ti < len(g.Templates) && !done(L); {
		t := g.Templates[ti]
		if !AdmitsConsumer(t.Consumers, consumer) {
			ti++
			continue
		}

		switch t.Type {
		case Atomic:
			attrs, ok := c.extractTemplate(t, L)
			if ok {
				acc.add(t.ID, attrs)
				L += t.Step()
				ti++
				continue
			}
			if t.SkipLine > 0 {
				L += t.SkipLine
				continue
			}
			L = endOfMessage

		case List:
			out = acc.flush(out, ident, g)
			L += t.HeaderSize
			seq := 0
			for !done(L) {
				attrs, ok := c.extractTemplate(t, L)
				if ok {
					out = append(out, Record{IdentName: ident.Name, GroupID: g.ID, TmplID: t.ID, ListSeq: seq, Attrs: attrs})
					seq++
					L += t.Step()
					if t.NextFlag {
						break
					}
					continue
				}
				if t.SkipLine > 0 {
					L += t.SkipLine
					continue
				}
				break
			}
			ti++
		}
	}
	out = acc.flush(out, ident, g)
	return appendEOR(out, ident, g, consumer)
}

// extractTemplate 所有规则都成功才算模板命中
func (c *evalContext) extractTemplate(t *Template, cursor int) ([]string, bool) {
	attrs := make([]string, 0, len(t.Rules))
	for _, r := range t.Rules {
		v, ok := c.eval(r, cursor)
		if !ok {
			return nil, false
		}
		attrs = append(attrs, v)
	}
	return attrs, len(attrs) > 0
}

// appendEOR 组结束时每个未隐藏 EOR 的模板产出一条结束标记
func appendEOR(out []Record, ident *IdentRule, g *TmplGrp, consumer string) []Record {
	for _, t := range g.Templates {
		if t.HideEOR || !AdmitsConsumer(t.Consumers, consumer) {
			continue
		}
		out = append(out, Record{IdentName: ident.Name, GroupID: g.ID, TmplID: t.ID, ListSeq: -1})
	}
	return out
}

func isSentinel(line string, sentinels []string) bool {
	if len(sentinels) == 0 {
		return false
	}
	s := strings.TrimSpace(line)
	for _, p := range sentinels {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

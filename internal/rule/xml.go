package rule

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/nafabric/nafabric/pkg/logger"
)

// ErrNoXMLRoot 文档中没有元素
var ErrNoXMLRoot = errors.New("rule: xml document has no root element")

// XmlDataInfo XML 元素节点
type XmlDataInfo struct {
	Name     string
	PCData   string
	Attrs    map[string]string
	Children []*XmlDataInfo
}

// ParseXML 以事件方式解析文档并建树
func ParseXML(text string) (*XmlDataInfo, error) {
	d := xml.NewDecoder(strings.NewReader(text))
	d.Strict = false
	var root *XmlDataInfo
	var stack []*XmlDataInfo
	var pc []*strings.Builder
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &XmlDataInfo{Name: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.Children = append(top.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
			pc = append(pc, &strings.Builder{})
		case xml.CharData:
			if len(pc) > 0 {
				pc[len(pc)-1].Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			top.PCData = strings.TrimSpace(pc[len(pc)-1].String())
			stack = stack[:len(stack)-1]
			pc = pc[:len(pc)-1]
		}
	}
	if root == nil {
		return nil, ErrNoXMLRoot
	}
	return root, nil
}

// Find 按相对路径查找后代，"*" 匹配任意元素名
func (n *XmlDataInfo) Find(path []string) []*XmlDataInfo {
	cur := []*XmlDataInfo{n}
	for _, step := range path {
		var next []*XmlDataInfo
		for _, c := range cur {
			for _, ch := range c.Children {
				if step == "*" || ch.Name == step {
					next = append(next, ch)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		cur = next
	}
	return cur
}

// value 按掩码取值：空或 P 取 PCDATA，其它视为属性名
func (n *XmlDataInfo) value(mask string) (string, bool) {
	mask = strings.TrimSpace(mask)
	if mask == "" || strings.EqualFold(mask, "P") {
		return n.PCData, true
	}
	v, ok := n.Attrs[strings.TrimPrefix(mask, "@")]
	return v, ok
}

func (rs *RuleSet) extractXML(ident *IdentRule, msg *Message, consumer string) []Record {
	doc, err := ParseXML(msg.Text)
	if err != nil {
		logger.Warnf("Ident(%s) xml parse failed: %v", ident.Name, err)
		return nil
	}
	c := newEvalContext(msg, clock())
	var out []Record
	for _, g := range ident.Groups {
		if !AdmitsConsumer(g.Consumers, consumer) {
			continue
		}
		var acc row
		for _, t := range g.Templates {
			if !AdmitsConsumer(t.Consumers, consumer) {
				continue
			}
			roots := rootElements(doc, t.RootTags)
			if t.Type == Atomic {
				if len(roots) == 0 {
					continue
				}
				if attrs, ok := c.xmlAtomic(t, roots[0]); ok {
					acc.add(t.ID, attrs)
				}
				continue
			}
			out = acc.flush(out, ident, g)
			seq := 0
			for _, root := range roots {
				keys := []*XmlDataInfo{root}
				if len(t.KeyTags) > 0 {
					keys = root.Find(t.KeyTags)
				}
				for _, key := range keys {
					lists, ok := c.xmlValues(t, key)
					if !ok {
						continue
					}
					for _, attrs := range product(lists) {
						out = append(out, Record{IdentName: ident.Name, GroupID: g.ID, TmplID: t.ID, ListSeq: seq, Attrs: attrs})
						seq++
					}
				}
			}
		}
		out = acc.flush(out, ident, g)
		out = appendEOR(out, ident, g, consumer)
	}
	return out
}

// rootElements 根路径可以从文档根元素名开始，也可以相对文档根
func rootElements(doc *XmlDataInfo, path []string) []*XmlDataInfo {
	if len(path) == 0 {
		return []*XmlDataInfo{doc}
	}
	if path[0] == doc.Name {
		return doc.Find(path[1:])
	}
	return doc.Find(path)
}

func (c *evalContext) xmlAtomic(t *Template, base *XmlDataInfo) ([]string, bool) {
	lists, ok := c.xmlValues(t, base)
	if !ok {
		return nil, false
	}
	attrs := make([]string, len(lists))
	for i, l := range lists {
		attrs[i] = l[0]
	}
	return attrs, true
}

// xmlValues 每条规则在 base 下的全部取值，任一规则无值即失败
func (c *evalContext) xmlValues(t *Template, base *XmlDataInfo) ([][]string, bool) {
	if len(t.Rules) == 0 {
		return nil, false
	}
	lists := make([][]string, 0, len(t.Rules))
	for _, r := range t.Rules {
		vals := c.evalXML(r, base)
		if len(vals) == 0 {
			return nil, false
		}
		lists = append(lists, vals)
	}
	return lists, true
}

func (c *evalContext) evalXML(r *ParsingRule, base *XmlDataInfo) []string {
	nodes := []*XmlDataInfo{base}
	if p := splitPath(r.XMLTagPath); len(p) > 0 {
		nodes = base.Find(p)
	}
	var vals []string
	for _, n := range nodes {
		raw, ok := n.value(r.XMLCharDataMask)
		if !ok {
			continue
		}
		if v, ok := r.postProcess(raw); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 && len(nodes) == 0 {
		if v, ok := r.postProcess(""); ok {
			vals = append(vals, v)
		}
	}
	if len(vals) > 0 {
		if r.PreDataCopy && vals[0] != "" {
			c.cache[r] = vals[0]
		}
		return vals
	}
	if r.PreDataCopy {
		if v, hit := c.cache[r]; hit {
			return []string{v}
		}
	}
	return nil
}

// product 各规则取值的笛卡尔积，保持规则顺序
func product(lists [][]string) [][]string {
	out := [][]string{nil}
	for _, l := range lists {
		next := make([][]string, 0, len(out)*len(l))
		for _, p := range out {
			for _, v := range l {
				r := make([]string, len(p), len(p)+1)
				copy(r, p)
				next = append(next, append(r, v))
			}
		}
		out = next
	}
	return out
}

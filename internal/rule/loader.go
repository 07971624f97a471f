package rule

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultFieldDelimiter 规则文件字段分隔符
const DefaultFieldDelimiter = "_PBS_"

// MappingFileName 映射规则文件名（与各 rule_id 的规则文件同目录）
const MappingFileName = "NE_MAPPING.RULE"

// 各规则文件的字段数
const (
	identFields   = 9
	tmplGrpFields = 4
	tmplFields    = 12
	ruleFields    = 27
	mapperFields  = 4
)

// ErrRuleFile 规则文件格式错误
var ErrRuleFile = errors.New("rule: malformed rule file")

// Options 加载选项
type Options struct {
	Delimiter string
	Sentinels []string
}

// Sources 五个规则文件的内容，Mapping 可以为空
type Sources struct {
	Ident       []byte
	TmplGrp     []byte
	Tmpl        []byte
	ParsingRule []byte
	Mapping     []byte
}

// FilePaths 返回 rule_id 对应的五个规则文件路径
func FilePaths(dir, ruleID string) []string {
	return []string{
		filepath.Join(dir, ruleID+"_IDENT.RULE"),
		filepath.Join(dir, ruleID+"_TMPLGRP.RULE"),
		filepath.Join(dir, ruleID+"_TMPL.RULE"),
		filepath.Join(dir, ruleID+"_PARSINGRULE.RULE"),
		filepath.Join(dir, MappingFileName),
	}
}

// Load 从规则目录加载 rule_id 的规则集
func Load(dir, ruleID string, opts Options) (*RuleSet, error) {
	paths := FilePaths(dir, ruleID)
	var contents [5][]byte
	for i, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			if i == 4 && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read rule file: %w", err)
		}
		contents[i] = b
	}
	return Build(ruleID, Sources{
		Ident:       contents[0],
		TmplGrp:     contents[1],
		Tmpl:        contents[2],
		ParsingRule: contents[3],
		Mapping:     contents[4],
	}, opts)
}

// Build 由规则文件内容构建规则集
func Build(ruleID string, src Sources, opts Options) (*RuleSet, error) {
	delim := opts.Delimiter
	if delim == "" {
		delim = DefaultFieldDelimiter
	}
	rs := &RuleSet{
		RuleID:    ruleID,
		LoadedAt:  time.Now(),
		Root:      &IdentRule{Name: "ROOT"},
		Idents:    make(map[string]*IdentRule),
		Groups:    make(map[string]*TmplGrp),
		Templates: make(map[string]*Template),
		Rules:     make(map[string]*ParsingRule),
		Mappers:   make(map[string]DataMapper),
		Sentinels: opts.Sentinels,
	}

	if err := rs.loadMappers(src.Mapping, delim); err != nil {
		return nil, err
	}
	if err := rs.loadRules(src.ParsingRule, delim); err != nil {
		return nil, err
	}
	if err := rs.loadTemplates(src.Tmpl, delim); err != nil {
		return nil, err
	}
	if err := rs.loadGroups(src.TmplGrp, delim); err != nil {
		return nil, err
	}
	if err := rs.loadIdents(src.Ident, delim); err != nil {
		return nil, err
	}
	return rs, nil
}

// readRecords 第一行为记录数，其后每行一条记录
func readRecords(data []byte, delim, name string, width int) ([][]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count := -1
	var out [][]string
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		if count < 0 {
			n, err := strconv.Atoi(strings.TrimSpace(text))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: %s line %d: bad record count %q", ErrRuleFile, name, line, text)
			}
			count = n
			continue
		}
		fields := strings.Split(text, delim)
		for len(fields) < width {
			fields = append(fields, "")
		}
		out = append(out, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRuleFile, name, err)
	}
	if count >= 0 && count != len(out) {
		return nil, fmt.Errorf("%w: %s declares %d records, found %d", ErrRuleFile, name, count, len(out))
	}
	return out, nil
}

func (rs *RuleSet) loadMappers(data []byte, delim string) error {
	recs, err := readRecords(data, delim, MappingFileName, mapperFields)
	if err != nil {
		return err
	}
	for _, f := range recs {
		// 映射体内部不再使用主分隔符，多余字段并回映射体
		if len(f) > mapperFields {
			f = append(f[:3], strings.Join(f[3:], delim))
		}
		m, err := parseMapper(f)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRuleFile, err)
		}
		if _, dup := rs.Mappers[m.ID()]; dup {
			return fmt.Errorf("%w: duplicate mapping %s", ErrRuleFile, m.ID())
		}
		rs.Mappers[m.ID()] = m
	}
	return nil
}

func (rs *RuleSet) loadRules(data []byte, delim string) error {
	recs, err := readRecords(data, delim, "PARSINGRULE", ruleFields)
	if err != nil {
		return err
	}
	for _, f := range recs {
		t, ok := ParseParsingType(f[4])
		if !ok {
			return fmt.Errorf("%w: rule %s: unknown parsing type %q", ErrRuleFile, f[0], f[4])
		}
		r := &ParsingRule{
			ID:              strings.TrimSpace(f[0]),
			TmplID:          strings.TrimSpace(f[1]),
			Seq:             atoi(f[2]),
			Name:            strings.TrimSpace(f[3]),
			Type:            t,
			StartLine:       atoi(f[5]),
			EndLine:         atoi(f[6]),
			StartColumn:     atoi(f[7]),
			EndColumn:       atoi(f[8]),
			StartString:     f[9],
			EndString:       f[10],
			ExtSize:         atoi(f[11]),
			TokenIndex:      atoi(f[12]),
			TokenDelim:      f[13],
			CharDelim:       strings.EqualFold(strings.TrimSpace(f[14]), "C"),
			DataType:        parseDataType(f[15]),
			DataTypeCheck:   flag(f[16]),
			Trim:            parseTrim(f[17]),
			NullString:      flag(f[18]),
			PreDataCopy:     flag(f[19]),
			InclusionName:   flag(f[20]),
			MappingValue:    flag(f[21]),
			MappingID:       strings.TrimSpace(f[22]),
			XMLTagPath:      strings.TrimSpace(f[23]),
			XMLCharDataMask: strings.TrimSpace(f[24]),
			DateTimeFlag:    strings.TrimSpace(f[25]),
			DateTimeFormat:  strings.TrimSpace(f[26]),
		}
		if _, dup := rs.Rules[r.ID]; dup {
			return fmt.Errorf("%w: duplicate parsing rule %s", ErrRuleFile, r.ID)
		}
		if r.MappingValue {
			m, ok := rs.Mappers[r.MappingID]
			if !ok {
				return fmt.Errorf("%w: rule %s references unknown mapping %s", ErrRuleFile, r.ID, r.MappingID)
			}
			r.mapper = m
		}
		rs.Rules[r.ID] = r
	}
	return nil
}

func (rs *RuleSet) loadTemplates(data []byte, delim string) error {
	recs, err := readRecords(data, delim, "TMPL", tmplFields)
	if err != nil {
		return err
	}
	for _, f := range recs {
		t := &Template{
			ID:         strings.TrimSpace(f[0]),
			GroupID:    strings.TrimSpace(f[1]),
			Seq:        atoi(f[2]),
			HeaderSize: atoi(f[4]),
			DataSize:   atoi(f[5]),
			SkipLine:   atoi(f[6]),
			NextFlag:   flag(f[7]),
			Consumers:  splitList(f[8]),
			HideEOR:    flag(f[9]),
			RootTags:   splitPath(f[10]),
			KeyTags:    splitPath(f[11]),
		}
		switch strings.ToUpper(strings.TrimSpace(f[3])) {
		case "A", "ATOMIC":
			t.Type = Atomic
		case "L", "LIST":
			t.Type = List
		default:
			return fmt.Errorf("%w: template %s: unknown type %q", ErrRuleFile, t.ID, f[3])
		}
		if _, dup := rs.Templates[t.ID]; dup {
			return fmt.Errorf("%w: duplicate template %s", ErrRuleFile, t.ID)
		}
		rs.Templates[t.ID] = t
	}
	for _, r := range rs.Rules {
		if r.TmplID == "" {
			continue
		}
		t, ok := rs.Templates[r.TmplID]
		if !ok {
			return fmt.Errorf("%w: rule %s references unknown template %s", ErrRuleFile, r.ID, r.TmplID)
		}
		t.Rules = append(t.Rules, r)
	}
	for _, t := range rs.Templates {
		sort.SliceStable(t.Rules, func(i, j int) bool {
			if t.Rules[i].Seq != t.Rules[j].Seq {
				return t.Rules[i].Seq < t.Rules[j].Seq
			}
			return t.Rules[i].ID < t.Rules[j].ID
		})
	}
	return nil
}

func (rs *RuleSet) loadGroups(data []byte, delim string) error {
	recs, err := readRecords(data, delim, "TMPLGRP", tmplGrpFields)
	if err != nil {
		return err
	}
	for _, f := range recs {
		g := &TmplGrp{
			ID:        strings.TrimSpace(f[0]),
			IdentName: strings.TrimSpace(f[1]),
			Seq:       atoi(f[2]),
			Consumers: splitList(f[3]),
		}
		if _, dup := rs.Groups[g.ID]; dup {
			return fmt.Errorf("%w: duplicate template group %s", ErrRuleFile, g.ID)
		}
		rs.Groups[g.ID] = g
	}
	for _, t := range rs.Templates {
		g, ok := rs.Groups[t.GroupID]
		if !ok {
			return fmt.Errorf("%w: template %s references unknown group %s", ErrRuleFile, t.ID, t.GroupID)
		}
		g.Templates = append(g.Templates, t)
	}
	for _, g := range rs.Groups {
		sort.SliceStable(g.Templates, func(i, j int) bool {
			if g.Templates[i].Seq != g.Templates[j].Seq {
				return g.Templates[i].Seq < g.Templates[j].Seq
			}
			return g.Templates[i].ID < g.Templates[j].ID
		})
	}
	return nil
}

func (rs *RuleSet) loadIdents(data []byte, delim string) error {
	recs, err := readRecords(data, delim, "IDENT", identFields)
	if err != nil {
		return err
	}
	order := make([]*IdentRule, 0, len(recs))
	for _, f := range recs {
		n := &IdentRule{
			Name:          strings.TrimSpace(f[0]),
			ParentName:    strings.TrimSpace(f[1]),
			IDString:      strings.TrimSpace(f[2]),
			ParsingRuleID: strings.TrimSpace(f[3]),
			OutputFlag:    flag(f[4]),
			ParsingFlag:   flag(f[5]),
			XMLFlag:       flag(f[6]),
			DefaultFlag:   flag(f[7]),
			Consumers:     splitList(f[8]),
		}
		if n.Name == "" {
			return fmt.Errorf("%w: ident with empty name", ErrRuleFile)
		}
		if _, dup := rs.Idents[n.Name]; dup {
			return fmt.Errorf("%w: duplicate ident %s", ErrRuleFile, n.Name)
		}
		if n.ParsingRuleID != "" {
			r, ok := rs.Rules[n.ParsingRuleID]
			if !ok {
				return fmt.Errorf("%w: ident %s references unknown parsing rule %s", ErrRuleFile, n.Name, n.ParsingRuleID)
			}
			n.Rule = r
		}
		rs.Idents[n.Name] = n
		order = append(order, n)
	}

	for _, n := range order {
		parent := rs.Root
		if n.ParentName != "" && !strings.EqualFold(n.ParentName, "ROOT") {
			p, ok := rs.Idents[n.ParentName]
			if !ok {
				return fmt.Errorf("%w: ident %s references unknown parent %s", ErrRuleFile, n.Name, n.ParentName)
			}
			parent = p
		}
		n.Parent = parent
		if n.DefaultFlag {
			if parent.DefaultChild != nil {
				return fmt.Errorf("%w: ident %s has two default children (%s, %s)",
					ErrRuleFile, parent.Name, parent.DefaultChild.Name, n.Name)
			}
			parent.DefaultChild = n
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	// 从根可达的节点数必须等于节点总数，否则存在环
	seen := 0
	stack := []*IdentRule{rs.Root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen > len(order) {
			break
		}
		kids := n.Children
		if n.DefaultChild != nil {
			kids = append(append([]*IdentRule(nil), kids...), n.DefaultChild)
		}
		for _, c := range kids {
			seen++
			stack = append(stack, c)
		}
	}
	if seen != len(order) {
		return fmt.Errorf("%w: ident tree is not acyclic", ErrRuleFile)
	}

	for _, g := range rs.Groups {
		n, ok := rs.Idents[g.IdentName]
		if !ok {
			return fmt.Errorf("%w: template group %s references unknown ident %s", ErrRuleFile, g.ID, g.IdentName)
		}
		n.Groups = append(n.Groups, g)
	}
	for _, n := range rs.Idents {
		sort.SliceStable(n.Groups, func(i, j int) bool {
			if n.Groups[i].Seq != n.Groups[j].Seq {
				return n.Groups[i].Seq < n.Groups[j].Seq
			}
			return n.Groups[i].ID < n.Groups[j].ID
		})
	}
	return nil
}

// Store 规则集的原子发布点；读者拿到的旧规则集在换入新规则集后仍可用到处理结束
type Store struct {
	cur atomic.Pointer[RuleSet]
}

// Current 当前规则集，可能为 nil
func (s *Store) Current() *RuleSet {
	return s.cur.Load()
}

// Swap 发布新规则集，返回旧的
func (s *Store) Swap(rs *RuleSet) *RuleSet {
	return s.cur.Swap(rs)
}

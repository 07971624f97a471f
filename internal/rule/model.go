package rule

import (
	"strconv"
	"strings"
	"time"
)

// ParsingType 字段抽取方式
type ParsingType int

const (
	LineStr ParsingType = iota + 1
	StrColStrStrEndCol
	StrColEndStr
	StrStrExtSize
	StrStrEndStr
	StrStrEndCol
	ExtSizeEndStr
	StrStrToken
	LineFull
	FullMessageExtract
	StrColStrStrToken
	StrColStrStrRemainStr
	StrColStrStrTokenRemainStr
	CreateDataInPredefined
)

var parsingTypeNames = map[string]ParsingType{
	"LINE_STR":                      LineStr,
	"STRCOL_STRSTR_ENDCOL":          StrColStrStrEndCol,
	"STRCOL_ENDSTR":                 StrColEndStr,
	"STRSTR_EXTSIZE":                StrStrExtSize,
	"STRSTR_ENDSTR":                 StrStrEndStr,
	"STRSTR_ENDCOL":                 StrStrEndCol,
	"EXTSIZE_ENDSTR":                ExtSizeEndStr,
	"STRSTR_TOKEN":                  StrStrToken,
	"LINE_FULL":                     LineFull,
	"FULL_MESSAGE_EXTRACT":          FullMessageExtract,
	"STRCOL_STRSTR_TOKEN":           StrColStrStrToken,
	"STRCOL_STRSTR_REMAINSTR":       StrColStrStrRemainStr,
	"STRCOL_STRSTR_TOKEN_REMAINSTR": StrColStrStrTokenRemainStr,
	"CREATE_DATA_IN_PREDEFINED":     CreateDataInPredefined,
}

// ParseParsingType 解析抽取方式名称
func ParseParsingType(s string) (ParsingType, bool) {
	t, ok := parsingTypeNames[strings.ToUpper(strings.TrimSpace(s))]
	return t, ok
}

func (t ParsingType) String() string {
	for k, v := range parsingTypeNames {
		if v == t {
			return k
		}
	}
	return "UNKNOWN"
}

// TrimFlag 去空白方式
type TrimFlag int

const (
	TrimNone TrimFlag = iota
	TrimLeft
	TrimRight
	TrimBoth
)

func parseTrim(s string) TrimFlag {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L":
		return TrimLeft
	case "R":
		return TrimRight
	case "LR", "RL", "B", "Y":
		return TrimBoth
	default:
		return TrimNone
	}
}

// DataType 数据类型
type DataType int

const (
	DTStr DataType = iota
	DTInt
	DTFlt
)

func parseDataType(s string) DataType {
	switch strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(s), "DT_")) {
	case "INT":
		return DTInt
	case "FLT", "FLOAT":
		return DTFlt
	default:
		return DTStr
	}
}

// TemplateType 模板类型
type TemplateType int

const (
	Atomic TemplateType = iota
	List
)

func (t TemplateType) String() string {
	if t == List {
		return "L"
	}
	return "A"
}

// MissBehavior 映射未命中时的处理
type MissBehavior int

const (
	UseParsed MissBehavior = iota
	UseDefault
	ParseFail
)

func parseMiss(s string) MissBehavior {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "USE_DEFAULT", "1":
		return UseDefault
	case "PARSE_FAIL", "2":
		return ParseFail
	default:
		return UseParsed
	}
}

// ParsingRule 单个字段抽取指令，加载后只读
type ParsingRule struct {
	ID          string
	TmplID      string
	Seq         int
	Name        string
	Type        ParsingType
	StartLine   int
	EndLine     int
	StartColumn int
	EndColumn   int
	StartString string
	EndString   string
	ExtSize     int
	TokenIndex  int
	TokenDelim  string

	// CharDelim 为 true 时 TokenDelim 是字符集合，否则是整串分隔符
	CharDelim       bool
	DataType        DataType
	DataTypeCheck   bool
	Trim            TrimFlag
	NullString      bool
	PreDataCopy     bool
	InclusionName   bool
	MappingValue    bool
	MappingID       string
	XMLTagPath      string
	XMLCharDataMask string
	DateTimeFlag    string
	DateTimeFormat  string
	mapper          DataMapper
}

// Mapper 规则绑定的映射表
func (r *ParsingRule) Mapper() DataMapper {
	return r.mapper
}

// Template 抽取单元
type Template struct {
	ID         string
	GroupID    string
	Seq        int
	Type       TemplateType
	HeaderSize int
	DataSize   int
	SkipLine   int
	NextFlag   bool
	Consumers  []string
	HideEOR    bool
	RootTags   []string
	KeyTags    []string
	Rules      []*ParsingRule
}

// Step 成功抽取后前进的行数，0 视为 1
func (t *Template) Step() int {
	if t.DataSize <= 0 {
		return 1
	}
	return t.DataSize
}

// TmplGrp 模板组
type TmplGrp struct {
	ID        string
	IdentName string
	Seq       int
	Consumers []string
	Templates []*Template
}

// IdentRule 识别树节点
type IdentRule struct {
	Name          string
	ParentName    string
	IDString      string
	ParsingRuleID string
	OutputFlag    bool
	ParsingFlag   bool
	XMLFlag       bool
	DefaultFlag   bool
	Consumers     []string

	Parent       *IdentRule
	Children     []*IdentRule
	DefaultChild *IdentRule
	Rule         *ParsingRule
	Groups       []*TmplGrp
}

// Leaf 是否为叶子
func (n *IdentRule) Leaf() bool {
	return len(n.Children) == 0 && n.DefaultChild == nil
}

// AdmitsConsumer 消费者过滤：列表为空表示全部
func AdmitsConsumer(list []string, consumer string) bool {
	if len(list) == 0 || consumer == "" {
		return true
	}
	for _, c := range list {
		if c == consumer {
			return true
		}
	}
	return false
}

// RuleSet 一次加载得到的完整规则集，发布后不可修改
type RuleSet struct {
	RuleID    string
	LoadedAt  time.Time
	Root      *IdentRule
	Idents    map[string]*IdentRule
	Groups    map[string]*TmplGrp
	Templates map[string]*Template
	Rules     map[string]*ParsingRule
	Mappers   map[string]DataMapper
	Sentinels []string
}

// Record 抽取结果的一行；ListSeq 为 -1 时是记录结束标记
type Record struct {
	IdentName string
	GroupID   string
	TmplID    string
	ListSeq   int
	Attrs     []string
}

// EOR 是否为结束标记
func (r Record) EOR() bool {
	return r.ListSeq < 0
}

// Payload 属性以 0 结尾依次拼接
func (r Record) Payload() []byte {
	n := 0
	for _, a := range r.Attrs {
		n += len(a) + 1
	}
	buf := make([]byte, 0, n)
	for _, a := range r.Attrs {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return buf
}

// SplitPayload Payload 的逆操作
func SplitPayload(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(b), "\x00")
	return strings.Split(s, "\x00")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func flag(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "Y", "YES", "T", "TRUE":
		return true
	}
	return false
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitPath(s string) []string {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

package rule

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// PARSINGRULE 字段下标
const (
	fID        = 0
	fTmpl      = 1
	fSeq       = 2
	fName      = 3
	fType      = 4
	fStartLine = 5
	fEndLine   = 6
	fStartCol  = 7
	fStartStr  = 9
	fEndStr    = 10
	fToken     = 12
	fDelim     = 13
	fDelimType = 14
	fDataType  = 15
	fTypeCheck = 16
	fTrim      = 17
	fNull      = 18
	fPreCopy   = 19
	fInclusion = 20
	fMapping   = 21
	fMappingID = 22
	fXMLPath   = 23
	fXMLMask   = 24
)

func rec(fields ...string) string {
	return strings.Join(fields, DefaultFieldDelimiter)
}

func prule(kv map[int]string) string {
	f := make([]string, ruleFields)
	for i, v := range kv {
		f[i] = v
	}
	return rec(f...)
}

func file(lines ...string) []byte {
	if len(lines) == 0 {
		return []byte("0\n")
	}
	return []byte(fmt.Sprintf("%d\n%s\n", len(lines), strings.Join(lines, "\n")))
}

type ruleFiles struct {
	ident, grp, tmpl, rules, mapping []string
}

func (f ruleFiles) sources() Sources {
	s := Sources{
		Ident:       file(f.ident...),
		TmplGrp:     file(f.grp...),
		Tmpl:        file(f.tmpl...),
		ParsingRule: file(f.rules...),
	}
	if len(f.mapping) > 0 {
		s.Mapping = file(f.mapping...)
	}
	return s
}

func build(t *testing.T, f ruleFiles, sentinels ...string) *RuleSet {
	t.Helper()
	rs, err := Build("R1", f.sources(), Options{Sentinels: sentinels})
	require.NoError(t, err)
	return rs
}

func cidRules() ruleFiles {
	return ruleFiles{
		ident: []string{rec("CID", "", "DIS-CID", "IR1", "1", "1", "0", "0", "")},
		grp:   []string{rec("G1", "CID", "1", "")},
		tmpl:  []string{rec("T1", "G1", "1", "A", "0", "0", "0", "0", "", "0", "", "")},
		rules: []string{
			prule(map[int]string{fID: "IR1", fSeq: "1", fName: "ident", fType: "LINE_STR", fStartStr: "DIS-CID"}),
			prule(map[int]string{fID: "R1", fTmpl: "T1", fSeq: "1", fName: "CELL", fType: "STRSTR_TOKEN",
				fEndLine: "2", fStartStr: "CELL ID =", fToken: "1"}),
			prule(map[int]string{fID: "R2", fTmpl: "T1", fSeq: "2", fName: "NAME", fType: "STRSTR_TOKEN",
				fEndLine: "2", fStartStr: "NAME =", fToken: "1"}),
		},
	}
}

func TestAtomicTwoTokenRules(t *testing.T) {
	rs := build(t, cidRules(), "END")
	msg := NewMessage("DIS-CID: RESULT\r\nCELL ID = 100  NAME = cellA\r\nEND\r\n")

	ident := rs.Identify(msg)
	require.NotNil(t, ident)
	assert.Equal(t, "CID", ident.Name)

	recs := rs.Extract(ident, msg, "")
	require.Len(t, recs, 2)
	assert.Equal(t, Record{IdentName: "CID", GroupID: "G1", TmplID: "T1", ListSeq: 0, Attrs: []string{"100", "cellA"}}, recs[0])
	assert.Equal(t, []byte("100\x00cellA\x00"), recs[0].Payload())
	assert.True(t, recs[1].EOR())
	assert.Empty(t, recs[1].Attrs)
	assert.Equal(t, "T1", recs[1].TmplID)
}

func listRules(hideFirst string) ruleFiles {
	return ruleFiles{
		ident: []string{rec("LST", "", "", "", "1", "1", "0", "1", "")},
		grp:   []string{rec("G1", "LST", "1", "")},
		tmpl: []string{
			rec("T1", "G1", "1", "A", "0", "0", "0", "0", "", hideFirst, "", ""),
			rec("T2", "G1", "2", "L", "1", "0", "0", "0", "", "0", "", ""),
		},
		rules: []string{
			prule(map[int]string{fID: "R1", fTmpl: "T1", fSeq: "1", fName: "title", fType: "LINE_STR", fStartStr: "LIST HEADER"}),
			prule(map[int]string{fID: "R2", fTmpl: "T2", fSeq: "1", fName: "name", fType: "STRSTR_TOKEN", fToken: "1"}),
			prule(map[int]string{fID: "R3", fTmpl: "T2", fSeq: "2", fName: "value", fType: "STRSTR_TOKEN", fToken: "2",
				fDataType: "DT_INT", fTypeCheck: "1"}),
		},
	}
}

func TestListTemplateAndEOR(t *testing.T) {
	rs := build(t, listRules("0"), "END")
	msg := NewMessage("LIST HEADER\nNAME  VALUE\na  1\nb  +02\nEND\nc 3\n")

	ident := rs.Identify(msg)
	require.NotNil(t, ident)
	assert.Equal(t, "LST", ident.Name)

	recs := rs.Extract(ident, msg, "")
	assert.Equal(t, []Record{
		{IdentName: "LST", GroupID: "G1", TmplID: "T1", ListSeq: 0, Attrs: []string{"LIST HEADER"}},
		{IdentName: "LST", GroupID: "G1", TmplID: "T2", ListSeq: 0, Attrs: []string{"a", "1"}},
		{IdentName: "LST", GroupID: "G1", TmplID: "T2", ListSeq: 1, Attrs: []string{"b", "2"}},
		{IdentName: "LST", GroupID: "G1", TmplID: "T1", ListSeq: -1},
		{IdentName: "LST", GroupID: "G1", TmplID: "T2", ListSeq: -1},
	}, recs)
}

func TestHiddenEOR(t *testing.T) {
	rs := build(t, listRules("1"), "END")
	msg := NewMessage("LIST HEADER\nNAME VALUE\na 1\n")
	recs := rs.Extract(rs.Identify(msg), msg, "")

	var eors []string
	for _, r := range recs {
		if r.EOR() {
			eors = append(eors, r.TmplID)
		}
	}
	assert.Equal(t, []string{"T2"}, eors)
}

func TestListSkipLineBetweenRows(t *testing.T) {
	f := listRules("0")
	f.tmpl[1] = rec("T2", "G1", "2", "L", "1", "0", "1", "0", "", "0", "", "")
	rs := build(t, f, "END")
	msg := NewMessage("LIST HEADER\nNAME  VALUE\na  1\n----\nb  2\n\nc  3\nEND\n")

	var rows [][]string
	for _, r := range rs.Extract(rs.Identify(msg), msg, "") {
		if r.TmplID == "T2" && !r.EOR() {
			rows = append(rows, r.Attrs)
		}
	}
	assert.Equal(t, [][]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}, rows)
}

func TestAtomicFailureEndsGroup(t *testing.T) {
	rs := build(t, listRules("0"))
	msg := NewMessage("SOMETHING ELSE\na 1\n")
	recs := rs.Extract(rs.Identify(msg), msg, "")
	require.Len(t, recs, 2)
	assert.True(t, recs[0].EOR())
	assert.True(t, recs[1].EOR())
}

func TestMappingUseDefault(t *testing.T) {
	f := ruleFiles{
		ident: []string{rec("ST", "", "", "", "1", "1", "0", "1", "")},
		grp:   []string{rec("G1", "ST", "1", "")},
		tmpl:  []string{rec("T1", "G1", "1", "A", "0", "0", "0", "0", "", "1", "", "")},
		rules: []string{
			prule(map[int]string{fID: "R1", fTmpl: "T1", fSeq: "1", fName: "state", fType: "STRSTR_TOKEN",
				fStartStr: "STATE =", fToken: "1", fMapping: "1", fMappingID: "M1"}),
		},
		mapping: []string{rec("M1", "S", "USE_DEFAULT", "unknown"+DefaultDelimiter+"1"+TripletDelimiter+"up"+ItemDelimiter+"0"+TripletDelimiter+"down")},
	}
	rs := build(t, f)

	for text, want := range map[string]string{"STATE = 1": "up", "STATE = 0": "down", "STATE = 7": "unknown"} {
		msg := NewMessage(text)
		recs := rs.Extract(rs.Identify(msg), msg, "")
		require.Len(t, recs, 1, text)
		assert.Equal(t, []string{want}, recs[0].Attrs, text)
	}
}

func TestNumberMapperAndMissBehavior(t *testing.T) {
	m, err := parseMapper([]string{"N1", "N", "PARSE_FAIL", "x" + DefaultDelimiter + "0" + TripletDelimiter + "9" + TripletDelimiter + "low" + ItemDelimiter + "10" + TripletDelimiter + "99" + TripletDelimiter + "high"})
	require.NoError(t, err)

	v, ok := Apply(m, "42")
	assert.True(t, ok)
	assert.Equal(t, "high", v)
	_, ok = Apply(m, "100")
	assert.False(t, ok)
	_, ok = Apply(m, "abc")
	assert.False(t, ok)

	m, err = parseMapper([]string{"S1", "S", "USE_PARSED", "a" + TripletDelimiter + "b"})
	require.NoError(t, err)
	v, ok = Apply(m, "z")
	assert.True(t, ok)
	assert.Equal(t, "z", v)

	_, err = parseMapper([]string{"N2", "N", "", "9" + TripletDelimiter + "1" + TripletDelimiter + "bad"})
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Tokenize("  a   b ", " ", true))
	assert.Equal(t, []string{"a", "", "b"}, Tokenize("a,,b", ",", true))
	assert.Equal(t, []string{"a", "b", ""}, Tokenize("a::b::", "::", false))
	assert.Equal(t, []string{"k", "v", "w"}, Tokenize("k=v;w", "=;", true))
}

func TestPrimitives(t *testing.T) {
	msg := NewMessage("head\nKEY: alpha beta gamma | tail\nlast line")
	cases := []struct {
		name string
		rule ParsingRule
		want string
		ok   bool
	}{
		{"line str", ParsingRule{Type: LineStr, EndLine: 2, StartString: "tail"}, "tail", true},
		{"strstr endstr", ParsingRule{Type: StrStrEndStr, EndLine: 2, StartString: "KEY: ", EndString: " |"}, "alpha beta gamma", true},
		{"strstr extsize", ParsingRule{Type: StrStrExtSize, EndLine: 2, StartString: "KEY: ", ExtSize: 5}, "alpha", true},
		{"extsize endstr", ParsingRule{Type: ExtSizeEndStr, EndLine: 2, EndString: " |", ExtSize: 5}, "gamma", true},
		{"strcol endstr", ParsingRule{Type: StrColEndStr, StartLine: 1, EndLine: 1, StartColumn: 5, EndString: " beta"}, "alpha", true},
		{"strcol endstr negative column", ParsingRule{Type: StrColEndStr, StartLine: 1, EndLine: 1, StartColumn: -1, EndString: " alpha"}, "KEY:", true},
		{"strstr endcol", ParsingRule{Type: StrStrEndCol, StartLine: 1, EndLine: 1, StartString: "KEY:", EndColumn: 10}, " alpha", true},
		{"token last", ParsingRule{Type: StrStrToken, EndLine: 2, StartString: "KEY:", TokenIndex: -3}, "gamma", true},
		{"token out of range", ParsingRule{Type: StrStrToken, EndLine: 2, StartString: "KEY:", TokenIndex: 9}, "", false},
		{"token remain", ParsingRule{Type: StrColStrStrTokenRemainStr, EndLine: 2, StartString: "KEY:", TokenIndex: 2}, "beta gamma | tail", true},
		{"remain", ParsingRule{Type: StrColStrStrRemainStr, StartLine: 1, EndLine: 1, StartString: "| "}, "tail", true},
		{"line full", ParsingRule{Type: LineFull, StartLine: 1, EndLine: 2}, "KEY: alpha beta gamma | tail\nlast line", true},
		{"full message", ParsingRule{Type: FullMessageExtract}, "head\nKEY: alpha beta gamma | tail\nlast line", true},
		{"missing", ParsingRule{Type: StrStrEndStr, EndLine: 2, StartString: "nope"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.rule.Evaluate(msg, 0)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStrColEndStrClampsColumn(t *testing.T) {
	r := &ParsingRule{Type: StrColEndStr, StartColumn: -1, EndString: "x"}
	v, ok := r.extractLine("abc x")
	assert.True(t, ok)
	assert.Equal(t, "abc ", v)

	r.StartColumn = 9
	_, ok = r.extractLine("abc x")
	assert.False(t, ok)
}

func TestPostProcess(t *testing.T) {
	r := &ParsingRule{Name: "n", Trim: TrimBoth, DataType: DTInt, DataTypeCheck: true}
	v, ok := r.postProcess("  -007 ")
	assert.True(t, ok)
	assert.Equal(t, "-7", v)

	r = &ParsingRule{Name: "load", DataType: DTFlt, DataTypeCheck: true, InclusionName: true}
	v, ok = r.postProcess("12.5%")
	assert.True(t, ok)
	assert.Equal(t, "load:12.5", v)

	_, ok = r.postProcess("1.2.3")
	assert.False(t, ok)

	r = &ParsingRule{Name: "opt", NullString: true, InclusionName: true}
	v, ok = r.postProcess("")
	assert.True(t, ok)
	assert.Equal(t, "opt:", v)

	r = &ParsingRule{Name: "req"}
	_, ok = r.postProcess("")
	assert.False(t, ok)

	r = &ParsingRule{DataTypeCheck: true}
	_, ok = r.postProcess("a\x01b")
	assert.False(t, ok)
}

func TestPreDataCopy(t *testing.T) {
	f := ruleFiles{
		ident: []string{rec("P", "", "", "", "1", "1", "0", "1", "")},
		grp:   []string{rec("G1", "P", "1", "")},
		tmpl:  []string{rec("T1", "G1", "1", "L", "0", "0", "0", "0", "", "1", "", "")},
		rules: []string{
			prule(map[int]string{fID: "R1", fTmpl: "T1", fSeq: "1", fName: "ne", fType: "STRSTR_TOKEN", fStartStr: "NE=", fToken: "1", fPreCopy: "1"}),
			prule(map[int]string{fID: "R2", fTmpl: "T1", fSeq: "2", fName: "val", fType: "STRSTR_TOKEN", fStartStr: "VAL=", fToken: "1"}),
		},
	}
	rs := build(t, f)
	msg := NewMessage("NE=ne1 VAL=1\nVAL=2\n")
	recs := rs.Extract(rs.Identify(msg), msg, "")
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"ne1", "1"}, recs[0].Attrs)
	assert.Equal(t, []string{"ne1", "2"}, recs[1].Attrs)
	assert.Equal(t, 1, recs[1].ListSeq)
}

func identTree() ruleFiles {
	lineStr := func(id, s string) string {
		return prule(map[int]string{fID: id, fSeq: "1", fName: id, fType: "LINE_STR", fEndLine: "5", fStartStr: s})
	}
	return ruleFiles{
		ident: []string{
			rec("CID", "ROOT", "DIS-CID", "I1", "1", "0", "0", "0", ""),
			rec("ALM", "", "ALARM", "I2", "1", "0", "0", "0", "dh1"),
			rec("OTHER", "", "", "", "1", "0", "0", "1", ""),
			rec("CID_X", "CID", "EXTRA", "I3", "1", "0", "0", "0", ""),
		},
		rules: []string{lineStr("I1", "DIS-CID"), lineStr("I2", "ALARM"), lineStr("I3", "EXTRA")},
	}
}

func TestIdentifyTree(t *testing.T) {
	rs := build(t, identTree())

	assert.Equal(t, "CID_X", rs.Identify(NewMessage("DIS-CID\nEXTRA")).Name)
	assert.Equal(t, "CID", rs.Identify(NewMessage("DIS-CID\nplain")).Name)
	assert.Equal(t, "ALM", rs.Identify(NewMessage("x\nALARM 1")).Name)
	assert.Equal(t, "OTHER", rs.Identify(NewMessage("unrelated")).Name)

	empty := build(t, ruleFiles{})
	assert.Nil(t, empty.Identify(NewMessage("DIS-CID")))
}

func TestPassthroughAndOutputFlags(t *testing.T) {
	rs := build(t, identTree())
	msg := NewMessage("DIS-CID\nplain")
	recs := rs.Extract(rs.Idents["CID"], msg, "")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"DIS-CID\nplain"}, recs[0].Attrs)

	// ALM 只给 dh1
	assert.Nil(t, rs.Extract(rs.Idents["ALM"], NewMessage("ALARM"), "dh2"))
	assert.Len(t, rs.Extract(rs.Idents["ALM"], NewMessage("ALARM"), "dh1"), 1)

	rs.Idents["OTHER"].OutputFlag = false
	assert.Nil(t, rs.Extract(rs.Idents["OTHER"], NewMessage("x"), ""))
}

func TestLoaderRejectsBadTrees(t *testing.T) {
	f := identTree()
	f.ident = append(f.ident, rec("OTHER2", "", "", "", "1", "0", "0", "1", ""))
	_, err := Build("R1", f.sources(), Options{})
	assert.ErrorIs(t, err, ErrRuleFile)

	f = identTree()
	f.ident = append(f.ident, rec("ORPHAN", "NOBODY", "x", "", "1", "0", "0", "0", ""))
	_, err = Build("R1", f.sources(), Options{})
	assert.ErrorIs(t, err, ErrRuleFile)

	f = identTree()
	f.ident[0] = rec("CID", "CID_X", "DIS-CID", "I1", "1", "0", "0", "0", "")
	_, err = Build("R1", f.sources(), Options{})
	assert.ErrorIs(t, err, ErrRuleFile)

	src := identTree().sources()
	src.Ident = []byte("7\n" + rec("A", "", "", "", "1", "0", "0", "0", "") + "\n")
	_, err = Build("R1", src, Options{})
	assert.ErrorIs(t, err, ErrRuleFile)

	f = cidRules()
	f.rules = append(f.rules, prule(map[int]string{fID: "BAD", fTmpl: "T1", fType: "NOT_A_TYPE"}))
	_, err = Build("R1", f.sources(), Options{})
	assert.ErrorIs(t, err, ErrRuleFile)
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	src := cidRules().sources()
	paths := FilePaths(dir, "R9")
	for i, b := range [][]byte{src.Ident, src.TmplGrp, src.Tmpl, src.ParsingRule} {
		require.NoError(t, os.WriteFile(paths[i], b, 0o644))
	}

	rs, err := Load(dir, "R9", Options{})
	require.NoError(t, err)
	assert.Equal(t, "R9", rs.RuleID)
	assert.Empty(t, rs.Mappers)
	assert.Len(t, rs.Templates["T1"].Rules, 2)
	assert.Equal(t, "R1", rs.Templates["T1"].Rules[0].ID)

	_, err = Load(dir, "MISSING", Options{})
	assert.Error(t, err)
}

func TestXMLListCartesian(t *testing.T) {
	f := ruleFiles{
		ident: []string{rec("X", "", "", "", "1", "1", "1", "1", "")},
		grp:   []string{rec("G1", "X", "1", "")},
		tmpl: []string{
			rec("T0", "G1", "1", "A", "0", "0", "0", "0", "", "1", "resp", ""),
			rec("T1", "G1", "2", "L", "0", "0", "0", "0", "", "0", "resp/cells", "cell"),
		},
		rules: []string{
			prule(map[int]string{fID: "R0", fTmpl: "T0", fSeq: "1", fName: "ne", fType: "FULL_MESSAGE_EXTRACT", fXMLPath: "ne"}),
			prule(map[int]string{fID: "R1", fTmpl: "T1", fSeq: "1", fName: "id", fType: "FULL_MESSAGE_EXTRACT", fXMLMask: "@id"}),
			prule(map[int]string{fID: "R2", fTmpl: "T1", fSeq: "2", fName: "name", fType: "FULL_MESSAGE_EXTRACT", fXMLPath: "name", fXMLMask: "P"}),
		},
	}
	rs := build(t, f)
	msg := NewMessage(`<resp><ne>NE01</ne><cells>
  <cell id="1"><name>a</name></cell>
  <cell id="2"><name>b</name><name> c </name></cell>
  <cell id="3"></cell>
</cells></resp>`)

	ident := rs.Identify(msg)
	require.NotNil(t, ident)
	recs := rs.Extract(ident, msg, "")
	assert.Equal(t, []Record{
		{IdentName: "X", GroupID: "G1", TmplID: "T0", ListSeq: 0, Attrs: []string{"NE01"}},
		{IdentName: "X", GroupID: "G1", TmplID: "T1", ListSeq: 0, Attrs: []string{"1", "a"}},
		{IdentName: "X", GroupID: "G1", TmplID: "T1", ListSeq: 1, Attrs: []string{"2", "b"}},
		{IdentName: "X", GroupID: "G1", TmplID: "T1", ListSeq: 2, Attrs: []string{"2", "c"}},
		{IdentName: "X", GroupID: "G1", TmplID: "T1", ListSeq: -1},
	}, recs)
}

func TestParseXMLErrors(t *testing.T) {
	_, err := ParseXML("   ")
	assert.ErrorIs(t, err, ErrNoXMLRoot)
}

func TestStoreSwap(t *testing.T) {
	var s Store
	assert.Nil(t, s.Current())
	a := &RuleSet{RuleID: "A"}
	b := &RuleSet{RuleID: "B"}
	assert.Nil(t, s.Swap(a))
	assert.Same(t, a, s.Swap(b))
	assert.Same(t, b, s.Current())
}

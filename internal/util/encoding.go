package util

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// autoEncodings charset=auto 时依次尝试的编码，国产设备常见的 GB 系列优先
var autoEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	simplifiedchinese.HZGB2312,
	traditionalchinese.Big5,
	charmap.Windows1252,
	charmap.ISO8859_1,
}

// LookupCharset 按名称查找编码；utf-8、auto 与未知名称返回 nil
func LookupCharset(name string) encoding.Encoding {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gbk", "cp936":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "gb2312", "hz-gb-2312":
		return simplifiedchinese.HZGB2312
	case "big5":
		return traditionalchinese.Big5
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	}
	return nil
}

// DecodeReply 把 NE 回复转为 UTF-8。charset 为 auto 时合法 UTF-8 原样返回，
// 否则依次尝试常见编码；指定编码解码失败时退回原始字节
func DecodeReply(b []byte, charset string) []byte {
	if len(b) == 0 {
		return b
	}
	if enc := LookupCharset(charset); enc != nil {
		if out, ok := tryDecode(enc, b); ok {
			return out
		}
		return b
	}
	mode := strings.ToLower(strings.TrimSpace(charset))
	if utf8.Valid(b) || (mode != "" && mode != "auto") {
		return b
	}
	for _, enc := range autoEncodings {
		if out, ok := tryDecode(enc, b); ok {
			return out
		}
	}
	return b
}

// EnsureUTF8 charset=auto 的字符串版本
func EnsureUTF8(s string) string {
	return string(DecodeReply([]byte(s), "auto"))
}

func tryDecode(enc encoding.Encoding, b []byte) ([]byte, bool) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), enc.NewDecoder()))
	if err != nil || !utf8.Valid(decoded) {
		return nil, false
	}
	return decoded, true
}

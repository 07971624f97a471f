package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// 站点配置中使用的节名
const (
	SiteSectionMMCBlacklist = "MMC_BLACKLIST"
	SiteSectionRuleCopy     = "RULE_COPY"
)

// SiteConfig INI 格式的站点配置
// MultiSubsectionMode 打开时同名键累积为列表，否则后者覆盖前者；同名节一律报错
type SiteConfig struct {
	order    []string
	sections map[string]map[string][]string
}

// LoadSite 从文件加载站点配置
func LoadSite(path string, multiSubsection bool) (*SiteConfig, error) {
	return loadSite(path, multiSubsection)
}

// ParseSite 从内存内容解析站点配置
func ParseSite(data []byte, multiSubsection bool) (*SiteConfig, error) {
	return loadSite(data, multiSubsection)
}

func loadSite(source interface{}, multiSubsection bool) (*SiteConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		AllowShadows:           multiSubsection,
		AllowNonUniqueSections: true,
		IgnoreInlineComment:    true,
	}, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load site config: %w", err)
	}

	sc := &SiteConfig{sections: make(map[string]map[string][]string)}
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		if _, dup := sc.sections[name]; dup {
			return nil, fmt.Errorf("duplicate section [%s] in site config", name)
		}
		keys := make(map[string][]string)
		for _, k := range sec.Keys() {
			if multiSubsection {
				keys[k.Name()] = append(keys[k.Name()], k.ValueWithShadows()...)
			} else {
				keys[k.Name()] = []string{k.Value()}
			}
		}
		sc.sections[name] = keys
		sc.order = append(sc.order, name)
	}
	return sc, nil
}

// Sections 返回按出现顺序排列的节名
func (s *SiteConfig) Sections() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Values 返回某个键的全部取值
func (s *SiteConfig) Values(section, key string) []string {
	if s == nil {
		return nil
	}
	sec, ok := s.sections[section]
	if !ok {
		return nil
	}
	return sec[key]
}

// Value 返回某个键的最后一个取值
func (s *SiteConfig) Value(section, key string) string {
	vals := s.Values(section, key)
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

// Int 返回整数取值，解析失败时返回 def
func (s *SiteConfig) Int(section, key string, def int) int {
	v := strings.TrimSpace(s.Value(section, key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// MMCBlacklist 汇总 [MMC_BLACKLIST] 下所有 prefix 键
func (s *SiteConfig) MMCBlacklist() []string {
	out := make([]string, 0)
	for _, v := range s.Values(SiteSectionMMCBlacklist, "prefix") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

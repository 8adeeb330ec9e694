package model

import (
	"fmt"
	"strings"
)

// PlatformType 平台类型
type PlatformType string

const (
	PlatformTwitter  PlatformType = "TWITTER"
	PlatformPixiv    PlatformType = "PIXIV"
	PlatformLofter   PlatformType = "LOFTER"
	PlatformMissEvan PlatformType = "MISSEVAN"
	PlatformKuaikan  PlatformType = "KUAIKAN"
)

// Platforms 所有支持的平台
var Platforms = []PlatformType{
	PlatformTwitter,
	PlatformPixiv,
	PlatformLofter,
	PlatformMissEvan,
	PlatformKuaikan,
}

// ParsePlatform 解析平台名称，大小写不敏感，x 视为 twitter
func ParsePlatform(s string) (PlatformType, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "X" {
		return PlatformTwitter, nil
	}
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("不支持的平台: %s", s)
}

// Dir 平台在下载目录中的子目录名
func (p PlatformType) Dir() string {
	return strings.ToLower(string(p))
}

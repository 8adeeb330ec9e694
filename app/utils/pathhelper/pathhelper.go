package pathhelper

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// 文件名中不允许出现的字符（同时兼容 Windows 与 Android 存储）
var invalidNamePattern = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

const (
	maxNameBytes   = 200
	unknownDirName = "unknown"
)

// SanitizeFileName 规范化平台返回的文件名：NFC 归一化、替换非法字符、限制长度
func SanitizeFileName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = invalidNamePattern.ReplaceAllString(name, "_")
	name = strings.Trim(name, ". ")

	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(strings.TrimSuffix(name, ext), maxNameBytes-len(ext)) + ext
	}
	return name
}

// SavePath 返回 <base>/<platform>/<user>/<file> 形式的保存路径
func SavePath(base, platformDir, screenName, fileName string) string {
	user := SanitizeFileName(screenName)
	if user == "" {
		user = unknownDirName
	}
	name := SanitizeFileName(fileName)
	if name == "" {
		name = unknownDirName
	}
	return filepath.Join(base, platformDir, user, name)
}

// PartPath 下载中使用的临时文件路径
func PartPath(path string) string {
	return path + ".part"
}

// FileURI 将本地绝对路径转换为 file:// URI
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// PathFromURI 从 file:// URI 还原本地路径，非 file URI 返回 false
func PathFromURI(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

// NameFromURL 取 URL 路径的最后一段作为文件名，去掉查询参数
func NameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return SanitizeFileName(filepath.Base(u.Path))
}

func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

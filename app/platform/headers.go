package platform

import (
	"media-grabber/app/model"
)

// 图片服务器会校验 Referer 的平台
var referers = map[model.PlatformType]string{
	model.PlatformPixiv:   "https://www.pixiv.net/",
	model.PlatformLofter:  "https://www.lofter.com/",
	model.PlatformKuaikan: "https://www.kuaikanmanhua.com/",
}

// LoginSource 提供平台登录后保存的 Cookie
type LoginSource interface {
	Cookie(p model.PlatformType) (string, bool)
}

// HeaderBuilder 为平台请求构造 User-Agent、Referer 与 Cookie
type HeaderBuilder struct {
	userAgent string
	logins    LoginSource
}

// NewHeaderBuilder logins 可以为 nil
func NewHeaderBuilder(userAgent string, logins LoginSource) *HeaderBuilder {
	return &HeaderBuilder{userAgent: userAgent, logins: logins}
}

// Headers 返回平台请求头，每次返回新的 map
func (b *HeaderBuilder) Headers(p model.PlatformType) map[string]string {
	headers := make(map[string]string, 3)
	if b == nil {
		return headers
	}
	if b.userAgent != "" {
		headers["User-Agent"] = b.userAgent
	}
	if ref, ok := referers[p]; ok {
		headers["Referer"] = ref
	}
	if b.logins != nil {
		if cookie, ok := b.logins.Cookie(p); ok && cookie != "" {
			headers["Cookie"] = cookie
		}
	}
	return headers
}

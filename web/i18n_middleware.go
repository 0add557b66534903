package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	qsi18n "quantsim/i18n"
)

const languageKey = "language"

// I18nMiddleware 解析 Accept-Language（或 ?lang=）并写入上下文
func I18nMiddleware(defaultLang string) gin.HandlerFunc {
	if defaultLang == "" {
		defaultLang = "zh-CN"
	}
	return func(c *gin.Context) {
		lang := c.Query("lang")
		if lang == "" {
			lang = parseAcceptLanguage(c.GetHeader("Accept-Language"))
		}
		c.Set(languageKey, normalizeLanguage(lang, defaultLang))
		c.Next()
	}
}

// parseAcceptLanguage 取优先级最高的语言
// 示例: "zh-CN,zh;q=0.9,en;q=0.8" -> "zh-CN"
func parseAcceptLanguage(acceptLang string) string {
	first := strings.TrimSpace(strings.Split(acceptLang, ",")[0])
	if idx := strings.Index(first, ";"); idx != -1 {
		first = first[:idx]
	}
	return strings.TrimSpace(first)
}

// normalizeLanguage 映射到内置语言，不支持的语言使用默认值
func normalizeLanguage(lang, defaultLang string) string {
	lang = strings.ToLower(strings.ReplaceAll(lang, "_", "-"))
	switch {
	case strings.HasPrefix(lang, "en"):
		return "en-US"
	case strings.HasPrefix(lang, "zh"):
		return "zh-CN"
	default:
		return defaultLang
	}
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if lang, ok := c.Get(languageKey); ok {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return qsi18n.GetSystemLanguage()
}

// T 按请求语言翻译
func T(c *gin.Context, key string, data ...interface{}) string {
	return qsi18n.TWithLang(GetLanguage(c), key, data...)
}

// respondError 返回本地化错误信息
func respondError(c *gin.Context, status int, key string, err ...error) {
	body := gin.H{"success": false, "message": T(c, key)}
	if len(err) > 0 && err[0] != nil {
		body["error"] = err[0].Error()
	}
	c.AbortWithStatusJSON(status, body)
}

// respondOK 成功响应
func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

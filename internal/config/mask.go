package config

import "strings"

var sensitiveKeys = map[string]bool{
	"appkey":        true,
	"appsecret":     true,
	"token":         true,
	"access_token":  true,
	"authorization": true,
}

// Mask walks a decoded JSON value and replaces sensitive fields with a
// short prefix, so raw provider payloads can be echoed to clients and
// logs without leaking credentials.
func Mask(v any) any {
	switch val := v.(type) {
	case map[string]any:
		masked := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				masked[k] = maskString(child)
				continue
			}
			masked[k] = Mask(child)
		}
		return masked
	case []any:
		masked := make([]any, len(val))
		for i, child := range val {
			masked[i] = Mask(child)
		}
		return masked
	default:
		return v
	}
}

func maskString(v any) string {
	s, ok := v.(string)
	if !ok || len(s) <= 4 {
		return "***"
	}
	return s[:4] + "***"
}

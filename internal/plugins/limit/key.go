package limit

import (
	"net"
	"net/http"
	"strings"
)

const (
	// SelectorIP limits by resolved client address.
	SelectorIP Selector = iota

	// SelectorHeader limits by a request header value.
	SelectorHeader

	// SelectorCookie limits by a cookie value.
	SelectorCookie

	// SelectorQuery limits by a query parameter value.
	SelectorQuery
)

// Selector chooses where a Limiter takes its lookup value from.
type Selector int

func (s Selector) String() string {
	switch s {
	case SelectorHeader:
		return "header"
	case SelectorCookie:
		return "cookie"
	case SelectorQuery:
		return "query"
	default:
		return "ip"
	}
}

// parseSelector maps the leading character of a limit key to a Selector.
// Any character other than the known markers selects SelectorIP.
func parseSelector(ch byte) Selector {
	switch ch {
	case '~':
		return SelectorCookie
	case '>':
		return SelectorHeader
	case '?':
		return SelectorQuery
	default:
		return SelectorIP
	}
}

// ClientIP resolves the client address of r: the first X-Forwarded-For entry,
// then X-Real-Ip, then the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

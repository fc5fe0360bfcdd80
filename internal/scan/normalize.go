package scan

import (
	"net/url"
	"strings"

	"github.com/example/attendance-verifier/internal/token"
)

const maxDecodePasses = 4

// NormalizePayload reduces a scanned code to the bare token string. It trims
// whitespace, unwraps a URL or query string carrying a "token" parameter and
// undoes repeated percent-encoding.
func NormalizePayload(raw string) string {
	s := strings.TrimSpace(raw)
	for pass := 0; pass < maxDecodePasses && s != ""; pass++ {
		if value, ok := tokenParam(s); ok {
			s = value
			continue
		}
		if !strings.Contains(s, "%") {
			break
		}
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = strings.TrimSpace(decoded)
	}
	return s
}

func tokenParam(s string) (string, bool) {
	if strings.HasPrefix(s, token.Version+"|") || !strings.Contains(s, "token=") {
		return "", false
	}
	query := s
	if i := strings.IndexByte(query, '?'); i >= 0 {
		query = query[i+1:]
	}
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query = query[:i]
	}
	// ParseQuery keeps the well-formed pairs even when another pair is malformed.
	values, _ := url.ParseQuery(query)
	value := strings.TrimSpace(values.Get("token"))
	return value, value != ""
}

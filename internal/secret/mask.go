// Package secret masks credentials before they reach logs or status pages.
package secret

import (
	"net/http"
	"net/url"
	"strings"
)

const hidden = "****"

// Mask hides s. Values longer than eight characters keep their last four so
// operators can tell tokens apart; the masked length never reveals the real one.
func Mask(s string) string {
	switch n := len(s); {
	case n == 0:
		return ""
	case n <= 8:
		return hidden
	default:
		return hidden + s[n-4:]
	}
}

var sensitive = []string{"authorization", "cookie", "token", "secret", "key", "password", "signature"}

// IsSensitive reports whether a header or query parameter name usually
// carries a credential.
func IsSensitive(name string) bool {
	l := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

// MaskHeaders flattens h, masking credential values. An auth scheme such as
// "Bearer" stays readable.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		v := strings.Join(vs, ",")
		if IsSensitive(k) {
			if scheme, rest, ok := strings.Cut(v, " "); ok && !strings.ContainsAny(scheme, "=,;") {
				v = scheme + " " + Mask(rest)
			} else {
				v = Mask(v)
			}
		}
		out[k] = v
	}
	return out
}

// MaskURL masks the password and credential-looking query values of an
// upstream URL. Unparseable input is masked whole.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Mask(raw)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), hidden)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k, vs := range q {
			if IsSensitive(k) {
				for i := range vs {
					vs[i] = Mask(vs[i])
				}
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

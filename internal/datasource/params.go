package datasource

import (
	"strings"

	"github.com/iTrooz/datasource-cache/internal/template"
)

type param struct {
	key   string
	value string
}

// queryParams is an ordered list of query parameters, parsed and encoded as
// application/x-www-form-urlencoded. url.Values is not used because its
// Encode sorts keys and net/url escapes a different character set.
type queryParams []param

// parseQuery parses raw as-is: a leading '?' belongs to the first key
func parseQuery(raw string) queryParams {
	var params queryParams
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		params = append(params, param{key: formUnescape(key), value: formUnescape(value)})
	}
	return params
}

// formUnescape decodes '+' and valid %XX sequences, keeping malformed ones literally
func formUnescape(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			sb.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			sb.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// formEscape leaves ASCII alphanumerics and "*-._" as-is, turns spaces into
// '+' and percent-encodes every other byte
func formEscape(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '*', c == '-', c == '.', c == '_':
			sb.WriteByte(c)
		case c == ' ':
			sb.WriteByte('+')
		default:
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&0x0f])
		}
	}
	return sb.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// set overwrites the first occurrence of key in place and drops later ones,
// or appends the pair when key is new
func (q queryParams) set(key, value string) queryParams {
	out := q[:0:0]
	found := false
	for _, p := range q {
		if p.key != key {
			out = append(out, p)
			continue
		}
		if !found {
			out = append(out, param{key: key, value: value})
			found = true
		}
	}
	if !found {
		out = append(out, param{key: key, value: value})
	}
	return out
}

func (q queryParams) encode() string {
	var sb strings.Builder
	for i, p := range q {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(formEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(formEscape(p.value))
	}
	return sb.String()
}

// MergeParams overlays callParams onto baseParams. Every call value is passed
// through engine and lower-cased before it replaces or extends the base set.
// Base keys keep their position; new keys follow in call order.
func MergeParams(baseParams, callParams string, engine template.Engine) (string, error) {
	merged := parseQuery(baseParams)
	for _, p := range parseQuery(callParams) {
		replaced, err := engine.Replace(p.value)
		if err != nil {
			return "", err
		}
		merged = merged.set(p.key, strings.ToLower(replaced))
	}
	return merged.encode(), nil
}

func withQuery(baseURL, query string) string {
	if query == "" {
		return baseURL
	}
	return baseURL + "?" + query
}

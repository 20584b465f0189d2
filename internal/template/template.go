// Resolves dashboard variable placeholders in query parameter values
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrUnknownFormat is returned when a placeholder asks for an unsupported format
var ErrUnknownFormat = errors.New("unknown variable format")

// Engine resolves placeholders in a raw string
type Engine interface {
	Replace(raw string) (string, error)
}

// Identity is an Engine that returns its input unchanged
type Identity struct{}

func (Identity) Replace(raw string) (string, error) {
	return raw, nil
}

// $name | [[name]] | [[name:format]] | ${name} | ${name:format}
var placeholder = regexp.MustCompile(`\$(\w+)|\[\[(\w+?)(?::(\w+))?\]\]|\$\{(\w+)(?::([^\}]+))?\}`)

// Variables resolves placeholders against a fixed set of bindings.
// Placeholders naming an unbound variable are left as they are.
type Variables struct {
	bindings map[string]string
}

// NewVariables creates an engine over a copy of bindings
func NewVariables(bindings map[string]string) *Variables {
	copied := make(map[string]string, len(bindings))
	for k, v := range bindings {
		copied[k] = v
	}
	return &Variables{bindings: copied}
}

func (v *Variables) Replace(raw string) (string, error) {
	var replaceErr error
	out := placeholder.ReplaceAllStringFunc(raw, func(match string) string {
		if replaceErr != nil {
			return match
		}

		groups := placeholder.FindStringSubmatch(match)
		name, format := groups[1], ""
		switch {
		case groups[2] != "":
			name, format = groups[2], groups[3]
		case groups[4] != "":
			name, format = groups[4], groups[5]
		}

		value, ok := v.bindings[name]
		if !ok {
			return match
		}

		formatted, err := applyFormat(value, format)
		if err != nil {
			replaceErr = fmt.Errorf("failed to interpolate %q: %w", match, err)
			return match
		}
		return formatted
	})
	if replaceErr != nil {
		return "", replaceErr
	}
	return out, nil
}

func applyFormat(value, format string) (string, error) {
	switch format {
	case "", "raw", "text":
		return value, nil
	case "lowercase":
		return strings.ToLower(value), nil
	case "percentencode":
		return url.PathEscape(value), nil
	case "queryparam":
		return url.QueryEscape(value), nil
	case "json":
		b, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "doublequote":
		return `"` + strings.ReplaceAll(value, `"`, `\"`) + `"`, nil
	case "singlequote":
		return `'` + strings.ReplaceAll(value, `'`, `\'`) + `'`, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

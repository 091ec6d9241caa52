// Package template applies {{ENV_VAR}} substitution to config and
// descriptor strings. It is intentionally a small regexp-based helper, not
// a general templating engine: the only construct ever produced by
// producers or operators is a bare environment variable reference.
package template

import (
	"fmt"
	"os"
	"regexp"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Expand replaces every {{NAME}} placeholder in s with the value of the
// environment variable NAME. It returns an error naming the first
// placeholder whose variable is unset.
func Expand(s string) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := placeholder.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			firstErr = fmt.Errorf("template: environment variable %q is not set", name)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ExpandAll applies Expand to every string in fields, in order, returning
// the first error encountered.
func ExpandAll(fields ...*string) error {
	for _, f := range fields {
		if f == nil {
			continue
		}
		expanded, err := Expand(*f)
		if err != nil {
			return err
		}
		*f = expanded
	}
	return nil
}

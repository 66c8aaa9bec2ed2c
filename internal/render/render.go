// Package render resolves placeholders in connection settings and query text.
package render

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/drone/envsubst/v2"
	"github.com/drone/envsubst/v2/parse"
)

// Renderer resolves the placeholders of a template string.
type Renderer interface {
	Render(template string) (string, error)
}

// RenderError is returned when a template cannot be resolved.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("failed to render template: %v", e.Err) }

func (e *RenderError) Unwrap() error { return e.Err }

// EnvRenderer substitutes ${NAME} and ${env.NAME} placeholders with values
// from the environment. A placeholder naming an unset variable is an error
// unless its expression supplies a default, as in ${NAME:-default}. Dollar
// signs outside of "${" are kept as written, so $$ and $1 reach the driver.
type EnvRenderer struct {
	lookup func(string) (string, bool)
}

// NewEnvRenderer renders against the process environment.
func NewEnvRenderer() *EnvRenderer {
	return &EnvRenderer{lookup: os.LookupEnv}
}

// NewMapRenderer renders against a fixed set of variables.
func NewMapRenderer(vars map[string]string) *EnvRenderer {
	return &EnvRenderer{lookup: func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}}
}

func (r *EnvRenderer) Render(template string) (string, error) {
	if !strings.Contains(template, "${") {
		return template, nil
	}
	template = escapeDollars(strings.ReplaceAll(template, "${env.", "${"))
	tree, err := parse.Parse(template)
	if err != nil {
		return "", &RenderError{Err: err}
	}
	required := map[string]bool{}
	requiredParams(tree.Root, required)

	var missing []string
	out, err := envsubst.Eval(template, func(name string) string {
		v, ok := r.lookup(name)
		if !ok && required[name] {
			missing = append(missing, name)
			required[name] = false
		}
		return v
	})
	if err != nil {
		return "", &RenderError{Err: err}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &RenderError{Err: fmt.Errorf("undefined variables: %s", strings.Join(missing, ", "))}
	}
	return out, nil
}

// escapeDollars doubles every '$' not starting a "${" placeholder so the
// parser reads it as a literal.
func escapeDollars(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		b.WriteByte(s[i])
		if s[i] == '$' && (i+1 == len(s) || s[i+1] != '{') {
			b.WriteByte('$')
		}
	}
	return b.String()
}

// defaultFuncs supply a value for an unset parameter.
var defaultFuncs = map[string]bool{"-": true, ":-": true, "=": true, ":=": true, "+": true, ":+": true}

// requiredParams records the parameters referenced without a default.
func requiredParams(node parse.Node, required map[string]bool) {
	switch n := node.(type) {
	case *parse.ListNode:
		for _, child := range n.Nodes {
			requiredParams(child, required)
		}
	case *parse.FuncNode:
		if !defaultFuncs[n.Name] {
			required[n.Param] = true
		}
		for _, arg := range n.Args {
			requiredParams(arg, required)
		}
	}
}

// Nop returns templates unchanged.
type Nop struct{}

func (Nop) Render(template string) (string, error) { return template, nil }

// Package template provides the substitution store that threads data
// between workflow nodes. Templates contain {key} or {key.subkey} tokens
// resolved against, in priority order: the reserved latest_result, named
// per-node results, then the initial input map.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// LatestResultKey is the reserved context key holding the most recent node
// result. Every read and write of it goes through the context API.
const LatestResultKey = "latest_result"

var tokenPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// ResolutionError reports every missing key found in a single template, so
// one bad template surfaces all of its problems at once.
type ResolutionError struct {
	Template string
	Missing  []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("template %q references unknown keys: %s",
		e.Template, strings.Join(e.Missing, ", "))
}

// IsResolution reports whether err is a template resolution failure.
func IsResolution(err error) bool {
	var target *ResolutionError

	return errors.As(err, &target)
}

// Context is the mutable variable store for one execution. Writes are
// serialized by the embedded mutex; branch tasks read concurrently.
type Context struct {
	mu        sync.RWMutex
	input     map[string]any
	results   map[string]any
	latest    any
	hasLatest bool
	lenient   bool

	// parent links a branch-local child back to the shared root. Children
	// keep their own latest_result; named results always live on the root.
	parent *Context
}

// Option configures a Context.
type Option func(*Context)

// Lenient leaves unknown tokens verbatim instead of failing. Strict
// resolution is the default; leniency is an explicit opt-in.
func Lenient() Option {
	return func(c *Context) {
		c.lenient = true
	}
}

// NewContext creates a root context seeded with the initial input map.
func NewContext(input map[string]any, opts ...Option) *Context {
	if input == nil {
		input = map[string]any{}
	}

	c := &Context{
		input:   input,
		results: make(map[string]any),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Child creates a branch-local view: it shares named results and input with
// the root but keeps its own latest_result, so concurrently running
// branches never race on the implicit threading value.
func (c *Context) Child() *Context {
	root := c.root()

	return &Context{parent: root, lenient: root.lenient}
}

func (c *Context) root() *Context {
	if c.parent != nil {
		return c.parent
	}

	return c
}

// SetLatest records a node result as the reserved latest_result.
func (c *Context) SetLatest(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = value
	c.hasLatest = true
}

// Latest returns the reserved latest_result, falling back to the parent for
// branch-local children that have not produced a result yet.
func (c *Context) Latest() (any, bool) {
	c.mu.RLock()
	if c.hasLatest {
		defer c.mu.RUnlock()

		return c.latest, true
	}
	c.mu.RUnlock()

	if c.parent != nil {
		return c.parent.Latest()
	}

	return nil, false
}

// SetResult records a completed node's output under its node name. Named
// results are shared across branches, so the write lands on the root.
func (c *Context) SetResult(name string, value any) {
	root := c.root()

	root.mu.Lock()
	defer root.mu.Unlock()

	root.results[name] = value
}

// Value resolves a bare key by priority: latest_result, named results, then
// the initial input.
func (c *Context) Value(key string) (any, bool) {
	if key == LatestResultKey {
		return c.Latest()
	}

	root := c.root()

	root.mu.RLock()
	defer root.mu.RUnlock()

	if value, ok := root.results[key]; ok {
		return value, true
	}

	if value, ok := root.input[key]; ok {
		return value, true
	}

	return nil, false
}

// Ref resolves a transform input reference. Branch index keys such as "1"
// address entries of a map-valued latest_result (the join aggregate);
// everything else resolves like Value.
func (c *Context) Ref(ref string) (any, bool) {
	if latest, ok := c.Latest(); ok && ref != LatestResultKey {
		if m, isMap := latest.(map[string]any); isMap {
			if value, found := m[ref]; found {
				return value, true
			}
		}
	}

	return c.Value(ref)
}

// Resolve substitutes every {key} token in the template. In strict mode an
// unresolved token fails with a ResolutionError naming all missing keys.
func (c *Context) Resolve(templateStr string) (string, error) {
	var missing []string

	resolved := tokenPattern.ReplaceAllStringFunc(templateStr, func(token string) string {
		path := token[1 : len(token)-1]

		value, ok := c.lookupPath(path)
		if !ok {
			missing = append(missing, path)

			return token
		}

		return Stringify(value)
	})

	if len(missing) > 0 && !c.isLenient() {
		return "", &ResolutionError{Template: templateStr, Missing: missing}
	}

	return resolved, nil
}

// ResolveParams resolves a map of parameter templates, collecting missing
// keys across all values into a single error.
func (c *Context) ResolveParams(templates map[string]string) (map[string]any, error) {
	params := make(map[string]any, len(templates))

	var missing []string

	for name, tmpl := range templates {
		resolved, err := c.Resolve(tmpl)
		if err != nil {
			var resErr *ResolutionError
			if errors.As(err, &resErr) {
				missing = append(missing, resErr.Missing...)

				continue
			}

			return nil, err
		}

		params[name] = resolved
	}

	if len(missing) > 0 {
		return nil, &ResolutionError{Template: "params", Missing: missing}
	}

	return params, nil
}

func (c *Context) isLenient() bool {
	return c.root().lenient || c.lenient
}

// lookupPath resolves a dotted path: the head by key priority, the tail by
// traversing map values.
func (c *Context) lookupPath(path string) (any, bool) {
	parts := strings.Split(path, ".")

	value, ok := c.Value(parts[0])
	if !ok {
		return nil, false
	}

	for _, part := range parts[1:] {
		m, isMap := value.(map[string]any)
		if !isMap {
			return nil, false
		}

		value, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return value, true
}

// Stringify renders a context value for template substitution: strings
// verbatim, composites as JSON, everything else via fmt.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}

		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

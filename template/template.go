// Package template implements placeholder substitution for launcher
// command lines and session URLs. Templates use shell-style placeholders
// (`${python}`, `$port`); resolution is an explicit step that produces a
// fully realized string or argument list, so no interpolation happens in
// the spawn path itself.
package template

import "os"

// Resolve substitutes every `${name}` or `$name` placeholder in s with its
// value from vars. Placeholders with no entry in vars are left in place in
// their braced form, so that a missing substitution is visible in logs and
// spawned command lines rather than silently collapsing to an empty string.
func Resolve(s string, vars map[string]string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

// ResolveArgs resolves every element of a command-line template.
func ResolveArgs(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = Resolve(arg, vars)
	}
	return out
}

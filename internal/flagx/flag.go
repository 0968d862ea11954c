// Package flagx lets several flag sets share one command line: each parser
// sees only the arguments meant for it.
package flagx

import (
	"flag"
	"io"
	"slices"
	"strings"
)

// ConfigFlagNames are the spellings that point at a JSON config file.
var ConfigFlagNames = []string{"-c", "-config", "--config"}

// FilterArgs returns the arguments of args that belong to one of names, in
// their original order. Both "-f value" and "-f=value" forms are recognised;
// a following token that starts with '-' is never taken as a value. Parsing
// stops at "--".
func FilterArgs(args []string, names []string) []string {
	out := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(name, "-") {
			if slices.Contains(names, name) {
				out = append(out, arg)
			}
			continue
		}

		if !slices.Contains(names, arg) {
			continue
		}
		out = append(out, arg)
		if next := i + 1; next < len(args) && !strings.HasPrefix(args[next], "-") {
			out = append(out, args[next])
			i = next
		}
	}

	return out
}

// ConfigPath returns the JSON config path named in args, or "". When the
// flag is repeated the last one wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to JSON config file")
	fs.StringVar(&path, "c", "", "path to JSON config file (shorthand)")
	_ = fs.Parse(FilterArgs(args, ConfigFlagNames))

	return path
}

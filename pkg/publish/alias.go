package publish

import "strings"

// Alias is a configured URL-prefix substitution. Any URI beginning
// with Src also exists under Dest.
type Alias struct {
	Src  string
	Dest string
}

// URIsWithAliases returns the given URIs plus every URI produced by
// alias substitution.
//
// Substitution is applied transitively: an aliased URI is itself fed
// back through the alias list, so chained aliases (e.g. releasever on
// top of a major-version alias) resolve fully. Order of first
// appearance is preserved and duplicates are dropped.
func URIsWithAliases(uris []string, aliases []Alias) []string {
	out := make([]string, 0, len(uris))
	seen := make(map[string]bool, len(uris))

	push := func(uri string) bool {
		if seen[uri] {
			return false
		}
		seen[uri] = true
		out = append(out, uri)
		return true
	}

	for _, uri := range uris {
		push(uri)
	}

	// out grows while we iterate, resolving chained aliases.
	for i := 0; i < len(out); i++ {
		for _, alias := range aliases {
			if alias.Src == "" || alias.Src == alias.Dest {
				continue
			}
			if strings.HasPrefix(out[i], alias.Src) {
				push(alias.Dest + strings.TrimPrefix(out[i], alias.Src))
			}
		}
	}

	return out
}

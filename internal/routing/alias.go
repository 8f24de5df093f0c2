// Package routing implements the small, pure-function pieces the reconciler
// pipeline leans on: alias chain resolution, fallback chain lookup, and
// traffic-policy glob matching (spec §3, §4.4.1, §4.8).
package routing

// maxAliasHops is the hard cap on alias chain resolution (spec §3): beyond
// this many hops, resolution stops and the last resolved name is used,
// terminating cycles without error.
const maxAliasHops = 3

// ResolveAlias follows aliases[name] up to maxAliasHops times and returns
// the final name. A cycle simply stops at the cap rather than erroring.
func ResolveAlias(aliases map[string]string, name string) string {
	current := name
	for i := 0; i < maxAliasHops; i++ {
		next, ok := aliases[current]
		if !ok || next == current {
			return current
		}
		current = next
	}
	return current
}

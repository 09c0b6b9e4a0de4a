package cacheflush

import "strings"

// DefaultTTL is substituted for {ttl} placeholders when no TTL is
// configured on the Flusher.
const DefaultTTL = "30d"

// ExpandTemplate renders one URL/ARL template for a path.
//
// {ttl} and {path} placeholders are substituted. When the template has
// no {path} placeholder, the path is appended instead, joining with a
// single slash.
func ExpandTemplate(template, path, ttl string) string {
	out := strings.ReplaceAll(template, "{ttl}", ttl)

	if strings.Contains(out, "{path}") {
		return strings.ReplaceAll(out, "{path}", strings.TrimPrefix(path, "/"))
	}

	return strings.TrimSuffix(out, "/") + "/" + strings.TrimPrefix(path, "/")
}

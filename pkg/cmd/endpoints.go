package cmd

import "strings"

// ParseEndpoints turns "id=url" flag values into an endpoint map. Malformed
// entries are ignored.
func ParseEndpoints(entries []string) map[string]string {
	endpoints := make(map[string]string, len(entries))

	for _, entry := range entries {
		id, url, found := strings.Cut(entry, "=")
		if !found || id == "" || url == "" {
			continue
		}

		endpoints[strings.TrimSpace(id)] = strings.TrimSpace(url)
	}

	return endpoints
}

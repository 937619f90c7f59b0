// Package fixtures synthesizes deterministic placeholder payloads for
// requests that arrive while no agent is connected. Payloads are keyed by
// substring matches on the query text so the same query always produces the
// same shape.
package fixtures

import "strings"

// QueryData returns the fallback payload for a graphql_query.
func QueryData(query string) map[string]any {
	q := strings.ToLower(query)

	switch {
	case strings.Contains(q, "users"):
		return map[string]any{
			"users": []map[string]any{
				{"id": "u1", "name": "Ada Lovelace", "email": "ada@example.com"},
				{"id": "u2", "name": "Grace Hopper", "email": "grace@example.com"},
				{"id": "u3", "name": "Alan Turing", "email": "alan@example.com"},
			},
		}
	case strings.Contains(q, "orders"):
		return map[string]any{
			"orders": []map[string]any{
				{"id": "o1", "total": 42.5, "status": "shipped"},
				{"id": "o2", "total": 18.0, "status": "pending"},
			},
		}
	case strings.Contains(q, "ping"):
		return map[string]any{"ping": "pong"}
	default:
		return map[string]any{
			"result": map[string]any{
				"fixture": true,
				"query":   query,
			},
		}
	}
}

// DocsData returns the fallback payload for a get_docs request.
func DocsData(query string) map[string]any {
	q := strings.ToLower(query)

	docs := []map[string]any{
		{"title": "Getting started", "path": "docs/getting-started.md"},
		{"title": "API reference", "path": "docs/api.md"},
	}
	if strings.Contains(q, "schema") {
		docs = append(docs, map[string]any{"title": "Schema", "path": "docs/schema.md"})
	}

	return map[string]any{
		"docs":    docs,
		"fixture": true,
	}
}

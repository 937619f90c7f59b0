package fixtures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryDataMatchesBySubstring(t *testing.T) {
	data := QueryData("query { Users { id name } }")
	users, ok := data["users"].([]map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, users)

	data = QueryData("{ orders { total } }")
	orders, ok := data["orders"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, orders, 2)

	data = QueryData("ping")
	assert.Equal(t, "pong", data["ping"])
}

func TestQueryDataDefaultEchoesQuery(t *testing.T) {
	data := QueryData("{ unknownThing }")
	result, ok := data["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["fixture"])
	assert.Equal(t, "{ unknownThing }", result["query"])
}

func TestQueryDataIsDeterministic(t *testing.T) {
	assert.Equal(t, QueryData("users please"), QueryData("users please"))
}

func TestDocsData(t *testing.T) {
	data := DocsData("anything")
	docs, ok := data["docs"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, docs, 2)
	assert.Equal(t, true, data["fixture"])

	data = DocsData("show me the schema docs")
	docs, ok = data["docs"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, docs, 3)
}

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRankFileMatchesFiltersByGlobPattern(t *testing.T) {
	files := []string{"internal/server/server.go", "internal/hub/hub.go", "cmd/main.go"}
	out := rankFileMatches("internal/**/*.go", files)
	assert.ElementsMatch(t, []string{"internal/server/server.go", "internal/hub/hub.go"}, out)
}

func TestRankFileMatchesSortsByDistanceForPlainQuery(t *testing.T) {
	files := []string{"zzzzzzzzzz.go", "server.go", "serverx.go"}
	out := rankFileMatches("server.go", files)
	assert.Equal(t, "server.go", out[0])
}

func TestRankFileMatchesReturnsAllWhenPatternEmpty(t *testing.T) {
	files := []string{"a.go", "b.go"}
	assert.Equal(t, files, rankFileMatches("", files))
}

func TestSymbolNameExtractsStringField(t *testing.T) {
	assert.Equal(t, "Foo", symbolName(map[string]any{"name": "Foo"}))
	assert.Equal(t, "", symbolName(map[string]any{}))
}

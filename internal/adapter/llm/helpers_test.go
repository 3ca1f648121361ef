package llm

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kanban-ai/internal/domain"
)

func TestStripCodeFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"  {\"a\":1}  ":            `{"a":1}`,
	}
	for in, want := range tests {
		assert.Equal(t, want, stripCodeFences(in))
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate(strings.Repeat("é", 10), 5)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), 5+len("..."))
}

func TestMapHTTPError(t *testing.T) {
	assert.True(t, errors.Is(mapHTTPError(http.StatusTooManyRequests, nil), domain.ErrLimitReached))
	assert.True(t, errors.Is(mapHTTPError(http.StatusForbidden, nil), domain.ErrProviderError))
	assert.True(t, errors.Is(mapHTTPError(http.StatusBadGateway, []byte("upstream")), domain.ErrProviderError))
	assert.Contains(t, mapHTTPError(http.StatusBadRequest, []byte("bad field")).Error(), "bad field")
}

func TestDecodeOutput(t *testing.T) {
	schemas, err := compileSchemas()
	require.NoError(t, err)

	var out struct {
		Moves []domain.MoveDecision `json:"moves"`
	}
	require.NoError(t, decodeOutput(`{"moves":[{"card_id":"c1","to_column_id":"done"}]}`, schemas.move, &out))
	assert.Len(t, out.Moves, 1)

	err = decodeOutput("", schemas.move, &out)
	assert.True(t, errors.Is(err, domain.ErrGeneratorOutput))

	err = decodeOutput(`{"moves":[{"card_id":"c1"}]}`, schemas.move, &out)
	assert.True(t, errors.Is(err, domain.ErrGeneratorOutput), "missing to_column_id must fail the schema")

	var patch domain.CardPatch
	require.NoError(t, decodeOutput(`{}`, schemas.modify, &patch))
	assert.True(t, patch.IsEmpty())
}

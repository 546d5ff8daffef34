package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_ChunkText(t *testing.T) {
	c, err := NewChunker(3, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"empty", "", []string{}},
		{"whitespace only", " \n\t ", []string{}},
		{"shorter than chunk", "grey crane", []string{"grey crane"}},
		{"exact multiple", "a b c d e f", []string{"a b c", "d e f"}},
		{"remainder", "a  b\nc d\te", []string{"a b c", "d e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ChunkText(tt.text))
		})
	}
}

func TestChunker_DefaultSizeChunkCount(t *testing.T) {
	c, err := NewChunker(512, 0)
	require.NoError(t, err)

	text := strings.TrimSpace(strings.Repeat("wing ", 1100))
	chunks := c.ChunkText(text)

	require.Len(t, chunks, 3)
	assert.Len(t, strings.Fields(chunks[0]), 512)
	assert.Len(t, strings.Fields(chunks[2]), 1100-1024)
}

func TestChunker_Truncate(t *testing.T) {
	c, err := NewChunker(512, 8)
	require.NoError(t, err)

	short := "egret"
	got, err := c.Truncate(short)
	require.NoError(t, err)
	assert.Equal(t, short, got)

	long := strings.Repeat("the migratory bird flies south ", 20)
	got, err = c.Truncate(long)
	require.NoError(t, err)
	assert.Less(t, len(got), len(long))
	assert.True(t, strings.HasPrefix(long, got))
}

func TestChunker_Prepare(t *testing.T) {
	c, err := NewChunker(2, 0)
	require.NoError(t, err)

	chunks, err := c.Prepare("one two three")
	require.NoError(t, err)
	assert.Equal(t, []string{"one two", "three"}, chunks)
}

func TestNewChunker_RejectsNonPositiveSize(t *testing.T) {
	_, err := NewChunker(0, 0)
	assert.Error(t, err)
}

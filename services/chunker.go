package services

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Chunker splits long text into fixed-size word chunks and caps each chunk's token count.
type Chunker struct {
	ChunkWords int
	MaxTokens  int

	codec tokenizer.Codec
}

func NewChunker(chunkWords, maxTokens int) (*Chunker, error) {
	if chunkWords <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkWords)
	}

	c := &Chunker{
		ChunkWords: chunkWords,
		MaxTokens:  maxTokens,
	}

	if maxTokens > 0 {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
		c.codec = codec
	}

	return c, nil
}

// ChunkText splits text on whitespace into groups of ChunkWords words.
func (c *Chunker) ChunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{}
	}

	chunks := make([]string, 0, (len(words)+c.ChunkWords-1)/c.ChunkWords)
	for start := 0; start < len(words); start += c.ChunkWords {
		end := min(start+c.ChunkWords, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// Truncate cuts text down to MaxTokens tokens. A zero MaxTokens disables truncation.
func (c *Chunker) Truncate(text string) (string, error) {
	if c.codec == nil {
		return text, nil
	}

	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return "", fmt.Errorf("failed to tokenize chunk: %w", err)
	}
	if len(ids) <= c.MaxTokens {
		return text, nil
	}

	truncated, err := c.codec.Decode(ids[:c.MaxTokens])
	if err != nil {
		return "", fmt.Errorf("failed to detokenize chunk: %w", err)
	}
	return truncated, nil
}

// Prepare chunks text and truncates every chunk, ready for embedding.
func (c *Chunker) Prepare(text string) ([]string, error) {
	chunks := c.ChunkText(text)
	for i, chunk := range chunks {
		truncated, err := c.Truncate(chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks[i] = truncated
	}
	return chunks, nil
}

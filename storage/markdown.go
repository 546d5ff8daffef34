package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/blavejr/birdRAG/models"
)

const maxFileStem = 120

var modeSuffixes = map[string]string{
	models.ModeTable:      "表格RAG",
	models.ModeLiterature: "文献RAG",
}

// MarkdownArchive writes every answer to "<query>[表格RAG].md" or "<query>[文献RAG].md" under Dir.
type MarkdownArchive struct {
	Dir string
}

func NewMarkdownArchive(dir string) (*MarkdownArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &MarkdownArchive{Dir: dir}, nil
}

func (a *MarkdownArchive) SaveAnswer(_ context.Context, record models.AnswerRecord) error {
	path := a.PathFor(record.Query, record.Mode)
	if err := os.WriteFile(path, []byte(record.Answer), 0o644); err != nil {
		return fmt.Errorf("failed to write answer file: %w", err)
	}
	return nil
}

// PathFor returns the file an answer for query would be written to.
func (a *MarkdownArchive) PathFor(query, mode string) string {
	suffix, ok := modeSuffixes[mode]
	if !ok {
		suffix = mode + " RAG"
	}
	return filepath.Join(a.Dir, fmt.Sprintf("%s[%s].md", fileStem(query), suffix))
}

// replace separators and control characters so a query can't escape Dir
func fileStem(query string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, strings.TrimSpace(query))

	stem = strings.Trim(stem, ".")
	if runes := []rune(stem); len(runes) > maxFileStem {
		stem = string(runes[:maxFileStem])
	}
	if stem == "" {
		stem = "query"
	}
	return stem
}

package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blavejr/birdRAG/models"

	"github.com/fsnotify/fsnotify"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	ErrRecordNotFound = errors.New("bird record not found")
	ErrEmptyTable     = errors.New("vector table is empty")

	ErrDimensionMismatch = errors.New("query vector size does not match the vector table")
)

const reloadDebounce = 250 * time.Millisecond

// Columns names the CSV header fields the table is read from.
type Columns struct {
	ID          string
	Embedding   string
	Description string // optional
}

// Dataset holds the vector table and the bird records in memory.
type Dataset struct {
	csvPath     string
	recordsPath string
	columns     Columns
	logger      *zap.Logger

	mu         sync.RWMutex
	rows       []models.VectorRow
	dimensions int
	records    map[string]json.RawMessage
	onLoad     func(rows int)
}

func NewDataset(csvPath, recordsPath string, columns Columns, logger *zap.Logger) *Dataset {
	return &Dataset{
		csvPath:     csvPath,
		recordsPath: recordsPath,
		columns:     columns,
		logger:      logger,
	}
}

// OnLoad registers a callback run after every successful (re)load.
func (d *Dataset) OnLoad(fn func(rows int)) {
	d.mu.Lock()
	d.onLoad = fn
	d.mu.Unlock()
}

// Reload parses both files and swaps them in only when both succeed.
func (d *Dataset) Reload() error {
	startTime := time.Now()

	rows, err := LoadVectorTable(d.csvPath, d.columns)
	if err != nil {
		return err
	}
	records, err := LoadRecords(d.recordsPath)
	if err != nil {
		return err
	}

	dimensions := 0
	if len(rows) > 0 {
		dimensions = len(rows[0].Embedding)
	}

	d.mu.Lock()
	d.rows = rows
	d.dimensions = dimensions
	d.records = records
	onLoad := d.onLoad
	d.mu.Unlock()

	d.logger.Info("dataset loaded",
		zap.Int("rows", len(rows)),
		zap.Int("dimensions", dimensions),
		zap.Int("records", len(records)),
		zap.Duration("took", time.Since(startTime)))

	if onLoad != nil {
		onLoad(len(rows))
	}
	return nil
}

func (d *Dataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rows)
}

// Dimensions is the vector size shared by every row, 0 when the table is empty.
func (d *Dataset) Dimensions() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dimensions
}

// Search scores every row against the query and returns all of them, best first.
// Equal scores keep file order. A query whose size differs from the table's is rejected.
func (d *Dataset) Search(query []float32) ([]models.SearchResult, error) {
	d.mu.RLock()
	rows, dimensions := d.rows, d.dimensions
	d.mu.RUnlock()

	if len(rows) > 0 && len(query) != dimensions {
		return nil, fmt.Errorf("%w: query has %d, table has %d", ErrDimensionMismatch, len(query), dimensions)
	}

	results := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, models.SearchResult{
			Row:   row,
			Score: CosineSimilarity(query, row.Embedding),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// Record returns the raw JSON record stored under id.
func (d *Dataset) Record(id string) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, id)
	}
	return record, nil
}

// Watch reloads the dataset whenever either file changes, until ctx is done.
func (d *Dataset) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]struct{}, 2)
	for _, path := range []string{d.csvPath, d.recordsPath} {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		targets[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	// editors and copy tools emit bursts of events; reload once they settle
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, ok := targets[name]; !ok {
				continue
			}
			pending = time.After(reloadDebounce)

		case <-pending:
			pending = nil
			if err := d.Reload(); err != nil {
				d.logger.Warn("dataset reload failed, keeping previous data", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// LoadVectorTable reads the CSV vector table. The embedding column holds a JSON array.
func LoadVectorTable(path string, columns Columns) ([]models.VectorRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector table: %w", err)
	}
	defer f.Close()

	rows, err := ReadVectorTable(f, columns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ReadVectorTable parses the table. Every row must carry a vector of the same size.
func ReadVectorTable(r io.Reader, columns Columns) ([]models.VectorRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idCol, embCol, descCol := -1, -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case columns.ID:
			idCol = i
		case columns.Embedding:
			embCol = i
		case columns.Description:
			if columns.Description != "" {
				descCol = i
			}
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("missing id column %q", columns.ID)
	}
	if embCol < 0 {
		return nil, fmt.Errorf("missing embedding column %q", columns.Embedding)
	}

	var rows []models.VectorRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := reader.FieldPos(0)

		if idCol >= len(record) || embCol >= len(record) {
			return nil, fmt.Errorf("line %d: expected at least %d fields, got %d", line, max(idCol, embCol)+1, len(record))
		}

		id := strings.TrimSpace(record[idCol])
		if id == "" {
			return nil, fmt.Errorf("line %d: empty bird id", line)
		}

		var embedding []float32
		if err := gojson.Unmarshal([]byte(record[embCol]), &embedding); err != nil {
			return nil, fmt.Errorf("line %d: invalid embedding: %w", line, err)
		}
		if len(embedding) == 0 {
			return nil, fmt.Errorf("line %d: empty embedding", line)
		}
		if len(rows) > 0 && len(embedding) != len(rows[0].Embedding) {
			return nil, fmt.Errorf("line %d: embedding has %d dimensions, line %d has %d",
				line, len(embedding), rows[0].Line, len(rows[0].Embedding))
		}

		row := models.VectorRow{
			BirdID:    id,
			Embedding: embedding,
			Line:      line,
		}
		if descCol >= 0 && descCol < len(record) {
			row.Description = record[descCol]
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// WriteVectorTable writes rows in the layout ReadVectorTable expects.
func WriteVectorTable(w io.Writer, columns Columns, rows []models.VectorRow) error {
	writer := csv.NewWriter(w)

	header := []string{columns.ID, columns.Embedding}
	if columns.Description != "" {
		header = append(header, columns.Description)
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, row := range rows {
		embedding, err := gojson.Marshal(row.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding for %s: %w", row.BirdID, err)
		}
		record := []string{row.BirdID, string(embedding)}
		if columns.Description != "" {
			record = append(record, row.Description)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row for %s: %w", row.BirdID, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// LoadRecords reads the bird-id -> record JSON dictionary.
func LoadRecords(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	var records map[string]json.RawMessage
	if err := gojson.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse records %s: %w", path, err)
	}
	return records, nil
}

// RecordText renders a record for a prompt: strings are unquoted, objects are indented JSON.
func RecordText(record json.RawMessage) string {
	trimmed := bytes.TrimSpace(record)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := gojson.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

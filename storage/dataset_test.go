package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blavejr/birdRAG/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testColumns = Columns{ID: "鸟名", Embedding: "text", Description: "description"}

const testCSV = "鸟名,text,description\n" +
	"1,\"[1, 0, 0]\",三宝鸟\n" +
	"2,\"[0, 1, 0]\",白鹭\n" +
	"3,\"[0.7, 0.7, 0]\",灰鹤\n"

const testRecords = `{
  "1": {"候鸟名称": "三宝鸟", "行为_迁徙": "迁徙鸟"},
  "2": "白鹭栖息于湿地",
  "3": {"候鸟名称": "灰鹤"}
}`

func writeDataset(t *testing.T, csvBody, recordsBody string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bird_vector_database.csv")
	recordsPath := filepath.Join(dir, "transformed_data.json")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvBody), 0o644))
	require.NoError(t, os.WriteFile(recordsPath, []byte(recordsBody), 0o644))
	return csvPath, recordsPath
}

func loadTestDataset(t *testing.T) *Dataset {
	t.Helper()
	csvPath, recordsPath := writeDataset(t, testCSV, testRecords)
	ds := NewDataset(csvPath, recordsPath, testColumns, zap.NewNop())
	require.NoError(t, ds.Reload())
	return ds
}

func TestDataset_SearchSortsAllRowsDescending(t *testing.T) {
	ds := loadTestDataset(t)

	results, err := ds.Search([]float32{1, 0.1, 0})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, "1", results[0].Row.BirdID)
	assert.Equal(t, "3", results[1].Row.BirdID)
	assert.Equal(t, "2", results[2].Row.BirdID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, "三宝鸟", results[0].Row.Description)
}

func TestDataset_SearchTiesKeepFileOrder(t *testing.T) {
	csvBody := "鸟名,text\na,\"[1, 0]\"\nb,\"[2, 0]\"\nc,\"[3, 0]\"\n"
	csvPath, recordsPath := writeDataset(t, csvBody, `{}`)
	ds := NewDataset(csvPath, recordsPath, testColumns, zap.NewNop())
	require.NoError(t, ds.Reload())

	results, err := ds.Search([]float32{1, 0})
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].Row.BirdID, results[1].Row.BirdID, results[2].Row.BirdID})
}

func TestDataset_SearchRejectsQueryOfAnotherSize(t *testing.T) {
	ds := loadTestDataset(t)
	assert.Equal(t, 3, ds.Dimensions())

	_, err := ds.Search(make([]float32, 128))
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "query has 128, table has 3")
}

func TestDataset_SearchEmptyTable(t *testing.T) {
	csvPath, recordsPath := writeDataset(t, "鸟名,text\n", `{}`)
	ds := NewDataset(csvPath, recordsPath, testColumns, zap.NewNop())
	require.NoError(t, ds.Reload())

	results, err := ds.Search(make([]float32, 128))
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, ds.Dimensions())
}

func TestDataset_Record(t *testing.T) {
	ds := loadTestDataset(t)

	record, err := ds.Record("2")
	require.NoError(t, err)
	assert.Equal(t, "白鹭栖息于湿地", RecordText(record))

	record, err = ds.Record("1")
	require.NoError(t, err)
	assert.Contains(t, RecordText(record), `"行为_迁徙": "迁徙鸟"`)

	_, err = ds.Record("99")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDataset_ReloadKeepsPreviousDataOnError(t *testing.T) {
	csvPath, recordsPath := writeDataset(t, testCSV, testRecords)
	ds := NewDataset(csvPath, recordsPath, testColumns, zap.NewNop())

	var loaded []int
	ds.OnLoad(func(rows int) { loaded = append(loaded, rows) })
	require.NoError(t, ds.Reload())

	require.NoError(t, os.WriteFile(recordsPath, []byte("{not json"), 0o644))
	assert.Error(t, ds.Reload())

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []int{3}, loaded)
}

func TestReadVectorTable_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing id column", "name,text\nx,\"[1]\"\n", "missing id column"},
		{"missing embedding column", "鸟名,vec\nx,\"[1]\"\n", "missing embedding column"},
		{"bad embedding", "鸟名,text\nx,not-a-vector\n", "line 2: invalid embedding"},
		{"empty id", "鸟名,text\n ,\"[1]\"\n", "line 2: empty bird id"},
		{"short row", "鸟名,description,text\nx\n", "expected at least"},
		{"empty embedding", "鸟名,text\nx,\"[]\"\n", "line 2: empty embedding"},
		{"mixed sizes", "鸟名,text\nx,\"[1, 0]\"\ny,\"[1, 0, 0]\"\n", "line 3: embedding has 3 dimensions, line 2 has 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadVectorTable(strings.NewReader(tt.body), testColumns)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadVectorTable_StripsByteOrderMark(t *testing.T) {
	rows, err := ReadVectorTable(strings.NewReader("\ufeff鸟名,text\nx,\"[1,2]\"\n"), testColumns)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []float32{1, 2}, rows[0].Embedding)
}

func TestWriteVectorTable_RoundTrip(t *testing.T) {
	rows := []models.VectorRow{
		{BirdID: "1", Description: "三宝鸟, 蓝绿色", Embedding: []float32{0.5, -0.25}},
		{BirdID: "1", Description: "second chunk", Embedding: []float32{1, 0}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteVectorTable(&buf, testColumns, rows))

	got, err := ReadVectorTable(&buf, testColumns)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rows[0].Description, got[0].Description)
	assert.Equal(t, rows[0].Embedding, got[0].Embedding)
	assert.Equal(t, rows[1].BirdID, got[1].BirdID)
}

func TestDataset_WatchReloadsOnChange(t *testing.T) {
	csvPath, recordsPath := writeDataset(t, testCSV, testRecords)
	ds := NewDataset(csvPath, recordsPath, testColumns, zap.NewNop())
	require.NoError(t, ds.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ds.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(csvPath, []byte(testCSV+"4,\"[0, 0, 1]\",鸿雁\n"), 0o644))

	assert.Eventually(t, func() bool { return ds.Len() == 4 }, 5*time.Second, 50*time.Millisecond)
}

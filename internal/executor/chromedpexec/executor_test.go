package chromedpexec

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	exec := New(Config{OutputDir: t.TempDir()}, zap.NewNop())
	defer exec.Close()

	assert.Equal(t, 25*time.Second, exec.cfg.NavigationTimeout)
	assert.Equal(t, 50, exec.cfg.MaxPages)
}

func TestWriteCSVCreatesArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exec := New(Config{OutputDir: dir}, zap.NewNop())
	defer exec.Close()

	task := scheduler.Task{ID: "lamudi_jalisco_guadalajara_venta_casa"}
	path, err := exec.writeCSV(task, "urls", [][]string{{"URL"}}, func(rows [][]string) [][]string {
		return append(rows, []string{"https://a"}, []string{"https://b"})
	})
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), task.ID+"_urls_")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "https://a", rows[1][0])
}

func TestReadURLListSkipsHeaderAndBlanks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "urls.csv")
	payload := "URL\nhttps://a\n\nhttps://b\n"
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	urls, err := readURLList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a", "https://b"}, urls)
}

func TestReadURLListEmptyFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "urls.csv")
	require.NoError(t, os.WriteFile(path, []byte("URL\n"), 0o600))

	_, err := readURLList(path)
	require.Error(t, err)
}

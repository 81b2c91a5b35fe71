package collyexec

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

func listingPage(baseURL string, page, totalPages, linksPerPage int) string {
	body := "<html><body>"
	for i := 0; i < linksPerPage; i++ {
		body += fmt.Sprintf(`<a href="%s/propiedad/%d-%d">Casa %d</a>`, baseURL, page, i, i)
	}
	if page < totalPages {
		body += fmt.Sprintf(`<a rel="next" href="%s/listing?page=%d">Siguiente</a>`, baseURL, page+1)
	}
	return body + "</body></html>"
}

func newListingServer(t *testing.T, totalPages, linksPerPage int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/listing", func(w http.ResponseWriter, r *http.Request) {
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		fmt.Fprint(w, listingPage(srv.URL, page, totalPages, linksPerPage))
	})
	mux.HandleFunc("/propiedad/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
			<h1>Casa en venta</h1>
			<div class="price">$2,500,000</div>
			<address>Guadalajara, Jalisco</address>
		</body></html>`)
	})
	return srv
}

func listingTask(url string) scheduler.Task {
	return scheduler.Task{
		ID:     "trovit_jalisco_guadalajara_venta_casa",
		Site:   "unknown-site",
		Phase:  scheduler.PhaseListing,
		URL:    url,
		Status: scheduler.TaskStatusRunning,
	}
}

func TestListingScrapePaginatesAndWritesURLList(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t, 3, 4)
	outDir := t.TempDir()
	exec := New(Config{Timeout: 5 * time.Second, MaxPages: 10, OutputDir: outDir}, zap.NewNop())

	res, err := exec.Execute(context.Background(), listingTask(srv.URL+"/listing?page=1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 12, res.PropertiesExtracted)
	require.NotEmpty(t, res.OutputRef)

	urls, err := readURLList(res.OutputRef)
	require.NoError(t, err)
	assert.Len(t, urls, 12)
}

func TestListingScrapeRespectsMaxPages(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t, 10, 2)
	exec := New(Config{Timeout: 5 * time.Second, MaxPages: 3, OutputDir: t.TempDir()}, zap.NewNop())

	res, err := exec.Execute(context.Background(), listingTask(srv.URL+"/listing?page=1"))
	require.NoError(t, err)
	assert.Equal(t, 6, res.PropertiesExtracted)
}

func TestListingScrapeNoLinksIsParsingFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body><p>mantenimiento</p></body></html>")
	}))
	t.Cleanup(srv.Close)
	exec := New(Config{Timeout: 5 * time.Second, OutputDir: t.TempDir()}, zap.NewNop())

	res, err := exec.Execute(context.Background(), listingTask(srv.URL))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, scheduler.ErrorKindParsing, res.ErrorKind)
}

func TestBlockedResponseClassified(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	exec := New(Config{Timeout: 5 * time.Second, OutputDir: t.TempDir()}, zap.NewNop())

	res, err := exec.Execute(context.Background(), listingTask(srv.URL))
	require.Error(t, err)
	assert.Equal(t, scheduler.ErrorKindBlocked, res.ErrorKind)
}

func TestDetailScrapeExtractsRecords(t *testing.T) {
	t.Parallel()

	srv := newListingServer(t, 1, 1)
	outDir := t.TempDir()

	urlList := filepath.Join(outDir, "urls.csv")
	f, err := os.Create(urlList)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.WriteAll([][]string{
		{"URL"},
		{srv.URL + "/propiedad/1-0"},
		{srv.URL + "/propiedad/1-1"},
	}))
	require.NoError(t, f.Close())

	exec := New(Config{Timeout: 5 * time.Second, OutputDir: outDir}, zap.NewNop())
	task := scheduler.Task{
		ID:    "trovit_jalisco_guadalajara_venta_casa_detail",
		Site:  "trovit",
		Phase: scheduler.PhaseDetail,
		URL:   urlList,
	}

	res, err := exec.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.PropertiesExtracted)

	out, err := os.Open(res.OutputRef)
	require.NoError(t, err)
	defer out.Close()
	rows, err := csv.NewReader(out).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"URL", "Title", "Price", "Location"}, rows[0])
	assert.Equal(t, "Casa en venta", rows[1][1])
	assert.Equal(t, "$2,500,000", rows[1][2])
	assert.Equal(t, "Guadalajara, Jalisco", rows[1][3])
}

func TestDetailScrapeMissingURLList(t *testing.T) {
	t.Parallel()

	exec := New(Config{OutputDir: t.TempDir()}, zap.NewNop())
	task := scheduler.Task{
		ID:    "x_detail",
		Site:  "lamudi",
		Phase: scheduler.PhaseDetail,
		URL:   filepath.Join(t.TempDir(), "missing.csv"),
	}

	res, err := exec.Execute(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, scheduler.ErrorKindParsing, res.ErrorKind)
}

func TestSelectorsFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, siteSelectors["inmuebles24"], selectorsFor("Inmuebles24"))
	assert.Equal(t, siteSelectors["casas_y_terrenos"], selectorsFor("Casas y terrenos"))
	assert.Equal(t, defaultSelectors, selectorsFor("never-seen"))
}

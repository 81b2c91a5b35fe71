package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

const sampleCatalog = `PaginaWeb,Estado,Ciudad,Operación,ProductoPaginaWeb,URL
# rows below seed the Jalisco fleet
inmuebles24,Jalisco,Guadalajara,Venta,Casa,https://www.inmuebles24.com/casas-en-venta-en-guadalajara.html
trovit,Jalisco,Zapopan,Renta,Departamento,https://casas.trovit.com.mx/renta-zapopan

mitula,Jalisco,Tlaquepaque,Venta,Terreno,https://casas.mitula.mx/searchRE/op-venta
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	specs, err := Parse(strings.NewReader(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, specs, 3)

	first := specs[0]
	assert.Equal(t, "inmuebles24", first.Site)
	assert.Equal(t, "Jalisco", first.State)
	assert.Equal(t, "Guadalajara", first.City)
	assert.Equal(t, "Venta", first.Operation)
	assert.Equal(t, "Casa", first.Product)
	assert.Equal(t, scheduler.PhaseListing, first.Phase)
	assert.Equal(t, "https://www.inmuebles24.com/casas-en-venta-en-guadalajara.html", first.URL)

	assert.Equal(t, "trovit", specs[1].Site)
	assert.Equal(t, "mitula", specs[2].Site)
}

func TestParseAcceptsUnaccentedHeaderAndBOM(t *testing.T) {
	t.Parallel()

	input := "\uFEFFPaginaWeb,Estado,Ciudad,Operacion,ProductoPaginaWeb,URL\n" +
		"lamudi,Jalisco,Guadalajara,Venta,Casa,https://www.lamudi.com.mx/guadalajara\n"
	specs, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "lamudi", specs[0].Site)
	assert.Equal(t, "Venta", specs[0].Operation)
}

func TestParseRejectsMissingColumns(t *testing.T) {
	t.Parallel()

	input := "PaginaWeb,Estado,Ciudad\nlamudi,Jalisco,Guadalajara\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestParseRejectsRowWithoutURL(t *testing.T) {
	t.Parallel()

	input := sampleCatalog + "propiedades,Jalisco,Zapopan,Venta,Casa,\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing site or url")
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "url_catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	specs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, specs, 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestCatalogRowsMapToDistinctTasks(t *testing.T) {
	t.Parallel()

	specs, err := Parse(strings.NewReader(sampleCatalog))
	require.NoError(t, err)

	seen := map[string]struct{}{}
	for _, sp := range specs {
		id := scheduler.TaskID(sp)
		_, dup := seen[id]
		require.False(t, dup, "duplicate task id %s", id)
		seen[id] = struct{}{}
	}
}

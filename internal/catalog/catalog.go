// Package catalog loads the URL catalog CSV that seeds the task registry.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Column headers as they appear in the catalog file. The operation header
// is accepted with or without the accent because both spellings occur in
// hand-maintained catalogs.
const (
	colSite      = "PaginaWeb"
	colState     = "Estado"
	colCity      = "Ciudad"
	colOperation = "Operación"
	colOperAlt   = "Operacion"
	colProduct   = "ProductoPaginaWeb"
	colURL       = "URL"
)

// LoadFile reads the catalog at path and returns one TaskSpec per row.
func LoadFile(path string) ([]scheduler.TaskSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	specs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return specs, nil
}

// Parse reads catalog rows from r. The header row is required; blank lines
// and lines starting with '#' are skipped; a UTF-8 BOM on the header is
// tolerated.
func Parse(r io.Reader) ([]scheduler.TaskSpec, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	var specs []scheduler.TaskSpec
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if isBlank(record) {
			continue
		}
		spec, err := specFromRecord(record, idx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type columnIndex struct {
	site, state, city, operation, product, url int
}

func headerIndex(header []string) (columnIndex, error) {
	idx := columnIndex{site: -1, state: -1, city: -1, operation: -1, product: -1, url: -1}
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\uFEFF")
		switch h {
		case colSite:
			idx.site = i
		case colState:
			idx.state = i
		case colCity:
			idx.city = i
		case colOperation, colOperAlt:
			idx.operation = i
		case colProduct:
			idx.product = i
		case colURL:
			idx.url = i
		}
	}
	missing := func(name string, i int) error {
		if i < 0 {
			return fmt.Errorf("catalog header missing column %q", name)
		}
		return nil
	}
	for _, check := range []struct {
		name string
		i    int
	}{
		{colSite, idx.site},
		{colState, idx.state},
		{colCity, idx.city},
		{colOperation, idx.operation},
		{colProduct, idx.product},
		{colURL, idx.url},
	} {
		if err := missing(check.name, check.i); err != nil {
			return idx, err
		}
	}
	return idx, nil
}

func specFromRecord(record []string, idx columnIndex) (scheduler.TaskSpec, error) {
	field := func(i int) string {
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	spec := scheduler.TaskSpec{
		Site:      field(idx.site),
		State:     field(idx.state),
		City:      field(idx.city),
		Operation: field(idx.operation),
		Product:   field(idx.product),
		Phase:     scheduler.PhaseListing,
		URL:       field(idx.url),
	}
	if spec.Site == "" || spec.URL == "" {
		return spec, fmt.Errorf("row missing site or url: %v", record)
	}
	return spec, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// Package collyexec implements the scrape executor using gocolly.
package collyexec

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxPages bounds pagination per listing run.
	MaxPages int
	// OutputDir receives per-run CSV artifacts.
	OutputDir string
}

// Executor runs listing and detail scrapes with a Colly collector. Listing
// runs paginate search results and emit a URL-list CSV; detail runs read a
// parent's URL list and emit a property-record CSV.
type Executor struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// selectors describe where a site keeps its property links and pagination.
type selectors struct {
	link string
	next string
}

var siteSelectors = map[string]selectors{
	"inmuebles24":      {link: "a[data-to-posting]", next: "a[data-qa='PAGING_NEXT']"},
	"casas_y_terrenos": {link: "article.property-card a", next: "a.pagination__next"},
	"lamudi":           {link: "a.js-listing-link", next: "a.next"},
	"mitula":           {link: "a.listing-card__title", next: "a[rel='next']"},
	"propiedades":      {link: "a.card-property", next: "a.siguiente"},
	"trovit":           {link: "a.rd-link", next: "a.next-page"},
}

var defaultSelectors = selectors{link: "a[href*='propiedad'], a[href*='inmueble']", next: "a[rel='next']"}

// New builds an Executor.
func New(cfg Config, logger *zap.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	c := colly.NewCollector(colly.Async(false))
	c.SetRequestTimeout(cfg.Timeout)
	// Retried tasks revisit the same pages.
	c.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Executor{cfg: cfg, base: c, logger: logger}
}

// Execute runs one scrape pass for the task and reports its outcome. The
// returned error carries the same classification as Result.ErrorKind.
func (e *Executor) Execute(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	switch task.Phase {
	case scheduler.PhaseDetail:
		return e.executeDetail(ctx, task)
	default:
		return e.executeListing(ctx, task)
	}
}

func (e *Executor) executeListing(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	sel := selectorsFor(task.Site)
	collector := e.newCollector()

	seen := make(map[string]struct{})
	var urls []string
	var nextURL string

	collector.OnHTML(sel.link, func(h *colly.HTMLElement) {
		link := h.Request.AbsoluteURL(h.Attr("href"))
		if link == "" {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		urls = append(urls, link)
	})
	collector.OnHTML(sel.next, func(h *colly.HTMLElement) {
		nextURL = h.Request.AbsoluteURL(h.Attr("href"))
	})

	var fetchErr error
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyError(r, err)
	})

	page := task.URL
	pages := 0
	for page != "" && pages < e.cfg.MaxPages {
		nextURL = ""
		fetchErr = nil
		if err := visit(ctx, collector, page); err != nil {
			fetchErr = classifyError(nil, err)
		}
		if fetchErr != nil {
			return failure(errorKind(fetchErr)), fetchErr
		}
		pages++
		page = nextURL
	}

	if len(urls) == 0 {
		err := fmt.Errorf("no property links extracted from %s", task.URL)
		return failure(scheduler.ErrorKindParsing), err
	}

	ref, err := e.writeURLList(task, urls)
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	e.logger.Info("listing scrape finished",
		zap.String("task_id", task.ID),
		zap.Int("pages", pages),
		zap.Int("urls", len(urls)),
		zap.String("output", ref),
	)
	return scheduler.Result{
		Success:             true,
		PropertiesExtracted: len(urls),
		OutputRef:           ref,
	}, nil
}

func (e *Executor) executeDetail(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	urls, err := readURLList(task.URL)
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	collector := e.newCollector()

	var current record
	var records []record
	collector.OnHTML("h1", func(h *colly.HTMLElement) {
		if current.Title == "" {
			current.Title = strings.TrimSpace(h.Text)
		}
	})
	collector.OnHTML("[class*='price'], [class*='precio']", func(h *colly.HTMLElement) {
		if current.Price == "" {
			current.Price = strings.TrimSpace(h.Text)
		}
	})
	collector.OnHTML("[class*='location'], [class*='ubicacion'], address", func(h *colly.HTMLElement) {
		if current.Location == "" {
			current.Location = strings.TrimSpace(h.Text)
		}
	})

	var fetchErr error
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = classifyError(r, err)
	})

	failed := 0
	for _, u := range urls {
		current = record{URL: u}
		fetchErr = nil
		if err := visit(ctx, collector, u); err != nil {
			fetchErr = classifyError(nil, err)
		}
		if fetchErr != nil {
			if ctx.Err() != nil {
				return failure(scheduler.ErrorKindNetwork), fetchErr
			}
			if errorKind(fetchErr) == scheduler.ErrorKindBlocked {
				return failure(scheduler.ErrorKindBlocked), fetchErr
			}
			failed++
			continue
		}
		records = append(records, current)
	}

	if len(records) == 0 {
		err := fmt.Errorf("all %d detail fetches failed", len(urls))
		return failure(scheduler.ErrorKindNetwork), err
	}

	ref, err := e.writeRecords(task, records)
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	e.logger.Info("detail scrape finished",
		zap.String("task_id", task.ID),
		zap.Int("records", len(records)),
		zap.Int("failed_urls", failed),
		zap.String("output", ref),
	)
	return scheduler.Result{
		Success:             true,
		PropertiesExtracted: len(records),
		OutputRef:           ref,
	}, nil
}

type record struct {
	URL      string
	Title    string
	Price    string
	Location string
}

func (e *Executor) newCollector() *colly.Collector {
	return e.base.Clone()
}

// visit runs one synchronous page fetch, racing it against the context so
// cancellation is observed between pages even mid-request.
func visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		err := collector.Visit(url)
		collector.Wait()
		done <- err
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}

func (e *Executor) writeURLList(task scheduler.Task, urls []string) (string, error) {
	path := e.outputPath(task, "urls")
	rows := make([][]string, 0, len(urls)+1)
	rows = append(rows, []string{"URL"})
	for _, u := range urls {
		rows = append(rows, []string{u})
	}
	return path, writeCSV(path, rows)
}

func (e *Executor) writeRecords(task scheduler.Task, records []record) (string, error) {
	path := e.outputPath(task, "properties")
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, []string{"URL", "Title", "Price", "Location"})
	for _, r := range records {
		rows = append(rows, []string{r.URL, r.Title, r.Price, r.Location})
	}
	return path, writeCSV(path, rows)
}

func (e *Executor) outputPath(task scheduler.Task, kind string) string {
	name := fmt.Sprintf("%s_%s_%s.csv", task.ID, kind, time.Now().UTC().Format("20060102_150405"))
	return filepath.Join(e.cfg.OutputDir, name)
}

func writeCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read url list %s: %w", path, err)
	}
	var urls []string
	for i, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		if i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "URL") {
			continue
		}
		urls = append(urls, strings.TrimSpace(row[0]))
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("url list %s is empty", path)
	}
	return urls, nil
}

func selectorsFor(site string) selectors {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(site), " ", "_"))
	if sel, ok := siteSelectors[key]; ok {
		return sel
	}
	return defaultSelectors
}

// blockedError marks responses where the site refused us rather than the
// network failing.
type blockedError struct {
	status int
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("blocked by site: http %d", e.status)
}

func classifyError(r *colly.Response, err error) error {
	if r != nil {
		switch r.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return &blockedError{status: r.StatusCode}
		}
	}
	return err
}

func errorKind(err error) scheduler.ErrorKind {
	var blocked *blockedError
	if errors.As(err, &blocked) {
		return scheduler.ErrorKindBlocked
	}
	return scheduler.ErrorKindNetwork
}

func failure(kind scheduler.ErrorKind) scheduler.Result {
	return scheduler.Result{Success: false, ErrorKind: kind}
}

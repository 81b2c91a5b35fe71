// Package chromedpexec implements the scrape executor with a headless
// browser, for sites that render listings with JavaScript.
package chromedpexec

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/esdata/propertyscraper/internal/scheduler"
)

// Config controls browser behavior.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// MaxPages bounds pagination per listing run.
	MaxPages int
	// OutputDir receives per-run CSV artifacts.
	OutputDir string
}

// Executor drives headless Chrome through chromedp. One browser process is
// shared; each page load gets its own tab context and timeout.
type Executor struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates the executor and its browser allocator.
func New(cfg Config, logger *zap.Logger) *Executor {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Executor{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Close shuts the browser allocator down.
func (e *Executor) Close() {
	e.allocCancel()
}

// Execute runs one scrape pass for the task with a rendered DOM.
func (e *Executor) Execute(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	switch task.Phase {
	case scheduler.PhaseDetail:
		return e.executeDetail(ctx, task)
	default:
		return e.executeListing(ctx, task)
	}
}

// extractLinksJS collects candidate property links from the rendered page.
const extractLinksJS = `Array.from(
  document.querySelectorAll("a[href*='propiedad'], a[href*='inmueble'], a[href*='detalle'], article a[href]")
).map(a => a.href).filter((v, i, arr) => v && arr.indexOf(v) === i)`

// nextPageJS resolves the pagination link, empty when on the last page.
const nextPageJS = `(() => {
  const a = document.querySelector("a[rel='next'], a.next, a[data-qa='PAGING_NEXT']");
  return a ? a.href : "";
})()`

func (e *Executor) executeListing(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	seen := make(map[string]struct{})
	var urls []string

	page := task.URL
	pages := 0
	for page != "" && pages < e.cfg.MaxPages {
		var links []string
		var next string
		err := e.render(ctx, page,
			chromedp.Evaluate(extractLinksJS, &links),
			chromedp.Evaluate(nextPageJS, &next),
		)
		if err != nil {
			return failure(scheduler.ErrorKindNetwork), fmt.Errorf("render %s: %w", page, err)
		}
		for _, link := range links {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			urls = append(urls, link)
		}
		pages++
		page = next
	}

	if len(urls) == 0 {
		err := fmt.Errorf("no property links extracted from %s", task.URL)
		return failure(scheduler.ErrorKindParsing), err
	}

	ref, err := e.writeCSV(task, "urls", [][]string{{"URL"}}, func(rows [][]string) [][]string {
		for _, u := range urls {
			rows = append(rows, []string{u})
		}
		return rows
	})
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	e.logger.Info("headless listing scrape finished",
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

// extractRecordJS pulls the fields a detail page is expected to expose.
const extractRecordJS = `(() => {
  const text = sel => {
    const el = document.querySelector(sel);
    return el ? el.textContent.trim() : "";
  };
  return [
    text("h1"),
    text("[class*='price'], [class*='precio']"),
    text("[class*='location'], [class*='ubicacion'], address"),
  ];
})()`

func (e *Executor) executeDetail(ctx context.Context, task scheduler.Task) (scheduler.Result, error) {
	urls, err := readURLList(task.URL)
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	rows := [][]string{{"URL", "Title", "Price", "Location"}}
	failed := 0
	for _, u := range urls {
		var fields []string
		if err := e.render(ctx, u, chromedp.Evaluate(extractRecordJS, &fields)); err != nil {
			if ctx.Err() != nil {
				return failure(scheduler.ErrorKindNetwork), fmt.Errorf("render %s: %w", u, err)
			}
			failed++
			continue
		}
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		rows = append(rows, []string{u, fields[0], fields[1], fields[2]})
	}

	if len(rows) == 1 {
		err := fmt.Errorf("all %d detail renders failed", len(urls))
		return failure(scheduler.ErrorKindNetwork), err
	}

	ref, err := e.writeCSV(task, "properties", rows[:1], func(out [][]string) [][]string {
		return append(out, rows[1:]...)
	})
	if err != nil {
		return failure(scheduler.ErrorKindParsing), err
	}

	e.logger.Info("headless detail scrape finished",
		zap.String("task_id", task.ID),
		zap.Int("records", len(rows)-1),
		zap.Int("failed_urls", failed),
		zap.String("output", ref),
	)
	return scheduler.Result{
		Success:             true,
		PropertiesExtracted: len(rows) - 1,
		OutputRef:           ref,
	}, nil
}

// render opens a fresh tab, navigates, waits for the DOM, and runs the
// extraction actions.
func (e *Executor) render(ctx context.Context, url string, extract ...chromedp.Action) error {
	tabCtx, tabCancel := chromedp.NewContext(e.allocator)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, e.cfg.NavigationTimeout)
	defer cancel()

	// Propagate caller cancellation into the tab.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	actions := []chromedp.Action{network.Enable()}
	if e.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(e.cfg.UserAgent))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
	)
	actions = append(actions, extract...)
	return chromedp.Run(tabCtx, actions...)
}

func (e *Executor) writeCSV(task scheduler.Task, kind string, header [][]string, fill func([][]string) [][]string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.csv", task.ID, kind, time.Now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.cfg.OutputDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(fill(header)); err != nil {
		f.Close()
		return "", fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close output file: %w", err)
	}
	return path, nil
}

func readURLList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read url list %s: %w", path, err)
	}
	var urls []string
	for i, row := range records {
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

func failure(kind scheduler.ErrorKind) scheduler.Result {
	return scheduler.Result{Success: false, ErrorKind: kind}
}

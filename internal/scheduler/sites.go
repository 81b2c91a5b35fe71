package scheduler

import (
	"strings"
	"time"
)

// SiteProfile captures the per-site scheduling knobs: walk order across the
// portal fleet and how often a completed scrape is re-armed.
type SiteProfile struct {
	Priority       int
	RescrapeEvery  time.Duration
	HasDetailPhase bool
}

const day = 24 * time.Hour

// siteProfiles mirrors the portal catalog: lower priority wins a lane first.
var siteProfiles = map[string]SiteProfile{
	"inmuebles24":      {Priority: 1, RescrapeEvery: 15 * day, HasDetailPhase: true},
	"casas_y_terrenos": {Priority: 2, RescrapeEvery: 7 * day},
	"lamudi":           {Priority: 3, RescrapeEvery: 10 * day, HasDetailPhase: true},
	"mitula":           {Priority: 4, RescrapeEvery: 14 * day},
	"propiedades":      {Priority: 5, RescrapeEvery: 21 * day},
	"trovit":           {Priority: 6, RescrapeEvery: 14 * day},
}

// defaultProfile applies to sites missing from the catalog.
var defaultProfile = SiteProfile{Priority: 10, RescrapeEvery: 30 * day}

// ProfileFor returns the scheduling profile for a site.
func ProfileFor(site string) SiteProfile {
	if p, ok := siteProfiles[normalizeKey(site)]; ok {
		return p
	}
	return defaultProfile
}

var slugFolder = strings.NewReplacer(
	" ", "_", "/", "_", "-", "_",
	"ñ", "n", "á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u",
)

func normalizeKey(s string) string {
	return slugFolder.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// TaskID derives the deterministic id slug from a spec's natural key.
func TaskID(spec TaskSpec) string {
	parts := []string{
		normalizeKey(spec.Site),
		normalizeKey(spec.State),
		normalizeKey(spec.City),
		normalizeKey(spec.Operation),
		normalizeKey(spec.Product),
	}
	id := strings.Join(parts, "_")
	if spec.Phase == PhaseDetail {
		id += "_detail"
	}
	return id
}

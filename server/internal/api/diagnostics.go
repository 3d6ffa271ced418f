package api

import (
	"fmt"
	"sort"
)

// DiagnosticHint is one human-readable insight about the dev session.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// File names the override or watched file the hint is about, if any.
	File string `json:"file,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from the override files, recent changes
// and connected client count. Hints are ordered critical first, then
// warnings, then info. An empty session yields a single "ok" hint.
func computeDiagnostics(overrides []OverrideResponse, changes []ChangeResponse, clients int) []DiagnosticHint {
	var hints []DiagnosticHint

	for _, o := range overrides {
		if o.Exists {
			continue
		}
		hints = append(hints, DiagnosticHint{
			Key:   "override_missing",
			Level: "critical",
			Title: "Override file missing",
			Detail: fmt.Sprintf(
				"%s is configured as an override but does not exist on disk. "+
					"Requests for %s return 404 until the file is built or created; "+
					"the production copy is never used as a fallback.",
				o.File, o.URL),
			File: o.File,
		})
	}

	for _, c := range changes {
		if c.Delivered > 0 {
			continue
		}
		hints = append(hints, DiagnosticHint{
			Key:   "change_undelivered",
			Level: "warning",
			Title: "Change not delivered",
			Detail: fmt.Sprintf(
				"The last change to %s reached no browser tab. "+
					"Reload messages are not queued, so a tab opened later still shows the previous build until refreshed.",
				c.File),
			File: c.File,
		})
	}

	if clients == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "no_clients",
			Level: "info",
			Title: "No browser connected",
			Detail: "No page is listening for hot-reload messages. " +
				"Open the portal through the proxy and load the override script to connect.",
		})
	}

	if len(hints) == 0 {
		return []DiagnosticHint{{
			Key:    "ok",
			Level:  "ok",
			Title:  "Ready",
			Detail: "All override files exist and every recent change reached at least one browser tab.",
		}}
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

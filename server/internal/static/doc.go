// Package static serves the local override files.
//
// Every request re-reads the file from disk and is answered with
// Cache-Control: no-cache, no-store, must-revalidate, so the browser always
// sees the current edit. A short dev banner is appended to stylesheets and
// scripts; scripts additionally get the hot-reload client agent bootstrap.
//
// A missing file is a 404 with a plain-text explanation. The upstream copy is
// never used as a fallback.
package static

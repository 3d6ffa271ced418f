// Package rewrite redirects production asset URLs in proxied HTML to their
// local equivalents.
//
// HTML(body, rules) is a pure function: every literal occurrence of each
// Rule.From is replaced with Rule.To. Rules must be disjoint and no To may
// contain any From, which makes the rewrite idempotent. Validate checks both.
//
// IsHTML reports whether a Content-Type header value names text/html.
package rewrite

// Package proxy is the reverse proxy core.
//
// Requests for override files are answered by the local handler; everything
// else is forwarded once to the upstream portal with the method, path, query,
// body and headers unchanged, the Host header set to the upstream host and
// X-Dev-Proxy: 1 added. Upstream failures become a 502 and are never retried.
//
// text/html responses are buffered in full, passed through rewrite.HTML and
// sent without Content-Length. gzip bodies are decoded first. Bodies larger
// than the rewrite cap, and encodings other than gzip, stream through
// untouched. All other responses are never buffered.
package proxy

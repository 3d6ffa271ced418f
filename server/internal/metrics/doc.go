// Package metrics keeps the proxy's in-process counters and renders them in
// the Prometheus text exposition format.
//
// Components ask a Registry for named counters at construction time. A nil
// *Registry hands out nil *Counter values and every Counter method is a no-op
// on nil, so tests can build components without metrics.
package metrics

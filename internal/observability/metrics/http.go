// Package metrics keeps in-process counters and latency histograms for
// the HTTP front door and outbound provider calls, and renders them in
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type providerKey struct {
	provider  string
	operation string
	outcome   string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu        sync.Mutex
	requests  map[requestKey]uint64
	errors    map[errorKey]uint64
	latency   map[latencyKey]*histogram
	provider  map[providerKey]uint64
	provLat   map[string]*histogram
	streamed  uint64
	streamErr uint64
}

var gatewayCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	provider: make(map[providerKey]uint64),
	provLat:  make(map[string]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	gatewayCollector.observeHTTP(handler, method, status, duration)
}

// ObserveProviderCall records the outcome and latency of one outbound
// provider call. operation is "chat", "stream" or "embed".
func ObserveProviderCall(provider, operation string, err error, duration time.Duration) {
	gatewayCollector.observeProvider(provider, operation, err, duration)
}

// ObserveStream records a finished streaming relay and whether it ended
// with an in-band error.
func ObserveStream(failed bool) {
	gatewayCollector.mu.Lock()
	defer gatewayCollector.mu.Unlock()
	gatewayCollector.streamed++
	if failed {
		gatewayCollector.streamErr++
	}
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeProvider(provider, operation string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.provider[providerKey{provider: provider, operation: operation, outcome: outcome}]++

	hist := c.provLat[provider]
	if hist == nil {
		hist = newHistogram()
		c.provLat[provider] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
	// 超过最大桶的样本只计入 +Inf（即 h.count）。
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, gatewayCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)

	type requestMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	builder.WriteString("# HELP llmgw_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE llmgw_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("llmgw_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	type errorMetric struct {
		errorKey
		value uint64
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	builder.WriteString("# HELP llmgw_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE llmgw_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("llmgw_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	type latencyMetric struct {
		labels  string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	renderHistogram := func(name string, metrics []latencyMetric) {
		builder.WriteString(fmt.Sprintf("# HELP %s Request duration in seconds.\n", name))
		builder.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		for _, metric := range metrics {
			for idx, bound := range metric.buckets {
				builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n",
					name, metric.labels, formatFloat(bound), metric.counts[idx]))
			}
			builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", name, metric.labels, metric.count))
			builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, metric.labels, formatFloat(metric.sum)))
			builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, metric.labels, metric.count))
		}
	}

	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			labels:  fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(key.handler), escape(key.method)),
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i].labels < lats[j].labels })
	renderHistogram("llmgw_http_request_duration_seconds", lats)

	type providerMetric struct {
		providerKey
		value uint64
	}
	provs := make([]providerMetric, 0, len(c.provider))
	for key, value := range c.provider {
		provs = append(provs, providerMetric{providerKey: key, value: value})
	}
	sort.Slice(provs, func(i, j int) bool {
		if provs[i].provider == provs[j].provider {
			if provs[i].operation == provs[j].operation {
				return provs[i].outcome < provs[j].outcome
			}
			return provs[i].operation < provs[j].operation
		}
		return provs[i].provider < provs[j].provider
	})
	builder.WriteString("# HELP llmgw_provider_calls_total Total number of outbound provider calls.\n")
	builder.WriteString("# TYPE llmgw_provider_calls_total counter\n")
	for _, metric := range provs {
		builder.WriteString(fmt.Sprintf("llmgw_provider_calls_total{provider=\"%s\",operation=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.provider), escape(metric.operation), escape(metric.outcome), metric.value))
	}

	provLats := make([]latencyMetric, 0, len(c.provLat))
	for provider, hist := range c.provLat {
		provLats = append(provLats, latencyMetric{
			labels:  fmt.Sprintf("provider=\"%s\"", escape(provider)),
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}
	sort.Slice(provLats, func(i, j int) bool { return provLats[i].labels < provLats[j].labels })
	renderHistogram("llmgw_provider_call_duration_seconds", provLats)

	builder.WriteString("# HELP llmgw_streams_total Total number of finished streaming relays.\n")
	builder.WriteString("# TYPE llmgw_streams_total counter\n")
	builder.WriteString(fmt.Sprintf("llmgw_streams_total %d\n", c.streamed))
	builder.WriteString("# HELP llmgw_stream_errors_total Total number of streams that ended with an in-band error.\n")
	builder.WriteString("# TYPE llmgw_stream_errors_total counter\n")
	builder.WriteString(fmt.Sprintf("llmgw_stream_errors_total %d\n", c.streamErr))

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

package stats

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultTimeout = 10 * time.Second

const prefix = "ovos_bus_"

// Summary is the condensed view of one scrape of the bus metrics.
type Summary struct {
	ScrapedAt time.Time

	ActiveConnections   float64
	ConnectionsAccepted float64
	ConnectionsRejected map[string]float64 // by reason
	FramesReceived      float64
	FramesRejected      map[string]float64 // by reason
	MessagesRelayed     map[string]float64 // by mode
	Deliveries          float64
	DeliveryFailures    float64
	IdleDisconnects     float64
	TLSCertNotAfter     time.Time // zero when the bus serves plain ws

	// Process-level figures, zero when the collectors are not exported.
	Goroutines          float64
	ResidentMemoryBytes float64
}

// Fetch scrapes url and summarizes the result. A nil client uses a default
// client with a 10s timeout.
func Fetch(ctx context.Context, client *http.Client, url string) (*Summary, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	mfs, err := fetchMetrics(ctx, client, url)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", url, err)
	}
	return Summarize(mfs), nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// Summarize condenses parsed families into a Summary.
func Summarize(mfs map[string]*dto.MetricFamily) *Summary {
	return &Summary{
		ScrapedAt:           time.Now().UTC(),
		ActiveConnections:   sumFamily(mfs[prefix+"active_connections"]),
		ConnectionsAccepted: sumFamily(mfs[prefix+"connections_accepted_total"]),
		ConnectionsRejected: byLabel(mfs[prefix+"connections_rejected_total"], "reason"),
		FramesReceived:      sumFamily(mfs[prefix+"frames_received_total"]),
		FramesRejected:      byLabel(mfs[prefix+"frames_rejected_total"], "reason"),
		MessagesRelayed:     byLabel(mfs[prefix+"messages_relayed_total"], "mode"),
		Deliveries:          sumFamily(mfs[prefix+"deliveries_total"]),
		DeliveryFailures:    sumFamily(mfs[prefix+"delivery_failures_total"]),
		IdleDisconnects:     sumFamily(mfs[prefix+"idle_disconnects_total"]),
		TLSCertNotAfter:     unixTime(sumFamily(mfs[prefix+"tls_cert_not_after_timestamp_seconds"])),
		Goroutines:          sumFamily(mfs["go_goroutines"]),
		ResidentMemoryBytes: sumFamily(mfs["process_resident_memory_bytes"]),
	}
}

// WriteTo prints the summary as aligned "name value" lines.
func (s *Summary) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	line := func(name string, v float64) { fmt.Fprintf(&b, "%-28s %g\n", name, v) }
	labelled := func(name string, m map[string]float64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line(name+"{"+k+"}", m[k])
		}
	}

	line("active_connections", s.ActiveConnections)
	line("connections_accepted", s.ConnectionsAccepted)
	labelled("connections_rejected", s.ConnectionsRejected)
	line("frames_received", s.FramesReceived)
	labelled("frames_rejected", s.FramesRejected)
	labelled("messages_relayed", s.MessagesRelayed)
	line("deliveries", s.Deliveries)
	line("delivery_failures", s.DeliveryFailures)
	line("idle_disconnects", s.IdleDisconnects)
	if !s.TLSCertNotAfter.IsZero() {
		fmt.Fprintf(&b, "%-28s %s\n", "tls_cert_not_after", s.TLSCertNotAfter.Format(time.RFC3339))
	}
	if s.Goroutines > 0 {
		line("goroutines", s.Goroutines)
	}
	if s.ResidentMemoryBytes > 0 {
		line("resident_memory_bytes", s.ResidentMemoryBytes)
	}

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil (metric not present in the scrape).
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += value(m)
	}
	return total
}

// byLabel sums mf per value of the named label.
func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
				break
			}
		}
		out[key] += value(m)
	}
	return out
}

func unixTime(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs), 0).UTC()
}

func value(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

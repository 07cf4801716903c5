// Package stats keeps the per-process connection counters.
package stats

import (
	"fmt"
	"html/template"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"
)

// Kind names one counter.
type Kind int

const (
	KindOpen Kind = iota
	KindRequest
	KindBadConn
	KindDenied
)

// Stats is safe for concurrent update from all workers. The atomic fields
// back the stats page; the prometheus counters mirror them for scraping.
type Stats struct {
	opens    atomic.Uint64
	requests atomic.Uint64
	badConns atomic.Uint64
	denied   atomic.Uint64

	promOpens    prometheus.Counter
	promRequests prometheus.Counter
	promBadConns prometheus.Counter
	promDenied   prometheus.Counter
}

func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		promOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinyproxy_connections_opened_total",
			Help: "Accepted client connections.",
		}),
		promRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinyproxy_requests_total",
			Help: "Successfully parsed and forwarded requests.",
		}),
		promBadConns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinyproxy_bad_connections_total",
			Help: "Connections dropped for protocol or upstream errors.",
		}),
		promDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tinyproxy_denied_total",
			Help: "Connections denied by ACL or filter policy.",
		}),
	}

	if reg != nil {
		reg.MustRegister(s.promOpens, s.promRequests, s.promBadConns, s.promDenied)
	}

	return s
}

func (s *Stats) Update(kind Kind) {
	switch kind {
	case KindOpen:
		s.opens.Add(1)
		s.promOpens.Inc()
	case KindRequest:
		s.requests.Add(1)
		s.promRequests.Inc()
	case KindBadConn:
		s.badConns.Add(1)
		s.promBadConns.Inc()
	case KindDenied:
		s.denied.Add(1)
		s.promDenied.Inc()
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Opens    uint64
	Requests uint64
	BadConns uint64
	Denied   uint64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Opens:    s.opens.Load(),
		Requests: s.requests.Load(),
		BadConns: s.badConns.Load(),
		Denied:   s.denied.Load(),
	}
}

var pageTemplate = template.Must(template.New("stats").Parse(`<html>
<head><title>{{.Package}} version {{.Version}} run-time statistics</title></head>
<body>
<h1>{{.Package}} version {{.Version}} run-time statistics</h1>
<table>
<tr><td>Number of opened connections</td><td>{{.Opens}}</td></tr>
<tr><td>Number of requests</td><td>{{.Requests}}</td></tr>
<tr><td>Number of bad connections</td><td>{{.BadConns}}</td></tr>
<tr><td>Number of denied connections</td><td>{{.Denied}}</td></tr>
</table>
</body>
</html>`))

type pageData struct {
	Package string
	Version string
	Snapshot
}

// Page renders the statistics page body.
func (s *Stats) Page(pkg, version string) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	data := pageData{Package: pkg, Version: version, Snapshot: s.Snapshot()}
	if err := pageTemplate.Execute(buf, data); err != nil {
		return nil, fmt.Errorf("fail to render stats page: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

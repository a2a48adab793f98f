package connectivity

import (
	"context"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/logging"
)

// Dialer opens a connection; net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober samples reachability by dialing a TCP address and feeds the result to a Monitor.
type Prober struct {
	monitor  *Monitor
	address  string
	interval time.Duration
	timeout  time.Duration
	dialer   Dialer
	logger   *zap.Logger
}

// NewProber creates a prober for address (host:port).
func NewProber(monitor *Monitor, address string, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		address:  address,
		interval: interval,
		timeout:  timeout,
		dialer:   &net.Dialer{},
		logger:   logging.OrNop(logger),
	}
}

// WithDialer replaces the dialer, for tests.
func (p *Prober) WithDialer(d Dialer) *Prober {
	p.dialer = d
	return p
}

// Probe dials once and reports the outcome.
func (p *Prober) Probe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.address)
	if err != nil {
		if ctx.Err() != nil {
			return p.monitor.IsOnline()
		}
		p.logger.Debug("probe failed", zap.String("address", p.address), zap.Error(err))
		p.monitor.Report(false)
		return false
	}
	conn.Close()
	p.monitor.Report(true)
	return true
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// AddressFromURL derives a host:port probe target from a base URL.
func AddressFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Port() != "" {
		return u.Host, true
	}
	port := "80"
	switch u.Scheme {
	case "https", "wss":
		port = "443"
	case "postgres", "postgresql":
		port = "5432"
	case "amqp":
		port = "5672"
	}
	return net.JoinHostPort(u.Hostname(), port), true
}

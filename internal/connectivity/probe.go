package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Prober reports online while a TCP connection to Address succeeds.
type Prober struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProber creates a prober with a 5s dial timeout.
func NewProber(address string, interval time.Duration) *Prober {
	d := &net.Dialer{}
	return &Prober{
		Address:  address,
		Interval: interval,
		Timeout:  5 * time.Second,
		Logger:   slog.Default(),
		dial:     d.DialContext,
	}
}

// Run implements Source. The first probe runs immediately.
func (p *Prober) Run(ctx context.Context, report func(bool)) error {
	if p.Address == "" {
		return errors.New("probe: address is required")
	}
	if p.Interval <= 0 {
		return errors.New("probe: interval must be positive")
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		report(p.probe(ctx))
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.Address)
	if err != nil {
		p.Logger.Debug("connectivity probe failed", "address", p.Address, "error", err)
		return false
	}
	conn.Close()
	return true
}

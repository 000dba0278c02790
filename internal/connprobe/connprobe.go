// Package connprobe discovers the public IP address this emulator should
// report to trackers, trying a list of third-party echo services in turn
// and caching the result until a manual refresh.
package connprobe

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haldorn/torsim/internal/logging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoProviderReachable is returned when every provider in the list
// failed to answer.
var ErrNoProviderReachable = errors.New("no public IP provider reachable")

// DefaultProviders mirrors the teacher's fallback chain: public services
// that reply with the caller's IP as plain text.
var DefaultProviders = []string{
	"https://api.ipify.org",
	"http://myexternalip.com/raw",
	"http://ipinfo.io/ip",
	"http://ipecho.net/plain",
	"http://icanhazip.com",
	"http://ifconfig.me/ip",
	"http://ident.me",
	"http://checkip.amazonaws.com",
}

// Prober discovers and caches the public IP, refreshing it on demand.
type Prober struct {
	providers []string
	client    *http.Client

	mu  sync.RWMutex
	ip  net.IP
}

// New builds a Prober over the given providers (DefaultProviders if nil).
func New(providers []string) *Prober {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	return &Prober{
		providers: providers,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// IP returns the most recently discovered public IP, or nil if Refresh
// has never succeeded.
func (p *Prober) IP() net.IP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ip
}

// Refresh queries providers in order until one answers with a parseable
// IP, caching and returning it. It returns ErrNoProviderReachable if none
// do.
func (p *Prober) Refresh(ctx context.Context) (net.IP, error) {
	logger := logging.GetLogger()
	for _, providerURL := range p.providers {
		ip, err := p.query(ctx, providerURL)
		if err != nil {
			logger.Debug("connprobe: provider failed", zap.String("provider", providerURL), zap.Error(err))
			continue
		}
		p.mu.Lock()
		p.ip = ip
		p.mu.Unlock()
		logger.Info("connprobe: public IP discovered", zap.String("ip", ip.String()), zap.String("provider", providerURL))
		return ip, nil
	}
	return nil, ErrNoProviderReachable
}

func (p *Prober) query(ctx context.Context, providerURL string) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, errors.Errorf("response is not a valid IP: %q", strings.TrimSpace(string(body)))
	}
	return ip, nil
}

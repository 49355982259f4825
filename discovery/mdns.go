package discovery

import (
	"context"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service a chat gateway announces.
	DefaultService = "_thesischat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the highest TXT protocol version this client speaks.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultScheme is used when a gateway does not publish one.
	DefaultScheme = "wss"
	// DefaultPath is used when a gateway does not publish one.
	DefaultPath = "/chat"
)

const (
	txtScheme  = "scheme"
	txtPath    = "path"
	txtVersion = "version"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls gateway discovery.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration
	Logger      *zap.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

func defaultBrowse() (browseFunc, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return resolver.Browse, nil
}

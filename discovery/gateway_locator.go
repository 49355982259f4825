package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"thesischat/logging"
)

// ErrNoGateway indicates a scan window ended without a usable gateway.
var ErrNoGateway = errors.New("discovery: no chat gateway found")

// Gateway is one chat endpoint announced on the local network.
type Gateway struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []string
	Scheme    string
	Path      string
	Version   int
}

// URL returns the gateway's chat endpoint, e.g. wss://10.0.0.2:8443/chat.
func (g Gateway) URL() string {
	host := strings.TrimSuffix(g.HostName, ".")
	if len(g.Addresses) > 0 {
		host = g.Addresses[0]
	}
	if g.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(g.Port))
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	u := url.URL{Scheme: g.Scheme, Host: host, Path: g.Path}
	return u.String()
}

// Locator finds chat gateways with mDNS browse operations.
type Locator struct {
	cfg    Config
	browse browseFunc
	logger *zap.Logger
}

// NewLocator creates a locator with config defaults applied.
func NewLocator(config Config) (*Locator, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		var err error
		browse, err = defaultBrowse()
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
	}

	return &Locator{
		cfg:    cfg,
		browse: browse,
		logger: logging.OrNop(cfg.Logger).Named("discovery"),
	}, nil
}

// Scan browses for one scan window and returns every gateway seen, sorted by instance name.
func (l *Locator) Scan(ctx context.Context) ([]Gateway, error) {
	return l.collect(ctx, false)
}

// Locate returns the endpoint URL of the first gateway that answers.
func (l *Locator) Locate(ctx context.Context) (string, error) {
	gateways, err := l.collect(ctx, true)
	if err != nil {
		return "", err
	}
	if len(gateways) == 0 {
		return "", ErrNoGateway
	}

	endpoint := gateways[0].URL()
	l.logger.Info("chat gateway discovered",
		zap.String("instance", gateways[0].Instance),
		zap.String("endpoint", endpoint),
	)
	return endpoint, nil
}

func (l *Locator) collect(ctx context.Context, stopAtFirst bool) ([]Gateway, error) {
	scanCtx, cancel := context.WithTimeout(ctx, l.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Gateway)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				gateway, ok := parseEntry(entry, l.cfg.Version)
				if !ok {
					l.logger.Debug("ignoring mDNS entry", zap.String("instance", entry.Instance))
					continue
				}
				collectedMu.Lock()
				collected[gateway.Instance] = gateway
				collectedMu.Unlock()
				if stopAtFirst {
					cancel()
					return
				}
			}
		}
	}()

	if err := l.browse(scanCtx, l.cfg.Service, l.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", l.cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// The caller's own cancellation is an error; the scan window ending is not.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()

	out := make([]Gateway, 0, len(collected))
	for _, gateway := range collected {
		out = append(out, gateway)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, maxVersion int) (Gateway, bool) {
	txt := txtToMap(entry.Text)

	version := DefaultVersion
	if raw := txt[txtVersion]; raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return Gateway{}, false
		}
		version = parsed
	}
	if version > maxVersion {
		return Gateway{}, false
	}

	scheme := strings.ToLower(txt[txtScheme])
	switch scheme {
	case "":
		scheme = DefaultScheme
	case "ws", "wss":
	default:
		return Gateway{}, false
	}

	path := txt[txtPath]
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 first, then lexical.
	sort.SliceStable(addresses, func(i, j int) bool {
		a4 := net.ParseIP(addresses[i]).To4() != nil
		b4 := net.ParseIP(addresses[j]).To4() != nil
		if a4 != b4 {
			return a4
		}
		return addresses[i] < addresses[j]
	})

	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Gateway{}, false
	}

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = strings.TrimSuffix(entry.HostName, ".")
	}

	return Gateway{
		Instance:  instance,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Scheme:    scheme,
		Path:      path,
		Version:   version,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

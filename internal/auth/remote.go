package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/errcode"
)

const (
	// remoteRefreshAge is how long fetched JWKS material is served before a
	// background re-fetch is scheduled.
	remoteRefreshAge = time.Hour

	retryBaseInterval = 5 * time.Second
	retryMaxInterval  = 60 * time.Second
)

// RemoteCollector fetches verification keys from a JWKS endpoint. Keys are
// cached and served stale while refreshes run in the background; only a
// collector that has never fetched successfully reports an error.
type RemoteCollector struct {
	log       zerolog.Logger
	url       string
	client    *http.Client
	retryBase time.Duration
	retryMax  time.Duration

	fetchMu sync.Mutex

	mu         sync.Mutex
	keys       []Key
	lastFetch  time.Time
	refreshing bool

	stopRetry chan struct{}
	retryDone chan struct{}
	retryOn   bool
}

func NewRemoteCollector(url string, log zerolog.Logger) *RemoteCollector {
	return &RemoteCollector{
		log: log.With().Str("component", "auth").Str("jwks_url", url).Logger(),
		url: url,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: publicOnlyTransport(),
		},
		retryBase: retryBaseInterval,
		retryMax:  retryMaxInterval,
	}
}

// Keys serves the cached key set. The first call fetches inline; afterwards
// stale material is served as-is while a refresh runs in the background.
func (c *RemoteCollector) Keys(ctx context.Context) ([]Key, error) {
	c.mu.Lock()
	keys, last := c.keys, c.lastFetch
	c.mu.Unlock()

	if last.IsZero() {
		if err := c.Refresh(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		keys = c.keys
		c.mu.Unlock()
		return keys, nil
	}
	if time.Since(last) >= remoteRefreshAge {
		c.refreshLater()
	}
	return keys, nil
}

// Refresh fetches the endpoint now. Concurrent callers coalesce on a fetch
// completed within the last minute rather than stampeding the endpoint.
func (c *RemoteCollector) Refresh(ctx context.Context) error {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	c.mu.Lock()
	recent := !c.lastFetch.IsZero() && time.Since(c.lastFetch) < time.Minute
	c.mu.Unlock()
	if recent {
		return nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		return errcode.Newf(errcode.CodeJWKSFetchFailed, "fetch %s: %v", c.url, err)
	}

	c.mu.Lock()
	c.keys, c.lastFetch = keys, time.Now()
	c.mu.Unlock()
	c.log.Debug().Int("keys", len(keys)).Msg("jwks refreshed")
	return nil
}

// Ready reports whether at least one fetch has succeeded.
func (c *RemoteCollector) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.lastFetch.IsZero()
}

func (c *RemoteCollector) refreshLater() {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.refreshing = false
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("jwks refresh failed, serving stale keys")
		}
	}()
}

func (c *RemoteCollector) fetch(ctx context.Context) ([]Key, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make([]Key, 0, len(doc.Keys))
	for _, j := range doc.Keys {
		if j.Use != "" && j.Use != "sig" {
			continue
		}
		k, err := ParseJWK(j)
		if err != nil {
			c.log.Warn().Err(err).Str("kid", j.KID).Msg("skipping unparsable jwk")
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// StartBackgroundRetry re-fetches until the first success, so an endpoint
// unreachable during startup does not leave the collector empty forever.
// Idempotent: a second call while a retry cycle is running is a no-op.
func (c *RemoteCollector) StartBackgroundRetry() {
	c.mu.Lock()
	if c.retryOn {
		c.mu.Unlock()
		return
	}
	c.stopRetry = make(chan struct{})
	c.retryDone = make(chan struct{})
	c.retryOn = true
	stop, done := c.stopRetry, c.retryDone
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.retryOn = false
			c.mu.Unlock()
			close(done)
		}()

		interval := c.retryBase
		for {
			if c.Ready() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := c.Refresh(ctx)
			cancel()
			if err == nil {
				c.log.Info().Msg("jwks endpoint reachable, collector ready")
				return
			}
			c.log.Warn().Err(err).Dur("retry_in", interval).Msg("jwks fetch failed")

			select {
			case <-time.After(interval):
				interval *= 2
				if interval > c.retryMax {
					interval = c.retryMax
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopBackgroundRetry stops the retry goroutine and waits for it to exit.
func (c *RemoteCollector) StopBackgroundRetry() {
	c.mu.Lock()
	running := c.retryOn
	stop, done := c.stopRetry, c.retryDone
	c.mu.Unlock()
	if !running {
		return
	}
	close(stop)
	<-done
}

// publicOnlyTransport dials only public unicast addresses. JWKS URLs come
// from operator configuration, so a hostname resolving into a private or
// loopback range is refused rather than fetched.
func publicOnlyTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !publicIP(ip) {
					return nil, fmt.Errorf("refusing to dial %s: %s is not a public address", host, ip)
				}
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
}

func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified())
}

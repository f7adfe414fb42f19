// Package disposable screens email domains against a public list of known
// throwaway email providers.
package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist holds the set of disposable email domains. The list is fetched
// lazily on first use and cached for the lifetime of the process; Run
// refreshes it periodically. If the initial fetch fails, subsequent calls
// retry until the list loads.
type Blocklist struct {
	url     string
	enabled bool
	logger  zerolog.Logger

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  bool
}

// NewBlocklist creates a blocklist backed by the list at url. If enabled is
// false, IsBlocked always reports false without fetching anything.
func NewBlocklist(url string, enabled bool, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		logger:  logger.With().Str("component", "disposable").Logger(),
	}
}

// IsBlocked reports whether the domain appears on the disposable provider
// list, loading the list first if needed.
func (b *Blocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	b.mu.RLock()
	if b.loaded {
		_, blocked := b.domains[strings.ToLower(domain)]
		b.mu.RUnlock()
		return blocked, nil
	}
	b.mu.RUnlock()

	if err := b.refresh(ctx, false); err != nil {
		return false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.domains[strings.ToLower(domain)]
	return blocked, nil
}

// Prefetch loads the list eagerly so the first registration does not pay the
// fetch latency. Failures are logged; IsBlocked will retry later.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}
	if err := b.refresh(ctx, false); err != nil {
		b.logger.Warn().Err(err).Msg("Prefetching disposable email blocklist failed")
	}
}

// Run prefetches the list and then refreshes it at the given interval until
// the context is cancelled. A failed refresh keeps the previous list.
func (b *Blocklist) Run(ctx context.Context, interval time.Duration) {
	if !b.enabled {
		return
	}
	b.Prefetch(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refresh(ctx, true); err != nil {
				b.logger.Warn().Err(err).Msg("Refreshing disposable email blocklist failed")
			}
		}
	}
}

// refresh fetches the list and swaps it in. When force is false a loaded list
// is kept as is, so concurrent lazy loaders fetch at most once.
func (b *Blocklist) refresh(ctx context.Context, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded && !force {
		return nil
	}

	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return fmt.Errorf("load disposable email blocklist: %w", err)
	}

	b.domains = domains
	b.loaded = true
	b.logger.Debug().Int("domains", len(domains)).Msg("Disposable email blocklist loaded")
	return nil
}

func fetchDomains(ctx context.Context, url string) (map[string]struct{}, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blocklist request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	return domains, nil
}

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadpulse/leadpulse/internal/store"
)

// adapterTTL bounds how long a resolved adapter (and its credentials) is
// reused before the channel record is re-read.
const adapterTTL = 5 * time.Minute

// Factory resolves the Adapter for a (tenant, campaign) pair. Adapters are
// cached per key so credential reads don't sit on the webhook hot path, and
// never shared across keys.
type Factory struct {
	channels store.ChannelStore
	baseURL  string

	mu    sync.RWMutex
	cache map[string]cachedAdapter
}

type cachedAdapter struct {
	adapter  Adapter
	resolved time.Time
}

func NewFactory(channels store.ChannelStore) *Factory {
	return &Factory{
		channels: channels,
		cache:    make(map[string]cachedAdapter),
	}
}

// WithBaseURL points built adapters at an alternate API endpoint (tests).
func (f *Factory) WithBaseURL(u string) *Factory {
	f.baseURL = u
	return f
}

func cacheKey(tenantID, campaignID string) string {
	return tenantID + "/" + campaignID
}

// Resolve returns the adapter for the pair, building it from the channel
// record on a cache miss.
func (f *Factory) Resolve(ctx context.Context, tenantID, campaignID string) (Adapter, error) {
	key := cacheKey(tenantID, campaignID)

	f.mu.RLock()
	if c, ok := f.cache[key]; ok && time.Since(c.resolved) < adapterTTL {
		f.mu.RUnlock()
		return c.adapter, nil
	}
	f.mu.RUnlock()

	ch, err := f.channels.Get(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", key, err)
	}

	adapter, err := f.build(*ch)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = cachedAdapter{adapter: adapter, resolved: time.Now()}
	f.mu.Unlock()

	return adapter, nil
}

// Invalidate drops a cached adapter, forcing a credential re-read.
func (f *Factory) Invalidate(tenantID, campaignID string) {
	f.mu.Lock()
	delete(f.cache, cacheKey(tenantID, campaignID))
	f.mu.Unlock()
}

func (f *Factory) build(ch store.CampaignChannel) (Adapter, error) {
	switch ch.Provider {
	case ProviderWhatsAppCloud, "":
		a := NewWhatsAppAdapter(ch)
		if f.baseURL != "" {
			a = a.WithBaseURL(f.baseURL)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown provider %q for tenant %s", ch.Provider, ch.TenantID)
	}
}

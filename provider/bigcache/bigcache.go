// Package bigcache adapts BigCache to provider.Provider. Entries expire
// after the global LifeWindow; per-entry TTLs and costs are ignored.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/syncache/provider"
)

// bigcache prefixes every entry with a timestamp, a hash and a key length.
const entryOverhead = 8 + 8 + 2

var _ provider.Provider = (*Provider)(nil)

type Provider struct {
	c *bc.BigCache
	// maxEntry is the largest key+value a shard can hold; 0 = unbounded.
	maxEntry int
}

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	Shards             int // power of two; 0 = bigcache default
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.Shards > 0 {
		conf.Shards = cfg.Shards
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	p := &Provider{}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
		p.maxEntry = cfg.HardMaxCacheSizeMB*1024*1024/conf.Shards - entryOverhead
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	p.c = c
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

// Set reports ok=false for frames too large for a shard instead of
// failing, so the spill tier counts them as rejected.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if p.maxEntry > 0 && len(key)+len(value) > p.maxEntry {
		return false, nil
	}
	return true, p.c.Set(key, value)
}

func (p *Provider) Del(_ context.Context, key string) error {
	if err := p.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}

// Len returns the number of spilled frames held.
func (p *Provider) Len() int { return p.c.Len() }

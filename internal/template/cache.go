package template

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/manpreetbhatti/codelattice/internal/codec"
	"github.com/manpreetbhatti/codelattice/internal/store"
)

const (
	keyPrefix = "template:"

	DefaultMemoryCapacity = 64
	DefaultMemoryTTL      = 10 * time.Minute
	DefaultDurableTTL     = time.Hour

	backfillTimeout = 30 * time.Second
	loadTimeout     = 30 * time.Second
)

// Key returns the durable store key for a framework's template.
func Key(framework string) string {
	return keyPrefix + framework
}

type Options struct {
	MemoryCapacity int
	MemoryTTL      time.Duration
	DurableTTL     time.Duration
	Codec          codec.Codec
	Logger         *slog.Logger
}

// Stats counts where Fetch calls were served from.
type Stats struct {
	MemoryHits     uint64 `json:"memory_hits"`
	DurableHits    uint64 `json:"durable_hits"`
	DiskReads      uint64 `json:"disk_reads"`
	BackfillErrors uint64 `json:"backfill_errors"`
}

// Cache reads templates through memory, the durable store and disk.
type Cache struct {
	memory     *expirable.LRU[string, Files]
	kv         store.KV
	disk       *Disk
	codec      codec.Codec
	durableTTL time.Duration
	log        *slog.Logger

	// collapses concurrent cold reads of one framework into a single walk
	loads singleflight.Group

	backfills sync.WaitGroup

	memoryHits     atomic.Uint64
	durableHits    atomic.Uint64
	diskReads      atomic.Uint64
	backfillErrors atomic.Uint64
}

func NewCache(kv store.KV, disk *Disk, opts Options) *Cache {
	if opts.MemoryCapacity <= 0 {
		opts.MemoryCapacity = DefaultMemoryCapacity
	}
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = DefaultMemoryTTL
	}
	if opts.DurableTTL <= 0 {
		opts.DurableTTL = DefaultDurableTTL
	}
	if opts.Codec == nil {
		opts.Codec = codec.Zstd()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		memory:     expirable.NewLRU[string, Files](opts.MemoryCapacity, nil, opts.MemoryTTL),
		kv:         kv,
		disk:       disk,
		codec:      opts.Codec,
		durableTTL: opts.DurableTTL,
		log:        opts.Logger.With("component", "template"),
	}
}

// Fetch returns the template for framework. An unknown framework is
// ErrUnsupportedFramework; durable store failures fall through to disk.
// A cold read shared by concurrent callers is not cut short when one of
// them gives up.
func (c *Cache) Fetch(ctx context.Context, framework string) (Files, error) {
	framework = strings.ToLower(strings.TrimSpace(framework))
	if _, err := c.disk.root(framework); err != nil {
		return nil, err
	}

	if files, ok := c.memory.Get(framework); ok {
		c.memoryHits.Add(1)
		return files, nil
	}

	ch := c.loads.DoChan(framework, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return c.load(loadCtx, framework)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Files), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, framework string) (Files, error) {
	// another caller may have filled memory while we waited on the group
	if files, ok := c.memory.Get(framework); ok {
		c.memoryHits.Add(1)
		return files, nil
	}

	if files, ok := c.fromDurable(ctx, framework); ok {
		c.durableHits.Add(1)
		c.memory.Add(framework, files)
		return files, nil
	}

	files, err := c.disk.Read(ctx, framework)
	if err != nil {
		return nil, err
	}
	c.diskReads.Add(1)
	c.log.Info("template read from disk", "framework", framework, "files", len(files))

	c.memory.Add(framework, files)
	c.backfill(ctx, framework, files)
	return files, nil
}

func (c *Cache) fromDurable(ctx context.Context, framework string) (Files, bool) {
	blob, err := c.kv.Get(ctx, Key(framework))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("durable template read failed", "framework", framework, "err", err)
		return nil, false
	}

	var files Files
	if err := codec.Unpack(c.codec, blob, &files); err != nil {
		c.log.Warn("durable template corrupt", "framework", framework, "err", err)
		return nil, false
	}
	return files, true
}

// backfill writes files to the durable tier without holding up the caller.
func (c *Cache) backfill(ctx context.Context, framework string, files Files) {
	c.backfills.Add(1)
	go func() {
		defer c.backfills.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backfillTimeout)
		defer cancel()

		blob, err := codec.Pack(c.codec, files)
		if err == nil {
			err = c.kv.SetEx(ctx, Key(framework), blob, c.durableTTL)
		}
		if err != nil {
			c.backfillErrors.Add(1)
			c.log.Error("template backfill failed", "framework", framework, "err", err)
			return
		}
		c.log.Debug("template backfilled", "framework", framework, "bytes", len(blob))
	}()
}

// Wait blocks until in-flight background writes finish.
func (c *Cache) Wait() {
	c.backfills.Wait()
}

func (c *Cache) Frameworks() []string {
	return c.disk.Frameworks()
}

func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:     c.memoryHits.Load(),
		DurableHits:    c.durableHits.Load(),
		DiskReads:      c.diskReads.Load(),
		BackfillErrors: c.backfillErrors.Load(),
	}
}

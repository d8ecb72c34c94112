package item

import (
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/wesleyorama2/stowload/internal/step/faults"
)

// NamingType identifies how new item names are produced.
type NamingType string

const (
	// NamingSerial names items prefix + counter in the configured radix.
	// Serial names are reproducible, so a later step can address the same
	// items without an item records file.
	NamingSerial NamingType = "serial"

	// NamingRandom names items with random UUIDs.
	NamingRandom NamingType = "random"
)

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	Naming    NamingType
	Prefix    string
	Radix     int
	Start     int64
	Size      int64
	LayerSize int64
}

// Factory is an infinite Input of new items.
type Factory struct {
	cfg     FactoryConfig
	mu      sync.Mutex
	counter int64
}

// NewFactory validates cfg and returns a factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Naming == "" {
		cfg.Naming = NamingSerial
	}
	if cfg.Naming != NamingSerial && cfg.Naming != NamingRandom {
		return nil, faults.Configf("item.naming.type", "unknown naming type: %s", cfg.Naming)
	}
	if cfg.Radix == 0 {
		cfg.Radix = 36
	}
	if cfg.Radix < 2 || cfg.Radix > 36 {
		return nil, faults.Configf("item.naming.radix", "radix must be in [2, 36], got %d", cfg.Radix)
	}
	if cfg.Start < 0 {
		return nil, faults.Configf("item.naming.offset", "naming offset must be >= 0")
	}
	if cfg.Size < 0 {
		return nil, faults.Configf("item.data.size", "item data size must be >= 0")
	}
	if cfg.LayerSize <= 0 {
		return nil, faults.Configf("item.data.input.layer.size", "layer size must be > 0")
	}

	return &Factory{cfg: cfg, counter: cfg.Start}, nil
}

// Next returns a new item. It never returns io.EOF.
func (f *Factory) Next() (Item, error) {
	var name string
	switch f.cfg.Naming {
	case NamingRandom:
		name = f.cfg.Prefix + uuid.NewString()
	default:
		f.mu.Lock()
		n := f.counter
		f.counter++
		f.mu.Unlock()
		name = f.cfg.Prefix + strconv.FormatInt(n, f.cfg.Radix)
	}

	return Item{
		Name:   name,
		Offset: contentOffset(name, f.cfg.LayerSize),
		Size:   f.cfg.Size,
	}, nil
}

// Close implements io.Closer.
func (f *Factory) Close() error {
	return nil
}

// contentOffset derives the item's content offset from its name so that the
// same name always addresses the same content.
func contentOffset(name string, layerSize int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() % uint64(layerSize))
}

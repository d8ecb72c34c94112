// Package data provides the deterministic synthetic content used as item
// payloads.
//
// Content is organised in fixed-size layers. Layer n is a pure function of
// the seed and n, so the expected bytes of any item can be recomputed at
// verification time without retaining the original payload. Generated
// layers are kept in a bounded FIFO cache.
package data

import (
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wesleyorama2/stowload/internal/step/faults"
)

// DefaultSeed is the seed used when none is configured.
const DefaultSeed = "7a42d9c483244167"

// Source is a seeded, layered content generator with a bounded layer cache.
//
// # Thread Safety
//
// Source is safe for concurrent use. Generation of a missing layer happens
// outside the cache lock, so reads of other layers are never blocked by it;
// concurrent requests for the same missing layer wait for a single
// generation.
type Source struct {
	seed        uint64
	layerSize   int64
	cacheLayers int

	mu     sync.Mutex
	layers map[int]*layerEntry
	order  []int // creation order, oldest first

	generated atomic.Int64
	evictions atomic.Int64
}

type layerEntry struct {
	ready chan struct{}
	data  []byte
}

// Stats describes the cache state of a Source.
type Stats struct {
	CachedLayers int   `json:"cachedLayers"`
	Generated    int64 `json:"generated"`
	Evictions    int64 `json:"evictions"`
}

// New creates a content source.
//
// Parameters:
//   - seed: hexadecimal 64-bit seed, e.g. "7a42d9c483244167"
//   - layerSize: size of each content layer in bytes (must be > 0)
//   - cacheLayers: maximum number of layers kept in memory (must be > 0)
func New(seed string, layerSize int64, cacheLayers int) (*Source, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(seed)), "0x")
	if s == "" {
		return nil, faults.Configf("item.data.input.seed", "seed is required")
	}
	seedVal, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return nil, faults.Configf("item.data.input.seed", "invalid hexadecimal seed %q", seed)
	}
	if layerSize <= 0 {
		return nil, faults.Configf("item.data.input.layer.size", "layer size must be > 0, got %d", layerSize)
	}
	if cacheLayers <= 0 {
		return nil, faults.Configf("item.data.input.layer.cache", "layer cache size must be > 0, got %d", cacheLayers)
	}

	return &Source{
		seed:        seedVal,
		layerSize:   layerSize,
		cacheLayers: cacheLayers,
		layers:      make(map[int]*layerEntry, cacheLayers),
		order:       make([]int, 0, cacheLayers),
	}, nil
}

// LayerSize returns the layer size in bytes.
func (s *Source) LayerSize() int64 {
	return s.layerSize
}

// Layer returns the bytes of layer index. The returned slice is shared and
// must not be modified.
func (s *Source) Layer(index int) ([]byte, error) {
	if index < 0 {
		return nil, &faults.ContentAddressError{Layer: index, LayerSize: s.layerSize}
	}

	s.mu.Lock()
	entry, ok := s.layers[index]
	if ok {
		s.mu.Unlock()
		<-entry.ready
		return entry.data, nil
	}

	entry = &layerEntry{ready: make(chan struct{})}
	if len(s.order) >= s.cacheLayers {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.layers, oldest)
		s.evictions.Add(1)
	}
	s.layers[index] = entry
	s.order = append(s.order, index)
	s.mu.Unlock()

	entry.data = generateLayer(s.seed, index, s.layerSize)
	s.generated.Add(1)
	close(entry.ready)

	return entry.data, nil
}

// Fill copies len(buf) bytes of layer content starting at offset into buf.
// The layer is treated as a ring: reads past its end continue from its start.
func (s *Source) Fill(buf []byte, layer int, offset int64) error {
	if offset < 0 || offset >= s.layerSize || layer < 0 {
		return &faults.ContentAddressError{Layer: layer, Offset: offset, LayerSize: s.layerSize}
	}
	content, err := s.Layer(layer)
	if err != nil {
		return err
	}
	ringCopy(buf, content, offset)
	return nil
}

// Stats returns the cache statistics.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	cached := len(s.layers)
	s.mu.Unlock()

	return Stats{
		CachedLayers: cached,
		Generated:    s.generated.Load(),
		Evictions:    s.evictions.Load(),
	}
}

// Cached reports whether layer index is currently in the cache.
func (s *Source) Cached(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.layers[index]
	return ok
}

func ringCopy(dst, layer []byte, offset int64) {
	pos := int(offset)
	for n := 0; n < len(dst); {
		c := copy(dst[n:], layer[pos:])
		n += c
		pos = 0
	}
}

// generateLayer produces layer index for seed. It depends on nothing else,
// which keeps content reproducible whatever the cache policy.
func generateLayer(seed uint64, index int, size int64) []byte {
	buf := make([]byte, size)
	x := splitMix64(seed ^ (uint64(index) * 0x9e3779b97f4a7c15))
	if x == 0 {
		x = 0x9e3779b97f4a7c15
	}

	var word [8]byte
	for i := int64(0); i < size; i += 8 {
		x ^= x >> 12
		x ^= x << 25
		x ^= x >> 27
		binary.LittleEndian.PutUint64(word[:], x*0x2545f4914f6cdd1d)
		copy(buf[i:], word[:])
	}
	return buf
}

func splitMix64(v uint64) uint64 {
	v += 0x9e3779b97f4a7c15
	v = (v ^ (v >> 30)) * 0xbf58476d1ce4e5b9
	v = (v ^ (v >> 27)) * 0x94d049bb133111eb
	return v ^ (v >> 31)
}

// Package item provides the units of work of a load step: items, item
// inputs and the item records output.
package item

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Item is a named data object with a size and a content address.
//
// Offset is the item's starting offset inside its content layer and Layer is
// the content layer index. Items are values; an update produces a new Item.
type Item struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Layer  int    `json:"layer"`
}

// NextLayer returns a copy of the item moved to the next content layer.
func (it Item) NextLayer() Item {
	it.Layer++
	return it
}

// Record returns the item's record line: name,offset(hex),size,layer.
func (it Item) Record() string {
	return fmt.Sprintf("%s,%x,%d,%d", it.Name, it.Offset, it.Size, it.Layer)
}

// ParseRecord parses a record line produced by Record.
func ParseRecord(line string) (Item, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 4 {
		return Item{}, fmt.Errorf("invalid item record %q: expected 4 fields, got %d", line, len(parts))
	}

	offset, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return Item{}, fmt.Errorf("invalid item record %q: bad offset: %w", line, err)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("invalid item record %q: bad size: %w", line, err)
	}
	layer, err := strconv.Atoi(parts[3])
	if err != nil {
		return Item{}, fmt.Errorf("invalid item record %q: bad layer: %w", line, err)
	}

	return Item{Name: parts[0], Offset: offset, Size: size, Layer: layer}, nil
}

// Input is a sequence of items. Next returns io.EOF once exhausted.
type Input interface {
	Next() (Item, error)
	io.Closer
}

// RecordSink receives one record per processed item.
type RecordSink interface {
	Append(it Item) error
	io.Closer
}

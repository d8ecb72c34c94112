package item

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// FileInput reads item records from a file, one per line.
type FileInput struct {
	f       *os.File
	scanner *bufio.Scanner
	line    int
}

// OpenFileInput opens an item records file for reading.
func OpenFileInput(path string) (*FileInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open items input file: %w", err)
	}
	return &FileInput{f: f, scanner: bufio.NewScanner(f)}, nil
}

// Next implements Input.
func (in *FileInput) Next() (Item, error) {
	for in.scanner.Scan() {
		in.line++
		line := strings.TrimSpace(in.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		it, err := ParseRecord(line)
		if err != nil {
			return Item{}, fmt.Errorf("line %d: %w", in.line, err)
		}
		return it, nil
	}
	if err := in.scanner.Err(); err != nil {
		return Item{}, err
	}
	return Item{}, io.EOF
}

// Close implements io.Closer.
func (in *FileInput) Close() error {
	return in.f.Close()
}

// FileOutput appends item records to a file.
type FileOutput struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// OpenFileOutput creates (or truncates) an item records file.
func OpenFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open items output file: %w", err)
	}
	return &FileOutput{f: f, w: bufio.NewWriter(f)}, nil
}

// Append implements RecordSink. It is safe for concurrent use.
func (out *FileOutput) Append(it Item) error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.f == nil {
		return os.ErrClosed
	}
	if _, err := out.w.WriteString(it.Record()); err != nil {
		return err
	}
	return out.w.WriteByte('\n')
}

// Close flushes buffered records and closes the file. Repeated calls are
// no-ops.
func (out *FileOutput) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()

	if out.f == nil {
		return nil
	}
	flushErr := out.w.Flush()
	closeErr := out.f.Close()
	out.f = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

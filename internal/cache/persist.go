package cache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/t77yq/tickle/internal/model"
)

// On-disk cache format: little-endian framed. A 4-byte magic and a 2-byte
// version header, then a sequence of {u16 path_len, path, i64 mtime_ns,
// u64 size} records until end of file.
var cacheMagic = [4]byte{'T', 'K', 'L', 'C'}

const cacheVersion uint16 = 1

var (
	// ErrBadMagic is returned when the cache file does not start with the
	// expected magic bytes
	ErrBadMagic = errors.New("not a cache file")

	// ErrBadVersion is returned when the cache file schema is unknown
	ErrBadVersion = errors.New("unsupported cache version")

	// ErrTruncated is returned when the cache file ends mid-record
	ErrTruncated = errors.New("truncated cache file")
)

// Load reads the stat store persisted at path. Callers treat any error as
// non-fatal: the store starts empty and every task is stale on first run.
func Load(path string) (*StatStore, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer file.Close()
	return decode(bufio.NewReader(file))
}

func decode(r io.Reader) (*StatStore, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrTruncated
	}
	if magic != cacheMagic {
		return nil, ErrBadMagic
	}
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, ErrTruncated
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	store := NewStatStore()
	for {
		var pathLen uint16
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			if err == io.EOF {
				return store, nil
			}
			return nil, ErrTruncated
		}
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return nil, ErrTruncated
		}
		var record struct {
			MtimeNS int64
			Size    uint64
		}
		if err := binary.Read(r, binary.LittleEndian, &record); err != nil {
			return nil, ErrTruncated
		}
		store.stats[string(pathBytes)] = model.FileStat{MtimeNS: record.MtimeNS, Size: record.Size}
	}
}

// Store atomically persists the stat store to path: the serialized form is
// written to a temporary file in the same directory, then renamed over the
// cache path.
func Store(path string, store *StatStore) error {
	var buf bytes.Buffer
	buf.Write(cacheMagic[:])
	binary.Write(&buf, binary.LittleEndian, cacheVersion)
	for _, entry := range store.Paths() {
		stat := store.stats[entry]
		binary.Write(&buf, binary.LittleEndian, uint16(len(entry)))
		buf.WriteString(entry)
		binary.Write(&buf, binary.LittleEndian, stat.MtimeNS)
		binary.Write(&buf, binary.LittleEndian, stat.Size)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}

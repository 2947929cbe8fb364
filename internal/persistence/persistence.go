// Package persistence implements per-shard snapshot files: loaded on
// master startup, rewritten wholesale after bridge-initiated writes.
package persistence

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/camigeneral/tp-grupal-taller-sub000/internal/document"
	"github.com/camigeneral/tp-grupal-taller-sub000/internal/store"
)

const (
	keySeparator  = "/++/"
	lineSeparator = "/--/"
)

// FileName returns the per-(range, port) snapshot path: re-hashing a
// shard never overwrites another peer's snapshot because the filename
// carries both the range and the port.
func FileName(dataDir string, rangeLo, rangeHi, port int) string {
	return filepath.Join(dataDir, fmt.Sprintf("redis_node_%d_%d_%d.rdb", rangeLo, rangeHi, port))
}

// Save rewrites path in full: opened with create+truncate, every store
// entry dumped in the deterministic "key/++/encoded-document/--/" form,
// one line per key. Replicas never call this; snapshots are master-only.
func Save(path string, st *store.Store, log zerolog.Logger) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to open persistence file for write")
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, key := range st.Keys() {
		d, ok := st.Get(key)
		if !ok {
			continue
		}
		encoded := make([]string, len(d.Cells))
		for i, cell := range d.Cells {
			encoded[i] = document.EncodeLine(cell)
		}
		// Every cell is followed by the separator, the last one included:
		// key/++/cell1/--/cell2/--/
		line := fmt.Sprintf("%s%s%s%s", key, keySeparator, strings.Join(encoded, lineSeparator), lineSeparator)
		if _, err := fmt.Fprintln(w, line); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed writing persistence line")
			return err
		}
	}
	return w.Flush()
}

// Load reads path line-by-line into st. A missing file is logged and
// treated as an empty store; a malformed line is skipped silently.
func Load(path string, st *store.Store, log zerolog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no persistence file found, starting with empty store")
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := scanner.Text()
		key, rest, ok := strings.Cut(line, keySeparator)
		if !ok {
			continue
		}
		encoded := strings.TrimSuffix(rest, lineSeparator)

		d := document.New(key)
		if encoded != "" {
			parts := strings.Split(encoded, lineSeparator)
			cells := make([]string, len(parts))
			for i, p := range parts {
				cells[i] = document.DecodeLine(p)
			}
			d.Cells = cells
		}
		st.LoadDoc(key, d)
		loaded++
	}
	log.Info().Str("path", path).Int("keys", loaded).Msg("loaded persisted documents")
}

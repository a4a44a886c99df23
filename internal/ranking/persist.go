package ranking

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/btree"

	"github.com/mohammed-shakir/hotkey-tracker/internal/core/model"
)

// FieldSeparator delimits fields in both snapshot files. Fields are not
// escaped: keys must pass ValidKey, and origins may contain the separator
// because the key file parser anchors on the first two and the last one.
const FieldSeparator = ","

var ErrMalformedSnapshot = errors.New("ranking: malformed snapshot")

// Dump writes the ranking window to rankPath as "hitCount,key" lines and the
// key table to keyPath as "key,hitCount,origin,port" lines. Both indices are
// copied under the lock, so the files describe one consistent state. Both
// files are written to temporary siblings first and renamed into place only
// when both writes succeeded; on a write error neither previous file changes.
func (s *Store) Dump(keyPath, rankPath string) error {
	records, ranking := s.copyState()

	rankTmp, err := writeTemp(rankPath, func(w *bufio.Writer) error {
		for _, e := range ranking {
			if _, err := fmt.Fprintf(w, "%d%s%s\n", e.count, FieldSeparator, e.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dump ranking %s: %w", rankPath, err)
	}
	defer os.Remove(rankTmp)

	keyTmp, err := writeTemp(keyPath, func(w *bufio.Writer) error {
		for _, r := range records {
			if _, err := fmt.Fprintf(w, "%s%s%d%s%s%s%d\n",
				r.Key, FieldSeparator, r.HitCount, FieldSeparator, r.Origin, FieldSeparator, r.Port); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dump keys %s: %w", keyPath, err)
	}
	defer os.Remove(keyTmp)

	if err := os.Rename(rankTmp, rankPath); err != nil {
		return fmt.Errorf("dump ranking %s: rename: %w", rankPath, err)
	}
	if err := os.Rename(keyTmp, keyPath); err != nil {
		return fmt.Errorf("dump keys %s: rename: %w", keyPath, err)
	}

	s.log.Debug("ranking store dumped",
		"keys", len(records), "ranking", len(ranking),
		"key_file", keyPath, "rank_file", rankPath)
	return nil
}

// ValidKey reports whether key can be stored and written to a snapshot:
// non-empty and free of the field separator and line breaks.
func ValidKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return errors.New("empty key")
	case strings.Contains(key, FieldSeparator):
		return fmt.Errorf("key contains %q", FieldSeparator)
	case strings.ContainsAny(key, "\r\n"):
		return errors.New("key contains a line break")
	}
	return nil
}

// ValidOrigin rejects origins with line breaks. Separators are allowed; the
// key file parser takes the origin as everything between the hit count and
// the trailing port.
func ValidOrigin(origin string) error {
	if strings.ContainsAny(origin, "\r\n") {
		return errors.New("origin contains a line break")
	}
	return nil
}

func (s *Store) copyState() ([]model.KeyRecord, []rankEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]model.KeyRecord, 0, s.records.Len())
	s.records.Ascend(func(r *model.KeyRecord) bool {
		records = append(records, *r)
		return true
	})
	ranking := make([]rankEntry, 0, s.ranking.Len())
	s.ranking.Ascend(func(e rankEntry) bool {
		ranking = append(ranking, e)
		return true
	})
	return records, ranking
}

// writeTemp fills a temporary sibling of path and returns its name. The
// caller renames or removes it.
func writeTemp(path string, fill func(*bufio.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("%s: %w", step, err)
	}

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		return fail("write", err)
	}
	if err := w.Flush(); err != nil {
		return fail("flush", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close: %w", err)
	}
	return tmpName, nil
}

func readLines(path string, each func(lineNo int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scanLines(f, each)
}

func scanLines(r io.Reader, each func(lineNo int, line string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := each(n, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func readKeyFile(path string) (*btree.BTreeG[*model.KeyRecord], error) {
	records := btree.NewG(btreeDegree, lessRecord)
	err := readLines(path, func(n int, line string) error {
		rec, err := parseKeyLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if _, dup := records.ReplaceOrInsert(rec); dup {
			return fmt.Errorf("line %d: %w: duplicate key %q", n, ErrMalformedSnapshot, rec.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func parseKeyLine(line string) (*model.KeyRecord, error) {
	// key,hitCount,origin,port where origin may itself contain separators
	key, rest, ok := strings.Cut(line, FieldSeparator)
	var f [4]string
	if ok {
		f[0] = key
		f[1], rest, ok = strings.Cut(rest, FieldSeparator)
	}
	if ok {
		i := strings.LastIndex(rest, FieldSeparator)
		ok = i >= 0
		if ok {
			f[2], f[3] = rest[:i], rest[i+len(FieldSeparator):]
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: want 4 fields, got %d", ErrMalformedSnapshot, strings.Count(line, FieldSeparator)+1)
	}
	count, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil || count == 0 {
		return nil, fmt.Errorf("%w: hit count %q", ErrMalformedSnapshot, f[1])
	}
	port, err := strconv.ParseUint(f[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrMalformedSnapshot, f[3])
	}
	return &model.KeyRecord{Key: f[0], HitCount: count, Origin: f[2], Port: uint32(port)}, nil
}

func readRankFile(path string, records *btree.BTreeG[*model.KeyRecord]) (*btree.BTreeG[rankEntry], error) {
	ranking := btree.NewG(btreeDegree, lessRank)
	seen := make(map[string]struct{})
	err := readLines(path, func(n int, line string) error {
		f := strings.SplitN(line, FieldSeparator, 2)
		if len(f) != 2 {
			return fmt.Errorf("line %d: %w: want 2 fields", n, ErrMalformedSnapshot)
		}
		count, err := strconv.ParseUint(f[0], 10, 64)
		if err != nil || count == 0 {
			return fmt.Errorf("line %d: %w: hit count %q", n, ErrMalformedSnapshot, f[0])
		}
		key := f[1]
		if _, dup := seen[key]; dup {
			return fmt.Errorf("line %d: %w: key %q ranked twice", n, ErrMalformedSnapshot, key)
		}
		rec, ok := records.Get(&model.KeyRecord{Key: key})
		if !ok {
			return fmt.Errorf("line %d: %w: ranked key %q missing from key table", n, ErrMalformedSnapshot, key)
		}
		if rec.HitCount != count {
			return fmt.Errorf("line %d: %w: key %q ranked at %d but counted %d",
				n, ErrMalformedSnapshot, key, count, rec.HitCount)
		}
		seen[key] = struct{}{}
		ranking.ReplaceOrInsert(rankEntry{count: count, key: key})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ranking, nil
}

package analysis

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/ppurec/common"
	"github.com/colorfulnotion/ppurec/log"
	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
	"github.com/colorfulnotion/ppurec/storage"
)

var keyPrefix = []byte("fn/")

type storedResult struct {
	Result
	Code common.Hash `json:"code"`
}

// Store persists analysis results keyed by start address. A stored result is
// only returned while the code it scanned is unchanged.
type Store struct {
	db *storage.PersistenceStore
}

// OpenStore opens the cache at path; an empty path keeps it in memory.
func OpenStore(path string) (*Store, error) {
	db, err := storage.NewPersistenceStore(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func storeKey(start uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), keyPrefix...), start)
}

// Fingerprint hashes the instruction words in [start, end).
func Fingerprint(mem guest.Reader, start, end uint32) common.Hash {
	buf := make([]byte, 0, end-start)
	for a := start; a < end; a += instr.Width {
		buf = binary.BigEndian.AppendUint32(buf, mem.Read32(a))
	}
	return common.Blake2Hash(buf)
}

func (s *Store) Put(mem guest.Reader, res Result) error {
	rec := storedResult{Result: res, Code: Fingerprint(mem, res.Start, res.ScanEnd)}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(storeKey(res.Start), data)
}

// Get returns the cached result for start if the scanned code still matches.
func (s *Store) Get(mem guest.Reader, start uint32) (Result, bool, error) {
	data, ok, err := s.db.Get(storeKey(start))
	if err != nil || !ok {
		return Result{}, false, err
	}
	var rec storedResult
	if err := json.Unmarshal(data, &rec); err != nil {
		return Result{}, false, fmt.Errorf("analysis cache entry %s: %w", common.FormatAddr(start), err)
	}
	if rec.ScanEnd < rec.Start || Fingerprint(mem, rec.Start, rec.ScanEnd) != rec.Code {
		// the code changed since the scan
		return Result{}, false, s.db.Delete(storeKey(start))
	}
	res := rec.Result
	if !res.Compilable && res.Detail != "" {
		res.Reason = fmt.Errorf("%s (cached)", res.Detail)
	}
	return res, true, nil
}

// Len counts stored results.
func (s *Store) Len() (int, error) {
	return s.db.CountPrefix(keyPrefix)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Cached wraps an Analyzer with an optional Store.
type Cached struct {
	*Analyzer
	mem   guest.Reader
	store *Store
}

func NewCached(a *Analyzer, mem guest.Reader, store *Store) *Cached {
	return &Cached{Analyzer: a, mem: mem, store: store}
}

// Analyse consults the store before scanning and records fresh results.
func (c *Cached) Analyse(start uint32) Result {
	if c.store == nil {
		return c.Analyzer.Analyse(start)
	}
	if res, ok, err := c.store.Get(c.mem, start); err == nil && ok {
		return res
	}
	res := c.Analyzer.Analyse(start)
	if err := c.store.Put(c.mem, res); err != nil {
		log.Warn(log.AnalyzerModule, "analysis cache write failed", "start", common.FormatAddr(start), "err", err)
	}
	return res
}

package asset

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/parlor/internal/cluster"
)

const tempSuffix = ".temp"

// record tracks one reserved or finished asset name.
type record struct {
	owner        string
	lastModified time.Time
	finished     bool
}

// Store is a file-backed asset store scoped to one node instance. The target
// directory is an explicit constructor argument, never process-wide state.
type Store struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex // protects records
	records map[string]*record

	names *keyedMutex // per-name critical sections

	now func() time.Time
}

// NewStore creates a store rooted at dir, wiping any blobs left over from a
// previous run. ttl is the reservation expiry window for unfinished assets.
func NewStore(dir string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:     dir,
		ttl:     ttl,
		logger:  logger.Named("asset"),
		records: make(map[string]*record),
		names:   newKeyedMutex(),
		now:     time.Now,
	}, nil
}

// Dir returns the directory this store writes under.
func (s *Store) Dir() string { return s.dir }

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasSuffix(name, tempSuffix) {
		return cluster.Errorf(cluster.ErrInvalidName, "invalid asset name %q", name)
	}
	return nil
}

func (s *Store) finalPath(name string) string { return filepath.Join(s.dir, name) }
func (s *Store) tempPath(name string) string  { return filepath.Join(s.dir, name+tempSuffix) }

// expired reports whether an unfinished reservation has outlived the TTL
// without writes. Finished assets never expire.
func (s *Store) expired(r *record) bool {
	return !r.finished && s.now().Sub(r.lastModified) > s.ttl
}

// Reserve claims name for owner. It returns false when the name is in active
// or completed use by someone else: an existing finished asset, or an
// unfinished reservation that has not yet expired and belongs to a different
// owner. On success any stale bytes from a previous generation of the name
// are discarded and an empty in-progress file is created.
func (s *Store) Reserve(name, owner string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	unlock := s.names.lock(name)
	defer unlock()

	s.mu.Lock()
	rec := s.records[name]
	s.mu.Unlock()

	if rec != nil && (rec.finished || (!s.expired(rec) && rec.owner != owner)) {
		s.logger.Info("reservation rejected, name in use",
			zap.String("name", name), zap.String("owner", owner))
		return false, nil
	}

	if err := os.Remove(s.finalPath(name)); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	f, err := os.Create(s.tempPath(name))
	if err != nil {
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.records[name] = &record{owner: owner, lastModified: s.now()}
	s.mu.Unlock()

	s.logger.Info("reserved asset", zap.String("name", name), zap.String("owner", owner))
	return true, nil
}

// checkOwner returns the record for name when owner holds its reservation.
func (s *Store) checkOwner(name, owner string) (*record, error) {
	s.mu.Lock()
	rec := s.records[name]
	s.mu.Unlock()
	if rec == nil {
		return nil, cluster.Errorf(cluster.ErrOwnershipConflict, "no active reservation for %q", name)
	}
	if rec.owner != owner {
		return nil, cluster.Errorf(cluster.ErrOwnershipConflict,
			"asset %q is owned by %q, not %q", name, rec.owner, owner)
	}
	return rec, nil
}

// Append adds one chunk to the in-progress copy of name. Only the reservation
// owner may append; a successful append refreshes the expiry clock.
func (s *Store) Append(name, owner string, chunk cluster.Chunk) error {
	if err := validateName(name); err != nil {
		return err
	}
	unlock := s.names.lock(name)
	defer unlock()

	rec, err := s.checkOwner(name, owner)
	if err != nil {
		return err
	}
	if err := appendChunk(s.tempPath(name), chunk); err != nil {
		return err
	}
	rec.lastModified = s.now()
	return nil
}

// Finalize marks name finished and renames its bytes into place, making it
// visible to List and Open. Only the reservation owner may finalize.
func (s *Store) Finalize(name, owner string) error {
	if err := validateName(name); err != nil {
		return err
	}
	unlock := s.names.lock(name)
	defer unlock()

	rec, err := s.checkOwner(name, owner)
	if err != nil {
		return err
	}
	if err := os.Rename(s.tempPath(name), s.finalPath(name)); err != nil {
		return err
	}
	rec.finished = true
	rec.lastModified = s.now()

	s.logger.Info("finalized asset", zap.String("name", name), zap.String("owner", owner))
	return nil
}

// CacheAppend adds one inbound replication chunk to the in-progress local
// copy of name. No ownership applies on the cache path.
func (s *Store) CacheAppend(name string, chunk cluster.Chunk) error {
	if err := validateName(name); err != nil {
		return err
	}
	unlock := s.names.lock(name)
	defer unlock()

	return appendChunk(s.tempPath(name), chunk)
}

// CacheCommit finalizes a replicated local copy of name.
func (s *Store) CacheCommit(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	unlock := s.names.lock(name)
	defer unlock()

	if err := os.Rename(s.tempPath(name), s.finalPath(name)); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[name] = &record{finished: true, lastModified: s.now()}
	s.mu.Unlock()

	s.logger.Info("committed replica", zap.String("name", name))
	return nil
}

// List returns the sorted names of all finished assets. Unfinished and
// abandoned transfers are never listed.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.records))
	for name, rec := range s.records {
		if rec.finished {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Open returns a reader over a finished asset's bytes.
func (s *Store) Open(name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rec := s.records[name]
	s.mu.Unlock()
	if rec == nil || !rec.finished {
		return nil, cluster.Errorf(cluster.ErrNotFound, "no finished asset %q", name)
	}
	return os.Open(s.finalPath(name))
}

// Stats reports the number of finished assets and their total size on disk.
func (s *Store) Stats() (assets int, bytes int64) {
	for _, name := range s.List() {
		info, err := os.Stat(s.finalPath(name))
		if err != nil {
			continue
		}
		assets++
		bytes += info.Size()
	}
	return assets, bytes
}

// appendChunk appends the valid prefix of chunk to the file at path.
func appendChunk(path string, chunk cluster.Chunk) error {
	data := chunk.Data
	if chunk.Size >= 0 && chunk.Size < len(data) {
		data = data[:chunk.Size]
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

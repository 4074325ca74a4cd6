// Package artifact owns the directory where fetched media waits to be served.
// Every file is named after its download id, never after user supplied data.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/italolelis/vidgrab/internal/video"
)

const (
	lockFile      = ".vidgrab.lock"
	partialSuffix = ".part"
)

var (
	// ErrBusy is returned by Lease when another party holds the id.
	ErrBusy = errors.New("artifact is in use")
	// ErrInvalidID is returned for ids that are not UUIDs.
	ErrInvalidID = errors.New("invalid artifact id")
	// ErrUnsupportedContainer is returned for containers outside the allow-list.
	ErrUnsupportedContainer = errors.New("unsupported container")
	// ErrDirectoryLocked is returned when another process owns the artifact directory.
	ErrDirectoryLocked = errors.New("artifact directory is owned by another process")
)

// Entry is a file found in the store.
type Entry struct {
	ID        string
	Path      string
	Container string
	Size      int64
	ModTime   time.Time
	Partial   bool
}

type Store struct {
	root string
	lock *flock.Flock

	mu     sync.Mutex
	leases map[string]struct{}
}

// Open creates root if needed and takes an exclusive lock on it for the lifetime of the Store.
func Open(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, &video.StorageError{Op: "mkdir", Path: abs, Err: err}
	}

	lock := flock.New(filepath.Join(abs, lockFile))

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock artifact dir: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, abs)
	}

	return &Store{root: abs, lock: lock, leases: make(map[string]struct{})}, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}

	return s.lock.Unlock()
}

func (s *Store) Root() string {
	return s.root
}

// Path returns where the finished artifact for id lives. It does not check that the file exists.
func (s *Store) Path(id, container string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	ext, ok := video.NormalizeContainer(container)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContainer, container)
	}

	return filepath.Join(s.root, id+"."+ext), nil
}

// Allocate clears anything left on disk for id and returns the partial path the media should be written to.
// The file becomes visible to Find only after Commit.
func (s *Store) Allocate(id, container string) (string, error) {
	path, err := s.Path(id, container)
	if err != nil {
		return "", err
	}

	if _, err := s.Reclaim(id); err != nil {
		return "", err
	}

	return path + partialSuffix, nil
}

// Commit promotes the partial file written after Allocate and returns its final path and size.
func (s *Store) Commit(id, container string) (string, int64, error) {
	path, err := s.Path(id, container)
	if err != nil {
		return "", 0, err
	}

	if err := os.Rename(path+partialSuffix, path); err != nil {
		return "", 0, &video.StorageError{Op: "rename", Path: path, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, &video.StorageError{Op: "stat", Path: path, Err: err}
	}

	return path, info.Size(), nil
}

// Find returns the committed artifact for id, if any.
func (s *Store) Find(id string) (Entry, bool) {
	if validateID(id) != nil {
		return Entry{}, false
	}

	matches, err := filepath.Glob(filepath.Join(s.root, id+".*"))
	if err != nil {
		return Entry{}, false
	}

	for _, path := range matches {
		if strings.HasSuffix(path, partialSuffix) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		return entryFor(path, info), true
	}

	return Entry{}, false
}

// Reclaim removes every file belonging to id, committed or partial. It is idempotent.
func (s *Store) Reclaim(id string) (int, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}

	matches, err := filepath.Glob(filepath.Join(s.root, id+".*"))
	if err != nil {
		return 0, fmt.Errorf("failed to list artifacts for %s: %w", id, err)
	}

	removed := 0

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, &video.StorageError{Op: "remove", Path: path, Err: err}
		}

		removed++
	}

	return removed, nil
}

// Lease gives the caller exclusive rights to serve or delete id until release is called.
func (s *Store) Lease(id string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.leases[id]; held {
		return nil, ErrBusy
	}

	s.leases[id] = struct{}{}

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.leases, id)
			s.mu.Unlock()
		})
	}, nil
}

// List returns every artifact in the store, partial files included.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &video.StorageError{Op: "readdir", Path: s.root, Err: err}
	}

	entries := make([]Entry, 0, len(dirEntries))

	for _, de := range dirEntries {
		if de.IsDir() || de.Name() == lockFile {
			continue
		}

		id, _, ok := strings.Cut(de.Name(), ".")
		if !ok || validateID(id) != nil {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		entries = append(entries, entryFor(filepath.Join(s.root, de.Name()), info))
	}

	return entries, nil
}

// Usage sums the number of files and bytes currently on disk.
func (s *Store) Usage() (int, int64, error) {
	entries, err := s.List()
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	return len(entries), total, nil
}

func entryFor(path string, info fs.FileInfo) Entry {
	name := filepath.Base(path)
	partial := strings.HasSuffix(name, partialSuffix)
	name = strings.TrimSuffix(name, partialSuffix)
	id, ext, _ := strings.Cut(name, ".")

	return Entry{
		ID:        id,
		Path:      path,
		Container: ext,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		Partial:   partial,
	}
}

func validateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileRegistry stores one JSON file per endpoint under dir/<name>/. Entries
// registered with a TTL carry an expiry time that a background goroutine
// keeps pushing forward; if the process dies, readers ignore the stale file.
type FileRegistry struct {
	dir    string
	logger *zap.Logger
	poll   time.Duration

	mu     sync.Mutex
	leases map[string]context.CancelFunc // file path → stops renewal
}

var _ Registry = (*FileRegistry)(nil)

type fileRecord struct {
	Endpoint
	Expires time.Time `json:"expires,omitempty"`
}

// NewFileRegistry opens (creating if needed) a registry rooted at dir.
func NewFileRegistry(dir string, opts ...Option) (*FileRegistry, error) {
	o := newOptions(opts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create %s: %w", dir, err)
	}
	return &FileRegistry{
		dir:    dir,
		logger: o.logger.Named("registry").With(zap.String("dir", dir)),
		poll:   o.pollInterval,
		leases: make(map[string]context.CancelFunc),
	}, nil
}

func (r *FileRegistry) serviceDir(name string) string {
	return filepath.Join(r.dir, url.PathEscape(name))
}

func (r *FileRegistry) path(ep Endpoint) string {
	return filepath.Join(r.serviceDir(ep.Name), ep.ID()+".json")
}

func (r *FileRegistry) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.path(ep)
	if stop, ok := r.leases[path]; ok {
		stop()
		delete(r.leases, path)
	}
	lease := time.Duration(ttl) * time.Second
	if err := r.writeLocked(path, ep, lease); err != nil {
		return err
	}
	if ttl > 0 {
		renewCtx, stop := context.WithCancel(context.Background())
		r.leases[path] = stop
		go r.renew(renewCtx, path, ep, lease)
	}
	return nil
}

// renew rewrites the entry with a fresh expiry every third of the lease.
func (r *FileRegistry) renew(ctx context.Context, path string, ep Endpoint, lease time.Duration) {
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.mu.Lock()
		if ctx.Err() == nil {
			if err := r.writeLocked(path, ep, lease); err != nil {
				r.logger.Warn("renew registration failed", zap.Stringer("endpoint", ep), zap.Error(err))
			}
		}
		r.mu.Unlock()
	}
}

// writeLocked replaces the entry atomically so readers never see a partial file.
func (r *FileRegistry) writeLocked(path string, ep Endpoint, lease time.Duration) error {
	rec := fileRecord{Endpoint: ep}
	if lease > 0 {
		rec.Expires = time.Now().Add(lease)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("registry: %w", err)
	}
	return nil
}

func (r *FileRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.path(ep)
	if stop, ok := r.leases[path]; ok {
		stop()
		delete(r.leases, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("registry: %w", err)
	}
	return nil
}

func (r *FileRegistry) Discover(ctx context.Context, name string) ([]Endpoint, error) {
	eps, err := r.list(name)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, ErrNotFound
	}
	return eps, nil
}

func (r *FileRegistry) list(name string) ([]Endpoint, error) {
	entries, err := os.ReadDir(r.serviceDir(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	now := time.Now()
	eps := make([]Endpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.serviceDir(name), entry.Name()))
		if err != nil {
			continue // removed between ReadDir and ReadFile
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Debug("skipping malformed entry", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if !rec.Expires.IsZero() && now.After(rec.Expires) {
			continue
		}
		eps = append(eps, rec.Endpoint)
	}
	sortEndpoints(eps)
	return eps, nil
}

// Watch polls the service directory and emits the list whenever it changes.
func (r *FileRegistry) Watch(ctx context.Context, name string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()

		var last []Endpoint
		first := true
		for {
			eps, err := r.list(name)
			if err != nil {
				r.logger.Warn("watch scan failed", zap.String("name", name), zap.Error(err))
			} else if first || !sameEndpoints(last, eps) {
				offer(ch, eps)
				last, first = eps, false
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// Close stops renewing every entry this registry registered. The files stay
// until they expire or are deregistered.
func (r *FileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, stop := range r.leases {
		stop()
		delete(r.leases, path)
	}
	return nil
}

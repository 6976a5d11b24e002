package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "snapshot-"
	nameSuffix = ".json"
	// Fixed width so names sort chronologically.
	nameLayout = "20060102T150405.000000000Z"
)

// ErrNoSnapshot is returned when storage holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot available")

// Snapshot is one point-in-time archive. Items holds the payload as raw
// JSON so this package stays independent of what is archived.
type Snapshot struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Count     int               `json:"count"`
	Items     json.RawMessage   `json:"items"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Decode unmarshals the snapshot payload into v.
func (s *Snapshot) Decode(v interface{}) error {
	if len(s.Items) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Items, v); err != nil {
		return fmt.Errorf("failed to decode snapshot items: %w", err)
	}
	return nil
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Service writes, reads and rotates snapshots.
type Service struct {
	storage Storage
	version string
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(storage Storage, version string, opts ...Option) *Service {
	s := &Service{
		storage: storage,
		version: version,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create archives items, which must be a JSON-encodable slice, and returns
// the snapshot name.
func (s *Service) Create(ctx context.Context, items interface{}, count int, metadata map[string]string) (string, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot items: %w", err)
	}

	snapshot := Snapshot{
		Version:   s.version,
		Timestamp: s.now().UTC(),
		Count:     count,
		Items:     raw,
		Metadata:  metadata,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name := namePrefix + snapshot.Timestamp.Format(nameLayout) + nameSuffix
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	return name, nil
}

// Load reads the named snapshot.
func (s *Service) Load(ctx context.Context, name string) (*Snapshot, error) {
	reader, err := s.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer reader.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(reader).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", name, err)
	}
	if snapshot.Version == "" {
		return nil, fmt.Errorf("invalid snapshot %s: missing version", name)
	}
	return &snapshot, nil
}

// List returns snapshot names, oldest first.
func (s *Service) List(ctx context.Context) ([]string, error) {
	names, err := s.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if strings.HasSuffix(name, nameSuffix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest loads the newest snapshot or returns ErrNoSnapshot.
func (s *Service) Latest(ctx context.Context) (*Snapshot, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNoSnapshot
	}
	return s.Load(ctx, names[len(names)-1])
}

// Prune deletes all but the newest keep snapshots and reports how many
// were removed.
func (s *Service) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	names, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) <= keep {
		return 0, nil
	}

	var errs []error
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := s.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

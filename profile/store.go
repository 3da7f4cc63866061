package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const catalogFile = "profiles.json"

var (
	// ErrNotFound is returned when no profile has the requested id.
	ErrNotFound = errors.New("profile: not found")

	// ErrDuplicateID is returned when adding a profile whose id exists.
	ErrDuplicateID = errors.New("profile: id already exists")
)

// record is the persisted form of a profile.
type record struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Points []Point `json:"data"`
}

// Store is the profile catalog. It loads lazily on first use and
// rewrites the catalog file on every mutation. A corrupt or missing
// file yields a catalog holding only the built-in default profile.
type Store struct {
	mu         sync.Mutex
	dir        string
	profiles   []*Profile
	selectedID string
	loaded     bool
	logger     zerolog.Logger
}

// NewStore creates a catalog backed by dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "profiles").Logger(),
	}
}

// defaultProfile is a standard lead-free curve used to seed an empty
// catalog.
func defaultProfile() *Profile {
	p, _ := New("default", "Lead-Free Standard", []Point{
		{Time: 60, Temperature: 150, Power: 50},
		{Time: 120, Temperature: 180, Power: 60},
		{Time: 180, Temperature: 220, Power: 70},
		{Time: 240, Temperature: 100, Power: 30},
	})
	return p
}

func (s *Store) load() {
	if s.loaded {
		return
	}
	s.loaded = true

	raw, err := os.ReadFile(filepath.Join(s.dir, catalogFile))
	if err == nil {
		var records []record
		if jsonErr := json.Unmarshal(raw, &records); jsonErr != nil {
			s.logger.Warn().Err(jsonErr).Msg("profile catalog unreadable, starting fresh")
		} else {
			for _, r := range records {
				p, newErr := New(r.ID, r.Name, r.Points)
				if newErr != nil {
					s.logger.Warn().Str("id", r.ID).Err(newErr).Msg("skipping invalid profile")
					continue
				}
				s.profiles = append(s.profiles, p)
			}
		}
	} else if !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Msg("profile catalog unreadable, starting fresh")
	}

	if len(s.profiles) == 0 {
		s.profiles = []*Profile{defaultProfile()}
	}
	s.selectedID = s.profiles[0].ID
}

// save rewrites the catalog file. The caller holds the lock.
func (s *Store) save() error {
	records := make([]record, 0, len(s.profiles))
	for _, p := range s.profiles {
		records = append(records, record{ID: p.ID, Name: p.Name, Points: p.Points()})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding profile catalog: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, catalogFile), raw, 0o644); err != nil {
		return fmt.Errorf("writing profile catalog: %w", err)
	}
	return nil
}

// List returns the catalog in order.
func (s *Store) List() []*Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	out := make([]*Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// Get returns the profile with the given id.
func (s *Store) Get(id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	if p := s.find(id); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add inserts a new profile. An empty id gets a generated one. The
// assigned id is returned.
func (s *Store) Add(id, name string, points []Point) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	if id == "" {
		id = uuid.NewString()
	}
	if s.find(id) != nil {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p, err := New(id, name, points)
	if err != nil {
		return "", err
	}
	s.profiles = append(s.profiles, p)
	if err := s.save(); err != nil {
		return "", err
	}
	return id, nil
}

// Update replaces the name and points of an existing profile.
func (s *Store) Update(id, name string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	for i, p := range s.profiles {
		if p.ID == id {
			np, err := New(id, name, points)
			if err != nil {
				return err
			}
			s.profiles[i] = np
			return s.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Delete removes a profile. Deleting the selected profile moves the
// selection to the first remaining entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	for i, p := range s.profiles {
		if p.ID == id {
			s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
			if len(s.profiles) == 0 {
				s.profiles = []*Profile{defaultProfile()}
			}
			if s.selectedID == id {
				s.selectedID = s.profiles[0].ID
			}
			return s.save()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Select marks the profile with the given id as selected. An unknown id
// is rejected and the previous selection is kept.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()

	if s.find(id) == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.selectedID = id
	return nil
}

// Selected returns the currently selected profile.
func (s *Store) Selected() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	if p := s.find(s.selectedID); p != nil {
		return p
	}
	return s.profiles[0]
}

// SelectedID returns the id of the selected profile.
func (s *Store) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.selectedID
}

func (s *Store) find(id string) *Profile {
	for _, p := range s.profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

package intel

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

var (
	// ErrDuplicateCompetitor is returned when adding a domain that is
	// already tracked.
	ErrDuplicateCompetitor = eris.New("intel: competitor already tracked")
	// ErrUnknownCompetitor is returned when removing an untracked domain.
	ErrUnknownCompetitor = eris.New("intel: competitor not tracked")
)

// Competitor is a tracked rival in the entity's market.
type Competitor struct {
	Domain      string    `json:"domain" yaml:"domain" validate:"required,hostname_rfc1123"`
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Location    string    `json:"location" yaml:"location"`
	Segment     string    `json:"market_segment" yaml:"market_segment" validate:"required,oneof=luxury mainstream budget used service"`
	Size        string    `json:"size" yaml:"size" validate:"required,oneof=small medium large enterprise"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

type registryFile struct {
	Competitors []Competitor `yaml:"competitors"`
}

// Registry is the set of tracked competitors, optionally backed by a YAML
// file. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	path        string
	competitors []Competitor
	now         func() time.Time
}

// NewRegistry creates an in-memory registry holding cs.
func NewRegistry(cs ...Competitor) *Registry {
	r := &Registry{now: time.Now}
	for _, c := range cs {
		c.Domain = NormalizeDomain(c.Domain)
		r.competitors = append(r.competitors, c)
	}
	return r
}

// LoadRegistry reads the registry at path. A missing file yields an empty
// registry that Save will create.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, now: time.Now}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "intel: read registry %s", path)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "intel: parse registry %s", path)
	}
	for _, c := range f.Competitors {
		c.Domain = NormalizeDomain(c.Domain)
		if err := getValidator().Struct(c); err != nil {
			return nil, eris.Wrapf(err, "intel: registry %s: competitor %q", path, c.Domain)
		}
		r.competitors = append(r.competitors, c)
	}
	return r, nil
}

// Add starts tracking c.
func (r *Registry) Add(c Competitor) (Competitor, error) {
	c.Domain = NormalizeDomain(c.Domain)
	if c.LastUpdated.IsZero() {
		c.LastUpdated = r.now().UTC()
	}
	if err := getValidator().Struct(c); err != nil {
		return Competitor{}, eris.Wrapf(err, "intel: invalid competitor %q", c.Domain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.competitors {
		if existing.Domain == c.Domain {
			return Competitor{}, eris.Wrapf(ErrDuplicateCompetitor, "intel: add %s", c.Domain)
		}
	}
	r.competitors = append(r.competitors, c)
	return c, nil
}

// Remove stops tracking domain.
func (r *Registry) Remove(domain string) error {
	domain = NormalizeDomain(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.competitors {
		if c.Domain == domain {
			r.competitors = append(r.competitors[:i], r.competitors[i+1:]...)
			return nil
		}
	}
	return eris.Wrapf(ErrUnknownCompetitor, "intel: remove %s", domain)
}

// List returns the tracked competitors in the order they were added.
func (r *Registry) List() []Competitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Competitor(nil), r.competitors...)
}

// Save writes the registry back to its file. In-memory registries are a
// no-op.
func (r *Registry) Save() error {
	if r.path == "" {
		return nil
	}
	r.mu.RLock()
	data, err := yaml.Marshal(registryFile{Competitors: r.competitors})
	r.mu.RUnlock()
	if err != nil {
		return eris.Wrap(err, "intel: encode registry")
	}

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "intel: create registry dir %s", dir)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "intel: write registry %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, r.path), "intel: replace registry %s", r.path)
}

package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// ErrAliasCollision means one raw identifier would map to two canonical keys.
// It is a configuration error and must stop the process at startup.
var ErrAliasCollision = errors.New("catalog: alias collision")

// ErrInvalidCatalog is returned for structurally broken catalog files.
var ErrInvalidCatalog = errors.New("catalog: invalid catalog")

// Entry is one sellable product. Entries are immutable after Load.
type Entry struct {
	Key        string   `yaml:"key" json:"key"`
	Name       string   `yaml:"name" json:"name"`
	Aliases    []string `yaml:"aliases" json:"aliases"`
	LegacyKeys []string `yaml:"legacy_keys" json:"legacy_keys,omitempty"`
	Keywords   []string `yaml:"keywords" json:"keywords,omitempty"`
}

type catalogFile struct {
	Products []Entry `yaml:"products"`
}

// Catalog is the single source of truth for product identity. All lookup
// tables are compiled and validated in Load, so a Catalog is read-only and
// safe for concurrent use.
type Catalog struct {
	entries []Entry
	byKey   map[string]int

	aliases  map[string]string // exact alias -> key
	folded   map[string]string // folded alias -> key
	reverse  map[string]string // slug of key/name/legacy key -> key
	keywords []keyword
}

type keyword struct {
	term string
	key  string
	pos  int
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalogYAML))
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// LoadFromEnv loads path when set, the embedded default otherwise.
func LoadFromEnv(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return LoadFile(path)
}

// Load parses and validates a catalog.
func Load(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(file.Products)
}

// New compiles entries into lookup tables, rejecting any collision.
func New(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no products", ErrInvalidCatalog)
	}

	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		byKey:   make(map[string]int, len(entries)),
		aliases: make(map[string]string),
		folded:  make(map[string]string),
		reverse: make(map[string]string),
	}

	for _, e := range entries {
		e.Key = strings.TrimSpace(e.Key)
		e.Name = strings.TrimSpace(e.Name)
		if e.Key == "" {
			return nil, fmt.Errorf("%w: product with empty key", ErrInvalidCatalog)
		}
		if _, dup := c.byKey[e.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate canonical key %q", ErrAliasCollision, e.Key)
		}
		c.byKey[e.Key] = len(c.entries)
		c.entries = append(c.entries, e)
	}

	// Canonical keys claim their folded form first so an alias can never
	// shadow another product's key.
	owners := make(map[string]string)
	for _, e := range c.entries {
		if err := claim(owners, fold(e.Key), e.Key, "key"); err != nil {
			return nil, err
		}
	}

	for _, e := range c.entries {
		for _, a := range e.Aliases {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			if err := claim(owners, fold(a), e.Key, "alias"); err != nil {
				return nil, err
			}
			c.aliases[a] = e.Key
			c.folded[fold(a)] = e.Key
		}
	}

	for _, e := range c.entries {
		for _, l := range e.LegacyKeys {
			if err := claim(owners, fold(l), e.Key, "legacy key"); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range c.entries {
		forms := []string{e.Key, e.Name}
		forms = append(forms, e.LegacyKeys...)
		for _, f := range forms {
			s := slug(f)
			if s == "" {
				continue
			}
			if err := claim(c.reverse, s, e.Key, "reverse alias"); err != nil {
				return nil, err
			}
		}
	}

	if err := c.compileKeywords(); err != nil {
		return nil, err
	}
	return c, nil
}

func claim(table map[string]string, id, key, kind string) error {
	if id == "" {
		return nil
	}
	if owner, ok := table[id]; ok && owner != key {
		return fmt.Errorf("%w: %s %q maps to both %q and %q", ErrAliasCollision, kind, id, owner, key)
	}
	table[id] = key
	return nil
}

// compileKeywords builds the heuristic table. Explicit keywords must be unique
// across products; stems derived from display names are dropped when two
// products share them.
func (c *Catalog) compileKeywords() error {
	explicit := make(map[string]string)
	for _, e := range c.entries {
		for _, k := range e.Keywords {
			term := fold(k)
			if term == "" {
				continue
			}
			if err := claim(explicit, term, e.Key, "keyword"); err != nil {
				return err
			}
		}
	}

	derived := make(map[string]string)
	ambiguous := make(map[string]bool)
	for _, e := range c.entries {
		for _, term := range nameStems(e.Name) {
			if _, ok := explicit[term]; ok {
				continue
			}
			if owner, ok := derived[term]; ok && owner != e.Key {
				ambiguous[term] = true
				continue
			}
			derived[term] = e.Key
		}
	}

	for term, key := range explicit {
		c.keywords = append(c.keywords, keyword{term: term, key: key, pos: c.byKey[key]})
	}
	for term, key := range derived {
		if ambiguous[term] {
			continue
		}
		c.keywords = append(c.keywords, keyword{term: term, key: key, pos: c.byKey[key]})
	}
	sortKeywords(c.keywords)
	return nil
}

// Entries returns the products in catalog order.
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Keys returns every canonical key in catalog order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// Entry looks up a product by canonical key.
func (c *Catalog) Entry(key string) (Entry, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// IsCanonical reports whether key is a known canonical key.
func (c *Catalog) IsCanonical(key string) bool {
	_, ok := c.byKey[key]
	return ok
}

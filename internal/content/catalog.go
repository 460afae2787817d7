// Package content supplies curriculum modules to the tutor.
package content

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ashureev/studybot/internal/domain"
)

// Provider supplies curriculum modules in order.
type Provider interface {
	Modules(ctx context.Context) ([]domain.Module, error)
}

// ErrNoModules is returned when a source yields no usable modules.
var ErrNoModules = errors.New("no modules found")

//go:embed catalog.toml
var builtinCatalog string

type catalogFile struct {
	Modules []domain.Module `toml:"modules"`
}

// Catalog is a static module list decoded from TOML.
type Catalog struct {
	modules []domain.Module
}

// BuiltinCatalog returns the catalog compiled into the binary.
func BuiltinCatalog() *Catalog {
	c, err := ParseCatalog(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("content: builtin catalog is invalid: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file. Unknown keys are rejected.
func LoadCatalog(path string) (*Catalog, error) {
	var f catalogFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in catalog %s: %s", path, strings.Join(keys, ", "))
	}
	return newCatalog(f.Modules)
}

// ParseCatalog decodes a catalog from TOML text.
func ParseCatalog(data string) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.Decode(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return newCatalog(f.Modules)
}

func newCatalog(modules []domain.Module) (*Catalog, error) {
	if len(modules) == 0 {
		return nil, ErrNoModules
	}
	for i := range modules {
		modules[i].OrderIndex = i
		if err := modules[i].Validate(); err != nil {
			return nil, fmt.Errorf("catalog module %d: %w", i+1, err)
		}
	}
	return &Catalog{modules: modules}, nil
}

// Modules returns a copy of the catalog.
func (c *Catalog) Modules(context.Context) ([]domain.Module, error) {
	out := make([]domain.Module, len(c.modules))
	copy(out, c.modules)
	return out, nil
}

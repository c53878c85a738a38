package graphapi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/richinsley/comfy2video/internal/pkg/errors"
)

// Registry maps model variants to validated templates. Templates are immutable,
// so they are handed out directly and callers bind on Instantiate copies.
// A Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*GraphTemplate
	aliases   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*GraphTemplate),
		aliases:   make(map[string]string),
	}
}

func normalizeVariant(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Register adds a template under variant. Registering a variant twice is an error.
func (r *Registry) Register(variant string, t *GraphTemplate) error {
	variant = normalizeVariant(variant)
	if variant == "" || t == nil {
		return fmt.Errorf("graphapi: register needs a variant and a template")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[variant]; ok {
		return fmt.Errorf("graphapi: variant %q already registered", variant)
	}
	if _, ok := r.aliases[variant]; ok {
		return fmt.Errorf("graphapi: variant %q is already an alias", variant)
	}
	r.templates[variant] = t
	return nil
}

// Alias makes alias resolve to an already registered variant.
func (r *Registry) Alias(alias, variant string) error {
	alias, variant = normalizeVariant(alias), normalizeVariant(variant)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.templates[variant]; !ok {
		return errors.UnknownVariant(variant)
	}
	if _, ok := r.templates[alias]; ok {
		return fmt.Errorf("graphapi: alias %q shadows a registered variant", alias)
	}
	r.aliases[alias] = variant
	return nil
}

// Resolve returns the canonical variant name for a variant or alias.
func (r *Registry) Resolve(variant string) (string, error) {
	v := normalizeVariant(variant)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[v]; ok {
		v = target
	}
	if _, ok := r.templates[v]; !ok {
		return "", errors.UnknownVariant(variant)
	}
	return v, nil
}

// Template returns the template for a variant or alias, or an UNKNOWN_VARIANT error.
func (r *Registry) Template(variant string) (*GraphTemplate, error) {
	v, err := r.Resolve(variant)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.templates[v], nil
}

// Variants lists the registered variant names, sorted. Aliases are not included.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// LoadFile registers a template from an API-format *.json graph or a ComfyUI *.png.
// The variant name is the file name without extension.
func (r *Registry) LoadFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	variant := normalizeVariant(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	var (
		t   *GraphTemplate
		err error
	)
	switch ext {
	case ".json":
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return "", err
		}
		t, err = ParseTemplate(variant, data)
	case ".png":
		var f *os.File
		f, err = os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		t, err = TemplateFromPNG(variant, f)
	default:
		return "", fmt.Errorf("graphapi: unsupported template file %s", path)
	}
	if err != nil {
		return "", err
	}
	return variant, r.Register(variant, t)
}

// LoadDir registers every *.json and *.png template in dir and returns the
// variants it added, sorted.
func (r *Registry) LoadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".png":
		default:
			continue
		}
		variant, err := r.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return added, errors.Wrapf(err, "graphapi.LoadDir", "load %s", e.Name())
		}
		added = append(added, variant)
	}
	sort.Strings(added)
	return added, nil
}

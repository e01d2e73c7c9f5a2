package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"numir/internal/ir"
)

// objectSchemaVersion guards the on-disk payload layout. Bump on any
// incompatible change to ObjectPayload.
const objectSchemaVersion uint16 = 1

// ObjectPayload is one cached module object: the final IR text plus the
// serialized shader binaries keyed by device module name. OptLevel records
// the code-gen level the module was compiled at, so a dumped object is not
// reused under a different level.
type ObjectPayload struct {
	Schema   uint16
	Name     string
	OptLevel int
	IR       string
	Binaries map[string][]uint32
}

// ObjectCache keeps the object payloads of loaded modules.
type ObjectCache struct {
	mu      sync.RWMutex
	objects map[string]ObjectPayload
}

// NewObjectCache returns an empty cache.
func NewObjectCache() *ObjectCache {
	return &ObjectCache{objects: make(map[string]ObjectPayload)}
}

// Put stores a payload under its module name.
func (c *ObjectCache) Put(p ObjectPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[p.Name] = p
}

// Get returns the payload for name, false if absent.
func (c *ObjectCache) Get(name string) (ObjectPayload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.objects[name]
	return p, ok
}

// Len returns the number of cached payloads.
func (c *ObjectCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// WriteFile writes every payload to path, sorted by name. The file is
// staged in a temp sibling and renamed into place so readers never see a
// partial object file.
func (c *ObjectCache) WriteFile(path string) error {
	c.mu.RLock()
	payloads := make([]ObjectPayload, 0, len(c.objects))
	for _, p := range c.objects {
		payloads = append(payloads, p)
	}
	c.mu.RUnlock()
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].Name < payloads[j].Name })

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("engine: object file: %w", err)
	}
	f, err := os.CreateTemp(dir, ".numir-obj-*")
	if err != nil {
		return fmt.Errorf("engine: object file: %w", err)
	}
	tmp := f.Name()
	if err := msgpack.NewEncoder(f).Encode(payloads); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("engine: object file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("engine: object file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("engine: object file: %w", err)
	}
	return nil
}

// ReadObjectFile loads payloads written by WriteFile. A schema mismatch is
// an error; the caller decides whether to fall back to recompilation.
func ReadObjectFile(path string) ([]ObjectPayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var payloads []ObjectPayload
	if err := msgpack.NewDecoder(f).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("engine: object file %s: %w", path, err)
	}
	for _, p := range payloads {
		if p.Schema != objectSchemaVersion {
			return nil, fmt.Errorf("engine: object file %s: schema %d, want %d",
				path, p.Schema, objectSchemaVersion)
		}
	}
	return payloads, nil
}

// makePayload captures a loaded module's cacheable object: printed IR and
// the shader binaries attached by kernel serialization.
func makePayload(name string, m *ir.Module, optLevel int) ObjectPayload {
	p := ObjectPayload{
		Schema:   objectSchemaVersion,
		Name:     name,
		OptLevel: optLevel,
		IR:       ir.Print(m),
		Binaries: make(map[string][]uint32),
	}
	prefix := ir.AttrNameBinary + ":"
	for _, na := range m.Attrs {
		if strings.HasPrefix(na.Name, prefix) && na.Attr.Kind == ir.AttrWords {
			p.Binaries[strings.TrimPrefix(na.Name, prefix)] = na.Attr.Words
		}
	}
	return p
}

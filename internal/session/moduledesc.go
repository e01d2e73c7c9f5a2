package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"numir/internal/plier"
)

// moduleSchemaVersion guards the module description file layout.
const moduleSchemaVersion uint16 = 1

// ModuleDesc is the CLI input unit: a named set of frontend function
// descriptions, stored msgpack-encoded on disk.
type ModuleDesc struct {
	Schema uint16
	Name   string
	Funcs  []plier.FuncDesc
}

// WriteModuleFile writes desc to path via a temp sibling and rename.
func WriteModuleFile(path string, desc ModuleDesc) error {
	desc.Schema = moduleSchemaVersion
	f, err := os.CreateTemp(filepath.Dir(path), ".numir-mod-*")
	if err != nil {
		return fmt.Errorf("session: module file: %w", err)
	}
	tmp := f.Name()
	if err := msgpack.NewEncoder(f).Encode(desc); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("session: module file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: module file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: module file: %w", err)
	}
	return nil
}

// ReadModuleFile loads a module description written by WriteModuleFile.
func ReadModuleFile(path string) (ModuleDesc, error) {
	var desc ModuleDesc
	f, err := os.Open(path)
	if err != nil {
		return desc, err
	}
	defer f.Close()
	if err := msgpack.NewDecoder(f).Decode(&desc); err != nil {
		return desc, fmt.Errorf("session: module file %s: %w", path, err)
	}
	if desc.Schema != moduleSchemaVersion {
		return desc, fmt.Errorf("session: module file %s: schema %d, want %d",
			path, desc.Schema, moduleSchemaVersion)
	}
	return desc, nil
}

package worker

import (
	"fmt"

	"github.com/kazz187/bugyo/pkg/cerr"
)

const maxNameLength = 64

// ValidateName checks a worker name: non-empty, at most 64 bytes, and
// restricted to ASCII alphanumerics, underscore, hyphen and Japanese
// script ranges.
func ValidateName(name string) error {
	if name == "" {
		return cerr.NewError(cerr.InvalidArgument, "worker name is empty", nil)
	}
	if len(name) > maxNameLength {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("worker name exceeds maximum length of %d characters", maxNameLength), nil)
	}
	var invalid []rune
	for _, r := range name {
		if !isNameRune(r) {
			invalid = append(invalid, r)
		}
	}
	if len(invalid) > 0 {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("worker name contains invalid characters: %s", string(invalid)), nil)
	}
	return nil
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	case r >= 0x3040 && r <= 0x309F: // Hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // Katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // Kanji
		return true
	}
	return false
}

// NameRegistry maps worker names to ids and enforces global uniqueness.
// It is owned exclusively by the orchestrator goroutine and needs no lock.
type NameRegistry struct {
	nameToID map[string]ID
}

func NewNameRegistry() *NameRegistry {
	return &NameRegistry{nameToID: make(map[string]ID)}
}

func (r *NameRegistry) Register(name string, id ID) error {
	if existing, ok := r.nameToID[name]; ok {
		return cerr.NewError(cerr.AlreadyExists,
			fmt.Sprintf("worker name %q is already in use by worker %d", name, existing), nil)
	}
	r.nameToID[name] = id
	return nil
}

func (r *NameRegistry) Unregister(name string) {
	delete(r.nameToID, name)
}

// Rename moves a name to a new one. Renaming to a name held by a different
// worker fails without mutation; renaming to the same name is a no-op.
func (r *NameRegistry) Rename(oldName, newName string, id ID) error {
	if existing, ok := r.nameToID[newName]; ok && existing != id {
		return cerr.NewError(cerr.AlreadyExists,
			fmt.Sprintf("worker name %q is already in use by worker %d", newName, existing), nil)
	}
	delete(r.nameToID, oldName)
	r.nameToID[newName] = id
	return nil
}

func (r *NameRegistry) IsAvailable(name string) bool {
	_, ok := r.nameToID[name]
	return !ok
}

func (r *NameRegistry) GetID(name string) (ID, bool) {
	id, ok := r.nameToID[name]
	return id, ok
}

// ABOUTME: Table and index declarations plus their validation
// ABOUTME: The aggregate store version is derived from declared table versions

package schema

import (
	"fmt"
	"slices"

	"github.com/2389/tablecache/internal/idb"
)

// IndexDeclaration describes one secondary index.
type IndexDeclaration struct {
	KeyPath idb.KeyPath
	Options idb.IndexOptions
}

// TableDeclaration describes one table the store must hold.
type TableDeclaration struct {
	Name string
	// URL is the resource whose data the table caches. Optional.
	URL string
	// PrimaryKey empty means an out-of-line auto-increment key.
	PrimaryKey idb.KeyPath
	// Version defaults to 1 when zero.
	Version int
	Indexes map[string]IndexDeclaration
	// Encrypt lists fields stored as ciphertext.
	Encrypt []string
	// Decrypt lists fields decrypted on read. Defaults to Encrypt.
	Decrypt []string
}

// EffectiveVersion is Version with the zero default applied.
func (d TableDeclaration) EffectiveVersion() int {
	if d.Version == 0 {
		return 1
	}
	return d.Version
}

// ReadFields returns the fields to decrypt when reading the table.
func (d TableDeclaration) ReadFields() []string {
	if len(d.Decrypt) > 0 {
		return d.Decrypt
	}
	return d.Encrypt
}

// Encrypted reports whether the table stores any ciphertext.
func (d TableDeclaration) Encrypted() bool {
	return len(d.Encrypt) > 0 || len(d.Decrypt) > 0
}

// IndexNames returns the declared index names sorted.
func (d TableDeclaration) IndexNames() []string {
	names := make([]string, 0, len(d.Indexes))
	for name := range d.Indexes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate checks a single declaration.
func (d TableDeclaration) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: table name is required", ErrInvalidDeclaration)
	}
	if d.Version < 0 {
		return fmt.Errorf("%w: table %q has negative version %d", ErrInvalidDeclaration, d.Name, d.Version)
	}
	if err := d.PrimaryKey.Validate(); err != nil {
		return fmt.Errorf("%w: table %q primary key: %v", ErrInvalidDeclaration, d.Name, err)
	}
	for name, idx := range d.Indexes {
		if name == "" {
			return fmt.Errorf("%w: table %q has an unnamed index", ErrInvalidDeclaration, d.Name)
		}
		if len(idx.KeyPath) == 0 {
			return fmt.Errorf("%w: index %q on %q needs a key path", ErrInvalidDeclaration, name, d.Name)
		}
		if err := idx.KeyPath.Validate(); err != nil {
			return fmt.Errorf("%w: index %q on %q: %v", ErrInvalidDeclaration, name, d.Name, err)
		}
		if idx.Options.MultiEntry && idx.KeyPath.IsComposite() {
			return fmt.Errorf("%w: multi-entry index %q on %q cannot be composite", ErrInvalidDeclaration, name, d.Name)
		}
	}
	for _, f := range append(slices.Clone(d.Encrypt), d.Decrypt...) {
		if err := (idb.KeyPath{f}).Validate(); err != nil {
			return fmt.Errorf("%w: table %q encrypted field: %v", ErrInvalidDeclaration, d.Name, err)
		}
	}
	return nil
}

// AggregateVersion is the store version implied by decls and offset.
func AggregateVersion(decls []TableDeclaration, offset int) int {
	v := offset
	for _, d := range decls {
		v += d.EffectiveVersion()
	}
	return v
}

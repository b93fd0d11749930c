// Package unit defines the persisted form of an operation and the naming
// conventions shared by the store and the loader.
package unit

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies how a unit's source is executed.
type Kind string

const (
	KindJS   Kind = "js"
	KindWASM Kind = "wasm"
)

// Kinds lists the supported kinds in storage lookup order.
var Kinds = []Kind{KindJS, KindWASM}

// MaxNameLength bounds operation names so storage keys stay portable.
const MaxNameLength = 64

// fileSuffix is appended to the operation name to form the storage key.
const fileSuffix = "_package"

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Unit is a named block of source defining one operation.
type Unit struct {
	Name    string
	Kind    Kind
	Source  []byte
	ModTime time.Time
}

// Digest returns a stable content hash of the unit's kind and source.
func (u Unit) Digest() string {
	h := xxhash.New()
	h.WriteString(string(u.Kind))
	h.Write([]byte{0})
	h.Write(u.Source)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateName checks that name can be used as a storage key and a symbol.
func ValidateName(name string) error {
	if name == "" {
		return ValidationError{"package_name", "must not be empty"}
	}
	if len(name) > MaxNameLength {
		return ValidationError{"package_name", fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	if !namePattern.MatchString(name) {
		return ValidationError{"package_name", "must start with a letter or underscore and contain only letters, digits and underscores"}
	}
	return nil
}

// ParseKind maps a request value to a Kind. An empty value means KindJS.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "", KindJS:
		return KindJS, nil
	case KindWASM:
		return KindWASM, nil
	}
	return "", ValidationError{"kind", fmt.Sprintf("unsupported kind %q", s)}
}

// SymbolName derives the exported symbol a unit must define: the first
// letter of name upper-cased, the rest unchanged.
func SymbolName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

// FileName returns the storage key for a unit.
func FileName(name string, kind Kind) string {
	return name + fileSuffix + "." + string(kind)
}

// ParseFileName reverses FileName. ok is false for files outside the
// naming convention.
func ParseFileName(file string) (name string, kind Kind, ok bool) {
	for _, k := range Kinds {
		base, found := strings.CutSuffix(file, fileSuffix+"."+string(k))
		if !found {
			continue
		}
		if ValidateName(base) != nil {
			return "", "", false
		}
		return base, k, true
	}
	return "", "", false
}

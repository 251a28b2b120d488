package snapshot

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Format describes the sections a snapshot version carries, in stream order.
type Format struct {
	Version  uint32
	Sections []string
	// Legacy formats keep the genesis state in their own section.
	Legacy bool
}

// Check verifies that r carries exactly the sections of f in order.
func (f Format) Check(r *Reader) error {
	if r.Version() != f.Version {
		return fmt.Errorf("reader has version %d, format %d", r.Version(), f.Version)
	}
	got := r.Sections()
	for i, want := range f.Sections {
		if i >= len(got) {
			return fmt.Errorf("version %d: %s: %w", f.Version, want, ErrMissingSection)
		}
		if got[i] != want {
			return fmt.Errorf("version %d: want %s at %d, found %s: %w", f.Version, want, i, got[i], ErrUnexpectedSection)
		}
	}
	if len(got) > len(f.Sections) {
		return fmt.Errorf("version %d: %s: %w", f.Version, got[len(f.Sections)], ErrUnexpectedSection)
	}
	return nil
}

func (f Format) Has(section string) bool {
	return slices.Contains(f.Sections, section)
}

// Registry maps versions to formats.
type Registry struct {
	formats map[uint32]Format
	current uint32
}

func NewRegistry(formats ...Format) *Registry {
	r := &Registry{formats: make(map[uint32]Format)}
	for _, f := range formats {
		r.formats[f.Version] = f
		if f.Version > r.current {
			r.current = f.Version
		}
	}
	return r
}

// Current is the newest registered format, the one writers use.
func (r *Registry) Current() Format {
	return r.formats[r.current]
}

func (r *Registry) Lookup(version uint32) (Format, error) {
	f, ok := r.formats[version]
	if !ok {
		return Format{}, fmt.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}
	return f, nil
}

// Versions lists the registered versions in ascending order.
func (r *Registry) Versions() []uint32 {
	out := make([]uint32, 0, len(r.formats))
	for v := range r.formats {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EncodeRow serializes a row. Struct fields are written by their msgpack tags.
func EncodeRow(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return raw, nil
}

func DecodeRow(raw []byte, v any) error {
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}
	return nil
}

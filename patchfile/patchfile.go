// Package patchfile reads patch definitions from YAML files.
package patchfile

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math"

	"github.com/OpenYiffGames/ilpatch/cil"
	"github.com/OpenYiffGames/ilpatch/patchlib"
	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Log is used to log debugging messages.
var Log = func(format string, a ...interface{}) {}

// Roles a hook may be required to call.
const (
	RoleAnchor = "anchor"
	RoleHelper = "helper"
)

// Definition describes a patch: how to find the four cooperating methods,
// and the identity recorded in the patched assembly.
//
// The anchor is found by scanning every assembly for its signature. The
// helper, entry and hook must be in the anchor's type (the hook anywhere in
// the anchor's assembly). The entry method gets a call to the hook inserted
// before its first return.
type Definition struct {
	ID      string  `yaml:"id"`
	Version string  `yaml:"version,omitempty"`
	Marker  *Marker `yaml:"marker,omitempty"`
	Anchor  Anchor  `yaml:"anchor"`
	Helper  Helper  `yaml:"helper"`
	Entry   Entry   `yaml:"entry"`
	Hook    Hook    `yaml:"hook"`
}

// Marker names the attribute type used to record the patch.
type Marker struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

// Anchor is located by a structural signature across the whole directory.
type Anchor struct {
	Signature string `yaml:"signature"`
}

// Helper is located in the anchor's type by a signature template whose
// placeholders are filled from the anchor's assembly.
type Helper struct {
	Template string           `yaml:"template"`
	Values   map[string]Value `yaml:"values,omitempty"`
}

// Value is a template value. Exactly one field must be set.
type Value struct {
	// MemberRef resolves to the little-endian bytes of a method reference
	// token.
	MemberRef *MemberRef `yaml:"memberRef,omitempty"`
	// UserString resolves to the little-endian bytes of the ldstr token of a
	// string literal.
	UserString *string `yaml:"userString,omitempty"`
	// UserStringIndex resolves to the record number form of a user string
	// token.
	UserStringIndex *string `yaml:"userStringIndex,omitempty"`
	// Int is rendered most significant byte first.
	Int *int64 `yaml:"int,omitempty"`
	// Hex is inserted as-is and may contain ?? wildcards.
	Hex *string `yaml:"hex,omitempty"`
}

// MemberRef identifies a method reference by the simple name of its
// declaring type.
type MemberRef struct {
	Type   string `yaml:"type"`
	Method string `yaml:"method"`
}

// Entry is the method of the anchor's type which gets the call inserted.
type Entry struct {
	Name string `yaml:"name"`
}

// Hook is the method called from the entry. Candidates matching the
// signature are narrowed to the one which calls any of the methods named by
// Calls.
type Hook struct {
	Signature string   `yaml:"signature"`
	Calls     []string `yaml:"calls"`
}

// Parse parses a Definition from buf. Unknown fields are an error.
func Parse(buf []byte) (*Definition, error) {
	Log("parsing patch definition\n")
	d := &Definition{}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, errors.Wrap(err, "error parsing patch definition")
	}
	if d.Version == "" {
		d.Version = "0.0.0"
	}
	return d, nil
}

// ReadFromFile reads a Definition from a file (but does not validate it).
func ReadFromFile(filename string) (*Definition, error) {
	buf, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open patch file: %w", err)
	}

	d, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("could not parse patch file: %w", err)
	}

	return d, nil
}

// Validate checks the definition without reading any assembly.
func (d *Definition) Validate() error {
	Log("validating patch definition\n")
	if _, err := d.Identity(); err != nil {
		return err
	}
	if d.Marker != nil && d.Marker.Name == "" {
		return errors.New("marker: name is required")
	}
	if _, err := patchlib.CompileSignature(d.Anchor.Signature); err != nil {
		return errors.Wrap(err, "anchor: signature")
	}
	if d.Helper.Template == "" {
		return errors.New("helper: template is required")
	}
	tmpl := patchlib.ParseTemplate(d.Helper.Template)
	dummy := patchlib.Values{}
	for _, name := range tmpl.Names() {
		v, ok := d.Helper.Values[name]
		if !ok {
			return errors.Wrapf(patchlib.ErrMissingValue, "helper: {%s}", name)
		}
		if err := v.validate(); err != nil {
			return errors.Wrapf(err, "helper: value %s", name)
		}
		dummy[name] = v.placeholder()
	}
	for name := range d.Helper.Values {
		if _, ok := dummy[name]; !ok {
			return errors.Errorf("helper: value %s is not used by the template", name)
		}
	}
	if _, err := tmpl.Render(dummy); err != nil {
		return errors.Wrap(err, "helper: template")
	}
	if d.Entry.Name == "" {
		return errors.New("entry: name is required")
	}
	if _, err := patchlib.CompileSignature(d.Hook.Signature); err != nil {
		return errors.Wrap(err, "hook: signature")
	}
	if len(d.Hook.Calls) == 0 {
		return errors.New("hook: calls must name at least one of anchor, helper")
	}
	for _, c := range d.Hook.Calls {
		if c != RoleAnchor && c != RoleHelper {
			return errors.Errorf("hook: unknown role %q in calls", c)
		}
	}
	return nil
}

func (v Value) validate() error {
	n := 0
	for _, set := range []bool{v.MemberRef != nil, v.UserString != nil, v.UserStringIndex != nil, v.Int != nil, v.Hex != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.Errorf("exactly one of memberRef, userString, userStringIndex, int, hex must be set (got %d)", n)
	}
	if v.MemberRef != nil && (v.MemberRef.Type == "" || v.MemberRef.Method == "") {
		return errors.New("memberRef: type and method are required")
	}
	return nil
}

// placeholder returns a value of the same rendered width as v.
func (v Value) placeholder() patchlib.Value {
	switch {
	case v.Int != nil:
		return patchlib.Int64(*v.Int)
	case v.Hex != nil:
		return patchlib.Hex(*v.Hex)
	default:
		return patchlib.TokenValue(0)
	}
}

// Resolve returns the template value of v in img.
func (v Value) Resolve(img *cil.Image) (patchlib.Value, error) {
	switch {
	case v.MemberRef != nil:
		tok, err := patchlib.FindMethodRefToken(img, v.MemberRef.Type, v.MemberRef.Method)
		if err != nil {
			return patchlib.Value{}, err
		}
		return patchlib.TokenValue(tok), nil
	case v.UserString != nil:
		u, ok, err := patchlib.FindUserString(img, *v.UserString)
		if err != nil {
			return patchlib.Value{}, err
		}
		if !ok {
			return patchlib.Value{}, errors.Wrapf(patchlib.ErrNotFound, "user string %q", *v.UserString)
		}
		return patchlib.TokenValue(u.OffsetToken()), nil
	case v.UserStringIndex != nil:
		tok, ok, err := patchlib.FindUserStringToken(img, *v.UserStringIndex)
		if err != nil {
			return patchlib.Value{}, err
		}
		if !ok {
			return patchlib.Value{}, errors.Wrapf(patchlib.ErrNotFound, "user string %q", *v.UserStringIndex)
		}
		return patchlib.TokenValue(tok), nil
	case v.Int != nil:
		if *v.Int >= math.MinInt32 && *v.Int <= math.MaxInt32 {
			return patchlib.Int32(int32(*v.Int)), nil
		}
		return patchlib.Int64(*v.Int), nil
	case v.Hex != nil:
		return patchlib.Hex(*v.Hex), nil
	}
	return patchlib.Value{}, patchlib.ErrUnsupportedType
}

// Identity returns the patch identity. The version may have at most three
// segments, each fitting an int32.
func (d *Definition) Identity() (patchlib.Identity, error) {
	var id patchlib.Identity
	u, err := uuid.Parse(d.ID)
	if err != nil {
		return id, errors.Wrapf(err, "id %q", d.ID)
	}
	id.ID = u
	vs := d.Version
	if vs == "" {
		vs = "0.0.0"
	}
	v, err := version.NewVersion(vs)
	if err != nil {
		return id, errors.Wrapf(err, "version %q", vs)
	}
	if v.Prerelease() != "" || v.Metadata() != "" || len(v.Segments64()) > 3 {
		return id, errors.Errorf("version %q must be major.minor.patch", vs)
	}
	seg := v.Segments64()
	for _, s := range seg {
		if s > math.MaxInt32 {
			return id, errors.Errorf("version %q: segment %d out of range", vs, s)
		}
	}
	id.Major, id.Minor, id.Patch = int32(seg[0]), int32(seg[1]), int32(seg[2])
	return id, nil
}

// MarkerType returns the marker attribute type, or the default.
func (d *Definition) MarkerType() patchlib.MarkerType {
	if d.Marker == nil {
		return patchlib.DefaultMarkerType
	}
	return patchlib.MarkerType{Namespace: d.Marker.Namespace, Name: d.Marker.Name}
}

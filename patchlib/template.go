package patchlib

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/OpenYiffGames/ilpatch/cil"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z]\w*)\}`)

// Template is a signature containing {name} placeholders.
type Template struct {
	text  string // whitespace removed
	names []string
}

// ParseTemplate extracts the placeholder names from text.
func ParseTemplate(text string) *Template {
	t := &Template{
		text: strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, text),
	}
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			t.names = append(t.names, m[1])
		}
	}
	sort.Strings(t.names)
	return t
}

// Names returns the distinct placeholder names, sorted.
func (t *Template) Names() []string {
	return append([]string(nil), t.names...)
}

type valueKind uint8

const (
	valueInvalid valueKind = iota
	valueInt
	valueHex
)

// Value is a placeholder value: an integer of a given byte width or a
// pre-formatted hex string.
type Value struct {
	kind  valueKind
	n     uint64
	width int
	hex   string
}

// Int8 and the other integer constructors render as upper-case hex, most
// significant byte first, with negative numbers in two's complement of their
// width.
func Int8(v int8) Value     { return Value{kind: valueInt, n: uint64(uint8(v)), width: 1} }
func Int16(v int16) Value   { return Value{kind: valueInt, n: uint64(uint16(v)), width: 2} }
func Int32(v int32) Value   { return Value{kind: valueInt, n: uint64(uint32(v)), width: 4} }
func Int64(v int64) Value   { return Value{kind: valueInt, n: uint64(v), width: 8} }
func Uint8(v uint8) Value   { return Value{kind: valueInt, n: uint64(v), width: 1} }
func Uint16(v uint16) Value { return Value{kind: valueInt, n: uint64(v), width: 2} }
func Uint32(v uint32) Value { return Value{kind: valueInt, n: uint64(v), width: 4} }
func Uint64(v uint64) Value { return Value{kind: valueInt, n: v, width: 8} }

// Hex is inserted into the signature as-is. It may contain ?? wildcards.
func Hex(s string) Value {
	return Value{kind: valueHex, hex: s}
}

// TokenValue renders a metadata token the way it is encoded in an
// instruction operand: four bytes, least significant first.
func TokenValue(tok cil.Token) Value {
	return Hex(strings.ToUpper(hex.EncodeToString(binary.LittleEndian.AppendUint32(nil, uint32(tok)))))
}

func (v Value) render() (string, error) {
	switch v.kind {
	case valueInt:
		s := strings.ToUpper(strconv.FormatUint(v.n, 16))
		if len(s)%2 != 0 {
			s = "0" + s
		}
		return s, nil
	case valueHex:
		return strings.Join(strings.Fields(v.hex), ""), nil
	default:
		return "", ErrUnsupportedType
	}
}

func (v Value) String() string {
	s, err := v.render()
	if err != nil {
		return "<invalid>"
	}
	return s
}

// Values maps placeholder names to values.
type Values map[string]Value

// RenderString substitutes every placeholder and returns the signature text
// split into byte tokens.
func (t *Template) RenderString(values Values) (string, error) {
	rendered := make(map[string]string, len(t.names))
	for _, name := range t.names {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%w: {%s}", ErrMissingValue, name)
		}
		s, err := v.render()
		if err != nil {
			return "", fmt.Errorf("{%s}: %w", name, err)
		}
		rendered[name] = s
	}
	text := placeholderRe.ReplaceAllStringFunc(t.text, func(m string) string {
		return rendered[m[1:len(m)-1]]
	})
	if len(text)%2 != 0 {
		return "", fmt.Errorf("%w: rendered signature %q has an odd number of digits", ErrInvalidSignature, text)
	}
	toks := make([]string, 0, len(text)/2)
	for i := 0; i < len(text); i += 2 {
		toks = append(toks, text[i:i+2])
	}
	return strings.Join(toks, " "), nil
}

// Render substitutes every placeholder and compiles the result.
func (t *Template) Render(values Values) (*Signature, error) {
	text, err := t.RenderString(values)
	if err != nil {
		return nil, err
	}
	return CompileSignature(text)
}

// Package codec converts arbitrary in-memory event payloads into JSON-safe
// structures before they reach the wire.
//
// The conversion is total: every representable Go value classifies into one
// of a closed set of variants {Map, Sequence, Primitive, Timestamp,
// EnumLike, TransportState, Structured, Opaque}, and every variant has a
// defined encoding. A single unencodable field must never abort delivery of
// an entire critical event, so the last resort is a logged string fallback,
// never an error.
package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/webitel/im-connection-manager/internal/domain/model"
)

// Mapper is the generic "to map" capability some payload types expose.
type Mapper interface {
	ToMap() map[string]any
}

// Codec encodes heterogeneous payloads. Pure and side-effect-free except
// for the diagnostic log on the opaque fallback path.
type Codec struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Codec {
	return &Codec{logger: logger}
}

// Encode converts v into a tree of maps, slices and primitives for which
// json.Marshal is guaranteed to succeed. Ordered fallback chain, first
// match wins.
func (c *Codec) Encode(v any) any {
	if v == nil {
		return nil
	}

	switch t := v.(type) {
	// 1. [PASSTHROUGH] Plain string-keyed map with directly encodable values.
	case map[string]any:
		if mapIsSafe(t) {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = c.Encode(val)
		}
		return out

	// 3. [TRANSPORT_STATE] Named special case: connection-state enums are
	// commonly embedded in diagnostic payloads and must stay human-readable.
	case model.ConnState:
		return strings.ToLower(t.String())

	// 5. [STRUCTURED_MARSHALER] Typed records that define their own wire
	// shape. RFC3339 timestamps come for free from encoding/json.
	case json.Marshaler:
		if raw, err := t.MarshalJSON(); err == nil {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				return decoded
			}
		}
		// Broken marshaler: fall through the reflective chain below.

	// 6. [TO_MAP] Generic "to map" capability.
	case Mapper:
		return c.Encode(map[string]any(t.ToMap()))

	// 8. [TIMESTAMP] ISO-8601 string conversion.
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case time.Duration:
		return t.String()

	// 10. [PRIMITIVES] Directly JSON-encodable as-is.
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	case []byte:
		return string(t)
	case error:
		return t.Error()
	}

	return c.encodeReflect(reflect.ValueOf(v))
}

// encodeReflect covers the shapes the type switch cannot name statically:
// enum-like defined types, arbitrary maps, composite structs and sequences.
func (c *Codec) encodeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return c.Encode(rv.Elem().Interface())

	// 2. [MAP_REBUILD] Non-string or enumerated-type keys are rendered to
	// their canonical lowercase name; values encode recursively.
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[encodeKey(iter.Key())] = c.Encode(iter.Value().Interface())
		}
		return out

	// 4. [ENUM_LIKE] Other enumerated types emit their underlying value.
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()

	// 7. [STRUCT_FLATTEN] Composite records flatten into a map and encode
	// recursively, honoring json tags where present.
	case reflect.Struct:
		return c.encodeStruct(rv)

	// 9. [SEQUENCE] Lists, arrays and set-like collections become ordered
	// sequences. Sets have no inherent order, so none is guaranteed.
	case reflect.Slice, reflect.Array:
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, c.Encode(rv.Index(i).Interface()))
		}
		return out
	}

	// 11. [OPAQUE_FALLBACK] An unanticipated type. Logged because it means a
	// caller handed us something the closed variant set does not know, but
	// delivery proceeds with its string representation.
	rendered := fmt.Sprintf("%v", rv.Interface())
	if c.logger != nil {
		c.logger.Warn("CODEC_FALLBACK",
			"go_type", rv.Type().String(),
			"rendered", rendered,
		)
	}
	return rendered
}

func (c *Codec) encodeStruct(rv reflect.Value) map[string]any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		omitEmpty := false
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitEmpty = true
				}
			}
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = c.Encode(fv.Interface())
	}
	return out
}

// encodeKey renders a map key. Enumerated-type keys (defined integer types
// with a symbolic name) use their canonical lowercase name.
func encodeKey(k reflect.Value) string {
	if s, ok := k.Interface().(fmt.Stringer); ok {
		return strings.ToLower(s.String())
	}
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprintf("%v", k.Interface())
}

// mapIsSafe reports whether every value in m is already directly
// JSON-encodable, allowing the whole map to pass through untouched.
func mapIsSafe(m map[string]any) bool {
	for _, v := range m {
		if !valueIsSafe(v) {
			return false
		}
	}
	return true
}

func valueIsSafe(v any) bool {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	case map[string]any:
		return mapIsSafe(t)
	case []any:
		for _, e := range t {
			if !valueIsSafe(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

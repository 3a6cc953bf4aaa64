// Package content implements CoAP Content-Format negotiation (RFC 7252
// §12.3) and the value-representation conversions a resource handler
// needs to serve the same underlying value in whatever format an Accept
// option names. It generalizes the teacher's Matrix JSON<->CBOR bridging
// (cbor.go/cbor_codec.go/cbor_v1.go) from a fixed event-key table to
// generic CoAP content-formats.
package content

import (
	"encoding/xml"
	"fmt"
	"reflect"
	"sort"

	cbor "github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/matrix-org/gomatrixserverlib"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format is a RFC 7252 §12.3 Content-Format registry number, extended
// with 60 (application/cbor, RFC 7049) per spec §6's subset.
type Format uint16

const (
	FormatTextPlain   Format = 0
	FormatLinkFormat  Format = 40
	FormatXML         Format = 41
	FormatOctetStream Format = 42
	FormatEXI         Format = 47
	FormatJSON        Format = 50
	FormatCBOR        Format = 60
)

// Codec converts a Go value to and from the bytes of a specific
// Content-Format, so a resource can store one canonical representation
// and serve whichever format the request's Accept option prefers.
type Codec struct {
	// Canonical selects RFC 7049 §3.9 canonical CBOR and Matrix Canonical
	// JSON output, matching the teacher's `canonical` flag — useful for
	// deterministic test fixtures and for ETag-stable notifications.
	Canonical bool
}

// Encode renders v (typically a map[string]interface{} or a []byte for
// octet-stream/plain-text) as the wire bytes of format.
func (c *Codec) Encode(format Format, v interface{}) ([]byte, error) {
	switch format {
	case FormatTextPlain, FormatOctetStream:
		switch t := v.(type) {
		case []byte:
			return t, nil
		case string:
			return []byte(t), nil
		default:
			return nil, fmt.Errorf("content: value of type %T cannot be rendered as plain text/octets", v)
		}
	case FormatJSON:
		if c.Canonical {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return gomatrixserverlib.CanonicalJSON(b)
		}
		return json.Marshal(v)
	case FormatCBOR:
		norm := normalizeForCBOR(v)
		if c.Canonical {
			enc, err := cbor.CanonicalEncOptions().EncMode()
			if err != nil {
				return nil, fmt.Errorf("content: building canonical CBOR encoder: %w", err)
			}
			return enc.Marshal(norm)
		}
		return cbor.Marshal(norm)
	case FormatXML:
		return xml.Marshal(v)
	default:
		return nil, fmt.Errorf("content: unsupported format %d", format)
	}
}

// Decode parses wire bytes of the given format back into a generic Go
// value (map[string]interface{}, []interface{}, or a scalar).
func (c *Codec) Decode(format Format, b []byte) (interface{}, error) {
	switch format {
	case FormatTextPlain, FormatOctetStream:
		return append([]byte(nil), b...), nil
	case FormatJSON:
		var v interface{}
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("content: decoding json: %w", err)
		}
		return v, nil
	case FormatCBOR:
		var v interface{}
		if err := cbor.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("content: decoding cbor: %w", err)
		}
		return normalizeFromCBOR(v), nil
	default:
		return nil, fmt.Errorf("content: unsupported format %d", format)
	}
}

// Negotiate picks the best content-format given the client's Accept
// values and the resource's supported-format mask, per §4.4's "the
// engine selects the intersection of client-accepted and
// resource-supported content-formats; failure yields 4.15 Unsupported
// Content-Format."
func Negotiate(accepted []Format, supportedMask uint64) (Format, bool) {
	for _, f := range accepted {
		if f < 64 && supportedMask&(1<<f) != 0 {
			return f, true
		}
	}
	return 0, false
}

// normalizeForCBOR mirrors the teacher's jsonInterfaceToCBORInterface: the
// fxamacker/cbor encoder is happy with map[string]interface{} directly
// (unlike the teacher's hand-rolled integer-key remap, which existed only
// to shrink Matrix event keys), so normalization here is limited to
// recursively walking slices/maps so nested values round-trip cleanly.
func normalizeForCBOR(v interface{}) interface{} {
	switch t := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeForCBOR(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalizeForCBOR(e)
		}
		return out
	default:
		return v
	}
}

// normalizeFromCBOR mirrors the teacher's cborInterfaceToJSONInterface:
// the CBOR decoder returns map[interface{}]interface{} for maps (CBOR
// permits non-string keys) but JSON requires string keys, so this walks
// the decoded tree converting every map to map[string]interface{},
// sorting int-valued keys before string-valued ones for determinism.
func normalizeFromCBOR(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch t := reflect.ValueOf(v); t.Kind() {
	case reflect.Slice:
		arr, ok := v.([]interface{})
		if !ok {
			return v
		}
		for i, e := range arr {
			arr[i] = normalizeFromCBOR(e)
		}
		return arr
	case reflect.Map:
		m, ok := v.(map[interface{}]interface{})
		if !ok {
			return v
		}
		result := make(map[string]interface{}, len(m))
		var intKeys []int
		intVals := make(map[int]interface{})
		var strKeys []string
		for k, val := range m {
			switch kt := k.(type) {
			case string:
				strKeys = append(strKeys, kt)
			default:
				if n, ok := toInt(kt); ok {
					intKeys = append(intKeys, n)
					intVals[n] = val
				}
			}
		}
		sort.Ints(intKeys)
		sort.Strings(strKeys)
		for _, n := range intKeys {
			result[fmt.Sprintf("%d", n)] = normalizeFromCBOR(intVals[n])
		}
		for _, k := range strKeys {
			result[k] = normalizeFromCBOR(m[k])
		}
		return result
	default:
		return v
	}
}

func toInt(k interface{}) (int, bool) {
	switch v := k.(type) {
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

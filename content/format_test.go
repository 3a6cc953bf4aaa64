package content

import "testing"

func TestJSONCBORRoundTrip(t *testing.T) {
	c := &Codec{}
	in := map[string]interface{}{"state": "ON", "level": float64(42)}

	cb, err := c.Encode(FormatCBOR, in)
	if err != nil {
		t.Fatalf("Encode cbor: %v", err)
	}
	out, err := c.Decode(FormatCBOR, cb)
	if err != nil {
		t.Fatalf("Decode cbor: %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if m["state"] != "ON" {
		t.Fatalf("got %+v", m)
	}

	js, err := c.Encode(FormatJSON, in)
	if err != nil {
		t.Fatalf("Encode json: %v", err)
	}
	out2, err := c.Decode(FormatJSON, js)
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	m2 := out2.(map[string]interface{})
	if m2["state"] != "ON" {
		t.Fatalf("got %+v", m2)
	}
}

func TestNegotiatePicksSupportedFormat(t *testing.T) {
	mask := uint64(1<<FormatJSON) | uint64(1<<FormatTextPlain)
	f, ok := Negotiate([]Format{FormatCBOR, FormatJSON}, mask)
	if !ok || f != FormatJSON {
		t.Fatalf("got %v, %v", f, ok)
	}
}

func TestNegotiateFailsWithNoIntersection(t *testing.T) {
	mask := uint64(1 << FormatTextPlain)
	if _, ok := Negotiate([]Format{FormatCBOR, FormatJSON}, mask); ok {
		t.Fatalf("expected no match")
	}
}

func TestPlainTextPassthrough(t *testing.T) {
	c := &Codec{}
	b, err := c.Encode(FormatTextPlain, "1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != "1" {
		t.Fatalf("got %q", b)
	}
}

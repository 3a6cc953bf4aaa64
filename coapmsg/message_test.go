package coapmsg

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripSimple(t *testing.T) {
	m := Message{
		Type:  CON,
		Code:  GET,
		ID:    0xabcd,
		Token: []byte{0x01, 0x02},
		Options: Options{
			NewUintOption(OptionObserve, 0),
			NewStringOption(OptionURIPath, "lights"),
			NewStringOption(OptionURIPath, "led3"),
			NewUintOption(OptionAccept, 0),
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != m.Type || got.Code != m.Code || got.ID != m.ID {
		t.Fatalf("header mismatch: got %+v want %+v", got, m)
	}
	if !bytes.Equal(got.Token, m.Token) {
		t.Fatalf("token mismatch: got %x want %x", got.Token, m.Token)
	}
	if len(got.Options) != len(m.Options) {
		t.Fatalf("option count mismatch: got %d want %d", len(got.Options), len(m.Options))
	}
}

// TestRoundTripProperty exercises the §8 "Round-trip" property: for every
// well-formed message, decode(encode(m)) == m modulo option ordering.
func TestRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		m := randomMessage(rng)
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("iteration %d: Encode: %v", i, err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("iteration %d: Decode: %v", i, err)
		}
		if got.Type != m.Type || got.Code != m.Code || got.ID != m.ID {
			t.Fatalf("iteration %d: header mismatch: got %+v want %+v", i, got, m)
		}
		if !bytes.Equal(got.Token, m.Token) {
			t.Fatalf("iteration %d: token mismatch", i)
		}
		if !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("iteration %d: payload mismatch", i)
		}
		if len(got.Options) != len(m.Options) {
			t.Fatalf("iteration %d: option count mismatch: got %d want %d", i, len(got.Options), len(m.Options))
		}
		for j := range got.Options {
			if got.Options[j].ID != m.Options[j].ID || !bytes.Equal(got.Options[j].Value, m.Options[j].Value) {
				t.Fatalf("iteration %d: option %d mismatch: got %+v want %+v", i, j, got.Options[j], m.Options[j])
			}
		}
	}
}

// TestOptionDeltaMonotonicity covers the §8 property directly: the decoded
// option sequence must be non-decreasing by option-number.
func TestOptionDeltaMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		m := randomMessage(rng)
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for j := 1; j < len(got.Options); j++ {
			if got.Options[j].ID < got.Options[j-1].ID {
				t.Fatalf("options not monotonic: %+v", got.Options)
			}
		}
	}
}

func randomMessage(rng *rand.Rand) Message {
	tklen := rng.Intn(MaxTokenLength + 1)
	token := make([]byte, tklen)
	rng.Read(token)

	var opts Options
	ids := []OptionID{OptionURIPath, OptionContentFormat, OptionMaxAge, OptionObserve, OptionURIQuery, OptionAccept}
	n := rng.Intn(6)
	for i := 0; i < n; i++ {
		id := ids[rng.Intn(len(ids))]
		switch id {
		case OptionURIPath, OptionURIQuery:
			opts = append(opts, NewStringOption(id, randomString(rng, rng.Intn(10))))
		default:
			opts = append(opts, NewUintOption(id, uint32(rng.Intn(1<<24))))
		}
	}
	opts.Sort()

	var payload []byte
	if rng.Intn(2) == 0 {
		payload = make([]byte, rng.Intn(32))
		rng.Read(payload)
	}

	return Message{
		Type:    Type(rng.Intn(4)),
		Code:    Code(rng.Intn(256)),
		ID:      uint16(rng.Intn(1 << 16)),
		Token:   token,
		Options: opts,
		Payload: payload,
	}
}

func randomString(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

func TestEncodeRejectsLongToken(t *testing.T) {
	m := Message{Token: make([]byte, 9)}
	if _, err := Encode(m); err != ErrTokenTooLong {
		t.Fatalf("expected ErrTokenTooLong, got %v", err)
	}
}

func TestEncodeRejectsUnorderedOptions(t *testing.T) {
	m := Message{Options: Options{
		NewUintOption(OptionMaxAge, 1),
		NewUintOption(OptionObserve, 1),
	}}
	if _, err := Encode(m); err != ErrOptionsUnordered {
		t.Fatalf("expected ErrOptionsUnordered, got %v", err)
	}
}

// TestPingInvariant is the §8 scenario 4 fixture: an inbound empty CON
// with mid M decodes cleanly and IsPing/EmptyReset produce the matching
// empty RST.
func TestPingInvariant(t *testing.T) {
	in := []byte{0x40, 0x00, 0xab, 0xcd}
	m, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !m.IsPing() {
		t.Fatalf("expected ping, got %+v", m)
	}
	out, err := Encode(EmptyReset(m.ID))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x70, 0x00, 0xab, 0xcd}
	if !bytes.Equal(out, want) {
		t.Fatalf("got % x want % x", out, want)
	}
}

func TestExtendedOptionForms(t *testing.T) {
	// option-number 300 forces the nibble-14 (two extension bytes) delta
	// form, and a 300-byte value forces the same on length.
	m := Message{
		Code: Content,
		Type: NON,
		ID:   1,
		Options: Options{
			{ID: 300, Value: bytes.Repeat([]byte{0x42}, 300)},
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Options) != 1 || got.Options[0].ID != 300 || len(got.Options[0].Value) != 300 {
		t.Fatalf("got %+v", got.Options)
	}
}

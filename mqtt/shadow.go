package mqtt

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Shadow is a retained-state JSON document kept alongside a Client: an
// application patches fields into it and publishes the result as a
// retained message, then reads fields back out of inbound PUBLISH
// payloads addressed to the shadow's update topic. Grounded on the
// gjson/sjson dependency named in the domain stack; no teacher file
// shapes this directly since matrix-org-lb has no device-state concept,
// so the shape follows gjson/sjson's own get/set idiom.
type Shadow struct {
	doc string
}

// NewShadow starts from an existing JSON document, or "{}" if empty.
func NewShadow(initial string) *Shadow {
	if initial == "" {
		initial = "{}"
	}
	return &Shadow{doc: initial}
}

// Set patches a single field into the shadow document, addressed by a
// gjson/sjson dotted path (e.g. "reported.temperature").
func (s *Shadow) Set(path string, value interface{}) error {
	doc, err := sjson.Set(s.doc, path, value)
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// SetRaw patches in a pre-encoded JSON fragment rather than a Go value.
func (s *Shadow) SetRaw(path string, json string) error {
	doc, err := sjson.SetRaw(s.doc, path, json)
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// Delete removes a field from the shadow document.
func (s *Shadow) Delete(path string) error {
	doc, err := sjson.Delete(s.doc, path)
	if err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// Get reads a field out of the shadow document.
func (s *Shadow) Get(path string) gjson.Result {
	return gjson.Get(s.doc, path)
}

// JSON returns the shadow's current document, ready to publish.
func (s *Shadow) JSON() []byte {
	return []byte(s.doc)
}

// ApplyPublish merges an inbound PUBLISH payload's fields into the
// document at the given root path (typically "reported" or "desired"),
// returning the value found at each of the requested fields.
func (s *Shadow) ApplyPublish(root string, p Publish, fields ...string) (map[string]gjson.Result, error) {
	incoming := gjson.ParseBytes(p.Payload)
	out := make(map[string]gjson.Result, len(fields))
	for _, f := range fields {
		v := incoming.Get(f)
		out[f] = v
		path := f
		if root != "" {
			path = root + "." + f
		}
		if v.Exists() {
			if err := s.SetRaw(path, v.Raw); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

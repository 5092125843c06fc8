// Package events defines the CloudEvents v1.0 envelope and the immutable
// event record persisted by the durable log.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// SpecVersion is the only CloudEvents version the core accepts.
const SpecVersion = "1.0"

// Envelope is a CloudEvents v1.0 structured event.
// Unknown top-level attributes are preserved as extensions on round trip.
type Envelope struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	Data            json.RawMessage
	Extensions      map[string]json.RawMessage
}

// New creates an envelope with a fresh id and the current UTC time.
func New(eventType, source string) *Envelope {
	return &Envelope{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
	}
}

// WithData sets the payload, marshaling v to JSON.
func (e *Envelope) WithData(v any) (*Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	e.Data = raw
	return e, nil
}

// coreAttributes are the reserved CloudEvents top-level keys.
var coreAttributes = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"data":            true,
}

type wireEnvelope struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON flattens extension attributes next to the core attributes.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(wireEnvelope{
		SpecVersion:     e.SpecVersion,
		Type:            e.Type,
		Source:          e.Source,
		ID:              e.ID,
		Time:            e.Time,
		DataContentType: e.DataContentType,
		Data:            e.Data,
	})
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		if !coreAttributes[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON gathers non-core attributes into Extensions.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}

	e.SpecVersion = w.SpecVersion
	e.Type = w.Type
	e.Source = w.Source
	e.ID = w.ID
	e.Time = w.Time
	e.DataContentType = w.DataContentType
	e.Data = w.Data
	e.Extensions = nil
	for k, v := range all {
		if !coreAttributes[k] {
			if e.Extensions == nil {
				e.Extensions = make(map[string]json.RawMessage)
			}
			e.Extensions[k] = v
		}
	}
	return nil
}

// JSON serializes the envelope for transport and function input.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Parse deserializes an envelope from JSON.
func Parse(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &e, nil
}

// Clone returns a deep copy. The payload bytes are copied so a derived
// envelope can never alias the original record's data.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Extensions != nil {
		c.Extensions = make(map[string]json.RawMessage, len(e.Extensions))
		for k, v := range e.Extensions {
			c.Extensions[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// PayloadHash returns "sha256:<hex>" of the RFC 8785 canonical form of the
// payload, or of the raw bytes when the payload is not JSON.
func (e *Envelope) PayloadHash() string {
	data := []byte(e.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		canonical = data
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Payload carries the kind-specific fields of a shape. Modeling these as a
// closed set of variants keeps illegal combinations (star points on a
// rectangle) unrepresentable.
type Payload interface {
	PayloadKind() Kind
	clone() Payload
}

// TextPayload holds the fields of a text shape.
type TextPayload struct {
	Text       string  `json:"text"`
	FontSize   float64 `json:"fontSize"`
	FontFamily string  `json:"fontFamily,omitempty"`
}

func (p TextPayload) PayloadKind() Kind { return KindText }
func (p TextPayload) clone() Payload    { return p }

// StarPayload holds the fields of a star shape.
type StarPayload struct {
	Points      int     `json:"numPoints"`
	InnerRadius float64 `json:"innerRadius"`
}

func (p StarPayload) PayloadKind() Kind { return KindStar }
func (p StarPayload) clone() Payload    { return p }

// PolygonPayload holds the fields of a regular polygon shape.
type PolygonPayload struct {
	Sides int `json:"numSides"`
}

func (p PolygonPayload) PayloadKind() Kind { return KindPolygon }
func (p PolygonPayload) clone() Payload    { return p }

// PathPayload holds a freehand path as a point sequence.
type PathPayload struct {
	Points []Point `json:"points"`
}

func (p PathPayload) PayloadKind() Kind { return KindPath }

func (p PathPayload) clone() Payload {
	out := PathPayload{}
	if p.Points != nil {
		out.Points = make([]Point, len(p.Points))
		copy(out.Points, p.Points)
	}
	return out
}

// ImagePayload holds the source reference of an image shape.
type ImagePayload struct {
	Source string `json:"src"`
}

func (p ImagePayload) PayloadKind() Kind { return KindImage }
func (p ImagePayload) clone() Payload    { return p }

// DefaultPayload returns the zero-value payload for a kind, or nil for kinds
// that carry no extra fields.
func DefaultPayload(kind Kind) Payload {
	switch kind {
	case KindText:
		return TextPayload{Text: "Text", FontSize: 16}
	case KindStar:
		return StarPayload{Points: 5, InnerRadius: 0.5}
	case KindPolygon:
		return PolygonPayload{Sides: 6}
	case KindPath:
		return PathPayload{}
	case KindImage:
		return ImagePayload{}
	default:
		return nil
	}
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return DefaultPayload(kind), nil
	}
	switch kind {
	case KindText:
		var p TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode text payload: %w", err)
		}
		return p, nil
	case KindStar:
		var p StarPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode star payload: %w", err)
		}
		return p, nil
	case KindPolygon:
		var p PolygonPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode polygon payload: %w", err)
		}
		return p, nil
	case KindPath:
		var p PathPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode path payload: %w", err)
		}
		return p, nil
	case KindImage:
		var p ImagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode image payload: %w", err)
		}
		return p, nil
	default:
		return nil, nil
	}
}

type shapeJSON struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"type"`
	Transform  Transform       `json:"transform"`
	Paint      Paint           `json:"paint"`
	ZIndex     int             `json:"zIndex"`
	Seq        uint64          `json:"seq,omitempty"`
	CreatedBy  string          `json:"createdBy,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ModifiedBy string          `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time       `json:"modifiedAt"`
	Lock       Lock            `json:"lock"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the shape with its payload nested under "payload",
// keyed by the shape kind.
func (s Shape) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if s.Payload != nil {
		encoded, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", s.Kind, err)
		}
		raw = encoded
	}
	return json.Marshal(shapeJSON{
		ID:         s.ID,
		Kind:       s.Kind,
		Transform:  s.Transform,
		Paint:      s.Paint,
		ZIndex:     s.ZIndex,
		Seq:        s.Seq,
		CreatedBy:  s.CreatedBy,
		CreatedAt:  s.CreatedAt,
		ModifiedBy: s.ModifiedBy,
		ModifiedAt: s.ModifiedAt,
		Lock:       s.Lock,
		Payload:    raw,
	})
}

// UnmarshalJSON decodes a shape, selecting the payload variant by kind.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var sj shapeJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	payload, err := decodePayload(sj.Kind, sj.Payload)
	if err != nil {
		return err
	}
	*s = Shape{
		ID:         sj.ID,
		Kind:       sj.Kind,
		Transform:  sj.Transform,
		Paint:      sj.Paint,
		ZIndex:     sj.ZIndex,
		Seq:        sj.Seq,
		CreatedBy:  sj.CreatedBy,
		CreatedAt:  sj.CreatedAt,
		ModifiedBy: sj.ModifiedBy,
		ModifiedAt: sj.ModifiedAt,
		Lock:       sj.Lock,
		Payload:    payload,
	}
	return nil
}

// SortByZ orders shapes for painting: ascending ZIndex, ties broken by
// insertion sequence. Higher entries paint later, so they end up on top.
func SortByZ(shapes []Shape) {
	sort.SliceStable(shapes, func(i, j int) bool {
		if shapes[i].ZIndex != shapes[j].ZIndex {
			return shapes[i].ZIndex < shapes[j].ZIndex
		}
		return shapes[i].Seq < shapes[j].Seq
	})
}

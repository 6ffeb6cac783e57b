package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patch is a partial-field update for a shape. Nil pointers mean "leave the
// field alone"; the remote store applies patches with last-writer-wins
// semantics per field. Lock fields are deliberately absent: lock transitions
// go through AcquireLock/ReleaseLock so the conditional-write guarantee
// cannot be bypassed by a stray update.
type Patch struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`

	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`

	ZIndex *int `json:"zIndex,omitempty"`

	ModifiedBy *string    `json:"modifiedBy,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`

	// Payload, when set, replaces the shape's payload wholesale. It must
	// match the shape's kind; a mismatched payload is dropped on Apply.
	Payload Payload `json:"-"`
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Rotation == nil && p.Fill == nil && p.Stroke == nil &&
		p.StrokeWidth == nil && p.ZIndex == nil &&
		p.ModifiedBy == nil && p.ModifiedAt == nil && p.Payload == nil
}

// Apply merges the patch into the shape in place.
func (p Patch) Apply(s *Shape) {
	if p.X != nil {
		s.Transform.X = *p.X
	}
	if p.Y != nil {
		s.Transform.Y = *p.Y
	}
	if p.Width != nil {
		s.Transform.Width = *p.Width
	}
	if p.Height != nil {
		s.Transform.Height = *p.Height
	}
	if p.Rotation != nil {
		s.Transform.Rotation = *p.Rotation
	}
	if p.Fill != nil {
		s.Paint.Fill = *p.Fill
	}
	if p.Stroke != nil {
		s.Paint.Stroke = *p.Stroke
	}
	if p.StrokeWidth != nil {
		s.Paint.StrokeWidth = *p.StrokeWidth
	}
	if p.ZIndex != nil {
		s.ZIndex = *p.ZIndex
	}
	if p.ModifiedBy != nil {
		s.ModifiedBy = *p.ModifiedBy
	}
	if p.ModifiedAt != nil {
		s.ModifiedAt = *p.ModifiedAt
	}
	if p.Payload != nil && p.Payload.PayloadKind() == s.Kind {
		s.Payload = p.Payload.clone()
	}
}

// Merge overlays next onto p and returns the combined patch. Fields set in
// next win, matching last-writer-wins on the write path. Used by the sync
// adapter to coalesce rapid updates to the same shape.
func (p Patch) Merge(next Patch) Patch {
	out := p
	if next.X != nil {
		out.X = next.X
	}
	if next.Y != nil {
		out.Y = next.Y
	}
	if next.Width != nil {
		out.Width = next.Width
	}
	if next.Height != nil {
		out.Height = next.Height
	}
	if next.Rotation != nil {
		out.Rotation = next.Rotation
	}
	if next.Fill != nil {
		out.Fill = next.Fill
	}
	if next.Stroke != nil {
		out.Stroke = next.Stroke
	}
	if next.StrokeWidth != nil {
		out.StrokeWidth = next.StrokeWidth
	}
	if next.ZIndex != nil {
		out.ZIndex = next.ZIndex
	}
	if next.ModifiedBy != nil {
		out.ModifiedBy = next.ModifiedBy
	}
	if next.ModifiedAt != nil {
		out.ModifiedAt = next.ModifiedAt
	}
	if next.Payload != nil {
		out.Payload = next.Payload
	}
	return out
}

type patchJSON struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`

	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`

	ZIndex *int `json:"zIndex,omitempty"`

	ModifiedBy *string    `json:"modifiedBy,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`

	PayloadKind Kind            `json:"payloadKind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the patch for the wire, tagging the payload with its
// kind so the receiving side can decode the right variant.
func (p Patch) MarshalJSON() ([]byte, error) {
	pj := patchJSON{
		X: p.X, Y: p.Y, Width: p.Width, Height: p.Height, Rotation: p.Rotation,
		Fill: p.Fill, Stroke: p.Stroke, StrokeWidth: p.StrokeWidth,
		ZIndex:     p.ZIndex,
		ModifiedBy: p.ModifiedBy, ModifiedAt: p.ModifiedAt,
	}
	if p.Payload != nil {
		raw, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode patch payload: %w", err)
		}
		pj.PayloadKind = p.Payload.PayloadKind()
		pj.Payload = raw
	}
	return json.Marshal(pj)
}

// UnmarshalJSON decodes a wire patch.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var pj patchJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	out := Patch{
		X: pj.X, Y: pj.Y, Width: pj.Width, Height: pj.Height, Rotation: pj.Rotation,
		Fill: pj.Fill, Stroke: pj.Stroke, StrokeWidth: pj.StrokeWidth,
		ZIndex:     pj.ZIndex,
		ModifiedBy: pj.ModifiedBy, ModifiedAt: pj.ModifiedAt,
	}
	if pj.PayloadKind != "" {
		payload, err := decodePayload(pj.PayloadKind, pj.Payload)
		if err != nil {
			return err
		}
		out.Payload = payload
	}
	*p = out
	return nil
}

// Overwrite builds a patch that sets every patchable field to the shape's
// current values. Used when restoring a history snapshot, where the target
// state is known in full and field-level merging would resurrect drift.
func Overwrite(s Shape) Patch {
	p := Patch{
		X:        Float(s.Transform.X),
		Y:        Float(s.Transform.Y),
		Width:    Float(s.Transform.Width),
		Height:   Float(s.Transform.Height),
		Rotation: Float(s.Transform.Rotation),
		Fill:     String(s.Paint.Fill),
		Stroke:   String(s.Paint.Stroke),
		ZIndex:   Int(s.ZIndex),
	}
	p.StrokeWidth = Float(s.Paint.StrokeWidth)
	if s.Payload != nil {
		p.Payload = s.Payload.clone()
	}
	return p
}

// Helpers for building patches without pointer boilerplate at call sites.

func Float(v float64) *float64 { return &v }

func String(v string) *string { return &v }

func Int(v int) *int { return &v }

func Time(v time.Time) *time.Time { return &v }

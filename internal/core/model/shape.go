package model

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the shape variants that can live on a board.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindEllipse   Kind = "ellipse"
	KindTriangle  Kind = "triangle"
	KindText      Kind = "text"
	KindStar      Kind = "star"
	KindPolygon   Kind = "polygon"
	KindPath      Kind = "path"
	KindImage     Kind = "image"
)

// Valid reports whether k is one of the known shape kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindRectangle, KindCircle, KindEllipse, KindTriangle,
		KindText, KindStar, KindPolygon, KindPath, KindImage:
		return true
	}
	return false
}

// Point is a 2D coordinate, used by path payloads and cursor positions.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform holds placement and sizing on the canvas. Rotation is in degrees.
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

// Paint holds fill and stroke styling. Stroke is optional; an empty Stroke
// means no stroke is drawn and StrokeWidth is ignored.
type Paint struct {
	Fill        string  `json:"fill"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Lock is the advisory lock state of a shape. Invariant: Locked is true
// iff By is non-empty iff At is non-zero.
type Lock struct {
	Locked bool      `json:"isLocked"`
	By     string    `json:"lockedBy,omitempty"`
	At     time.Time `json:"lockedAt,omitempty"`
}

// Consistent reports whether the lock triple satisfies its invariant.
func (l Lock) Consistent() bool {
	return l.Locked == (l.By != "") && l.Locked == !l.At.IsZero()
}

// HeldBy reports whether the lock is currently held by the given user.
func (l Lock) HeldBy(userID string) bool {
	return l.Locked && l.By == userID
}

// Stale reports whether a held lock is older than the staleness threshold
// at the given instant. An unheld lock is never stale.
func (l Lock) Stale(now time.Time, staleness time.Duration) bool {
	return l.Locked && now.Sub(l.At) > staleness
}

// Shape is the unit of collaboration: one object on the shared canvas.
// The ID is client-generated at creation time and never changes. Seq is the
// store-assigned insertion sequence, used only to break ZIndex ties.
type Shape struct {
	ID   string `json:"id"`
	Kind Kind   `json:"type"`

	Transform Transform `json:"transform"`
	Paint     Paint     `json:"paint"`
	ZIndex    int       `json:"zIndex"`
	Seq       uint64    `json:"seq,omitempty"`

	CreatedBy  string    `json:"createdBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
	ModifiedBy string    `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`

	Lock Lock `json:"lock"`

	Payload Payload `json:"-"`
}

// New creates a shape of the given kind with a fresh id and the kind's
// default payload and size.
func New(kind Kind) Shape {
	s := Shape{
		ID:   uuid.New().String(),
		Kind: kind,
		Transform: Transform{
			Width:  100,
			Height: 100,
		},
		Paint: Paint{
			Fill: "#cccccc",
		},
		Payload: DefaultPayload(kind),
	}
	return s
}

// Clone returns a deep copy of the shape. History snapshots rely on clones
// never aliasing live payload data.
func (s Shape) Clone() Shape {
	out := s
	if s.Payload != nil {
		out.Payload = s.Payload.clone()
	}
	return out
}

// CloneAll deep-copies a shape list, preserving order.
func CloneAll(shapes []Shape) []Shape {
	if shapes == nil {
		return nil
	}
	out := make([]Shape, len(shapes))
	for i, s := range shapes {
		out[i] = s.Clone()
	}
	return out
}

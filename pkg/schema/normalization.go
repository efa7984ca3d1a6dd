package schema

import (
	"fmt"
	"log/slog"
)

// CorrectionKind says how a reply field was repaired.
type CorrectionKind string

const (
	// CorrectionDefaulted means the field was missing or unknown and a default was used.
	CorrectionDefaulted CorrectionKind = "defaulted"
	// CorrectionClamped means the value was outside its bounds.
	CorrectionClamped CorrectionKind = "clamped"
)

// Correction records one field of a classifier reply that was replaced.
type Correction struct {
	Field string         `json:"field"`
	Kind  CorrectionKind `json:"kind"`
	Got   any            `json:"got,omitempty"`
	Used  any            `json:"used"`
}

func (c Correction) String() string {
	if c.Got == nil {
		return fmt.Sprintf("%s %s to %v", c.Field, c.Kind, c.Used)
	}
	return fmt.Sprintf("%s %s from %v to %v", c.Field, c.Kind, c.Got, c.Used)
}

// Normalization lists the corrections applied while accepting a reply. Corrections are
// informational: the repaired value is always usable.
type Normalization struct {
	Corrections []Correction `json:"corrections,omitempty"`
}

// Default records that field was missing (got == nil) or unknown and used was substituted.
func (n *Normalization) Default(field string, got, used any) {
	n.Corrections = append(n.Corrections, Correction{Field: field, Kind: CorrectionDefaulted, Got: got, Used: used})
}

// Clamp records that got was out of range and used was substituted.
func (n *Normalization) Clamp(field string, got, used any) {
	n.Corrections = append(n.Corrections, Correction{Field: field, Kind: CorrectionClamped, Got: got, Used: used})
}

// Len returns the number of corrections. A nil Normalization has none.
func (n *Normalization) Len() int {
	if n == nil {
		return 0
	}
	return len(n.Corrections)
}

// LogValue renders one attribute per corrected field.
func (n *Normalization) LogValue() slog.Value {
	if n.Len() == 0 {
		return slog.GroupValue()
	}
	attrs := make([]slog.Attr, 0, len(n.Corrections))
	for _, c := range n.Corrections {
		attrs = append(attrs, slog.String(c.Field, c.String()))
	}
	return slog.GroupValue(attrs...)
}

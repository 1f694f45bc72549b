// Package value holds the immutable descriptors of desired and produced values:
// computation targets, value requirements, value specifications and their properties.
package value

import (
	"fmt"
	"strings"
)

// TargetType discriminates what a value is computed about
type TargetType string

const (
	// TargetAny matches every target type. Only used for function applicability.
	TargetAny           TargetType = "ANY"
	TargetPrimitive     TargetType = "PRIMITIVE"
	TargetPortfolioNode TargetType = "PORTFOLIO_NODE"
	TargetPosition      TargetType = "POSITION"
	TargetTrade         TargetType = "TRADE"
	TargetSecurity      TargetType = "SECURITY"
	TargetCurrency      TargetType = "CURRENCY"
)

// Matches reports whether an applicability type accepts a concrete target type
func (t TargetType) Matches(other TargetType) bool {
	return t == TargetAny || t == other
}

// Specificity ranks applicability types; higher is more specific
func (t TargetType) Specificity() int {
	if t == TargetAny {
		return 0
	}
	return 1
}

// ParseTargetType validates a target type name
func ParseTargetType(s string) (TargetType, error) {
	t := TargetType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TargetAny, TargetPrimitive, TargetPortfolioNode, TargetPosition,
		TargetTrade, TargetSecurity, TargetCurrency:
		return t, nil
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

// UniqueID identifies an entity within a scheme, optionally versioned
type UniqueID struct {
	Scheme  string `json:"scheme" msgpack:"scheme"`
	Value   string `json:"value" msgpack:"value"`
	Version string `json:"version,omitempty" msgpack:"version,omitempty"`
}

// NewUniqueID creates an unversioned identifier
func NewUniqueID(scheme, value string) UniqueID {
	return UniqueID{Scheme: scheme, Value: value}
}

// ParseUniqueID parses "Scheme~Value" or "Scheme~Value~Version"
func ParseUniqueID(s string) (UniqueID, error) {
	parts := strings.Split(s, "~")
	switch len(parts) {
	case 2:
		return UniqueID{Scheme: parts[0], Value: parts[1]}, nil
	case 3:
		return UniqueID{Scheme: parts[0], Value: parts[1], Version: parts[2]}, nil
	}
	return UniqueID{}, fmt.Errorf("invalid unique id %q", s)
}

// String renders the identifier in its parseable form
func (u UniqueID) String() string {
	if u.Version != "" {
		return u.Scheme + "~" + u.Value + "~" + u.Version
	}
	return u.Scheme + "~" + u.Value
}

// IsZero reports whether the identifier is unset
func (u UniqueID) IsZero() bool {
	return u.Scheme == "" && u.Value == ""
}

// ExternalID is an identifier issued by an outside authority (ticker, ISIN, ...)
type ExternalID struct {
	Scheme string `json:"scheme"`
	Value  string `json:"value"`
}

func (e ExternalID) String() string {
	return e.Scheme + "~" + e.Value
}

// TargetRef is the comparable reference to a computation target
type TargetRef struct {
	Type TargetType `json:"type" msgpack:"type"`
	ID   UniqueID   `json:"id" msgpack:"id"`
}

// NewTargetRef creates a target reference
func NewTargetRef(t TargetType, id UniqueID) TargetRef {
	return TargetRef{Type: t, ID: id}
}

func (r TargetRef) String() string {
	return string(r.Type) + ":" + r.ID.String()
}

// ComputationTarget is the entity a value is computed about
type ComputationTarget struct {
	Type        TargetType
	ID          UniqueID
	Name        string
	ExternalIDs []ExternalID

	// Parent is the enclosing target (zero for roots)
	Parent TargetRef

	// Value is the inline object: a position, trade, portfolio node, currency code
	Value any
}

// NewTarget creates a computation target
func NewTarget(t TargetType, id UniqueID, name string, v any) ComputationTarget {
	return ComputationTarget{Type: t, ID: id, Name: name, Value: v}
}

// PrimitiveTarget creates a target for a bare identifier
func PrimitiveTarget(scheme, id string) ComputationTarget {
	uid := NewUniqueID(scheme, id)
	return ComputationTarget{Type: TargetPrimitive, ID: uid, Name: id}
}

// CurrencyTarget creates a currency target (ISO code or pair)
func CurrencyTarget(code string) ComputationTarget {
	return ComputationTarget{
		Type:  TargetCurrency,
		ID:    NewUniqueID("CurrencyISO", code),
		Name:  code,
		Value: code,
	}
}

// Ref returns the comparable reference
func (t ComputationTarget) Ref() TargetRef {
	return TargetRef{Type: t.Type, ID: t.ID}
}

func (t ComputationTarget) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s(%s)", t.Ref(), t.Name)
	}
	return t.Ref().String()
}

// Package compile - View compilation
// A view definition is compiled against a portfolio snapshot into one
// dependency graph per calculation configuration.
package compile

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"riskengine/core/value"
)

// Trade is an individual trade within a position
type Trade struct {
	ID       value.UniqueID
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Date     time.Time
}

// Position is a holding of a security
type Position struct {
	ID         value.UniqueID
	Security   string
	Currency   string
	Quantity   decimal.Decimal
	Trades     []Trade
	Attributes map[string]string
}

// PortfolioNode is a node of the portfolio tree
type PortfolioNode struct {
	ID        value.UniqueID
	Name      string
	Positions []*Position
	Children  []*PortfolioNode
}

// Portfolio is a versioned snapshot of a portfolio tree
type Portfolio struct {
	ID      value.UniqueID
	Name    string
	Version string
	Root    *PortfolioNode
}

// SecurityScheme is the identifier scheme for securities referenced by positions
const SecurityScheme = "Ticker"

// SecurityRef returns the target reference of a position's security
func (p *Position) SecurityRef() value.TargetRef {
	return value.NewTargetRef(value.TargetSecurity, value.NewUniqueID(SecurityScheme, p.Security))
}

// Targets is the resolved target hierarchy of a portfolio. It implements
// function.TargetLookup.
type Targets struct {
	byRef map[value.TargetRef]value.ComputationTarget
	order []value.TargetRef
}

// NewTargets creates an empty target set
func NewTargets() *Targets {
	return &Targets{byRef: make(map[value.TargetRef]value.ComputationTarget)}
}

// Add inserts a target once; later additions of the same reference are ignored
func (t *Targets) Add(target value.ComputationTarget) bool {
	ref := target.Ref()
	if _, ok := t.byRef[ref]; ok {
		return false
	}
	t.byRef[ref] = target
	t.order = append(t.order, ref)
	return true
}

// Target looks up a target by reference
func (t *Targets) Target(ref value.TargetRef) (value.ComputationTarget, bool) {
	target, ok := t.byRef[ref]
	return target, ok
}

// OfType returns targets of a type in traversal order
func (t *Targets) OfType(tt value.TargetType) []value.ComputationTarget {
	var out []value.ComputationTarget
	for _, ref := range t.order {
		if tt.Matches(ref.Type) {
			out = append(out, t.byRef[ref])
		}
	}
	return out
}

// All returns every target in traversal order
func (t *Targets) All() []value.ComputationTarget {
	return t.OfType(value.TargetAny)
}

// Len returns the number of targets
func (t *Targets) Len() int {
	return len(t.order)
}

// Walk materialises the targets of a portfolio depth first. Each unique
// target appears once.
func Walk(p *Portfolio) *Targets {
	targets := NewTargets()
	if p == nil || p.Root == nil {
		return targets
	}
	walkNode(targets, p.Root, value.TargetRef{})
	return targets
}

func walkNode(targets *Targets, node *PortfolioNode, parent value.TargetRef) {
	nt := value.NewTarget(value.TargetPortfolioNode, node.ID, node.Name, node)
	nt.Parent = parent
	targets.Add(nt)

	for _, pos := range node.Positions {
		pt := value.NewTarget(value.TargetPosition, pos.ID, pos.Security, pos)
		pt.Parent = nt.Ref()
		pt.ExternalIDs = []value.ExternalID{{Scheme: SecurityScheme, Value: pos.Security}}
		targets.Add(pt)

		st := value.ComputationTarget{
			Type:        value.TargetSecurity,
			ID:          pos.SecurityRef().ID,
			Name:        pos.Security,
			ExternalIDs: pt.ExternalIDs,
			Value:       pos.Security,
		}
		targets.Add(st)

		for i := range pos.Trades {
			trade := &pos.Trades[i]
			tt := value.NewTarget(value.TargetTrade, trade.ID, trade.ID.Value, trade)
			tt.Parent = pt.Ref()
			targets.Add(tt)
		}
	}
	for _, child := range node.Children {
		walkNode(targets, child, nt.Ref())
	}
}

// AllPositions returns every position under the node, depth first
func (n *PortfolioNode) AllPositions() []*Position {
	out := append([]*Position(nil), n.Positions...)
	for _, c := range n.Children {
		out = append(out, c.AllPositions()...)
	}
	return out
}

// Securities returns the distinct securities held in the portfolio, sorted
func (p *Portfolio) Securities() []string {
	seen := make(map[string]bool)
	var out []string
	if p.Root == nil {
		return nil
	}
	for _, pos := range p.Root.AllPositions() {
		if !seen[pos.Security] {
			seen[pos.Security] = true
			out = append(out, pos.Security)
		}
	}
	sort.Strings(out)
	return out
}

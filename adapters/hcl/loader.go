// Package hcl loads view definitions and portfolios from HCL files.
package hcl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/shopspring/decimal"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"riskengine/core/compile"
	"riskengine/core/value"
	"riskengine/internal/errors"
)

// Extension is the file extension of definition files
const Extension = ".hcl"

type file struct {
	Views      []viewBlock      `hcl:"view,block"`
	Portfolios []portfolioBlock `hcl:"portfolio,block"`
}

type viewBlock struct {
	Name           string        `hcl:"name,label"`
	Portfolio      string        `hcl:"portfolio,optional"`
	Version        string        `hcl:"version,optional"`
	Configurations []configBlock `hcl:"configuration,block"`
}

type configBlock struct {
	Name         string             `hcl:"name,label"`
	Defaults     hcl.Expression     `hcl:"defaults,optional"`
	Outputs      []outputBlock      `hcl:"output,block"`
	Requirements []requirementBlock `hcl:"requirement,block"`
}

type outputBlock struct {
	Value       string         `hcl:"value,label"`
	Target      string         `hcl:"target"`
	Required    bool           `hcl:"required,optional"`
	Constraints hcl.Expression `hcl:"constraints,optional"`
}

type requirementBlock struct {
	Value       string         `hcl:"value,label"`
	TargetType  string         `hcl:"target_type"`
	TargetID    string         `hcl:"target_id"`
	Required    bool           `hcl:"required,optional"`
	Constraints hcl.Expression `hcl:"constraints,optional"`
}

type portfolioBlock struct {
	Name    string    `hcl:"name,label"`
	ID      string    `hcl:"id,optional"`
	Version string    `hcl:"version,optional"`
	Root    nodeBlock `hcl:"node,block"`
}

type nodeBlock struct {
	Name      string          `hcl:"name,label"`
	Positions []positionBlock `hcl:"position,block"`
	Children  []nodeBlock     `hcl:"node,block"`
}

type positionBlock struct {
	ID         string            `hcl:"id,label"`
	Security   string            `hcl:"security"`
	Currency   string            `hcl:"currency"`
	Quantity   hcl.Expression    `hcl:"quantity"`
	Attributes map[string]string `hcl:"attributes,optional"`
	Trades     []tradeBlock      `hcl:"trade,block"`
}

type tradeBlock struct {
	ID       string         `hcl:"id,label"`
	Quantity hcl.Expression `hcl:"quantity"`
	Price    hcl.Expression `hcl:"price,optional"`
	Date     string         `hcl:"date,optional"`
}

// Document is the set of definitions read from one or more files
type Document struct {
	Views      []*compile.ViewDefinition
	Portfolios []*compile.Portfolio
	Files      []string
}

// View returns a view definition by name
func (d *Document) View(name string) (*compile.ViewDefinition, error) {
	for _, v := range d.Views {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, errors.NotFound("view definition", name)
}

// Portfolio returns a portfolio by name
func (d *Document) Portfolio(name string) (*compile.Portfolio, error) {
	for _, p := range d.Portfolios {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, errors.NotFound("portfolio", name)
}

// PortfolioFor returns the portfolio a view names, or the only portfolio
// when the view names none
func (d *Document) PortfolioFor(v *compile.ViewDefinition) (*compile.Portfolio, error) {
	if v.Portfolio != "" {
		return d.Portfolio(v.Portfolio)
	}
	if len(d.Portfolios) == 1 {
		return d.Portfolios[0], nil
	}
	return nil, errors.Input(fmt.Sprintf("view %s does not name a portfolio", v.Name))
}

// Load reads a file, or every definition file of a directory
func Load(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(errors.TypeInput, "read definitions", err)
	}
	if !info.IsDir() {
		return LoadFiles(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(errors.TypeInput, "read definitions", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return LoadFiles(files...)
}

// LoadFiles parses files into one document. Names must be unique across files.
func LoadFiles(paths ...string) (*Document, error) {
	// A fresh parser per load; hclparse caches files by name
	parser := hclparse.NewParser()
	doc := &Document{}
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.TypeInput, "read definitions", err)
		}
		f, diags := parser.ParseHCL(src, path)
		if diags.HasErrors() {
			return nil, errors.Wrap(errors.TypeInput, "parse "+path, diags)
		}
		if err := doc.decode(f.Body, src); err != nil {
			return nil, err
		}
		doc.Files = append(doc.Files, path)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Parse reads definitions from source bytes
func Parse(src []byte, filename string) (*Document, error) {
	f, diags := hclparse.NewParser().ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(errors.TypeInput, "parse "+filename, diags)
	}
	doc := &Document{Files: []string{filename}}
	if err := doc.decode(f.Body, src); err != nil {
		return nil, err
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) decode(body hcl.Body, src []byte) error {
	var raw file
	if diags := gohcl.DecodeBody(body, nil, &raw); diags.HasErrors() {
		return errors.Wrap(errors.TypeInput, "decode definitions", diags)
	}
	// Blocks without an explicit version take the content hash of their file
	sum := sha256.Sum256(src)
	version := hex.EncodeToString(sum[:8])

	for _, vb := range raw.Views {
		v, err := vb.view(version)
		if err != nil {
			return err
		}
		d.Views = append(d.Views, v)
	}
	for _, pb := range raw.Portfolios {
		p, err := pb.portfolio(version)
		if err != nil {
			return err
		}
		d.Portfolios = append(d.Portfolios, p)
	}
	return nil
}

func (d *Document) validate() error {
	seen := make(map[string]bool)
	for _, v := range d.Views {
		if seen[v.Name] {
			return errors.Input("duplicate view definition " + v.Name)
		}
		seen[v.Name] = true
		if err := v.Validate(); err != nil {
			return errors.Wrap(errors.TypeInput, "invalid view definition", err)
		}
	}
	seen = make(map[string]bool)
	for _, p := range d.Portfolios {
		if seen[p.Name] {
			return errors.Input("duplicate portfolio " + p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func (vb viewBlock) view(version string) (*compile.ViewDefinition, error) {
	v := &compile.ViewDefinition{
		Name:      vb.Name,
		Portfolio: vb.Portfolio,
		Version:   vb.Version,
	}
	if v.Version == "" {
		v.Version = version
	}
	for _, cb := range vb.Configurations {
		c := compile.CalculationConfiguration{Name: cb.Name}
		defaults, err := properties(cb.Defaults)
		if err != nil {
			return nil, fmt.Errorf("view %s/%s defaults: %w", vb.Name, cb.Name, err)
		}
		c.DefaultProperties = defaults

		for _, ob := range cb.Outputs {
			tt, err := value.ParseTargetType(ob.Target)
			if err != nil {
				return nil, errors.Wrap(errors.TypeInput, fmt.Sprintf("view %s/%s output %s", vb.Name, cb.Name, ob.Value), err)
			}
			constraints, err := properties(ob.Constraints)
			if err != nil {
				return nil, fmt.Errorf("view %s/%s output %s: %w", vb.Name, cb.Name, ob.Value, err)
			}
			c.Outputs = append(c.Outputs, compile.RequestedOutput{
				ValueName:   ob.Value,
				TargetType:  tt,
				Constraints: constraints,
				Required:    ob.Required,
			})
		}

		for _, rb := range cb.Requirements {
			tt, err := value.ParseTargetType(rb.TargetType)
			if err != nil {
				return nil, errors.Wrap(errors.TypeInput, fmt.Sprintf("view %s/%s requirement %s", vb.Name, cb.Name, rb.Value), err)
			}
			id, err := value.ParseUniqueID(rb.TargetID)
			if err != nil {
				return nil, errors.Wrap(errors.TypeInput, fmt.Sprintf("view %s/%s requirement %s", vb.Name, cb.Name, rb.Value), err)
			}
			constraints, err := properties(rb.Constraints)
			if err != nil {
				return nil, fmt.Errorf("view %s/%s requirement %s: %w", vb.Name, cb.Name, rb.Value, err)
			}
			c.Specific = append(c.Specific, compile.SpecificRequirement{
				Requirement: value.NewRequirement(rb.Value, value.NewTargetRef(tt, id), constraints),
				Required:    rb.Required,
			})
		}
		v.Configurations = append(v.Configurations, c)
	}
	return v, nil
}

func (pb portfolioBlock) portfolio(version string) (*compile.Portfolio, error) {
	p := &compile.Portfolio{
		ID:      value.NewUniqueID("Portfolio", pb.Name),
		Name:    pb.Name,
		Version: pb.Version,
	}
	if pb.ID != "" {
		id, err := value.ParseUniqueID(pb.ID)
		if err != nil {
			return nil, errors.Wrap(errors.TypeInput, "portfolio "+pb.Name, err)
		}
		p.ID = id
	}
	if p.Version == "" {
		p.Version = version
	}
	root, err := pb.Root.node(pb.Name)
	if err != nil {
		return nil, err
	}
	p.Root = root
	return p, nil
}

func (nb nodeBlock) node(parent string) (*compile.PortfolioNode, error) {
	path := parent + "/" + nb.Name
	n := &compile.PortfolioNode{
		ID:   value.NewUniqueID("Node", path),
		Name: nb.Name,
	}
	for _, pb := range nb.Positions {
		pos, err := pb.position()
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", path, err)
		}
		n.Positions = append(n.Positions, pos)
	}
	for _, cb := range nb.Children {
		child, err := cb.node(path)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func (pb positionBlock) position() (*compile.Position, error) {
	qty, err := number(pb.Quantity)
	if err != nil {
		return nil, fmt.Errorf("position %s quantity: %w", pb.ID, err)
	}
	pos := &compile.Position{
		ID:         value.NewUniqueID("Position", pb.ID),
		Security:   pb.Security,
		Currency:   pb.Currency,
		Quantity:   qty,
		Attributes: pb.Attributes,
	}
	for _, tb := range pb.Trades {
		tq, err := number(tb.Quantity)
		if err != nil {
			return nil, fmt.Errorf("trade %s quantity: %w", tb.ID, err)
		}
		trade := compile.Trade{ID: value.NewUniqueID("Trade", tb.ID), Quantity: tq}
		if trade.Price, err = number(tb.Price); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", tb.ID, err)
		}
		if tb.Date != "" {
			if trade.Date, err = time.Parse(time.DateOnly, tb.Date); err != nil {
				return nil, errors.Wrap(errors.TypeInput, "trade "+tb.ID+" date", err)
			}
		}
		pos.Trades = append(pos.Trades, trade)
	}
	return pos, nil
}

// number evaluates an expression holding a number or a numeric string. A
// missing optional attribute evaluates to zero.
func number(expr hcl.Expression) (decimal.Decimal, error) {
	v, err := evaluate(expr)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNull() {
		return decimal.Zero, nil
	}
	switch v.Type() {
	case cty.Number:
		return decimal.NewFromString(v.AsBigFloat().Text('f', -1))
	case cty.String:
		d, err := decimal.NewFromString(v.AsString())
		if err != nil {
			return decimal.Zero, errors.Wrap(errors.TypeInput, "not a number", err)
		}
		return d, nil
	}
	return decimal.Zero, errors.Newf(errors.TypeInput, "expected a number, got %s", v.Type().FriendlyName())
}

// properties evaluates a constraint map. A string value is a single allowed
// value ("*" for any), a list is a set of values and null requires the
// property to be absent.
func properties(expr hcl.Expression) (value.ValueProperties, error) {
	v, err := evaluate(expr)
	if err != nil {
		return value.Empty(), err
	}
	if v.IsNull() {
		return value.Empty(), nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return value.Empty(), errors.Newf(errors.TypeInput, "expected a map, got %s", v.Type().FriendlyName())
	}

	b := value.NewBuilder()
	for it := v.ElementIterator(); it.Next(); {
		k, ev := it.Element()
		name := k.AsString()
		switch {
		case ev.IsNull():
			b.WithAbsent(name)
		case ev.Type().IsListType() || ev.Type().IsTupleType() || ev.Type().IsSetType():
			var values []string
			for et := ev.ElementIterator(); et.Next(); {
				_, item := et.Element()
				s, err := text(item)
				if err != nil {
					return value.Empty(), fmt.Errorf("property %s: %w", name, err)
				}
				values = append(values, s)
			}
			if len(values) == 0 {
				return value.Empty(), errors.Newf(errors.TypeInput, "property %s: empty value list", name)
			}
			b.With(name, values...)
		default:
			s, err := text(ev)
			if err != nil {
				return value.Empty(), fmt.Errorf("property %s: %w", name, err)
			}
			b.With(name, s)
		}
	}
	return b.Build(), nil
}

func text(v cty.Value) (string, error) {
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", errors.Wrap(errors.TypeInput, "expected a string", err)
	}
	if s.IsNull() || !s.IsKnown() {
		return "", errors.Input("expected a known string")
	}
	return s.AsString(), nil
}

func evaluate(expr hcl.Expression) (cty.Value, error) {
	if expr == nil {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, errors.Wrap(errors.TypeInput, "evaluate expression", diags)
	}
	if !v.IsWhollyKnown() {
		return cty.NilVal, errors.Input("expression is not known")
	}
	return v, nil
}

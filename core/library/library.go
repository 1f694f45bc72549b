// Package library - Sample pluggable functions
// Market data sourcing, position present value, portfolio aggregation and a
// market data shift scenario. Other function sets register the same way.
package library

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"riskengine/core/compile"
	"riskengine/core/function"
	"riskengine/core/value"
)

// Value names
const (
	MarketPrice   = "MarketPrice"
	FXRate        = "FXRate"
	PresentValue  = "PresentValue"
	PositionValue = "PositionValue"
)

// Function identifiers
const (
	MarketPriceSourceID = "MarketPriceSource"
	FXRateSourceID      = "FXRateSource"
	PresentValueID      = "PresentValue"
	PositionValueID     = "PositionValueSum"
	ShiftMarketPriceID  = "ShiftMarketPrice"
	ShiftFXRateID       = "ShiftFXRate"
)

// Scenario argument parameter names
const (
	ParamRelative = "relative"
	ParamAbsolute = "absolute"
)

// Register adds the sample functions to a registry
func Register(r *function.Registry) error {
	for _, def := range Definitions() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Definitions returns fresh descriptors of every sample function
func Definitions() []*function.Definition {
	return []*function.Definition{
		MarketPriceSource(),
		FXRateSource(),
		PresentValueFunction(),
		PositionValueFunction(),
		ShiftFunction(ShiftMarketPriceID, MarketPriceSourceID),
		ShiftFunction(ShiftFXRateID, FXRateSourceID),
	}
}

// MarketPriceSource sources security prices from market data
func MarketPriceSource() *function.Definition {
	return &function.Definition{
		ID:         MarketPriceSourceID,
		Kind:       function.KindMarketData,
		TargetType: value.TargetSecurity,
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{value.NewSpecification(MarketPrice, t.Ref(), value.Empty())}
		},
	}
}

// FXRateSource sources currency pair rates from market data. A pair "EUR/USD"
// converts an amount in EUR to USD.
func FXRateSource() *function.Definition {
	return &function.Definition{
		ID:         FXRateSourceID,
		Kind:       function.KindMarketData,
		TargetType: value.TargetCurrency,
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			return []value.ValueSpecification{value.NewSpecification(FXRate, t.Ref(), value.Empty())}
		},
	}
}

// PresentValueFunction values a position as quantity x price, converted to the
// requested currency. An open currency constraint means the position currency.
func PresentValueFunction() *function.Definition {
	return &function.Definition{
		ID:         PresentValueID,
		TargetType: value.TargetPosition,
		Applies: func(t value.ComputationTarget) bool {
			_, ok := t.Value.(*compile.Position)
			return ok
		},
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			props := value.NewBuilder().WithAny(value.PropertyCurrency).Build()
			return []value.ValueSpecification{value.NewSpecification(PresentValue, t.Ref(), props)}
		},
		Requirements: func(_ *function.CompilationContext, t value.ComputationTarget, desired value.ValueRequirement) ([]value.ValueRequirement, error) {
			pos := t.Value.(*compile.Position)
			reqs := []value.ValueRequirement{
				value.NewRequirement(MarketPrice, pos.SecurityRef(), value.Empty()),
			}
			if ccy := desired.Constraints.Value(value.PropertyCurrency); ccy != "" && ccy != pos.Currency {
				reqs = append(reqs, value.NewRequirement(FXRate, value.CurrencyTarget(Pair(pos.Currency, ccy)).Ref(), value.Empty()))
			}
			return reqs, nil
		},
		Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
			pos := inv.Target.Value.(*compile.Position)
			raw, ok := inv.Input(MarketPrice)
			if !ok {
				return nil, fmt.Errorf("no market price for %s", pos.Security)
			}
			price, err := Decimal(raw)
			if err != nil {
				return nil, err
			}
			pv := pos.Quantity.Mul(price)
			if raw, ok := inv.Input(FXRate); ok {
				rate, err := Decimal(raw)
				if err != nil {
					return nil, err
				}
				pv = pv.Mul(rate)
			}
			return inv.Result(pv), nil
		},
	}
}

// PositionValueFunction sums the present values of every position below a
// portfolio node. Aggregation needs a concrete currency.
func PositionValueFunction() *function.Definition {
	return &function.Definition{
		ID:         PositionValueID,
		TargetType: value.TargetPortfolioNode,
		Applies: func(t value.ComputationTarget) bool {
			_, ok := t.Value.(*compile.PortfolioNode)
			return ok
		},
		Results: func(_ *function.CompilationContext, t value.ComputationTarget) []value.ValueSpecification {
			props := value.NewBuilder().WithAny(value.PropertyCurrency).Build()
			return []value.ValueSpecification{value.NewSpecification(PositionValue, t.Ref(), props)}
		},
		Requirements: func(_ *function.CompilationContext, t value.ComputationTarget, desired value.ValueRequirement) ([]value.ValueRequirement, error) {
			ccy := desired.Constraints.Value(value.PropertyCurrency)
			if ccy == "" {
				return nil, fmt.Errorf("aggregation of %s needs a currency", t.Name)
			}
			var reqs []value.ValueRequirement
			for _, pos := range t.Value.(*compile.PortfolioNode).AllPositions() {
				ref := value.NewTargetRef(value.TargetPosition, pos.ID)
				reqs = append(reqs, value.NewRequirement(PresentValue, ref, value.Props(value.PropertyCurrency, ccy)))
			}
			return reqs, nil
		},
		Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
			total := decimal.Zero
			for _, in := range inv.InputsNamed(PresentValue) {
				d, err := Decimal(in.Value)
				if err != nil {
					return nil, err
				}
				total = total.Add(d)
			}
			return inv.Result(total), nil
		},
	}
}

// ShiftFunction is a scenario function that shifts the output of the wrapped
// function type. Arguments apply in order: relative shifts multiply by
// (1+relative), absolute shifts add.
func ShiftFunction(id, wraps string) *function.Definition {
	return &function.Definition{
		ID:         id,
		Kind:       function.KindScenario,
		TargetType: value.TargetAny,
		Wraps:      wraps,
		Invoke: func(_ context.Context, inv *function.Invocation) ([]value.ComputedValue, error) {
			if len(inv.Inputs) == 0 {
				return nil, fmt.Errorf("%s: no wrapped input", id)
			}
			v, err := Decimal(inv.Inputs[0].Value)
			if err != nil {
				return nil, err
			}
			params, _ := inv.Parameters.(*function.ScenarioParameters)
			for _, arg := range params.Arguments() {
				if v, err = shift(v, arg.Parameters); err != nil {
					return nil, fmt.Errorf("%s: %w", id, err)
				}
			}
			return inv.Result(v), nil
		},
	}
}

func shift(v decimal.Decimal, params map[string]string) (decimal.Decimal, error) {
	if s, ok := params[ParamRelative]; ok {
		rel, err := decimal.NewFromString(s)
		if err != nil {
			return v, fmt.Errorf("invalid relative shift %q", s)
		}
		v = v.Mul(decimal.NewFromInt(1).Add(rel))
	}
	if s, ok := params[ParamAbsolute]; ok {
		abs, err := decimal.NewFromString(s)
		if err != nil {
			return v, fmt.Errorf("invalid absolute shift %q", s)
		}
		v = v.Add(abs)
	}
	return v, nil
}

// Pair returns the currency pair converting from into to
func Pair(from, to string) string {
	return from + "/" + to
}

// Decimal converts a market data or computed value to a decimal
func Decimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case float32:
		return decimal.NewFromFloat32(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		return decimal.NewFromString(x)
	case json.Number:
		return decimal.NewFromString(x.String())
	}
	return decimal.Zero, fmt.Errorf("value %v (%T) is not numeric", v, v)
}

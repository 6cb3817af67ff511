package strategy

import "fmt"

// New constructs an evaluator by config name. Unknown params default so a
// minimal config stays short.
func New(name string, params map[string]float64) (Evaluator, error) {
	get := func(key string, def float64) float64 {
		if v, ok := params[key]; ok {
			return v
		}
		return def
	}

	switch name {
	case "ma_cross":
		return NewMACross(int(get("fast", 12)), int(get("slow", 26)))
	case "rsi_reversal":
		return NewRSIReversal(int(get("period", 14)), get("oversold", 30), get("overbought", 70))
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

package transform

import (
	"fmt"

	"tickpipe/internal/config"
	"tickpipe/internal/pipeerr"
)

// Build turns configured transform steps into a Spec.
func Build(steps []config.Step) (Spec, error) {
	spec := make(Spec, 0, len(steps))
	for i, s := range steps {
		d, err := buildStep(s)
		if err != nil {
			return nil, pipeerr.New(pipeerr.ConfigError, stage, fmt.Sprintf("transform[%d]", i), err)
		}
		spec = append(spec, d)
	}
	return spec, nil
}

func buildStep(s config.Step) (Derivation, error) {
	o := s.Options
	switch s.Kind {
	case "cyclical_time":
		cos, sin := config.CyclicalOutputs(o)
		return &CyclicalTime{Input: o.String("input", "ts"), Cos: cos, Sin: sin}, nil
	case "midpoint":
		buy, sell := o.String("buy", ""), o.String("sell", "")
		if buy == "" || sell == "" {
			return nil, fmt.Errorf("midpoint requires buy and sell")
		}
		return &Midpoint{Buy: buy, Sell: sell, Output: config.MidpointOutput(o)}, nil
	case "category":
		in := o.String("input", "")
		tbl := o.Int64Map("table")
		if in == "" || len(tbl) == 0 {
			return nil, fmt.Errorf("category requires input and a non-empty table")
		}
		return NewCategory(in, config.CategoryOutput(o), tbl, o.Bool("strict", true), o.Bool("normalize", false)), nil
	case "rename":
		from, to := o.String("from", ""), o.String("to", "")
		if from == "" || to == "" {
			return nil, fmt.Errorf("rename requires from and to")
		}
		return &Rename{From: from, To: to}, nil
	case "drop":
		cols := o.StringSlice("columns")
		if len(cols) == 0 {
			return nil, fmt.Errorf("drop requires columns")
		}
		return &Drop{Columns: cols}, nil
	}
	return nil, fmt.Errorf("unknown transform kind %q", s.Kind)
}

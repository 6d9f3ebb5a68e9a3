package filter

import (
	"fmt"

	"tickpipe/internal/config"
	"tickpipe/internal/pipeerr"
)

// Build turns configured filter steps into one predicate, or nil when there
// are none.
func Build(steps []config.Step) (Predicate, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	ps := make([]Predicate, 0, len(steps))
	for i, s := range steps {
		switch s.Kind {
		case "not_sentinel":
			ps = append(ps, NotSentinel{
				Column:   s.Options.String("column", ""),
				Sentinel: s.Options.Int64("sentinel", config.DefaultSentinel),
			})
		case "expr":
			e, err := NewExpr(s.Options.String("expression", ""), s.Options.String("sql", ""))
			if err != nil {
				return nil, pipeerr.New(pipeerr.ConfigError, stage, fmt.Sprintf("filter[%d]", i), err)
			}
			ps = append(ps, e)
		default:
			return nil, pipeerr.Newf(pipeerr.ConfigError, stage, fmt.Sprintf("filter[%d]", i), "unknown filter kind %q", s.Kind)
		}
	}
	return And(ps...), nil
}

package config

// Column naming shared by the transform builder and static validation.

// CyclicalOutputs returns the cos and sin column names of a cyclical_time step.
func CyclicalOutputs(o Options) (cosName, sinName string) {
	prefix := o.String("prefix", o.String("input", "ts"))
	return prefix + "_cos", prefix + "_sin"
}

// MidpointOutput returns the output column of a midpoint step.
func MidpointOutput(o Options) string {
	return o.String("output", "midline")
}

// CategoryOutput returns the output column of a category step. It defaults to
// the input column, replacing it in place.
func CategoryOutput(o Options) string {
	return o.String("output", o.String("input", ""))
}

// StepColumns returns the columns a transform step adds and removes.
func StepColumns(s Step) (added, removed []string) {
	switch s.Kind {
	case "cyclical_time":
		c, sn := CyclicalOutputs(s.Options)
		return []string{c, sn}, nil
	case "midpoint":
		return []string{MidpointOutput(s.Options)}, nil
	case "category":
		return []string{CategoryOutput(s.Options)}, nil
	case "rename":
		return []string{s.Options.String("to", "")}, []string{s.Options.String("from", "")}
	case "drop":
		return nil, s.Options.StringSlice("columns")
	}
	return nil, nil
}

// StepInputs returns the columns a transform step reads.
func StepInputs(s Step) []string {
	switch s.Kind {
	case "cyclical_time", "category":
		return []string{s.Options.String("input", "")}
	case "midpoint":
		return []string{s.Options.String("buy", ""), s.Options.String("sell", "")}
	case "rename":
		return []string{s.Options.String("from", "")}
	case "drop":
		return s.Options.StringSlice("columns")
	}
	return nil
}

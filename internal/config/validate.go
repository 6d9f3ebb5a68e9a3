package config

// This file adds a static validator for Pipeline values. It returns a list of
// issues (errors and warnings) that callers surface in the CLI or in tests.

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"tickpipe/internal/pipeerr"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is a dotted path into the
// config, e.g. "sink.partition_keys[0]" or "transform[1].options.table".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Codecs lists the accepted sink compression names.
var Codecs = []string{"zstd", "snappy", "gzip", "brotli", "lz4", "none"}

var (
	columnKinds   = set("int", "float", "timestamp", "category", "bool")
	filterKinds   = set("not_sentinel", "expr")
	transformKind = set("cyclical_time", "midpoint", "category", "rename", "drop")
	ledgerKinds   = set("sqlite", "postgres", "mysql", "mssql")
)

// ValidatePipeline performs static validation of a Pipeline after Defaults.
// It does not mutate p.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Job) == "" {
		issues = append(issues, errIssue("job", "job must not be empty; it labels logs, metrics and ledger rows"))
	}
	issues = append(issues, validateSource(p.Source)...)
	issues = append(issues, validateFilter(p.Filter)...)
	issues = append(issues, validateTransforms(p.Transform)...)
	issues = append(issues, validateSink(p)...)
	issues = append(issues, validateRuntime(p.Runtime)...)
	issues = append(issues, validateLedger(p.Ledger)...)
	return issues
}

// Err folds error-severity issues into a single ConfigError, or returns nil.
func Err(issues []Issue) error {
	var errs []error
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return pipeerr.New(pipeerr.ConfigError, "config", "", errors.Join(errs...))
}

func validateSource(s Source) []Issue {
	var issues []Issue

	switch s.Kind {
	case SourceParquet, SourceDuckDB:
	default:
		issues = append(issues, errIssue("source.kind", fmt.Sprintf("unknown source kind %q; want parquet or duckdb", s.Kind)))
	}
	if len(s.Paths) == 0 {
		issues = append(issues, errIssue("source.paths", "at least one path pattern is required"))
	}
	for i, pth := range s.Paths {
		if msg := checkLocation(pth); msg != "" {
			issues = append(issues, errIssue(fmt.Sprintf("source.paths[%d]", i), msg))
		}
	}
	issues = append(issues, dupes("source.partitioning", s.Partitioning)...)
	if len(s.Columns) > 0 && !slices.ContainsFunc(s.Columns, func(c string) bool { return !slices.Contains(s.Partitioning, c) }) {
		issues = append(issues, errIssue("source.columns", "projection names only partition keys; list at least one file column"))
	}
	for i, c := range s.Schema {
		path := fmt.Sprintf("source.schema[%d]", i)
		if strings.TrimSpace(c.Name) == "" {
			issues = append(issues, errIssue(path+".name", "column name must not be empty"))
		}
		if _, ok := columnKinds[c.Kind]; !ok {
			issues = append(issues, errIssue(path+".kind", fmt.Sprintf("unknown column kind %q", c.Kind)))
		}
	}
	return issues
}

func validateFilter(steps []Step) []Issue {
	var issues []Issue
	for i, s := range steps {
		path := fmt.Sprintf("filter[%d]", i)
		if _, ok := filterKinds[s.Kind]; !ok {
			issues = append(issues, errIssue(path+".kind", fmt.Sprintf("unknown filter kind %q", s.Kind)))
			continue
		}
		switch s.Kind {
		case "not_sentinel":
			issues = append(issues, requireOpt(path, s.Options, "column")...)
		case "expr":
			issues = append(issues, requireOpt(path, s.Options, "expression")...)
		}
	}
	return issues
}

func validateTransforms(steps []Step) []Issue {
	var issues []Issue
	for i, s := range steps {
		path := fmt.Sprintf("transform[%d]", i)
		if _, ok := transformKind[s.Kind]; !ok {
			issues = append(issues, errIssue(path+".kind", fmt.Sprintf("unknown transform kind %q", s.Kind)))
			continue
		}
		switch s.Kind {
		case "cyclical_time":
			issues = append(issues, requireOpt(path, s.Options, "input")...)
		case "midpoint":
			issues = append(issues, requireOpt(path, s.Options, "buy", "sell")...)
		case "category":
			issues = append(issues, requireOpt(path, s.Options, "input")...)
			if len(s.Options.Int64Map("table")) == 0 {
				issues = append(issues, errIssue(path+".options.table", "category lookup table must not be empty"))
			}
		case "rename":
			issues = append(issues, requireOpt(path, s.Options, "from", "to")...)
		case "drop":
			if len(s.Options.StringSlice("columns")) == 0 {
				issues = append(issues, errIssue(path+".options.columns", "drop requires at least one column"))
			}
		}
	}
	return issues
}

func validateSink(p Pipeline) []Issue {
	var issues []Issue
	s := p.Sink

	if strings.TrimSpace(s.Destination) == "" {
		issues = append(issues, errIssue("sink.destination", "destination must not be empty"))
	} else if msg := checkLocation(s.Destination); msg != "" {
		issues = append(issues, errIssue("sink.destination", msg))
	}
	if !contains(Codecs, strings.ToLower(s.Compression)) {
		issues = append(issues, errIssue("sink.compression",
			fmt.Sprintf("unknown codec %q; want one of %s", s.Compression, strings.Join(Codecs, ", "))))
	}
	if s.MaxPartitions < 0 {
		issues = append(issues, errIssue("sink.max_partitions", "max_partitions must be positive"))
	}
	if len(s.PartitionKeys) == 0 {
		issues = append(issues, Issue{SeverityWarning, "sink.partition_keys", "no partition keys; output is a single file per writer"})
	}
	issues = append(issues, dupes("sink.partition_keys", s.PartitionKeys)...)

	// Keys can only be checked statically when the file columns are declared.
	// Otherwise the runner checks them once the file footers are read.
	if len(p.Source.Schema) > 0 {
		issues = append(issues, CheckPartitionKeys(s.PartitionKeys, KnownColumns(p))...)
	}
	return issues
}

func validateRuntime(rt RuntimeConfig) []Issue {
	var issues []Issue
	if rt.Mode != ModeSingle && rt.Mode != ModeDistributed {
		issues = append(issues, errIssue("runtime.mode", fmt.Sprintf("unknown mode %q; want single or distributed", rt.Mode)))
	}
	switch rt.Strategy {
	case StrategyRow, StrategyFrame, StrategyColumnar:
	default:
		issues = append(issues, errIssue("runtime.strategy", fmt.Sprintf("unknown strategy %q; want row, frame or columnar", rt.Strategy)))
	}
	if rt.ErrorPolicy != PolicyFailFast && rt.ErrorPolicy != PolicySkipAndCount {
		issues = append(issues, errIssue("runtime.error_policy", fmt.Sprintf("unknown error policy %q", rt.ErrorPolicy)))
	}
	if rt.BatchSize <= 0 {
		issues = append(issues, errIssue("runtime.batch_size", "batch_size must be positive"))
	}
	if rt.TransformWorkers <= 0 || rt.Workers <= 0 {
		issues = append(issues, errIssue("runtime", "transform_workers and workers must be positive"))
	}
	if rt.Shards < 0 {
		issues = append(issues, errIssue("runtime.shards", "shards must not be negative"))
	}
	if rt.Mode == ModeSingle && rt.Shards > 0 {
		issues = append(issues, Issue{SeverityWarning, "runtime.shards", "shards is ignored in single mode"})
	}
	if rt.Strategy == StrategyRow {
		issues = append(issues, Issue{SeverityWarning, "runtime.strategy", "row strategy is typically orders of magnitude slower than columnar"})
	}
	for i, c := range rt.SortBy {
		if strings.TrimLeft(c, "-+") == "" {
			issues = append(issues, errIssue(fmt.Sprintf("runtime.sort_by[%d]", i), "sort column must not be empty"))
		}
	}
	return issues
}

func validateLedger(l Ledger) []Issue {
	if l.Kind == "" {
		return nil
	}
	var issues []Issue
	if _, ok := ledgerKinds[l.Kind]; !ok {
		issues = append(issues, errIssue("ledger.kind", fmt.Sprintf("unknown ledger kind %q", l.Kind)))
	}
	if l.DSN == "" {
		issues = append(issues, errIssue("ledger.dsn", "ledger requires a DSN (or TICKPIPE_LEDGER_DSN)"))
	}
	return issues
}

// CheckLedgerDSN rejects a file-supplied ledger DSN that embeds a password.
// It runs before env overrides are applied.
func CheckLedgerDSN(dsn string) []Issue {
	if dsn == "" {
		return nil
	}
	embedded := strings.Contains(strings.ToLower(dsn), "password=")
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			embedded = true
		}
	}
	if !embedded {
		return nil
	}
	return []Issue{errIssue("ledger.dsn", "DSN embeds a password; supply it through TICKPIPE_LEDGER_DSN")}
}

// KnownColumns returns the columns that reach the writer: declared schema,
// hive partition columns and transform outputs, minus dropped or renamed ones.
func KnownColumns(p Pipeline) map[string]struct{} {
	names := make([]string, 0, len(p.Source.Schema))
	for _, c := range p.Source.Schema {
		names = append(names, c.Name)
	}
	return ColumnsThrough(append(names, p.Source.Partitioning...), p.Transform)
}

// ColumnsThrough returns the columns left after steps run over source.
func ColumnsThrough(source []string, steps []Step) map[string]struct{} {
	known := make(map[string]struct{}, len(source))
	for _, c := range source {
		known[c] = struct{}{}
	}
	for _, s := range steps {
		added, removed := StepColumns(s)
		for _, c := range removed {
			delete(known, c)
		}
		for _, c := range added {
			known[c] = struct{}{}
		}
	}
	return known
}

// CheckPartitionKeys reports every partition key missing from known.
func CheckPartitionKeys(keys []string, known map[string]struct{}) []Issue {
	var issues []Issue
	for i, k := range keys {
		if _, ok := known[k]; !ok {
			issues = append(issues, errIssue(fmt.Sprintf("sink.partition_keys[%d]", i),
				fmt.Sprintf("partition key %q references a column that does not exist", k)))
		}
	}
	return issues
}

func checkLocation(loc string) string {
	if strings.TrimSpace(loc) == "" {
		return "path must not be empty"
	}
	if i := strings.Index(loc, "://"); i >= 0 {
		switch loc[:i] {
		case "s3", "file":
		default:
			return fmt.Sprintf("unsupported scheme %q; want s3:// or a local path", loc[:i])
		}
	}
	return ""
}

func requireOpt(path string, o Options, keys ...string) []Issue {
	var issues []Issue
	for _, k := range keys {
		if strings.TrimSpace(o.String(k, "")) == "" {
			issues = append(issues, errIssue(path+".options."+k, fmt.Sprintf("%s is required", k)))
		}
	}
	return issues
}

func dupes(path string, xs []string) []Issue {
	seen := map[string]bool{}
	var issues []Issue
	for i, x := range xs {
		if seen[x] {
			issues = append(issues, errIssue(fmt.Sprintf("%s[%d]", path, i), fmt.Sprintf("duplicate column %q", x)))
		}
		seen[x] = true
	}
	return issues
}

func errIssue(path, msg string) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: msg}
}

func set(xs ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}

func contains(xs []string, x string) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}

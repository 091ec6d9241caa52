// Package descriptor reads and validates the per-directory manifest.edn
// control record that producers drop alongside their data files.
package descriptor

import (
	"fmt"
	"regexp"
	"time"

	"github.com/malbeclabs/warehouse-loader/internal/template"
)

// Strategy is one of the ingestion modes a descriptor may select.
type Strategy string

const (
	StrategyMerge                       Strategy = "merge"
	StrategyDeleteNullHashMerge          Strategy = "delete-null-hash-merge"
	StrategyDeleteNullHashMergeCustomer  Strategy = "delete-null-hash-merge-customer"
	StrategyReplace                     Strategy = "replace"
	StrategyAppend                      Strategy = "append"
	StrategyAdd                         Strategy = "add"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategyMerge, StrategyDeleteNullHashMerge, StrategyDeleteNullHashMergeCustomer,
		StrategyReplace, StrategyAppend, StrategyAdd:
		return true
	}
	return false
}

// StagingSelectKind distinguishes the three forms a staging-select field
// may take: a literal SELECT-body template, or one of the two named modes.
type StagingSelectKind int

const (
	StagingSelectDefault StagingSelectKind = iota
	StagingSelectTemplate
	StagingSelectDistinct
	StagingSelectDistinctHash
)

// StagingSelect carries the parsed staging-select directive.
type StagingSelect struct {
	Kind     StagingSelectKind
	Template string // only set when Kind == StagingSelectTemplate; contains "{{table}}"
}

// ExecuteOpts holds the recognized execute-opts fields.
type ExecuteOpts struct {
	TimeoutMillis int64
}

// DefaultTimeoutMillis is used when execute-opts.timeout-millis is absent.
const DefaultTimeoutMillis = 3_600_000

func (o ExecuteOpts) Timeout() time.Duration {
	ms := o.TimeoutMillis
	if ms <= 0 {
		ms = DefaultTimeoutMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// Descriptor is the decoded, validated manifest.edn control record.
type Descriptor struct {
	Table    string
	Schema   *string
	JDBCURL  string
	Username string
	Password string

	Columns     []string
	FullColumns []string
	PKColumns   []string
	PKNulls     []string

	DataPattern       string
	DataPatternRegexp *regexp.Regexp

	Strategy Strategy
	Options  []string

	StagingSelect *StagingSelect

	DeleteNullHashMergeDataSources []string

	AddStatus   bool
	DataSources []string

	ExecuteOpts ExecuteOpts
}

// Parse decodes raw manifest.edn bytes into a Descriptor. It does not
// validate cross-field invariants; call Validate for that.
func Parse(data []byte) (*Descriptor, error) {
	root, err := parseEDN(data)
	if err != nil {
		return nil, fmt.Errorf("descriptor: failed to parse manifest.edn: %w", err)
	}
	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("descriptor: manifest.edn must decode to a map, got %T", root)
	}

	d := &Descriptor{
		Strategy: StrategyMerge, // default per spec
	}

	d.Table, _ = stringField(m, "table")
	if s, ok := optionalStringField(m, "schema"); ok {
		d.Schema = &s
	}
	d.JDBCURL, _ = stringField(m, "jdbc-url")
	d.Username, _ = stringField(m, "username")
	d.Password, _ = stringField(m, "password")

	d.Columns = stringSliceField(m, "columns")
	d.FullColumns = stringSliceField(m, "full-columns")
	if len(d.FullColumns) == 0 {
		d.FullColumns = d.Columns
	}
	d.PKColumns = stringSliceField(m, "pk-columns")
	d.PKNulls = stringSliceField(m, "pk-nulls")

	d.DataPattern, _ = stringField(m, "data-pattern")

	if rawStrategy, present := m["strategy"]; present && rawStrategy != nil {
		kw, ok := rawStrategy.(ednKeyword)
		if !ok {
			return nil, fmt.Errorf("descriptor: strategy must be a keyword, got %T", rawStrategy)
		}
		d.Strategy = Strategy(kw)
	}

	d.Options = stringSliceField(m, "options")

	if rawSS, present := m["staging-select"]; present && rawSS != nil {
		switch v := rawSS.(type) {
		case string:
			d.StagingSelect = &StagingSelect{Kind: StagingSelectTemplate, Template: v}
		case ednKeyword:
			switch v {
			case "distinct":
				d.StagingSelect = &StagingSelect{Kind: StagingSelectDistinct}
			case "distinct-hash":
				d.StagingSelect = &StagingSelect{Kind: StagingSelectDistinctHash}
			default:
				return nil, fmt.Errorf("descriptor: unrecognized staging-select symbol %q", v)
			}
		default:
			return nil, fmt.Errorf("descriptor: staging-select must be a string or symbol, got %T", rawSS)
		}
	}

	d.DeleteNullHashMergeDataSources = stringSliceField(m, "delete-null-hash-merge-data-sources")

	if rawAddStatus, present := m["add-status"]; present && rawAddStatus != nil {
		b, ok := rawAddStatus.(bool)
		if !ok {
			return nil, fmt.Errorf("descriptor: add-status must be a boolean, got %T", rawAddStatus)
		}
		d.AddStatus = b
	}

	d.DataSources = stringSliceField(m, "data-sources")

	if rawOpts, present := m["execute-opts"]; present && rawOpts != nil {
		optsMap, ok := rawOpts.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("descriptor: execute-opts must be a map, got %T", rawOpts)
		}
		if rawTimeout, ok := optsMap["timeout-millis"]; ok && rawTimeout != nil {
			f, ok := rawTimeout.(float64)
			if !ok {
				return nil, fmt.Errorf("descriptor: execute-opts.timeout-millis must be a number, got %T", rawTimeout)
			}
			d.ExecuteOpts.TimeoutMillis = int64(f)
		}
	}

	return d, nil
}

// Validate checks the cross-field invariants spec'd for a descriptor:
// regex compiles, strategy is recognized, pk-columns is non-empty for
// merge-family and append strategies, pk-nulls is a subset of pk-columns,
// and columns is non-empty when COPY is used (every strategy here copies).
func (d *Descriptor) Validate() error {
	if d.Table == "" {
		return fmt.Errorf("descriptor: table is required")
	}
	if !d.Strategy.valid() {
		return fmt.Errorf("descriptor: unrecognized strategy %q", d.Strategy)
	}
	if d.DataPattern == "" {
		return fmt.Errorf("descriptor: data-pattern is required")
	}
	re, err := regexp.Compile(d.DataPattern)
	if err != nil {
		return fmt.Errorf("descriptor: invalid data-pattern %q: %w", d.DataPattern, err)
	}
	d.DataPatternRegexp = re

	if len(d.Columns) == 0 {
		return fmt.Errorf("descriptor: columns must be non-empty")
	}

	switch d.Strategy {
	case StrategyMerge, StrategyDeleteNullHashMerge, StrategyDeleteNullHashMergeCustomer, StrategyAppend:
		if len(d.PKColumns) == 0 {
			return fmt.Errorf("descriptor: pk-columns must be non-empty for strategy %q", d.Strategy)
		}
	}

	pkSet := make(map[string]bool, len(d.PKColumns))
	for _, pk := range d.PKColumns {
		pkSet[pk] = true
	}
	for _, n := range d.PKNulls {
		if !pkSet[n] {
			return fmt.Errorf("descriptor: pk-nulls entry %q is not in pk-columns", n)
		}
	}

	return nil
}

// ApplyTemplating expands {{ENV_VAR}} placeholders in the dynamic connection
// fields, per spec.md §4.3: table, schema, jdbc-url, username, password.
func (d *Descriptor) ApplyTemplating() error {
	if err := template.ExpandAll(&d.Table, &d.JDBCURL, &d.Username, &d.Password); err != nil {
		return err
	}
	if d.Schema != nil {
		if err := template.ExpandAll(d.Schema); err != nil {
			return err
		}
	}
	return nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func optionalStringField(m map[string]any, key string) (string, bool) {
	return stringField(m, key)
}

func stringSliceField(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
			continue
		}
		if kw, ok := it.(ednKeyword); ok {
			out = append(out, string(kw))
		}
	}
	return out
}

// Package policy evaluates release advisories for committed attribution
// decisions with OPA.
//
// ADVISORY ONLY: the engine recommends release, hold or review. It never
// moves money; external payment logic reads the advisory from the record.
package policy

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/source"
	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

//go:embed rego/*.rego
var builtin embed.FS

// Query is the package every advisory module defines
const Query = "data.kredo.release"

// OpaExpressionValue is the dynamic value of an OPA expression result.
// Policies decide its shape at runtime.
type OpaExpressionValue map[string]interface{}

// Input is the document a policy evaluates
type Input struct {
	Decision DecisionInput      `json:"decision"`
	Policy   types.WindowPolicy `json:"policy"`
	Source   SourceInput        `json:"source"`
}

// DecisionInput is the decision as policies see it
type DecisionInput struct {
	OrderID         string  `json:"order_id"`
	CampaignID      string  `json:"campaign_id"`
	PrimaryAgency   string  `json:"primary_agency"`
	Model           string  `json:"model"`
	Confidence      int     `json:"confidence"`
	TouchpointCount int     `json:"touchpoint_count"`
	ConversionValue float64 `json:"conversion_value"`
	Unallocated     float64 `json:"unallocated"`
}

// SourceInput is the inferred origin with organic and direct flags
type SourceInput struct {
	Source  string `json:"source"`
	Medium  string `json:"medium"`
	Method  string `json:"method"`
	Organic bool   `json:"organic"`
	Direct  bool   `json:"direct"`
}

// Engine holds prepared advisory queries
type Engine struct {
	logger  *telemetry.Logger
	tracer  trace.Tracer
	queries map[string]rego.PreparedEvalQuery
}

// NewEngine creates an engine with no policies loaded
func NewEngine() *Engine {
	return &Engine{
		logger:  telemetry.NewLogger("policy-engine"),
		tracer:  otel.Tracer("policy-engine"),
		queries: make(map[string]rego.PreparedEvalQuery),
	}
}

// New loads the policies at path, or the built-in module when path is empty
func New(ctx context.Context, path string) (*Engine, error) {
	e := NewEngine()
	if path == "" {
		return e, e.LoadBuiltin(ctx)
	}
	return e, e.LoadPath(ctx, path)
}

// LoadBuiltin loads the embedded default module
func (e *Engine) LoadBuiltin(ctx context.Context) error {
	names, err := builtin.ReadDir("rego")
	if err != nil {
		return fmt.Errorf("failed to read builtin policies: %w", err)
	}
	for _, entry := range names {
		code, err := builtin.ReadFile("rego/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read builtin policy %s: %w", entry.Name(), err)
		}
		if err := e.LoadPolicy(ctx, entry.Name(), string(code)); err != nil {
			return err
		}
	}
	return nil
}

// LoadPath loads one .rego file or every .rego file under a directory
func (e *Engine) LoadPath(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("policy path %s: %w", path, err)
	}
	if !info.IsDir() {
		return e.loadFile(ctx, path)
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".rego") {
			return nil
		}
		return e.loadFile(ctx, p)
	})
}

func (e *Engine) loadFile(ctx context.Context, path string) error {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return e.LoadPolicy(ctx, filepath.Base(path), string(code))
}

// LoadPolicy compiles a Rego module defining package kredo.release
func (e *Engine) LoadPolicy(ctx context.Context, name, code string) error {
	ctx, span := e.tracer.Start(ctx, "policy_engine.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, code),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	e.queries[name] = prepared
	e.logger.WithContext(ctx).Info().
		Str("policy_name", name).
		Msg("policy loaded")
	return nil
}

// Loaded returns the names of loaded policies
func (e *Engine) Loaded() []string {
	names := make([]string, 0, len(e.queries))
	for name := range e.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildInput derives the policy document for a decision
func BuildInput(d *types.Decision, policy types.WindowPolicy) Input {
	return Input{
		Decision: DecisionInput{
			OrderID:         d.OrderID,
			CampaignID:      d.CampaignID,
			PrimaryAgency:   d.PrimaryAgency,
			Model:           string(d.Model),
			Confidence:      d.Confidence,
			TouchpointCount: d.TouchpointCount,
			ConversionValue: d.ConversionValue,
			Unallocated:     d.Unallocated,
		},
		Policy: policy,
		Source: SourceInput{
			Source:  d.Source.Source,
			Medium:  d.Source.Medium,
			Method:  string(d.Source.Method),
			Organic: d.Source.Source == source.Organic,
			Direct:  d.Source.Method == types.SourceMethodUnknown || d.Source.Method == "",
		},
	}
}

// Advise evaluates every loaded policy. The strictest decision wins
// (hold, then review, then release); reasons are merged.
func (e *Engine) Advise(ctx context.Context, d *types.Decision, policy types.WindowPolicy) (*types.Advisory, error) {
	ctx, span := e.tracer.Start(ctx, "policy_engine.advise",
		trace.WithAttributes(attribute.String("order.id", d.OrderID)))
	defer span.End()

	if len(e.queries) == 0 {
		return nil, fmt.Errorf("no release policies loaded")
	}

	input := BuildInput(d, policy)
	agg := &resultAggregator{}

	for _, name := range e.Loaded() {
		results, err := e.queries[name].Eval(ctx, rego.EvalInput(input))
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("policy %s evaluation failed: %w", name, err)
		}
		for _, res := range results {
			if len(res.Expressions) == 0 {
				continue
			}
			switch expr := res.Expressions[0].Value.(type) {
			case OpaExpressionValue:
				agg.add(expr)
			case map[string]interface{}:
				agg.add(expr)
			}
		}
	}

	advisory := agg.advisory()
	span.SetAttributes(attribute.String("advisory", advisory.Decision))
	e.logger.WithContext(ctx).Debug().
		Str("order_id", d.OrderID).
		Str("advisory", advisory.Decision).
		Strs("reasons", advisory.Reasons).
		Msg("release advisory evaluated")
	return advisory, nil
}

var advisoryPriority = map[string]int{
	types.AdvisoryHold:    3,
	types.AdvisoryReview:  2,
	types.AdvisoryRelease: 1,
}

// resultAggregator holds aggregation state across policies
type resultAggregator struct {
	decision string
	priority int
	reasons  []string
	seen     map[string]bool
}

func (a *resultAggregator) add(expr map[string]interface{}) {
	if decision, ok := expr["decision"].(string); ok {
		if p := advisoryPriority[decision]; p > a.priority {
			a.priority = p
			a.decision = decision
		}
	}

	reasons, _ := expr["reasons"].([]interface{})
	for _, r := range reasons {
		s, ok := r.(string)
		if !ok {
			continue
		}
		if a.seen == nil {
			a.seen = make(map[string]bool)
		}
		if !a.seen[s] {
			a.seen[s] = true
			a.reasons = append(a.reasons, s)
		}
	}
}

// advisory defaults to release when no policy produced a decision
func (a *resultAggregator) advisory() *types.Advisory {
	decision := a.decision
	if decision == "" {
		decision = types.AdvisoryRelease
	}
	reasons := append([]string(nil), a.reasons...)
	sort.Strings(reasons)
	return &types.Advisory{Decision: decision, Reasons: reasons}
}

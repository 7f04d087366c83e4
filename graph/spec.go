package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"dario.cat/mergo"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/itchyny/gojq"

	"github.com/nervehq/nerve/core"
)

// specDef is the YAML shape accepted by CREATE_GRAPH's spec parameter.
type specDef struct {
	// Defaults is merged into every step; explicit step fields win.
	Defaults stepDef   `mapstructure:"defaults"`
	Steps    []stepDef `mapstructure:"steps"`
}

type stepDef struct {
	ID   string `mapstructure:"id"`
	Node string `mapstructure:"node"`
	// Input is the static input; exclusive with InputQuery, mirroring
	// the input/input_fn exclusivity of programmatic steps.
	Input any `mapstructure:"input"`
	// InputQuery is a jq expression evaluated over the upstream results
	// map.
	InputQuery  string     `mapstructure:"input_query"`
	DependsOn   []string   `mapstructure:"depends_on"`
	Parser      string     `mapstructure:"parser"`
	ErrorPolicy *policyDef `mapstructure:"error_policy"`
}

type policyDef struct {
	OnError       string  `mapstructure:"on_error"`
	RetryCount    int     `mapstructure:"retry_count"`
	RetryDelayMS  int     `mapstructure:"retry_delay_ms"`
	RetryBackoff  float64 `mapstructure:"retry_backoff"`
	TimeoutMS     int     `mapstructure:"timeout_ms"`
	FallbackValue any     `mapstructure:"fallback_value"`
}

// FromSpec builds a graph from a declarative YAML spec. Node references
// are left symbolic (node_ref) and resolve through the session at
// execution time.
func FromSpec(id string, spec []byte) (*Graph, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(spec, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse graph spec: %v", core.ErrInvalid, err)
	}

	var def specDef
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &def,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: decode graph spec: %v", core.ErrInvalid, err)
	}

	g := New(id)
	for i := range def.Steps {
		sd := def.Steps[i]
		if err := mergo.Merge(&sd, def.Defaults); err != nil {
			return nil, fmt.Errorf("%w: merge step defaults: %v", core.ErrInternal, err)
		}
		if sd.Input != nil && sd.InputQuery != "" {
			return nil, fmt.Errorf("%w: step %q sets both input and input_query", core.ErrInvalid, sd.ID)
		}

		step := &Step{
			ID:        sd.ID,
			NodeRef:   sd.Node,
			Input:     sd.Input,
			DependsOn: sd.DependsOn,
			Parser:    sd.Parser,
		}
		if sd.InputQuery != "" {
			fn, err := compileInputQuery(sd.InputQuery)
			if err != nil {
				return nil, fmt.Errorf("%w: step %q input_query: %v", core.ErrInvalid, sd.ID, err)
			}
			step.InputFn = fn
		}
		if sd.ErrorPolicy != nil {
			step.Policy = &ErrorPolicy{
				OnError:       Action(sd.ErrorPolicy.OnError),
				RetryCount:    sd.ErrorPolicy.RetryCount,
				RetryDelay:    time.Duration(sd.ErrorPolicy.RetryDelayMS) * time.Millisecond,
				RetryBackoff:  sd.ErrorPolicy.RetryBackoff,
				Timeout:       time.Duration(sd.ErrorPolicy.TimeoutMS) * time.Millisecond,
				FallbackValue: sd.ErrorPolicy.FallbackValue,
			}
		}
		g.AddStep(step)
	}
	if errs := g.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalid, errs)
	}
	return g, nil
}

// compileInputQuery compiles a jq expression into an InputFn over the
// upstream results map.
func compileInputQuery(query string) (InputFn, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, err
	}
	return func(upstream map[string]any) (any, error) {
		iter := code.Run(normalize(upstream))
		v, ok := iter.Next()
		if !ok {
			return nil, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		return v, nil
	}, nil
}

// normalize converts arbitrary Go values into the jq value domain.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case nil, bool, string, float64:
		return t
	default:
		// Structured results (parsed responses, nested graphs) go
		// through a JSON round-trip into the jq value domain.
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return fmt.Sprintf("%v", t)
		}
		return out
	}
}

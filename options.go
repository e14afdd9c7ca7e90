package loom

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
)

// Limits on request model options.
const (
	maxOptionKeys  = 20
	maxOptionBytes = 2 * 1024
)

// modelParamAllowlist is the only set of generation parameters accepted
// from node params during merge.
var modelParamAllowlist = map[string]bool{
	"temperature":       true,
	"max_tokens":        true,
	"top_p":             true,
	"frequency_penalty": true,
	"presence_penalty":  true,
	"stop":              true,
}

// reservedKwargs are rejected outright before a request reaches a provider:
// transport and credential concerns are never caller-controlled.
var reservedKwargs = map[string]bool{
	"api_key":      true,
	"base_url":     true,
	"timeout":      true,
	"transport":    true,
	"proxy":        true,
	"organization": true,
	"project":      true,
	"headers":      true,
	"http_client":  true,
}

// Option schema value kinds.
const (
	OptionSelect  = "select"
	OptionNumber  = "number"
	OptionSlider  = "slider"
	OptionBoolean = "boolean"
)

// OptionSpec describes one provider option.
type OptionSpec struct {
	Key     string   `json:"key"`
	Type    string   `json:"type"`
	Choices []string `json:"choices,omitempty"`
	Min     float64  `json:"min,omitempty"`
	Max     float64  `json:"max,omitempty"`
	Default any      `json:"default,omitempty"`
}

// OptionSchema is a provider's option schema for one model.
type OptionSchema struct {
	Options []OptionSpec `json:"options"`
}

// SchemaSource fetches the option schema for a "provider:model" id.
type SchemaSource interface {
	OptionSchema(ctx context.Context, modelID string) (*OptionSchema, error)
}

// OptionValidator resolves effective models and validates request options
// against provider schemas, caching schemas by model id.
type OptionValidator struct {
	source SchemaSource

	mu    sync.Mutex
	cache map[string]*OptionSchema
}

// NewOptionValidator builds a validator over a schema source.
func NewOptionValidator(source SchemaSource) *OptionValidator {
	return &OptionValidator{source: source, cache: make(map[string]*OptionSchema)}
}

// ResolveModel picks the effective model id by precedence: the request's
// model, then the chat config's agent model, then the chat config model,
// then the persisted chat model. Returns a ModelResolutionError when every
// candidate is empty.
func ResolveModel(chatID string, candidates ...string) (string, error) {
	for _, c := range candidates {
		if c != "" {
			return c, nil
		}
	}
	return "", &ModelResolutionError{ChatID: chatID}
}

// Validate checks request options against the model's schema and returns a
// new map with defaults filled for omitted keys. Validation is idempotent:
// validating an already-valid result changes nothing.
func (v *OptionValidator) Validate(ctx context.Context, modelID string, opts map[string]any) (map[string]any, error) {
	if len(opts) > maxOptionKeys {
		return nil, Validationf("options: too many keys (%d > %d)", len(opts), maxOptionKeys)
	}
	if payload, err := json.Marshal(opts); err != nil {
		return nil, Validationf("options: not serializable: %v", err)
	} else if len(payload) > maxOptionBytes {
		return nil, Validationf("options: payload too large (%d > %d bytes)", len(payload), maxOptionBytes)
	}

	schema, err := v.schema(ctx, modelID)
	if err != nil {
		return nil, err
	}
	specs := make(map[string]OptionSpec, len(schema.Options))
	for _, s := range schema.Options {
		specs[s.Key] = s
	}

	out := make(map[string]any, len(schema.Options))
	for key, val := range opts {
		spec, known := specs[key]
		if !known {
			return nil, Validationf("options: unknown key %q for model %s", key, modelID)
		}
		checked, err := checkOption(spec, val)
		if err != nil {
			return nil, err
		}
		out[key] = checked
	}
	for _, spec := range schema.Options {
		if _, present := out[spec.Key]; !present && spec.Default != nil {
			out[spec.Key] = spec.Default
		}
	}
	return out, nil
}

func (v *OptionValidator) schema(ctx context.Context, modelID string) (*OptionSchema, error) {
	v.mu.Lock()
	cached, ok := v.cache[modelID]
	v.mu.Unlock()
	if ok {
		return cached, nil
	}
	schema, err := v.source.OptionSchema(ctx, modelID)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache[modelID] = schema
	v.mu.Unlock()
	return schema, nil
}

func checkOption(spec OptionSpec, val any) (any, error) {
	switch spec.Type {
	case OptionSelect:
		s, ok := val.(string)
		if !ok {
			return nil, Validationf("options: %q must be a string", spec.Key)
		}
		for _, c := range spec.Choices {
			if s == c {
				return s, nil
			}
		}
		return nil, Validationf("options: %q: %q is not an allowed choice", spec.Key, s)
	case OptionNumber, OptionSlider:
		f, err := toFloat(val)
		if err != nil {
			return nil, Validationf("options: %q must be a number", spec.Key)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, Validationf("options: %q must be finite", spec.Key)
		}
		if spec.Min != 0 || spec.Max != 0 {
			if f < spec.Min || f > spec.Max {
				return nil, Validationf("options: %q: %g out of range [%g, %g]", spec.Key, f, spec.Min, spec.Max)
			}
		}
		return f, nil
	case OptionBoolean:
		b, ok := val.(bool)
		if !ok {
			return nil, Validationf("options: %q must be a boolean", spec.Key)
		}
		return b, nil
	default:
		return val, nil
	}
}

// MergeModelParams merges node-level generation params into mapped request
// options. Only allowlisted keys are accepted from node params; later
// values win.
func MergeModelParams(nodeParams, mapped map[string]any) map[string]any {
	out := make(map[string]any, len(nodeParams)+len(mapped))
	for k, v := range nodeParams {
		if modelParamAllowlist[k] {
			out[k] = v
		}
	}
	for k, v := range mapped {
		out[k] = v
	}
	return out
}

// SanitizeFinalKwargs rejects any key in the reserved transport/credential
// set or starting with an underscore. Returns a new map.
func SanitizeFinalKwargs(kwargs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		if reservedKwargs[k] {
			return nil, Validationf("options: reserved key %q", k)
		}
		if strings.HasPrefix(k, "_") {
			return nil, Validationf("options: internal key %q", k)
		}
		out[k] = v
	}
	return out, nil
}

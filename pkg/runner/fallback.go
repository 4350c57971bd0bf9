package runner

import (
	"fmt"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/version"
)

// FallbackMode controls what happens after the first (provider, model)
// attempt fails with a retriable error.
type FallbackMode string

const (
	// FallbackAuto tries alternate providers for the same model, then
	// alternate models in the same or a better capability bucket.
	FallbackAuto FallbackMode = "auto"
	// FallbackNever stops after the first attempt.
	FallbackNever FallbackMode = "never"
	// FallbackExplicit uses the caller-supplied model list verbatim.
	FallbackExplicit FallbackMode = "explicit"
)

// Fallback is the parsed use_fallback request value.
type Fallback struct {
	Mode   FallbackMode
	Models []string
}

// ParseFallback accepts the wire forms of use_fallback: absent (auto),
// "auto"/"never", a boolean, or an explicit model list.
func ParseFallback(raw any) (Fallback, error) {
	switch v := raw.(type) {
	case nil:
		return Fallback{Mode: FallbackAuto}, nil
	case bool:
		if v {
			return Fallback{Mode: FallbackAuto}, nil
		}
		return Fallback{Mode: FallbackNever}, nil
	case string:
		switch v {
		case "", "auto":
			return Fallback{Mode: FallbackAuto}, nil
		case "never":
			return Fallback{Mode: FallbackNever}, nil
		default:
			return Fallback{}, apierror.Newf(apierror.KindInvalidRunOptions,
				"invalid use_fallback %q", v)
		}
	case []any:
		models := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return Fallback{}, apierror.New(apierror.KindInvalidRunOptions,
					"use_fallback list must contain model names")
			}
			models = append(models, s)
		}
		return Fallback{Mode: FallbackExplicit, Models: models}, nil
	case []string:
		return Fallback{Mode: FallbackExplicit, Models: v}, nil
	default:
		return Fallback{}, apierror.Newf(apierror.KindInvalidRunOptions,
			"invalid use_fallback value of type %T", raw)
	}
}

// attempt is one planned (provider, model) pair.
type attempt struct {
	provider model.Provider
	model    string
}

func (a attempt) String() string { return fmt.Sprintf("%s/%s", a.provider, a.model) }

// maxPlannedAttempts bounds the fallback chain.
const maxPlannedAttempts = 4

// planAttempts builds the ordered attempt list for a resolved version:
// the pinned provider (or the model's preference list) first, then fallback
// candidates per the mode.
func (r *Runner) planAttempts(props *version.Properties, fb Fallback) ([]attempt, error) {
	modelID := props.Model
	if modelID == "" {
		if props.Provider == "" {
			return nil, apierror.New(apierror.KindInvalidRunOptions,
				"version names neither model nor provider")
		}
		modelID = model.DefaultModelFor(model.Provider(props.Provider))
	}

	primary := r.providersFor(modelID, model.Provider(props.Provider))
	if len(primary) == 0 {
		return nil, apierror.Newf(apierror.KindInvalidRunOptions,
			"no configured provider can serve model %q", modelID)
	}

	attempts := []attempt{{provider: primary[0], model: modelID}}
	switch fb.Mode {
	case FallbackNever:
		return attempts, nil

	case FallbackExplicit:
		for _, candidate := range fb.Models {
			if candidate == modelID {
				continue
			}
			if providers := r.providersFor(candidate, ""); len(providers) > 0 {
				attempts = append(attempts, attempt{provider: providers[0], model: candidate})
			}
		}
		return capAttempts(attempts), nil

	default:
		// alternate providers for the same model first
		for _, p := range primary[1:] {
			attempts = append(attempts, attempt{provider: p, model: modelID})
		}
		// then same-or-better models from the catalog
		for _, candidate := range r.catalog.FallbackModels(modelID) {
			if providers := r.providersFor(candidate, ""); len(providers) > 0 {
				attempts = append(attempts, attempt{provider: providers[0], model: candidate})
			}
		}
		return capAttempts(attempts), nil
	}
}

// providersFor returns the configured providers able to serve the model, in
// preference order. A pinned provider goes first when it is configured.
func (r *Runner) providersFor(modelID string, pinned model.Provider) []model.Provider {
	var out []model.Provider
	if pinned != "" && r.registry.Has(pinned) {
		out = append(out, pinned)
	}
	for _, p := range r.catalog.ProviderPreference(modelID) {
		if p == pinned || !r.registry.Has(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func capAttempts(attempts []attempt) []attempt {
	if len(attempts) > maxPlannedAttempts {
		return attempts[:maxPlannedAttempts]
	}
	return attempts
}

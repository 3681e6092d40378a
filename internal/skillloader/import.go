package skillloader

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Outcome is what Import did with one definition.
type Outcome string

const (
	Created Outcome = "created"
	Updated Outcome = "updated"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// ImportResult reports the outcome per skill name.
type ImportResult struct {
	Outcomes map[string]Outcome
	Errors   []LoadError
}

// Count returns how many definitions ended with outcome o.
func (r *ImportResult) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

// Import saves defs into scope. An existing skill is skipped unless
// overwrite is set, in which case it is updated to a new version.
func Import(ctx context.Context, reg *skills.Registry, scope workspace.Scope, defs []Definition, overwrite bool, logger *slog.Logger) *ImportResult {
	if logger == nil {
		logger = slog.Default()
	}
	result := &ImportResult{Outcomes: make(map[string]Outcome, len(defs))}

	for i := range defs {
		def := &defs[i]
		outcome, err := importOne(ctx, reg, scope, def, overwrite)
		result.Outcomes[def.Name] = outcome
		if err != nil {
			logger.WarnContext(ctx, "skill import failed",
				slog.String("scope", scope.String()),
				slog.String("skill", def.Name),
				slog.String("error", err.Error()),
			)
			result.Errors = append(result.Errors, LoadError{File: def.SourceFile, Message: err.Error()})
			continue
		}
		logger.DebugContext(ctx, "skill imported",
			slog.String("scope", scope.String()),
			slog.String("skill", def.Name),
			slog.String("outcome", string(outcome)),
		)
	}

	logger.InfoContext(ctx, "skill import complete",
		slog.String("scope", scope.String()),
		slog.Int("created", result.Count(Created)),
		slog.Int("updated", result.Count(Updated)),
		slog.Int("skipped", result.Count(Skipped)),
		slog.Int("failed", result.Count(Failed)),
	)
	return result
}

func importOne(ctx context.Context, reg *skills.Registry, scope workspace.Scope, def *Definition, overwrite bool) (Outcome, error) {
	_, err := reg.Save(ctx, scope, def.Spec())
	switch {
	case err == nil:
		return Created, nil
	case !errors.Is(err, skills.ErrSkillExists):
		return Failed, err
	case !overwrite:
		return Skipped, nil
	}

	patch := skills.Patch{
		Code:        &def.Code,
		Description: &def.Description,
		Tags:        def.Tags,
		Parameters:  def.Parameters,
		Returns:     &def.Returns,
	}
	if patch.Tags == nil {
		patch.Tags = []string{}
	}
	if _, err := reg.Update(ctx, scope, def.Name, 0, patch); err != nil {
		return Failed, err
	}
	return Updated, nil
}

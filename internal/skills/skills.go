// Package skills stores named, versioned units of reusable Starlark code in a
// tenant's workspace and runs them through the sandbox engine.
//
// A skill is a bundle under skills/<name>/: implementation.star (the code),
// metadata.json (the commit point, holding the version counter) and SKILL.md
// (generated documentation). Updates use compare-and-swap on the version.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/workspace"
)

var (
	ErrInvalidName     = errors.New("invalid skill name")
	ErrInvalidCode     = errors.New("invalid skill code")
	ErrSkillExists     = errors.New("skill already exists")
	ErrSkillLocked     = errors.New("skill is locked by another writer")
	ErrVersionConflict = errors.New("skill version conflict")
	ErrTooManySkills   = errors.New("skill limit reached")
	ErrNotFound        = workspace.ErrNotFound
)

const (
	MaxNameLength = 50
	MaxCodeBytes  = 50 * 1024
	MaxSkills     = 100

	codeFile     = "implementation.star"
	metadataFile = "metadata.json"
	docFile      = "SKILL.md"
)

var (
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	reservedNames = map[string]bool{
		"__init__": true,
		"__main__": true,
		"setup":    true,
		"test":     true,
		"config":   true,
	}
)

// Skill is a stored unit of code with its metadata.
type Skill struct {
	Name        string            `json:"name"`
	Code        string            `json:"code,omitempty"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Returns     string            `json:"returns,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Summary is the listing form of a skill.
type Summary struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Spec describes a new skill.
type Spec struct {
	Name        string
	Code        string
	Description string
	Tags        []string
	Parameters  map[string]string
	Returns     string
}

// Patch lists the fields an update changes. Nil fields are kept.
type Patch struct {
	Code        *string
	Description *string
	Tags        []string
	Parameters  map[string]string
	Returns     *string
}

// Registry manages skills in workspace storage. Safe for concurrent use.
type Registry struct {
	store  *workspace.Store
	locks  *workspace.LockSet
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a registry over store.
func NewRegistry(store *workspace.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		locks:  workspace.NewLockSet(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateName checks a skill name against the safe identifier rules.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	case !namePattern.MatchString(name):
		return fmt.Errorf("%w: %q may only contain letters, digits and underscores", ErrInvalidName, name)
	case reservedNames[strings.ToLower(name)]:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func validateCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidCode, len(code), MaxCodeBytes)
	}
	if err := sandbox.CheckSyntax(code); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return nil
}

// Save stores a new skill at version 1.
func (r *Registry) Save(ctx context.Context, scope workspace.Scope, spec Spec) (*Skill, error) {
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	if err := validateCode(spec.Code); err != nil {
		return nil, err
	}
	unlock, ok := r.locks.TryLock(lockKey(scope, spec.Name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillLocked, spec.Name)
	}
	defer unlock()

	if _, err := r.readMetadata(ctx, scope, spec.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSkillExists, spec.Name)
	} else if !errors.Is(err, workspace.ErrNotFound) {
		return nil, err
	}
	// Files without metadata are left over from an interrupted write.
	if err := r.store.RemoveAll(ctx, scope, skillPath(spec.Name)); err != nil && !errors.Is(err, workspace.ErrNotFound) {
		return nil, fmt.Errorf("clearing incomplete skill %s: %w", spec.Name, err)
	}
	existing, err := r.names(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxSkills {
		return nil, fmt.Errorf("%w: %d skills", ErrTooManySkills, MaxSkills)
	}

	now := r.now()
	skill := &Skill{
		Name:        spec.Name,
		Code:        spec.Code,
		Description: spec.Description,
		Tags:        normalizeTags(spec.Tags),
		Parameters:  spec.Parameters,
		Returns:     spec.Returns,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.writeBundle(ctx, scope, skill, 0, true); err != nil {
		return nil, err
	}
	r.logger.Info("skill saved",
		slog.String("scope", scope.String()),
		slog.String("skill", skill.Name),
	)
	return skill, nil
}

// Get returns the skill with its code.
func (r *Registry) Get(ctx context.Context, scope workspace.Scope, name string) (*Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	skill, err := r.readMetadata(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	code, err := r.store.Read(ctx, scope, skillPath(name, codeFile))
	if err != nil {
		return nil, fmt.Errorf("reading skill %s code: %w", name, err)
	}
	skill.Code = string(code)
	return skill, nil
}

// Update applies patch if the stored version equals expectedVersion and
// increments the version by one. expectedVersion 0 means "whatever is
// current". A mismatch returns ErrVersionConflict; callers re-read and retry.
func (r *Registry) Update(ctx context.Context, scope workspace.Scope, name string, expectedVersion int64, patch Patch) (*Skill, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if patch.Code != nil {
		if err := validateCode(*patch.Code); err != nil {
			return nil, err
		}
	}
	unlock := r.locks.Lock(lockKey(scope, name))
	defer unlock()

	skill, err := r.Get(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && skill.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s is at version %d, not %d", ErrVersionConflict, name, skill.Version, expectedVersion)
	}
	prev := skill.Version
	codeChanged := false

	if patch.Code != nil && *patch.Code != skill.Code {
		skill.Code = *patch.Code
		codeChanged = true
	}
	if patch.Description != nil {
		skill.Description = *patch.Description
	}
	if patch.Tags != nil {
		skill.Tags = normalizeTags(patch.Tags)
	}
	if patch.Parameters != nil {
		skill.Parameters = patch.Parameters
	}
	if patch.Returns != nil {
		skill.Returns = *patch.Returns
	}
	skill.Version = prev + 1
	skill.UpdatedAt = r.now()

	if err := r.writeBundle(ctx, scope, skill, prev, codeChanged); err != nil {
		return nil, err
	}
	r.logger.Info("skill updated",
		slog.String("scope", scope.String()),
		slog.String("skill", name),
		slog.Int64("version", skill.Version),
	)
	return skill, nil
}

// Delete removes a skill bundle.
func (r *Registry) Delete(ctx context.Context, scope workspace.Scope, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	unlock := r.locks.Lock(lockKey(scope, name))
	defer unlock()

	if _, err := r.readMetadata(ctx, scope, name); err != nil {
		return err
	}
	if err := r.store.RemoveAll(ctx, scope, skillPath(name)); err != nil {
		return fmt.Errorf("deleting skill %s: %w", name, err)
	}
	r.logger.Info("skill deleted",
		slog.String("scope", scope.String()),
		slog.String("skill", name),
	)
	return nil
}

// List returns all skills, most recently updated first.
func (r *Registry) List(ctx context.Context, scope workspace.Scope) ([]Summary, error) {
	return r.Search(ctx, scope, "")
}

// Search returns skills whose name, tags or description contain query,
// compared with Unicode case folding. Results are ordered by most recently
// updated first, then by name.
func (r *Registry) Search(ctx context.Context, scope workspace.Scope, query string) ([]Summary, error) {
	names, err := r.names(ctx, scope)
	if err != nil {
		return nil, err
	}
	q := fold(strings.TrimSpace(query))
	var out []Summary
	for _, name := range names {
		skill, err := r.readMetadata(ctx, scope, name)
		if err != nil {
			r.logger.Warn("skipping unreadable skill",
				slog.String("scope", scope.String()),
				slog.String("skill", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if q != "" && !matches(skill, q) {
			continue
		}
		out = append(out, Summary{
			Name:        skill.Name,
			Description: skill.Description,
			Tags:        skill.Tags,
			Version:     skill.Version,
			UpdatedAt:   skill.UpdatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// RunOptions carries the limits for a skill run.
type RunOptions struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Depth          int
}

// Run executes a stored skill with args bound into the job. When the skill
// defines main, it is called with args as keyword arguments. All engine
// restrictions apply unchanged.
func (r *Registry) Run(ctx context.Context, runner sandbox.Runner, caller sandbox.Caller, name string, args map[string]any, opts RunOptions) (*sandbox.Result, error) {
	scope := workspace.Scope{Tenant: caller.Tenant, Sandbox: caller.Sandbox}
	skill, err := r.Get(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	return runner.Execute(ctx, sandbox.Job{
		Code:           skill.Code,
		Timeout:        opts.Timeout,
		MaxOutputBytes: opts.MaxOutputBytes,
		Caller:         caller,
		Args:           args,
		CallMain:       true,
		Depth:          opts.Depth,
		Name:           "skill_" + name + ".star",
	})
}

// writeBundle writes code and docs, then commits metadata with a version
// check against prev (0 = must not exist yet). On failure the files written
// so far are rolled back: a new bundle is removed, an existing one gets its
// previous content back.
func (r *Registry) writeBundle(ctx context.Context, scope workspace.Scope, skill *Skill, prev int64, writeCode bool) (err error) {
	var undo []func(context.Context)
	defer func() {
		if err == nil {
			return
		}
		rbCtx := context.WithoutCancel(ctx)
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i](rbCtx)
		}
	}()
	if prev == 0 {
		undo = append(undo, func(ctx context.Context) { r.discard(ctx, scope, skill.Name) })
	}
	stage := func(file string, data []byte) error {
		path := skillPath(skill.Name, file)
		if prev != 0 {
			old, err := r.store.Read(ctx, scope, path)
			switch {
			case err == nil:
				undo = append(undo, func(ctx context.Context) { r.restore(ctx, scope, path, old) })
			case !errors.Is(err, workspace.ErrNotFound):
				return err
			}
		}
		return r.replace(ctx, scope, path, data)
	}

	if writeCode {
		if err := stage(codeFile, []byte(skill.Code)); err != nil {
			return fmt.Errorf("writing skill %s code: %w", skill.Name, err)
		}
	}
	if err := stage(docFile, []byte(renderDoc(skill))); err != nil {
		return fmt.Errorf("writing skill %s docs: %w", skill.Name, err)
	}

	meta := *skill
	meta.Code = ""
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding skill %s metadata: %w", skill.Name, err)
	}
	return r.store.Update(ctx, scope, skillPath(skill.Name, metadataFile), func(current []byte, exists bool) ([]byte, error) {
		var stored int64
		if exists {
			var m Skill
			if err := json.Unmarshal(current, &m); err != nil {
				return nil, fmt.Errorf("decoding skill %s metadata: %w", skill.Name, err)
			}
			stored = m.Version
		}
		if stored != prev {
			return nil, fmt.Errorf("%w: %s is at version %d, not %d", ErrVersionConflict, skill.Name, stored, prev)
		}
		return data, nil
	})
}

// discard removes a bundle that never got metadata. A bundle whose metadata
// exists belongs to another writer and is left alone.
func (r *Registry) discard(ctx context.Context, scope workspace.Scope, name string) {
	if _, err := r.readMetadata(ctx, scope, name); !errors.Is(err, ErrNotFound) {
		return
	}
	if err := r.store.RemoveAll(ctx, scope, skillPath(name)); err != nil && !errors.Is(err, workspace.ErrNotFound) {
		r.logger.Error("removing incomplete skill bundle",
			slog.String("scope", scope.String()),
			slog.String("skill", name),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) restore(ctx context.Context, scope workspace.Scope, path string, data []byte) {
	if err := r.replace(ctx, scope, path, data); err != nil {
		r.logger.Error("restoring skill file",
			slog.String("scope", scope.String()),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) replace(ctx context.Context, scope workspace.Scope, path string, data []byte) error {
	return r.store.Update(ctx, scope, path, func([]byte, bool) ([]byte, error) { return data, nil })
}

func (r *Registry) readMetadata(ctx context.Context, scope workspace.Scope, name string) (*Skill, error) {
	data, err := r.store.Read(ctx, scope, skillPath(name, metadataFile))
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, fmt.Errorf("skill %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	var skill Skill
	if err := json.Unmarshal(data, &skill); err != nil {
		return nil, fmt.Errorf("decoding skill %s metadata: %w", name, err)
	}
	return &skill, nil
}

func (r *Registry) names(ctx context.Context, scope workspace.Scope) ([]string, error) {
	entries, err := r.store.List(ctx, scope, workspace.SkillsPrefix, false)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		name := strings.TrimPrefix(e.Path, workspace.SkillsPrefix+"/")
		if ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	return names, nil
}

func skillPath(name string, file ...string) string {
	return workspace.Join(append([]string{workspace.SkillsPrefix, name}, file...)...)
}

func lockKey(scope workspace.Scope, name string) string {
	return scope.Tenant + "\x00" + scope.Sandbox + "\x00" + name
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

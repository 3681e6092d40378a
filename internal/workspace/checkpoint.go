package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var checkpointName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,100}$`)

// SaveCheckpoint stores value as JSON under name. The last write wins.
func (s *Store) SaveCheckpoint(ctx context.Context, scope Scope, name string, value any) error {
	rel, err := checkpointPath(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", name, err)
	}
	return s.put(ctx, scope, rel, data)
}

// LoadCheckpoint returns the JSON document saved under name.
func (s *Store) LoadCheckpoint(ctx context.Context, scope Scope, name string) (json.RawMessage, error) {
	rel, err := checkpointPath(name)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.Read(ctx, scope, rel)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// ListCheckpoints returns the names of saved checkpoints.
func (s *Store) ListCheckpoints(ctx context.Context, scope Scope) ([]string, error) {
	entries, err := s.List(ctx, scope, CheckpointPrefix, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir || !strings.HasSuffix(e.Path, ".json") {
			continue
		}
		base := strings.TrimPrefix(e.Path, CheckpointPrefix+"/")
		names = append(names, strings.TrimSuffix(base, ".json"))
	}
	return names, nil
}

// DeleteCheckpoint removes the checkpoint saved under name.
func (s *Store) DeleteCheckpoint(ctx context.Context, scope Scope, name string) error {
	rel, err := checkpointPath(name)
	if err != nil {
		return err
	}
	return s.remove(ctx, scope, rel)
}

func checkpointPath(name string) (string, error) {
	if !checkpointName.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: checkpoint name %q", ErrInvalidPath, name)
	}
	return Join(CheckpointPrefix, name+".json"), nil
}

package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkaninda/ngome/internal/sandbox"
	"github.com/jkaninda/ngome/internal/skills"
	"github.com/jkaninda/ngome/internal/workspace"
)

// Kind classifies a tool failure. Kinds travel unchanged between a remote
// backend and the gateway, so clients can branch on them.
type Kind string

const (
	KindInvalidArguments   Kind = "invalid_arguments"
	KindLimitExceeded      Kind = "limit_exceeded"
	KindUnknownTool        Kind = "unknown_tool"
	KindImportDenied       Kind = "import_denied"
	KindTimeout            Kind = "timeout"
	KindRuntimeError       Kind = "runtime_error"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendError       Kind = "backend_error"
	KindCancelled          Kind = "cancelled"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindPathTraversal      Kind = "path_traversal"
	KindInvalidPath        Kind = "invalid_path"
	KindInvalidScope       Kind = "invalid_scope"
	KindNotFound           Kind = "not_found"
	KindBadExtension       Kind = "bad_extension"
	KindFileTooLarge       Kind = "file_too_large"
	KindReservedPath       Kind = "reserved_path"
	KindInvalidName        Kind = "invalid_name"
	KindInvalidCode        Kind = "invalid_code"
	KindSkillExists        Kind = "skill_exists"
	KindSkillLocked        Kind = "skill_locked"
	KindVersionConflict    Kind = "version_conflict"
	KindTooManySkills      Kind = "too_many_skills"
)

// Class groups kinds into the categories a client acts on.
type Class string

const (
	ClassInvalid   Class = "invalid"
	ClassExecution Class = "execution"
	ClassStorage   Class = "storage"
)

// Class returns the category of k.
func (k Kind) Class() Class {
	switch k {
	case KindInvalidArguments, KindLimitExceeded, KindUnknownTool:
		return ClassInvalid
	case KindQuotaExceeded, KindPathTraversal, KindInvalidPath, KindInvalidScope, KindNotFound,
		KindBadExtension, KindFileTooLarge, KindReservedPath, KindInvalidName,
		KindInvalidCode, KindSkillExists, KindSkillLocked, KindVersionConflict,
		KindTooManySkills:
		return ClassStorage
	default:
		return ClassExecution
	}
}

// Error is a classified tool failure with a caller-safe message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// StatusError converts a failed sandbox status into an Error.
func StatusError(res *sandbox.Result) *Error {
	kind := KindRuntimeError
	switch res.Status {
	case sandbox.StatusImportDenied:
		kind = KindImportDenied
	case sandbox.StatusTimeout:
		kind = KindTimeout
	}
	return &Error{Kind: kind, Message: res.Error}
}

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{workspace.ErrPathTraversal, KindPathTraversal},
	{workspace.ErrInvalidPath, KindInvalidPath},
	{workspace.ErrInvalidScope, KindInvalidScope},
	{workspace.ErrBadExtension, KindBadExtension},
	{workspace.ErrFileTooLarge, KindFileTooLarge},
	{workspace.ErrQuotaExceeded, KindQuotaExceeded},
	{workspace.ErrReservedPath, KindReservedPath},
	{workspace.ErrNotFound, KindNotFound},
	{skills.ErrInvalidName, KindInvalidName},
	{skills.ErrInvalidCode, KindInvalidCode},
	{skills.ErrSkillExists, KindSkillExists},
	{skills.ErrSkillLocked, KindSkillLocked},
	{skills.ErrVersionConflict, KindVersionConflict},
	{skills.ErrTooManySkills, KindTooManySkills},
	{sandbox.ErrLimitExceeded, KindLimitExceeded},
	{context.Canceled, KindCancelled},
	{context.DeadlineExceeded, KindTimeout},
}

// Classify maps err to a Kind. Unrecognized errors are backend errors.
func Classify(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindBackendError
}

// AsError converts any error into an *Error suitable for returning to a
// client. Unclassified errors get a generic message so internal detail does
// not leak.
func AsError(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	kind := Classify(err)
	if kind == KindBackendError {
		return &Error{Kind: kind, Message: "backend failed to complete the call"}
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// invalid builds a KindInvalidArguments error.
func invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalidArguments, Message: fmt.Sprintf(format, args...)}
}

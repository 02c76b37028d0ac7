// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the error returned by graph/exec operations,
// per the error taxonomy of the render graph core.
type Kind int

const (
	// ConfigError is returned for mistakes discoverable at
	// graph-build time: an unknown resource index, incompatible
	// uses on the same subresource, a write declared against a
	// read-only external, a swapchain attached to a non-present
	// queue, or more than one swapchain in a single graph.
	ConfigError Kind = iota
	// TopologyError means the dependency graph (explicit plus
	// implicit edges) contains a cycle.
	TopologyError
	// CapacityError means the transient allocator could not
	// satisfy a placement request even after growing its free
	// segments.
	CapacityError
	// BackendError wraps an error returned by the underlying
	// graphics API (resource creation, submission).
	BackendError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case TopologyError:
		return "TopologyError"
	case CapacityError:
		return "CapacityError"
	case BackendError:
		return "BackendError"
	default:
		return "UnknownError"
	}
}

const errPrefix = "graph: "

// Error is the error type returned by every exported operation
// in this package that can fail, except LoadAllocatorConfig, which
// returns the file-read or YAML error unchanged.
type Error struct {
	Kind   Kind
	Reason string
	// Pass is the name of the pass that was being built,
	// compiled or executed when the error occurred, if any.
	Pass string
	err  error
}

func (e *Error) Error() string {
	if e.Pass != "" {
		return fmt.Sprintf("%s%s: pass %q: %s", errPrefix, e.Kind, e.Pass, e.Reason)
	}
	return fmt.Sprintf("%s%s: %s", errPrefix, e.Kind, e.Reason)
}

// Unwrap allows errors.Is/errors.As to reach a wrapped backend
// error.
func (e *Error) Unwrap() error { return e.err }

func newErr(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func newErrf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// wrapBackendErr forwards an error from the backend, attaching
// the pass that was executing when it occurred.
func wrapBackendErr(pass string, err error) *Error {
	return &Error{
		Kind:   BackendError,
		Reason: err.Error(),
		Pass:   pass,
		err:    errors.Wrap(err, errPrefix+"backend"),
	}
}

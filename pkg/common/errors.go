// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind int

const (
	EK_INVALID ErrorKind = iota
	EK_RESOURCE_EXHAUSTED
	EK_IO
	EK_CANCELLED
	EK_SCHEMA_MISMATCH
	EK_INTERNAL
)

var errorKindToStr = map[ErrorKind]string{
	EK_INVALID:            "invalid",
	EK_RESOURCE_EXHAUSTED: "resources exhausted",
	EK_IO:                 "io error",
	EK_CANCELLED:          "cancelled",
	EK_SCHEMA_MISMATCH:    "schema mismatch",
	EK_INTERNAL:           "internal error",
}

func (kind ErrorKind) String() string {
	if s, has := errorKindToStr[kind]; has {
		return s
	}
	return fmt.Sprintf("error kind %d", int(kind))
}

var (
	ErrResourceExhausted = &ExecError{Kind: EK_RESOURCE_EXHAUSTED}
	ErrIO                = &ExecError{Kind: EK_IO}
	ErrCancelled         = &ExecError{Kind: EK_CANCELLED}
	ErrSchemaMismatch    = &ExecError{Kind: EK_SCHEMA_MISMATCH}
	ErrInternal          = &ExecError{Kind: EK_INTERNAL}
)

// ExecError is the error surfaced by operators. errors.Is matches
// on Kind so callers compare against the sentinels above.
type ExecError struct {
	Kind ErrorKind
	//operator or consumer that failed
	Op string
	//spill file, if any
	Path string
	Err  error
}

func (e *ExecError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func ResourcesExhausted(op string, format string, args ...any) error {
	return &ExecError{
		Kind: EK_RESOURCE_EXHAUSTED,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

func IOError(op string, path string, err error) error {
	return &ExecError{
		Kind: EK_IO,
		Op:   op,
		Path: path,
		Err:  err,
	}
}

func Cancelled(op string, err error) error {
	return &ExecError{
		Kind: EK_CANCELLED,
		Op:   op,
		Err:  err,
	}
}

func SchemaMismatch(op string, format string, args ...any) error {
	return &ExecError{
		Kind: EK_SCHEMA_MISMATCH,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

func InternalError(op string, format string, args ...any) error {
	return &ExecError{
		Kind: EK_INTERNAL,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

func IsResourcesExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsCancelled also reports context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// CheckCancel converts a done context into a cancelled error.
func CheckCancel(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return Cancelled(op, ctx.Err())
	default:
		return nil
	}
}

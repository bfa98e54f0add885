// Copyright 2026 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definitions for the memory
// subsystem.
package errors

import (
	goerrors "errors"
)

// Kind classifies an Error.
type Kind int

// Error kinds.
const (
	// Unknown is never produced by this repository.
	Unknown Kind = iota

	// OutOfMemory means the heap has no block large enough.
	OutOfMemory

	// Corrupted means an allocator found an inconsistent internal state.
	Corrupted

	// InvalidLayout means a size/alignment pair cannot be served.
	InvalidLayout

	// FrameAllocationFailed means a frame was needed but none was available.
	FrameAllocationFailed

	// PageAlreadyMapped means the target page already has a mapping.
	PageAlreadyMapped

	// PageNotMapped means the target page has no mapping.
	PageNotMapped

	// ParentEntryHugePage means an intermediate entry maps a huge page.
	ParentEntryHugePage

	// WouldDeadlock means a lock was requested by its current holder.
	WouldDeadlock

	// DoubleFree means a resource was released twice.
	DoubleFree

	// AccessDenied means a translation exists but forbids the access.
	AccessDenied
)

var kindNames = map[Kind]string{
	Unknown:               "Unknown",
	OutOfMemory:           "OutOfMemory",
	Corrupted:             "Corrupted",
	InvalidLayout:         "InvalidLayout",
	FrameAllocationFailed: "FrameAllocationFailed",
	PageAlreadyMapped:     "PageAlreadyMapped",
	PageNotMapped:         "PageNotMapped",
	ParentEntryHugePage:   "ParentEntryHugePage",
	WouldDeadlock:         "WouldDeadlock",
	DoubleFree:            "DoubleFree",
	AccessDenied:          "AccessDenied",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(?)"
}

// Error represents a memory subsystem failure with a descriptive message.
type Error struct {
	kind    Kind
	message string
}

// New creates a new *Error.
func New(kind Kind, message string) *Error {
	return &Error{
		kind:    kind,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Is implements the interface used by errors.Is. Two *Errors match when they
// have the same kind, so wrapped or re-described errors still compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if goerrors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Sentinels for matching with errors.Is. Errors returned by the allocators
// and the mapper carry more specific messages but the same kinds.
var (
	ErrOutOfMemory           = New(OutOfMemory, "out of memory")
	ErrCorrupted             = New(Corrupted, "allocator state corrupted")
	ErrInvalidLayout         = New(InvalidLayout, "invalid layout")
	ErrFrameAllocationFailed = New(FrameAllocationFailed, "frame allocation failed")
	ErrPageAlreadyMapped     = New(PageAlreadyMapped, "page already mapped")
	ErrPageNotMapped         = New(PageNotMapped, "page not mapped")
	ErrParentEntryHugePage   = New(ParentEntryHugePage, "parent entry is a huge page")
	ErrWouldDeadlock         = New(WouldDeadlock, "lock already held by this hart")
	ErrDoubleFree            = New(DoubleFree, "double free")
	ErrAccessDenied          = New(AccessDenied, "access denied")
)

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

package errors

import (
	goerrors "errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	sentinel := New(PageNotMapped, "page not mapped")
	other := New(PageNotMapped, "page 0x1000 not mapped")
	wrapped := fmt.Errorf("unmap: %w", other)

	if !goerrors.Is(wrapped, sentinel) {
		t.Errorf("errors.Is(%v, %v) = false, wanted true", wrapped, sentinel)
	}
	if goerrors.Is(wrapped, New(PageAlreadyMapped, "x")) {
		t.Errorf("errors.Is matched an error of a different kind")
	}
	if got := KindOf(wrapped); got != PageNotMapped {
		t.Errorf("KindOf(%v) = %v, wanted %v", wrapped, got, PageNotMapped)
	}
	if got := KindOf(goerrors.New("plain")); got != Unknown {
		t.Errorf("KindOf(plain) = %v, wanted Unknown", got)
	}
}

func TestKindString(t *testing.T) {
	if got := OutOfMemory.String(); got != "OutOfMemory" {
		t.Errorf("OutOfMemory.String() = %q", got)
	}
	if got := Kind(1000).String(); got != "Kind(?)" {
		t.Errorf("Kind(1000).String() = %q", got)
	}
}

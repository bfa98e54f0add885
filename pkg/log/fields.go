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


package log

import (
	"fmt"
	"time"

	"kmem.dev/kmem/pkg/sync"
)

// NoHart is the Hart of Fields that are not bound to a hart.
const NoHart = -1

// Fields identify where a message comes from.
type Fields struct {
	// Subsystem names the component, for example "frame pool".
	Subsystem string

	// Hart is the hart the message concerns, or NoHart.
	Hart int
}

// prefix is the text form of f, put before messages by emitters that do not
// record fields separately.
func (f Fields) prefix() string {
	switch {
	case f.Subsystem == "" && f.Hart == NoHart:
		return ""
	case f.Hart == NoHart:
		return f.Subsystem + ": "
	case f.Subsystem == "":
		return fmt.Sprintf("hart %d: ", f.Hart)
	default:
		return fmt.Sprintf("%s (hart %d): ", f.Subsystem, f.Hart)
	}
}

// FieldEmitter is an Emitter that records Fields alongside the message.
type FieldEmitter interface {
	Emitter

	// EmitFields is like Emit, with the message tagged by f.
	EmitFields(depth int, level Level, timestamp time.Time, f Fields, format string, v ...any)
}

// FieldLogger logs to the global logger with its Fields attached. The global
// logger is looked up on every call, so a FieldLogger created before
// SetTarget follows the new target.
type FieldLogger struct {
	Fields
}

// For returns a logger for the named subsystem.
func For(subsystem string) *FieldLogger {
	return &FieldLogger{Fields{Subsystem: subsystem, Hart: NoHart}}
}

// OnHart returns a copy of l bound to the given hart.
func (l *FieldLogger) OnHart(id sync.HartID) *FieldLogger {
	c := *l
	c.Hart = int(id)
	return &c
}

// Every returns a Logger for l that emits at most once per the given
// duration.
func (l *FieldLogger) Every(every time.Duration) Logger {
	return RateLimitedLogger(l, every)
}

func (l *FieldLogger) emit(level Level, format string, v ...any) {
	bl := Log()
	if !bl.IsLogging(level) {
		return
	}
	// Depth 2 names the caller of Debugf and friends.
	if fe, ok := bl.Emitter.(FieldEmitter); ok {
		fe.EmitFields(2, level, time.Now(), l.Fields, format, v...)
		return
	}
	bl.Emit(2, level, time.Now(), l.prefix()+format, v...)
}

// Debugf implements Logger.Debugf.
func (l *FieldLogger) Debugf(format string, v ...any) {
	l.emit(Debug, format, v...)
}

// Infof implements Logger.Infof.
func (l *FieldLogger) Infof(format string, v ...any) {
	l.emit(Info, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *FieldLogger) Warningf(format string, v ...any) {
	l.emit(Warning, format, v...)
}

// IsLogging implements Logger.IsLogging.
func (l *FieldLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Copyright 2018 The gVisor Authors.
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
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// jsonLog is one line of JSON output. Subsystem and hart are present only
// for messages logged through a FieldLogger.
type jsonLog struct {
	Msg       string    `json:"msg"`
	Level     Level     `json:"level"`
	Time      time.Time `json:"time"`
	Caller    string    `json:"caller,omitempty"`
	Subsystem string    `json:"subsystem,omitempty"`
	Hart      *int      `json:"hart,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarashalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON.  It can unmarshal
// from both string names and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// JSONEmitter logs messages in json format, one object per line.
type JSONEmitter struct {
	*Writer
}

var _ FieldEmitter = JSONEmitter{}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	e.emit(depth+1, level, timestamp, Fields{Hart: NoHart}, format, v...)
}

// EmitFields implements FieldEmitter.EmitFields.
func (e JSONEmitter) EmitFields(depth int, level Level, timestamp time.Time, f Fields, format string, v ...any) {
	e.emit(depth+1, level, timestamp, f, format, v...)
}

func (e JSONEmitter) emit(depth int, level Level, timestamp time.Time, f Fields, format string, v ...any) {
	j := jsonLog{
		Msg:       strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"),
		Level:     level,
		Time:      timestamp,
		Subsystem: f.Subsystem,
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		j.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	if f.Hart != NoHart {
		hart := f.Hart
		j.Hart = &hart
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

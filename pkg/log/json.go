// Copyright 2026 The gVisor Authors.
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
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Source string    `json:"source,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON. Levels are written as
// lower case names.
func (l Level) MarshalJSON() ([]byte, error) {
	if l > Debug {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return strconv.AppendQuote(nil, strings.ToLower(l.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts the
// names written by MarshalJSON and plain integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	s := string(b)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		if Level(n) > Debug {
			return fmt.Errorf("unknown level %d", n)
		}
		*l = Level(n)
		return nil
	}
	name, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("unknown level %s", s)
	}
	for lv := Warning; lv <= Debug; lv++ {
		if strings.EqualFold(name, lv.String()) {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", name)
}

// JSONEmitter logs one JSON object per message, with the caller's file and
// line in the source field.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	j := jsonLog{
		Msg:   fmt.Sprintf(format, v...),
		Level: level,
		Time:  timestamp,
	}
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		j.Source = filepath.Base(file) + ":" + strconv.Itoa(line)
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(b)
}

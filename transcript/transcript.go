// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transcript

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
)

// Failure kinds not derived from Go types.
const (
	PanicKind           = "panic"
	UnmarshalFailedKind = "transcript.UnmarshalFailed"
)

// Limits keeping transcripts well inside a single control message.
const (
	maxFrames     = 64
	maxMessageLen = 8 * 1024
	maxFrameLen   = 256
)

// truncatedMarker ends messages and frames that have been cut short.
const truncatedMarker = " [truncated]"

// Failure is a failure restored from its transcript.
type Failure struct {
	Kind    string
	Message string
	Frames  []string
	err     error
}

// Error returns the original failure's message.
func (f *Failure) Error() string {
	return f.Message
}

// Unwrap returns the reconstructed original error, if its kind is known to
// this process; otherwise, it returns nil.
func (f *Failure) Unwrap() error {
	return f.err
}

// record is the wire form of a Failure.
type record struct {
	Kind    string
	Message string
	Frames  []string
}

var (
	kindsmu sync.RWMutex
	kinds   = map[string]func(message string) error{}
)

// RegisterKind registers a function to reconstruct errors of the specified
// kind from their message. Kinds are the type names as printed by “%T”.
func RegisterKind(kind string, reconstruct func(message string) error) {
	kindsmu.Lock()
	defer kindsmu.Unlock()
	kinds[kind] = reconstruct
}

func init() {
	plain := func(message string) error { return errors.New(message) }
	RegisterKind(fmt.Sprintf("%T", errors.New("")), plain)
	RegisterKind(fmt.Sprintf("%T", fmt.Errorf("%w", errors.New(""))), plain)
	RegisterKind(fmt.Sprintf("%T", pkgerrors.New("")), plain)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Capture returns the transcript of the passed error.
func Capture(err error) []byte {
	if err == nil {
		err = errors.New("nil error")
	}
	var frames []string
	var st stackTracer
	if errors.As(err, &st) {
		for _, f := range st.StackTrace() {
			frames = append(frames, fmt.Sprintf("%n (%s:%d)", f, f, f))
			if len(frames) == maxFrames {
				break
			}
		}
	} else {
		frames = callers(3)
	}
	return marshal(record{
		Kind:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Frames:  frames,
	})
}

// CapturePanic returns the transcript of a recovered panic value, with frames
// taken from the passed stack as returned by [runtime/debug.Stack] while still
// panicking.
func CapturePanic(v any, stack []byte) []byte {
	message := fmt.Sprint(v)
	if err, ok := v.(error); ok {
		message = err.Error()
	}
	return marshal(record{
		Kind:    PanicKind,
		Message: message,
		Frames:  stackFrames(stack),
	})
}

// Restore returns the failure described by the passed transcript. Restore
// never fails: if the transcript cannot be decoded, it returns a failure of
// kind [UnmarshalFailedKind].
func Restore(b []byte) *Failure {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return &Failure{
			Kind:    UnmarshalFailedKind,
			Message: "unmarshal failed: " + err.Error(),
		}
	}
	f := &Failure{
		Kind:    r.Kind,
		Message: r.Message,
		Frames:  r.Frames,
	}
	kindsmu.RLock()
	reconstruct := kinds[r.Kind]
	kindsmu.RUnlock()
	if reconstruct != nil {
		f.err = reconstruct(r.Message)
	}
	return f
}

// String returns the failure in “kind (message)” form, followed by its frames
// on separate lines.
func (f *Failure) String() string {
	var sb strings.Builder
	sb.WriteString(f.Kind)
	sb.WriteString(" (")
	sb.WriteString(f.Message)
	sb.WriteString(")")
	for _, frame := range f.Frames {
		sb.WriteString("\n\t")
		sb.WriteString(frame)
	}
	return sb.String()
}

func marshal(r record) []byte {
	r.Message = truncate(r.Message, maxMessageLen)
	for i := range r.Frames {
		r.Frames[i] = truncate(r.Frames[i], maxFrameLen)
	}
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(r); err != nil {
		// a record consists only of strings, so this is unreachable.
		panic("cannot encode failure transcript: " + err.Error())
	}
	return buff.Bytes()
}

// truncate returns s cut to at most max bytes including the truncation
// marker, never splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	n := max - len(truncatedMarker)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + truncatedMarker
}

// callers returns the frames of the calling stack, skipping the specified
// number of innermost frames.
func callers(skip int) []string {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	var lines []string
	for {
		frame, more := frames.Next()
		lines = append(lines, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return lines
}

// stackFrames turns a textual go routine stack dump into frames, joining the
// function and location lines of each frame.
func stackFrames(stack []byte) []string {
	dump := strings.TrimSpace(string(stack))
	if dump == "" {
		return nil
	}
	var frames []string
	lines := strings.Split(dump, "\n")
	if strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}
	for i := 0; i < len(lines) && len(frames) < maxFrames; i++ {
		fn := strings.TrimSpace(lines[i])
		if fn == "" {
			continue
		}
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			i++
			fn += " (" + strings.TrimSpace(lines[i]) + ")"
		}
		frames = append(frames, fn)
	}
	return frames
}

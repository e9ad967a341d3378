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

package spawner

import (
	"errors"
	"fmt"

	"github.com/thediveo/prefork/transcript"
)

var (
	// ErrSpawnerExited is wrapped by all transport-level failures while
	// talking to a spawner process. It is ambiguous whether the spawner
	// process itself or only a worker died.
	ErrSpawnerExited = errors.New("spawner server exited unexpectedly")
	// ErrNotRunning is returned when spawning from a Spawner that hasn't been
	// (successfully) started, or has already been stopped.
	ErrNotRunning = errors.New("spawner not running")
	// ErrAlreadyStarted is returned when starting a Spawner more than once.
	ErrAlreadyStarted = errors.New("spawner already started")
)

// AppInitError reports that an application could not be preloaded, either
// because it raised an error (Child is non-nil) or because it voluntarily
// exited with ExitCode.
type AppInitError struct {
	AppRoot  string
	Child    *transcript.Failure
	ExitCode int
}

func (e *AppInitError) Error() string {
	if e.Child == nil {
		return fmt.Sprintf("application %q exited during startup with code %d",
			e.AppRoot, e.ExitCode)
	}
	return fmt.Sprintf("application %q raised an error: %s (%s)",
		e.AppRoot, e.Child.Message, e.Child.Kind)
}

func (e *AppInitError) Unwrap() error {
	if e.Child == nil {
		return nil
	}
	return e.Child
}

// Error reports a failure while talking to a spawner process. If Exited is
// true, the failure happened at the transport level and the spawner must be
// considered gone; the error then also matches [ErrSpawnerExited].
type Error struct {
	AppRoot string
	Op      string
	Err     error
	Exited  bool
}

func (e *Error) Error() string {
	if e.Exited {
		return fmt.Sprintf("spawner for %q: %s: %s: %s",
			e.AppRoot, e.Op, ErrSpawnerExited.Error(), e.Err.Error())
	}
	return fmt.Sprintf("spawner for %q: %s: %s", e.AppRoot, e.Op, e.Err.Error())
}

func (e *Error) Unwrap() []error {
	if e.Exited {
		return []error{ErrSpawnerExited, e.Err}
	}
	return []error{e.Err}
}

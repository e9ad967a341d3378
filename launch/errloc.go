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

package launch

import (
	"fmt"
	"syscall"
)

// ErrorLocation names the step where a child failed.
type ErrorLocation int

// ChildError describes the error and location where an intermediate or
// worker child failed. Index is the index of the worker file involved, if
// any.
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int
}

const (
	LocClone ErrorLocation = iota + 1
	LocCloneWorker
	LocSetSid
	LocDup3
	LocFcntl
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"clone(worker)",
	"setsid",
	"dup3",
	"fcntl",
	"execveat",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

func (e ChildError) Error() string {
	switch e.Location {
	case LocDup3, LocFcntl:
		return fmt.Sprintf("%s[%d]: %s", e.Location, e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location, e.Err.Error())
}

// Unwrap returns the system call error.
func (e ChildError) Unwrap() error {
	return e.Err
}

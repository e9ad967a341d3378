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

package prefork

import "fmt"

// ExitError signals that an application voluntarily requested to terminate
// while being preloaded.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("application requested exit with code %d", e.Code)
}

// Exit unwinds the calling application preload with the passed exit code. It
// must only be called from within [Application.Preload] (or code called by it)
// on the go routine that called Preload.
func Exit(code int) {
	panic(&ExitError{Code: code})
}

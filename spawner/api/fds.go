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

package api

// takeFds moves the open file descriptors out of the passed message fields
// and returns them in field order, for sending them as SCM_RIGHTS. Taken
// fields are zeroed so that gob doesn't send stale numbers in-band; fields
// without an open fd (≤0) are skipped.
func takeFds(fields ...*int) []int {
	var fds []int
	for _, field := range fields {
		if *field > 0 {
			fds = append(fds, *field)
			*field = 0
		}
	}
	return fds
}

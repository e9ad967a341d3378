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

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrProcessGone is returned when a PID fd references a process that has
// already terminated and been reaped.
var ErrProcessGone = errors.New("process has terminated")

// PIDfromPIDFd returns the PID of the process referenced by the passed PID fd;
// otherwise, it returns an error.
//
// See also: https://stackoverflow.com/a/74856311
func PIDfromPIDFd(pidfd int) (int, error) {
	fd := strconv.Itoa(pidfd)
	target, err := os.Readlink("/proc/self/fd/" + fd)
	if err != nil {
		return 0, err
	}
	// before pidfs (Linux 6.9) PID fds were anonymous inodes.
	if target != "anon_inode:[pidfd]" && !strings.HasPrefix(target, "pidfd:") {
		return 0, fmt.Errorf("fd %d is not a PID fd", pidfd)
	}

	fdinfo, err := os.ReadFile("/proc/self/fdinfo/" + fd)
	if err != nil {
		return 0, err
	}
	for line := range strings.Lines(string(fdinfo)) {
		value, ok := strings.CutPrefix(line, "Pid:")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(value))
		switch {
		case err != nil:
			return 0, err
		case pid <= 0:
			return 0, ErrProcessGone
		}
		return pid, nil
	}
	return 0, fmt.Errorf("fd %d has no PID information", pidfd)
}

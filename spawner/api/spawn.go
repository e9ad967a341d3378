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

import "golang.org/x/sys/unix"

// SpawnRequest asks a spawner to launch a new worker. Serial is echoed in the
// worker's response.
type SpawnRequest struct {
	Serial uint64
}

// SpawnResponse is sent by a newly launched worker, telling its PID, the unix
// domain socket it listens on, as well as the write end of its liveness pipe.
// Additionally, the worker passes a PID fd referencing itself, if supported by
// the kernel.
//
// Please note that the receiver takes ownership of the Liveness and PIDFd file
// descriptors and thus is responsible to close them when not needing them
// anymore. Closing Liveness tells the worker to terminate.
type SpawnResponse struct {
	Serial   uint64
	PID      int
	Endpoint string // without any leading "@" in case of Abstract.
	Abstract bool   // Endpoint lives in the abstract namespace.
	Liveness int    // if >0, the liveness pipe fd.
	PIDFd    int    // if >0, the PID fd of the worker.
}

var _ Request = (*SpawnRequest)(nil)

func (s SpawnRequest) request() {}

var (
	_ Response   = (*SpawnResponse)(nil)
	_ FdsEncoder = (*SpawnResponse)(nil)
	_ FdsDecoder = (*SpawnResponse)(nil)
)

func (s SpawnResponse) response() {}

// EncodeFds returns the file descriptors contained in the response message,
// replacing the original message fields with zero values so the fields don't
// get transferred by gob.
func (s *SpawnResponse) EncodeFds() []int {
	return takeFds(&s.Liveness, &s.PIDFd)
}

// DecodeFds distributes the passed file descriptors that were received as
// auxiliary data with a response message back into their corresponding message
// fields. DecodeFds closes any passed file descriptors it cannot make any sense
// of.
func (s *SpawnResponse) DecodeFds(fds []int) {
	if len(fds) == 0 {
		return
	}
	s.Liveness = fds[0]
	for _, fd := range fds[1:] {
		if s.PIDFd == 0 {
			if _, err := PIDfromPIDFd(fd); err == nil {
				s.PIDFd = fd
				continue
			}
		}
		_ = unix.Close(fd)
	}
}

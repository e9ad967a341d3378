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

// PingRequest checks that a spawner is still responsive.
type PingRequest struct{}

// PingResponse tells the PID of the spawner process.
type PingResponse struct {
	PID int
}

var _ Request = (*PingRequest)(nil)

func (p PingRequest) request() {}

var _ Response = (*PingResponse)(nil)

func (p PingResponse) response() {}

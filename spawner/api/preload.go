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

import "github.com/thediveo/prefork/preload"

// PreloadRequest asks a spawner to load the application rooted at AppRoot,
// optionally lowering its privileges first. A spawner accepts only a single
// PreloadRequest during its lifetime.
type PreloadRequest struct {
	AppRoot        string
	Environment    string
	LowerPrivilege bool
	FallbackUser   string
}

// PreloadResponse tells the outcome of a preload. Depending on Status, either
// Transcript contains the captured failure or ExitCode the code passed to
// [github.com/thediveo/prefork.Exit]. UID and GID are the spawner's (lowered)
// identity.
type PreloadResponse struct {
	Status     preload.Status
	Transcript []byte
	ExitCode   int
	UID        int
	GID        int
}

var _ Request = (*PreloadRequest)(nil)

func (p PreloadRequest) request() {}

var _ Response = (*PreloadResponse)(nil)

func (p PreloadResponse) response() {}

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

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/uds"
)

// Mode arguments, passed as the first argument (after argv[0]) to an
// application binary.
const (
	SpawnerArg = "prefork-spawner"
	WorkerArg  = "prefork-worker"
)

// SerialEnv is the environment variable passing the spawn request serial to a
// worker.
const SerialEnv = "PREFORK_SERIAL"

// Main runs the application binary either as a spawner or a worker, depending
// on the mode argument, and then exits. If the binary hasn't been started in
// any of these modes, Main returns so that the binary can carry on otherwise.
func Main(app prefork.Application) {
	if len(os.Args) < 2 {
		return
	}
	switch os.Args[1] {
	case SpawnerArg:
		os.Exit(RunSpawner(app))
	case WorkerArg:
		os.Exit(RunWorker(app))
	}
}

// RunSpawner runs the calling process as a spawner of the application, serving
// requests on the control socket at fd 3 until the client disconnects. It
// returns the exit code for the spawner process.
func RunSpawner(app prefork.Application) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	spawnmaker := &Spawnmaker{App: app}
	log := spawnmaker.Slog()

	conn, err := uds.NewUnixConn(ControlFd, "dupont")
	if err != nil {
		log.Error("invalid control fd", slog.String("err", err.Error()))
		return 1
	}
	defer func() { _ = conn.Close() }()
	spawnmaker.Conn = conn
	defer spawnmaker.Close()

	Serve(ctx, conn, spawnmaker)
	return 0
}

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
	"cmp"
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/launch"
	"github.com/thediveo/prefork/memfd"
	"github.com/thediveo/prefork/preload"
	"github.com/thediveo/prefork/spawner/api"
	"github.com/thediveo/prefork/transcript"
	"github.com/thediveo/prefork/uds"
)

// Spawnmaker preloads an application once and then launches workers for it.
type Spawnmaker struct {
	App    prefork.Application
	Conn   *uds.Conn // control connection, inherited by workers.
	Exe    string    // executable to re-execute as workers; defaults to /proc/self/exe.
	Stderr io.Writer
	log    *slog.Logger

	preloaded bool // even when preloading failed.
	app       *prefork.App
	exe       *os.File // sealed memfd copy of Exe.
	snapshot  *os.File // sealed memfd with the application's snapshot.
}

func (s *Spawnmaker) Slog() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	s.log = slog.New(slog.NewTextHandler(
		cmp.Or(s.Stderr, io.Writer(os.Stderr)),
		&slog.HandlerOptions{Level: slog.LevelInfo}))
	return s.log
}

var _ Spawner = (*Spawnmaker)(nil)

// Close releases the executable and snapshot memfds.
func (s *Spawnmaker) Close() {
	if s.exe != nil {
		_ = s.exe.Close()
		s.exe = nil
	}
	if s.snapshot != nil {
		_ = s.snapshot.Close()
		s.snapshot = nil
	}
}

// Preload the requested application, lowering privileges first if requested.
// A Spawnmaker attempts preloading only once, regardless of the outcome, as
// a failed preload might have left the process in any state.
func (s *Spawnmaker) Preload(ctx context.Context, req *api.PreloadRequest) api.Response {
	if s.preloaded {
		return &api.ErrorResponse{Reason: "application already preloaded"}
	}
	s.preloaded = true
	if s.App == nil {
		return &api.ErrorResponse{Reason: "no application"}
	}
	a, err := prefork.Load(req.AppRoot, req.Environment)
	if err != nil {
		s.Slog().Error("cannot load application",
			slog.String("root", req.AppRoot),
			slog.String("err", err.Error()))
		return &api.PreloadResponse{
			Status:     preload.Exception,
			Transcript: transcript.Capture(err),
		}
	}

	// Workers need to re-execute our executable, but after lowering
	// privileges we might not be allowed to access it anymore. So we keep a
	// copy around that is always accessible to us.
	exe, err := os.Open(cmp.Or(s.Exe, "/proc/self/exe"))
	if err != nil {
		s.Slog().Error("cannot open executable", slog.String("err", err.Error()))
		return &api.ErrorResponse{Reason: "failed to open executable, reason: " + err.Error()}
	}
	s.exe, err = memfd.Sealed("prefork-exe", exe)
	_ = exe.Close()
	if err != nil {
		s.Slog().Error("cannot copy executable", slog.String("err", err.Error()))
		return &api.ErrorResponse{Reason: "failed to copy executable, reason: " + err.Error()}
	}

	res := preload.Run(ctx, s.App, a, preload.Options{
		LowerPrivilege: req.LowerPrivilege,
		FallbackUser:   req.FallbackUser,
		GCHint:         true,
		Logger:         s.Slog(),
	})
	resp := &api.PreloadResponse{
		Status:     res.Status,
		Transcript: res.Transcript,
		ExitCode:   res.ExitCode,
		UID:        res.Privileges.UID,
		GID:        res.Privileges.GID,
	}
	if res.Status != preload.Success {
		s.Close()
		return resp
	}
	s.snapshot, err = memfd.FromBytes("prefork-snapshot", res.Snapshot)
	if err != nil {
		s.Close()
		s.Slog().Error("cannot store snapshot", slog.String("err", err.Error()))
		return &api.ErrorResponse{Reason: "failed to store snapshot, reason: " + err.Error()}
	}
	s.app = a
	res.Snapshot = nil
	preload.BeforeFork()
	return resp
}

// Spawn launches a new worker. On success, it is the worker that responds
// with its details.
func (s *Spawnmaker) Spawn(ctx context.Context, req *api.SpawnRequest) api.Response {
	if s.app == nil || s.snapshot == nil {
		return &api.ErrorResponse{Reason: "application not preloaded"}
	}
	if s.Conn == nil {
		return &api.ErrorResponse{Reason: "no control connection"}
	}
	appenv, err := s.app.Environ()
	if err != nil {
		return &api.ErrorResponse{Reason: "failed to describe application, reason: " + err.Error()}
	}
	l := &launch.Launcher{
		Exe:  int(s.exe.Fd()),
		Args: []string{"prefork worker: " + s.app.Root, WorkerArg},
		Env: append(append(environ(), appenv...),
			SerialEnv+"="+strconv.FormatUint(req.Serial, 10)),
	}

	// The control connection's fd is only guaranteed to be valid while
	// inside Control, so we need to launch from there.
	rc, err := s.Conn.SyscallConn()
	if err != nil {
		return &api.ErrorResponse{Reason: "failed to access control connection, reason: " + err.Error()}
	}
	var pid int
	var launchErr error
	err = rc.Control(func(fd uintptr) {
		l.Files = []int{int(fd), int(s.snapshot.Fd())}
		pid, launchErr = l.Launch()
	})
	if err == nil {
		err = launchErr
	}
	if err != nil {
		s.Slog().Error("cannot launch worker",
			slog.Uint64("serial", req.Serial),
			slog.String("err", err.Error()))
		return &api.ErrorResponse{Reason: "failed to launch worker, reason: " + err.Error()}
	}
	s.Slog().Info("launched worker",
		slog.Uint64("serial", req.Serial),
		slog.Int("intermediate-pid", pid))
	return nil
}

// Ping answers with our PID.
func (s *Spawnmaker) Ping(context.Context, *api.PingRequest) api.Response {
	return &api.PingResponse{PID: os.Getpid()}
}

// environ returns our environment without any prefork-specific variables.
func environ() []string {
	env := os.Environ()
	kept := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "PREFORK_") {
			continue
		}
		kept = append(kept, kv)
	}
	return kept
}

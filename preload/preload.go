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

/*
Package preload frames the one-time loading of an application inside a
spawner process.

[Run] changes into the application root, lowers privileges if asked to, and
then calls the application's Preload method, turning returned errors and
panics into failure transcripts and voluntary exit requests into exit
results. Run never lets a failing application take down the calling process.
*/
package preload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/privilege"
	"github.com/thediveo/prefork/transcript"
)

// Status of a preload.
type Status string

const (
	Success   Status = "success"
	Exception Status = "exception"
	Exit      Status = "exit"
)

// Result of running an application's preload.
type Result struct {
	Status     Status
	Snapshot   []byte // on Success only.
	Transcript []byte // on Exception only.
	ExitCode   int    // on Exit only.
	Privileges privilege.Outcome
}

// Options for running an application's preload.
type Options struct {
	LowerPrivilege   bool
	FallbackUser     string
	GCHint           bool // collect garbage before preloading
	Logger           *slog.Logger
	PrivilegeOptions []privilege.Option
}

// BeforeFork eagerly collects garbage and returns freed memory to the OS, so
// that children start from compact, clean pages.
func BeforeFork() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Run the preload of the passed application, after changing into its root
// directory and lowering privileges as requested.
func Run(ctx context.Context, app prefork.Application, a *prefork.App, opts Options) Result {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.Chdir(a.Root); err != nil {
		log.Error("cannot change into application root",
			slog.String("root", a.Root),
			slog.String("err", err.Error()))
		return Result{Status: Exception, Transcript: transcript.Capture(err)}
	}
	res := Result{
		Privileges: privilege.Outcome{
			Branch: privilege.Unchanged,
			UID:    os.Getuid(),
			GID:    os.Getgid(),
		},
	}
	if opts.LowerPrivilege {
		res.Privileges = privilege.Lower(a.EntryPoint(), opts.FallbackUser,
			append([]privilege.Option{privilege.WithLogger(log)}, opts.PrivilegeOptions...)...)
	}
	if opts.GCHint {
		BeforeFork()
	}
	res.Status, res.Snapshot, res.Transcript, res.ExitCode = call(ctx, app, a)
	switch res.Status {
	case Success:
		log.Info("application preloaded",
			slog.String("app", a.Manifest.Name),
			slog.Int("snapshot-size", len(res.Snapshot)))
	case Exit:
		log.Info("application exited during preload",
			slog.String("app", a.Manifest.Name),
			slog.Int("code", res.ExitCode))
	default:
		log.Error("application failed to preload",
			slog.String("app", a.Manifest.Name),
			slog.String("err", transcript.Restore(res.Transcript).String()))
	}
	return res
}

// call the application's preload, catching exit requests, errors, and panics.
func call(ctx context.Context, app prefork.Application, a *prefork.App) (
	status Status, snapshot []byte, tx []byte, code int,
) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if err, ok := v.(error); ok {
			var exit *prefork.ExitError
			if errors.As(err, &exit) {
				status, snapshot, tx, code = Exit, nil, nil, exit.Code
				return
			}
		}
		status, snapshot, tx, code = Exception, nil, transcript.CapturePanic(v, debug.Stack()), 0
	}()
	snapshot, err := app.Preload(ctx, a)
	if err != nil {
		var exit *prefork.ExitError
		if errors.As(err, &exit) {
			return Exit, nil, nil, exit.Code
		}
		return Exception, nil, transcript.Capture(err), 0
	}
	return Success, snapshot, nil, 0
}

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

package spawner

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/preload"
	"github.com/thediveo/prefork/spawner/api"
	"github.com/thediveo/prefork/spawner/gobmsg"
	"github.com/thediveo/prefork/spawner/service"
	"github.com/thediveo/prefork/transcript"
	"github.com/thediveo/prefork/uds"
)

// DefaultFallbackUser is the user to switch to when lowering privileges and
// the owner of the application cannot be switched to.
const DefaultFallbackUser = "nobody"

type state int

const (
	unstarted state = iota
	running
	failed  // start failed; terminal.
	stopped // terminal.
	broken  // transport failure while running.
)

// Spawner controls a spawner process that preloads an application exactly
// once and then spawns workers of this application on demand.
//
// A Spawner can be used concurrently, but it serializes all its operations.
// Failed and stopped Spawners cannot be restarted; create a new Spawner
// instead.
type Spawner struct {
	appRoot        string
	created        time.Time
	exe            string
	environment    string
	lowerPrivilege bool
	fallbackUser   string
	stdout         io.Writer
	stderr         io.Writer
	log            *slog.Logger
	registerer     prometheus.Registerer
	metrics        *metrics

	mu       sync.Mutex
	state    state
	err      error // the transport failure that broke this Spawner.
	cmd      *exec.Cmd
	conn     *uds.Conn
	enc      *gobmsg.Encoder
	dec      *gobmsg.Decoder
	serial   uint64
	uid, gid int
}

// New returns a new Spawner for the application rooted at the passed
// directory, which must contain the application's manifest. The Spawner needs
// to be started before spawning workers.
func New(appRoot string, opts ...Option) (*Spawner, error) {
	root, err := prefork.NormalizeRoot(appRoot)
	if err != nil {
		return nil, err
	}
	s := &Spawner{
		appRoot:      root,
		created:      time.Now(),
		fallbackUser: DefaultFallbackUser,
		log:          slog.Default(),
		uid:          -1,
		gid:          -1,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.exe == "" {
		if s.exe, err = os.Executable(); err != nil {
			return nil, err
		}
	}
	s.metrics = newMetrics(s.registerer)
	s.log = s.log.With(
		slog.String("spawner-id", petname.Generate(2, "-")),
		slog.String("root", root))
	return s, nil
}

// AppRoot returns the absolute and cleaned root directory of the application.
func (s *Spawner) AppRoot() string { return s.appRoot }

// Created returns when this Spawner was created.
func (s *Spawner) Created() time.Time { return s.created }

// PID returns the PID of the spawner process, or 0 if there is none (anymore).
func (s *Spawner) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Identity returns the user and group IDs of the started spawner process, or
// -1 when unknown.
func (s *Spawner) Identity() (uid, gid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid, s.gid
}

// Start the spawner process and preload the application, blocking until
// preloading has finished. If the application fails to preload, Start returns
// an [*AppInitError]. Transport failures are reported as an [*Error] matching
// [ErrSpawnerExited]. In any case of failure, the spawner process is stopped.
//
// Cancelling ctx or hitting its deadline is treated as a transport failure.
func (s *Spawner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != unstarted {
		return ErrAlreadyStarted
	}
	if err := s.startProcess(); err != nil {
		s.state = failed
		s.metrics.recordStart(resultError)
		s.log.Error("cannot start spawner process", slog.String("err", err.Error()))
		return &Error{AppRoot: s.appRoot, Op: "start", Err: err}
	}
	s.log.Info("spawner process started", slog.Int("pid", s.cmd.Process.Pid))

	resp, err := s.roundtrip(ctx, &api.PreloadRequest{
		AppRoot:        s.appRoot,
		Environment:    s.environment,
		LowerPrivilege: s.lowerPrivilege,
		FallbackUser:   s.fallbackUser,
	}, 0)
	if err != nil {
		return s.failStart(resultTransport, s.transportError(ctx, "start", err))
	}
	switch resp := resp.(type) {
	case *api.PreloadResponse:
		switch resp.Status {
		case preload.Success:
			s.state = running
			s.uid, s.gid = resp.UID, resp.GID
			s.metrics.recordStart(resultSuccess)
			s.log.Info("application preloaded",
				slog.Int("uid", resp.UID),
				slog.Int("gid", resp.GID))
			return nil
		case preload.Exit:
			return s.failStart(resultExit, &AppInitError{
				AppRoot:  s.appRoot,
				ExitCode: resp.ExitCode,
			})
		case preload.Exception:
			return s.failStart(resultException, &AppInitError{
				AppRoot: s.appRoot,
				Child:   transcript.Restore(resp.Transcript),
			})
		}
		return s.failStart(resultTransport, s.transportError(ctx, "start",
			fmt.Errorf("invalid preload status %q", resp.Status)))
	case *api.ErrorResponse:
		return s.failStart(resultError, &Error{AppRoot: s.appRoot, Op: "start", Err: resp.Err()})
	}
	return s.failStart(resultTransport, s.transportError(ctx, "start",
		fmt.Errorf("unexpected response %T", resp)))
}

// failStart stops the spawner process after a failed start, returning err.
func (s *Spawner) failStart(result string, err error) error {
	s.metrics.recordStart(result)
	s.log.Error("cannot preload application", slog.String("err", err.Error()))
	s.state = failed
	s.teardown()
	return err
}

// startProcess starts the spawner process, connected to us via a unix domain
// socket at its fd 3.
func (s *Spawner) startProcess() error {
	dupond, dupont, err := uds.NewPair()
	if err != nil {
		return err
	}
	// In order to pass one of the connected unix domain sockets to the
	// about-to-be-started spawner, we first need to get an *os.File (which
	// while being a duplicate of the socket has a lifecycle of its own).
	dupontf, err := dupont.File()
	_ = dupont.Close()
	if err != nil {
		_ = dupond.Close()
		return err
	}
	defer func() { _ = dupontf.Close() }()

	cmd := exec.Command(s.exe, service.SpawnerArg)
	cmd.Args[0] = "prefork spawner: " + s.appRoot
	cmd.Stdout = cmp.Or(s.stdout, io.Writer(os.Stdout))
	cmd.Stderr = cmp.Or(s.stderr, io.Writer(os.Stderr))
	cmd.ExtraFiles = []*os.File{dupontf}
	// workers inherit the spawner's stdout and stderr, so we must not wait
	// for them to close when using pipes.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		_ = dupond.Close()
		return err
	}
	s.cmd = cmd
	s.conn = dupond
	s.enc = gobmsg.NewEncoder()
	s.dec = gobmsg.NewDecoder()
	return nil
}

// Spawn a new worker, returning its handle. Spawn blocks until the worker has
// signalled that it is ready to serve.
//
// A worker that dies before it can even talk to its control socket leaves
// nothing to read, so Spawn then blocks until ctx is done. Callers thus should
// always pass a context with a deadline.
//
// After a transport failure the Spawner is broken: all following Spawn calls
// immediately return the same error without attempting to spawn.
func (s *Spawner) Spawn(ctx context.Context) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case running:
	case broken:
		return nil, s.err
	default:
		return nil, ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	s.serial++
	resp, err := s.roundtrip(ctx, &api.SpawnRequest{Serial: s.serial}, 2)
	if err != nil {
		return nil, s.breakdown(ctx, "spawn", err)
	}
	switch resp := resp.(type) {
	case *api.SpawnResponse:
		if err := checkSpawned(resp, s.serial); err != nil {
			closeFds([]int{resp.Liveness, resp.PIDFd})
			return nil, s.breakdown(ctx, "spawn", err)
		}
		s.metrics.recordSpawn(resultSuccess)
		s.metrics.spawnDuration.Observe(time.Since(start).Seconds())
		s.log.Info("spawned worker",
			slog.Int("pid", resp.PID),
			slog.Uint64("serial", resp.Serial))
		w := &Worker{
			AppRoot:  s.appRoot,
			PID:      resp.PID,
			Endpoint: resp.Endpoint,
			Abstract: resp.Abstract,
			Liveness: os.NewFile(uintptr(resp.Liveness), "liveness"),
		}
		if resp.PIDFd > 0 {
			w.PIDFd = os.NewFile(uintptr(resp.PIDFd), "pidfd")
		}
		return w, nil
	case *api.ErrorResponse:
		s.metrics.recordSpawn(resultError)
		s.log.Warn("cannot spawn worker", slog.String("err", resp.Reason))
		return nil, &Error{AppRoot: s.appRoot, Op: "spawn", Err: resp.Err()}
	}
	return nil, s.breakdown(ctx, "spawn", fmt.Errorf("unexpected response %T", resp))
}

// checkSpawned returns an error if the passed spawn response is incomplete
// or doesn't match the expected serial.
func checkSpawned(resp *api.SpawnResponse, serial uint64) error {
	switch {
	case resp.Liveness <= 0:
		return errors.New("missing liveness fd")
	case resp.PID <= 0:
		return errors.New("missing worker PID")
	case resp.Serial != serial:
		return fmt.Errorf("expected spawn serial %d, got %d", serial, resp.Serial)
	}
	if resp.PIDFd <= 0 {
		return nil
	}
	pid, err := api.PIDfromPIDFd(resp.PIDFd)
	if err != nil {
		return fmt.Errorf("invalid worker PID fd, reason: %w", err)
	}
	if pid != resp.PID {
		return fmt.Errorf("worker PID %d doesn't match its PID fd's %d", resp.PID, pid)
	}
	return nil
}

// Ping the spawner process, returning its PID as reported by itself.
func (s *Spawner) Ping(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case running:
	case broken:
		return 0, s.err
	default:
		return 0, ErrNotRunning
	}
	resp, err := s.roundtrip(ctx, &api.PingRequest{}, 0)
	if err != nil {
		return 0, s.breakdown(ctx, "ping", err)
	}
	pong, ok := resp.(*api.PingResponse)
	if !ok {
		return 0, s.breakdown(ctx, "ping", fmt.Errorf("unexpected response %T", resp))
	}
	return pong.PID, nil
}

// breakdown marks this Spawner as broken because of the passed transport
// failure, stopping the spawner process. It returns the error to be returned
// from now on.
func (s *Spawner) breakdown(ctx context.Context, op string, err error) error {
	if op == "spawn" {
		s.metrics.recordSpawn(resultTransport)
	}
	s.err = s.transportError(ctx, op, err)
	s.state = broken
	s.log.Error("spawner broken", slog.String("err", s.err.Error()))
	s.teardown()
	return s.err
}

func (s *Spawner) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return &Error{AppRoot: s.appRoot, Op: op, Err: err, Exited: true}
}

// Stop the spawner process. Stop is idempotent. Already spawned workers are
// not affected; they terminate when their liveness pipes get closed.
func (s *Spawner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != failed {
		s.state = stopped
	}
	s.teardown()
}

// teardown closes the control connection, then kills and reaps the spawner
// process, if any.
func (s *Spawner) teardown() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.cmd == nil {
		return
	}
	pid := s.cmd.Process.Pid
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	s.log.Info("spawner process stopped", slog.Int("pid", pid))
}

// roundtrip sends the passed request and then returns the next response
// received.
func (s *Spawner) roundtrip(ctx context.Context, req api.Request, maxfds int) (api.Response, error) {
	msg, err := s.enc.Encode(&req)
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.SendWithFds(msg); err != nil {
		return nil, err
	}
	return s.receive(ctx, maxfds)
}

// receive the next response, with the passed context's deadline and
// cancellation applied.
func (s *Spawner) receive(ctx context.Context, maxfds int) (api.Response, error) {
	conn := s.conn
	deadline, _ := ctx.Deadline() // zero time: no deadline
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	n, fds, err := conn.ReceiveWithFds(s.dec.Buffer(), maxfds)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		closeFds(fds)
		return nil, io.EOF
	}
	var resp api.Response
	if err := s.dec.Decode(n, &resp); err != nil {
		closeFds(fds)
		return nil, err
	}
	if r, ok := resp.(api.FdsDecoder); ok {
		r.DecodeFds(fds)
	} else if len(fds) > 0 {
		closeFds(fds)
		return nil, fmt.Errorf("unexpected fds with %T", resp)
	}
	return resp, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		if fd > 0 {
			_ = unix.Close(fd)
		}
	}
}

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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/memfd"
	"github.com/thediveo/prefork/spawner/api"
	"github.com/thediveo/prefork/spawner/gobmsg"
	"github.com/thediveo/prefork/uds"
	"golang.org/x/sys/unix"
)

// File descriptors passed to workers.
const (
	ControlFd  = 3
	SnapshotFd = 4
)

// ErrOwnerGone is the cause of a worker's context cancellation when the
// owner of the worker closed its end of the liveness pipe.
var ErrOwnerGone = errors.New("worker owner has gone")

// SignalError is the cause of a worker's context cancellation when the worker
// has been asked by signal to terminate.
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("received signal %s", e.Signal)
}

// RunWorker runs the calling process as a worker of the application, using the
// control socket and snapshot inherited from the spawner. It returns the exit
// code for the worker process.
func RunWorker(app prefork.Application) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("worker-id", petname.Generate(2, "-")), slog.Int("pid", os.Getpid()))

	// our owner may ask us to terminate as soon as it learns about us, so
	// we must be listening for signals before the handshake.
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigch)

	conn, err := uds.NewUnixConn(ControlFd, "control")
	if err != nil {
		// there's nobody we could tell, so our owner only learns about this
		// when its context expires.
		log.Error("invalid control fd", slog.String("err", err.Error()))
		return 1
	}
	serial := serialFromEnv(os.LookupEnv, log)

	w, err := newWorker(conn, serial)
	if err != nil {
		log.Error("cannot start worker", slog.String("err", err.Error()))
		if err := Send(conn, gobmsg.NewEncoder(), &api.ErrorResponse{
			Reason: "failed to start worker, reason: " + err.Error(),
		}); err != nil {
			log.Error("cannot send", slog.String("err", err.Error()))
		}
		_ = conn.Close()
		return 1
	}
	if err := w.handshake(); err != nil {
		// we can't tell our owner anymore, so this is final.
		log.Error("cannot send spawn response", slog.String("err", err.Error()))
		w.close()
		return 1
	}
	log.Info("worker ready",
		slog.Uint64("serial", serial),
		slog.String("endpoint", w.listener.Addr().String()))
	return w.serve(app, sigch, log)
}

// serialFromEnv returns the serial number our owner passed to us, or zero if
// it is missing or invalid.
func serialFromEnv(lookup func(key string) (string, bool), log *slog.Logger) uint64 {
	s, _ := lookup(SerialEnv)
	serial, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		log.Warn("invalid serial number",
			slog.String("serial", s),
			slog.String("err", err.Error()))
		return 0
	}
	return serial
}

type worker struct {
	conn     *uds.Conn
	serial   uint64
	app      *prefork.App
	snapshot []byte
	listener net.Listener
	owner    *os.File // read end of the liveness pipe.
	liveness int      // write end of the liveness pipe, handed over to our owner.
	pidfd    int      // referencing ourselves, handed over to our owner.
}

// newWorker sets up the worker state. In case of failure, the control
// connection is left open so that the caller can report the failure.
func newWorker(conn *uds.Conn, serial uint64) (_ *worker, err error) {
	w := &worker{serial: serial}
	defer func() {
		if err != nil {
			w.close()
		}
	}()

	if w.app, err = prefork.FromEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	w.snapshot, err = memfd.Map(SnapshotFd)
	_ = unix.Close(SnapshotFd)
	if err != nil {
		return nil, err
	}

	var p [2]int
	if err = unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("cannot create liveness pipe, reason: %w", err)
	}
	// only our read end needs to play with the runtime poller, so that it can
	// be closed while being read from.
	_ = unix.SetNonblock(p[0], true)
	w.owner = os.NewFile(uintptr(p[0]), "liveness")
	w.liveness = p[1]

	// PID fds are a nice-to-have only, as they need Linux 5.3+.
	if pidfd, err := unix.PidfdOpen(os.Getpid(), 0); err == nil {
		w.pidfd = pidfd
	}

	if w.listener, err = net.Listen("unix", "@prefork/"+uuid.NewString()); err != nil {
		return nil, err
	}
	w.conn = conn
	return w, nil
}

// handshake tells our owner about us, handing over the write end of the
// liveness pipe. Afterwards, the control connection is closed, as it isn't
// ours.
func (w *worker) handshake() error {
	err := Send(w.conn, gobmsg.NewEncoder(), &api.SpawnResponse{
		Serial:   w.serial,
		PID:      os.Getpid(),
		Endpoint: strings.TrimPrefix(w.listener.Addr().String(), "@"),
		Abstract: true,
		Liveness: w.liveness,
		PIDFd:    w.pidfd,
	})
	// Send always closes these.
	w.liveness = 0
	w.pidfd = 0
	_ = w.conn.Close()
	w.conn = nil
	return err
}

// serve the application until our owner goes away or we're told by signal to
// terminate, returning the exit code.
func (w *worker) serve(app prefork.Application, sigch <-chan os.Signal, log *slog.Logger) int {
	defer w.close()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	go func() {
		// we're never going to receive anything, so this returns only on EOF
		// or when we're closing the pipe.
		_, _ = io.Copy(io.Discard, w.owner)
		cancel(ErrOwnerGone)
	}()

	go func() {
		select {
		case sig := <-sigch:
			cancel(&SignalError{Signal: sig})
		case <-ctx.Done():
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = w.listener.Close() })
	defer stop()

	err := app.Serve(ctx, w.app, w.snapshot, w.listener)
	if ctx.Err() != nil {
		// being asked to terminate is the expected way to go.
		log.Info("worker terminating", slog.String("cause", context.Cause(ctx).Error()))
		return 0
	}
	if err != nil {
		log.Error("worker failed", slog.String("err", err.Error()))
		return 1
	}
	log.Info("worker terminating")
	return 0
}

func (w *worker) close() {
	if w.listener != nil {
		_ = w.listener.Close()
	}
	if w.owner != nil {
		_ = w.owner.Close()
	}
	if w.liveness > 0 {
		_ = unix.Close(w.liveness)
	}
	if w.pidfd > 0 {
		_ = unix.Close(w.pidfd)
	}
	if w.conn != nil {
		_ = w.conn.Close()
	}
	if w.snapshot != nil {
		_ = memfd.Unmap(w.snapshot)
	}
}

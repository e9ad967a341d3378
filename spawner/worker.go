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
	"context"
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Worker is a handle to a spawned worker process. The worker keeps running as
// long as its liveness pipe stays open, so callers must eventually Close the
// worker handle.
type Worker struct {
	AppRoot  string
	PID      int
	Endpoint string   // unix domain socket address, without "@" if Abstract.
	Abstract bool     // Endpoint lives in the abstract namespace.
	Liveness *os.File // write end of the worker's liveness pipe.
	PIDFd    *os.File // PID fd referencing the worker; nil if unsupported.
}

// Addr returns the address of the worker's unix domain socket, suitable for
// dialing.
func (w *Worker) Addr() string {
	if w.Abstract {
		return "@" + w.Endpoint
	}
	return w.Endpoint
}

// Dial connects to the worker.
func (w *Worker) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", w.Addr())
}

// Signal sends the passed signal to the worker, using its PID fd when
// available so that the signal cannot hit a recycled PID. Workers terminate
// gracefully on SIGTERM and SIGINT.
func (w *Worker) Signal(sig unix.Signal) error {
	if w.PIDFd == nil {
		return unix.Kill(w.PID, sig)
	}
	return unix.PidfdSendSignal(int(w.PIDFd.Fd()), sig, nil, 0)
}

// Close the liveness pipe, telling the worker to terminate, as well as the PID
// fd of the worker.
func (w *Worker) Close() error {
	var errs []error
	if w.Liveness != nil {
		errs = append(errs, w.Liveness.Close())
		w.Liveness = nil
	}
	if w.PIDFd != nil {
		errs = append(errs, w.PIDFd.Close())
		w.PIDFd = nil
	}
	return errors.Join(errs...)
}

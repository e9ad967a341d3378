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
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a [Spawner] when calling [New].
type Option func(*Spawner) error

// WithExe sets the application binary to start as the spawner process; the
// binary must hand over to [github.com/thediveo/prefork/spawner/service.Main].
// Defaults to the calling process's own executable.
func WithExe(path string) Option {
	return func(s *Spawner) error {
		if path == "" {
			return errors.New("empty executable path")
		}
		s.exe = path
		return nil
	}
}

// WithLowerPrivilege requests lowering the privileges of the spawner process
// (and thus of all its workers) before preloading the application.
func WithLowerPrivilege(lower bool) Option {
	return func(s *Spawner) error {
		s.lowerPrivilege = lower
		return nil
	}
}

// WithFallbackUser sets the name of the user to switch to when the owner of
// the application's manifest is root or when switching to the owner is not
// permitted. Defaults to “nobody”.
func WithFallbackUser(name string) Option {
	return func(s *Spawner) error {
		if name == "" {
			return errors.New("empty fallback user name")
		}
		s.fallbackUser = name
		return nil
	}
}

// WithEnvironment sets the name of the application environment, such as
// “production”.
func WithEnvironment(env string) Option {
	return func(s *Spawner) error {
		s.environment = env
		return nil
	}
}

// WithStdout sets the writer receiving the output of the spawner process and
// its workers. Defaults to os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(s *Spawner) error {
		s.stdout = w
		return nil
	}
}

// WithStderr sets the writer receiving the error output and logging of the
// spawner process and its workers. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(s *Spawner) error {
		s.stderr = w
		return nil
	}
}

// WithLogger sets the logger for the caller side of a Spawner. Defaults to
// slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Spawner) error {
		if log == nil {
			return errors.New("nil logger")
		}
		s.log = log
		return nil
	}
}

// WithRegisterer registers the spawner metrics with the passed registerer.
// Spawners sharing the same registerer also share their metrics. Without a
// registerer, metrics are still collected but not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Spawner) error {
		s.registerer = reg
		return nil
	}
}

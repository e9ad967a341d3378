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

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/spawner"
	"github.com/thediveo/prefork/spawner/service"
)

var _ = spawner.New // ... so that [spawner.Spawner] gets a proper hyperlink.

type greeter struct{}

var _ prefork.Application = (*greeter)(nil)

func (greeter) Preload(ctx context.Context, a *prefork.App) ([]byte, error) {
	switch a.Manifest.Settings["preload"] {
	case "boom":
		return nil, pkgerrors.New("boom")
	case "missing":
		f, err := os.Open(filepath.Join(a.Root, "missing.txt"))
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	case "panic":
		panic("kaboom")
	case "exit":
		prefork.Exit(42)
	case "sleep":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Minute):
		}
	}
	return []byte(cmp.Or(a.Manifest.Settings["greeting"], "hello")), nil
}

func (greeter) Serve(ctx context.Context, a *prefork.App, snapshot []byte, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		_, _ = fmt.Fprintf(conn, "%s %d\n", snapshot, os.Getpid())
		_ = conn.Close()
	}
}

func main() {
	service.Main(greeter{})
	fmt.Fprintln(os.Stderr, "prefork demo application: not started by a spawner")
	os.Exit(2)
}

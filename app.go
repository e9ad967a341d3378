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

package prefork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestName is the name of the entry-point file that must be present in
// every application root.
const ManifestName = "prefork.yaml"

// Environment variables passed from a spawner to its workers.
const (
	AppRootEnv     = "PREFORK_APP_ROOT"
	EnvironmentEnv = "PREFORK_ENV"
	ManifestEnv    = "PREFORK_MANIFEST"
)

// Application is the application-bootstrap collaborator.
type Application interface {
	// Preload loads the application's code and initializes its framework. It
	// is called exactly once inside the spawner process, with the working
	// directory already set to the application root and privileges already
	// lowered. The returned snapshot is handed unmodified to Serve in every
	// worker.
	Preload(ctx context.Context, app *App) (snapshot []byte, err error)
	// Serve runs a worker's request-serving main loop on the passed
	// listener until ctx gets cancelled.
	Serve(ctx context.Context, app *App, snapshot []byte, l net.Listener) error
}

// App describes an application bound to its root directory.
type App struct {
	Root        string // absolute and cleaned.
	Environment string // optional environment name, such as "production".
	Manifest    Manifest
}

// Manifest is the application's prefork.yaml.
type Manifest struct {
	Name     string            `yaml:"name"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// EntryPoint returns the path of the application's entry-point file.
func (a *App) EntryPoint() string {
	return filepath.Join(a.Root, ManifestName)
}

// NormalizeRoot returns the absolute and cleaned form of the passed
// application root, after checking that it is a directory with a manifest.
func NormalizeRoot(root string) (string, error) {
	if root == "" {
		return "", errors.New("empty application root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("application root %q is not a directory", abs)
	}
	info, err = os.Stat(filepath.Join(abs, ManifestName))
	if err != nil {
		return "", fmt.Errorf("application root %q does not look like an application: %w",
			abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("application root %q does not look like an application: %s is not a file",
			abs, ManifestName)
	}
	return abs, nil
}

// Load returns the application rooted at the specified directory, reading in
// its manifest.
func Load(root, environment string) (*App, error) {
	abs, err := NormalizeRoot(root)
	if err != nil {
		return nil, err
	}
	a := &App{
		Root:        abs,
		Environment: environment,
	}
	f, err := os.Open(a.EntryPoint())
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&a.Manifest); err != nil {
		// an empty manifest is fine, it just doesn't tell us anything.
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid manifest %s: %w", a.EntryPoint(), err)
		}
	}
	if a.Manifest.Name == "" {
		a.Manifest.Name = filepath.Base(abs)
	}
	return a, nil
}

// Environ returns the environment variables describing the application to a
// worker, in "key=value" form. Workers thus don't need to access the manifest
// file anymore, which might be inaccessible after lowering privileges.
func (a *App) Environ() ([]string, error) {
	manifest, err := yaml.Marshal(&a.Manifest)
	if err != nil {
		return nil, err
	}
	return []string{
		AppRootEnv + "=" + a.Root,
		EnvironmentEnv + "=" + a.Environment,
		ManifestEnv + "=" + string(manifest),
	}, nil
}

// FromEnv returns the application described by the environment variables set
// from [App.Environ], using lookup to fetch them; usually, lookup is
// [os.LookupEnv].
func FromEnv(lookup func(key string) (string, bool)) (*App, error) {
	root, ok := lookup(AppRootEnv)
	if !ok || root == "" {
		return nil, fmt.Errorf("missing %s", AppRootEnv)
	}
	a := &App{Root: root}
	a.Environment, _ = lookup(EnvironmentEnv)
	if manifest, ok := lookup(ManifestEnv); ok {
		if err := yaml.Unmarshal([]byte(manifest), &a.Manifest); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ManifestEnv, err)
		}
	}
	return a, nil
}

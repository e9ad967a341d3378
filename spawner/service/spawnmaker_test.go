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
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/thediveo/prefork"
	"github.com/thediveo/prefork/preload"
	"github.com/thediveo/prefork/spawner/api"
	"github.com/thediveo/prefork/transcript"
	"github.com/thediveo/prefork/uds"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
	. "github.com/thediveo/fdooze"
	. "github.com/thediveo/success"
)

type fakeApp struct {
	err      error
	preloads int
}

var _ prefork.Application = (*fakeApp)(nil)

func (f *fakeApp) Preload(context.Context, *prefork.App) ([]byte, error) {
	f.preloads++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("howdy"), nil
}

func (f *fakeApp) Serve(context.Context, *prefork.App, []byte, net.Listener) error {
	return errors.New("not serving in-process")
}

// newAppRoot returns a new temporary application root with an empty
// manifest.
func newAppRoot() string {
	GinkgoHelper()
	root := GinkgoT().TempDir()
	Expect(os.WriteFile(filepath.Join(root, prefork.ManifestName), nil, 0o644)).To(Succeed())
	return root
}

// proc returns a process object reading directly from /proc, without
// [process.NewProcess] going through [os.FindProcess] and thus leaving behind
// a pidfd until the next garbage collection.
func proc(pid int) *process.Process {
	return &process.Process{Pid: int32(pid)}
}

// gone returns a function reporting whether the process with the passed PID
// has terminated.
func gone(pid int) func() bool {
	return func() bool {
		status, err := proc(pid).Status()
		return err != nil || slices.Contains(status, process.Zombie)
	}
}

var _ = Describe("spawnmaker", func() {

	BeforeEach(func() {
		goodfds := Filedescriptors()
		goodgos := Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(2 * time.Second).ProbeEvery(100 * time.Millisecond).
				ShouldNot(HaveLeaked(goodgos))
			Expect(Filedescriptors()).NotTo(HaveLeakedFds(goodfds))
		})

		// preloading changes into the application root.
		wd := Successful(os.Getwd())
		DeferCleanup(func() { Expect(os.Chdir(wd)).To(Succeed()) })
	})

	It("refuses to spawn before preloading", func(ctx context.Context) {
		sm := &Spawnmaker{Stderr: GinkgoWriter}
		Expect(sm.Spawn(ctx, &api.SpawnRequest{})).To(
			Equal(&api.ErrorResponse{Reason: "application not preloaded"}))
	})

	It("answers pings", func(ctx context.Context) {
		sm := &Spawnmaker{Stderr: GinkgoWriter}
		Expect(sm.Ping(ctx, &api.PingRequest{})).To(Equal(&api.PingResponse{PID: os.Getpid()}))
	})

	It("reports invalid application roots", func(ctx context.Context) {
		sm := &Spawnmaker{App: &fakeApp{}, Stderr: GinkgoWriter}
		defer sm.Close()
		resp := sm.Preload(ctx, &api.PreloadRequest{AppRoot: "/not-existing"})
		Expect(resp).To(HaveField("Status", preload.Exception))
		Expect(transcript.Restore(resp.(*api.PreloadResponse).Transcript)).To(
			HaveField("Kind", "*fs.PathError"))
	})

	It("reports failing preloads and then refuses to spawn", func(ctx context.Context) {
		sm := &Spawnmaker{App: &fakeApp{err: errors.New("D'oh!")}, Stderr: GinkgoWriter}
		defer sm.Close()
		resp := sm.Preload(ctx, &api.PreloadRequest{AppRoot: newAppRoot()})
		Expect(resp).To(HaveField("Status", preload.Exception))
		Expect(transcript.Restore(resp.(*api.PreloadResponse).Transcript)).To(
			HaveField("Message", "D'oh!"))
		Expect(sm.Spawn(ctx, &api.SpawnRequest{})).To(BeAssignableToTypeOf(&api.ErrorResponse{}))
	})

	It("never retries failed preloads", func(ctx context.Context) {
		app := &fakeApp{err: errors.New("D'oh!")}
		sm := &Spawnmaker{App: app, Stderr: GinkgoWriter}
		defer sm.Close()
		root := newAppRoot()
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: root})).To(
			HaveField("Status", preload.Exception))
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: root})).To(
			Equal(&api.ErrorResponse{Reason: "application already preloaded"}))
		Expect(app.preloads).To(Equal(1))
	})

	It("never retries after failing to load the application", func(ctx context.Context) {
		app := &fakeApp{}
		sm := &Spawnmaker{App: app, Stderr: GinkgoWriter}
		defer sm.Close()
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: "/not-existing"})).To(
			HaveField("Status", preload.Exception))
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: newAppRoot()})).To(
			Equal(&api.ErrorResponse{Reason: "application already preloaded"}))
		Expect(app.preloads).To(BeZero())
	})

	It("preloads only once and then spawns workers", func(ctx context.Context) {
		dupond, dupont := Successful2R(uds.NewPair())
		defer func() {
			_ = dupond.Close()
			_ = dupont.Close()
		}()

		sm := &Spawnmaker{App: &fakeApp{}, Conn: dupont, Exe: demoExe, Stderr: GinkgoWriter}
		defer sm.Close()

		root := newAppRoot()
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: root})).To(And(
			HaveField("Status", preload.Success),
			HaveField("UID", os.Getuid())))
		Expect(sm.Preload(ctx, &api.PreloadRequest{AppRoot: root})).To(
			Equal(&api.ErrorResponse{Reason: "application already preloaded"}))

		By("spawning a worker")
		Expect(sm.Spawn(ctx, &api.SpawnRequest{Serial: 42})).To(BeNil())
		resp, fds := receive(dupond)
		Expect(fds).To(BeEmpty())
		Expect(resp).To(BeAssignableToTypeOf(&api.SpawnResponse{}))
		sr := resp.(*api.SpawnResponse)
		Expect(sr.Liveness).To(BeNumerically(">", 0))
		liveness := os.NewFile(uintptr(sr.Liveness), "liveness")
		defer func() { _ = liveness.Close() }()
		Expect(sr.PIDFd).To(BeNumerically(">", 0))
		defer func() { _ = unix.Close(sr.PIDFd) }()
		Expect(api.PIDfromPIDFd(sr.PIDFd)).To(Equal(sr.PID))
		Expect(sr.Serial).To(Equal(uint64(42)))
		Expect(sr.PID).NotTo(Equal(os.Getpid()))
		Expect(sr.Abstract).To(BeTrue())

		By("talking to the worker")
		conn := Successful(net.Dial("unix", "@"+sr.Endpoint))
		line := Successful(io.ReadAll(conn))
		_ = conn.Close()
		Expect(string(line)).To(Equal(fmt.Sprintf("howdy %d\n", sr.PID)))

		By("checking that the worker has been detached")
		Expect(Successful(proc(sr.PID).Ppid())).NotTo(
			BeEquivalentTo(os.Getpid()))

		By("closing the liveness pipe")
		Expect(liveness.Close()).To(Succeed())
		Eventually(gone(sr.PID)).Within(5 * time.Second).ProbeEvery(50 * time.Millisecond).
			Should(BeTrue())
	})

})

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

package launch

import (
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/thediveo/prefork/memfd"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
	. "github.com/thediveo/fdooze"
	. "github.com/thediveo/success"
)

// shell returns an open fd for executing the system shell, to be closed by the
// caller.
func shell() int {
	GinkgoHelper()
	fd := Successful(unix.Open("/bin/sh", unix.O_RDONLY|unix.O_CLOEXEC, 0))
	DeferCleanup(func() { _ = unix.Close(fd) })
	return fd
}

// pipe returns a new pipe, closing its ends when the current node ends.
func pipe() (r, w *os.File) {
	GinkgoHelper()
	r, w = Successful2R(os.Pipe())
	DeferCleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

var _ = Describe("launching workers", func() {

	BeforeEach(func() {
		goodfds := Filedescriptors()
		goodgos := Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(2 * time.Second).ProbeEvery(100 * time.Millisecond).
				ShouldNot(HaveLeaked(goodgos))
			Expect(Filedescriptors()).NotTo(HaveLeakedFds(goodfds))
		})
	})

	It("names error locations", func() {
		Expect(LocExecve.String()).To(Equal("execveat"))
		Expect(ErrorLocation(0).String()).To(Equal("unknown"))
		Expect(ErrorLocation(666).String()).To(Equal("unknown"))
		Expect(ChildError{Err: syscall.EBADF, Location: LocDup3, Index: 1}.Error()).To(
			Equal("dup3[1]: bad file descriptor"))
		Expect(ChildError{Err: syscall.ENOEXEC, Location: LocExecve}).To(
			MatchError(syscall.ENOEXEC))
	})

	It("rejects missing arguments", func() {
		Expect((&Launcher{}).Launch()).Error().To(MatchError("missing worker arguments"))
	})

	It("detaches the worker", func() {
		r, w := pipe()
		l := &Launcher{
			Exe:   shell(),
			Args:  []string{"prefork test worker", "-c", `echo "$$ $PPID" >&3`},
			Env:   []string{"PATH=/usr/bin:/bin"},
			Files: []int{int(w.Fd())},
		}
		intermediate := Successful(l.Launch())
		Expect(intermediate).To(BeNumerically(">", 0))
		Expect(w.Close()).To(Succeed())

		out := Successful(io.ReadAll(r))
		fields := strings.Fields(string(out))
		Expect(fields).To(HaveLen(2))
		pid := Successful(strconv.Atoi(fields[0]))
		ppid := Successful(strconv.Atoi(fields[1]))
		Expect(pid).NotTo(Equal(os.Getpid()))
		Expect(pid).NotTo(Equal(intermediate))
		Expect(ppid).NotTo(Equal(os.Getpid()))
		Expect(ppid).NotTo(Equal(intermediate))

		// the intermediate child has already been reaped.
		var ws unix.WaitStatus
		_, err := unix.Wait4(intermediate, &ws, unix.WNOHANG, nil)
		Expect(err).To(MatchError(unix.ECHILD))
	})

	It("installs the files in order", func() {
		r1, w1 := pipe()
		r2, w2 := pipe()
		l := &Launcher{
			Exe:   shell(),
			Args:  []string{"sh", "-c", `echo one >&3; echo two >&4`},
			Files: []int{int(w2.Fd()), int(w1.Fd())},
		}
		Expect(l.Launch()).Error().NotTo(HaveOccurred())
		Expect(w1.Close()).To(Succeed())
		Expect(w2.Close()).To(Succeed())
		Expect(io.ReadAll(r2)).To(Equal([]byte("one\n")))
		Expect(io.ReadAll(r1)).To(Equal([]byte("two\n")))
	})

	It("reports failing execs", func() {
		exe := Successful(memfd.FromBytes("not-an-executable", []byte("garbage")))
		defer func() { _ = exe.Close() }()
		l := &Launcher{
			Exe:  int(exe.Fd()),
			Args: []string{"garbage"},
		}
		_, err := l.Launch()
		var childErr *ChildError
		Expect(errors.As(err, &childErr)).To(BeTrue())
		Expect(childErr.Location).To(Equal(LocExecve))
		Expect(childErr.Err).To(Equal(syscall.ENOEXEC))
	})

	It("reports invalid files", func() {
		l := &Launcher{
			Exe:   shell(),
			Args:  []string{"sh", "-c", "true"},
			Files: []int{666_666},
		}
		_, err := l.Launch()
		var childErr *ChildError
		Expect(errors.As(err, &childErr)).To(BeTrue())
		Expect(childErr.Location).To(Equal(LocDup3))
		Expect(childErr.Index).To(Equal(0))
		Expect(childErr.Err).To(Equal(syscall.EBADF))
	})

})

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
	"syscall"
	"unsafe" // required for go:linkname.

	"golang.org/x/sys/unix"
)

//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()

// FirstFd is the file descriptor number of the first file passed to a worker.
const FirstFd = 3

// Launcher describes a worker to launch.
type Launcher struct {
	Exe   int      // fd of the executable, executed using execveat(2).
	Args  []string // including argv[0].
	Env   []string
	Files []int // passed to the worker as fds 3, 4, ...
}

// Launch a detached worker, returning the PID of the already reaped
// intermediate child. Launch returns only after the worker either
// successfully executed or failed; in the latter case, the error returned is
// a [*ChildError].
func (l *Launcher) Launch() (int, error) {
	if len(l.Args) == 0 {
		return 0, errors.New("missing worker arguments")
	}
	argv, err := syscall.SlicePtrFromStrings(l.Args)
	if err != nil {
		return 0, err
	}
	envv, err := syscall.SlicePtrFromStrings(l.Env)
	if err != nil {
		return 0, err
	}
	empty, err := syscall.BytePtrFromString("")
	if err != nil {
		return 0, err
	}

	// the children report failures before the worker's exec over this pipe;
	// EOF tells us that the worker has successfully executed.
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return 0, err
	}

	files := make([]int, len(l.Files))
	copy(files, l.Files)
	nextfd := FirstFd + len(files)
	for _, fd := range files {
		nextfd = max(nextfd, fd+1)
	}
	nextfd = max(nextfd, l.Exe+1, p[1]+1)

	pid, errno := forkAndExecWorker(l.Exe, argv, envv, empty, files, p[1], nextfd)
	_ = unix.Close(p[1])
	if errno != 0 {
		_ = unix.Close(p[0])
		return 0, &ChildError{Err: errno, Location: LocClone}
	}
	reap(int(pid))
	childErr, err := readChildError(p[0])
	_ = unix.Close(p[0])
	if err != nil {
		return int(pid), err
	}
	if childErr != nil {
		return int(pid), childErr
	}
	return int(pid), nil
}

// reap the specified child process.
func reap(pid int) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != unix.EINTR {
			return
		}
	}
}

// readChildError returns the error reported by a child, or nil if the pipe
// was closed without any error reported.
func readChildError(fd int) (*ChildError, error) {
	var childErr ChildError
	buff := unsafe.Slice((*byte)(unsafe.Pointer(&childErr)), unsafe.Sizeof(childErr))
	for {
		n, err := unix.Read(fd, buff)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		switch n {
		case 0:
			return nil, nil
		case len(buff):
			return &childErr, nil
		}
		return nil, syscall.EPIPE
	}
}

// forkAndExecWorker forks the intermediate child that in turn forks the
// worker child and then exits. The worker installs its files, starts a new
// session and finally executes exe.
//
// Reference to src/syscall/exec_linux.go
//
//go:norace
//go:noinline
func forkAndExecWorker(exe int, argv, envv []*byte, empty *byte, files []int, pipe int, nextfd int) (pid uintptr, err1 syscall.Errno) {
	// Acquire the fork lock so that no other threads create new fds that are
	// not yet close-on-exec before we fork.
	syscall.ForkLock.Lock()

	// About to call fork.
	// No more allocation or calls of non-assembly functions.
	beforeFork()

	pid, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 || pid != 0 {
		// restore all signals
		afterFork()
		syscall.ForkLock.Unlock()
		return pid, err1
	}

	// In intermediate child process
	afterForkInChild()
	// Notice: cannot call any Go functions beyond this point

	pid, _, err1 = syscall.RawSyscall6(syscall.SYS_CLONE, uintptr(syscall.SIGCHLD), 0, 0, 0, 0, 0)
	if err1 != 0 {
		childExitError(pipe, LocCloneWorker, 0, err1)
	}
	if pid != 0 {
		for {
			syscall.RawSyscall(syscall.SYS_EXIT_GROUP, 0, 0, 0)
		}
	}

	// In worker child process
	if _, _, err1 = syscall.RawSyscall(syscall.SYS_SETSID, 0, 0, 0); err1 != 0 {
		childExitError(pipe, LocSetSid, 0, err1)
	}

	// Pass 1: move the pipe, the executable, and any file that would get
	// overwritten by an earlier file out of the way.
	top := FirstFd + len(files)
	if pipe < top {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(pipe), uintptr(nextfd), syscall.O_CLOEXEC)
		if err1 != 0 {
			childExitError(pipe, LocDup3, 0, err1)
		}
		pipe = nextfd
		nextfd++
	}
	if exe < top {
		_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(exe), uintptr(nextfd), syscall.O_CLOEXEC)
		if err1 != 0 {
			childExitError(pipe, LocDup3, 0, err1)
		}
		exe = nextfd
		nextfd++
	}
	for i, fd := range files {
		if fd >= FirstFd && fd < FirstFd+i {
			_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fd), uintptr(nextfd), syscall.O_CLOEXEC)
			if err1 != 0 {
				childExitError(pipe, LocDup3, i, err1)
			}
			files[i] = nextfd
			nextfd++
		}
	}

	// Pass 2: install the files in place, without close-on-exec.
	for i, fd := range files {
		if fd == FirstFd+i {
			_, _, err1 = syscall.RawSyscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_SETFD, 0)
			if err1 != 0 {
				childExitError(pipe, LocFcntl, i, err1)
			}
			continue
		}
		_, _, err1 = syscall.RawSyscall(syscall.SYS_DUP3, uintptr(fd), uintptr(FirstFd+i), 0)
		if err1 != 0 {
			childExitError(pipe, LocDup3, i, err1)
		}
	}

	// time to exec
	_, _, err1 = syscall.RawSyscall6(unix.SYS_EXECVEAT, uintptr(exe),
		uintptr(unsafe.Pointer(empty)), uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])), unix.AT_EMPTY_PATH, 0)
	childExitError(pipe, LocExecve, 0, err1)
	return
}

//go:nosplit
func childExitError(pipe int, loc ErrorLocation, idx int, err syscall.Errno) {
	childError := ChildError{
		Err:      err,
		Location: loc,
		Index:    idx,
	}
	syscall.RawSyscall(unix.SYS_WRITE, uintptr(pipe), uintptr(unsafe.Pointer(&childError)), unsafe.Sizeof(childError))
	for {
		syscall.RawSyscall(syscall.SYS_EXIT_GROUP, uintptr(err), 0, 0)
	}
}

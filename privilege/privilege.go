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
Package privilege lowers the privileges of the calling process before it runs
untrusted application code.

[Lower] takes one of three branches: it switches to the owner of an
application's entry-point file, otherwise to a fallback user, otherwise it
leaves the process identity unchanged. It never switches to the superuser.
Failing to lower privileges is not an error: callers check the returned
[Outcome] for the branch taken.
*/
package privilege

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Identities never switched to.
const (
	RootUID = 0
	RootGID = 0
)

// Branch is the decision taken by [Lower].
type Branch int

const (
	Unchanged Branch = iota // kept the current identity
	Owner                   // switched to the owner of the entry point
	Fallback                // switched to the fallback user
)

func (b Branch) String() string {
	switch b {
	case Owner:
		return "owner"
	case Fallback:
		return "fallback"
	default:
		return "unchanged"
	}
}

// Outcome of lowering privileges, with the resulting user and group IDs.
type Outcome struct {
	Branch Branch
	UID    int
	GID    int
}

// Identity is a user with its primary group.
type Identity struct {
	Name string
	UID  int
	GID  int
}

// Users resolves user identities.
type Users interface {
	LookupUID(uid int) (*Identity, error)
	LookupName(name string) (*Identity, error)
}

// Switcher changes the identity of the calling process.
type Switcher interface {
	Current() (uid, gid int)
	Setgroups(gids []int) error
	Setgid(gid int) error
	Setuid(uid int) error
}

// Option configures [Lower].
type Option func(*lowerer)

// WithUsers sets the user database to resolve identities with, instead of
// [os/user].
func WithUsers(users Users) Option {
	return func(l *lowerer) { l.users = users }
}

// WithSwitcher sets the identity switcher, instead of the process-wide
// credential system calls.
func WithSwitcher(sw Switcher) Option {
	return func(l *lowerer) { l.sw = sw }
}

// WithLogger sets the logger to report on the decisions taken.
func WithLogger(log *slog.Logger) Option {
	return func(l *lowerer) { l.log = log }
}

type lowerer struct {
	users Users
	sw    Switcher
	log   *slog.Logger
}

// Lower switches the calling process to the user owning the passed entry
// point file, using that user's primary group. If the owner is the superuser,
// cannot be resolved, or switching fails, Lower tries the fallback user
// instead. If that fails too, the process identity is left unchanged.
//
// Groups always get switched before the user, as switching the user first
// would lose the permission to switch groups. Switching group and user is
// process-wide and irreversible.
func Lower(entryPoint string, fallbackUser string, opts ...Option) Outcome {
	l := &lowerer{
		users: osUsers{},
		sw:    processSwitcher{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	var st unix.Stat_t
	if err := unix.Stat(entryPoint, &st); err != nil {
		l.log.Warn("cannot determine owner of application entry point",
			slog.String("path", entryPoint),
			slog.String("err", err.Error()))
	} else if owner, err := l.users.LookupUID(int(st.Uid)); err != nil {
		l.log.Warn("cannot resolve owner of application entry point",
			slog.String("path", entryPoint),
			slog.Int("uid", int(st.Uid)),
			slog.String("err", err.Error()))
	} else if l.switchTo(owner) {
		return Outcome{Branch: Owner, UID: owner.UID, GID: owner.GID}
	}

	if fallbackUser != "" {
		if fallback, err := l.users.LookupName(fallbackUser); err != nil {
			l.log.Warn("cannot resolve fallback user",
				slog.String("user", fallbackUser),
				slog.String("err", err.Error()))
		} else if l.switchTo(fallback) {
			return Outcome{Branch: Fallback, UID: fallback.UID, GID: fallback.GID}
		}
	}

	l.log.Info("keeping process identity",
		slog.Int("uid", os.Getuid()),
		slog.Int("gid", os.Getgid()))
	return Outcome{Branch: Unchanged, UID: os.Getuid(), GID: os.Getgid()}
}

// switchTo switches to the passed identity, reporting success.
func (l *lowerer) switchTo(id *Identity) bool {
	if id.UID == RootUID {
		l.log.Info("refusing to switch to superuser",
			slog.String("user", id.Name))
		return false
	}
	// unprivileged processes cannot even setgroups to their own group.
	if uid, gid := l.sw.Current(); uid == id.UID && gid == id.GID {
		l.log.Info("already running as user",
			slog.String("user", id.Name),
			slog.Int("uid", id.UID),
			slog.Int("gid", id.GID))
		return true
	}
	if err := l.sw.Setgroups([]int{id.GID}); err != nil {
		l.failed("setgroups", id, err)
		return false
	}
	if err := l.sw.Setgid(id.GID); err != nil {
		l.failed("setgid", id, err)
		return false
	}
	if err := l.sw.Setuid(id.UID); err != nil {
		l.failed("setuid", id, err)
		return false
	}
	l.log.Info("lowered privileges",
		slog.String("user", id.Name),
		slog.Int("uid", id.UID),
		slog.Int("gid", id.GID))
	return true
}

func (l *lowerer) failed(op string, id *Identity, err error) {
	level := slog.LevelWarn
	if errors.Is(err, unix.EPERM) {
		level = slog.LevelInfo
	}
	l.log.Log(context.Background(), level, "cannot switch identity",
		slog.String("op", op),
		slog.String("user", id.Name),
		slog.String("err", err.Error()))
}

// osUsers resolves identities using the host's user database.
type osUsers struct{}

func (osUsers) LookupUID(uid int) (*Identity, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, err
	}
	return identity(u)
}

func (osUsers) LookupName(name string) (*Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	return identity(u)
}

func identity(u *user.User) (*Identity, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	return &Identity{Name: u.Username, UID: uid, GID: gid}, nil
}

// processSwitcher switches the identity of all threads of this process.
type processSwitcher struct{}

func (processSwitcher) Current() (uid, gid int) { return os.Getuid(), os.Getgid() }

func (processSwitcher) Setgroups(gids []int) error { return syscall.Setgroups(gids) }
func (processSwitcher) Setgid(gid int) error       { return syscall.Setgid(gid) }
func (processSwitcher) Setuid(uid int) error       { return syscall.Setuid(uid) }

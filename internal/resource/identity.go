// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"log/slog"
	"os/user"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/procfs"
)

// Identity is the host-side identity of a process
type Identity struct {
	PID     int
	Command string
	User    string
}

// IdentityResolver resolves a pid to its command line and owning user.
// Resolution may legitimately fail for short-lived or permission-restricted
// processes.
type IdentityResolver interface {
	Lookup(pid int) (Identity, error)
}

// procInfo wraps the parts of procfs.Proc needed to build an Identity
type procInfo interface {
	CmdLine() ([]string, error)
	Comm() (string, error)
	// UID returns the effective uid owning the process
	UID() (string, error)
}

type procWrapper struct {
	proc procfs.Proc
}

var _ procInfo = (*procWrapper)(nil)

func (p *procWrapper) CmdLine() ([]string, error) {
	return p.proc.CmdLine()
}

func (p *procWrapper) Comm() (string, error) {
	return p.proc.Comm()
}

func (p *procWrapper) UID() (string, error) {
	status, err := p.proc.NewStatus()
	if err != nil {
		return "", fmt.Errorf("failed to read process status: %w", err)
	}
	// UIDs holds real, effective, saved set and filesystem uids
	return fmt.Sprint(status.UIDs[1]), nil
}

type procReader interface {
	Proc(pid int) (procInfo, error)
}

type procFSReader struct {
	fs procfs.FS
}

func (r *procFSReader) Proc(pid int) (procInfo, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return &procWrapper{proc: proc}, nil
}

type userLookupFn func(uid string) (*user.User, error)

type procFSIdentity struct {
	logger   *slog.Logger
	procs    procReader
	lookupID userLookupFn
	users    *cache.Cache
}

var _ IdentityResolver = (*procFSIdentity)(nil)

// IdentityOptFn configures the procfs identity resolver
type IdentityOptFn func(*procFSIdentity)

// WithIdentityLogger sets the logger
func WithIdentityLogger(l *slog.Logger) IdentityOptFn {
	return func(r *procFSIdentity) {
		r.logger = l.With("component", "process-identity")
	}
}

// WithUserCacheTTL caches uid to user name resolution for ttl; 0 disables the cache
func WithUserCacheTTL(ttl time.Duration) IdentityOptFn {
	return func(r *procFSIdentity) {
		if ttl <= 0 {
			r.users = nil
			return
		}
		r.users = cache.New(ttl, 2*ttl)
	}
}

// NewProcFSIdentity creates an IdentityResolver reading from the procfs
// mounted at procfsPath
func NewProcFSIdentity(procfsPath string, opts ...IdentityOptFn) (IdentityResolver, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs %q: %w", procfsPath, err)
	}
	return newProcFSIdentity(&procFSReader{fs: fs}, user.LookupId, opts...), nil
}

func newProcFSIdentity(procs procReader, lookup userLookupFn, opts ...IdentityOptFn) *procFSIdentity {
	r := &procFSIdentity{
		logger:   slog.Default().With("component", "process-identity"),
		procs:    procs,
		lookupID: lookup,
		users:    cache.New(5*time.Minute, 10*time.Minute),
	}
	for _, apply := range opts {
		apply(r)
	}
	return r
}

// Lookup returns the command line (arguments joined by a space) and the
// name of the effective user of pid. Kernel threads and zombies have an
// empty command line; their comm is used instead.
func (r *procFSIdentity) Lookup(pid int) (Identity, error) {
	proc, err := r.procs.Proc(pid)
	if err != nil {
		return Identity{}, fmt.Errorf("process %d not found: %w", pid, err)
	}

	args, err := proc.CmdLine()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read cmdline of process %d: %w", pid, err)
	}
	command := strings.Join(args, " ")
	if command == "" {
		comm, err := proc.Comm()
		if err != nil {
			return Identity{}, fmt.Errorf("failed to read comm of process %d: %w", pid, err)
		}
		command = "[" + comm + "]"
	}

	uid, err := proc.UID()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read owner of process %d: %w", pid, err)
	}
	userName, err := r.userName(uid)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to resolve owner of process %d: %w", pid, err)
	}

	return Identity{PID: pid, Command: command, User: userName}, nil
}

// userName resolves uid via the host user database. Failures are cached
// too so that an unknown uid does not hit the database on every scrape.
func (r *procFSIdentity) userName(uid string) (string, error) {
	if r.users == nil {
		return r.lookupUser(uid)
	}

	if cached, ok := r.users.Get(uid); ok {
		switch v := cached.(type) {
		case string:
			return v, nil
		case error:
			return "", v
		}
	}

	name, err := r.lookupUser(uid)
	if err != nil {
		r.users.SetDefault(uid, err)
		return "", err
	}
	r.users.SetDefault(uid, name)
	return name, nil
}

func (r *procFSIdentity) lookupUser(uid string) (string, error) {
	u, err := r.lookupID(uid)
	if err != nil {
		r.logger.Debug("user lookup failed", "uid", uid, "error", err)
		return "", err
	}
	return u.Username, nil
}

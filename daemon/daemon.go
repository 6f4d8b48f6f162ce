package daemon

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/criyle/fileaccess/internal/access"
	"github.com/criyle/fileaccess/internal/daemonconfig"
	"github.com/criyle/fileaccess/internal/fdtable"
	"github.com/criyle/fileaccess/internal/manifest"
	"github.com/criyle/fileaccess/pkg/unixsocket"
	"github.com/criyle/fileaccess/ptracer"
)

// Daemon listens on the handoff socket and drives one ptracer.Tracer per
// tracee tree that signals on it. Where spec.md §4.9 describes the
// daemon forking a separate tracer process per tree, this runs each
// tracer on its own OS-thread-locked goroutine instead: ptrace's
// single-tracing-thread constraint (§5 "Suspension points") is satisfied
// just as well by runtime.LockOSThread, and it avoids re-deriving the
// daemon's own config/logging/listener setup in a forked child for no
// benefit once the observer is written in Go rather than C.
type Daemon struct {
	cfg    daemonconfig.Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[int32]struct{} // root pid -> in flight
}

// New builds a daemon from its operator config.
func New(cfg daemonconfig.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, logger: logger, running: make(map[int32]struct{})}
}

// ListenAndServe binds queuePath as a SOCK_SEQPACKET listener (the
// message-queue substitute named in the manifest's PTraceMQName / the
// daemon config's QueueName) and accepts handoffs until ln is closed.
func (d *Daemon) ListenAndServe(queuePath string) error {
	_ = os.Remove(queuePath)
	addr := &net.UnixAddr{Name: queuePath, Net: "unixpacket"}
	ln, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", queuePath, err)
	}
	defer ln.Close()
	defer os.Remove(queuePath)

	d.logger.Info("daemon listening", "path", queuePath)
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			return fmt.Errorf("daemon: accept: %w", err)
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn *net.UnixConn) {
	defer conn.Close()
	sock := unixsocket.Wrap(conn)
	buf := make([]byte, 4096)
	n, _, err := sock.RecvMsg(buf)
	if err != nil {
		d.logger.Debug("daemon: RecvMsg failed", "error", err)
		return
	}
	msg, err := parseStartMessage(buf[:n])
	if err != nil {
		d.logger.Debug("daemon: malformed handoff", "error", err)
		return
	}
	d.startTracer(msg)
}

func (d *Daemon) startTracer(msg startMessage) {
	d.mu.Lock()
	if _, dup := d.running[msg.PID]; dup {
		d.mu.Unlock()
		return
	}
	d.running[msg.PID] = struct{}{}
	d.mu.Unlock()

	go d.runTracer(msg)
}

func (d *Daemon) runTracer(msg startMessage) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer func() {
		d.mu.Lock()
		delete(d.running, msg.PID)
		d.mu.Unlock()
	}()

	log := d.logger.With("pid", msg.PID, "exe", msg.ExePath)

	m, err := manifest.LoadFile(msg.ManifestPath)
	if err != nil {
		log.Error("daemon: loading manifest failed", "error", err)
		return
	}

	pipe, err := os.OpenFile(m.ReportPipePath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		log.Error("daemon: opening report pipe failed", "error", err)
		return
	}
	defer pipe.Close()

	fds := fdtable.New(nil)
	fds.Disabled = true
	dispatch := access.New(m, fds, pipe, func(path string) (string, bool, error) {
		target, err := os.Readlink(path)
		if err != nil {
			return "", false, nil
		}
		return target, true, nil
	}, access.FS{
		Exists: func(path string) bool {
			_, err := os.Lstat(path)
			return err == nil
		},
		Children: func(path string) ([]string, bool) {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, false
			}
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			return names, true
		},
	})

	// The preload execve hook already emitted this before handing the
	// process off over the queue (preload/hooks.go's execve hook) — every
	// msg this daemon ever receives came through that handoff, so emitting
	// it again here would double-report the same static binary.

	tracer := &ptracer.Tracer{
		Dispatch: dispatch,
		Syscalls: ptracer.DefaultTable(),
		RootPID:  m.RootPID,
		Debug: func(format string, args ...interface{}) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	}

	if err := tracer.Seize(int(msg.PID)); err != nil {
		log.Error("daemon: PTRACE_SEIZE failed", "error", err)
		return
	}
	if err := tracer.Run(int(msg.PID)); err != nil {
		log.Warn("daemon: tracer loop ended with error", "error", err)
	}
}

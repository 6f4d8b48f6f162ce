// Package daemon implements the daemon side of C9: listening on the
// handoff socket named in the manifest's PTraceMQName, seizing each
// statically-linked tracee that signals on it, and driving a ptracer.Tracer
// for its whole process tree until it exits.
package daemon

import (
	"fmt"
	"strconv"
	"strings"
)

// startMessage is the "start|pid|ppid|exePath|manifestPath" handoff a
// statically-linked tracee sends once it has installed its seccomp
// trace filter and is about to sleep awaiting PTRACE_SEIZE (spec.md §4.9
// "Trigger", §6 "tracer-daemon message queue").
type startMessage struct {
	PID          int32
	PPID         int32
	ExePath      string
	ManifestPath string
}

func parseStartMessage(raw []byte) (startMessage, error) {
	fields := strings.Split(strings.TrimRight(string(raw), "\x00"), "|")
	if len(fields) != 5 || fields[0] != "start" {
		return startMessage{}, fmt.Errorf("daemon: malformed start message %q", raw)
	}
	pid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return startMessage{}, fmt.Errorf("daemon: bad pid in start message: %w", err)
	}
	ppid, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return startMessage{}, fmt.Errorf("daemon: bad ppid in start message: %w", err)
	}
	return startMessage{
		PID:          int32(pid),
		PPID:         int32(ppid),
		ExePath:      fields[3],
		ManifestPath: fields[4],
	}, nil
}

// Package report implements C6: encoding an access observation into the
// framed, pipe-delimited wire record the external supervisor reads off
// the per-pip report FIFO, and writing it atomically (spec.md §4.6).
package report

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// PipeBufSize is the Linux PIPE_BUF guarantee: a single write() of this
// size or smaller to a pipe is atomic, so concurrent writers from
// multiple threads or processes never interleave their frames. Defined
// locally rather than imported from golang.org/x/sys/unix, which exposes
// no named constant for it, matching how the reference ptrace tracer
// pins its own Linux ABI constants (NT_PRSTATUS, PTRACE_SET_SYSCALL)
// directly rather than depending on a library for kernel numbers that
// change rarely and are cheap to hardcode.
const PipeBufSize = 4096

// Operation identifies the kind of access being reported. Names follow
// the ~45-event model named in the data model: most correspond 1:1 to a
// libc hook family, a few (FirstAllowWriteCheck, StaticallyLinkedProcess,
// Debug, ProcessTreeCompleted) are side reports the policy/bootstrap/
// detector layers emit independently of any single syscall.
type Operation int

const (
	OpProcessExec Operation = iota
	OpFileRead
	OpFileWrite
	OpFileProbe
	OpFileStat
	OpFileAccess
	OpCreateFile
	OpDeleteFile
	OpRenameSource
	OpRenameDest
	OpCreateHardlink
	OpCreateSymlink
	OpCreateDirectory
	OpRemoveDirectory
	OpMakeNode
	OpReadlink
	OpSetMode
	OpSetOwner
	OpSetTime
	OpEnumerateDirectory
	OpProcessFork
	OpProcessExit
	OpDebug
	OpFirstAllowWriteCheck
	OpStaticallyLinkedProcess
	OpProcessTreeCompleted
)

var opNames = map[Operation]string{
	OpProcessExec:             "ProcessExec",
	OpFileRead:                "FileRead",
	OpFileWrite:               "FileWrite",
	OpFileProbe:               "FileProbe",
	OpFileStat:                "FileStat",
	OpFileAccess:              "FileAccess",
	OpCreateFile:              "CreateFile",
	OpDeleteFile:              "DeleteFile",
	OpRenameSource:            "RenameSource",
	OpRenameDest:              "RenameDest",
	OpCreateHardlink:          "CreateHardlink",
	OpCreateSymlink:           "CreateSymlink",
	OpCreateDirectory:         "CreateDirectory",
	OpRemoveDirectory:         "RemoveDirectory",
	OpMakeNode:                "MakeNode",
	OpReadlink:                "Readlink",
	OpSetMode:                 "SetMode",
	OpSetOwner:                "SetOwner",
	OpSetTime:                 "SetTime",
	OpEnumerateDirectory:      "EnumerateDirectory",
	OpProcessFork:             "ProcessFork",
	OpProcessExit:             "ProcessExit",
	OpDebug:                   "Debug",
	OpFirstAllowWriteCheck:    "FirstAllowWriteCheck",
	OpStaticallyLinkedProcess: "StaticallyLinkedProcess",
	OpProcessTreeCompleted:    "ProcessTreeCompleted",
}

func (o Operation) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "Unknown"
}

// RequestedAccess is the permission class being asked of policy for this
// report; distinct from Operation, which names the syscall family.
type RequestedAccess int

const (
	AccessNone RequestedAccess = iota
	AccessRead
	AccessWrite
	AccessProbe
)

func (a RequestedAccess) String() string {
	switch a {
	case AccessRead:
		return "Read"
	case AccessWrite:
		return "Write"
	case AccessProbe:
		return "Probe"
	default:
		return "None"
	}
}

func parseRequestedAccess(s string) (RequestedAccess, error) {
	switch s {
	case "None":
		return AccessNone, nil
	case "Read":
		return AccessRead, nil
	case "Write":
		return AccessWrite, nil
	case "Probe":
		return AccessProbe, nil
	}
	return 0, fmt.Errorf("report: unknown requested access %q", s)
}

// Access is one reportable observation (spec.md §3 "AccessReport").
type Access struct {
	Operation        Operation
	PID              int32
	RootPID          int32
	RequestedAccess  RequestedAccess
	Allowed          bool
	ReportExplicitly bool
	Error            int32
	PipID            uint64
	IsDirectory      bool
	Path             string
}

// Group is one or two reports that belong together, used for events that
// the kernel treats as a single syscall but the access model reports as
// a pair, such as a rename's source and destination legs (spec.md §3
// AccessReportGroup).
type Group []Access

// escapeField substitutes the wire delimiter and line terminators so a
// path containing them can't desynchronize the reader (spec.md §4.6:
// "Inside path, any |, \n, or \r is replaced by !, ., . respectively").
// The observer never rejects a path for containing these bytes.
func escapeField(s string) string {
	s = strings.ReplaceAll(s, "|", "!")
	s = strings.ReplaceAll(s, "\n", ".")
	s = strings.ReplaceAll(s, "\r", ".")
	return s
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// status renders Allowed the way the wire format expects it: a status
// token, not a bare boolean, so denied-but-reported accesses read
// unambiguously off the pipe.
func (a Access) status() string {
	if a.Allowed {
		return "allowed"
	}
	return "denied"
}

func parseStatus(s string) (bool, error) {
	switch s {
	case "allowed":
		return true, nil
	case "denied":
		return false, nil
	}
	return false, fmt.Errorf("report: unknown status %q", s)
}

// Encode renders a into its pipe-delimited record, not including the
// length prefix. Field order matches spec.md §4.6 exactly:
// op|pid|rootPid|requestedAccess|status|reportExplicitly|error|pipId|isDirectory|path
func Encode(a Access) string {
	fields := []string{
		a.Operation.String(),
		strconv.FormatInt(int64(a.PID), 10),
		strconv.FormatInt(int64(a.RootPID), 10),
		a.RequestedAccess.String(),
		a.status(),
		boolField(a.ReportExplicitly),
		strconv.FormatInt(int64(a.Error), 10),
		strconv.FormatUint(a.PipID, 10),
		boolField(a.IsDirectory),
		escapeField(a.Path),
	}
	return strings.Join(fields, "|")
}

// Frame prepends a little-endian uint32 byte-length to record, giving the
// supervisor an unambiguous boundary even if individual writes to the
// pipe get split by the kernel.
func Frame(record string) []byte {
	buf := make([]byte, 4+len(record))
	binary.LittleEndian.PutUint32(buf, uint32(len(record)))
	copy(buf[4:], record)
	return buf
}

// Write frames and atomically writes a single access to w. A record that
// would exceed PipeBufSize is an error for non-debug reports (spec.md
// invariant 6); a debug-flagged record is truncated here, by shortening
// its path, until its frame fits.
func Write(w io.Writer, a Access) error {
	frame := Frame(Encode(a))
	if len(frame) > PipeBufSize {
		if a.Operation == OpDebug {
			return Write(w, truncateDebug(a))
		}
		return fmt.Errorf("report: frame of %d bytes exceeds PIPE_BUF (%d); path %q", len(frame), PipeBufSize, a.Path)
	}
	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("report: writing frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("report: short write of frame: %d of %d bytes", n, len(frame))
	}
	return nil
}

func truncateDebug(a Access) Access {
	overflow := len(Frame(Encode(a))) - PipeBufSize
	if overflow <= 0 || overflow >= len(a.Path) {
		a.Path = ""
		return a
	}
	a.Path = a.Path[:len(a.Path)-overflow]
	return a
}

// WriteGroup writes every access in g in order, as the dispatch layer
// assembled it (e.g. a rename's source leg before its destination leg).
func WriteGroup(w io.Writer, g Group) error {
	for _, a := range g {
		if err := Write(w, a); err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch coalesces multiple accesses into a single underlying
// write(), up to PipeBufSize, preserving the same atomicity guarantee for
// the whole batch. Accesses that don't fit in the current batch spill
// into however many additional writes are needed; each individual write
// stays at or under PipeBufSize.
func WriteBatch(w io.Writer, accesses []Access) error {
	var buf bytes.Buffer
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		n, err := w.Write(buf.Bytes())
		if err != nil {
			return fmt.Errorf("report: writing batch: %w", err)
		}
		if n != buf.Len() {
			return fmt.Errorf("report: short batch write: %d of %d bytes", n, buf.Len())
		}
		buf.Reset()
		return nil
	}
	for _, a := range accesses {
		frame := Frame(Encode(a))
		if len(frame) > PipeBufSize {
			return fmt.Errorf("report: frame of %d bytes exceeds PIPE_BUF (%d)", len(frame), PipeBufSize)
		}
		if buf.Len()+len(frame) > PipeBufSize {
			if err := flush(); err != nil {
				return err
			}
		}
		buf.Write(frame)
	}
	return flush()
}

// Decode parses a framed reader, one Access per call. Used by the probe
// CLI and by tests to verify what was actually written to a FIFO.
func Decode(r io.Reader) (Access, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Access{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	recBuf := make([]byte, n)
	if _, err := io.ReadFull(r, recBuf); err != nil {
		return Access{}, fmt.Errorf("report: reading record body: %w", err)
	}
	return decodeRecord(string(recBuf))
}

func decodeRecord(record string) (Access, error) {
	fields := strings.SplitN(record, "|", 10)
	if len(fields) != 10 {
		return Access{}, fmt.Errorf("report: malformed record %q: want 10 fields, got %d", record, len(fields))
	}
	op, err := parseOperation(fields[0])
	if err != nil {
		return Access{}, err
	}
	pid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return Access{}, fmt.Errorf("report: bad pid %q: %w", fields[1], err)
	}
	rootPid, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return Access{}, fmt.Errorf("report: bad rootPid %q: %w", fields[2], err)
	}
	reqAccess, err := parseRequestedAccess(fields[3])
	if err != nil {
		return Access{}, err
	}
	allowed, err := parseStatus(fields[4])
	if err != nil {
		return Access{}, err
	}
	errCode, err := strconv.ParseInt(fields[6], 10, 32)
	if err != nil {
		return Access{}, fmt.Errorf("report: bad error code %q: %w", fields[6], err)
	}
	pipID, err := strconv.ParseUint(fields[7], 10, 64)
	if err != nil {
		return Access{}, fmt.Errorf("report: bad pipId %q: %w", fields[7], err)
	}
	return Access{
		Operation:        op,
		PID:              int32(pid),
		RootPID:          int32(rootPid),
		RequestedAccess:  reqAccess,
		Allowed:          allowed,
		ReportExplicitly: fields[5] == "1",
		Error:            int32(errCode),
		PipID:            pipID,
		IsDirectory:      fields[8] == "1",
		Path:             fields[9],
	}, nil
}

func parseOperation(name string) (Operation, error) {
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("report: unknown operation %q", name)
}

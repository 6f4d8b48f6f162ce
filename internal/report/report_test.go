package report

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := Access{
		Operation:       OpFileWrite,
		PID:             100,
		RootPID:         1,
		RequestedAccess: AccessWrite,
		Allowed:         true,
		PipID:           7,
		Path:            "/out/a.txt",
	}
	var buf bytes.Buffer
	if err := Write(&buf, a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != a {
		t.Errorf("round trip = %+v, want %+v", got, a)
	}
}

func TestDeniedAccessRoundTrips(t *testing.T) {
	a := Access{Operation: OpFileWrite, PID: 5, RequestedAccess: AccessWrite, Allowed: false, Error: 13}
	var buf bytes.Buffer
	if err := Write(&buf, a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Allowed || got.Error != 13 {
		t.Errorf("denied round trip = %+v", got)
	}
}

func TestEscapesDelimiterAndNewlines(t *testing.T) {
	a := Access{Operation: OpFileRead, PID: 1, Path: "/weird|path\nwith\rnoise"}
	var buf bytes.Buffer
	if err := Write(&buf, a); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Path != "/weird!path.with.noise" {
		t.Errorf("escaped path = %q", got.Path)
	}
}

func TestWriteGroupPreservesOrder(t *testing.T) {
	g := Group{
		{Operation: OpDeleteFile, PID: 1, Path: "/src"},
		{Operation: OpCreateFile, PID: 1, Path: "/dst"},
	}
	var buf bytes.Buffer
	if err := WriteGroup(&buf, g); err != nil {
		t.Fatalf("WriteGroup: %v", err)
	}
	for i, want := range g {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode #%d: %v", i, err)
		}
		if got.Path != want.Path || got.Operation != want.Operation {
			t.Errorf("record #%d = %+v, want %+v", i, got, want)
		}
	}
}

func TestWriteBatchPreservesOrder(t *testing.T) {
	accesses := []Access{
		{Operation: OpProcessFork, PID: 1, Path: ""},
		{Operation: OpFileRead, PID: 1, Path: "/a"},
		{Operation: OpFileWrite, PID: 1, Path: "/b"},
	}
	var buf bytes.Buffer
	if err := WriteBatch(&buf, accesses); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	for i, want := range accesses {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode #%d: %v", i, err)
		}
		if got.Path != want.Path || got.Operation != want.Operation {
			t.Errorf("record #%d = %+v, want %+v", i, got, want)
		}
	}
}

func TestWriteRejectsOversizeFrame(t *testing.T) {
	huge := make([]byte, PipeBufSize)
	for i := range huge {
		huge[i] = 'x'
	}
	a := Access{Operation: OpFileRead, PID: 1, Path: string(huge)}
	var buf bytes.Buffer
	if err := Write(&buf, a); err == nil {
		t.Fatal("Write should reject a non-debug frame exceeding PIPE_BUF")
	}
}

func TestWriteTruncatesOversizeDebugFrame(t *testing.T) {
	huge := make([]byte, PipeBufSize)
	for i := range huge {
		huge[i] = 'x'
	}
	a := Access{Operation: OpDebug, PID: 1, Path: string(huge)}
	var buf bytes.Buffer
	if err := Write(&buf, a); err != nil {
		t.Fatalf("Write of oversize debug record should truncate, not fail: %v", err)
	}
}

package term_test

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/nmi/vmm/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	// Test runs are never attached to a real terminal.
	if term.IsTerminal() {
		t.Fatal("it is not terminal")
	}
}

func TestInitNonTTY(t *testing.T) {
	t.Parallel()

	tm := term.New()

	// On a non-TTY Init is a no-op and must not fail.
	if err := tm.Init(func() {}); err != nil {
		t.Fatal(err)
	}

	tm.Restore()
}

func pipes(t *testing.T) (*term.Term, *os.File, *os.File) {
	t.Helper()

	rxR, rxW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	txR, txW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		rxR.Close()
		rxW.Close()
		txR.Close()
		txW.Close()
	})

	tm := term.New()
	tm.SetPort(0, int(rxR.Fd()), int(txW.Fd()))

	return tm, rxW, txR
}

func TestPutC(t *testing.T) {
	t.Parallel()

	tm, _, txR := pipes(t)

	n, err := tm.PutC([]byte("hello"), 0)
	if err != nil {
		t.Fatal(err)
	}

	if n != 5 {
		t.Fatalf("PutC wrote %d, want 5", n)
	}

	buf := make([]byte, 5)
	if _, err := txR.Read(buf); err != nil {
		t.Fatal(err)
	}

	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

func TestGetCAndReadable(t *testing.T) {
	t.Parallel()

	tm, rxW, _ := pipes(t)

	if tm.Readable(0) {
		t.Fatal("empty pipe readable")
	}

	if _, err := rxW.Write([]byte{'k'}); err != nil {
		t.Fatal(err)
	}

	if !tm.Readable(0) {
		t.Fatal("pipe with a byte not readable")
	}

	c, ok := tm.GetC(0, nil)
	if !ok || c != 'k' {
		t.Fatalf("GetC = %q, %v", c, ok)
	}

	if tm.Readable(0) {
		t.Fatal("drained pipe readable")
	}
}

// The 0x01 escape is swallowed; 0x01 x requests shutdown; 0x01 0x01
// delivers a literal 0x01.
func TestEscape(t *testing.T) {
	t.Parallel()

	tm, rxW, _ := pipes(t)

	var shutdowns atomic.Int32

	shutdown := func() { shutdowns.Add(1) }

	if _, err := rxW.Write([]byte{0x01, 'x', 0x01, 0x01, 'q'}); err != nil {
		t.Fatal(err)
	}

	if _, ok := tm.GetC(0, shutdown); ok {
		t.Fatal("escape byte delivered")
	}

	if _, ok := tm.GetC(0, shutdown); ok {
		t.Fatal("shutdown byte delivered")
	}

	if got := shutdowns.Load(); got != 1 {
		t.Fatalf("shutdown called %d times, want 1", got)
	}

	if _, ok := tm.GetC(0, shutdown); ok {
		t.Fatal("second escape byte delivered")
	}

	c, ok := tm.GetC(0, shutdown)
	if !ok || c != 0x01 {
		t.Fatalf("escaped 0x01 = %#x, %v", c, ok)
	}

	c, ok = tm.GetC(0, shutdown)
	if !ok || c != 'q' {
		t.Fatalf("trailing byte = %q, %v", c, ok)
	}

	if got := shutdowns.Load(); got != 1 {
		t.Fatalf("shutdown called %d times at end, want 1", got)
	}
}

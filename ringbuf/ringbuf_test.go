package ringbuf

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestWriteReadFIFO(t *testing.T) {
	r := New(16)
	if _, err := r.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	v := r.Peek(100)
	if got, want := v.Len(), 5; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	buf := make([]byte, v.Len())
	if got, want := string(v.Bytes(buf)), "hello"; got != want {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
	r.Commit(5)
	if got, want := r.Available(), 0; got != want {
		t.Fatalf("Available() = %d, want %d", got, want)
	}
}

func TestBufferFull(t *testing.T) {
	r := New(4)
	if _, err := r.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Write([]byte("e")); err != ErrBufferFull {
		t.Fatalf("Write on full buffer = %v, want ErrBufferFull", err)
	}
	r.Commit(2)
	if _, err := r.Write([]byte("ef")); err != nil {
		t.Fatalf("Write after commit: %v", err)
	}
}

func TestCommitDecreasesAvailableByExactlyN(t *testing.T) {
	r := New(32)
	r.Write([]byte("0123456789"))
	for _, n := range []int{1, 2, 3} {
		before := r.Available()
		v := r.Peek(before)
		r.Commit(n)
		if got, want := r.Available(), before-n; got != want {
			t.Fatalf("after Commit(%d): Available() = %d, want %d", n, got, want)
		}
		_ = v
	}
}

func TestWrapAroundView(t *testing.T) {
	r := New(8)
	r.Write([]byte("abcdef"))
	r.Commit(6)
	// Write cursor is now at 6 mod 8; writing 5 more bytes wraps.
	r.Write([]byte("ghijk"))
	v := r.Peek(5)
	if len(v.Seg1) == 0 || len(v.Seg2) == 0 {
		t.Fatalf("expected a wrapped two-segment view, got Seg1=%d Seg2=%d", len(v.Seg1), len(v.Seg2))
	}
	buf := make([]byte, v.Len())
	if got, want := string(v.Bytes(buf)), "ghijk"; got != want {
		t.Fatalf("wrapped view = %q, want %q", got, want)
	}
}

func TestCommitPanicsOnOverCommit(t *testing.T) {
	r := New(8)
	r.Write([]byte("ab"))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic committing past available bytes")
		}
	}()
	r.Commit(3)
}

func TestRandomizedFIFO(t *testing.T) {
	r := New(64)
	rng := rand.New(rand.NewSource(1))
	var written, read bytes.Buffer
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 && r.Free() > 0 {
			n := 1 + rng.Intn(r.Free())
			chunk := make([]byte, n)
			rng.Read(chunk)
			if _, err := r.Write(chunk); err != nil {
				t.Fatal(err)
			}
			written.Write(chunk)
		} else if r.Available() > 0 {
			n := 1 + rng.Intn(r.Available())
			v := r.Peek(n)
			buf := make([]byte, v.Len())
			read.Write(v.Bytes(buf))
			r.Commit(v.Len())
		}
	}
	v := r.Peek(r.Available())
	buf := make([]byte, v.Len())
	read.Write(v.Bytes(buf))
	r.Commit(v.Len())
	if !bytes.Equal(written.Bytes(), read.Bytes()) {
		t.Fatalf("FIFO violated: wrote %d bytes, read %d bytes differing", written.Len(), read.Len())
	}
}

func TestEmptyBufferYieldsEmptyView(t *testing.T) {
	r := New(8)
	v := r.Peek(8)
	if v.Len() != 0 {
		t.Fatalf("Peek on empty ring: Len() = %d, want 0", v.Len())
	}
}

package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(false, true, false)

	want := []bool{false, true, false, false} // last sample repeats
	for i, w := range want {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("read %d: got %v, want %v", i, got, w)
		}
	}
	if f.Reads != len(want) {
		t.Errorf("Reads = %d, want %d", f.Reads, len(want))
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	f := NewFakeReader()
	if _, err := f.Read(); err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(true)
	f.ReadError = errors.New("simulated error")

	_, err := f.Read()
	if err == nil || err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeReaderCloseAndReset(t *testing.T) {
	f := NewFakeReader(true, false)
	f.Read()

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}

	f.Reset()
	if f.Closed {
		t.Error("Reset should clear Closed")
	}
	got, _ := f.Read()
	if !got {
		t.Error("after reset: expected first sample again")
	}
}

func TestReaderInterface(t *testing.T) {
	var _ Reader = (*FakeReader)(nil)
	var _ Reader = (*RealReader)(nil)
}

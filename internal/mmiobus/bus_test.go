package mmiobus

import (
	"testing"

	"github.com/tinyrange/cc/internal/hv"
)

func newEchoDevice(base, size uint64, store *uint32) hv.SimpleMMIODevice {
	return hv.SimpleMMIODevice{
		Regions: []hv.MMIORegion{{Address: base, Size: size}},
		ReadFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			data[0] = byte(*store)
			return nil
		},
		WriteFunc: func(ctx hv.ExitContext, addr uint64, data []byte) error {
			*store = uint32(data[0])
			return nil
		},
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	b := New(nil)
	var v uint32
	dev := newEchoDevice(0x1000, 0x100, &v)
	if err := b.Register("echo", dev); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := b.Write(hv.NewExitContext(), 0x1000, []byte{0x42}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("device store = 0x%x, want 0x42", v)
	}

	var buf [1]byte
	if err := b.Read(hv.NewExitContext(), 0x1000, buf[:]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("read back = 0x%x, want 0x42", buf[0])
	}
}

func TestOverlapRejected(t *testing.T) {
	b := New(nil)
	var v1, v2 uint32
	if err := b.Register("a", newEchoDevice(0x1000, 0x100, &v1)); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := b.Register("b", newEchoDevice(0x1080, 0x100, &v2)); err == nil {
		t.Fatal("expected overlap error registering b")
	}
}

func TestMissReadsAsZero(t *testing.T) {
	b := New(nil)
	buf := []byte{0xFF, 0xFF}
	if err := b.Read(hv.NewExitContext(), 0xDEAD0000, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf[0] != 0 || buf[1] != 0 {
		t.Fatalf("miss read = %v, want zeroed", buf)
	}
}

func TestMissWriteIsIgnoredNotFatal(t *testing.T) {
	b := New(nil)
	if err := b.Write(hv.NewExitContext(), 0xDEAD0000, []byte{0x1}); err != nil {
		t.Fatalf("Write to unmapped address should not error, got: %v", err)
	}
}

package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// makeImageHeader builds a minimal valid Image: the 64-byte header and
// nothing else, which is all the probe and entry-point logic look at.
func makeImageHeader(t *testing.T, textOffset uint64) []byte {
	t.Helper()

	raw := make([]byte, imageHeaderSizeBytes)
	binary.LittleEndian.PutUint32(raw[0:4], 0xe59f0000) // placeholder code words
	binary.LittleEndian.PutUint32(raw[4:8], 0xe59ff000)
	binary.LittleEndian.PutUint64(raw[8:16], textOffset)
	binary.LittleEndian.PutUint64(raw[16:24], 0x200000) // image_size
	binary.LittleEndian.PutUint32(raw[56:60], arm64ImageMagic)
	return raw
}

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestKernelHeaderEntryPoint(t *testing.T) {
	for _, tc := range []struct {
		name       string
		textOffset uint64
		base       uint64
		want       uint64
		wantErr    bool
	}{
		{name: "zero base", textOffset: 0x400000, base: 0, want: 0x400000},
		{name: "aligned base", textOffset: 0x80000, base: 0x4000_0000, want: 0x4008_0000},
		{name: "unaligned base", textOffset: 0x100000, base: 0x1000, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := KernelHeader{TextOffset: tc.textOffset}
			entry, err := hdr.EntryPoint(tc.base)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error for an unaligned base")
				}
				return
			}
			if err != nil {
				t.Fatalf("EntryPoint: %v", err)
			}
			if entry != tc.want {
				t.Fatalf("EntryPoint = %#x, want %#x", entry, tc.want)
			}
		})
	}
}

func TestProbeRawImage(t *testing.T) {
	const textOffset = 0x80000
	img := makeImageHeader(t, textOffset)

	probe, err := ProbeKernelImage(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("ProbeKernelImage: %v", err)
	}
	if probe.NeedsDecompression {
		t.Fatal("raw Image flagged as needing decompression")
	}
	if probe.Header.TextOffset != textOffset {
		t.Fatalf("TextOffset = %#x, want %#x", probe.Header.TextOffset, textOffset)
	}

	payload, err := probe.ExtractImage(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("ExtractImage: %v", err)
	}
	if !bytes.Equal(payload, img) {
		t.Fatal("raw extraction did not return the file unchanged")
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	junk := bytes.Repeat([]byte{0x5a}, 256)
	if _, err := ProbeKernelImage(bytes.NewReader(junk), int64(len(junk))); err == nil {
		t.Fatal("expected an error for a file with neither Image nor gzip magic")
	}
}

func TestProbeGzipImage(t *testing.T) {
	for _, tc := range []struct {
		name     string
		stubSize int
	}{
		{name: "bare gzip", stubSize: 0},
		{name: "behind stub", stubSize: 96},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const textOffset = 0x200000
			raw := makeImageHeader(t, textOffset)
			img := append(bytes.Repeat([]byte{0xaa}, tc.stubSize), gzipBytes(t, raw)...)

			probe, err := ProbeKernelImage(bytes.NewReader(img), int64(len(img)))
			if err != nil {
				t.Fatalf("ProbeKernelImage: %v", err)
			}
			if !probe.NeedsDecompression {
				t.Fatal("gzip Image not flagged as needing decompression")
			}
			if probe.CompressedOffset != int64(tc.stubSize) {
				t.Fatalf("CompressedOffset = %d, want %d", probe.CompressedOffset, tc.stubSize)
			}
			if probe.Header.TextOffset != textOffset {
				t.Fatalf("TextOffset = %#x, want %#x", probe.Header.TextOffset, textOffset)
			}

			payload, err := probe.ExtractImage(bytes.NewReader(img), int64(len(img)))
			if err != nil {
				t.Fatalf("ExtractImage: %v", err)
			}
			if !bytes.Equal(payload, raw) {
				t.Fatal("unpacked payload does not match the original Image")
			}
		})
	}
}

// TestProbeLocalKernel exercises the probe against a real distribution
// kernel when one has been dropped into local/; skipped otherwise.
func TestProbeLocalKernel(t *testing.T) {
	kernelPath := filepath.Join("local", "vmlinux_arm64")
	f, err := os.Open(kernelPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Skipf("%s not present", kernelPath)
		}
		t.Fatalf("open kernel: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat kernel: %v", err)
	}

	probe, err := ProbeKernelImage(f, info.Size())
	if err != nil {
		t.Fatalf("ProbeKernelImage: %v", err)
	}
	if probe.Header.Magic != arm64ImageMagic {
		t.Fatalf("Magic = %#x, want %#x", probe.Header.Magic, arm64ImageMagic)
	}
	if probe.Header.ImageSize == 0 {
		t.Fatal("ImageSize = 0, want non-zero")
	}
	if _, err := probe.Header.EntryPoint(0); err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}

	payload, err := probe.ExtractImage(f, info.Size())
	if err != nil {
		t.Fatalf("ExtractImage: %v", err)
	}
	if len(payload) < imageHeaderSizeBytes {
		t.Fatalf("payload too small (%d bytes) to contain a header", len(payload))
	}
	if !bytes.Equal(payload[56:60], []byte{'A', 'R', 'M', 'd'}) {
		t.Fatalf("payload magic mismatch: got %q", payload[56:60])
	}
}

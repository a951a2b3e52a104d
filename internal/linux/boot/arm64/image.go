package arm64

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Every ARM64 Image starts with a fixed 64-byte header
	// (Documentation/arch/arm64/booting.rst in the kernel tree).
	imageHeaderSizeBytes = 64

	// The kernel must be placed text_offset bytes from a 2 MiB aligned base.
	imageLoadAlignment = 2 * 1024 * 1024

	arm64ImageMagic = 0x644d5241 // "ARM\x64"

	// Distributions often ship the Image wrapped in gzip, sometimes behind a
	// small self-decompression stub. gzipScanLimit bounds how far into the
	// file the stub search goes before giving up.
	gzipScanLimit = 1 << 20 // 1 MiB
)

// KernelHeader is the decoded 64-byte header at the start of a
// decompressed ARM64 Image.
type KernelHeader struct {
	Code0      uint32
	Code1      uint32
	TextOffset uint64
	ImageSize  uint64
	Flags      uint64
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32
	Res5       uint32
}

// EntryPoint returns where the CPU should jump, given the 2 MiB aligned
// base the Image was placed at.
func (h KernelHeader) EntryPoint(base uint64) (uint64, error) {
	if base&(imageLoadAlignment-1) != 0 {
		return 0, fmt.Errorf("arm64: kernel base %#x is not 2 MiB aligned", base)
	}
	return base + h.TextOffset, nil
}

// ImageProbe is what ProbeKernelImage learned about a kernel file: its
// decoded header, and whether (and where) a gzip payload has to be
// unpacked before the Image bytes can be placed in guest RAM.
type ImageProbe struct {
	Header             KernelHeader
	NeedsDecompression bool
	CompressedOffset   int64
}

// ProbeKernelImage decodes the kernel file's header, looking first for a
// raw Image and then for a gzip payload (bare or behind a decompression
// stub) when the raw magic is absent.
func ProbeKernelImage(reader io.ReaderAt, size int64) (*ImageProbe, error) {
	if reader == nil {
		return nil, errors.New("arm64: probe requires a reader")
	}
	if size <= 0 {
		return nil, fmt.Errorf("arm64: kernel size must be positive, got %d", size)
	}

	header, rawErr := headerAt(reader, 0)
	if rawErr == nil {
		return &ImageProbe{Header: header}, nil
	}

	offset, err := gzipOffset(reader, size)
	if err != nil {
		return nil, fmt.Errorf("arm64: no Image header: %w", rawErr)
	}

	header, err = headerFromGzip(reader, offset, size)
	if err != nil {
		return nil, err
	}

	return &ImageProbe{
		Header:             header,
		NeedsDecompression: true,
		CompressedOffset:   offset,
	}, nil
}

func decodeHeader(raw []byte) (KernelHeader, error) {
	if len(raw) < imageHeaderSizeBytes {
		return KernelHeader{}, fmt.Errorf("arm64: header truncated at %d bytes", len(raw))
	}

	h := KernelHeader{
		Code0:      binary.LittleEndian.Uint32(raw[0:4]),
		Code1:      binary.LittleEndian.Uint32(raw[4:8]),
		TextOffset: binary.LittleEndian.Uint64(raw[8:16]),
		ImageSize:  binary.LittleEndian.Uint64(raw[16:24]),
		Flags:      binary.LittleEndian.Uint64(raw[24:32]),
		Res2:       binary.LittleEndian.Uint64(raw[32:40]),
		Res3:       binary.LittleEndian.Uint64(raw[40:48]),
		Res4:       binary.LittleEndian.Uint64(raw[48:56]),
		Magic:      binary.LittleEndian.Uint32(raw[56:60]),
		Res5:       binary.LittleEndian.Uint32(raw[60:64]),
	}
	if h.Magic != arm64ImageMagic {
		return KernelHeader{}, fmt.Errorf("arm64: bad Image magic %#x", h.Magic)
	}
	return h, nil
}

func headerAt(reader io.ReaderAt, offset int64) (KernelHeader, error) {
	if offset < 0 {
		return KernelHeader{}, fmt.Errorf("arm64: negative header offset %d", offset)
	}
	raw := make([]byte, imageHeaderSizeBytes)
	if _, err := reader.ReadAt(raw, offset); err != nil {
		return KernelHeader{}, err
	}
	return decodeHeader(raw)
}

// gzipOffset scans the file's first gzipScanLimit bytes for a gzip magic,
// returning where the compressed stream begins.
func gzipOffset(reader io.ReaderAt, size int64) (int64, error) {
	if size < 2 {
		return 0, errors.New("arm64: file too small for a gzip stream")
	}
	scan := min(size, gzipScanLimit)

	prefix := make([]byte, scan)
	n, err := reader.ReadAt(prefix, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("arm64: read kernel prefix: %w", err)
	}

	idx := bytes.Index(prefix[:n], []byte{0x1f, 0x8b})
	if idx == -1 {
		return 0, fmt.Errorf("arm64: no gzip magic in the first %d bytes", scan)
	}
	return int64(idx), nil
}

// headerFromGzip decodes the Image header by unpacking just the first 64
// bytes of the compressed stream, leaving the bulk for ExtractImage.
func headerFromGzip(reader io.ReaderAt, offset, size int64) (KernelHeader, error) {
	if offset < 0 || offset >= size {
		return KernelHeader{}, fmt.Errorf("arm64: gzip offset %d outside file of %d bytes", offset, size)
	}

	gz, err := gzip.NewReader(io.NewSectionReader(reader, offset, size-offset))
	if err != nil {
		return KernelHeader{}, fmt.Errorf("arm64: open gzip stream: %w", err)
	}
	defer gz.Close()

	raw := make([]byte, imageHeaderSizeBytes)
	if _, err := io.ReadFull(gz, raw); err != nil {
		return KernelHeader{}, fmt.Errorf("arm64: unpack gzip header: %w", err)
	}
	return decodeHeader(raw)
}

// ExtractImage returns the full Image payload, unpacking the gzip stream
// when the probe found one. For a raw Image the result is the file's bytes
// unchanged.
func (p ImageProbe) ExtractImage(reader io.ReaderAt, size int64) ([]byte, error) {
	if reader == nil {
		return nil, errors.New("arm64: extract requires a reader")
	}
	if size <= 0 {
		return nil, fmt.Errorf("arm64: kernel size must be positive, got %d", size)
	}

	if !p.NeedsDecompression {
		data := make([]byte, int(size))
		if _, err := reader.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("arm64: read raw Image: %w", err)
		}
		return data, nil
	}

	if p.CompressedOffset < 0 || p.CompressedOffset >= size {
		return nil, fmt.Errorf("arm64: compressed offset %d outside file of %d bytes", p.CompressedOffset, size)
	}

	gz, err := gzip.NewReader(io.NewSectionReader(reader, p.CompressedOffset, size-p.CompressedOffset))
	if err != nil {
		return nil, fmt.Errorf("arm64: open gzip stream: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("arm64: unpack Image: %w", err)
	}
	return data, nil
}

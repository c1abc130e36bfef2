package sab

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

const (
	imageMagic   = 0x4D494C53 // "SLIM"
	imageVersion = 1
	imageChunk   = 64 * 1024
)

var ErrBadImage = errors.New("not a region image")

// SaveImage writes a brotli-compressed copy of the provider's contents to w.
func SaveImage(w io.Writer, provider MemoryProvider) error {
	bw := brotli.NewWriterLevel(w, brotli.BestCompression)

	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], imageMagic)
	binary.LittleEndian.PutUint32(hdr[4:], imageVersion)
	binary.LittleEndian.PutUint32(hdr[8:], provider.Size())
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("write image header: %w", err)
	}

	buf := make([]byte, imageChunk)
	for off := uint32(0); off < provider.Size(); {
		n := provider.Size() - off
		if n > imageChunk {
			n = imageChunk
		}
		if err := provider.ReadAt(off, buf[:n]); err != nil {
			return fmt.Errorf("read region at %d: %w", off, err)
		}
		if _, err := bw.Write(buf[:n]); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
		off += n
	}
	return bw.Close()
}

// LoadImage reads an image produced by SaveImage.
func LoadImage(r io.Reader) ([]byte, error) {
	br := brotli.NewReader(r)

	var hdr [12]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != imageMagic {
		return nil, ErrBadImage
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != imageVersion {
		return nil, fmt.Errorf("unsupported image version %d", v)
	}
	size := binary.LittleEndian.Uint32(hdr[8:])

	var out bytes.Buffer
	out.Grow(int(size))
	if _, err := io.CopyN(&out, br, int64(size)); err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	return out.Bytes(), nil
}

// RestoreImage copies an image into an existing provider of the same size.
func RestoreImage(provider MemoryProvider, image []byte) error {
	if uint32(len(image)) != provider.Size() {
		return fmt.Errorf("image size %d does not match region size %d", len(image), provider.Size())
	}
	return provider.WriteAt(0, image)
}

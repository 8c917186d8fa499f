// Package audio reads RIFF/WAVE files into the canonical PCM stream the
// decoders consume: mono, little-endian int16, at a fixed sample rate.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFormat is returned for input that is not 16-bit PCM WAVE.
var ErrFormat = errors.New("audio: unsupported format")

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Header holds the parsed fields of a WAVE file.
type Header struct {
	Format
	BitsPerSample int

	// DataOffset and DataSize locate the sample bytes in the file.
	DataOffset int64
	DataSize   int64
}

// ReadHeader parses the RIFF chunks of r up to the start of the data chunk.
// Unknown chunks are skipped. A data size that runs past the end of r, as
// written by streaming encoders, is clamped to the bytes actually present.
func ReadHeader(r io.ReadSeeker) (Header, error) {
	var h Header

	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return h, fmt.Errorf("%w: read RIFF header: %v", ErrFormat, err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return h, fmt.Errorf("%w: not a RIFF/WAVE file", ErrFormat)
	}

	fmtFound := false
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return h, fmt.Errorf("%w: missing data chunk", ErrFormat)
			}
			return h, fmt.Errorf("audio: read chunk header: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			if err := readFmtChunk(r, chunk.Size, &h); err != nil {
				return h, err
			}
			fmtFound = true

		case "data":
			if !fmtFound {
				return h, fmt.Errorf("%w: data chunk before fmt chunk", ErrFormat)
			}
			off, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return h, fmt.Errorf("audio: locate data chunk: %w", err)
			}
			end, err := r.Seek(0, io.SeekEnd)
			if err != nil {
				return h, fmt.Errorf("audio: locate data chunk: %w", err)
			}
			h.DataOffset = off
			h.DataSize = min(int64(chunk.Size), end-off)
			return h, nil

		default:
			// Chunks are padded to an even size.
			skip := int64(chunk.Size) + int64(chunk.Size%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return h, fmt.Errorf("audio: skip chunk %q: %w", chunk.ID[:], err)
			}
		}
	}
}

func readFmtChunk(r io.ReadSeeker, size uint32, h *Header) error {
	var f struct {
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}
	const consumed = 16
	if size < consumed {
		return fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrFormat, size)
	}
	if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
		return fmt.Errorf("%w: read fmt chunk: %v", ErrFormat, err)
	}
	if f.AudioFormat != formatPCM && f.AudioFormat != formatExtensible {
		return fmt.Errorf("%w: audio format %d, only PCM is supported", ErrFormat, f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("%w: %d bits per sample, only 16 is supported", ErrFormat, f.BitsPerSample)
	}
	if f.Channels == 0 || f.SampleRate == 0 {
		return fmt.Errorf("%w: %d channels at %dHz", ErrFormat, f.Channels, f.SampleRate)
	}
	h.Channels = int(f.Channels)
	h.SampleRate = int(f.SampleRate)
	h.BitsPerSample = int(f.BitsPerSample)

	extra := int64(size-consumed) + int64(size%2)
	if extra > 0 {
		if _, err := r.Seek(extra, io.SeekCurrent); err != nil {
			return fmt.Errorf("audio: skip extra fmt bytes: %w", err)
		}
	}
	return nil
}

// PCM is a seekable canonical sample stream. Read, Seek and Size cover the
// whole stream regardless of the current position.
type PCM struct {
	*io.SectionReader

	// Source is the format of the input file.
	Source Format

	// SampleRate of the stream; it is always mono.
	SampleRate int
}

// Duration returns the stream length in seconds.
func (p *PCM) Duration() float64 {
	return float64(p.Size()) / float64(2*p.SampleRate)
}

// Decode reads a WAVE file and returns its samples as mono PCM at rate. Input
// already in that format is served straight from r when r is an
// [io.ReaderAt]; anything else is converted in memory.
func Decode(r io.ReadSeeker, rate int) (*PCM, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	blockAlign := int64(h.Channels * 2)
	size := h.DataSize - h.DataSize%blockAlign

	if h.Channels == 1 && h.SampleRate == rate {
		if ra, ok := r.(io.ReaderAt); ok {
			return &PCM{
				SectionReader: io.NewSectionReader(ra, h.DataOffset, size),
				Source:        h.Format,
				SampleRate:    rate,
			}, nil
		}
	}

	if _, err := r.Seek(h.DataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("audio: seek to samples: %w", err)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("audio: read samples: %w", err)
	}
	out, err := Convert(raw, h.Format, rate)
	if err != nil {
		return nil, err
	}
	return &PCM{
		SectionReader: io.NewSectionReader(bytes.NewReader(out), 0, int64(len(out))),
		Source:        h.Format,
		SampleRate:    rate,
	}, nil
}

// Encode writes mono 16-bit pcm at rate as a WAVE file.
func Encode(w io.Writer, pcm []byte, rate int) error {
	hdr := struct {
		RIFF          [4]byte
		Size          uint32
		WAVE          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		RIFF: [4]byte{'R', 'I', 'F', 'F'}, Size: uint32(36 + len(pcm)),
		WAVE: [4]byte{'W', 'A', 'V', 'E'}, Fmt: [4]byte{'f', 'm', 't', ' '}, FmtSize: 16,
		AudioFormat: formatPCM, Channels: 1, SampleRate: uint32(rate),
		ByteRate: uint32(rate * 2), BlockAlign: 2, BitsPerSample: 16,
		Data: [4]byte{'d', 'a', 't', 'a'}, DataSize: uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("audio: write header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write samples: %w", err)
	}
	return nil
}

// Package stream decodes the container runtime's multiplexed output
// stream into fd-tagged chunks. Frame boundaries are preserved; a chunk
// that is not valid UTF-8 is hex-encoded instead of dropped, and a
// trailing partial code point is carried into the next chunk on the same
// fd so multi-byte runes are never split across events.
package stream

import (
	"encoding/hex"
	"io"
	"unicode/utf8"

	"github.com/docker/docker/pkg/stdcopy"
)

// FD identifies the originating stream of a chunk.
type FD string

const (
	Stdout FD = "stdout"
	Stderr FD = "stderr"
)

// Chunk is one demultiplexed output frame.
type Chunk struct {
	FD   FD
	Data string
	// Hex is set when Data is the hex encoding of bytes that were not
	// valid UTF-8.
	Hex bool
}

// Demux reads a multiplexed stream until EOF, invoking emit once per
// frame. Any bytes still held in a carry buffer at EOF are flushed as a
// final chunk.
func Demux(r io.Reader, emit func(Chunk)) error {
	out := &fdWriter{fd: Stdout, emit: emit}
	errw := &fdWriter{fd: Stderr, emit: emit}
	_, err := stdcopy.StdCopy(out, errw, r)
	out.flush()
	errw.flush()
	if err == io.EOF {
		err = nil
	}
	return err
}

// fdWriter receives whole frames from stdcopy, one Write per frame.
type fdWriter struct {
	fd    FD
	emit  func(Chunk)
	carry []byte
}

func (w *fdWriter) Write(p []byte) (int, error) {
	n := len(p)
	buf := p
	if len(w.carry) > 0 {
		buf = append(w.carry, p...)
		w.carry = nil
	}

	// Hold back a trailing partial rune for the next frame.
	whole, rest := splitPartialRune(buf)
	if len(rest) > 0 {
		w.carry = append([]byte(nil), rest...)
	}
	if len(whole) == 0 {
		return n, nil
	}

	if utf8.Valid(whole) {
		w.emit(Chunk{FD: w.fd, Data: string(whole)})
	} else {
		w.emit(Chunk{FD: w.fd, Data: hex.EncodeToString(whole), Hex: true})
	}
	return n, nil
}

// flush emits whatever is still carried; at end of stream a partial rune
// can no longer complete, so it goes out hex-encoded.
func (w *fdWriter) flush() {
	if len(w.carry) == 0 {
		return
	}
	data := w.carry
	w.carry = nil
	if utf8.Valid(data) {
		w.emit(Chunk{FD: w.fd, Data: string(data)})
		return
	}
	w.emit(Chunk{FD: w.fd, Data: hex.EncodeToString(data), Hex: true})
}

// splitPartialRune splits buf so that rest holds an incomplete UTF-8
// sequence at the tail, if any. Binary data that merely ends with
// high-bit bytes is bounded by UTFMax so at most three bytes are held.
func splitPartialRune(buf []byte) (whole, rest []byte) {
	for i := len(buf) - 1; i >= 0 && len(buf)-i < utf8.UTFMax; i-- {
		b := buf[i]
		if b < utf8.RuneSelf {
			break
		}
		if !utf8.RuneStart(b) {
			continue
		}
		// Found the start of the trailing sequence: hold it back only
		// if it is a truncated multi-byte rune.
		if r, size := utf8.DecodeRune(buf[i:]); r == utf8.RuneError && size == 1 && len(buf)-i < runeLen(b) {
			return buf[:i], buf[i:]
		}
		break
	}
	return buf, nil
}

func runeLen(b byte) int {
	switch {
	case b&0xE0 == 0xC0:
		return 2
	case b&0xF0 == 0xE0:
		return 3
	case b&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// Package ndjson reads newline-delimited JSON records.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// MaxLineSize bounds a single record. Longer lines are discarded.
const MaxLineSize = 16 << 20

// ErrLineTooLong is returned by ReadLine for a discarded oversize line.
var ErrLineTooLong = errors.New("ndjson: line too long")

// Reader yields one record per line. Blank lines are skipped.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next non-blank line without its terminator. The
// returned slice is owned by the caller. At end of input it returns io.EOF;
// a final line without a newline is still returned first.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.readRaw()
		if err != nil && len(line) == 0 {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return line, nil
	}
}

func (r *Reader) readRaw() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		if err != nil {
			return buf, err
		}
		if len(buf)+len(chunk) > MaxLineSize {
			// Drain the rest of the line before reporting.
			for isPrefix {
				if _, isPrefix, err = r.r.ReadLine(); err != nil {
					return nil, err
				}
			}
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return buf, nil
		}
	}
}

// ReadRecord returns the next line that is valid JSON. Malformed and
// oversize lines are passed to skipped, when non-nil, and otherwise ignored.
func (r *Reader) ReadRecord(skipped func(line []byte, err error)) ([]byte, error) {
	for {
		line, err := r.ReadLine()
		if errors.Is(err, ErrLineTooLong) {
			if skipped != nil {
				skipped(nil, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !json.Valid(line) {
			if skipped != nil {
				skipped(line, errors.New("ndjson: malformed line"))
			}
			continue
		}
		return line, nil
	}
}

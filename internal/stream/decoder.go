// Package stream decodes the `data: <payload>` record stream served by the AI
// endpoints and classifies each payload.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	dataPrefix = "data: "
	readSize   = 4096
)

var recordSeparator = []byte("\n\n")

// Decoder splits a byte stream into `data: ` payloads. Records are separated
// by a blank line; an unterminated tail is held back until a later chunk
// completes it. Splitting happens on raw bytes, so a multi-byte character cut
// across two chunks is reassembled before it is ever converted to a string.
type Decoder struct {
	pending []byte
}

// Feed appends chunk and returns the payloads of every record it completed,
// in arrival order. Records without the `data: ` prefix are skipped.
func (d *Decoder) Feed(chunk []byte) []string {
	d.pending = append(d.pending, chunk...)

	var payloads []string
	for {
		idx := bytes.Index(d.pending, recordSeparator)
		if idx < 0 {
			break
		}
		record := d.pending[:idx]
		if bytes.HasPrefix(record, []byte(dataPrefix)) {
			payloads = append(payloads, string(record[len(dataPrefix):]))
		}
		d.pending = d.pending[idx+len(recordSeparator):]
	}

	if len(d.pending) == 0 {
		d.pending = nil
	}
	return payloads
}

// Pending returns the retained partial record.
func (d *Decoder) Pending() []byte {
	return d.pending
}

// Read pumps r through a Decoder and hands every payload to fn in order. It
// returns nil on a clean EOF, ctx.Err() when the context ends the read, or
// the first error from r or fn. A trailing partial record at EOF is dropped.
func Read(ctx context.Context, r io.Reader, fn func(payload string) error) error {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	var dec Decoder
	buf := make([]byte, readSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, payload := range dec.Feed(buf[:n]) {
				if err := fn(payload); err != nil {
					return err
				}
			}
		}

		if readErr == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		return fmt.Errorf("read stream: %w", readErr)
	}
}

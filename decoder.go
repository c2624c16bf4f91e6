// decoder.go
//
// Record decoding for consumers of the chunk stream. A RecordReader parses
// the increment records of consecutive chunk bodies, undoing the header id
// compression, the VBAS offset and length and returning the payload. It
// reads through a quantized ring buffer so that records are handed out as
// slices of one pre-allocated buffer without copying.

package jpipserve

import (
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-qringbuf"
)

// Record is one decoded increment record.
type Record struct {
	Class  UnitClass
	Stream int
	BinID  int64

	// Offset is the position of Data within the data bin.
	Offset int64

	// Complete is set on the record that ends its data bin.
	Complete bool

	// Data aliases the reader's buffer and is only valid until the next
	// call to Next.
	Data []byte
}

// RecordReader decodes records from a stream of chunk bodies, in the order
// the chunks were generated and without their transport prefixes. Extra
// data pushed with PushExtraData is not record-structured and must not be
// fed to it.
type RecordReader struct {
	qrb       *qringbuf.QuantizedRingBuffer
	minRegion int
	ids       idDecoder

	reg *qringbuf.Region
	pos int

	// end is the error delivered with the current region; once set, no
	// more data will follow the region.
	end error

	read int64
}

// NewRecordReader starts decoding r. maxRecord is the largest record the
// stream can contain; a chunk body size is always enough because records
// never span chunks.
func NewRecordReader(r io.Reader, maxRecord int) (*RecordReader, error) {
	const sector = 4096
	minRegion := max(maxRecord, 64)
	size := max(4*minRegion, 3*sector)
	qrb, err := qringbuf.NewFromReader(r, qringbuf.Config{
		MinRegion:  minRegion,
		MinRead:    max(minRegion/2, 1),
		BufferSize: size,
		MaxCopy:    minRegion,
		SectorSize: sector,
	})
	if err != nil {
		return nil, fmt.Errorf("record reader: %w", err)
	}
	if err := qrb.StartFill(0); err != nil {
		return nil, fmt.Errorf("record reader: %w", err)
	}
	return &RecordReader{qrb: qrb, minRegion: minRegion}, nil
}

// Next returns the next record, or io.EOF at the end of a well-formed
// stream.
func (rr *RecordReader) Next() (Record, error) {
	for {
		if rr.reg != nil {
			rem := rr.reg.Bytes()[rr.pos:]
			if len(rem) > 0 && (len(rem) >= rr.minRegion || rr.end != nil || rr.pos == 0) {
				rec, n, err := rr.parse(rem)
				if err != nil {
					return Record{}, fmt.Errorf("record at byte %d: %w", rr.read, err)
				}
				rr.pos += n
				rr.read += int64(n)
				return rec, nil
			}
			if len(rem) == 0 && rr.end != nil {
				return Record{}, rr.terminal(rr.end)
			}
		}
		remainder := 0
		if rr.reg != nil {
			remainder = rr.reg.Size() - rr.pos
		}
		reg, err := rr.qrb.NextRegion(remainder)
		if reg == nil {
			rr.reg = nil
			return Record{}, rr.terminal(err)
		}
		rr.reg, rr.pos, rr.end = reg, 0, err
	}
}

func (rr *RecordReader) terminal(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, qringbuf.ErrCollectorStopped) {
		return io.EOF
	}
	return fmt.Errorf("record reader: %w", err)
}

// parse decodes one record from the front of src.
func (rr *RecordReader) parse(src []byte) (Record, int, error) {
	bad := ErrMalformedRecord
	if rr.end != nil || len(src) < rr.minRegion {
		bad = ErrTruncatedRecord
	}
	cls, stream, bin, complete, n := rr.ids.decode(src)
	if n == 0 {
		return Record{}, 0, bad
	}
	off, m := readVBAS(src[n:])
	if m == 0 {
		return Record{}, 0, bad
	}
	n += m
	length, m := readVBAS(src[n:])
	if m == 0 {
		return Record{}, 0, bad
	}
	n += m
	if length > int64(len(src)-n) {
		return Record{}, 0, bad
	}
	rec := Record{
		Class:    cls,
		Stream:   stream,
		BinID:    bin,
		Offset:   off,
		Complete: complete,
		Data:     src[n : n+int(length)],
	}
	return rec, n + int(length), nil
}

// Close stops the background reader.
func (rr *RecordReader) Close() error {
	rr.qrb.StopFill()
	return nil
}

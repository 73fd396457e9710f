// Package caibx reads the external .caibx index file format: the
// ordered list of chunk IDs that compose a target file, as produced
// by the content-defined chunker, an external collaborator outside
// this module. This package only consumes the format; the chunker is
// the producer.
package caibx

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/archsync/archsync/archsyncerr"
	"github.com/archsync/archsync/chunkid"
)

// indexHeaderSize is the fixed byte width of each of the two leading
// headers.
const indexHeaderSize = 16

// indexHeaderType identifies the first header (the index header
// itself).
const indexHeaderType uint64 = 0x96824d9c7b129ff9

// indexHeaderPayloadSize is the expected payload_size field of the
// index header.
const indexHeaderPayloadSize uint64 = 48

// tableHeaderType identifies the second header (the chunk table
// header).
const tableHeaderType uint64 = 0xe75b9e112f17417d

// tableHeaderPayloadSize is the sentinel payload_size field of the
// table header: u64::MAX, since the table's length is not known
// upfront.
const tableHeaderPayloadSize uint64 = ^uint64(0)

// Read parses a .caibx index stream and returns the ordered chunk
// IDs it lists. Offsets recorded in the file are a hint for the
// producer side only; Read ignores them except to detect the
// zero-offset terminator.
func Read(r io.Reader) ([]chunkid.ID, error) {
	if err := readIndexHeader(r); err != nil {
		return nil, err
	}
	if err := readTableHeader(r); err != nil {
		return nil, err
	}

	var ids []chunkid.ID
	for {
		var record [8 + chunkid.Size]byte
		n, err := io.ReadFull(r, record[:])
		if err != nil {
			if err == io.EOF && n == 0 {
				return ids, nil
			}
			if err == io.ErrUnexpectedEOF {
				return nil, &archsyncerr.MalformedIndexError{Reason: "truncated chunk table record"}
			}
			return nil, fmt.Errorf("caibx: reading chunk table record: %w", err)
		}

		offset := binary.LittleEndian.Uint64(record[:8])
		if offset == 0 {
			return ids, nil
		}

		id, err := chunkid.FromBytes(record[8:])
		if err != nil {
			return nil, fmt.Errorf("caibx: decoding chunk hash: %w", err)
		}
		ids = append(ids, id)
	}
}

func readIndexHeader(r io.Reader) error {
	payloadSize, headerType, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("caibx: reading index header: %w", err)
	}
	if headerType != indexHeaderType || payloadSize != indexHeaderPayloadSize {
		return &archsyncerr.MalformedIndexError{
			Reason: fmt.Sprintf("index header mismatch: got (payload_size=%d, type=0x%x), want (48, 0x%x)",
				payloadSize, headerType, indexHeaderType),
		}
	}
	// Skip the remainder of the index header's declared payload.
	remaining := int64(payloadSize) - indexHeaderSize
	if remaining > 0 {
		if _, err := io.CopyN(io.Discard, r, remaining); err != nil {
			return fmt.Errorf("caibx: skipping index header payload: %w", err)
		}
	}
	return nil
}

func readTableHeader(r io.Reader) error {
	payloadSize, headerType, err := readHeader(r)
	if err != nil {
		return fmt.Errorf("caibx: reading table header: %w", err)
	}
	if headerType != tableHeaderType || payloadSize != tableHeaderPayloadSize {
		return &archsyncerr.MalformedIndexError{
			Reason: fmt.Sprintf("table header mismatch: got (payload_size=0x%x, type=0x%x), want (u64::MAX, 0x%x)",
				payloadSize, headerType, tableHeaderType),
		}
	}
	return nil
}

func readHeader(r io.Reader) (payloadSize, headerType uint64, err error) {
	var buf [indexHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, err
	}
	payloadSize = binary.LittleEndian.Uint64(buf[:8])
	headerType = binary.LittleEndian.Uint64(buf[8:])
	return payloadSize, headerType, nil
}

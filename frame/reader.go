package frame

import (
	"encoding/binary"
	"fmt"
)

// EncryptedDataRange identifies a slice of an outer buffer holding
// ciphertext plus trailing AEAD tag, deferring the actual decrypt call to
// the owner of the key (mirrors the source's EncryptedDataRangeReader,
// which hands back ranges rather than copies while decoding a payload).
type EncryptedDataRange struct {
	// Data is the [offset, offset+length) range within the buffer the
	// Reader was constructed over, covering ciphertext only (excluding
	// the trailing AEAD tag).
	Data  [2]int
	bytes []byte
}

// Bytes returns the full ciphertext-plus-tag slice (offset..offset+length+tag).
func (r EncryptedDataRange) Bytes() []byte { return r.bytes }

// Reader is a cursor over a fixed byte buffer, used to decode the
// fixed-layout sub-fields of a payload. Any read past the end of the
// buffer is a fatal decoding error for the enclosing payload.
type Reader struct {
	data   []byte
	offset int
}

// NewReader wraps data for sequential decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.offset }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("reader: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// Skip advances the cursor by n bytes without returning them.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return fmt.Errorf("skip: %w", err)
	}
	r.offset += n
	return nil
}

// ReadFixed returns the next n bytes as a freshly allocated slice.
func (r *Reader) ReadFixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, fmt.Errorf("read fixed(%d): %w", n, err)
	}
	out := make([]byte, n)
	copy(out, r.data[r.offset:r.offset+n])
	r.offset += n
	return out, nil
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, fmt.Errorf("read u8: %w", err)
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

// ReadU16LE reads a little-endian uint16.
func (r *Reader) ReadU16LE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, fmt.Errorf("read u16le: %w", err)
	}
	v := binary.LittleEndian.Uint16(r.data[r.offset : r.offset+2])
	r.offset += 2
	return v, nil
}

// ReadU32LE reads a little-endian uint32.
func (r *Reader) ReadU32LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, fmt.Errorf("read u32le: %w", err)
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset : r.offset+4])
	r.offset += 4
	return v, nil
}

// ReadEncryptedDataRange slices out ciphertextLen bytes of ciphertext plus
// a trailing tagLen-byte AEAD tag, returning the range without decrypting.
func (r *Reader) ReadEncryptedDataRange(ciphertextLen, tagLen int) (EncryptedDataRange, error) {
	total := ciphertextLen + tagLen
	if err := r.need(total); err != nil {
		return EncryptedDataRange{}, fmt.Errorf("read encrypted range: %w", err)
	}
	start := r.offset
	end := r.offset + total
	out := EncryptedDataRange{
		Data:  [2]int{start, start + ciphertextLen},
		bytes: r.data[start:end],
	}
	r.offset = end
	return out, nil
}

// ExpectConsumed returns an error if any bytes remain unread.
func (r *Reader) ExpectConsumed() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("expected all bytes consumed, %d remaining", r.Remaining())
	}
	return nil
}

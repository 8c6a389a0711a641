package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/threema-ch/libthreema-go/protoerr"
)

func TestLengthDelimitedDecoderSingleChunk(t *testing.T) {
	payload := []byte("hello")
	wire, err := EncodeOutgoing(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewLengthDelimitedDecoder()
	d.AddChunk(wire)
	got, err := d.DecodeNext(1024)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}

	again, err := d.DecodeNext(1024)
	if err != nil || again != nil {
		t.Fatalf("expected no further frame, got %q, %v", again, err)
	}
}

func TestLengthDelimitedDecoderArbitraryChunking(t *testing.T) {
	frames := [][]byte{[]byte("abc"), []byte(""), []byte("a longer payload here")}
	var stream []byte
	for _, f := range frames {
		wire, err := EncodeOutgoing(f)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, wire...)
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 25; trial++ {
		d := NewLengthDelimitedDecoder()
		var decoded [][]byte
		pos := 0
		for pos < len(stream) {
			chunkLen := 1 + rng.Intn(7)
			if pos+chunkLen > len(stream) {
				chunkLen = len(stream) - pos
			}
			d.AddChunk(stream[pos : pos+chunkLen])
			pos += chunkLen
			for {
				f, err := d.DecodeNext(1024)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				if f == nil {
					break
				}
				decoded = append(decoded, f)
			}
		}
		if len(decoded) != len(frames) {
			t.Fatalf("trial %d: got %d frames, want %d", trial, len(decoded), len(frames))
		}
		for i := range frames {
			if !bytes.Equal(decoded[i], frames[i]) {
				t.Fatalf("trial %d: frame %d mismatch: got %q want %q", trial, i, decoded[i], frames[i])
			}
		}
	}
}

func TestLengthDelimitedDecoderTooLarge(t *testing.T) {
	wire, err := EncodeOutgoing(make([]byte, 100))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewLengthDelimitedDecoder()
	d.AddChunk(wire)
	_, err = d.DecodeNext(10)
	var tooLarge *protoerr.FrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
	if tooLarge.Max != 10 || tooLarge.Announced != 100 {
		t.Fatalf("unexpected fields: %+v", tooLarge)
	}
}

func TestLengthDelimitedDecoderDoesNotConsumePartialHeader(t *testing.T) {
	d := NewLengthDelimitedDecoder()
	d.AddChunk([]byte{1, 2})
	f, err := d.DecodeNext(1024)
	if err != nil || f != nil {
		t.Fatalf("expected no frame yet, got %q, %v", f, err)
	}
}

func TestLengthDelimitedDecoderU16RoundTrip(t *testing.T) {
	payload := []byte("csp payload")
	wire, err := EncodeOutgoingU16(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d := NewLengthDelimitedDecoderU16()
	d.AddChunk(wire[:3])
	if got, err := d.DecodeNext(1024); err != nil || got != nil {
		t.Fatalf("expected no frame yet, got %q, %v", got, err)
	}
	d.AddChunk(wire[3:])
	got, err := d.DecodeNext(1024)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestLengthDelimitedDecoderU16TooLarge(t *testing.T) {
	wire, err := EncodeOutgoingU16(make([]byte, 100))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d := NewLengthDelimitedDecoderU16()
	d.AddChunk(wire)
	_, err = d.DecodeNext(10)
	var tooLarge *protoerr.FrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FrameTooLarge, got %v", err)
	}
}

func TestFixedLengthDecoder(t *testing.T) {
	d := NewFixedLengthDecoder(4)
	if got := d.RequiredLength(); got != 4 {
		t.Fatalf("required length = %d, want 4", got)
	}
	d.AddChunk([]byte{1, 2})
	if _, ok := d.Next(); ok {
		t.Fatalf("expected not ready")
	}
	if got := d.RequiredLength(); got != 2 {
		t.Fatalf("required length = %d, want 2", got)
	}
	d.AddChunk([]byte{3, 4, 5})
	frame, ok := d.Next()
	if !ok {
		t.Fatalf("expected a frame")
	}
	if !bytes.Equal(frame, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", frame)
	}
	remaining, ok := d.Next()
	if ok {
		t.Fatalf("unexpected extra frame %v", remaining)
	}
}

func TestReaderSequentialDecode(t *testing.T) {
	data := []byte{0xAA, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xBE, 0xEF}
	r := NewReader(data)
	if err := r.Skip(1); err != nil {
		t.Fatalf("skip: %v", err)
	}
	u32, err := r.ReadU32LE()
	if err != nil || u32 != 0x04030201 {
		t.Fatalf("u32 = %x, %v", u32, err)
	}
	u16, err := r.ReadU16LE()
	if err != nil || u16 != 0x0605 {
		t.Fatalf("u16 = %x, %v", u16, err)
	}
	rest, err := r.ReadFixed(2)
	if err != nil || !bytes.Equal(rest, []byte{0xBE, 0xEF}) {
		t.Fatalf("rest = %v, %v", rest, err)
	}
	if err := r.ExpectConsumed(); err != nil {
		t.Fatalf("expect consumed: %v", err)
	}
}

func TestReaderErrorsOnShortInput(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadU32LE(); err == nil {
		t.Fatalf("expected error reading u32 from 2 bytes")
	}
}

func FuzzLengthDelimitedDecoder(f *testing.F) {
	seed, _ := EncodeOutgoing([]byte("seed frame"))
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewLengthDelimitedDecoder()
		d.AddChunk(data)
		for i := 0; i < 64; i++ {
			if _, err := d.DecodeNext(1 << 16); err != nil {
				return
			}
		}
	})
}

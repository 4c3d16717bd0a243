package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func sampleHeader(version byte) *FileHeader {
	h := &FileHeader{
		Version:   version,
		AEADAlg:   AEADAES256GCM,
		SigAlg:    SigEd25519,
		HashAlg:   HashSHA256,
		KDFAlg:    KDFHKDF,
		ChunkSize: 4096,
	}
	for i := range h.KeyID {
		h.KeyID[i] = byte(i)
	}
	for i := range h.DeviceID {
		h.DeviceID[i] = byte(i + 100)
	}
	copy(h.NoncePrefix[:], []byte{0xCA, 0xFE, 0xBA, 0xBE})
	return h
}

func TestFileHeaderMarshalSizes(t *testing.T) {
	tests := []struct {
		version byte
		want    int
	}{
		{VersionLegacy, 58},
		{VersionCurrent, 66},
	}

	for _, tt := range tests {
		data, err := sampleHeader(tt.version).Marshal()
		if err != nil {
			t.Fatalf("Marshal(v%d) error: %v", tt.version, err)
		}
		if len(data) != tt.want {
			t.Errorf("Marshal(v%d) length = %d, want %d", tt.version, len(data), tt.want)
		}
	}
}

func TestFileHeaderRoundTrip(t *testing.T) {
	for _, version := range []byte{VersionLegacy, VersionCurrent} {
		h := sampleHeader(version)
		data, err := h.Marshal()
		if err != nil {
			t.Fatalf("Marshal(v%d) error: %v", version, err)
		}
		got, err := UnmarshalFileHeader(data)
		if err != nil {
			t.Fatalf("UnmarshalFileHeader(v%d) error: %v", version, err)
		}
		if *got != *h {
			t.Errorf("v%d round trip mismatch:\ngot  %+v\nwant %+v", version, got, h)
		}
	}
}

func TestFileHeaderLegacyImplicitAlgorithms(t *testing.T) {
	// A version-1 header has no bytes for the signature, hash or KDF choice;
	// marshaling one that deviates from the implicit set must fail instead of
	// silently dropping the deviation.
	tests := []struct {
		name   string
		mutate func(h *FileHeader)
	}{
		{name: "blake3 hash", mutate: func(h *FileHeader) { h.HashAlg = HashBLAKE3 }},
		{name: "sha3-256 hash", mutate: func(h *FileHeader) { h.HashAlg = HashSHA3256 }},
		{name: "pbkdf2", mutate: func(h *FileHeader) { h.KDFAlg = KDFPBKDF2SHA256 }},
		{name: "scrypt", mutate: func(h *FileHeader) { h.KDFAlg = KDFScrypt }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := sampleHeader(VersionLegacy)
			tt.mutate(h)
			if _, err := h.Marshal(); !errors.Is(err, ErrUnsupportedAlgorithm) {
				t.Errorf("Marshal() error = %v, want ErrUnsupportedAlgorithm", err)
			}
		})
	}
}

func TestUnmarshalFileHeaderRejections(t *testing.T) {
	valid, err := sampleHeader(VersionCurrent).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func() []byte
		wantErr error
	}{
		{
			name: "v2 header with v1 length",
			mutate: func() []byte {
				// Truncate to 58 bytes while still declaring version 2.
				return valid[:headerSizeV1]
			},
			wantErr: ErrHeaderLength,
		},
		{
			name: "oversized header",
			mutate: func() []byte {
				return append(append([]byte{}, valid...), 0x00)
			},
			wantErr: ErrHeaderLength,
		},
		{
			name: "unknown version",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				data[0] = 9
				return data
			},
			wantErr: ErrUnsupportedVersion,
		},
		{
			name: "unknown AEAD id",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				data[1] = 0x7F
				return data
			},
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name: "unknown signature id",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				data[2] = 0x40
				return data
			},
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name: "unknown hash id",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				data[3] = 0x00
				return data
			},
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name: "unknown KDF id",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				data[4] = 0x09
				return data
			},
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name: "zero chunk size",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				binary.BigEndian.PutUint32(data[60:64], 0)
				return data
			},
			wantErr: ErrChunkSizeBound,
		},
		{
			name: "chunk size at bound",
			mutate: func() []byte {
				data := append([]byte{}, valid...)
				binary.BigEndian.PutUint32(data[60:64], MaxChunkSize)
				return data
			},
			wantErr: ErrChunkSizeBound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFileHeader(tt.mutate())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("UnmarshalFileHeader() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseStreamBadMagic(t *testing.T) {
	data := []byte{'X', 'X', 'X', 'X', VersionCurrent}
	if _, err := ParseStream(bytes.NewReader(data)); !errors.Is(err, ErrBadMagic) {
		t.Errorf("ParseStream() error = %v, want ErrBadMagic", err)
	}
}

func TestParseStreamTruncatedPreamble(t *testing.T) {
	if _, err := ParseStream(bytes.NewReader(Magic[:3])); !errors.Is(err, ErrTruncatedStream) {
		t.Errorf("ParseStream() error = %v, want ErrTruncatedStream", err)
	}
}

func TestParseStreamVersionLengthMismatch(t *testing.T) {
	// A stream declaring version 2 but framing a 58-byte header must fail on
	// the length check, never be silently treated as version 1.
	v1Header, err := sampleHeader(VersionLegacy).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(VersionCurrent)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(v1Header)))
	buf.Write(lenBuf[:])
	buf.Write(v1Header)

	if _, err := ParseStream(&buf); !errors.Is(err, ErrHeaderLength) {
		t.Errorf("ParseStream() error = %v, want ErrHeaderLength", err)
	}
}

func TestParseStreamHeaderHashMismatch(t *testing.T) {
	headerBytes, err := sampleHeader(VersionCurrent).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(VersionCurrent)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(make([]byte, digestSize))       // wrong header hash
	buf.Write(make([]byte, saltSize))         // salt
	buf.Write(make([]byte, kxPublicKeySize)) // sender key

	if _, err := ParseStream(&buf); !errors.Is(err, ErrHeaderHashMismatch) {
		t.Errorf("ParseStream() error = %v, want ErrHeaderHashMismatch", err)
	}
}

func TestParseStreamSequenceGap(t *testing.T) {
	identity := newTestIdentity(t)
	engine, err := NewEngine(identity, Options{ChunkSize: 64})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	var sealed bytes.Buffer
	if _, err := engine.Seal(&sealed, bytes.NewReader(deterministicData(256)), identity.KXPublicKey()); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	stream, err := ParseStream(bytes.NewReader(sealed.Bytes()))
	if err != nil {
		t.Fatalf("ParseStream() error: %v", err)
	}
	if len(stream.Records) < 3 {
		t.Fatalf("expected multiple records, got %d", len(stream.Records))
	}

	// Rewrite the stream with the middle record removed: the gap must abort
	// the parse at the framing layer.
	var tampered bytes.Buffer
	if err := writePreamble(&tampered, stream.Version); err != nil {
		t.Fatalf("writePreamble() error: %v", err)
	}
	if err := writeStreamHeader(&tampered, stream.Header); err != nil {
		t.Fatalf("writeStreamHeader() error: %v", err)
	}
	for i, rec := range stream.Records {
		if i == 1 {
			continue
		}
		if err := writeRecord(&tampered, rec); err != nil {
			t.Fatalf("writeRecord() error: %v", err)
		}
	}

	if _, err := ParseStream(&tampered); !errors.Is(err, ErrSequenceGap) {
		t.Errorf("ParseStream() error = %v, want ErrSequenceGap", err)
	}
}

// recordFlood generates framing-valid empty records with contiguous sequence
// numbers on the fly, so a stream past the record cap never has to be
// materialized.
type recordFlood struct {
	count uint64
	seq   uint64
	buf   []byte
}

func (f *recordFlood) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		if f.seq >= f.count {
			return 0, io.EOF
		}
		f.seq++
		// Fixed fields, then zero-length manifest, signature, public key and
		// ciphertext frames.
		rec := make([]byte, 8+nonceSize+saltSize+4+2+2+4)
		binary.BigEndian.PutUint64(rec[:8], f.seq)
		f.buf = rec
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func TestParseStreamTooManyRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("parses a stream of a million records")
	}

	identity := newTestIdentity(t)
	engine, err := NewEngine(identity, Options{ChunkSize: 1024})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	// An empty seal yields a valid preamble and stream header with no records.
	var sealed bytes.Buffer
	if _, err := engine.Seal(&sealed, bytes.NewReader(nil), identity.KXPublicKey()); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	flood := io.MultiReader(bytes.NewReader(sealed.Bytes()), &recordFlood{count: MaxRecords + 1})
	if _, err := ParseStream(flood); !errors.Is(err, ErrTooManyRecords) {
		t.Errorf("ParseStream() error = %v, want ErrTooManyRecords", err)
	}
}

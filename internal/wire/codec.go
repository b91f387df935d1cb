// Package wire implements the datagram formats shared by the broadcast session
// and the quote receiver.
//
// One UDP socket pair carries three shapes:
//
//	"ping"  client -> server heartbeat
//	"pong"  server -> client heartbeat ack
//	binary  server -> client quote
//
// Receivers try the text literals first and fall back to the binary decoder.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"quote_stream/internal/domain"
)

const (
	// MaxTickerLen bounds the ticker field so a corrupt length prefix cannot
	// make the decoder trust an absurd size.
	MaxTickerLen = 64

	// MaxDatagramSize is large enough for any encoded quote.
	MaxDatagramSize = 1024

	lenPrefixSize = 8
	fixedSize     = 8 + 4 + 8 // price + volume + timestamp
)

var (
	Ping = []byte("ping")
	Pong = []byte("pong")
)

// Kind classifies an inbound datagram.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindPong
	KindQuote
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindQuote:
		return "quote"
	default:
		return "unknown"
	}
}

// IsPing reports whether payload is the heartbeat literal, ignoring surrounding whitespace.
func IsPing(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), Ping)
}

// IsPong reports whether payload is the heartbeat ack literal, ignoring surrounding whitespace.
func IsPong(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), Pong)
}

// Classify decodes payload as text first and as a quote second.
// The returned quote is only meaningful for KindQuote.
func Classify(payload []byte) (Kind, domain.Quote) {
	switch {
	case IsPing(payload):
		return KindPing, domain.Quote{}
	case IsPong(payload):
		return KindPong, domain.Quote{}
	}
	q, err := DecodeQuote(payload)
	if err != nil {
		return KindUnknown, domain.Quote{}
	}
	return KindQuote, q
}

// EncodedSize returns the number of bytes EncodeQuote produces for q.
func EncodedSize(q domain.Quote) int {
	return lenPrefixSize + len(q.Ticker) + fixedSize
}

// EncodeQuote serializes q in field order: u64 ticker length, ticker bytes,
// f64 price, u32 volume, u64 timestamp. All integers are little-endian.
func EncodeQuote(q domain.Quote) ([]byte, error) {
	return AppendQuote(make([]byte, 0, EncodedSize(q)), q)
}

// AppendQuote appends the encoding of q to dst.
func AppendQuote(dst []byte, q domain.Quote) ([]byte, error) {
	if q.Ticker == "" || len(q.Ticker) > MaxTickerLen {
		return dst, fmt.Errorf("%w: ticker length %d", domain.ErrInvalidQuote, len(q.Ticker))
	}
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(q.Ticker)))
	dst = append(dst, q.Ticker...)
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(q.Price))
	dst = binary.LittleEndian.AppendUint32(dst, q.Volume)
	dst = binary.LittleEndian.AppendUint64(dst, q.Timestamp)
	return dst, nil
}

// DecodeQuote parses a datagram produced by EncodeQuote.
// Trailing bytes are rejected.
func DecodeQuote(b []byte) (domain.Quote, error) {
	if len(b) < lenPrefixSize {
		return domain.Quote{}, fmt.Errorf("%w: short datagram (%d bytes)", domain.ErrDecode, len(b))
	}
	n := binary.LittleEndian.Uint64(b[:lenPrefixSize])
	if n == 0 || n > MaxTickerLen {
		return domain.Quote{}, fmt.Errorf("%w: ticker length %d", domain.ErrDecode, n)
	}
	if want := lenPrefixSize + int(n) + fixedSize; len(b) != want {
		return domain.Quote{}, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrDecode, want, len(b))
	}

	rest := b[lenPrefixSize:]
	ticker := rest[:n]
	if !utf8.Valid(ticker) {
		return domain.Quote{}, fmt.Errorf("%w: ticker is not utf-8", domain.ErrDecode)
	}
	rest = rest[n:]

	return domain.Quote{
		Ticker:    string(ticker),
		Price:     math.Float64frombits(binary.LittleEndian.Uint64(rest[0:8])),
		Volume:    binary.LittleEndian.Uint32(rest[8:12]),
		Timestamp: binary.LittleEndian.Uint64(rest[12:20]),
	}, nil
}

package wire

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote_stream/internal/domain"
)

func TestQuoteRoundTrip(t *testing.T) {
	quotes := []domain.Quote{
		domain.NewQuote("TSLA", 250.5, 5000, 1234567890),
		domain.NewQuote("GOOGL", 150.0, 2000, 9876543210),
		domain.NewQuote("A", math.SmallestNonzeroFloat64, 0, 0),
		domain.NewQuote("BRK.B", math.MaxFloat64, math.MaxUint32, math.MaxUint64),
		domain.NewQuote("ÄÖÜ", 1.25, 7, 42),
	}

	for _, q := range quotes {
		t.Run(q.Ticker, func(t *testing.T) {
			b, err := EncodeQuote(q)
			require.NoError(t, err)
			assert.Len(t, b, EncodedSize(q))

			got, err := DecodeQuote(b)
			require.NoError(t, err)
			assert.Equal(t, q, got)
		})
	}
}

func TestEncodeQuote_Layout(t *testing.T) {
	b, err := EncodeQuote(domain.NewQuote("AB", 1.5, 3, 4))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(b[0:8]))
	assert.Equal(t, "AB", string(b[8:10]))
	assert.Equal(t, 1.5, math.Float64frombits(binary.LittleEndian.Uint64(b[10:18])))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[18:22]))
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(b[22:30]))
}

func TestEncodeQuote_RejectsBadTicker(t *testing.T) {
	_, err := EncodeQuote(domain.NewQuote("", 1, 1, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidQuote)

	long := make([]byte, MaxTickerLen+1)
	for i := range long {
		long[i] = 'X'
	}
	_, err = EncodeQuote(domain.NewQuote(string(long), 1, 1, 1))
	assert.ErrorIs(t, err, domain.ErrInvalidQuote)
}

func TestDecodeQuote_Tolerance(t *testing.T) {
	valid, err := EncodeQuote(domain.NewQuote("AAPL", 1, 1, 1))
	require.NoError(t, err)

	huge := make([]byte, 40)
	binary.LittleEndian.PutUint64(huge, math.MaxUint64)

	badUTF8 := append([]byte(nil), valid...)
	badUTF8[8] = 0xff

	tests := []struct {
		name  string
		input []byte
	}{
		{"invalid literal", []byte("invalid")},
		{"ping", Ping},
		{"pong", Pong},
		{"empty", nil},
		{"huge length prefix", huge},
		{"truncated", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"bad utf8", badUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodeQuote(tt.input)
				assert.ErrorIs(t, err, domain.ErrDecode)
			})
		})
	}
}

func TestClassify(t *testing.T) {
	q := domain.NewQuote("AAPL", 190.25, 1200, 1700000000000)
	encoded, err := EncodeQuote(q)
	require.NoError(t, err)

	tests := []struct {
		name  string
		input []byte
		want  Kind
	}{
		{"ping", []byte("ping"), KindPing},
		{"ping with newline", []byte("ping\n"), KindPing},
		{"pong", []byte("pong"), KindPong},
		{"pong padded", []byte("  pong "), KindPong},
		{"quote", encoded, KindQuote},
		{"garbage", []byte("invalid"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, got := Classify(tt.input)
			assert.Equal(t, tt.want, kind)
			if kind == KindQuote {
				assert.Equal(t, q, got)
			}
		})
	}
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote_stream/internal/domain"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr error
	}{
		{"hello", "HELLO", Command{Verb: VerbHello}, nil},
		{"hello lower case", "hello\n", Command{Verb: VerbHello}, nil},
		{"hello trailing args", "Hello there", Command{Verb: VerbHello}, nil},
		{
			"stream",
			"STREAM udp://127.0.0.1:9000 AAPL,TSLA",
			Command{Verb: VerbStream, Addr: "127.0.0.1:9000", Tickers: []string{"AAPL", "TSLA"}},
			nil,
		},
		{
			"stream mixed case",
			"stream UDP://LocalHost:9000 aapl,tsla",
			Command{Verb: VerbStream, Addr: "localhost:9000", Tickers: []string{"AAPL", "TSLA"}},
			nil,
		},
		{
			"stream spaced tickers",
			"STREAM udp://127.0.0.1:9000 AAPL, TSLA,,aapl",
			Command{Verb: VerbStream, Addr: "127.0.0.1:9000", Tickers: []string{"AAPL", "TSLA"}},
			nil,
		},
		{
			"stream space separated tickers",
			"STREAM udp://127.0.0.1:9000 AAPL TSLA",
			Command{Verb: VerbStream, Addr: "127.0.0.1:9000", Tickers: []string{"AAPL", "TSLA"}},
			nil,
		},
		{"stream no scheme", "STREAM 127.0.0.1:9000 AAPL", Command{Verb: VerbStream}, domain.ErrMalformedStream},
		{"stream nope", "STREAM nope", Command{Verb: VerbStream}, domain.ErrMalformedStream},
		{"stream bare", "STREAM", Command{Verb: VerbStream}, domain.ErrMalformedStream},
		{"stream scheme only", "STREAM udp:// AAPL", Command{Verb: VerbStream}, domain.ErrMalformedStream},
		{"stream only commas", "STREAM udp://127.0.0.1:9000 ,,,", Command{Verb: VerbStream, Addr: "127.0.0.1:9000"}, domain.ErrMalformedStream},
		{"unknown", "FOO", Command{Verb: VerbUnknown}, domain.ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok, err := Parse(tt.line)
			assert.True(t, ok)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				var perr *domain.ProtocolError
				assert.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.want.Verb, cmd.Verb)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	for _, line := range []string{"", "   ", "\r\n"} {
		_, ok, err := Parse(line)
		assert.False(t, ok)
		assert.NoError(t, err)
	}
}

func TestStreamRequest(t *testing.T) {
	line := StreamRequest("127.0.0.1:34254", []string{"AAPL", "TSLA"})
	assert.Equal(t, "STREAM udp://127.0.0.1:34254 AAPL,TSLA", line)

	cmd, ok, err := Parse(line)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:34254", cmd.Addr)
}

func TestStreamReply(t *testing.T) {
	reply := StreamReply{
		Addr:    "udp://127.0.0.1:9000",
		Tickers: []string{"AAPL", "TSLA"},
		Server:  "127.0.0.1:50123",
	}
	line := reply.String()
	assert.Equal(t, "Got STREAM command addr: udp://127.0.0.1:9000 tickers: AAPL,TSLA server: 127.0.0.1:50123", line)

	parsed, err := ParseStreamReply(line + "\n")
	require.NoError(t, err)
	assert.Equal(t, reply, parsed)
}

func TestParseStreamReply_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"usage error", UsageReply},
		{"setup failure", SetupFailure},
		{"unexpected", HelloReply},
		{"missing server", "Got STREAM command addr: udp://127.0.0.1:9000 tickers: AAPL"},
		{"dangling label", "Got STREAM command addr: udp://127.0.0.1:9000 server:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStreamReply(tt.line)
			assert.ErrorIs(t, err, domain.ErrHandshake)
		})
	}
}

func TestParseStreamReply_FieldOrder(t *testing.T) {
	reply, err := ParseStreamReply("Got STREAM command server: 10.0.0.1:4000 tickers: MSFT addr: udp://10.0.0.2:5000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4000", reply.Server)
	assert.Equal(t, []string{"MSFT"}, reply.Tickers)
	assert.Equal(t, "udp://10.0.0.2:5000", reply.Addr)
}

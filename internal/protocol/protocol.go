// Package protocol defines the line-oriented control protocol spoken between
// the quote client and the control server.
//
// Every request and response is a single newline-terminated line. The verb is
// the first whitespace-separated token and is matched case-insensitively.
package protocol

import (
	"fmt"
	"strings"

	"quote_stream/internal/domain"
)

// Response lines, without the trailing newline.
const (
	Welcome       = "Welcome to the Quote Streamer!"
	HelloReply    = "Hi, there!"
	UnknownReply  = "Unknown command!"
	UsageReply    = "ERROR: use like 'STREAM udp://127.0.0.1:1234 AAPL,TSLA'"
	SetupFailure  = "ERROR: Failed to start streaming"
	ErrorPrefix   = "ERROR:"
	StreamScheme  = "udp://"
	streamReplyHd = "Got STREAM command"
)

// Verb is a control command name.
type Verb string

const (
	VerbHello   Verb = "HELLO"
	VerbStream  Verb = "STREAM"
	VerbUnknown Verb = "UNKNOWN"
)

// Command is a parsed control line.
type Command struct {
	Verb Verb
	// STREAM only
	Addr    string   // host:port without scheme
	Tickers []string // upper-case, request order, de-duplicated
}

// Parse parses one control line. An empty line yields (Command{}, false, nil).
// Malformed STREAM arguments return a *domain.ProtocolError wrapping
// domain.ErrMalformedStream; unknown verbs wrap domain.ErrUnknownCommand.
func Parse(line string) (Command, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false, nil
	}

	verb := Verb(strings.ToUpper(fields[0]))
	switch verb {
	case VerbHello:
		return Command{Verb: VerbHello}, true, nil
	case VerbStream:
		cmd, err := parseStream(fields[1:])
		return cmd, true, err
	default:
		return Command{Verb: VerbUnknown}, true, &domain.ProtocolError{
			Command: fields[0],
			Err:     domain.ErrUnknownCommand,
		}
	}
}

// parseStream handles "udp://HOST:PORT T1,T2".
func parseStream(args []string) (Command, error) {
	cmd := Command{Verb: VerbStream}
	if len(args) < 2 {
		return cmd, &domain.ProtocolError{Command: string(VerbStream), Err: fmt.Errorf("%w: missing arguments", domain.ErrMalformedStream)}
	}

	addr := args[0]
	if len(addr) <= len(StreamScheme) || !strings.EqualFold(addr[:len(StreamScheme)], StreamScheme) {
		return cmd, &domain.ProtocolError{Command: string(VerbStream), Err: fmt.Errorf("%w: address must start with %s", domain.ErrMalformedStream, StreamScheme)}
	}
	cmd.Addr = strings.ToLower(addr[len(StreamScheme):])

	// Tickers may arrive as "A,B", "A, B" or "A B".
	cmd.Tickers = SplitTickers(strings.Join(args[1:], ","))
	if len(cmd.Tickers) == 0 {
		return cmd, &domain.ProtocolError{Command: string(VerbStream), Err: fmt.Errorf("%w: no tickers", domain.ErrMalformedStream)}
	}
	return cmd, nil
}

// SplitTickers splits a comma-separated list, trimming whitespace, dropping
// empty entries and duplicates, and upper-casing symbols. Order is kept.
func SplitTickers(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		t := strings.ToUpper(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// StreamRequest renders a STREAM command line (without newline).
func StreamRequest(addr string, tickers []string) string {
	return fmt.Sprintf("%s %s%s %s", VerbStream, StreamScheme, addr, strings.Join(tickers, ","))
}

// StreamReply is the successful response to STREAM.
type StreamReply struct {
	Addr    string   // echoed target, with scheme
	Tickers []string // echoed tickers
	Server  string   // host:port of the session's UDP socket
}

// String renders the reply line (without newline).
func (r StreamReply) String() string {
	return fmt.Sprintf("%s addr: %s tickers: %s server: %s",
		streamReplyHd, r.Addr, strings.Join(r.Tickers, ","), r.Server)
}

// ParseStreamReply reads the named fields of a STREAM reply.
// Field order does not matter; each value is the token after its "name:" label.
func ParseStreamReply(line string) (StreamReply, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, ErrorPrefix) {
		return StreamReply{}, fmt.Errorf("%w: server replied %q", domain.ErrHandshake, line)
	}
	if !strings.HasPrefix(line, streamReplyHd) {
		return StreamReply{}, fmt.Errorf("%w: unexpected reply %q", domain.ErrHandshake, line)
	}

	fields := strings.Fields(strings.TrimPrefix(line, streamReplyHd))
	values := make(map[string]string, 3)
	for i := 0; i < len(fields); i++ {
		name, ok := strings.CutSuffix(fields[i], ":")
		if !ok || i+1 >= len(fields) {
			continue
		}
		values[name] = fields[i+1]
		i++
	}

	reply := StreamReply{
		Addr:    values["addr"],
		Tickers: SplitTickers(values["tickers"]),
		Server:  values["server"],
	}
	if reply.Server == "" {
		return StreamReply{}, fmt.Errorf("%w: reply has no server field: %q", domain.ErrHandshake, line)
	}
	return reply, nil
}

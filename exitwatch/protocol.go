package exitwatch

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Handshake tokens written to the supervisor.
const (
	TokenReady = "READY\n"
	TokenOK    = "RESULT 2\nOK"
)

// ErrBadLength is returned by ReadEvent if the header line has no usable len
// field. The event is lost: its payload is never read.
var ErrBadLength = errors.New("missing or invalid len header")

// ParseHeaders parses a line of space-separated key:value tokens. Tokens are
// split at their first colon; tokens without one are ignored.
func ParseHeaders(line string) map[string]string {
	headers := make(map[string]string)

	for _, token := range strings.Fields(line) {
		i := strings.IndexByte(token, ':')
		if i < 0 {
			continue
		}
		headers[token[:i]] = token[i+1:]
	}

	return headers
}

// FormatHeaders formats headers into a newline-terminated header line that
// ParseHeaders reads back. Keys are sorted.
func FormatHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(headers[k])
	}
	b.WriteByte('\n')

	return b.String()
}

// ParsePayload splits an event payload into its header line and body.
func ParsePayload(payload string) (map[string]string, string) {
	line, body, _ := strings.Cut(payload+"\n", "\n")
	return ParseHeaders(line), body
}

// ReadEvent reads one event from the supervisor. io.EOF is returned only if the
// stream ended before a header line started. A payload cut short by the end of
// the stream is reported as io.ErrUnexpectedEOF.
func ReadEvent(r *bufio.Reader) (*Event, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	headers := ParseHeaders(line)

	length, err := strconv.Atoi(headers["len"])
	if err != nil || length < 0 {
		return nil, errors.Wrapf(ErrBadLength, "header %q", strings.TrimSpace(line))
	}

	// The buffer grows with what actually arrives, never with what len claims.
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	// Invalid UTF-8 is replaced rather than rejected.
	payloadHeaders, body := ParsePayload(strings.ToValidUTF8(payload.String(), "\uFFFD"))

	return &Event{
		Name:           headers["eventname"],
		Headers:        headers,
		PayloadHeaders: payloadHeaders,
		Body:           body,
	}, nil
}

// HandshakeState is the listener's state as seen by the supervisor.
type HandshakeState uint8

const (
	// StateAcknowledged is the initial state, and the state after an event
	// has been acknowledged.
	StateAcknowledged HandshakeState = iota
	// StateReady means READY was written and an event may arrive.
	StateReady
	// StateBusy means an event is being processed.
	StateBusy
)

func (s HandshakeState) String() string {
	switch s {
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StateReady:
		return "READY"
	case StateBusy:
		return "BUSY"
	default:
		return "HandshakeState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Handshake writes the listener side of the supervisor handshake and tracks
// its state. Each token is a single unbuffered write. A failed write is logged
// and otherwise ignored, since the supervisor will resend anything it did not
// see acknowledged.
type Handshake struct {
	w     io.Writer
	log   zerolog.Logger
	state HandshakeState
	// OnWriteError is called after a failed write, if not nil.
	OnWriteError func(error)
}

// NewHandshake creates a handshake in the acknowledged state.
func NewHandshake(w io.Writer, log zerolog.Logger) *Handshake {
	return &Handshake{
		w:     w,
		log:   log,
		state: StateAcknowledged,
	}
}

// State returns the current state.
func (h *Handshake) State() HandshakeState { return h.state }

// Ready transitions ACKNOWLEDGED to READY.
func (h *Handshake) Ready() {
	if h.transition(StateAcknowledged, StateReady) {
		h.write(TokenReady)
	}
}

// Busy transitions READY to BUSY once an event has been read.
func (h *Handshake) Busy() {
	h.transition(StateReady, StateBusy)
}

// OK transitions BUSY to ACKNOWLEDGED.
func (h *Handshake) OK() {
	if h.transition(StateBusy, StateAcknowledged) {
		h.write(TokenOK)
	}
}

func (h *Handshake) transition(from, to HandshakeState) bool {
	if h.state != from {
		h.log.Error().
			Stringer("state", h.state).
			Stringer("to", to).
			Msg("invalid handshake transition")
		return false
	}

	h.state = to
	return true
}

func (h *Handshake) write(token string) {
	if _, err := io.WriteString(h.w, token); err != nil {
		h.log.Warn().Err(err).Str("token", strconv.Quote(token)).Msg("failed to write handshake")
		if h.OnWriteError != nil {
			h.OnWriteError(err)
		}
	}
}

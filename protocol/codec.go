package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	framePrefix = "##testlens["
	frameSuffix = "]"
	escapeChar  = '|'

	// MaxFrameSize bounds a single frame; long traces stay well below it
	MaxFrameSize = 16 * 1024 * 1024
)

// ErrMalformedMessage is returned for frames that cannot be decoded. It is never fatal
// to a stream: the frame is dropped and reading continues.
var ErrMalformedMessage = errors.New("malformed message")

// ErrFrameTooLarge is returned for frames longer than MaxFrameSize
var ErrFrameTooLarge = errors.New("frame too large")

var escaper = strings.NewReplacer(
	"|", "||",
	"'", "|'",
	"\n", "|n",
	"\r", "|r",
	"[", "|[",
	"]", "|]",
)

// Escape encodes the reserved characters of an attribute value
func Escape(value string) string {
	return escaper.Replace(value)
}

// Unescape reverses Escape exactly
func Unescape(value string) (string, error) {
	if strings.IndexByte(value, escapeChar) < 0 {
		return value, nil
	}
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != escapeChar {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(value) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedMessage)
		}
		switch value[i] {
		case '|':
			b.WriteByte('|')
		case '\'':
			b.WriteByte('\'')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '[':
			b.WriteByte('[')
		case ']':
			b.WriteByte(']')
		default:
			return "", fmt.Errorf("%w: unknown escape |%c", ErrMalformedMessage, value[i])
		}
	}
	return b.String(), nil
}

// Encode turns a message into a single newline-terminated frame
func Encode(m Message) ([]byte, error) {
	if !m.Type.IsValid() {
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	var buf bytes.Buffer
	buf.WriteString(framePrefix)
	buf.WriteString(string(m.Type))
	for _, a := range m.Attributes {
		if !a.Key.IsValid() {
			return nil, fmt.Errorf("unknown attribute %q in %s message", a.Key, m.Type)
		}
		buf.WriteByte(' ')
		buf.WriteString(string(a.Key))
		buf.WriteString("='")
		buf.WriteString(Escape(a.Value))
		buf.WriteByte('\'')
	}
	buf.WriteString(frameSuffix)
	buf.WriteByte('\n')
	if buf.Len() > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s message of %d bytes", ErrFrameTooLarge, m.Type, buf.Len())
	}
	return buf.Bytes(), nil
}

// Decode parses one frame, with or without its trailing line terminator
func Decode(frame []byte) (Message, error) {
	s := string(frame)
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")

	if !strings.HasPrefix(s, framePrefix) || !strings.HasSuffix(s, frameSuffix) {
		return Message{}, fmt.Errorf("%w: missing frame delimiters", ErrMalformedMessage)
	}
	body := s[len(framePrefix) : len(s)-len(frameSuffix)]

	tag := body
	rest := ""
	if i := strings.IndexByte(body, ' '); i >= 0 {
		tag, rest = body[:i], body[i:]
	}
	m := Message{Type: MessageType(tag)}
	if !m.Type.IsValid() {
		return Message{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, tag)
	}

	for len(rest) > 0 {
		if rest[0] != ' ' {
			return Message{}, fmt.Errorf("%w: expected attribute separator", ErrMalformedMessage)
		}
		rest = rest[1:]

		eq := strings.Index(rest, "='")
		if eq <= 0 {
			return Message{}, fmt.Errorf("%w: attribute without value", ErrMalformedMessage)
		}
		key := AttributeKey(rest[:eq])
		if !key.IsValid() {
			return Message{}, fmt.Errorf("%w: unknown attribute %q", ErrMalformedMessage, key)
		}
		rest = rest[eq+2:]

		end := closingQuote(rest)
		if end < 0 {
			return Message{}, fmt.Errorf("%w: unterminated value for %q", ErrMalformedMessage, key)
		}
		value, err := Unescape(rest[:end])
		if err != nil {
			return Message{}, err
		}
		m.Attributes = append(m.Attributes, Attribute{Key: key, Value: value})
		rest = rest[end+1:]
	}
	return m, nil
}

// closingQuote finds the first quote that is not escaped
func closingQuote(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case escapeChar:
			i++
		case '\'':
			return i
		}
	}
	return -1
}

// Reader decodes a stream of frames. Malformed frames, and lines longer than
// MaxFrameSize, are dropped and reported through OnMalformed; reading carries on
// with the next frame.
type Reader struct {
	r           *bufio.Reader
	OnMalformed func(frame []byte, err error)
}

// NewReader creates a frame reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next well-formed message, or io.EOF at the end of the stream
func (r *Reader) Next() (Message, error) {
	for {
		line, err := r.readLine()
		if errors.Is(err, ErrFrameTooLarge) {
			r.malformed(line, err)
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			m, derr := Decode(line)
			if derr == nil {
				return m, nil
			}
			r.malformed(line, derr)
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// readLine returns the next line without its terminator. An over-long line is
// consumed up to its newline and only its first bytes are returned.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxFrameSize+1 {
				tooLong = true
				keep := min(len(chunk), 1024)
				line = append(line, chunk[:keep]...)
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			if tooLong {
				return line, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, MaxFrameSize)
			}
			return line, err
		}
		if tooLong {
			return line, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, MaxFrameSize)
		}
		return bytes.TrimSuffix(line, []byte("\n")), nil
	}
}

func (r *Reader) malformed(frame []byte, err error) {
	if r.OnMalformed != nil {
		r.OnMalformed(append([]byte(nil), frame...), err)
	}
}

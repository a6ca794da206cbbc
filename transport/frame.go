package transport

import (
	"bufio"
	"io"
	"strings"
)

// Event types the transport acts on.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// frame is one Server-Sent Events event.
type frame struct {
	event string
	data  string
}

// frameReader splits an event stream into frames.
//
// Lines are read without a length cap. "event:" sets the type (the last one
// wins), "data:" lines are joined with newlines, and a blank line ends the
// frame. Comments and the id/retry fields are ignored.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next returns the next frame that carries data. It returns io.EOF (or the
// read error) when the stream ends; a partial frame at EOF is discarded.
func (fr *frameReader) next() (frame, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := fr.readLine()
		if err != nil {
			return frame{}, err
		}

		if line == "" {
			if hasData {
				if event == "" {
					event = EventMessage
				}
				return frame{event: event, data: data.String()}, nil
			}
			event = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			value = ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = strings.TrimSpace(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
}

// readLine reads one line with its terminator (LF or CRLF) stripped.
func (fr *frameReader) readLine() (string, error) {
	line, err := fr.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			// Unterminated last line; the frame it belongs to is incomplete.
			return "", io.EOF
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

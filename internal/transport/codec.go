package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

var heartbeatFrame = []byte{'\n'}

// EncodeFrame renders one STOMP frame as it travels in a websocket text
// message.
func EncodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// DecodeFrames parses every frame in one websocket message. Heartbeats are
// skipped, so a bare newline yields no frames.
func DecodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

func formatHeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// negotiateHeartBeat applies the STOMP rule: a direction is disabled when
// either side sends 0, otherwise the slower of the two intervals wins.
func negotiateHeartBeat(clientOut, clientIn time.Duration, serverHeader string) (out, in time.Duration, err error) {
	if serverHeader == "" {
		return 0, 0, nil
	}

	serverOut, serverIn, err := frame.ParseHeartBeat(serverHeader)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: heart-beat %q: %v", ErrProtocol, serverHeader, err)
	}

	return slower(clientOut, serverIn), slower(clientIn, serverOut), nil
}

func slower(a, b time.Duration) time.Duration {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}

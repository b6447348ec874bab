package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

const maxFrameBytes = 4 * 1024 * 1024

// decodeFrames reassembles server-sent-event frames from r and calls
// onPayload with the joined data lines of each frame. Frames split across
// reads are buffered until their terminating blank line. A trailing frame
// without a blank line is flushed at EOF.
func decodeFrames(ctx context.Context, r io.Reader, onPayload func([]byte) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var dataLines []string
	flush := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		return onPayload([]byte(payload))
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			stop, err := flush()
			if err != nil || stop {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(line[len("data:"):], " "))
		default:
			// event:, id:, retry: and unknown fields. The event type
			// travels inside the JSON payload.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read event stream: %w", err)
	}

	_, err := flush()
	return err
}

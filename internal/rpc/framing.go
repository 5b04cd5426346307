package rpc

import (
	"bufio"
	"io"
	"log/slog"
)

// readFrames reads newline-delimited frames from r and sends each complete
// line (without the trailing newline) on frames. Zero-length lines are
// skipped silently. End-of-stream with unterminated trailing bytes yields
// one last frame. The channel is closed when the stream ends, which the
// protocol loop treats like shutdown.
//
// Runs on its own goroutine: the blocking read lives here so the protocol
// loop can keep multiplexing frames against async completions.
func readFrames(r io.Reader, frames chan<- []byte) {
	defer close(frames)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(line) > 0 {
			frames <- line
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("input stream read failed", "err", err)
			}
			return
		}
	}
}

package mcptest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/TangGee/go-mcp-client"
)

type stdioWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (sw *stdioWriter) send(_ context.Context, msg mcp.JSONRPCMessage) error {
	msgBs, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	msgBs = append(msgBs, '\n')

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := sw.w.Write(msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ServeStdIO serves one session over a pair of streams carrying newline-delimited
// messages, the way a server launched as a subprocess talks over its stdin and
// stdout. It returns nil once r reaches EOF, or the error of ctx once it's done.
func (s *Server) ServeStdIO(ctx context.Context, r io.Reader, w io.Writer) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	sw := &stdioWriter{w: w}
	sess := s.newSession(sw.send)
	defer s.removeSession(sess.id)

	lines := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-sess.ctx.Done():
					return
				}
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		case line := <-lines:
			if !isRequest(line) {
				s.reply(sess, sw.send, line)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.reply(sess, sw.send, line)
			}()
		}
	}
}

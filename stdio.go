package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer
// pairs. Each message is written on a single line, so messages must not contain raw
// newlines, which encoding/json never produces.
//
// Proper initialization requires using the NewStdIO constructor function to create
// new instances.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// CommandTransport starts a subprocess and speaks to it through its standard input
// and output, the way MCP servers distributed as executables are usually run.
type CommandTransport struct {
	name   string
	args   []string
	env    []string
	logger *slog.Logger

	exitTimeout time.Duration
}

// CommandTransportOption represents the options for the CommandTransport.
type CommandTransportOption func(*CommandTransport)

type stdIOChannel struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger
	inbox  *inbox

	writeMessages chan stdIOMessage
	writeClosed   chan struct{}
	closeOnce     sync.Once
	onClose       func() error
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	s := StdIO{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithStdIOLogger sets the logger of the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// Open implements the ClientTransport interface. The reader is consumed by a single
// goroutine until it fails or the channel is closed; closing the channel closes the
// reader and writer when they implement io.Closer.
func (s StdIO) Open(_ context.Context) (Channel, error) {
	return s.open(nil), nil
}

func (s StdIO) open(onClose func() error) *stdIOChannel {
	c := &stdIOChannel{
		reader:        s.reader,
		writer:        s.writer,
		logger:        s.logger,
		inbox:         newInbox(defaultInboxSize),
		writeMessages: make(chan stdIOMessage),
		writeClosed:   make(chan struct{}),
		onClose:       onClose,
	}
	go c.processWriteMessages()
	go c.readMessages()
	return c
}

var defaultCommandExitTimeout = 5 * time.Second

// NewCommandTransport creates a transport that runs name with args on Open.
func NewCommandTransport(name string, args []string, options ...CommandTransportOption) *CommandTransport {
	t := &CommandTransport{
		name:        name,
		args:        args,
		logger:      slog.Default(),
		exitTimeout: defaultCommandExitTimeout,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithCommandEnv appends "KEY=value" entries to the subprocess environment.
func WithCommandEnv(env ...string) CommandTransportOption {
	return func(t *CommandTransport) {
		t.env = append(t.env, env...)
	}
}

// WithCommandLogger sets the logger of the CommandTransport and of the channels it opens.
func WithCommandLogger(logger *slog.Logger) CommandTransportOption {
	return func(t *CommandTransport) {
		t.logger = logger
	}
}

// WithCommandExitTimeout sets how long closing the channel waits for the subprocess
// to exit after its standard input was closed, before killing it.
func WithCommandExitTimeout(timeout time.Duration) CommandTransportOption {
	return func(t *CommandTransport) {
		t.exitTimeout = timeout
	}
}

// Open starts the subprocess. Its standard error is inherited from the current process.
// Closing the channel closes the subprocess's standard input and waits for it to exit,
// killing it if it doesn't within the exit timeout.
func (t *CommandTransport) Open(ctx context.Context) (Channel, error) {
	cmd := exec.CommandContext(context.WithoutCancel(ctx), t.name, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to open stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to open stdout: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to start %s: %w", t.name, err)}
	}
	t.logger.Debug("started server process", slog.String("name", t.name), slog.Int("pid", cmd.Process.Pid))

	s := NewStdIO(stdout, stdin, WithStdIOLogger(t.logger))
	return s.open(func() error {
		stdin.Close()

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		var err error
		select {
		case err = <-exited:
		case <-time.After(t.exitTimeout):
			t.logger.Warn("killing server process", slog.String("name", t.name))
			_ = cmd.Process.Kill()
			err = <-exited
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("failed to wait for %s: %w", t.name, err)
		}
		return nil
	}), nil
}

func (c *stdIOChannel) ID() string {
	return ""
}

func (c *stdIOChannel) Send(ctx context.Context, raw json.RawMessage) error {
	if bytes.IndexByte(raw, '\n') >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return fmt.Errorf("failed to compact message: %w", err)
		}
		raw = buf.Bytes()
	}
	// Append newline to maintain message framing protocol
	msgBs := make([]byte, 0, len(raw)+1)
	msgBs = append(append(msgBs, raw...), '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.inbox.done:
		return ErrTransportClosed
	case c.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return &TransportError{Op: "send", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stdIOChannel) Messages() iter.Seq2[json.RawMessage, error] {
	return c.inbox.messages()
}

func (c *stdIOChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.inbox.close()

		if closer, ok := c.writer.(io.Closer); ok {
			_ = closer.Close()
		}
		if c.onClose != nil {
			err = c.onClose()
		}
		if closer, ok := c.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		<-c.writeClosed
	})
	return err
}

func (c *stdIOChannel) readMessages() {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(c.reader)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if !c.inbox.push(json.RawMessage(line)) {
				return
			}
		}
		if err != nil {
			select {
			case <-c.inbox.done:
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				c.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			c.inbox.fail(&TransportError{Op: "receive", Err: err})
			return
		}
	}
}

func (c *stdIOChannel) processWriteMessages() {
	defer close(c.writeClosed)

	for {
		// Process writing the message queue until the channel is closed.
		var msg stdIOMessage
		select {
		case <-c.inbox.done:
			return
		case msg = <-c.writeMessages:
		}

		_, err := c.writer.Write(msg.msg)

		msg.errs <- err
	}
}

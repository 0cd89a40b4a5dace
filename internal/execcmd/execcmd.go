// Package execcmd runs the helper programs behind the exec backends. Each
// invocation receives a JSON request on stdin and answers on stdout.
package execcmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ErrEmptyCommand is returned by Parse when the command line has no program.
var ErrEmptyCommand = errors.New("execcmd: empty command")

// Command is a parsed command line. Invocations are serialised; helpers such
// as speech engines usually own a single device.
type Command struct {
	name string
	argv []string
	mu   sync.Mutex
}

// Parse splits command with shell quoting rules. name labels errors.
func Parse(name, command string) (*Command, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s command: %w", name, ErrEmptyCommand)
	}
	return &Command{name: name, argv: argv}, nil
}

func (c *Command) String() string { return strings.Join(c.argv, " ") }

// Run feeds stdin to the program, with extra appended to its arguments, and
// returns what it wrote to stdout.
func (c *Command) Run(ctx context.Context, stdin []byte, extra ...string) ([]byte, error) {
	var stdout bytes.Buffer
	err := c.Stream(ctx, stdin, func(r io.Reader) error {
		_, err := io.Copy(&stdout, r)
		return err
	}, extra...)
	return stdout.Bytes(), err
}

// RunJSON marshals in as stdin and decodes stdout into out.
func (c *Command) RunJSON(ctx context.Context, in, out any) error {
	input, err := json.Marshal(in)
	if err != nil {
		return err
	}
	output, err := c.Run(ctx, input)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(output, out); err != nil {
		return fmt.Errorf("decode %s output: %w", c.name, err)
	}
	return nil
}

// Stream starts the program and hands its stdout to read while it runs.
// A read error wins over the exit status.
func (c *Command) Stream(ctx context.Context, stdin []byte, read func(io.Reader) error, extra ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	args := append(append([]string{}, c.argv[1:]...), extra...)
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s command: %w", c.name, err)
	}

	readErr := read(stdout)
	if readErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	switch {
	case readErr != nil:
		return readErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s command: %w: %s", c.name, waitErr, msg)
		}
		return fmt.Errorf("%s command: %w", c.name, waitErr)
	}
	return nil
}

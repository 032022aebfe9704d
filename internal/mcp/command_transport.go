package mcp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxLine bounds a single newline-delimited JSON-RPC message from a child
// process.
const maxLine = 4 << 20

// commandTransport speaks newline-delimited JSON-RPC over a child process's
// stdout (read) and stdin (write).
type commandTransport struct {
	conn *commandConnection
}

func newCommandTransport(r io.ReadCloser, w io.WriteCloser) *commandTransport {
	return &commandTransport{conn: newCommandConnection(r, w)}
}

func (t *commandTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type lineResult struct {
	msg jsonrpc.Message
	err error
}

type commandConnection struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
	lines  chan lineResult

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newCommandConnection(r io.ReadCloser, w io.WriteCloser) *commandConnection {
	c := &commandConnection{stdout: r, stdin: w, lines: make(chan lineResult, 1)}
	go c.readLines()
	return c
}

func (c *commandConnection) readLines() {
	defer close(c.lines)
	sc := bufio.NewScanner(c.stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(append([]byte(nil), line...))
		c.lines <- lineResult{msg: msg, err: err}
		if err != nil {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.lines <- lineResult{err: err}
}

func (c *commandConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-c.lines:
		if !ok {
			return nil, io.EOF
		}
		return res.msg, res.err
	}
}

func (c *commandConnection) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *commandConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.stdin.Close(), c.stdout.Close())
	})
	return c.closeErr
}

func (c *commandConnection) SessionID() string { return "" }

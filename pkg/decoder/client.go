package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// lineBuffer bounds how many decoder output lines may be queued ahead of the
// parser before the reader goroutine blocks.
const lineBuffer = 256

// resyncTimeout bounds how long the client waits for the tail of an abandoned
// reply before giving up on the worker.
var resyncTimeout = 5 * time.Second

// owed names the reply still expected from the decoder for a round that was
// abandoned before its terminator was read.
type owed int

const (
	owedNone  owed = iota
	owedReply      // one push-chunk reply line
	owedDone       // get-final output up to and including "done"
)

// Client speaks the decoder protocol over an arbitrary byte stream pair.
// A raw reader goroutine frames stdout into lines and hands them to the
// protocol methods through a bounded channel, so framing never depends on
// how the decoder happens to flush its output.
type Client struct {
	mu sync.Mutex
	w  io.WriteCloser

	lines   chan string
	readErr atomic.Value // error, set before lines is closed
	closed  atomic.Bool
	stopped atomic.Bool
	// desynced is set once the client can no longer find a reply boundary.
	desynced atomic.Bool

	// pending is only touched by the worker's current owner.
	pending owed
}

// Compile-time interface check.
var _ Worker = (*Client)(nil)

// NewClient starts reading decoder output from r and returns a client that
// writes commands to w.
func NewClient(r io.Reader, w io.WriteCloser) *Client {
	c := &Client{
		w:     w,
		lines: make(chan string, lineBuffer),
	}
	go c.readLoop(r)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	defer func() {
		c.closed.Store(true)
		close(c.lines)
	}()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			c.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.readErr.Store(err)
			}
			return
		}
	}
}

// readLine waits for the next output line.
func (c *Client) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-c.lines:
		if !ok {
			if err, _ := c.readErr.Load().(error); err != nil {
				return "", fmt.Errorf("%w: %v", ErrExited, err)
			}
			return "", ErrExited
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) write(parts ...[]byte) error {
	if c.stopped.Load() {
		return ErrExited
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range parts {
		if _, err := c.w.Write(p); err != nil {
			return fmt.Errorf("%w: write: %v", ErrExited, err)
		}
	}
	return nil
}

// PushChunk implements [Worker]. An "error" reply leaves the protocol in
// sync; any other unexpected line means the stream has lost its framing and
// the client reports itself dead.
func (c *Client) PushChunk(ctx context.Context, pcm []byte) error {
	header := fmt.Sprintf("push-chunk\n%d\n", len(pcm)/2)
	if err := c.write([]byte(header), pcm[:len(pcm)/2*2]); err != nil {
		return err
	}
	c.pending = owedReply
	line, err := c.readLine(ctx)
	if err != nil {
		return err
	}
	c.pending = owedNone
	reply := strings.TrimSpace(line)
	switch {
	case reply == replyOK:
		return nil
	case strings.HasPrefix(reply, "error"):
		return fmt.Errorf("%w: push-chunk replied %q", ErrProtocol, line)
	default:
		c.desynced.Store(true)
		return fmt.Errorf("%w: push-chunk replied %q", ErrProtocol, line)
	}
}

// GetFinal implements [Worker]. When a reply line cannot be parsed the rest
// of the reply is consumed up to its "done" line before ErrProtocol is
// returned, so the next round reads its own output.
func (c *Client) GetFinal(ctx context.Context) ([]Token, error) {
	if err := c.write([]byte("get-final\n")); err != nil {
		return nil, err
	}
	c.pending = owedDone
	var p finalParser
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return nil, err
		}
		done, err := p.feed(line)
		if err != nil {
			if rerr := c.resync(ctx); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		if done {
			break
		}
	}
	c.pending = owedNone
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return p.tokens, nil
}

// resync reads and discards output until the reply still owed by an
// abandoned round has been consumed. It gives up after resyncTimeout.
func (c *Client) resync(ctx context.Context) error {
	if c.pending == owedNone {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return fmt.Errorf("%w: resync: %v", ErrProtocol, err)
		}
		if c.pending == owedReply || strings.TrimSpace(line) == replyDone {
			c.pending = owedNone
			return nil
		}
	}
}

// Reset implements [Worker]. The tail of a round abandoned mid-reply is read
// first, then lines already queued are discarded before the reset command is
// sent. If the tail never arrives the client marks itself dead so a pool
// health check replaces it.
func (c *Client) Reset() error {
	if err := c.resync(context.Background()); err != nil {
		c.desynced.Store(true)
		return err
	}
drain:
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return ErrExited
			}
		default:
			break drain
		}
	}
	return c.write([]byte("reset\n"))
}

// Stop implements [Worker]. It sends the stop command and closes the command
// stream.
func (c *Client) Stop(context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, werr := io.WriteString(c.w, "stop\n")
	cerr := c.w.Close()
	if werr != nil && !c.closed.Load() {
		return fmt.Errorf("decoder: send stop: %w", werr)
	}
	if cerr != nil && !c.closed.Load() {
		return fmt.Errorf("decoder: close stdin: %w", cerr)
	}
	return nil
}

// Alive implements [Worker].
func (c *Client) Alive() bool {
	return !c.closed.Load() && !c.stopped.Load() && !c.desynced.Load()
}

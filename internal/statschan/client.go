// Package statschan speaks the line-oriented request/response protocols
// exposed by the measurement subject's statistics socket and the media
// client's control interface.
package statschan

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const DefaultTimeout = 15 * time.Second

// Framing decides where one response ends.
type Framing interface {
	ReadResponse(r *bufio.Reader) (string, error)
}

// LineFraming reads exactly one newline-terminated line.
type LineFraming struct{}

func (LineFraming) ReadResponse(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return line, nil
		}
		return line, err
	}
	return line, nil
}

// PromptFraming accumulates fragments until Marker is seen. The marker is
// not part of the returned text.
type PromptFraming struct {
	Marker byte
}

func (f PromptFraming) ReadResponse(r *bufio.Reader) (string, error) {
	marker := f.Marker
	if marker == 0 {
		marker = '>'
	}
	text, err := r.ReadString(marker)
	if err != nil {
		if err == io.EOF {
			// peer closed mid-response: keep what arrived
			return text, nil
		}
		return text, err
	}
	return strings.TrimSuffix(text, string(marker)), nil
}

// Client is one session on a statistics endpoint. Queries must not be issued
// concurrently: the protocols have no pipelining.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	framing Framing
	timeout time.Duration
}

func Dial(address string, timeout time.Duration, framing Framing) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect statistics endpoint %s", address)
	}
	c := NewClient(conn, framing)
	c.timeout = timeout
	return c, nil
}

// NewClient takes ownership of conn.
func NewClient(conn net.Conn, framing Framing) *Client {
	if framing == nil {
		framing = LineFraming{}
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		framing: framing,
		timeout: DefaultTimeout,
	}
}

// Query sends request and reads one complete framed response.
func (c *Client) Query(request string) (string, error) {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := io.WriteString(c.conn, request); err != nil {
		return "", errors.Wrapf(err, "send %q", strings.TrimSpace(request))
	}
	resp, err := c.framing.ReadResponse(c.reader)
	if err != nil {
		return resp, errors.Wrapf(err, "read response to %q", strings.TrimSpace(request))
	}
	return resp, nil
}

// Drain reads one framed response without sending anything, e.g. a welcome
// banner that ends with the prompt.
func (c *Client) Drain() (string, error) {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	resp, err := c.framing.ReadResponse(c.reader)
	if err != nil {
		return resp, errors.Wrap(err, "drain banner")
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

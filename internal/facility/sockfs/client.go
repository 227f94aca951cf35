// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sockfs

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"

	"github.com/asch/vialab/internal/vialab"
)

// Host part of request URLs. The socket path decides where requests go.
const clientHost = "http://vialab"

// Client of one node socket. It speaks cleartext HTTP/2 over a single
// connection multiplexing all requests.
type Client struct {
	transport *http2.Transport
	http      *http.Client
}

// Dial returns a client for the node socket at path. The connection is
// established lazily by the first request.
func Dial(path string) *Client {
	t := &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
			return net.Dial("unix", path)
		},
	}

	return &Client{
		transport: t,
		http:      &http.Client{Transport: t},
	}
}

// Close drops idle connections to the node.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Open opens the device behind the socket and returns a handle with its own
// position starting at 0.
func (c *Client) Open(ctx context.Context) (*RemoteHandle, error) {
	resp, err := c.do(ctx, http.MethodPost, "/handles", nil)
	if err != nil {
		return nil, err
	}

	id, err := strconv.ParseUint(resp.Header.Get(HeaderHandle), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "bad handle header")
	}

	return &RemoteHandle{client: c, id: id}, nil
}

// RemoteHandle is a device handle held by the server for this client.
type RemoteHandle struct {
	client *Client
	id     uint64
	pos    int64
}

// Position returns the position reported by the last successful operation.
func (h *RemoteHandle) Position() int64 {
	return h.pos
}

// Read reads at most len(p) bytes. At the end of the device it returns 0 and
// no error.
func (h *RemoteHandle) Read(ctx context.Context, p []byte) (int, error) {
	resp, err := h.client.do(ctx, http.MethodGet, h.path("?length="+strconv.Itoa(len(p))), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// Server never sends more than asked, short body is a short read.
	n, err := io.ReadFull(resp.Body, p)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return n, errors.Wrap(vialab.ErrFault, err.Error())
	}

	return n, h.updatePosition(resp)
}

// Write writes at most len(p) bytes and returns how many were accepted.
func (h *RemoteHandle) Write(ctx context.Context, p []byte) (int, error) {
	resp, err := h.client.do(ctx, http.MethodPut, h.path(""), p)
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(resp.Header.Get(HeaderWritten))
	if err != nil {
		return 0, errors.Wrap(err, "bad written header")
	}

	return n, h.updatePosition(resp)
}

// Seek moves the position and returns the new one.
func (h *RemoteHandle) Seek(ctx context.Context, offset int64, whence vialab.Whence) (int64, error) {
	query := fmt.Sprintf("/seek?offset=%d&whence=%s", offset, whence)

	resp, err := h.client.do(ctx, http.MethodPost, h.path(query), nil)
	if err != nil {
		return h.pos, err
	}

	err = h.updatePosition(resp)

	return h.pos, err
}

// Close releases the handle on the server.
func (h *RemoteHandle) Close(ctx context.Context) error {
	_, err := h.client.do(ctx, http.MethodDelete, h.path(""), nil)
	return err
}

func (h *RemoteHandle) path(suffix string) string {
	return "/handles/" + strconv.FormatUint(h.id, 10) + suffix
}

func (h *RemoteHandle) updatePosition(resp *http.Response) error {
	pos, err := strconv.ParseInt(resp.Header.Get(HeaderPosition), 10, 64)
	if err != nil {
		return errors.Wrap(err, "bad position header")
	}
	h.pos = pos

	return nil
}

// Sends request and converts error responses back into vialab errors. The
// body of a successful GET is left open for the caller, all others are
// drained and closed.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, clientHost+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	// Node which cannot be reached is gone, it is removed only together
	// with its device.
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(vialab.ErrInterrupted, err.Error())
		}
		return nil, errors.Wrap(vialab.ErrNoSuchDevice, err.Error())
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, remoteError(resp, strings.TrimSpace(string(msg)))
	}

	if method != http.MethodGet {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	return resp, nil
}

func remoteError(resp *http.Response, msg string) error {
	code := resp.Header.Get(HeaderError)
	for _, c := range errorCodes {
		if c.code == code {
			return errors.Wrap(c.err, msg)
		}
	}

	return errors.Errorf("%s: %s", resp.Status, msg)
}

// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sockfs

import (
	"bytes"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/asch/vialab/internal/vialab"
)

// Protocol headers.
const (
	HeaderHandle   = "Vialab-Handle"
	HeaderPosition = "Vialab-Position"
	HeaderWritten  = "Vialab-Written"
	HeaderError    = "Vialab-Error"
)

// Error codes sent in HeaderError. Named after the errno values a character
// device returns in the same situations.
var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{vialab.ErrNoSuchDevice, "ENODEV", http.StatusNotFound},
	{vialab.ErrOutOfMemory, "ENOMEM", http.StatusInsufficientStorage},
	{vialab.ErrInvalidArgument, "EINVAL", http.StatusBadRequest},
	{vialab.ErrFault, "EFAULT", http.StatusBadGateway},
	{vialab.ErrInterrupted, "EINTR", http.StatusServiceUnavailable},
	{vialab.ErrClosed, "EBADF", http.StatusGone},
}

// One published device node. Every client open creates a handle kept in
// handles until the client closes it or the node is stopped.
type node struct {
	path   string
	id     vialab.ID
	opener vialab.Opener

	listener net.Listener
	server   *http.Server
	served   chan struct{}

	mutex   sync.Mutex
	handles map[uint64]*vialab.Handle
	next    uint64
	stopped bool

	// Connections taken over by h2c. The server forgets them once they
	// are hijacked, so stop closes them.
	hijacked map[net.Conn]struct{}
}

func startNode(path string, id vialab.ID, opener vialab.Opener) (*node, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	n := &node{
		path:     path,
		id:       id,
		opener:   opener,
		listener: l,
		served:   make(chan struct{}),
		handles:  make(map[uint64]*vialab.Handle),
		hijacked: make(map[net.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /handles", n.open)
	mux.HandleFunc("GET /handles/{h}", n.read)
	mux.HandleFunc("PUT /handles/{h}", n.write)
	mux.HandleFunc("POST /handles/{h}/seek", n.seek)
	mux.HandleFunc("DELETE /handles/{h}", n.close)

	n.server = &http.Server{
		Handler:   h2c.NewHandler(mux, &http2.Server{}),
		ConnState: n.track,
	}

	go n.serve()

	return n, nil
}

func (n *node) serve() {
	defer close(n.served)

	err := n.server.Serve(n.listener)
	if err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Str("node", n.path).Msg("serve")
	}
}

// Stops serving, closes all handles and removes the socket. Requests in
// flight are not waited for, their connections are closed.
func (n *node) stop() {
	if err := n.server.Close(); err != nil {
		log.Warn().Err(err).Str("node", n.path).Msg("close server")
	}
	<-n.served

	n.mutex.Lock()
	n.stopped = true
	for c := range n.hijacked {
		c.Close()
		delete(n.hijacked, c)
	}
	for id, h := range n.handles {
		h.Close()
		delete(n.handles, id)
	}
	n.mutex.Unlock()

	if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("node", n.path).Msg("remove socket")
	}
}

func (n *node) track(c net.Conn, state http.ConnState) {
	if state != http.StateHijacked {
		return
	}

	n.mutex.Lock()
	n.hijacked[c] = struct{}{}
	n.mutex.Unlock()
}

func (n *node) open(w http.ResponseWriter, r *http.Request) {
	h, err := n.opener.Open(n.id)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	n.mutex.Lock()
	if n.stopped {
		n.mutex.Unlock()
		h.Close()
		n.fail(w, r, errors.Wrapf(vialab.ErrNoSuchDevice, "node %s removed", n.path))
		return
	}
	n.next++
	id := n.next
	n.handles[id] = h
	n.mutex.Unlock()

	w.Header().Set(HeaderHandle, strconv.FormatUint(id, 10))
	w.WriteHeader(http.StatusCreated)
}

func (n *node) read(w http.ResponseWriter, r *http.Request) {
	h, err := n.handle(r)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	length, err := strconv.Atoi(r.URL.Query().Get("length"))
	if err != nil {
		n.fail(w, r, errors.Wrap(vialab.ErrInvalidArgument, "length"))
		return
	}

	var data bytes.Buffer
	_, pos, err := h.ReadTo(r.Context(), &data, length)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	w.Header().Set(HeaderPosition, strconv.FormatInt(pos, 10))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(data.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(data.Bytes())
}

func (n *node) write(w http.ResponseWriter, r *http.Request) {
	h, err := n.handle(r)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	if r.ContentLength < 0 {
		http.Error(w, "content length required", http.StatusLengthRequired)
		return
	}

	written, pos, err := h.WriteFrom(r.Context(), r.Body, int(r.ContentLength))
	if err != nil {
		n.fail(w, r, err)
		return
	}

	w.Header().Set(HeaderWritten, strconv.Itoa(written))
	w.Header().Set(HeaderPosition, strconv.FormatInt(pos, 10))
	w.WriteHeader(http.StatusOK)
}

func (n *node) seek(w http.ResponseWriter, r *http.Request) {
	h, err := n.handle(r)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	q := r.URL.Query()

	offset, err := strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil {
		n.fail(w, r, errors.Wrap(vialab.ErrInvalidArgument, "offset"))
		return
	}

	whence, err := parseWhence(q.Get("whence"))
	if err != nil {
		n.fail(w, r, err)
		return
	}

	pos, err := h.Seek(r.Context(), offset, whence)
	if err != nil {
		n.fail(w, r, err)
		return
	}

	w.Header().Set(HeaderPosition, strconv.FormatInt(pos, 10))
	w.WriteHeader(http.StatusOK)
}

func (n *node) close(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("h"), 10, 64)
	if err != nil {
		n.fail(w, r, errors.Wrap(vialab.ErrClosed, r.PathValue("h")))
		return
	}

	n.mutex.Lock()
	h, ok := n.handles[id]
	delete(n.handles, id)
	n.mutex.Unlock()

	if !ok {
		n.fail(w, r, errors.Wrapf(vialab.ErrClosed, "handle %d", id))
		return
	}

	h.Close()
	w.WriteHeader(http.StatusNoContent)
}

// Returns the handle named in the request path.
func (n *node) handle(r *http.Request) (*vialab.Handle, error) {
	id, err := strconv.ParseUint(r.PathValue("h"), 10, 64)
	if err != nil {
		return nil, errors.Wrap(vialab.ErrClosed, r.PathValue("h"))
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	h, ok := n.handles[id]
	if !ok {
		return nil, errors.Wrapf(vialab.ErrClosed, "handle %d", id)
	}

	return h, nil
}

func (n *node) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, status := "EIO", http.StatusInternalServerError
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			code, status = c.code, c.status
			break
		}
	}

	log.Warn().Err(err).Str("node", n.path).Str("method", r.Method).Str("path", r.URL.Path).
		Str("code", code).Msg("request failed")

	w.Header().Set(HeaderError, code)
	http.Error(w, err.Error(), status)
}

func parseWhence(s string) (vialab.Whence, error) {
	switch s {
	case "", vialab.FromStart.String():
		return vialab.FromStart, nil
	case vialab.FromCurrent.String():
		return vialab.FromCurrent, nil
	case vialab.FromEnd.String():
		return vialab.FromEnd, nil
	}

	return 0, errors.Wrapf(vialab.ErrInvalidArgument, "whence %q", s)
}

// Package controlplane implements the operator HTTP endpoint: a
// listener registered with the Poller whose accepted connections are
// each processed to completion inside the event loop, single-threaded
// cooperative. Handlers are bounded in work: they read supervisor state
// or set a deferred flag, never block on a child process.
package controlplane

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/supervisor"
)

// ConfigStatus is the body of GET /status/config.
type ConfigStatus struct {
	GenerationID string   `json:"generation_id"`
	ConfigFile   string   `json:"config_file"`
	RolesFile    string   `json:"roles_file,omitempty"`
	Roles        []string `json:"roles"`
	Tasks        []string `json:"tasks"`
}

// Controller is the slice of Legion a control-plane server drives. All
// methods are called from the event loop, so implementations need no
// locking; the Schedule* verbs are deferred so the reply goes out
// before the supervisor acts on them.
type Controller interface {
	Version() string
	TaskStatuses() []supervisor.Status
	ConfigStatus() ConfigStatus
	TaskCount(task string) (int, error)
	SetTaskCount(task string, count int) error
	SetTaskControl(task string, control string) error
	ScheduleReload()
	ScheduleReset()
	ScheduleStop()
}

// connDeadline bounds how long one accepted connection may occupy the
// event loop; handlers themselves are bounded, so this only guards
// against a peer that dribbles its request or stalls reading the reply.
const connDeadline = 5 * time.Second

// Server is one listener from settings.http or the --http flag.
type Server struct {
	listener     net.Listener
	pollFile     *os.File
	router       http.Handler
	allowControl bool
	unixPath     string
	addr         string
	log          zerolog.Logger
}

// New opens the listener described by desc and builds its router. A
// listen value starting with "/" is a local socket path; anything else
// is a TCP address. A certfile wraps the listener in TLS (certificate
// and key PEM in the one file).
func New(desc legionconfig.HTTPListener, ctrl Controller, log *zerolog.Logger) (*Server, error) {
	s := &Server{
		allowControl: desc.AllowControl,
		addr:         desc.Listen,
		log:          log.With().Str("listen", desc.Listen).Logger(),
	}

	var raw net.Listener
	var err error
	if strings.HasPrefix(desc.Listen, "/") {
		_ = os.Remove(desc.Listen)
		raw, err = net.Listen("unix", desc.Listen)
		s.unixPath = desc.Listen
	} else {
		raw, err = net.Listen("tcp", desc.Listen)
	}
	if err != nil {
		return nil, fmt.Errorf("controlplane: listening on %s: %w", desc.Listen, err)
	}

	// The poll handle must come from the raw socket, before any TLS
	// wrapping: tls.listener has no file descriptor of its own.
	switch l := raw.(type) {
	case *net.TCPListener:
		s.pollFile, err = l.File()
	case *net.UnixListener:
		s.pollFile, err = l.File()
	default:
		err = fmt.Errorf("unsupported listener type %T", raw)
	}
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("controlplane: %w", err)
	}

	s.listener = raw
	if desc.Certfile != "" {
		cert, cerr := tls.LoadX509KeyPair(desc.Certfile, desc.Certfile)
		if cerr != nil {
			s.Close()
			return nil, fmt.Errorf("controlplane: loading %s: %w", desc.Certfile, cerr)
		}
		s.listener = tls.NewListener(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	s.router = newRouter(ctrl, s.allowControl)
	return s, nil
}

// Handle returns the listening descriptor to register with the Poller.
func (s *Server) Handle() int { return int(s.pollFile.Fd()) }

// Addr returns the configured listen address, for logs and tests.
func (s *Server) Addr() string { return s.addr }

// HandleReadable accepts and serves exactly one connection, called by
// Legion when the Poller reports the listening handle readable. One
// request per connection; the reply is written and the connection
// closed before control returns to the loop.
func (s *Server) HandleReadable() {
	conn, err := s.listener.Accept()
	if err != nil {
		s.log.Warn().Err(err).Msg("accept failed")
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if err != io.EOF {
			s.log.Debug().Err(err).Msg("unreadable request")
		}
		return
	}
	req.RemoteAddr = conn.RemoteAddr().String()

	rw := newBufferedResponse()
	s.router.ServeHTTP(rw, req)
	if err := rw.flushTo(conn, req); err != nil {
		s.log.Debug().Err(err).Msg("writing response")
	}
	s.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Int("status", rw.status).Msg("request served")
}

// Close releases the listener and, for local sockets, the socket path.
func (s *Server) Close() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.pollFile != nil {
		_ = s.pollFile.Close()
	}
	if s.unixPath != "" {
		_ = os.Remove(s.unixPath)
	}
}

// bufferedResponse collects a handler's output so a complete HTTP/1.1
// response can be written to the raw connection in one pass.
type bufferedResponse struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{status: http.StatusOK, header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) { b.status = code }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flushTo(conn net.Conn, req *http.Request) error {
	resp := &http.Response{
		StatusCode:    b.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        b.header,
		Body:          io.NopCloser(&b.body),
		ContentLength: int64(b.body.Len()),
		Request:       req,
		Close:         true,
	}
	return resp.Write(conn)
}

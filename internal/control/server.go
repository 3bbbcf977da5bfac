package control

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Core is the set of operations the control socket dispatches into. The
// supervisor implements it; keeping it as an interface lets the protocol
// layer be tested without a running daemon.
type Core interface {
	// Show returns the access token for account, or an error if the
	// account is not Active; the server appends the authorisation URL
	// from AuthURL to that error. Must not block beyond the time it takes
	// to read in-memory state.
	Show(account string) (token string, err error)
	// Refresh behaves like Show but always (re)starts the flow/refresh
	// non-blockingly rather than just reporting the current token.
	Refresh(account string) (authURL string, err error)
	AuthURL(account string) (url string, hasURL bool, err error)
	Revoke(account string) error
	Reload() error
	Shutdown()
	Dump() ([]byte, error)
	Restore(data []byte) error
	Info(jsonFormat bool) (string, error)
	Status() (string, error)
}

// Server accepts connections and handles each on its own goroutine: it
// reads a single command frame (plus a payload frame for `restore`),
// dispatches it to Core, and writes a two-frame response: a status line,
// then a payload.
type Server struct {
	path string
	core Core
	ln   net.Listener
}

// New binds the control socket at path. An existing stale socket file at
// path is removed first, matching daemon restart behaviour.
func New(path string, core Core) (*Server, error) {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: bind %s: %w", path, err)
	}

	if err := unix.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("control: chmod %s: %w", path, err)
	}

	return &Server{path: path, core: core, ln: ln}, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	cmdFrame, err := ReadFrame(conn)
	if err != nil {
		return
	}

	fields := strings.Fields(string(cmdFrame))
	if len(fields) == 0 {
		writeResponse(conn, StatusErr, "empty command")
		return
	}

	var payload []byte
	if fields[0] == "restore" {
		payload, err = ReadFrame(conn)
		if err != nil {
			writeResponse(conn, StatusErr, "expected restore payload frame")
			return
		}
	}

	status, body := s.dispatch(fields, payload)
	writeResponse(conn, status, body)
}

func (s *Server) dispatch(fields []string, payload []byte) (Status, string) {
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "show":
		return s.dispatchShowLike(args, s.core.Show)
	case "refresh":
		return s.dispatchRefresh(args)
	case "revoke":
		if len(args) != 1 {
			return StatusErr, "usage: revoke <account>"
		}
		if err := s.core.Revoke(args[0]); err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, ""
	case "reload":
		if err := s.core.Reload(); err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, ""
	case "shutdown":
		s.core.Shutdown()
		return StatusOK, ""
	case "dump":
		data, err := s.core.Dump()
		if err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, string(data)
	case "restore":
		if err := s.core.Restore(payload); err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, ""
	case "info":
		jsonFormat := len(args) == 1 && args[0] == "-j"
		out, err := s.core.Info(jsonFormat)
		if err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, out
	case "status":
		out, err := s.core.Status()
		if err != nil {
			return StatusErr, err.Error()
		}
		return StatusOK, out
	default:
		return StatusErr, fmt.Sprintf("unknown command %q", cmd)
	}
}

func (s *Server) dispatchShowLike(args []string, fn func(string) (string, error)) (Status, string) {
	account, wantURL, err := parseAccountFlags(args)
	if err != nil {
		return StatusErr, err.Error()
	}

	token, err := fn(account)
	if err == nil {
		return StatusOK, token
	}

	msg := err.Error()
	if !wantURL {
		if url, hasURL, uerr := s.core.AuthURL(account); uerr == nil && hasURL {
			msg = fmt.Sprintf("%s with URL %s", msg, url)
		}
	}
	return StatusErr, msg
}

func (s *Server) dispatchRefresh(args []string) (Status, string) {
	account, wantURL, err := parseAccountFlags(args)
	if err != nil {
		return StatusErr, err.Error()
	}

	authURL, err := s.core.Refresh(account)
	if err != nil {
		return StatusErr, err.Error()
	}
	if authURL == "" {
		return StatusOK, ""
	}

	// A background refresh could not run; an auth flow was started instead.
	msg := "Token unavailable until authorised"
	if !wantURL {
		msg = fmt.Sprintf("%s with URL %s", msg, authURL)
	}
	return StatusErr, msg
}

func parseAccountFlags(args []string) (account string, wantURL bool, err error) {
	for _, a := range args {
		switch a {
		case "-u":
			wantURL = true
		default:
			if account != "" {
				return "", false, fmt.Errorf("unexpected argument %q", a)
			}
			account = a
		}
	}
	if account == "" {
		return "", false, fmt.Errorf("usage: <cmd> <account> [-u]")
	}
	return account, wantURL, nil
}

func writeResponse(conn net.Conn, status Status, body string) {
	if err := WriteFrame(conn, []byte(status)); err != nil {
		return
	}
	if err := WriteFrame(conn, []byte(body)); err != nil {
		log.Printf("control: write response body: %v", err)
	}
}

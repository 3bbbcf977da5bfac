package control

import (
	"fmt"
	"net"
	"time"
)

// Response is a decoded two-frame reply from the control socket.
type Response struct {
	OK   bool
	Body string
}

// Send dials the control socket at path, sends command (with optional
// payload, used only by `restore`), and returns the decoded response. One
// request/response pair per connection.
func Send(path, command string, payload []byte) (Response, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return Response{}, fmt.Errorf("connect to %s: %w", path, err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte(command)); err != nil {
		return Response{}, err
	}
	if payload != nil {
		if err := WriteFrame(conn, payload); err != nil {
			return Response{}, err
		}
	}

	statusFrame, err := ReadFrame(conn)
	if err != nil {
		return Response{}, fmt.Errorf("read status: %w", err)
	}
	bodyFrame, err := ReadFrame(conn)
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}

	return Response{OK: Status(statusFrame) == StatusOK, Body: string(bodyFrame)}, nil
}

// Command tokenbroker is the CLI front-end to tokenbrokerd's control
// socket. Every subcommand is a single framed request/response round
// trip; exit code 0 on success, 1 on any failure.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"tokenbroker/internal/control"
	"tokenbroker/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tokenbroker <show|refresh|revoke|reload|shutdown|dump|restore|info|status> [args...]")
		return 1
	}

	socketPath, err := socketPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenbroker: %v\n", err)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	var payload []byte
	if cmd == "restore" {
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tokenbroker: read restore input: %v\n", err)
			return 1
		}
	}

	command := cmd
	for _, a := range rest {
		command += " " + a
	}

	resp, err := control.Send(socketPath, command, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokenbroker: %v\n", err)
		return 1
	}

	if !resp.OK {
		fmt.Fprintln(os.Stderr, resp.Body)
		return 1
	}

	if cmd == "dump" {
		os.Stdout.Write([]byte(resp.Body))
	} else if resp.Body != "" {
		fmt.Println(resp.Body)
	}
	return 0
}

func socketPath() (string, error) {
	cacheDir, err := supervisor.DefaultCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "tokenbroker.sock"), nil
}

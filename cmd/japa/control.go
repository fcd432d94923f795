package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/harunnryd/japa/pkg/transports"
)

var errQuit = errors.New("quit")

// readLines feeds stdin lines into a channel closed at EOF. The reader
// goroutine may outlive the caller; stdin cannot be interrupted.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// controlLoop maps typed commands onto the session until ctx is done,
// stdin closes or "quit" is typed.
func controlLoop(ctx context.Context, lines <-chan string, ctrl transports.Control, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "":
			case "start", "s":
				if id, err := ctrl.Start(); err != nil {
					fmt.Fprintln(w, "start:", err)
				} else {
					fmt.Fprintln(w, "session", id)
				}
			case "stop", "x":
				if err := ctrl.Stop(); err != nil {
					fmt.Fprintln(w, "stop:", err)
				}
			case "status":
				snap := ctrl.Snapshot()
				fmt.Fprintf(w, "[%s] count=%d %s\n", snap.Phase, snap.OccurrenceCount, snap.Status)
			case "quit", "q", "exit":
				return errQuit
			default:
				fmt.Fprintln(w, "commands: start, stop, status, quit")
			}
		}
	}
}

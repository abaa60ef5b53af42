package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/sessionr/pkg/client"
)

// controlSocket returns the socket a control command talks to: the flag,
// then the variable every session child inherits.
func controlSocket(f ControlFlags) (string, error) {
	if f.Socket != "" {
		return f.Socket, nil
	}
	if s := os.Getenv(socketEnv); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("no control socket: pass --socket or set %s", socketEnv)
}

func controlClient(f ControlFlags) (*client.Client, error) {
	sock, err := controlSocket(f)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{Socket: sock, Timeout: f.Timeout}), nil
}

func showStatus(ctx context.Context, w io.Writer, f ControlFlags) error {
	c, err := controlClient(f)
	if err != nil {
		return err
	}
	if f.Name != "" {
		st, err := c.Node(ctx, f.Name)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("node %s is not part of the session", f.Name)
			}
			return err
		}
		if f.JSON {
			return printJSON(w, st)
		}
		return writeTable(w, statusTable([]client.NodeStatus{*st}))
	}

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(w, st)
	}
	if _, err := fmt.Fprintf(w, "session %s (root %s)\n", st.Status, st.Root); err != nil {
		return err
	}
	return writeTable(w, statusTable(st.Nodes))
}

func requestStop(ctx context.Context, w io.Writer, f ControlFlags) error {
	c, err := controlClient(f)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, "stop requested")
	return err
}

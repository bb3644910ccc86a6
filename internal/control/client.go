package control

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

const clientTimeout = 5 * time.Second

// Conn is a client session against a control server.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func Dial(addr string) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, clientTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Conn{conn: conn, scanner: bufio.NewScanner(conn)}, nil
}

// Do sends one command and returns the reply lines, without the
// terminating blank line.
func (c *Conn) Do(command string) ([]string, error) {
	c.conn.SetDeadline(time.Now().Add(clientTimeout))
	if _, err := fmt.Fprintln(c.conn, command); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var lines []string
	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
	if err := c.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	return nil, fmt.Errorf("connection closed before reply completed")
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Send issues one command over a fresh connection.
func Send(addr, command string) ([]string, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Do(command)
}

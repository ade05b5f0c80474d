//go:build !windows

// Package ptyx owns the agent-side PTY sessions behind the browser
// terminal: a real login shell on a pty master, with a reader pump feeding
// an outbound channel.
package ptyx

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const readBufSize = 4096

// Session is one live shell. Output carries raw master reads and is closed
// when the PTY reaches EOF or errors; the closed channel is the consumer's
// termination sentinel.
type Session struct {
	ID string

	ptmx *os.File
	cmd  *exec.Cmd
	out  chan []byte

	closeOnce sync.Once
}

// Start forks a login shell on a fresh PTY with the requested window size.
func Start(id string, cols, rows int) (*Session, error) {
	if cols <= 0 || rows <= 0 {
		cols, rows = 80, 24
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell, "-l")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("启动终端失败: %w", err)
	}

	s := &Session{
		ID:   id,
		ptmx: ptmx,
		cmd:  cmd,
		out:  make(chan []byte, 32),
	}
	go s.readLoop()
	return s, nil
}

// Output returns the master read stream. Closed on PTY EOF.
func (s *Session) Output() <-chan []byte {
	return s.out
}

// readLoop pumps master reads into the channel. EIO after shell exit is the
// normal Linux termination path, not an error worth reporting.
func (s *Session) readLoop() {
	defer close(s.out)
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out <- chunk
		}
		if err != nil {
			log.Printf("[PTY] Session %s read ended: %v", s.ID, err)
			return
		}
	}
}

// Write feeds input bytes to the shell.
func (s *Session) Write(data []byte) error {
	if _, err := s.ptmx.Write(data); err != nil {
		return fmt.Errorf("写入终端失败: %w", err)
	}
	return nil
}

// Resize applies a new window size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("非法的终端尺寸: %dx%d", cols, rows)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Close tears the PTY down and reaps the shell. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.ptmx.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		go s.cmd.Wait()
	})
}

package emu

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Remote drives an external emulator binary over a stdin/stdout line
// protocol. The handshake is "emu" -> "emuok", then "isready" -> "readyok".
// Commands: "step <n>" -> "ok", "load <b64>" -> "ok", "save" -> "state <b64>",
// "memory" -> "memory <b64>", "quit".
type Remote struct {
	path    string
	timeout time.Duration

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool

	// exited is closed when the process exits.
	exited chan struct{}
}

// NewRemote spawns the emulator process and performs the handshake.
func NewRemote(path string, timeout time.Duration) (*Remote, error) {
	r := &Remote{path: path, timeout: timeout}
	if err := r.start(); err != nil {
		return nil, fmt.Errorf("remote emulator: start: %w", err)
	}
	if err := r.handshake(); err != nil {
		r.Close()
		return nil, fmt.Errorf("remote emulator: handshake: %w", err)
	}
	return r, nil
}

// Step advances one frame.
func (r *Remote) Step(inp byte) error {
	if err := r.send(fmt.Sprintf("step %d", inp)); err != nil {
		return err
	}
	_, err := r.expect("ok")
	return err
}

// Save returns the machine state snapshot.
func (r *Remote) Save() ([]byte, error) {
	if err := r.send("save"); err != nil {
		return nil, err
	}
	line, err := r.expect("state ")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "state "))
}

// Load restores a snapshot.
func (r *Remote) Load(state []byte) error {
	if err := r.send("load " + base64.StdEncoding.EncodeToString(state)); err != nil {
		return err
	}
	_, err := r.expect("ok")
	return err
}

// Memory returns the current memory snapshot.
func (r *Remote) Memory() ([]byte, error) {
	if err := r.send("memory"); err != nil {
		return nil, err
	}
	line, err := r.expect("memory ")
	if err != nil {
		return nil, err
	}
	mem, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "memory "))
	if err != nil {
		return nil, err
	}
	if len(mem) != MemorySize {
		return nil, fmt.Errorf("remote emulator: memory size %d, want %d", len(mem), MemorySize)
	}
	return mem, nil
}

// Close sends "quit" and waits for process exit, killing after 3 seconds.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.stdin != nil {
		fmt.Fprintf(r.stdin, "quit\n")
	}
	r.closed = true
	r.mu.Unlock()

	if r.stdin != nil {
		r.stdin.Close()
	}
	if r.exited != nil {
		select {
		case <-r.exited:
		case <-time.After(3 * time.Second):
			log.Warn().Msg("Emulator did not exit within 3s, killing")
			if r.cmd != nil && r.cmd.Process != nil {
				r.cmd.Process.Kill()
			}
			<-r.exited
		}
	}
	return nil
}

func (r *Remote) start() error {
	r.cmd = exec.Command(r.path)

	var err error
	r.stdin, err = r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	r.scanner = bufio.NewScanner(stdout)
	// Savestates are large; give the scanner room for one per line.
	r.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	r.exited = make(chan struct{})

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	go func() {
		r.cmd.Wait()
		close(r.exited)
	}()
	return nil
}

func (r *Remote) handshake() error {
	if err := r.send("emu"); err != nil {
		return err
	}
	if _, err := r.expect("emuok"); err != nil {
		return fmt.Errorf("waiting for emuok: %w", err)
	}
	if err := r.send("isready"); err != nil {
		return err
	}
	if _, err := r.expect("readyok"); err != nil {
		return fmt.Errorf("waiting for readyok: %w", err)
	}
	return nil
}

// send writes a command line to the emulator's stdin.
func (r *Remote) send(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.stdin == nil {
		return fmt.Errorf("remote emulator: closed")
	}
	_, err := fmt.Fprintf(r.stdin, "%s\n", line)
	return err
}

// expect reads lines until one matches prefix (or equals it exactly), with a
// deadline. Non-matching lines are ignored so the emulator may emit info
// lines freely.
func (r *Remote) expect(prefix string) (string, error) {
	deadline := time.After(r.timeout)
	ch := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		for r.scanner.Scan() {
			line := r.scanner.Text()
			if line == strings.TrimSuffix(prefix, " ") || strings.HasPrefix(line, prefix) {
				ch <- line
				return
			}
		}
		if err := r.scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- fmt.Errorf("emulator closed stdout before sending %q", prefix)
		}
	}()

	select {
	case line := <-ch:
		return line, nil
	case err := <-errCh:
		return "", err
	case <-deadline:
		return "", fmt.Errorf("timeout waiting for %q", prefix)
	}
}

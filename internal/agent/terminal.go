// ABOUTME: Interactive terminals over the relay, backed by creack/pty.
// ABOUTME: Serves create/input/resize/close actions and streams output.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/tidewater-labs/crosswire/internal/protocol"
)

// OutputFunc receives raw terminal output to forward to the client.
type OutputFunc func(terminalID, data string)

// TerminalManager owns the agent's live PTYs.
type TerminalManager struct {
	Shell string // defaults to $SHELL, then /bin/sh

	mu    sync.Mutex
	terms map[string]*terminal
}

type terminal struct {
	id   string
	cmd  *exec.Cmd
	ptmx *os.File
}

func NewTerminalManager(shell string) *TerminalManager {
	return &TerminalManager{
		Shell: shell,
		terms: make(map[string]*terminal),
	}
}

// Handle serves one terminal action. Output from a created terminal is
// pumped through out until the PTY closes.
func (m *TerminalManager) Handle(ctx context.Context, p *protocol.TerminalPayload, out OutputFunc) protocol.ResultPayload {
	switch p.Action {
	case "create":
		return m.create(p, out)
	case "input":
		return m.input(p)
	case "resize":
		return m.resize(p)
	case "close":
		return m.close(p)
	default:
		return protocol.ResultPayload{
			Action:  p.Action,
			Success: false,
			Error:   "unknown terminal action " + p.Action,
		}
	}
}

func (m *TerminalManager) shellPath() string {
	if m.Shell != "" {
		return m.Shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (m *TerminalManager) create(p *protocol.TerminalPayload, out OutputFunc) protocol.ResultPayload {
	cmd := exec.Command(m.shellPath())
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return protocol.ResultPayload{Action: p.Action, Success: false, Error: err.Error()}
	}
	if p.Cols > 0 && p.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(p.Rows), Cols: uint16(p.Cols)})
	}

	t := &terminal{id: uuid.New().String(), cmd: cmd, ptmx: ptmx}
	m.mu.Lock()
	m.terms[t.id] = t
	m.mu.Unlock()

	go m.pump(t, out)

	data, _ := json.Marshal(map[string]string{"terminalId": t.id})
	return protocol.ResultPayload{Action: p.Action, TerminalID: t.id, Success: true, Data: data}
}

// pump copies PTY output to the relay until the shell exits.
func (m *TerminalManager) pump(t *terminal, out OutputFunc) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			out(t.id, string(buf[:n]))
		}
		if err != nil {
			break
		}
	}
	m.mu.Lock()
	delete(m.terms, t.id)
	m.mu.Unlock()
	_ = t.ptmx.Close()
	_ = t.cmd.Wait()
}

func (m *TerminalManager) get(id string) (*terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, errors.New("unknown terminal " + id)
	}
	return t, nil
}

func (m *TerminalManager) input(p *protocol.TerminalPayload) protocol.ResultPayload {
	t, err := m.get(p.TerminalID)
	if err == nil {
		_, err = t.ptmx.WriteString(p.Data)
	}
	return m.ack(p, err)
}

func (m *TerminalManager) resize(p *protocol.TerminalPayload) protocol.ResultPayload {
	t, err := m.get(p.TerminalID)
	if err == nil {
		err = pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(p.Rows), Cols: uint16(p.Cols)})
	}
	return m.ack(p, err)
}

func (m *TerminalManager) close(p *protocol.TerminalPayload) protocol.ResultPayload {
	t, err := m.get(p.TerminalID)
	if err == nil {
		err = t.cmd.Process.Kill()
	}
	return m.ack(p, err)
}

func (m *TerminalManager) ack(p *protocol.TerminalPayload, err error) protocol.ResultPayload {
	if err != nil {
		return protocol.ResultPayload{Action: p.Action, TerminalID: p.TerminalID, Success: false, Error: err.Error()}
	}
	return protocol.ResultPayload{Action: p.Action, TerminalID: p.TerminalID, Success: true}
}

// CloseAll kills every live terminal, used at shutdown.
func (m *TerminalManager) CloseAll() {
	m.mu.Lock()
	terms := make([]*terminal, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.mu.Unlock()
	for _, t := range terms {
		_ = t.cmd.Process.Kill()
	}
}

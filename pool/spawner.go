package pool

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
)

// Process is a started worker
type Process interface {
	Conn() protocol.Conn
	// PID is zero for workers that are not local OS processes
	PID() int
	// Wait blocks until the worker is gone
	Wait() error
	Kill() error
}

// Spawner starts workers
type Spawner interface {
	Spawn(ctx context.Context, id string) (Process, error)
}

// ExecSpawner runs each worker as a child process speaking length prefixed
// frames on stdin and stdout. Stderr is forwarded to the logger.
type ExecSpawner struct {
	Command string
	Args    []string
	// Env is appended to the parent environment
	Env    []string
	Dir    string
	Logger logger.Logger
}

var _ Spawner = (*ExecSpawner)(nil)

type execProcess struct {
	cmd  *exec.Cmd
	conn *protocol.StreamConn
	once sync.Once
	err  error
	done chan struct{}
}

func (s *ExecSpawner) Spawn(ctx context.Context, id string) (Process, error) {
	if s.Command == "" {
		return nil, fault.New(fault.CodeInvalidArgs, "worker command is required")
	}
	args := append(append([]string(nil), s.Args...), "--worker-id", id)
	cmd := exec.Command(s.Command, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(append(os.Environ(), s.Env...), "BRIDGE_WORKER_ID="+id)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeInternal, "stdout pipe")
	}
	if s.Logger != nil {
		cmd.Stderr = &logWriter{logger: logger.WithKV(s.Logger.WithPrefix("[worker-stderr]"), "worker_id", id)}
	}
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(err, fault.CodeUnavailable, "start %s", s.Command)
	}
	p := &execProcess{
		cmd:  cmd,
		conn: protocol.NewStreamConnPair(stdout, stdin),
		done: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Conn() protocol.Conn { return p.conn }

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Kill() error {
	var err error
	p.once.Do(func() {
		_ = p.conn.Close()
		select {
		case <-p.done:
		default:
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

type logWriter struct {
	logger logger.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	w.logger.Info("%s", string(b))
	return len(b), nil
}

// FuncSpawner runs each worker in-process on a goroutine connected through
// protocol.Pipe. The function should serve conn until it is closed.
type FuncSpawner func(ctx context.Context, id string, conn protocol.Conn) error

var _ Spawner = FuncSpawner(nil)

type funcProcess struct {
	conn   protocol.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (f FuncSpawner) Spawn(ctx context.Context, id string) (Process, error) {
	hostConn, workerConn := protocol.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &funcProcess{conn: hostConn, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer workerConn.Close()
		p.err = f(runCtx, id, workerConn)
	}()
	return p, nil
}

func (p *funcProcess) Conn() protocol.Conn { return p.conn }

func (p *funcProcess) PID() int { return 0 }

func (p *funcProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *funcProcess) Kill() error {
	p.cancel()
	return p.conn.Close()
}

package integration

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ServerConfig contains the args and environment required to launch a
// nameserver instance.
type ServerConfig struct {
	BaseDir string
	Port    uint16
	// Connect is passed through NAMESERVER_CONNECT_STRING when set.
	Connect string
	exe     string
}

// DefaultConfig returns a ServerConfig rooted in baseDir listening on port.
func DefaultConfig(baseDir string, port uint16) (*ServerConfig, error) {
	exe, err := nameserverExecutablePath(filepath.Dir(baseDir))
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		BaseDir: baseDir,
		Port:    port,
		exe:     exe,
	}, nil
}

func (cfg *ServerConfig) genArgs() []string {
	return []string{
		fmt.Sprintf("--dir=%s", cfg.BaseDir),
		"--debuglog",
	}
}

func (cfg *ServerConfig) genEnv() []string {
	env := append(os.Environ(), fmt.Sprintf("PORT=%d", cfg.Port))
	if cfg.Connect != "" {
		env = append(env, fmt.Sprintf("NAMESERVER_CONNECT_STRING=%s", cfg.Connect))
	}
	return env
}

// server manages a running nameserver process.
type server struct {
	cfg *ServerConfig
	cmd *exec.Cmd

	stderr bytes.Buffer

	// processExit is closed once the process has exited.
	processExit chan struct{}
	wg          sync.WaitGroup

	errChan chan error
}

func newServer(cfg *ServerConfig) *server {
	return &server{
		cfg:     cfg,
		errChan: make(chan error, 1),
	}
}

func (s *server) start() error {
	s.cmd = exec.Command(s.cfg.exe, s.cfg.genArgs()...)
	s.cmd.Env = s.cfg.genEnv()
	s.cmd.Stderr = &s.stderr

	if err := s.cmd.Start(); err != nil {
		return err
	}

	s.processExit = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.processExit)

		err := s.cmd.Wait()
		if err != nil && !strings.Contains(err.Error(), "signal: ") {
			s.errChan <- fmt.Errorf("%w\n%s", err, s.stderr.String())
		}
	}()

	return nil
}

// stop interrupts the process and waits for it to exit.
func (s *server) stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupting process: %w", err)
	}
	<-s.processExit
	s.wg.Wait()
	s.cmd = nil
	return nil
}

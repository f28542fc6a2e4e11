// Package node implements the fleet node capability over SSH for real
// remote machines and over the local shell for single-machine runs.
package node

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"harmlab/internal/core/ports"
)

// SSHConfig describes how to reach one remote machine.
type SSHConfig struct {
	Host    string
	Port    int
	User    string
	KeyFile string
	Timeout time.Duration
}

// SSHNode executes commands and moves files on one remote machine over a
// shared SSH client connection. Each Execute opens its own session, so
// concurrent calls are safe.
type SSHNode struct {
	name   string
	client *ssh.Client
	log    *zap.SugaredLogger
}

// DialSSH connects to a fleet node. The experiment runs on private testbed
// slices whose host keys change on every provisioning, so host key checking
// is disabled.
func DialSSH(name string, cfg SSHConfig, log *zap.SugaredLogger) (*SSHNode, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyFile, err)
	}

	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s (%s): %w", name, addr, err)
	}

	log.Infow("node connected", "node", name, "addr", addr)
	return &SSHNode{name: name, client: client, log: log}, nil
}

func (n *SSHNode) Name() string { return n.name }

// Execute runs a command to completion and returns its exit status and
// captured output. A non-zero exit status is not an error: callers decide
// what failure means for their command.
func (n *SSHNode) Execute(ctx context.Context, cmd string) (ports.ExecResult, error) {
	session, err := n.client.NewSession()
	if err != nil {
		return ports.ExecResult{}, fmt.Errorf("%s: new session: %w", n.name, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return ports.ExecResult{}, fmt.Errorf("%s: command cancelled: %w", n.name, ctx.Err())
	case err = <-done:
	}

	result := ports.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		exitErr, ok := err.(*ssh.ExitError)
		if !ok {
			return result, fmt.Errorf("%s: run %q: %w", n.name, cmd, err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}
	return result, nil
}

// ExecuteBackground starts a detached process and returns immediately. The
// nohup wrapper keeps it alive after the session closes; nothing ever awaits
// it, the controller's timing budgets are the only synchronization.
func (n *SSHNode) ExecuteBackground(ctx context.Context, cmd string) error {
	wrapped := fmt.Sprintf("nohup sh -c %q >/dev/null 2>&1 &", cmd)
	res, err := n.Execute(ctx, wrapped)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s: background start %q: exit %d: %s", n.name, cmd, res.ExitCode, res.Stderr)
	}
	return nil
}

func (n *SSHNode) Upload(localPath, remotePath string) error {
	client, err := sftp.NewClient(n.client)
	if err != nil {
		return fmt.Errorf("%s: sftp: %w", n.name, err)
	}
	defer client.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%s: open %s: %w", n.name, localPath, err)
	}
	defer src.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%s: create remote %s: %w", n.name, remotePath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%s: upload %s: %w", n.name, remotePath, err)
	}
	return nil
}

func (n *SSHNode) Download(remotePath, localPath string) error {
	client, err := sftp.NewClient(n.client)
	if err != nil {
		return fmt.Errorf("%s: sftp: %w", n.name, err)
	}
	defer client.Close()

	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%s: open remote %s: %w", n.name, remotePath, err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%s: create %s: %w", n.name, localPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%s: download %s: %w", n.name, remotePath, err)
	}
	return nil
}

func (n *SSHNode) Close() error {
	return n.client.Close()
}

package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
	pipe "gopkg.in/m-lab/pipe.v3"

	"harmlab/internal/core/ports"
)

// LocalNode runs fleet commands on the local machine. It backs
// single-machine experiment runs (everything on loopback) and the test
// suite; uploads and downloads degrade to file copies.
type LocalNode struct {
	name string
	log  *zap.SugaredLogger
}

func NewLocalNode(name string, log *zap.SugaredLogger) *LocalNode {
	return &LocalNode{name: name, log: log}
}

func (n *LocalNode) Name() string { return n.name }

// Execute runs a command to completion. Cancelling the context kills the
// process, matching the remote node's behavior of closing the session.
func (n *LocalNode) Execute(ctx context.Context, cmd string) (ports.ExecResult, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := ports.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("%s: command cancelled: %w", n.name, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("%s: run %q: %w", n.name, cmd, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func (n *LocalNode) ExecuteBackground(ctx context.Context, cmd string) error {
	wrapped := fmt.Sprintf("nohup sh -c %q >/dev/null 2>&1 &", cmd)
	if err := pipe.Run(pipe.System(wrapped)); err != nil {
		return fmt.Errorf("%s: background start %q: %w", n.name, cmd, err)
	}
	return nil
}

func (n *LocalNode) Upload(localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (n *LocalNode) Download(remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

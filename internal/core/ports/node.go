package ports

import "context"

// ExecResult carries the outcome of a blocking remote command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Node is the capability surface of one machine in the fleet. Background
// execution is detached fire-and-forget: started processes are never awaited,
// synchronization happens through the controller's timing budgets.
type Node interface {
	Name() string
	Execute(ctx context.Context, cmd string) (ExecResult, error)
	ExecuteBackground(ctx context.Context, cmd string) error
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
}

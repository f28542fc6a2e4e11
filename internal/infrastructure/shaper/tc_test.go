package shaper

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"harmlab/internal/core/domain"
	"harmlab/internal/core/ports"
	experrors "harmlab/pkg/errors"
)

// fakeNode records every executed command and fails those matching failOn.
type fakeNode struct {
	cmds   []string
	failOn string
}

func (f *fakeNode) Name() string { return "router" }

func (f *fakeNode) Execute(_ context.Context, cmd string) (ports.ExecResult, error) {
	f.cmds = append(f.cmds, cmd)
	if f.failOn != "" && strings.Contains(cmd, f.failOn) {
		return ports.ExecResult{ExitCode: 2, Stderr: "RTNETLINK answers: Invalid argument"}, nil
	}
	return ports.ExecResult{}, nil
}

func (f *fakeNode) ExecuteBackground(context.Context, string) error { return nil }
func (f *fakeNode) Upload(string, string) error                     { return nil }
func (f *fakeNode) Download(string, string) error                   { return nil }

func TestApply_InstallsHardCapAndBoundedQueue(t *testing.T) {
	n := &fakeNode{}
	s := NewTCShaper(zap.NewNop().Sugar())

	err := s.Apply(context.Background(), n, "ens8", domain.LinkProfile{
		CapacityMbps:      40,
		QueueLimitPackets: 1000,
	})
	require.NoError(t, err)
	require.Len(t, n.cmds, 4)

	assert.Contains(t, n.cmds[0], "tc qdisc del dev ens8 root")
	assert.Contains(t, n.cmds[1], "tc qdisc add dev ens8 root handle 1: htb default 10")
	assert.Contains(t, n.cmds[2], "rate 40mbit ceil 40mbit")
	assert.Contains(t, n.cmds[3], "netem limit 1000")
	assert.NotContains(t, n.cmds[3], "loss")
}

func TestApply_LossAppendedOnlyWhenPositive(t *testing.T) {
	n := &fakeNode{}
	s := NewTCShaper(zap.NewNop().Sugar())

	err := s.Apply(context.Background(), n, "ens8", domain.LinkProfile{
		CapacityMbps:      40,
		QueueLimitPackets: 1000,
		LossPercent:       2,
	})
	require.NoError(t, err)
	assert.Contains(t, n.cmds[3], "loss 2%")
}

func TestApply_IdempotentDeleteFailureTolerated(t *testing.T) {
	// A fresh interface has no root qdisc; the delete fails and the install
	// must proceed anyway.
	n := &fakeNode{failOn: "qdisc del"}
	s := NewTCShaper(zap.NewNop().Sugar())

	err := s.Apply(context.Background(), n, "ens8", domain.LinkProfile{
		CapacityMbps:      40,
		QueueLimitPackets: 1000,
	})
	require.NoError(t, err)
	assert.Len(t, n.cmds, 4)
}

func TestApply_InstallFailureIsConfigError(t *testing.T) {
	n := &fakeNode{failOn: "htb default"}
	s := NewTCShaper(zap.NewNop().Sugar())

	err := s.Apply(context.Background(), n, "ens8", domain.LinkProfile{
		CapacityMbps:      40,
		QueueLimitPackets: 1000,
	})
	require.Error(t, err)
	assert.True(t, experrors.HasCode(err, experrors.ErrCodeConfig))
}

func TestApply_RejectsInvalidProfile(t *testing.T) {
	n := &fakeNode{}
	s := NewTCShaper(zap.NewNop().Sugar())

	err := s.Apply(context.Background(), n, "ens8", domain.LinkProfile{
		CapacityMbps:      0,
		QueueLimitPackets: 1000,
	})
	require.Error(t, err)
	assert.True(t, experrors.HasCode(err, experrors.ErrCodeConfig))
	assert.Empty(t, n.cmds)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/transfers"
)

type fakeControl struct {
	calls []string
	fail  error
}

func (f *fakeControl) record(op string, id int) (transfers.FileTransfer, error) {
	f.calls = append(f.calls, op)
	if f.fail != nil {
		return transfers.FileTransfer{}, f.fail
	}
	status := map[string]transfers.Status{
		"accept": transfers.StatusConfirmedComplete,
		"reject": transfers.StatusRejected,
		"retry":  transfers.StatusPending,
	}[op]
	return transfers.FileTransfer{ID: id, FileName: "a.txt", Status: status}, nil
}

func (f *fakeControl) AcceptInboundFileTransfer(_ context.Context, id int) (transfers.FileTransfer, error) {
	return f.record("accept", id)
}

func (f *fakeControl) RejectInboundFileTransfer(_ context.Context, id int) (transfers.FileTransfer, error) {
	return f.record("reject", id)
}

func (f *fakeControl) RetryFileTransfer(_ context.Context, id int) (transfers.FileTransfer, error) {
	return f.record("retry", id)
}

func TestRunConsoleCommand(t *testing.T) {
	control := &fakeControl{}
	ctx := context.Background()

	reply, err := runConsoleCommand(ctx, control, "accept 4")
	require.NoError(t, err)
	assert.Equal(t, "transfer 4: a.txt confirmed_complete", reply)

	_, err = runConsoleCommand(ctx, control, "REJECT 2")
	require.NoError(t, err)
	_, err = runConsoleCommand(ctx, control, "retry 9")
	require.NoError(t, err)
	assert.Equal(t, []string{"accept", "reject", "retry"}, control.calls)

	_, err = runConsoleCommand(ctx, control, "accept")
	require.ErrorIs(t, err, errConsoleUsage)
	_, err = runConsoleCommand(ctx, control, "cancel 1")
	require.ErrorIs(t, err, errConsoleUsage)
	_, err = runConsoleCommand(ctx, control, "accept x")
	require.Error(t, err)
	assert.Len(t, control.calls, 3)
}

func TestReadConsoleReportsErrorsAndContinues(t *testing.T) {
	control := &fakeControl{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var out bytes.Buffer
	readConsole(context.Background(), strings.NewReader("bogus\n\naccept 1\n"), &out, control, logger)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "error: usage"))
	assert.Equal(t, "transfer 1: a.txt confirmed_complete", lines[1])

	control.fail = errors.New("not pending")
	out.Reset()
	readConsole(context.Background(), strings.NewReader("reject 1\n"), &out, control, logger)
	assert.Equal(t, "error: not pending\n", out.String())
}

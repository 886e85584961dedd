package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"peerdrop/transfers"
)

var errConsoleUsage = errors.New("usage: accept <id> | reject <id> | retry <id>")

// transferControl is the part of a node the serve console drives.
type transferControl interface {
	AcceptInboundFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error)
	RejectInboundFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error)
	RetryFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error)
}

// readConsole runs one command per input line until in is exhausted or ctx
// ends. Accept blocks until the transfer settles.
func readConsole(ctx context.Context, in io.Reader, out io.Writer, node transferControl, logger logrus.FieldLogger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := runConsoleCommand(ctx, node, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
	if err := scanner.Err(); err != nil {
		logger.WithError(err).Debug("console input closed")
	}
}

func runConsoleCommand(ctx context.Context, node transferControl, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", errConsoleUsage
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid transfer id %q", fields[1])
	}

	var t transfers.FileTransfer
	switch strings.ToLower(fields[0]) {
	case "accept":
		t, err = node.AcceptInboundFileTransfer(ctx, id)
	case "reject":
		t, err = node.RejectInboundFileTransfer(ctx, id)
	case "retry":
		t, err = node.RetryFileTransfer(ctx, id)
	default:
		return "", errConsoleUsage
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("transfer %d: %s %s", t.ID, t.FileName, t.Status), nil
}

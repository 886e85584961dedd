package main

import (
	"fmt"
	"io"
	"time"

	"peerdrop/events"
	"peerdrop/storage"
)

func printEvent(out io.Writer, e events.Event) {
	line := describeEvent(e)
	if line == "" {
		return
	}
	fmt.Fprintf(out, "%s  %s\n", e.Time.Format("15:04:05"), line)
}

// describeEvent renders the events a person cares about. Request bookkeeping
// is left to the debug log.
func describeEvent(e events.Event) string {
	remote := ""
	if e.Remote != nil {
		remote = e.Remote.String()
	}

	switch e.Kind {
	case events.ServerStarted:
		return fmt.Sprintf("listening on %s", remote)
	case events.ServerStopped:
		return "stopped"
	case events.TextMessageReceived:
		return fmt.Sprintf("message from %s: %s", remote, e.Text)
	case events.ServerInfoReceived:
		return fmt.Sprintf("server info from %s", remote)
	case events.FileListReceived:
		return fmt.Sprintf("%d files in %s on %s", len(e.Files), e.Folder, remote)
	case events.FolderEmpty:
		return fmt.Sprintf("folder %s on %s is empty", e.Folder, remote)
	case events.FolderNotFound:
		return fmt.Sprintf("folder %s not found on %s", e.Folder, remote)
	case events.InboundFileTransferRequested:
		return fmt.Sprintf("transfer %d: %s offers %s", e.TransferID, remote, e.Text)
	case events.FileTransferAccepted:
		return fmt.Sprintf("transfer %d: %s accepted", e.TransferID, e.Text)
	case events.FileTransferRejected:
		return fmt.Sprintf("transfer %d: %s rejected", e.TransferID, e.Text)
	case events.FileTransferStarted:
		return fmt.Sprintf("transfer %d: %s started", e.TransferID, e.Text)
	case events.FileTransferProgress:
		return fmt.Sprintf("transfer %d: %s %5.1f%% (%s)", e.TransferID, e.Text, e.Progress*100, formatBytes(e.Bytes))
	case events.FileTransferStalled:
		return fmt.Sprintf("transfer %d: %s stalled", e.TransferID, e.Text)
	case events.FileTransferCompleted:
		return fmt.Sprintf("transfer %d: %s complete", e.TransferID, e.Text)
	case events.FileTransferCancelled:
		return fmt.Sprintf("transfer %d: %s cancelled", e.TransferID, e.Text)
	case events.FileTransferFailed:
		return fmt.Sprintf("transfer %d: %s failed: %v", e.TransferID, e.Text, e.Err)
	case events.PartialFileDeleted:
		return fmt.Sprintf("transfer %d: removed partial %s", e.TransferID, e.Text)
	case events.RetryLimitExceeded:
		return fmt.Sprintf("transfer %d: retry limit exceeded", e.TransferID)
	case events.RequestedFileNotFound:
		return fmt.Sprintf("transfer %d: %s not found on %s", e.TransferID, e.Text, remote)
	case events.ShutdownRequested:
		return "shutdown requested"
	case events.Error:
		return fmt.Sprintf("error: %v", e.Err)
	default:
		return ""
	}
}

func printFileList(out io.Writer, e events.Event) {
	fmt.Fprintf(out, "%s\n", e.Folder)
	tw := newTable(out)
	for _, file := range e.Files {
		fmt.Fprintf(tw, "  %s\t%s\n", file.Name, formatBytes(file.SizeBytes))
	}
	fmt.Fprintf(tw, "  %d files\t%s\n", len(e.Files), formatBytes(e.Files.TotalSize()))
	_ = tw.Flush()
}

func printPeers(out io.Writer, peers []storage.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no peers known")
		return
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "NAME\tADDRESS\tPLATFORM\tLAST SEEN\tDEVICE ID")
	for _, peer := range peers {
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s\t%s\n",
			peer.DeviceName, peer.Address, peer.Port, peer.Platform,
			formatMillis(peer.LastSeen), peer.DeviceID)
	}
	_ = tw.Flush()
}

func printTransferHistory(out io.Writer, records []storage.TransferRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no transfers archived")
		return
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "WHEN\tDIRECTION\tSTATUS\tFILE\tSIZE\tPEER")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(r.RequestedAt), r.Direction, r.Status, r.FileName,
			formatBytes(r.FileSize), r.RemoteAddress)
	}
	_ = tw.Flush()
}

func printRequestHistory(out io.Writer, records []storage.RequestRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no requests archived")
		return
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "WHEN\tDIRECTION\tTYPE\tSTATUS\tPEER\tDETAIL")
	for _, r := range records {
		detail := ""
		if r.Body != nil {
			detail = *r.Body
		}
		if r.Error != nil {
			detail = *r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(r.Timestamp), r.Direction, r.Type, r.Status, r.RemoteAddress, detail)
	}
	_ = tw.Flush()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

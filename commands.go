package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/discovery"
	"peerdrop/events"
	"peerdrop/network"
	"peerdrop/protocol"
	"peerdrop/storage"
	"peerdrop/transfers"
)

const (
	defaultReplyTimeout    = 10 * time.Second
	defaultTransferTimeout = 30 * time.Minute
)

func (c *cli) serveCommand() *cobra.Command {
	var (
		port        int
		autoAccept  bool
		noDiscovery bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := c.cfg.ServerOptions()
			if cmd.Flags().Changed("port") {
				opts.ListenAddress = net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
			}
			if cmd.Flags().Changed("auto-accept") {
				opts.AutoAccept = autoAccept
			}

			ctx := cmd.Context()
			n, err := c.startNode(ctx, opts)
			if err != nil {
				return err
			}
			defer n.close()

			info := n.srv.Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:       %s\n", c.cfg.DeviceID)
			fmt.Fprintf(out, "Device Name:     %s\n", info.Name)
			fmt.Fprintf(out, "Address:         %s\n", info.Address())
			fmt.Fprintf(out, "Transfer Folder: %s\n", info.TransferFolder)
			fmt.Fprintf(out, "Data Directory:  %s\n", c.dataDir)

			if c.cfg.DiscoveryEnabled && !noDiscovery {
				svc, err := discovery.Run(ctx, discovery.Config{
					SelfDeviceID: c.cfg.DeviceID,
					Info:         info,
					Logger:       c.logger,
				})
				if err != nil {
					c.logger.WithError(err).Warn("discovery startup failed")
				} else {
					fmt.Fprintln(out, "Discovery:       running")
					go recordDiscoveryEvents(svc.Scanner.Events(), n.store, c.logger)
				}
			}
			fmt.Fprintln(out, "Status:          running (press Ctrl+C to stop)")
			if !opts.AutoAccept {
				fmt.Fprintln(out, "Offers wait for: accept <id> | reject <id> | retry <id>")
			}
			go readConsole(ctx, cmd.InOrStdin(), out, n.srv, c.logger)

			for e := range n.stream {
				printEvent(out, e)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen on this port instead of the configured one")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "receive offered files without confirmation")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "do not advertise or browse via mDNS")
	return cmd
}

func (c *cli) sendCommand() *cobra.Command {
	var (
		remoteFolder string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <address> <file>",
		Short: "Offer a file to a peer and wait for the outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()

			n, err := c.ephemeralNode(ctx)
			if err != nil {
				return err
			}
			defer n.close()

			t, err := n.srv.SendFile(ctx, args[0], args[1], remoteFolder)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "offered %s (%d bytes) to %s\n", t.FileName, t.FileSize, args[0])
			return c.awaitTransfer(ctx, cmd.OutOrStdout(), n, t.ID)
		},
	}
	cmd.Flags().StringVar(&remoteFolder, "remote-folder", "", "folder on the peer to save into (default: its transfer folder)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultTransferTimeout, "give up after this long (0 waits forever)")
	return cmd
}

func (c *cli) getCommand() *cobra.Command {
	var (
		remoteFolder string
		dest         string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "get <address> <file>",
		Short: "Download a file from a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()

			n, err := c.ephemeralNode(ctx)
			if err != nil {
				return err
			}
			defer n.close()

			t, err := n.srv.GetFile(ctx, args[0], remoteFolder, args[1], dest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requested %s from %s\n", t.FileName, args[0])
			return c.awaitTransfer(ctx, cmd.OutOrStdout(), n, t.ID)
		},
	}
	cmd.Flags().StringVar(&remoteFolder, "remote-folder", "", "folder on the peer to read from (default: its transfer folder)")
	cmd.Flags().StringVar(&dest, "dest", "", "local folder to save into (default: the configured transfer folder)")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultTransferTimeout, "give up after this long (0 waits forever)")
	return cmd
}

// awaitTransfer prints progress until the transfer settles and reports
// anything short of a confirmed completion as an error.
func (c *cli) awaitTransfer(ctx context.Context, out io.Writer, n *node, id int) error {
	var final transfers.FileTransfer
	err := n.await(ctx, func(e events.Event) (bool, error) {
		if e.TransferID != id {
			return false, nil
		}
		printEvent(out, e)
		t, err := n.srv.Transfers().Get(id)
		if err != nil {
			return true, err
		}
		final = t
		return t.Status.Settled(), nil
	})
	if err != nil {
		return err
	}
	if final.Status != transfers.StatusConfirmedComplete {
		if final.ErrorMessage != "" {
			return fmt.Errorf("transfer %s: %s", final.Status, final.ErrorMessage)
		}
		return fmt.Errorf("transfer %s", final.Status)
	}
	fmt.Fprintf(out, "done: %s\n", final.LocalFilePath())
	return nil
}

func (c *cli) listCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "list <address> [folder]",
		Short: "List the files in a peer's folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := ""
			if len(args) == 2 {
				folder = args[1]
			}
			return c.request(cmd, timeout, func(ctx context.Context, n *node) error {
				return n.srv.RequestFileList(ctx, args[0], folder)
			}, func(e events.Event) bool {
				switch e.Kind {
				case events.FileListReceived:
					printFileList(cmd.OutOrStdout(), e)
					return true
				case events.FolderEmpty, events.FolderNotFound:
					printEvent(cmd.OutOrStdout(), e)
					return true
				}
				return false
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultReplyTimeout, "how long to wait for the reply")
	return cmd
}

func (c *cli) infoCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "info <address>",
		Short: "Ask a peer to describe itself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.request(cmd, timeout, func(ctx context.Context, n *node) error {
				return n.srv.RequestServerInfo(ctx, args[0])
			}, func(e events.Event) bool {
				if e.Kind != events.ServerInfoReceived || e.Remote == nil {
					return false
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Name:            %s\n", e.Remote.Name)
				fmt.Fprintf(out, "Local IP:        %s\n", e.Remote.LocalIP)
				fmt.Fprintf(out, "Public IP:       %s\n", e.Remote.PublicIP)
				fmt.Fprintf(out, "Port:            %d\n", e.Remote.Port)
				fmt.Fprintf(out, "Platform:        %s\n", e.Remote.Platform)
				fmt.Fprintf(out, "Transfer Folder: %s\n", e.Remote.TransferFolder)
				return true
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultReplyTimeout, "how long to wait for the reply")
	return cmd
}

// request runs send on an ephemeral node and waits for the first event done
// accepts.
func (c *cli) request(cmd *cobra.Command, timeout time.Duration, send func(context.Context, *node) error, done func(events.Event) bool) error {
	ctx, cancel := withTimeout(cmd.Context(), timeout)
	defer cancel()

	n, err := c.ephemeralNode(ctx)
	if err != nil {
		return err
	}
	defer n.close()

	if err := send(ctx, n); err != nil {
		return err
	}
	return n.await(ctx, func(e events.Event) (bool, error) {
		return done(e), nil
	})
}

func (c *cli) messageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "message <address> <text>...",
		Short: "Send a text message to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := c.ephemeralNode(ctx)
			if err != nil {
				return err
			}
			defer n.close()

			return n.srv.SendTextMessage(ctx, args[0], strings.Join(args[1:], " "))
		},
	}
}

func (c *cli) peersCommand() *cobra.Command {
	var (
		timeout time.Duration
		known   bool
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Find peers on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openArchive()
			if err != nil {
				return err
			}
			defer closeStore(store, c.logger)

			if !known {
				scanner, err := discovery.NewPeerScanner(discovery.Config{
					SelfDeviceID: c.cfg.DeviceID,
					ScanTimeout:  timeout,
					Logger:       c.logger,
				})
				if err != nil {
					return err
				}
				found, err := scanner.Scan(cmd.Context())
				if err != nil {
					return err
				}
				for _, peer := range found {
					if err := store.UpsertPeer(peerRecord(peer)); err != nil {
						c.logger.WithError(err).WithField("device_id", peer.DeviceID).Warn("peer not archived")
					}
				}
				if len(found) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no peers found")
					return nil
				}
			}

			var since time.Time
			if !known {
				since = time.Now().Add(-timeout - time.Second)
			}
			peers, err := store.ListPeers(since)
			if err != nil {
				return err
			}
			printPeers(cmd.OutOrStdout(), peers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	cmd.Flags().BoolVar(&known, "known", false, "list previously seen peers without scanning")
	return cmd
}

func (c *cli) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [address]",
		Short: "Stop a node running on this machine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.cfg.ListeningPort))
			if len(args) == 1 {
				address = args[0]
			}
			host, rawPort, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(rawPort)
			if err != nil || port <= 0 {
				return fmt.Errorf("invalid port %q", rawPort)
			}
			if !network.IsLocalIP(host) {
				return fmt.Errorf("%s is not a local address", host)
			}

			// The node only obeys commands that carry its own endpoint.
			sender := network.RequestSender{
				DialTimeout: network.DefaultDialTimeout,
				SendTimeout: network.DefaultSendTimeout,
			}
			msg := &protocol.ShutdownServerCommandMessage{Origin: protocol.Origin{IP: host, Port: int32(port)}}
			if _, err := sender.Send(cmd.Context(), address, msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shutdown sent to %s\n", address)
			return nil
		},
	}
}

func (c *cli) historyCommand() *cobra.Command {
	var (
		limit       int
		session     string
		showRequest bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived transfers or requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openArchive()
			if err != nil {
				return err
			}
			defer closeStore(store, c.logger)

			if showRequest {
				records, err := store.ListRequests(session, limit)
				if err != nil {
					return err
				}
				printRequestHistory(cmd.OutOrStdout(), records)
				return nil
			}
			records, err := store.ListTransfers(session, limit)
			if err != nil {
				return err
			}
			printTransferHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	cmd.Flags().StringVar(&session, "session", "", "only show one run")
	cmd.Flags().BoolVar(&showRequest, "requests", false, "show requests instead of transfers")
	return cmd
}

func recordDiscoveryEvents(stream <-chan discovery.Event, store *storage.Store, logger logrus.FieldLogger) {
	for event := range stream {
		log := logger.WithFields(logrus.Fields{
			"device_id": event.Peer.DeviceID,
			"name":      event.Peer.DeviceName,
			"address":   event.Peer.Address(),
		})
		switch event.Type {
		case discovery.EventPeerUpserted:
			log.Info("discovery: peer available")
			if store == nil {
				continue
			}
			if err := store.UpsertPeer(peerRecord(event.Peer)); err != nil {
				log.WithError(err).Warn("peer not archived")
			}
		case discovery.EventPeerRemoved:
			log.Info("discovery: peer removed")
		}
	}
}

func peerRecord(peer discovery.DiscoveredPeer) storage.Peer {
	var lastSeen int64
	if !peer.LastSeen.IsZero() {
		lastSeen = peer.LastSeen.UnixMilli()
	}
	return storage.Peer{
		DeviceID:       peer.DeviceID,
		DeviceName:     peer.DeviceName,
		Address:        peer.Host(),
		Port:           peer.Port,
		Platform:       peer.Platform.String(),
		TransferFolder: peer.TransferFolder,
		LastSeen:       lastSeen,
	}
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}

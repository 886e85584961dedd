package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/events"
	"peerdrop/models"
	"peerdrop/protocol"
	"peerdrop/transfers"
)

// SendTextMessage delivers a chat line to the node at address.
func (s *Server) SendTextMessage(ctx context.Context, address, text string) error {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, remote, &protocol.ChatMessage{Origin: s.origin(), Text: text})
	return err
}

// RequestServerInfo asks the node at address to describe itself. The answer
// arrives as a ServerInfoReceived event.
func (s *Server) RequestServerInfo(ctx context.Context, address string) error {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, remote, &protocol.ServerInfoRequestMessage{Origin: s.origin()})
	return err
}

// RequestFileList asks for the files in folder on the node at address. An
// empty folder means the peer's transfer folder.
func (s *Server) RequestFileList(ctx context.Context, address, folder string) error {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, remote, &protocol.FolderMessage{Origin: s.origin(), Kind: protocol.FileListRequest, Folder: folder})
	return err
}

// SendFile offers localPath to the node at address. remoteFolder is where the
// peer should save it; empty means its transfer folder.
func (s *Server) SendFile(ctx context.Context, address, localPath, remoteFolder string) (transfers.FileTransfer, error) {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return transfers.FileTransfer{}, err
	}

	t, err := s.transfers.PrepareOutboundFileTransfer(localPath, remote, remoteFolder, transfers.InitiatorSelf, 0)
	if err != nil {
		return t, err
	}
	if err := s.offer(ctx, remote, t); err != nil {
		current, _ := s.transfers.Store().Get(t.ID)
		return current, err
	}
	return t, nil
}

// GetFile asks the node at address to send fileName from remoteFolder. The
// file lands in localFolder, or this node's transfer folder when empty.
func (s *Server) GetFile(ctx context.Context, address, remoteFolder, fileName, localFolder string) (transfers.FileTransfer, error) {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return transfers.FileTransfer{}, err
	}
	if localFolder == "" {
		localFolder = s.Info().TransferFolder
	}

	t, err := s.transfers.InitializeFileTransfer(transfers.FileTransfer{
		Direction:    transfers.Inbound,
		Initiator:    transfers.InitiatorSelf,
		FileName:     fileName,
		LocalFolder:  localFolder,
		RemoteFolder: remoteFolder,
		RemoteServer: remote,
	})
	if err != nil {
		return t, err
	}

	_, err = s.send(ctx, remote, &protocol.OutboundFileTransferRequestMessage{
		Origin:           s.origin(),
		RemoteTransferID: int32(t.ID),
		FileName:         fileName,
		RemoteFolder:     remoteFolder,
		LocalFolder:      localFolder,
	})
	if err != nil {
		failed, _ := s.transfers.FailFileTransfer(t.ID, err)
		return failed, err
	}
	return t, nil
}

// AcceptInboundFileTransfer accepts a pending offer and receives the file.
// It returns once the transfer has settled.
func (s *Server) AcceptInboundFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error) {
	return s.acceptInbound(ctx, id)
}

// RejectInboundFileTransfer declines a pending offer and tells the sender.
func (s *Server) RejectInboundFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error) {
	before, err := s.transfers.Store().Get(id)
	if err != nil {
		return before, err
	}
	t, err := s.transfers.RejectInboundFileTransfer(id)
	if err != nil {
		return t, err
	}
	if before.Status == transfers.StatusRejected {
		return t, nil
	}
	_, err = s.send(ctx, t.RemoteServer, s.transferResponse(protocol.FileTransferRejected, t))
	return t, err
}

// RetryFileTransfer retries a stalled transfer. Inbound transfers ask the
// sender to resend; outbound transfers are offered again.
func (s *Server) RetryFileTransfer(ctx context.Context, id int) (transfers.FileTransfer, error) {
	t, err := s.transfers.Store().Get(id)
	if err != nil {
		return t, err
	}

	if t.Direction == transfers.Outbound {
		t, err = s.transfers.HandleRetryOutboundFileTransfer(t.TransferResponseCode, 0)
		if err != nil {
			return t, err
		}
		return t, s.offer(ctx, t.RemoteServer, t)
	}

	t, err = s.transfers.RetryStalledInboundFileTransfer(id)
	if err != nil {
		return t, err
	}
	_, err = s.send(ctx, t.RemoteServer, s.transferResponse(protocol.RetryOutboundFileTransfer, t))
	return t, err
}

// NotifyFileTransferStalled marks an inbound transfer stalled, stops its
// receive if one is running, removes the partial file and tells the sender.
func (s *Server) NotifyFileTransferStalled(ctx context.Context, id int) (transfers.FileTransfer, error) {
	t, err := s.transfers.StallInboundFileTransfer(id)
	if err != nil {
		return t, err
	}
	if s.cancelActive(id) {
		// The receive loop settles the transfer once it unwinds.
		return t, nil
	}
	return t, s.notifyStalled(ctx, t)
}

// SendShutdownCommand asks the node at address to stop. Nodes only obey
// commands that come from their own address.
func (s *Server) SendShutdownCommand(ctx context.Context, address string) error {
	remote, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	_, err = s.send(ctx, remote, &protocol.ShutdownServerCommandMessage{Origin: s.origin()})
	return err
}

func (s *Server) acceptInbound(ctx context.Context, id int) (transfers.FileTransfer, error) {
	t, err := s.transfers.Store().Get(id)
	if err != nil {
		return t, err
	}
	if t.Direction != transfers.Inbound || t.Status != transfers.StatusPending {
		return t, fmt.Errorf("%w: cannot accept %s", transfers.ErrInvalidTransition, t.String())
	}
	if !s.requests.BeginTransfer() {
		return t, ErrTransferActive
	}
	defer s.requests.EndTransfer()

	conn, err := s.send(ctx, t.RemoteServer, s.transferResponse(protocol.FileTransferAccepted, t))
	if err != nil {
		failed, _ := s.transfers.FailFileTransfer(id, err)
		return failed, err
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	s.setActive(id, cancel)
	t, err = s.transfers.AcceptInboundFileTransfer(receiveCtx, id, conn, nil)
	s.clearActive(id)
	cancel()
	_ = conn.Close()

	if settleErr := s.settleInbound(ctx, t); settleErr != nil {
		s.logger.WithError(settleErr).WithField("transfer_id", id).Warn("transfer outcome not delivered")
	}
	return t, err
}

// settleInbound reports the outcome of a receive to the sender and removes
// the partial file of an unfinished one.
func (s *Server) settleInbound(ctx context.Context, t transfers.FileTransfer) error {
	switch t.Status {
	case transfers.StatusConfirmedComplete:
		_, err := s.send(ctx, t.RemoteServer, s.transferResponse(protocol.FileTransferComplete, t))
		return err
	case transfers.StatusStalled:
		return s.notifyStalled(ctx, t)
	case transfers.StatusCancelled, transfers.StatusError:
		s.removePartial(t)
	}
	return nil
}

func (s *Server) notifyStalled(ctx context.Context, t transfers.FileTransfer) error {
	s.removePartial(t)
	_, err := s.send(ctx, t.RemoteServer, s.transferResponse(protocol.FileTransferStalled, t))
	return err
}

func (s *Server) removePartial(t transfers.FileTransfer) {
	path := t.LocalFilePath()
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"transfer_id": t.ID, "path": path})
	if err != nil {
		log.WithError(err).Warn("partial file not removed")
		return
	}
	log.Info("partial file removed")
	remote := t.RemoteServer
	s.bus.Publish(events.Event{
		Kind:       events.PartialFileDeleted,
		Time:       s.clock.Now(),
		TransferID: t.ID,
		Remote:     &remote,
		Text:       t.FileName,
		Folder:     t.LocalFolder,
		Bytes:      t.TotalBytesReceived,
	})
}

// watchStalls stalls the running inbound transfer once no bytes have arrived
// for StallTimeout.
func (s *Server) watchStalls(ctx context.Context) {
	interval := s.options.StallTimeout / 4
	if interval < minWatchdogInterval {
		interval = minWatchdogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
		}

		t, ok := s.transfers.Store().Active()
		if !ok || t.Direction != transfers.Inbound {
			continue
		}
		if s.clock.Now().Sub(t.LastProgressAt) < s.options.StallTimeout {
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"transfer_id": t.ID,
			"received":    t.TotalBytesReceived,
		}).Warn("no progress, stalling inbound transfer")
		if _, err := s.NotifyFileTransferStalled(ctx, t.ID); err != nil {
			s.logger.WithError(err).WithField("transfer_id", t.ID).Debug("stall watchdog")
		}
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"peerdrop/events"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/protocol"
	"peerdrop/requests"
	"peerdrop/transfers"
)

// ErrUnexpectedPayload indicates a request whose payload does not match its type.
var ErrUnexpectedPayload = errors.New("server: unexpected payload")

func (s *Server) routes() requests.Routes {
	return requests.Routes{
		protocol.ServerInfoRequest:           {Handle: s.handleServerInfoRequest},
		protocol.ServerInfoResponse:          {Handle: s.handleServerInfoResponse},
		protocol.TextMessage:                 {Handle: s.handleTextMessage},
		protocol.FileListRequest:             {Handle: s.handleFileListRequest},
		protocol.FileListResponse:            {Handle: s.handleFileListResponse},
		protocol.FolderEmpty:                 {Handle: s.handleFolderReply},
		protocol.FolderNotFound:              {Handle: s.handleFolderReply},
		protocol.InboundFileTransferRequest:  {Handle: s.handleInboundFileTransferRequest},
		protocol.RequestedFileNotFound:       {Handle: s.handleRequestedFileNotFound},
		protocol.OutboundFileTransferRequest: {Handle: s.handleOutboundFileTransferRequest},
		protocol.FileTransferAccepted:        {Handle: s.handleFileTransferAccepted},
		protocol.FileTransferRejected:        {Handle: s.handleFileTransferRejected},
		protocol.FileTransferStalled:         {Handle: s.handleFileTransferStalled, Immediate: true},
		protocol.FileTransferComplete:        {Handle: s.handleFileTransferComplete},
		protocol.RetryOutboundFileTransfer:   {Handle: s.handleRetryOutboundFileTransfer},
		protocol.RetryLimitExceeded:          {Handle: s.handleRetryLimitExceeded},
		protocol.ShutdownServerCommand:       {Handle: s.handleShutdownCommand},
	}
}

func payload[T protocol.Message](req *requests.Request) (T, error) {
	msg, ok := req.Message.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %T for %s", ErrUnexpectedPayload, req.Message, req.Type)
	}
	return msg, nil
}

// stateError keeps bookkeeping failures on the request. Transfer outcomes
// such as a stall are recorded on the transfer instead.
func stateError(err error) error {
	if errors.Is(err, transfers.ErrTransferNotFound) ||
		errors.Is(err, transfers.ErrInvalidTransition) ||
		errors.Is(err, ErrTransferActive) {
		return err
	}
	return nil
}

func (s *Server) handleServerInfoRequest(ctx context.Context, req *requests.Request) error {
	info := s.Info()
	_, err := s.send(ctx, req.Remote, &protocol.ServerInfoResponseMessage{
		Origin:         s.origin(),
		Platform:       info.Platform,
		LocalIP:        info.LocalIP,
		PublicIP:       info.PublicIP,
		TransferFolder: info.TransferFolder,
		Name:           info.Name,
	})
	return err
}

func (s *Server) handleServerInfoResponse(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.ServerInfoResponseMessage](req)
	if err != nil {
		return err
	}

	info := msg.ServerInfo(req.Remote.SessionIP)
	s.logger.WithFields(logrus.Fields{
		"remote":   info.Address(),
		"name":     info.Name,
		"platform": info.Platform.String(),
	}).Info("server info received")
	s.bus.Publish(events.Event{
		Kind:      events.ServerInfoReceived,
		Time:      s.clock.Now(),
		RequestID: req.ID,
		Remote:    &info,
		Text:      info.Name,
		Folder:    info.TransferFolder,
	})
	return nil
}

func (s *Server) handleTextMessage(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.ChatMessage](req)
	if err != nil {
		return err
	}

	s.logger.WithField("remote", req.Remote.Address()).Info("text message received")
	s.bus.Publish(events.Event{
		Kind:      events.TextMessageReceived,
		Time:      s.clock.Now(),
		RequestID: req.ID,
		Remote:    &req.Remote,
		Text:      msg.Text,
	})
	return nil
}

func (s *Server) handleFileListRequest(ctx context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.FolderMessage](req)
	if err != nil {
		return err
	}

	folder := msg.Folder
	if folder == "" {
		folder = s.Info().TransferFolder
	}

	if info, statErr := os.Stat(folder); statErr != nil || !info.IsDir() {
		_, err := s.send(ctx, req.Remote, &protocol.FolderMessage{Origin: s.origin(), Kind: protocol.FolderNotFound, Folder: folder})
		return err
	}

	files, err := models.ReadFolder(folder)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		_, err := s.send(ctx, req.Remote, &protocol.FolderMessage{Origin: s.origin(), Kind: protocol.FolderEmpty, Folder: folder})
		return err
	}

	_, err = s.send(ctx, req.Remote, &protocol.FileListResponseMessage{Origin: s.origin(), Folder: folder, Files: files})
	return err
}

func (s *Server) handleFileListResponse(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.FileListResponseMessage](req)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"remote": req.Remote.Address(),
		"folder": msg.Folder,
		"files":  len(msg.Files),
	}).Info("file list received")
	s.bus.Publish(events.Event{
		Kind:      events.FileListReceived,
		Time:      s.clock.Now(),
		RequestID: req.ID,
		Remote:    &req.Remote,
		Folder:    msg.Folder,
		Files:     msg.Files,
		Bytes:     msg.Files.TotalSize(),
	})
	return nil
}

func (s *Server) handleFolderReply(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.FolderMessage](req)
	if err != nil {
		return err
	}

	kind := events.FolderEmpty
	if msg.Kind == protocol.FolderNotFound {
		kind = events.FolderNotFound
	}
	s.bus.Publish(events.Event{
		Kind:      kind,
		Time:      s.clock.Now(),
		RequestID: req.ID,
		Remote:    &req.Remote,
		Folder:    msg.Folder,
	})
	return nil
}

func (s *Server) handleInboundFileTransferRequest(ctx context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.InboundFileTransferRequestMessage](req)
	if err != nil {
		return err
	}

	t, err := s.transfers.HandleInboundFileTransferRequest(msg, req.Remote)
	if errors.Is(err, transfers.ErrFileAlreadyExists) {
		_, sendErr := s.send(ctx, req.Remote, s.transferResponse(protocol.FileTransferRejected, t))
		return sendErr
	}
	if err != nil {
		return err
	}

	if !s.options.AutoAccept && t.Initiator != transfers.InitiatorSelf {
		return nil
	}
	_, err = s.acceptInbound(ctx, t.ID)
	return stateError(err)
}

func (s *Server) handleRequestedFileNotFound(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.RequestedFileNotFoundMessage](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.HandleRequestedFileNotFound(int(msg.RemoteTransferID))
	return err
}

func (s *Server) handleOutboundFileTransferRequest(ctx context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.OutboundFileTransferRequestMessage](req)
	if err != nil {
		return err
	}

	folder := msg.RemoteFolder
	if folder == "" {
		folder = s.Info().TransferFolder
	}
	path := filepath.Join(folder, msg.FileName)

	if info, statErr := os.Stat(path); statErr != nil || !info.Mode().IsRegular() {
		s.logger.WithField("path", path).Info("requested file not found")
		_, err := s.send(ctx, req.Remote, &protocol.RequestedFileNotFoundMessage{
			Origin:           s.origin(),
			RemoteTransferID: msg.RemoteTransferID,
		})
		return err
	}

	t, err := s.transfers.PrepareOutboundFileTransfer(path, req.Remote, msg.LocalFolder, transfers.InitiatorRemoteServer, int(msg.RemoteTransferID))
	if err != nil {
		return err
	}
	return s.offer(ctx, req.Remote, t)
}

func (s *Server) handleFileTransferAccepted(ctx context.Context, req *requests.Request) error {
	conn := req.Conn
	msg, err := payload[*protocol.TransferResponseMessage](req)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	if conn == nil {
		return errors.New("server: accepted transfer arrived without a connection")
	}

	if !s.requests.BeginTransfer() {
		_ = conn.Close()
		return ErrTransferActive
	}
	_, err = s.transfers.HandleOutboundFileTransferAccepted(ctx, msg.ResponseCode, int(msg.RemoteTransferID), conn)
	_ = conn.Close()
	s.requests.EndTransfer()

	return stateError(err)
}

func (s *Server) handleFileTransferRejected(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.TransferResponseMessage](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.HandleFileTransferRejected(msg.ResponseCode)
	return err
}

func (s *Server) handleFileTransferStalled(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.TransferResponseMessage](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.HandleFileTransferStalled(msg.ResponseCode)
	return err
}

func (s *Server) handleFileTransferComplete(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.TransferResponseMessage](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.HandleFileTransferComplete(msg.ResponseCode)
	return err
}

func (s *Server) handleRetryOutboundFileTransfer(ctx context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.TransferResponseMessage](req)
	if err != nil {
		return err
	}

	t, err := s.transfers.HandleRetryOutboundFileTransfer(msg.ResponseCode, int(msg.RemoteTransferID))
	switch {
	case errors.Is(err, transfers.ErrRetryLimitExceeded), errors.Is(err, transfers.ErrRetryLockout):
		_, sendErr := s.send(ctx, req.Remote, &protocol.RetryLimitExceededMessage{
			Origin:                s.origin(),
			RemoteTransferID:      msg.RemoteTransferID,
			RetryLimit:            int32(t.RemoteServerRetryLimit),
			LockoutExpireUnixNano: t.RetryLockoutExpireTime.UnixNano(),
		})
		return sendErr
	case err != nil:
		return err
	}
	return s.offer(ctx, req.Remote, t)
}

func (s *Server) handleRetryLimitExceeded(_ context.Context, req *requests.Request) error {
	msg, err := payload[*protocol.RetryLimitExceededMessage](req)
	if err != nil {
		return err
	}
	_, err = s.transfers.HandleRetryLimitExceeded(msg)
	return err
}

func (s *Server) handleShutdownCommand(_ context.Context, req *requests.Request) error {
	if !network.IsLocalIP(req.Remote.SessionIP) || req.Remote.Port != s.Info().Port {
		return fmt.Errorf("server: ignoring shutdown command from %s", req.Remote.Address())
	}

	s.logger.Info("shutdown command received")
	s.bus.Publish(events.Event{Kind: events.ShutdownRequested, Time: s.clock.Now(), RequestID: req.ID, Remote: &req.Remote})
	s.Stop()
	return nil
}

// offer sends the InboundFileTransferRequest for an outbound transfer. The
// receiver's transfer ID is echoed only when it asked for the file.
func (s *Server) offer(ctx context.Context, remote models.ServerInfo, t transfers.FileTransfer) error {
	info := s.Info()
	var receiverID int32
	if t.Initiator == transfers.InitiatorRemoteServer {
		receiverID = int32(t.RemoteServerTransferID)
	}

	_, err := s.send(ctx, remote, &protocol.InboundFileTransferRequestMessage{
		ResponseCode: t.TransferResponseCode,
		TransferID:   receiverID,
		RetryCounter: int32(t.RetryCounter),
		RetryLimit:   int32(t.RemoteServerRetryLimit),
		FileName:     t.FileName,
		RemoteFolder: t.LocalFolder,
		FileSize:     t.FileSize,
		RemoteIP:     info.Host(),
		RemotePort:   int32(info.Port),
		LocalFolder:  t.RemoteFolder,
	})
	if err != nil {
		_, _ = s.transfers.FailFileTransfer(t.ID, err)
	}
	return err
}

func (s *Server) transferResponse(kind protocol.RequestType, t transfers.FileTransfer) *protocol.TransferResponseMessage {
	return &protocol.TransferResponseMessage{
		Origin:           s.origin(),
		Kind:             kind,
		ResponseCode:     t.TransferResponseCode,
		RemoteTransferID: int32(t.ID),
	}
}

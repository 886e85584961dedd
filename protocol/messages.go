package protocol

import (
	"time"

	"peerdrop/models"
)

// Message is one typed protocol payload.
type Message interface {
	Type() RequestType
	// Source returns the listening endpoint of the node that sent the message.
	Source() (ip string, port int)

	encode(e *Encoder)
	decode(d *Decoder)
}

// Origin is the sender endpoint that leads most payloads.
type Origin struct {
	IP   string
	Port int32
}

// NewOrigin builds an Origin from a node's ServerInfo.
func NewOrigin(info models.ServerInfo) Origin {
	return Origin{IP: info.Host(), Port: int32(info.Port)}
}

// Source implements Message.
func (o Origin) Source() (string, int) {
	return o.IP, int(o.Port)
}

func (o *Origin) encodeOrigin(e *Encoder) {
	e.PutString(o.IP)
	e.PutInt32(o.Port)
}

func (o *Origin) decodeOrigin(d *Decoder) {
	o.IP = d.String("sender_ip")
	o.Port = d.Int32("sender_port")
}

// ServerInfoRequestMessage asks a peer to describe itself.
type ServerInfoRequestMessage struct {
	Origin
}

func (*ServerInfoRequestMessage) Type() RequestType    { return ServerInfoRequest }
func (m *ServerInfoRequestMessage) encode(e *Encoder) { m.encodeOrigin(e) }
func (m *ServerInfoRequestMessage) decode(d *Decoder) { m.decodeOrigin(d) }

// ServerInfoResponseMessage describes the responding node. Platform follows
// the sender endpoint directly.
type ServerInfoResponseMessage struct {
	Origin
	Platform       models.Platform
	LocalIP        string
	PublicIP       string
	TransferFolder string
	Name           string
}

func (*ServerInfoResponseMessage) Type() RequestType { return ServerInfoResponse }

func (m *ServerInfoResponseMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutInt32(int32(m.Platform))
	e.PutString(m.LocalIP)
	e.PutString(m.PublicIP)
	e.PutString(m.TransferFolder)
	e.PutString(m.Name)
}

func (m *ServerInfoResponseMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.Platform = models.Platform(d.Int32("platform"))
	m.LocalIP = d.String("local_ip")
	m.PublicIP = d.String("public_ip")
	m.TransferFolder = d.String("transfer_folder")
	m.Name = d.String("name")
}

// ServerInfo converts the payload to a ServerInfo. sessionIP is the address
// the message actually arrived from.
func (m *ServerInfoResponseMessage) ServerInfo(sessionIP string) models.ServerInfo {
	return models.ServerInfo{
		SessionIP:      sessionIP,
		LocalIP:        m.LocalIP,
		PublicIP:       m.PublicIP,
		Port:           int(m.Port),
		Platform:       m.Platform,
		TransferFolder: m.TransferFolder,
		Name:           m.Name,
	}
}

// ChatMessage carries a chat line.
type ChatMessage struct {
	Origin
	Text string
}

func (*ChatMessage) Type() RequestType { return TextMessage }

func (m *ChatMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutString(m.Text)
}

func (m *ChatMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.Text = d.String("text")
}

// FolderMessage is shared by FileListRequest, FolderEmpty and FolderNotFound.
type FolderMessage struct {
	Origin
	Kind   RequestType
	Folder string
}

func (m *FolderMessage) Type() RequestType { return m.Kind }

func (m *FolderMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutString(m.Folder)
}

func (m *FolderMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.Folder = d.String("folder")
}

// FileListResponseMessage carries a directory snapshot as one string field.
type FileListResponseMessage struct {
	Origin
	Folder string
	Files  models.FileInfoList
}

func (*FileListResponseMessage) Type() RequestType { return FileListResponse }

func (m *FileListResponseMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutString(m.Folder)
	e.PutString(m.Files.Serialize())
}

func (m *FileListResponseMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.Folder = d.String("folder")
	m.Files = models.ParseFileInfoList(d.String("file_info_list"))
}

// InboundFileTransferRequestMessage offers a file to the receiving node.
// TransferID is the receiver's own transfer ID when the offer answers an
// OutboundFileTransferRequest, zero otherwise.
type InboundFileTransferRequestMessage struct {
	ResponseCode int64
	TransferID   int32
	RetryCounter int32
	RetryLimit   int32
	FileName     string
	RemoteFolder string
	FileSize     int64
	RemoteIP     string
	RemotePort   int32
	LocalFolder  string
}

func (*InboundFileTransferRequestMessage) Type() RequestType { return InboundFileTransferRequest }

func (m *InboundFileTransferRequestMessage) Source() (string, int) {
	return m.RemoteIP, int(m.RemotePort)
}

func (m *InboundFileTransferRequestMessage) encode(e *Encoder) {
	e.PutInt64(m.ResponseCode)
	e.PutInt32(m.TransferID)
	e.PutInt32(m.RetryCounter)
	e.PutInt32(m.RetryLimit)
	e.PutString(m.FileName)
	e.PutString(m.RemoteFolder)
	e.PutInt64(m.FileSize)
	e.PutString(m.RemoteIP)
	e.PutInt32(m.RemotePort)
	e.PutString(m.LocalFolder)
}

func (m *InboundFileTransferRequestMessage) decode(d *Decoder) {
	m.ResponseCode = d.Int64("response_code")
	m.TransferID = d.Int32("transfer_id")
	m.RetryCounter = d.Int32("retry_counter")
	m.RetryLimit = d.Int32("retry_limit")
	m.FileName = d.String("file_name")
	m.RemoteFolder = d.String("remote_folder")
	m.FileSize = d.Int64("file_size")
	m.RemoteIP = d.String("remote_ip")
	m.RemotePort = d.Int32("remote_port")
	m.LocalFolder = d.String("local_folder")
}

// RequestedFileNotFoundMessage answers an OutboundFileTransferRequest for a
// file the peer does not have.
type RequestedFileNotFoundMessage struct {
	Origin
	RemoteTransferID int32
}

func (*RequestedFileNotFoundMessage) Type() RequestType { return RequestedFileNotFound }

func (m *RequestedFileNotFoundMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutInt32(m.RemoteTransferID)
}

func (m *RequestedFileNotFoundMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.RemoteTransferID = d.Int32("remote_transfer_id")
}

// OutboundFileTransferRequestMessage asks a peer to send one of its files.
// RemoteTransferID is the requester's transfer ID.
type OutboundFileTransferRequestMessage struct {
	Origin
	RemoteTransferID int32
	FileName         string
	RemoteFolder     string
	LocalFolder      string
}

func (*OutboundFileTransferRequestMessage) Type() RequestType { return OutboundFileTransferRequest }

func (m *OutboundFileTransferRequestMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutInt32(m.RemoteTransferID)
	e.PutString(m.FileName)
	e.PutString(m.RemoteFolder)
	e.PutString(m.LocalFolder)
}

func (m *OutboundFileTransferRequestMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.RemoteTransferID = d.Int32("remote_transfer_id")
	m.FileName = d.String("file_name")
	m.RemoteFolder = d.String("remote_folder")
	m.LocalFolder = d.String("local_folder")
}

// TransferResponseMessage is shared by the accepted, rejected, stalled,
// complete and retry messages. ResponseCode is the file sender's correlation
// code; RemoteTransferID is the transfer ID on the node that sent this message.
type TransferResponseMessage struct {
	Origin
	Kind             RequestType
	ResponseCode     int64
	RemoteTransferID int32
}

func (m *TransferResponseMessage) Type() RequestType { return m.Kind }

func (m *TransferResponseMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutInt64(m.ResponseCode)
	e.PutInt32(m.RemoteTransferID)
}

func (m *TransferResponseMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.ResponseCode = d.Int64("response_code")
	m.RemoteTransferID = d.Int32("remote_transfer_id")
}

// RetryLimitExceededMessage refuses a retry until the lockout expires.
type RetryLimitExceededMessage struct {
	Origin
	RemoteTransferID      int32
	RetryLimit            int32
	LockoutExpireUnixNano int64
}

func (*RetryLimitExceededMessage) Type() RequestType { return RetryLimitExceeded }

// LockoutExpireTime returns the lockout deadline.
func (m *RetryLimitExceededMessage) LockoutExpireTime() time.Time {
	return time.Unix(0, m.LockoutExpireUnixNano)
}

func (m *RetryLimitExceededMessage) encode(e *Encoder) {
	m.encodeOrigin(e)
	e.PutInt32(m.RemoteTransferID)
	e.PutInt32(m.RetryLimit)
	e.PutInt64(m.LockoutExpireUnixNano)
}

func (m *RetryLimitExceededMessage) decode(d *Decoder) {
	m.decodeOrigin(d)
	m.RemoteTransferID = d.Int32("remote_transfer_id")
	m.RetryLimit = d.Int32("retry_limit")
	m.LockoutExpireUnixNano = d.Int64("lockout_expire")
}

// ShutdownServerCommandMessage asks the receiving node to stop.
type ShutdownServerCommandMessage struct {
	Origin
}

func (*ShutdownServerCommandMessage) Type() RequestType    { return ShutdownServerCommand }
func (m *ShutdownServerCommandMessage) encode(e *Encoder) { m.encodeOrigin(e) }
func (m *ShutdownServerCommandMessage) decode(d *Decoder) { m.decodeOrigin(d) }

var constructors = map[RequestType]func() Message{
	ServerInfoRequest:           func() Message { return &ServerInfoRequestMessage{} },
	ServerInfoResponse:          func() Message { return &ServerInfoResponseMessage{} },
	TextMessage:                 func() Message { return &ChatMessage{} },
	FileListRequest:             func() Message { return &FolderMessage{Kind: FileListRequest} },
	FileListResponse:            func() Message { return &FileListResponseMessage{} },
	FolderEmpty:                 func() Message { return &FolderMessage{Kind: FolderEmpty} },
	FolderNotFound:              func() Message { return &FolderMessage{Kind: FolderNotFound} },
	InboundFileTransferRequest:  func() Message { return &InboundFileTransferRequestMessage{} },
	RequestedFileNotFound:       func() Message { return &RequestedFileNotFoundMessage{} },
	OutboundFileTransferRequest: func() Message { return &OutboundFileTransferRequestMessage{} },
	FileTransferAccepted:        func() Message { return &TransferResponseMessage{Kind: FileTransferAccepted} },
	FileTransferRejected:        func() Message { return &TransferResponseMessage{Kind: FileTransferRejected} },
	FileTransferStalled:         func() Message { return &TransferResponseMessage{Kind: FileTransferStalled} },
	FileTransferComplete:        func() Message { return &TransferResponseMessage{Kind: FileTransferComplete} },
	RetryOutboundFileTransfer:   func() Message { return &TransferResponseMessage{Kind: RetryOutboundFileTransfer} },
	RetryLimitExceeded:          func() Message { return &RetryLimitExceededMessage{} },
	ShutdownServerCommand:       func() Message { return &ShutdownServerCommandMessage{} },
}

// Encode serializes msg as its tag followed by its fields.
func Encode(msg Message) []byte {
	e := NewEncoder(msg.Type())
	msg.encode(e)
	return e.Bytes()
}

// Decode parses one message. Unknown tags and malformed fields produce a
// *ProtocolError.
func Decode(data []byte) (Message, error) {
	d, err := NewDecoder(data)
	if err != nil {
		return nil, err
	}
	newMessage, ok := constructors[d.Type()]
	if !ok {
		return nil, &ProtocolError{Type: d.Type(), Err: ErrUnknownRequestType}
	}

	msg := newMessage()
	msg.decode(d)
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

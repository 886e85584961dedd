package protocol

import "strconv"

// RequestType is the one-byte tag at the start of every encoded message.
type RequestType uint8

const (
	ServerInfoRequest           RequestType = 10
	ServerInfoResponse          RequestType = 11
	TextMessage                 RequestType = 20
	FileListRequest             RequestType = 30
	FileListResponse            RequestType = 31
	FolderEmpty                 RequestType = 32
	FolderNotFound              RequestType = 33
	InboundFileTransferRequest  RequestType = 40
	RequestedFileNotFound       RequestType = 41
	OutboundFileTransferRequest RequestType = 50
	FileTransferAccepted        RequestType = 51
	FileTransferRejected        RequestType = 52
	FileTransferStalled         RequestType = 53
	FileTransferComplete        RequestType = 54
	RetryOutboundFileTransfer   RequestType = 60
	RetryLimitExceeded          RequestType = 62
	ShutdownServerCommand       RequestType = 255
)

var requestTypeNames = map[RequestType]string{
	ServerInfoRequest:           "ServerInfoRequest",
	ServerInfoResponse:          "ServerInfoResponse",
	TextMessage:                 "TextMessage",
	FileListRequest:             "FileListRequest",
	FileListResponse:            "FileListResponse",
	FolderEmpty:                 "FolderEmpty",
	FolderNotFound:              "FolderNotFound",
	InboundFileTransferRequest:  "InboundFileTransferRequest",
	RequestedFileNotFound:       "RequestedFileNotFound",
	OutboundFileTransferRequest: "OutboundFileTransferRequest",
	FileTransferAccepted:        "FileTransferAccepted",
	FileTransferRejected:        "FileTransferRejected",
	FileTransferStalled:         "FileTransferStalled",
	FileTransferComplete:        "FileTransferComplete",
	RetryOutboundFileTransfer:   "RetryOutboundFileTransfer",
	RetryLimitExceeded:          "RetryLimitExceeded",
	ShutdownServerCommand:       "ShutdownServerCommand",
}

// AllRequestTypes lists every defined tag in ascending order.
func AllRequestTypes() []RequestType {
	return []RequestType{
		ServerInfoRequest,
		ServerInfoResponse,
		TextMessage,
		FileListRequest,
		FileListResponse,
		FolderEmpty,
		FolderNotFound,
		InboundFileTransferRequest,
		RequestedFileNotFound,
		OutboundFileTransferRequest,
		FileTransferAccepted,
		FileTransferRejected,
		FileTransferStalled,
		FileTransferComplete,
		RetryOutboundFileTransfer,
		RetryLimitExceeded,
		ShutdownServerCommand,
	}
}

// Valid reports whether t is a defined tag.
func (t RequestType) Valid() bool {
	_, ok := requestTypeNames[t]
	return ok
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return "RequestType(" + strconv.Itoa(int(t)) + ")"
}

// IsTransferResponse reports whether t is carried by a TransferResponse payload.
func (t RequestType) IsTransferResponse() bool {
	switch t {
	case FileTransferAccepted, FileTransferRejected, FileTransferStalled,
		FileTransferComplete, RetryOutboundFileTransfer:
		return true
	default:
		return false
	}
}

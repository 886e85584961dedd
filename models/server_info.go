package models

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
)

// Platform identifies the operating system a node runs on.
type Platform int32

const (
	PlatformUnknown Platform = iota
	PlatformWindows
	PlatformLinux
	PlatformDarwin
	PlatformOther
)

// LocalPlatform maps runtime.GOOS to a Platform value.
func LocalPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	default:
		return PlatformOther
	}
}

func (p Platform) String() string {
	switch p {
	case PlatformWindows:
		return "windows"
	case PlatformLinux:
		return "linux"
	case PlatformDarwin:
		return "darwin"
	case PlatformOther:
		return "other"
	default:
		return "unknown"
	}
}

// ParsePlatform is the inverse of Platform.String.
func ParsePlatform(raw string) Platform {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	case "other":
		return PlatformOther
	default:
		return PlatformUnknown
	}
}

// ServerInfo identifies a node on the network.
type ServerInfo struct {
	SessionIP      string
	LocalIP        string
	PublicIP       string
	Port           int
	Platform       Platform
	TransferFolder string
	Name           string
}

// ErrInvalidAddress indicates a host:port string could not be parsed.
var ErrInvalidAddress = errors.New("models: invalid server address")

// ParseAddress builds a ServerInfo from a "host:port" string.
func ParseAddress(address string) (ServerInfo, error) {
	host, rawPort, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return ServerInfo{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return ServerInfo{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, rawPort)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return ServerInfo{SessionIP: host, Port: port}, nil
}

// Clone returns an independent copy.
func (s *ServerInfo) Clone() *ServerInfo {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// Host returns the best address to reach the node: session, then local, then public.
func (s ServerInfo) Host() string {
	switch {
	case s.SessionIP != "":
		return s.SessionIP
	case s.LocalIP != "":
		return s.LocalIP
	default:
		return s.PublicIP
	}
}

// Address returns host:port for dialing.
func (s ServerInfo) Address() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port))
}

// SameEndpoint reports whether both values point to the same host and port.
func (s ServerInfo) SameEndpoint(other ServerInfo) bool {
	return s.Port == other.Port && s.Host() == other.Host()
}

func (s ServerInfo) String() string {
	if s.Name == "" {
		return s.Address()
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Address())
}

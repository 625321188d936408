// Package socks5 implements the client agent's local SOCKS5 frontend:
// accept a TCP connection, run the no-auth SOCKS5 handshake, parse the
// target, open a Session Channel to a handler, and pipe bytes in both
// directions as Proxy Frames.
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/duskrelay/relay/internal/protocol"
	"github.com/duskrelay/relay/internal/session"
)

const (
	socks5Version = 0x05
	authNoAuth    = 0x00
	cmdConnect    = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess            = 0x00
	repGeneralFailure     = 0x01
	repNetworkUnreachable = 0x03
	repHostUnreachable    = 0x04
	repConnectionRefused  = 0x05
)

// target is a resolved SOCKS5 CONNECT destination.
type target struct {
	host string // original hostname or literal IP, for logging
	ip   net.IP
	port uint16
}

// Dial opens a new Session Channel to a handler. Implemented by
// clientconn.Dialer.DialSession in production; tests substitute a fake.
type Dial func(ctx context.Context) (*session.Channel, error)

// EmergencyCheck reports whether the client agent is currently in
// emergency mode, in which case new connections are refused outright.
// A nil EmergencyCheck is treated as "never".
type EmergencyCheck func() bool

// Server is the SOCKS5 frontend. One Server serves one bind address;
// each accepted connection opens its own Session Channel.
type Server struct {
	ListenAddr string
	Dial       Dial
	Emergency  EmergencyCheck
}

// ListenAndServe binds ListenAddr and serves SOCKS5 connections until ctx
// is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("socks5 server listening", "addr", s.ListenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.Emergency != nil && s.Emergency() {
		slog.Warn("socks5: rejecting connection, emergency mode active", "remote", conn.RemoteAddr())
		return
	}

	if err := handshake(conn); err != nil {
		slog.Debug("socks5: handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	tgt, err := readRequest(conn)
	if err != nil {
		slog.Debug("socks5: request parse failed", "remote", conn.RemoteAddr(), "error", err)
		_ = sendReply(conn, repGeneralFailure)
		return
	}

	if tgt.ip == nil {
		resolved, err := net.DefaultResolver.LookupIP(ctx, "ip", tgt.host)
		if err != nil || len(resolved) == 0 {
			slog.Warn("socks5: dns resolution failed", "host", tgt.host, "error", err)
			_ = sendReply(conn, repHostUnreachable)
			return
		}
		tgt.ip = resolved[0]
	}

	ch, err := s.Dial(ctx)
	if err != nil {
		slog.Error("socks5: opening session channel failed", "error", err)
		_ = sendReply(conn, repConnectionRefused)
		return
	}
	defer ch.Close()

	if err := sendReply(conn, repSuccess); err != nil {
		return
	}

	var remoteIP [16]byte
	copy(remoteIP[:], tgt.ip.To16())

	connID := ch.ConnID()
	done := make(chan struct{})

	// Either direction finishing (EOF, write failure, channel closed) tears
	// down both ends so the other goroutine's blocking read is released
	// instead of leaking the connection open forever.
	go func() {
		tcpToChannel(conn, ch, connID, remoteIP, tgt.port)
		ch.Close()
		close(done)
	}()
	channelToTCP(ch, conn)
	_ = conn.Close()
	<-done
}

// tcpToChannel reads TCP, wraps each read as a data Proxy Frame, and
// forwards it over the Session Channel, until EOF or error.
func tcpToChannel(conn net.Conn, ch *session.Channel, connID uint64, remoteIP [16]byte, remotePort uint16) {
	buf := make([]byte, 8192)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame := protocol.NewDataFrame(connID, remoteIP, remotePort, append([]byte(nil), buf[:n]...), newFrameUUID)
			if sendErr := ch.SendFrame(frame); sendErr != nil {
				slog.Debug("socks5: channel send failed", "conn_id", connID, "error", sendErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("socks5: tcp read failed", "conn_id", connID, "error", err)
			}
			return
		}
	}
}

// channelToTCP drains the Session Channel and writes non-control frame
// payloads back to the TCP client.
func channelToTCP(ch *session.Channel, conn net.Conn) {
	for {
		frame, err := ch.RecvFrame()
		if err != nil {
			return
		}
		if frame.Flags.IsControl {
			continue
		}
		if _, err := conn.Write(frame.Payload); err != nil {
			slog.Debug("socks5: tcp write failed", "error", err)
			return
		}
	}
}

func newFrameUUID() [16]byte {
	var id [16]byte
	copy(id[:], uuid.New()[:])
	return id
}

func handshake(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("reading version/nmethods: %w", err)
	}
	if hdr[0] != socks5Version {
		return fmt.Errorf("unsupported socks version %d", hdr[0])
	}

	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("reading auth methods: %w", err)
	}

	supportsNoAuth := false
	for _, m := range methods {
		if m == authNoAuth {
			supportsNoAuth = true
			break
		}
	}
	if !supportsNoAuth {
		_, _ = conn.Write([]byte{socks5Version, 0xFF})
		return errors.New("client offers no acceptable auth method")
	}

	_, err := conn.Write([]byte{socks5Version, authNoAuth})
	return err
}

func readRequest(conn net.Conn) (target, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return target{}, fmt.Errorf("reading request header: %w", err)
	}
	if hdr[0] != socks5Version {
		return target{}, fmt.Errorf("unsupported socks version %d in request", hdr[0])
	}
	if hdr[1] != cmdConnect {
		return target{}, fmt.Errorf("unsupported command %d", hdr[1])
	}

	switch hdr[3] {
	case atypIPv4:
		addr := make([]byte, 4+2)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return target{}, fmt.Errorf("reading ipv4 address: %w", err)
		}
		ip := net.IP(addr[:4])
		return target{host: ip.String(), ip: ip, port: binary.BigEndian.Uint16(addr[4:])}, nil

	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return target{}, fmt.Errorf("reading domain length: %w", err)
		}
		domainAndPort := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(conn, domainAndPort); err != nil {
			return target{}, fmt.Errorf("reading domain: %w", err)
		}
		domain := string(domainAndPort[:lenBuf[0]])
		port := binary.BigEndian.Uint16(domainAndPort[lenBuf[0]:])
		return target{host: domain, port: port}, nil

	case atypIPv6:
		addr := make([]byte, 16+2)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return target{}, fmt.Errorf("reading ipv6 address: %w", err)
		}
		ip := net.IP(addr[:16])
		return target{host: ip.String(), ip: ip, port: binary.BigEndian.Uint16(addr[16:])}, nil

	default:
		return target{}, fmt.Errorf("unknown address type %d", hdr[3])
	}
}

// sendReply writes VER REP RSV ATYP BND.ADDR BND.PORT, always reporting
// 0.0.0.0:0 as the bound address rather than exposing a real local bind
// address to the SOCKS5 client.
func sendReply(conn net.Conn, rep byte) error {
	reply := []byte{socks5Version, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

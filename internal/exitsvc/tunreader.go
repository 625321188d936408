package exitsvc

import (
	"context"
	"hash/crc32"
	"log/slog"

	"golang.org/x/net/ipv4"

	"github.com/duskrelay/relay/internal/exitnat"
	"github.com/duskrelay/relay/internal/protocol"
)

// RunTunReader reads the exit's return traffic off tun, looks each
// packet's destination address up in nat's reverse route table, and hands
// matches to deliver (Server.Deliver in forward mode; reverse mode has no
// return-path sink). Packets for an unrecognized destination
// are dropped, matching ordinary NAT behavior. Blocks until ctx is
// cancelled or tun.Read fails.
func RunTunReader(ctx context.Context, tun exitnat.TunDevice, nat *exitnat.NatTable, deliver func(handlerID uint64, p protocol.PlainPacket) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packet, err := tun.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("exitsvc: reading from tun", "error", err)
			return
		}

		header, err := ipv4.ParseHeader(packet)
		if err != nil {
			slog.Debug("exitsvc: dropping non-ipv4 tun packet", "error", err)
			continue
		}

		handlerID, connID, ok := nat.LookupByVirtualIP(header.Dst)
		if !ok {
			slog.Debug("exitsvc: dropping tun packet for unknown destination", "dst", header.Dst)
			continue
		}

		p := protocol.PlainPacket{
			ConnID:     connID,
			HandlerID:  handlerID,
			Payload:    packet,
			Checksum:   crc32.ChecksumIEEE(packet),
			IsResponse: true,
		}
		if !deliver(handlerID, p) {
			slog.Debug("exitsvc: no active subscriber for return packet", "handler_id", handlerID, "conn_id", connID)
		}
	}
}

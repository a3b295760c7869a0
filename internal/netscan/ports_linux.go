package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// tcp_states.h
const (
	tcpListen  = 10
	tcpfListen = 1 << tcpListen
)

// inet_diag_req_v2 from linux/inet_diag.h
type inetDiagReq struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte // network order
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// inet_diag_msg, the fixed part of every reply
type inetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      inetDiagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

// Listeners dumps the listening TCP sockets of both address families from
// the kernel sock_diag interface. It errors when netlink is not accessible,
// callers then fall back to LocalPortsDial.
func Listeners() ([]Listener, error) {
	c, err := netlink.Dial(unix.NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sock_diag: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	var out []Listener
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		ls, err := dump(c, family)
		if err != nil {
			return nil, fmt.Errorf("dump listeners of family %d: %w", family, err)
		}
		out = append(out, ls...)
	}
	return out, nil
}

func dump(c *netlink.Conn, family uint8) ([]Listener, error) {
	req := inetDiagReq{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   tcpfListen,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}
	ret := make([]Listener, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done {
			continue
		}
		var r inetDiagMsg
		if err := binary.Read(bytes.NewReader(m.Data), binary.NativeEndian, &r); err != nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(r.ID.Src[:iplen])
		if !ok {
			return nil, fmt.Errorf("invalid address %x", r.ID.Src[:iplen])
		}
		ret = append(ret, Listener{
			Addr:  netip.AddrPortFrom(addr, binary.BigEndian.Uint16(r.ID.SPort[:])),
			UID:   r.UID,
			Inode: r.Inode,
		})
	}
	return ret, nil
}

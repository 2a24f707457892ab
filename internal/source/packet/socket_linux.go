package packet

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"firestige.xyz/magicreboot/internal/core"
)

type socket struct {
	fd int
}

func etherType(family core.Family) uint16 {
	if family == core.FamilyIPv6 {
		return unix.ETH_P_IPV6
	}
	return unix.ETH_P_IP
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// dialSocket opens a cooked AF_PACKET socket. The filter is attached before bind so
// no unfiltered frame is ever queued.
func dialSocket(family core.Family, ifindex, fanoutID int, filter []bpf.RawInstruction, timeout time.Duration) (conn, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	s := &socket{fd: fd}

	if err := s.setup(family, ifindex, fanoutID, filter, timeout); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func (s *socket) setup(family core.Family, ifindex, fanoutID int, filter []bpf.RawInstruction, timeout time.Duration) error {
	if len(filter) > 0 {
		prog := make([]unix.SockFilter, len(filter))
		for i, ins := range filter {
			prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
		fprog := unix.SockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
		if err := unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
			return fmt.Errorf("attach filter: %w", err)
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}

	sa := &unix.SockaddrLinklayer{Protocol: htons(etherType(family)), Ifindex: ifindex}
	if err := unix.Bind(s.fd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	if fanoutID > 0 {
		val := fanoutArg(fanoutID)
		if err := unix.SetsockoptInt(s.fd, unix.SOL_PACKET, unix.PACKET_FANOUT, val); err != nil {
			return fmt.Errorf("join fanout group %d: %w", fanoutID, err)
		}
	}
	return nil
}

// Recv reports the frame's packet type. Without a link-layer address the frame is
// reported as PACKET_OTHERHOST so it is never treated as inbound.
func (s *socket) Recv(buf []byte) (int, uint8, int, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, unix.MSG_TRUNC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, 0, 0, errTimeout
		}
		if errors.Is(err, unix.EBADF) {
			return 0, 0, 0, os.ErrClosed
		}
		return 0, 0, 0, err
	}
	sll, ok := from.(*unix.SockaddrLinklayer)
	if !ok {
		return n, unix.PACKET_OTHERHOST, 0, nil
	}
	return n, sll.Pkttype, sll.Ifindex, nil
}

func (s *socket) Drops() (uint32, error) {
	st, err := unix.GetsockoptTpacketStats(s.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return 0, err
	}
	return st.Drops, nil
}

func (s *socket) Close() error {
	return unix.Close(s.fd)
}

// fanoutArg encodes the PACKET_FANOUT option: hash mode, no defragmentation, so a
// fragmented datagram is rejected whatever the worker count.
func fanoutArg(fanoutID int) int {
	return fanoutID&0xffff | unix.PACKET_FANOUT_HASH<<16
}

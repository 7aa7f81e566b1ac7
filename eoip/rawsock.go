package eoip

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// rawSocket wraps a raw IPv4 socket.  Raw sockets deliver datagrams
// with the IPv4 header included on receive; on send with a connected
// peer the kernel generates the header.
//
// The fd is nonblocking and driven through syscall.RawConn so that
// blocking Recv/Send calls park the goroutine in the runtime poller
// rather than pinning an OS thread.
type rawSocket struct {
	fd     int
	file   *os.File
	rc     syscall.RawConn
	remote unix.Sockaddr
}

func ipv4Sockaddr(addr net.IP) (*unix.SockaddrInet4, error) {
	b := addr.To4()
	if b == nil {
		return nil, fmt.Errorf("address %v is not IPv4", addr)
	}
	return &unix.SockaddrInet4{
		Addr: [4]byte{b[0], b[1], b[2], b[3]},
	}, nil
}

func rawSocket4(protocol int) (fd int, err error) {

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_RAW, protocol)
	if err != nil {
		return -1, fmt.Errorf("socket: %v", err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set socket nonblocking: %v", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_GETFD): %v", err)
	}

	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_SETFD, FD_CLOEXEC): %v", err)
	}

	return fd, nil
}

func wrapRawSocket(fd int, remote unix.Sockaddr) (*rawSocket, error) {
	file := os.NewFile(uintptr(fd), "eoip")
	rc, err := file.SyscallConn()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &rawSocket{
		fd:     fd,
		file:   file,
		rc:     rc,
		remote: remote,
	}, nil
}

// newRecvSocket creates the shared receive socket, bound to the local
// address.  It consumes every inbound datagram carrying the configured
// protocol number.
func newRecvSocket(bindAddr net.IP, protocol int) (*rawSocket, error) {

	sa, err := ipv4Sockaddr(bindAddr)
	if err != nil {
		return nil, err
	}

	fd, err := rawSocket4(protocol)
	if err != nil {
		return nil, err
	}

	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %v: %v", bindAddr, err)
	}

	return wrapRawSocket(fd, nil)
}

// newPeerSocket creates a raw socket connected to a tunnel peer.
// Connecting scopes kernel errors to the peer and lets sends omit the
// destination address.
func newPeerSocket(peerAddr net.IP, protocol int) (*rawSocket, error) {

	sa, err := ipv4Sockaddr(peerAddr)
	if err != nil {
		return nil, err
	}

	fd, err := rawSocket4(protocol)
	if err != nil {
		return nil, err
	}

	if err = unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %v: %v", peerAddr, err)
	}

	return wrapRawSocket(fd, sa)
}

// Recv reads one datagram, IPv4 header included, blocking until a
// datagram arrives.
func (rs *rawSocket) Recv(p []byte) (n int, err error) {
	cerr := rs.rc.Read(func(fd uintptr) bool {
		n, _, err = unix.Recvfrom(int(fd), p, unix.MSG_NOSIGNAL)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if err != nil {
		return n, err
	}
	return n, cerr
}

// Send transmits one datagram payload to the connected peer.
func (rs *rawSocket) Send(p []byte) (err error) {
	cerr := rs.rc.Write(func(fd uintptr) bool {
		err = unix.Sendto(int(fd), p, unix.MSG_NOSIGNAL, rs.remote)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if err != nil {
		return err
	}
	return cerr
}

// Close the socket, releasing the underlying fd.
func (rs *rawSocket) Close() error {
	return rs.file.Close()
}

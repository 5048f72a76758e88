package cansource

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/hefroy/fleetedge/errors"
)

// TimestampType selects where frame timestamps come from.
type TimestampType int

const (
	// TimestampPolling stamps frames with the wall clock at receive time.
	TimestampPolling TimestampType = iota
	// TimestampKernelSoftware uses the kernel's software receive stamp.
	TimestampKernelSoftware
	// TimestampKernelHardware uses the NIC hardware stamp when available.
	TimestampKernelHardware
)

// ParseTimestampType maps a config name to a TimestampType.
func ParseTimestampType(name string) (TimestampType, error) {
	switch name {
	case "", "polling":
		return TimestampPolling, nil
	case "kernel_software":
		return TimestampKernelSoftware, nil
	case "kernel_hardware":
		return TimestampKernelHardware, nil
	default:
		return TimestampPolling, fmt.Errorf("unknown timestamp type %q", name)
	}
}

// Frame is one received CAN frame with its extracted timestamp.
// TimestampMs of 0 means no kernel stamp was present and the caller
// should fall back to polling time.
type Frame struct {
	ID          uint32
	Data        []byte
	TimestampMs int64
}

// endpoint abstracts the non-blocking datagram socket so the worker can
// be exercised without a CAN interface.
type endpoint interface {
	// ReceiveBatch fills frames and returns how many were received.
	// Returns 0 with no error when the socket has nothing buffered.
	ReceiveBatch(frames []Frame) (int, error)
	Close() error
}

// classic and FD frame sizes on the wire (linux/can.h layout).
const (
	canFrameSize   = 16
	canfdFrameSize = 72
	canEffMask     = 0x1FFFFFFF
)

// rawEndpoint is a non-blocking AF_CAN raw socket bound to a named
// interface, with optional FD frames and kernel timestamping.
type rawEndpoint struct {
	fd            int
	timestampType TimestampType
	fdFrames      bool
}

// openRawEndpoint creates, configures, and binds the socket. On every
// error path the descriptor is closed before returning.
func openRawEndpoint(interfaceName string, timestampType TimestampType, forceCanFD bool) (*rawEndpoint, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK, unix.CAN_RAW)
	if err != nil {
		return nil, errors.WrapTransient(err, "can-endpoint", "open", "socket create")
	}
	ep := &rawEndpoint{fd: fd, timestampType: timestampType}

	// Switch FD mode on, or fall back to classic CAN unless forced.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
		if forceCanFD {
			_ = unix.Close(fd)
			return nil, errors.WrapFatal(err, "can-endpoint", "open", "CAN FD enable")
		}
	} else {
		ep.fdFrames = true
	}

	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.WrapFatal(fmt.Errorf("interface %s: %w", interfaceName, err),
			"can-endpoint", "open", "interface lookup")
	}

	if timestampType == TimestampKernelSoftware || timestampType == TimestampKernelHardware {
		flags := unix.SOF_TIMESTAMPING_RX_HARDWARE | unix.SOF_TIMESTAMPING_RX_SOFTWARE |
			unix.SOF_TIMESTAMPING_SOFTWARE | unix.SOF_TIMESTAMPING_RAW_HARDWARE
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
			_ = unix.Close(fd)
			return nil, errors.WrapFatal(err, "can-endpoint", "open", "kernel timestamping enable")
		}
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WrapTransient(err, "can-endpoint", "open", "socket bind")
	}
	return ep, nil
}

// ReceiveBatch drains up to len(frames) datagrams from the socket.
func (e *rawEndpoint) ReceiveBatch(frames []Frame) (int, error) {
	buf := make([]byte, canfdFrameSize)
	oob := make([]byte, 128)
	received := 0
	for received < len(frames) {
		n, oobn, _, _, err := unix.Recvmsg(e.fd, buf, oob, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return received, nil
			}
			if err == unix.ENODEV {
				return received, errors.WrapFatal(errors.ErrDeviceRemoved, "can-endpoint", "ReceiveBatch", "recvmsg")
			}
			if err == unix.ENETDOWN || err == unix.ENETUNREACH {
				return received, errors.WrapTransient(errors.ErrNetworkDown, "can-endpoint", "ReceiveBatch", "recvmsg")
			}
			return received, errors.WrapTransient(err, "can-endpoint", "ReceiveBatch", "recvmsg")
		}
		if n < canFrameSize {
			continue
		}
		frame := parseFrame(buf[:n])
		if e.timestampType != TimestampPolling {
			frame.TimestampMs = extractKernelTimestamp(oob[:oobn], e.timestampType)
		}
		frames[received] = frame
		received++
	}
	return received, nil
}

func (e *rawEndpoint) Close() error {
	return unix.Close(e.fd)
}

// parseFrame decodes the linux can(fd)_frame wire layout: 4 bytes id,
// 1 byte length, 3 bytes flags/padding, then payload.
func parseFrame(buf []byte) Frame {
	id := binary.LittleEndian.Uint32(buf[0:4]) & canEffMask
	length := int(buf[4])
	if length > len(buf)-8 {
		length = len(buf) - 8
	}
	data := make([]byte, length)
	copy(data, buf[8:8+length])
	return Frame{ID: id, Data: data}
}

// extractKernelTimestamp walks the control messages for the
// SCM_TIMESTAMPING payload: three timespecs, software in [0] and raw
// hardware in [2]. Returns 0 when no usable stamp is present.
func extractKernelTimestamp(oob []byte, timestampType TimestampType) int64 {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	const timespecSize = 16
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_TIMESTAMPING {
			continue
		}
		if len(cmsg.Data) < 3*timespecSize {
			continue
		}
		index := 0
		if timestampType == TimestampKernelHardware {
			index = 2
		}
		sec := int64(binary.LittleEndian.Uint64(cmsg.Data[index*timespecSize:]))
		nsec := int64(binary.LittleEndian.Uint64(cmsg.Data[index*timespecSize+8:]))
		return sec*1000 + nsec/1_000_000
	}
	return 0
}

package obd

import (
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hefroy/fleetedge/errors"
)

// ISO-TP socket option constants not exported by x/sys/unix.
// SOL_CAN_ISOTP = SOL_CAN_BASE (100) + CAN_ISOTP (6).
const (
	solCANISOTP        = 106
	canISOTPOpts       = 1
	isotpTxPadding     = 0x0004
	isotpListenMode    = 0x0001
	isotpSFBroadcast   = 0x0800
	isotpOptionsLength = 12
)

// isotpOptionsBytes builds the struct can_isotp_options wire layout:
// u32 flags, u32 frame_txtime, then four u8 padding/address fields.
func isotpOptionsBytes(flags uint32) []byte {
	buf := make([]byte, isotpOptionsLength)
	binary.LittleEndian.PutUint32(buf[0:4], flags)
	return buf
}

// linuxISOTPConn is an ISO-TP datagram socket bound to one (rx, tx)
// address pair on a named interface.
type linuxISOTPConn struct {
	fd int
}

// openISOTPConn opens the per-ECU ISO-TP connection, or the broadcast
// connection when rxID is zero (listen-only with single-frame
// broadcast, matching functional addressing).
func openISOTPConn(interfaceName string, rxID, txID uint32, extended bool) (isotpConn, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_ISOTP)
	if err != nil {
		return nil, errors.WrapTransient(err, "isotp", "open", "socket create")
	}
	if extended {
		txID |= canEffFlag
		if rxID != 0 {
			rxID |= canEffFlag
		}
	}
	if rxID == 0 {
		// Broadcast socket: padding, no flow control, no responses.
		opts := isotpOptionsBytes(isotpTxPadding | isotpListenMode | isotpSFBroadcast)
		if err := unix.SetsockoptString(fd, solCANISOTP, canISOTPOpts, string(opts)); err != nil {
			_ = unix.Close(fd)
			return nil, errors.WrapFatal(err, "isotp", "open", "broadcast option set")
		}
	}
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.WrapFatal(err, "isotp", "open", "interface lookup")
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index, RxID: rxID, TxID: txID}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.WrapTransient(err, "isotp", "open", "socket bind")
	}
	return &linuxISOTPConn{fd: fd}, nil
}

func (c *linuxISOTPConn) Write(data []byte) error {
	if _, err := unix.Write(c.fd, data); err != nil {
		return errors.WrapTransient(err, "isotp", "Write", "socket write")
	}
	return nil
}

func (c *linuxISOTPConn) Read(timeout time.Duration) ([]byte, bool, error) {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		return nil, false, errors.WrapTransient(err, "isotp", "Read", "poll")
	}
	if n == 0 {
		return nil, false, nil
	}
	buf := make([]byte, 4096)
	length, err := unix.Read(c.fd, buf)
	if err != nil {
		return nil, false, errors.WrapTransient(err, "isotp", "Read", "socket read")
	}
	return buf[:length], true, nil
}

func (c *linuxISOTPConn) Close() error {
	return unix.Close(c.fd)
}

// rawCANDetector sends the service-01/PID-00 functional request on a
// raw CAN socket and records every response id in the ECU range.
type rawCANDetector struct {
	interfaceName string
	logger        *slog.Logger
}

// Detect implements detector. The socket lives only for one round and
// is closed on every exit path.
func (d *rawCANDetector) Detect(extended bool, timeout time.Duration) ([]uint32, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.WrapTransient(err, "obd-detector", "Detect", "socket create")
	}
	defer func() { _ = unix.Close(fd) }()

	iface, err := net.InterfaceByName(d.interfaceName)
	if err != nil {
		return nil, errors.WrapFatal(err, "obd-detector", "Detect", "interface lookup")
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		return nil, errors.WrapTransient(err, "obd-detector", "Detect", "socket bind")
	}

	// Single frame: length 2, service 01, PID 00.
	frame := make([]byte, 16)
	requestID := broadcastID
	if extended {
		requestID = broadcastExtendedID | canEffFlag
	}
	binary.LittleEndian.PutUint32(frame[0:4], requestID)
	frame[4] = 8
	frame[8] = 2
	frame[9] = 1
	frame[10] = 0
	if _, err := unix.Write(fd, frame); err != nil {
		return nil, errors.WrapTransient(err, "obd-detector", "Detect", "broadcast write")
	}
	d.logger.Debug("Sent OBD broadcast request", "extended", extended)

	var responses []uint32
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pollMs := int(remaining.Milliseconds())
		if pollMs > P2TimeoutMs {
			pollMs = P2TimeoutMs
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollMs)
		if err != nil {
			return responses, errors.WrapTransient(err, "obd-detector", "Detect", "poll")
		}
		if n == 0 {
			break
		}
		buf := make([]byte, 16)
		if _, err := unix.Read(fd, buf); err != nil {
			return responses, errors.WrapTransient(err, "obd-detector", "Detect", "socket read")
		}
		id := binary.LittleEndian.Uint32(buf[0:4]) & canEffMask
		if inECURange(extended, id) {
			responses = append(responses, id)
		}
	}
	d.logger.Debug("ECU detection round finished", "responses", len(responses))
	return responses, nil
}

package obd

import (
	"log/slog"
	"time"

	"github.com/hefroy/fleetedge/document"
)

// isotpConn is one ISO-TP connection to an ECU (or the broadcast
// address). Reads are bounded by a timeout; a false ok means nothing
// arrived in time.
type isotpConn interface {
	Write(data []byte) error
	Read(timeout time.Duration) (data []byte, ok bool, err error)
	Close() error
}

// ecu tracks one detected ECU: its addressing, its ISO-TP connection,
// the PIDs it reports as supported, and the subset assigned to it.
type ecu struct {
	rxID     uint32
	txID     uint32
	extended bool
	conn     isotpConn
	// broadcast, when non-nil, carries requests instead of conn; the
	// response still arrives on conn.
	broadcast isotpConn

	decoder  *decoder
	receiver SignalReceiver
	logger   *slog.Logger

	supportedPIDs []document.PID
	pidsToRequest []document.PID
	hasSupported  bool
}

func (e *ecu) requestConn() isotpConn {
	if e.broadcast != nil {
		return e.broadcast
	}
	return e.conn
}

// requestReceiveSupportedPIDs walks the supported-PID ranges once and
// records what this ECU advertises. Returns the number of requests sent
// so broadcast flushing can drain the other ECUs.
func (e *ecu) requestReceiveSupportedPIDs(sid document.SID) int {
	if e.hasSupported {
		return 0
	}
	requests := 0
	e.supportedPIDs = e.supportedPIDs[:0]
	for _, rangePID := range supportedPIDRanges {
		if err := e.requestConn().Write([]byte{uint8(sid), uint8(rangePID)}); err != nil {
			e.logger.Warn("Supported-PID request failed", "range", rangePID, "error", err)
			return requests
		}
		requests++
		response, ok, err := e.conn.Read(P2TimeoutMs * time.Millisecond * 10)
		if err != nil || !ok {
			// Range not answered; higher ranges are optional.
			break
		}
		supported, err := decodeSupportedPIDs(sid, rangePID, response)
		if err != nil {
			e.logger.Warn("Malformed supported-PID response", "range", rangePID, "error", err)
			break
		}
		e.supportedPIDs = append(e.supportedPIDs, supported...)
		// The next range is only worth querying when its range PID is
		// itself marked supported.
		if !containsPID(supported, rangePID+0x20) {
			break
		}
	}
	e.hasSupported = true
	e.logger.Debug("Supported PIDs acquired", "rx_id", e.rxID, "count", len(e.supportedPIDs))
	return requests
}

// updatePIDRequestList intersects the dictionary's requested PIDs with
// this ECU's supported set. A PID already assigned to another ECU is
// never reassigned.
func (e *ecu) updatePIDRequestList(requested []document.PID, assigned map[document.PID]struct{}) {
	e.pidsToRequest = e.pidsToRequest[:0]
	for _, pid := range requested {
		if _, taken := assigned[pid]; taken {
			continue
		}
		if !containsPID(e.supportedPIDs, pid) {
			continue
		}
		assigned[pid] = struct{}{}
		e.pidsToRequest = append(e.pidsToRequest, pid)
	}
}

// requestReceiveEmissionPIDs requests this ECU's assigned PIDs in
// batches and pushes the decoded values. Returns the request count.
func (e *ecu) requestReceiveEmissionPIDs(sid document.SID, timestampMs int64) int {
	requests := 0
	for start := 0; start < len(e.pidsToRequest); start += maxPIDsPerRequest {
		end := start + maxPIDsPerRequest
		if end > len(e.pidsToRequest) {
			end = len(e.pidsToRequest)
		}
		batch := e.pidsToRequest[start:end]
		request := make([]byte, 0, 1+len(batch))
		request = append(request, uint8(sid))
		for _, pid := range batch {
			request = append(request, uint8(pid))
		}
		if err := e.requestConn().Write(request); err != nil {
			e.logger.Warn("PID request failed", "rx_id", e.rxID, "error", err)
			return requests
		}
		requests++
		response, ok, err := e.conn.Read(P2TimeoutMs * time.Millisecond * 10)
		if err != nil || !ok {
			continue
		}
		values, err := e.decoder.decodeEmissionResponse(sid, batch, response)
		if err != nil {
			e.logger.Warn("PID response decode failed", "rx_id", e.rxID, "error", err)
			continue
		}
		for _, v := range values {
			e.receiver.PushSignal(v.SignalID, v.Value, timestampMs)
		}
	}
	return requests
}

// requestDTCs requests stored DTCs. Returns the decoded codes, the
// request count, and whether the request round succeeded.
func (e *ecu) requestDTCs() ([]DTC, int, bool) {
	if err := e.requestConn().Write([]byte{uint8(document.SIDStoredDTCs)}); err != nil {
		e.logger.Warn("DTC request failed", "rx_id", e.rxID, "error", err)
		return nil, 0, false
	}
	response, ok, err := e.conn.Read(P2TimeoutMs * time.Millisecond * 10)
	if err != nil || !ok {
		return nil, 1, false
	}
	codes, err := decodeDTCResponse(response)
	if err != nil {
		e.logger.Warn("DTC response decode failed", "rx_id", e.rxID, "error", err)
		return nil, 1, false
	}
	return codes, 1, true
}

// flush drains one pending response from this ECU's socket within the
// time budget, returning roughly how long it spent. After a broadcast
// request every ECU answers, and non-target queues must stay clean.
func (e *ecu) flush(budget time.Duration) time.Duration {
	if budget <= 0 {
		return 0
	}
	start := time.Now()
	_, _, _ = e.conn.Read(budget)
	return time.Since(start)
}

func (e *ecu) close() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

func containsPID(pids []document.PID, pid document.PID) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

package obd

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefroy/fleetedge/clock"
	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
)

// fakeConn scripts ISO-TP request/response behavior for one ECU.
type fakeConn struct {
	mu sync.Mutex
	// handler computes the response for a request; nil means silence.
	handler func(request []byte) []byte
	pending [][]byte
	// writes records every request seen on this connection.
	writes [][]byte
	closed bool
}

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	request := make([]byte, len(data))
	copy(request, data)
	f.writes = append(f.writes, request)
	if f.handler != nil {
		if response := f.handler(request); response != nil {
			f.pending = append(f.pending, response)
		}
	}
	return nil
}

func (f *fakeConn) Read(_ time.Duration) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, false, nil
	}
	response := f.pending[0]
	f.pending = f.pending[1:]
	return response, true, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) requestedPIDs() map[document.PID]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[document.PID]bool)
	for _, w := range f.writes {
		if len(w) >= 2 && w[0] == uint8(document.SIDCurrentStats) {
			for _, pid := range w[1:] {
				out[document.PID(pid)] = true
			}
		}
	}
	return out
}

// supportedPIDHandler answers supported-PID range queries with masks
// advertising the given PIDs, including the continuation bits needed to
// reach higher ranges.
func supportedPIDHandler(pids ...document.PID) func([]byte) []byte {
	return func(request []byte) []byte {
		if len(request) != 2 || request[0] != uint8(document.SIDCurrentStats) {
			return nil
		}
		rangePID := int(request[1])
		if rangePID%0x20 != 0 {
			return nil
		}
		var mask [4]byte
		set := func(pid int) {
			index := pid - rangePID - 1
			if index >= 0 && index < 32 {
				mask[index/8] |= 1 << (7 - index%8)
			}
		}
		for _, pid := range pids {
			set(int(pid))
			if int(pid) > rangePID+0x20 {
				set(rangePID + 0x20)
			}
		}
		return []byte{0x41, uint8(rangePID), mask[0], mask[1], mask[2], mask[3]}
	}
}

// captureReceiver records pushed signals and DTC rounds.
type captureReceiver struct {
	mu      sync.Mutex
	signals []document.SignalID
	dtcs    [][]DTC
}

func (c *captureReceiver) PushSignal(signalID document.SignalID, _ float64, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, signalID)
}

func (c *captureReceiver) PushDTCs(codes []DTC, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dtcs = append(c.dtcs, codes)
}

type staticDetector struct {
	responses []uint32
}

func (d *staticDetector) Detect(extended bool, _ time.Duration) ([]uint32, error) {
	if extended {
		return nil, nil
	}
	return d.responses, nil
}

func TestTxIDDerivation(t *testing.T) {
	assert.Equal(t, uint32(0x7E0), txIDForRxID(false, 0x7E8))
	assert.Equal(t, uint32(0x18DA59F1), txIDForRxID(true, 0x18DAF159))
}

func TestECURangeCheck(t *testing.T) {
	assert.True(t, inECURange(false, 0x7E8))
	assert.True(t, inECURange(false, 0x7EF))
	assert.False(t, inECURange(false, 0x7F0))
	assert.True(t, inECURange(true, 0x18DAF100))
	assert.False(t, inECURange(true, 0x18DAF000))
}

func TestPIDPartitioningFirstECUWins(t *testing.T) {
	// S5: both ECUs advertise PID 0x70; only 0x7E8 gets it assigned.
	logger := slog.Default()
	d := newDecoder()
	d.setDictionary(obdDictionary())
	receiver := &captureReceiver{}

	connA := &fakeConn{handler: supportedPIDHandler(0x14, 0x70)}
	connB := &fakeConn{handler: supportedPIDHandler(0x70)}
	ecuA := &ecu{rxID: 0x7E8, conn: connA, decoder: d, receiver: receiver, logger: logger}
	ecuB := &ecu{rxID: 0x7E9, conn: connB, decoder: d, receiver: receiver, logger: logger}

	assigned := make(map[document.PID]struct{})
	requested := []document.PID{0x14, 0x70}
	for _, e := range []*ecu{ecuA, ecuB} {
		e.requestReceiveSupportedPIDs(document.SIDCurrentStats)
		e.updatePIDRequestList(requested, assigned)
	}

	assert.ElementsMatch(t, []document.PID{0x14, 0x70}, ecuA.pidsToRequest)
	assert.Empty(t, ecuB.pidsToRequest, "PID 0x70 already assigned to 0x7E8")

	// 0x7E9 must never request 0x70.
	ecuA.requestReceiveEmissionPIDs(document.SIDCurrentStats, 0)
	ecuB.requestReceiveEmissionPIDs(document.SIDCurrentStats, 0)
	assert.False(t, connB.requestedPIDs()[0x70])
	assert.True(t, connA.requestedPIDs()[0x70])
}

func TestPartitioningStableAcrossReassignment(t *testing.T) {
	logger := slog.Default()
	d := newDecoder()
	d.setDictionary(obdDictionary())

	connA := &fakeConn{handler: supportedPIDHandler(0x70)}
	connB := &fakeConn{handler: supportedPIDHandler(0x70)}
	ecuA := &ecu{rxID: 0x7E8, conn: connA, decoder: d, receiver: &captureReceiver{}, logger: logger}
	ecuB := &ecu{rxID: 0x7E9, conn: connB, decoder: d, receiver: &captureReceiver{}, logger: logger}

	for round := 0; round < 3; round++ {
		assigned := make(map[document.PID]struct{})
		for _, e := range []*ecu{ecuA, ecuB} {
			e.requestReceiveSupportedPIDs(document.SIDCurrentStats)
			e.updatePIDRequestList([]document.PID{0x70}, assigned)
		}
		assert.Equal(t, []document.PID{0x70}, ecuA.pidsToRequest)
		assert.Empty(t, ecuB.pidsToRequest)
	}
}

func TestModuleDictionaryGatesPIDPolling(t *testing.T) {
	var connsMu sync.Mutex
	conns := make(map[uint32]*fakeConn)
	factory := func(rxID, txID uint32, extended bool) (isotpConn, error) {
		conn := &fakeConn{handler: supportedPIDHandler(0x14, 0x70)}
		connsMu.Lock()
		conns[rxID] = conn
		connsMu.Unlock()
		return conn, nil
	}
	receiver := &captureReceiver{}
	m := NewModule(Deps{
		Config: Config{
			InterfaceName:       "vcan0",
			PIDRequestIntervalS: 1,
		},
		Receiver:    receiver,
		Clock:       clock.NewSystemClock(),
		Detector:    &staticDetector{responses: []uint32{0x7E8}},
		ConnFactory: factory,
	})
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect(2 * time.Second) })

	// Without a dictionary the worker stays parked before detection.
	time.Sleep(100 * time.Millisecond)
	connsMu.Lock()
	assert.Empty(t, conns, "no detection until decoding work exists")
	connsMu.Unlock()

	m.OnDictionaryUpdate(obdDictionary(), document.ProtocolOBD)

	require.Eventually(t, func() bool {
		connsMu.Lock()
		conn, ok := conns[0x7E8]
		connsMu.Unlock()
		return ok && conn.requestedPIDs()[0x14]
	}, 5*time.Second, 20*time.Millisecond, "PID polled after dictionary arrives")
}

func TestModuleDTCGatedOnInspectionMatrix(t *testing.T) {
	conns := make(map[uint32]*fakeConn)
	factory := func(rxID, txID uint32, extended bool) (isotpConn, error) {
		conn := &fakeConn{handler: func(request []byte) []byte {
			if len(request) == 1 && request[0] == uint8(document.SIDStoredDTCs) {
				return []byte{0x43, 0x01, 0x01, 0x43}
			}
			return supportedPIDHandler(0x14)(request)
		}}
		conns[rxID] = conn
		return conn, nil
	}
	receiver := &captureReceiver{}
	m := NewModule(Deps{
		Config: Config{
			InterfaceName:       "vcan0",
			DTCRequestIntervalS: 1,
		},
		Receiver:    receiver,
		Clock:       clock.NewSystemClock(),
		Detector:    &staticDetector{responses: []uint32{0x7E8}},
		ConnFactory: factory,
	})
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Disconnect(2 * time.Second) })

	m.OnInspectionMatrixUpdate(dtcMatrix(true))

	require.Eventually(t, func() bool {
		receiver.mu.Lock()
		defer receiver.mu.Unlock()
		for _, round := range receiver.dtcs {
			for _, code := range round {
				if code == "P0143" {
					return true
				}
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Disabling stops new rounds.
	m.OnInspectionMatrixUpdate(dtcMatrix(false))
	assert.False(t, m.shouldRequestDTCs.Load())
}

func TestModuleZeroIntervalsStayDormant(t *testing.T) {
	m := NewModule(Deps{
		Config:   Config{InterfaceName: "vcan0"},
		Receiver: &captureReceiver{},
		Clock:    clock.NewSystemClock(),
		Detector: &staticDetector{},
		ConnFactory: func(rxID, txID uint32, extended bool) (isotpConn, error) {
			t.Fatal("no connection may be opened")
			return nil, nil
		},
	})
	require.NoError(t, m.Connect(context.Background()))
	assert.False(t, m.running.Load())
	assert.NoError(t, m.Disconnect(time.Second))
}

func TestExternalPIDResponse(t *testing.T) {
	receiver := &captureReceiver{}
	m := NewModule(Deps{
		Config:      Config{InterfaceName: "vcan0", PIDRequestIntervalS: 1},
		Receiver:    receiver,
		Clock:       clock.NewSystemClock(),
		Detector:    &staticDetector{},
		ConnFactory: func(rxID, txID uint32, extended bool) (isotpConn, error) { return &fakeConn{}, nil },
	})
	m.OnDictionaryUpdate(obdDictionary(), document.ProtocolOBD)

	assert.Equal(t, []document.PID{0x14, 0x70}, m.ExternalPIDsToRequest())

	m.SetExternalPIDResponse(0x14, []byte{0x41, 0x14, 0x0C, 0x80, 0x0A, 0x00})
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	assert.ElementsMatch(t, []document.SignalID{0x1000, 0x1001}, receiver.signals)

	m.SetExternalPIDResponse(0x99, []byte{0x41, 0x99, 0x00})
	assert.Len(t, receiver.signals, 2, "unknown PID dropped")
}

func dtcMatrix(includeDTCs bool) *dictionary.InspectionMatrix {
	return &dictionary.InspectionMatrix{
		Conditions: []dictionary.InspectionCondition{{SchemeID: "dtc-scheme", IncludeDTCs: includeDTCs}},
	}
}

package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeListBuildFromPayload(t *testing.T) {
	payload := []byte(`{
		"schemes": [
			{
				"id": "scheme-A",
				"decoder_manifest_id": "DM1",
				"start_time_ms": 500,
				"expiry_time_ms": 2000,
				"period_ms": 100,
				"signals": [{"signal_id": 1, "sample_buffer_size": 100}]
			},
			{
				"id": "scheme-B",
				"decoder_manifest_id": "DM1",
				"start_time_ms": 1200,
				"expiry_time_ms": 3000,
				"condition": {
					"type": "operator",
					"operator": ">",
					"left": {"type": "signal", "signal_id": 1},
					"right": {"type": "float", "float_value": 100.5}
				},
				"trigger_mode": "rising_edge",
				"minimum_trigger_interval_ms": 1000,
				"include_dtcs": true,
				"signals": [{"signal_id": 1}]
			}
		]
	}`)

	list := &SchemeList{}
	list.CopyData(payload)
	require.NoError(t, list.Build())
	require.True(t, list.Ready())

	schemes := list.Schemes()
	require.Len(t, schemes, 2)

	a := schemes[0]
	assert.Equal(t, "scheme-A", a.ID)
	assert.True(t, a.TimeBased())
	assert.Equal(t, uint32(100), a.PeriodMs)

	b := schemes[1]
	assert.False(t, b.TimeBased())
	assert.Equal(t, TriggerRisingEdge, b.TriggerMode)
	assert.True(t, b.IncludeDTCs)
	require.NotNil(t, b.Condition)
	assert.Equal(t, OpBigger, b.Condition.Operator)
	assert.Equal(t, SignalID(1), b.Condition.Left.SignalID)
	assert.Equal(t, 100.5, b.Condition.Right.FloatValue)
}

func TestSchemeListBuildRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `garbage`},
		{"missing schemes key", `{}`},
		{"empty id", `{"schemes":[{"id":"","decoder_manifest_id":"DM1","start_time_ms":0,"expiry_time_ms":1}]}`},
		{"expiry before start", `{"schemes":[{"id":"x","decoder_manifest_id":"DM1","start_time_ms":10,"expiry_time_ms":5}]}`},
		{"unknown operator", `{"schemes":[{"id":"x","decoder_manifest_id":"DM1","start_time_ms":0,"expiry_time_ms":1,
			"condition":{"type":"operator","operator":"^^"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := &SchemeList{}
			list.CopyData([]byte(tt.payload))
			assert.Error(t, list.Build())
			assert.Nil(t, list.Schemes())
		})
	}
}

func TestSchemeEquals(t *testing.T) {
	mk := func() *CollectionScheme {
		return &CollectionScheme{
			ID:                "s1",
			DecoderManifestID: "DM1",
			StartTimeMs:       100,
			ExpiryTimeMs:      200,
			PeriodMs:          50,
			Signals:           []SignalCollectionInfo{{SignalID: 7}},
		}
	}
	a, b := mk(), mk()
	assert.True(t, a.Equals(b))

	b.Priority = 3
	assert.False(t, a.Equals(b))

	c := mk()
	c.Signals[0].MinimumSampleIntervalMs = 10
	assert.False(t, a.Equals(c))
}

func TestCollectSignalRefs(t *testing.T) {
	payload := []byte(`{
		"schemes": [{
			"id": "s", "decoder_manifest_id": "DM1", "start_time_ms": 0, "expiry_time_ms": 10,
			"condition": {
				"type": "operator", "operator": "&&",
				"left": {"type": "partial_signal", "base_signal_id": 2000000, "path": [1,2,5]},
				"right": {"type": "operator", "operator": "<",
					"left": {"type": "signal", "signal_id": 9},
					"right": {"type": "float", "float_value": 1}}
			},
			"signals": []
		}]
	}`)
	list := &SchemeList{}
	list.CopyData(payload)
	require.NoError(t, list.Build())

	var direct []SignalID
	var partial []PartialSignalRef
	list.Schemes()[0].Condition.CollectSignalRefs(&direct, &partial)
	assert.Equal(t, []SignalID{9}, direct)
	require.Len(t, partial, 1)
	assert.Equal(t, SignalID(2000000), partial[0].BaseSignalID)
	assert.True(t, SignalPath{1, 2, 5}.Equal(partial[0].Path))
}

func TestSignalPathOrdering(t *testing.T) {
	assert.True(t, SignalPath{1, 2}.Less(SignalPath{1, 3}))
	assert.True(t, SignalPath{1}.Less(SignalPath{1, 0}))
	assert.False(t, SignalPath{2}.Less(SignalPath{1, 9}))
	assert.False(t, SignalPath{1, 2}.Less(SignalPath{1, 2}))
}

func TestSchemeListRoundTripKeepsRawPayload(t *testing.T) {
	dto := schemeListDTO{Schemes: []schemeDTO{{
		ID: "s1", DecoderManifestID: "DM1", StartTimeMs: 1, ExpiryTimeMs: 2,
	}}}
	payload, err := json.Marshal(dto)
	require.NoError(t, err)

	list := &SchemeList{}
	list.CopyData(payload)
	require.NoError(t, list.Build())
	assert.Equal(t, payload, list.Data(), "raw bytes persist unchanged")
}

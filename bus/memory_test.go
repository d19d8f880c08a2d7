////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// Tests that change events reach every subscriber of the conversation and
// nobody else.
func TestMemory_PublishChange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var aGot, bGot, otherGot []ChangeEvent
	subA, err := m.SubscribeChanges("conv", func(ev ChangeEvent) {
		aGot = append(aGot, ev)
	})
	require.NoError(t, err)
	defer subA.Close()
	subB, err := m.SubscribeChanges("conv", func(ev ChangeEvent) {
		bGot = append(bGot, ev)
	})
	require.NoError(t, err)
	defer subB.Close()
	subOther, err := m.SubscribeChanges("other", func(ev ChangeEvent) {
		otherGot = append(otherGot, ev)
	})
	require.NoError(t, err)
	defer subOther.Close()

	row, _ := json.Marshal(map[string]string{"id": "m0"})
	require.NoError(t, m.PublishChange(ctx, "conv",
		ChangeEvent{Op: OpInsert, Row: row}))

	require.Len(t, aGot, 1)
	require.Len(t, bGot, 1)
	require.Empty(t, otherGot)
	require.Equal(t, OpInsert, aGot[0].Op)
}

// Tests that a closed subscription stops receiving and that Close is
// idempotent.
func TestMemory_SubscriptionClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got int
	sub, err := m.SubscribeChanges("conv", func(ChangeEvent) { got++ })
	require.NoError(t, err)

	require.NoError(t, m.PublishChange(ctx, "conv", ChangeEvent{Op: OpInsert}))
	require.Equal(t, 1, got)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, m.PublishChange(ctx, "conv", ChangeEvent{Op: OpInsert}))
	require.Equal(t, 1, got)
}

// Tests broadcast delivery with payload marshaling.
func TestMemory_Broadcast(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var gotEvent string
	var gotPayload TypingPayload
	sub, err := m.SubscribeBroadcast("conv",
		func(event string, payload []byte) {
			gotEvent = event
			require.NoError(t, json.Unmarshal(payload, &gotPayload))
		})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Broadcast(ctx, "conv", EventTyping,
		TypingPayload{UserID: "u", Username: "user", Timestamp: 42}))

	require.Equal(t, EventTyping, gotEvent)
	require.Equal(t, "u", gotPayload.UserID)
	require.Equal(t, int64(42), gotPayload.Timestamp)

	// Broadcasting with no subscribers is not an error.
	require.NoError(t, m.Broadcast(ctx, "empty", EventStopTyping,
		StopTypingPayload{UserID: "u"}))
}

// Tests the change-op wire names round trip.
func TestOp_JSON(t *testing.T) {
	for _, op := range []Op{OpInsert, OpUpdate} {
		data, err := json.Marshal(op)
		require.NoError(t, err)

		var parsed Op
		require.NoError(t, json.Unmarshal(data, &parsed))
		require.Equal(t, op, parsed)
	}

	var invalid Op
	require.Error(t, json.Unmarshal([]byte(`"upsert"`), &invalid))
}

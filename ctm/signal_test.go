package ctm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefEqual(t *testing.T) {
	a := offsetRef(5)
	b := offsetRef(5)
	c := offsetRef(6)

	assert.True(t, refEqual(nil, nil))
	assert.False(t, refEqual(a, nil))
	assert.False(t, refEqual(nil, a))
	assert.True(t, refEqual(a, b), "value equality, not identity, must match")
	assert.False(t, refEqual(a, c))
}

func TestSignalRoundTrip(t *testing.T) {
	name := "invoice-reconcile"
	ref := offsetRef(42)
	sig := Signal{
		TaskName:  &name,
		Kind:      KindClaiming,
		OriginID:  "node-a",
		Reference: ref,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}

	payload, err := sig.MarshalBinary()
	require.NoError(t, err)

	decoded, err := UnmarshalSignal(payload, 17)
	require.NoError(t, err)

	assert.Equal(t, sig.Kind, decoded.Kind)
	assert.Equal(t, sig.OriginID, decoded.OriginID)
	require.NotNil(t, decoded.TaskName)
	assert.Equal(t, name, *decoded.TaskName)
	require.NotNil(t, decoded.Reference)
	assert.Equal(t, *ref, *decoded.Reference)
	assert.Equal(t, int64(17), decoded.CurrentOffset, "offset is stamped by the caller, not carried on the wire")
	assert.True(t, sig.Timestamp.Equal(decoded.Timestamp))
}

func TestSignalIsInternal(t *testing.T) {
	assert.True(t, KindUnclaimInternal.IsInternal())
	assert.True(t, KindResurrectFire.IsInternal())
	assert.False(t, KindClaiming.IsInternal())
	assert.False(t, KindHeartbeat.IsInternal())
}

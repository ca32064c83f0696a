package flow

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallMatch(t *testing.T) {
	tbl := New(4)
	h, err := tbl.Install(Spec{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, h.QueueID)

	qid, ok := tbl.Match(net.ParseIP("239.1.1.1"), net.ParseIP("10.0.0.5"), 20000)
	require.True(t, ok)
	assert.Equal(t, 2, qid)
}

func TestMatchMiss(t *testing.T) {
	tbl := New(4)
	_, ok := tbl.Match(net.ParseIP("239.1.1.1"), nil, 20000)
	assert.False(t, ok)
}

func TestInstallDuplicateRejected(t *testing.T) {
	tbl := New(4)
	spec := Spec{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000}
	_, err := tbl.Install(spec, 0)
	require.NoError(t, err)
	_, err = tbl.Install(spec, 1)
	assert.Error(t, err)
}

func TestUninstall(t *testing.T) {
	tbl := New(4)
	spec := Spec{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000}
	h, err := tbl.Install(spec, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Uninstall(h))

	_, ok := tbl.Match(spec.DstIP, nil, spec.DstPort)
	assert.False(t, ok)
}

func TestSoftRSSDeterministic(t *testing.T) {
	tbl := New(8)
	spec := Spec{DstIP: net.ParseIP("239.1.1.1"), DstPort: 20000}
	h1, err := tbl.Install(spec, -1)
	require.NoError(t, err)

	tbl2 := New(8)
	h2, err := tbl2.Install(spec, -1)
	require.NoError(t, err)

	assert.Equal(t, h1.QueueID, h2.QueueID)
	assert.GreaterOrEqual(t, h1.QueueID, 0)
	assert.Less(t, h1.QueueID, 8)
}

func TestHashTupleStable(t *testing.T) {
	ip := net.ParseIP("239.1.1.1")
	assert.Equal(t, HashTuple(ip, 20000), HashTuple(ip, 20000))
	assert.NotEqual(t, HashTuple(ip, 20000), HashTuple(ip, 20001))
}

package rdma

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceList(t *testing.T, n int) (*DeviceList, []*fakeContext) {
	t.Helper()

	handles := make([]DeviceHandle, 0, n)
	ctxts := make([]*fakeContext, 0, n)
	for i := 0; i < n; i++ {
		c := newFakeDeviceContext()
		ctxts = append(ctxts, c)
		handles = append(handles, &fakeHandle{name: fmt.Sprintf("mlx5_%d", i), ctxt: c})
	}

	l, err := NewDeviceList(testConfig(), &fakeVerbs{handles: handles})
	require.NoError(t, err)
	t.Cleanup(l.Close)

	for _, d := range l.Devices() {
		var pools []*fakePool
		d.newPool = fakePoolFactory(&pools)
	}
	return l, ctxts
}

func initAll(t *testing.T, l *DeviceList) {
	t.Helper()
	for _, d := range l.Devices() {
		require.NoError(t, d.Init())
	}
}

func TestNewDeviceListNoDevicesIsSetupError(t *testing.T) {
	_, err := NewDeviceList(testConfig(), &fakeVerbs{})
	require.Error(t, err)
	assert.True(t, IsSetupError(err))
}

func TestNewDeviceListEnumerationFailureIsSetupError(t *testing.T) {
	_, err := NewDeviceList(testConfig(), &fakeVerbs{listErr: errors.New("driver gone")})
	require.Error(t, err)
	assert.True(t, IsSetupError(err))
}

func TestNewDeviceListInterleavesDescriptors(t *testing.T) {
	l, _ := newTestDeviceList(t, 2)

	require.Len(t, l.pollFDs, 4)
	for i, d := range l.Devices() {
		assert.Equal(t, int32(d.txCC.FD()), l.pollFDs[2*i].Fd)
		assert.Equal(t, int32(d.rxCC.FD()), l.pollFDs[2*i+1].Fd)
	}
}

func TestGetDevice(t *testing.T) {
	l, _ := newTestDeviceList(t, 3)

	assert.Equal(t, "mlx5_1", l.GetDevice("mlx5_1").Name())
	assert.Nil(t, l.GetDevice("mlx5_9"))

	// An empty name selects the first device.
	assert.Equal(t, "mlx5_0", l.GetDevice("").Name())
}

func TestPollTxRotatesAcrossDevices(t *testing.T) {
	l, ctxts := newTestDeviceList(t, 3)
	initAll(t, l)

	for i, c := range ctxts {
		c.cqs[0].queue = []WorkCompletion{{WRID: uint64(i)}}
	}

	wc := make([]WorkCompletion, 8)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		d, n, err := l.PollTx(wc)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		seen[d.Name()] = true
	}
	// Three consecutive polls visit all three ready devices once each.
	assert.Len(t, seen, 3)

	d, n, err := l.PollTx(wc)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, d)
}

func TestPollSharesCursorAcrossDirections(t *testing.T) {
	l, ctxts := newTestDeviceList(t, 2)
	initAll(t, l)

	// Device 0 has a send completion, device 1 a receive completion.
	ctxts[0].cqs[0].queue = []WorkCompletion{{WRID: 10}}
	ctxts[1].cqs[1].queue = []WorkCompletion{{WRID: 20}}

	wc := make([]WorkCompletion, 8)
	d, n, err := l.PollTx(wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "mlx5_0", d.Name())

	// The receive sweep continues past device 0 instead of restarting.
	d, n, err = l.PollRx(wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "mlx5_1", d.Name())
}

func TestPollSkipsUninitializedDevices(t *testing.T) {
	l, ctxts := newTestDeviceList(t, 2)
	require.NoError(t, l.Devices()[1].Init())

	ctxts[1].cqs[0].queue = []WorkCompletion{{WRID: 7}}

	wc := make([]WorkCompletion, 8)
	d, n, err := l.PollTx(wc)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, "mlx5_1", d.Name())
}

func TestPollBlockingHonorsCancellation(t *testing.T) {
	l, _ := newTestDeviceList(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.PollBlocking(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollBlockingCancelsWithinBoundedTime(t *testing.T) {
	l, _ := newTestDeviceList(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.PollBlocking(ctx)
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("PollBlocking did not observe cancellation")
	}
}

func TestPollBlockingWakesOnNotification(t *testing.T) {
	l, _ := newTestDeviceList(t, 2)
	d := l.Devices()[1]

	cc := d.txCC.(*fakeCompChannel)
	cc.signal()

	n, err := l.PollBlocking(context.Background())
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	// The pending event was retrieved on wakeup.
	assert.Zero(t, cc.pending)
}

func TestRearmNotifyCoversEveryQueue(t *testing.T) {
	l, ctxts := newTestDeviceList(t, 2)
	initAll(t, l)

	require.NoError(t, l.RearmNotify())
	for _, c := range ctxts {
		for _, cq := range c.cqs {
			assert.Equal(t, 1, cq.rearmed)
		}
	}
}

func TestCloseTearsDownEveryDevice(t *testing.T) {
	l, ctxts := newTestDeviceList(t, 2)
	initAll(t, l)

	l.Close()
	for _, c := range ctxts {
		assert.True(t, c.srqs[0].closed)
	}
	for _, d := range l.Devices() {
		assert.True(t, d.txCC.(*fakeCompChannel).closed)
		assert.True(t, d.rxCC.(*fakeCompChannel).closed)
	}
}

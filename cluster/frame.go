// Per-frame protocol, heartbeat, and time/statistics sync (§4.2.5-§4.2.7).
package cluster

import (
	"time"

	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/cmn/nlog"
)

// SyncApp implements §4.2.5's app-channel frame boundary: the master
// broadcasts its frame number, every slave compares it against its own and
// calls cos.ExitDiverged unconditionally on any mismatch (resolved Open
// Question (c): app-channel divergence is always fatal, regardless of
// SyncProcess). The barrier procedure itself then runs only when
// SyncProcess is BarrierOnApp; otherwise the frame-number exchange alone is
// the synchronization point.
func (c *Controller) SyncApp(frameNumber uint32) error {
	expected := c.frameCount[ChanApp]
	remote, err := c.BroadcastInt32(ChanApp, int32(frameNumber))
	if err != nil {
		cos.ExitIO(err)
		return err
	}
	if c.role == RoleSlave && uint32(remote) != expected {
		cos.ExitDiverged(&cos.ErrDivergence{Kind: "frame", Rank: c.rank, Local: expected, Remote: uint32(remote)})
		return nil
	}
	c.frameCount[ChanApp] = uint32(remote) + 1

	if c.sproc != BarrierOnApp {
		return nil
	}
	if c.role == RoleMaster && len(c.slaves) == 0 {
		return nil
	}
	if err := c.backend.Barrier(ChanApp); err != nil {
		cos.ExitIO(err)
		return err
	}
	return nil
}

// SyncDraw implements §4.2.5's draw-channel barrier: a no-op on a
// single-process cluster (no slaves to wait on), otherwise it runs the
// active back end's Barrier procedure when SyncProcess is BarrierOnDraw.
func (c *Controller) SyncDraw() error {
	if c.role == RoleMaster && len(c.slaves) == 0 {
		return nil
	}
	if c.sproc != BarrierOnDraw {
		return nil
	}
	c.frameCount[ChanDraw]++
	if err := c.backend.Barrier(ChanDraw); err != nil {
		cos.ExitIO(err)
		return err
	}
	return nil
}

// HeartBeat implements §4.2.6: every call increments a named counter and
// exchanges it across channel ch exactly like SyncApp's frame number,
// aborting with cos.ExitDiverged on any mismatch. name is carried only for
// logging; the wire exchange is the 32-bit counter value.
func (c *Controller) HeartBeat(name string, ch Channel) error {
	c.frameCount[ch]++
	local := c.frameCount[ch]
	remote, err := c.BroadcastInt32(ch, int32(local))
	if err != nil {
		cos.ExitIO(err)
		return err
	}
	if uint32(remote) != local {
		nlog.Errorf("cluster: heartbeat %q diverged on %s: local=%d remote=%d", name, ch, local, remote)
		cos.ExitDiverged(&cos.ErrDivergence{Kind: "heartbeat", Rank: c.rank, Local: local, Remote: uint32(remote)})
		return nil
	}
	return nil
}

// SyncTime implements §4.2.7: the master broadcasts its current frame time
// and wall-clock time, as two float64 values, on the app channel; every
// process (master included) overwrites its local FrameTime/WallTime with
// the agreed result. When statistics collection is enabled, every node
// first records its own {frameDt, bytesSent, bytesReceived} sample since
// the previous SyncTime call, then a slave sends that sample to the
// master, which folds it into its stats.Sink keyed by rank; the master
// folds its own sample in directly.
func (c *Controller) SyncTime() error {
	now := time.Now()
	var dt time.Duration
	if !c.lastSyncAt.IsZero() {
		dt = now.Sub(c.lastSyncAt)
	}
	c.lastSyncAt = now

	totalSent := c.bytesSent[ChanApp] + c.bytesSent[ChanDraw]
	totalRecv := c.bytesRecv[ChanApp] + c.bytesRecv[ChanDraw]
	sentSinceLast := totalSent - c.statsBaseSent
	recvSinceLast := totalRecv - c.statsBaseRecv
	c.statsBaseSent, c.statsBaseRecv = totalSent, totalRecv

	if c.stats != nil && c.stats.Enabled() {
		c.stats.Update(nodeName(c.rank), dt, sentSinceLast, recvSinceLast)
	}

	frameTime, err := c.BroadcastFloat64(ChanApp, now.Sub(c.startedAt).Seconds())
	if err != nil {
		cos.ExitIO(err)
		return err
	}
	wallTime, err := c.BroadcastFloat64(ChanApp, float64(now.UnixNano())/1e9)
	if err != nil {
		cos.ExitIO(err)
		return err
	}
	c.frameTime, c.wallTime = frameTime, wallTime

	if c.stats == nil || !c.stats.Enabled() {
		return nil
	}

	const sampleSize = 24 // three int64 fields: frameDt, bytesSent, bytesReceived
	if c.role == RoleSlave {
		sample := c.stats.Sample(nodeName(c.rank))
		buf := encodeSample(sample.FrameDt, sample.BytesSent, sample.BytesReceived)
		return c.SendToMaster(ChanApp, buf)
	}
	for i := range c.slaves {
		buf := make([]byte, sampleSize)
		if _, err := c.RecvFromSlave(ChanApp, i, buf); err != nil {
			return err
		}
		dt, sent, recv := decodeSample(buf)
		c.stats.Update(nodeName(c.slaves[i].Rank), dt, sent, recv)
	}
	return nil
}

func nodeName(rank int) string {
	if rank == 0 {
		return "master"
	}
	return "slave-" + itoa(rank)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func encodeSample(dt time.Duration, sent, recv int64) []byte {
	buf := make([]byte, 24)
	putInt64(buf[0:8], int64(dt))
	putInt64(buf[8:16], sent)
	putInt64(buf[16:24], recv)
	return buf
}

func decodeSample(buf []byte) (dt time.Duration, sent, recv int64) {
	dt = time.Duration(getInt64(buf[0:8]))
	sent = getInt64(buf[8:16])
	recv = getInt64(buf[16:24])
	return
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}

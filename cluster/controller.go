// Controller is the process-wide coordinator (§4.2): it owns the selected
// transport.Backend, the master's slave table, and the counters the
// per-frame barrier protocol depends on. Construction follows §4.2.1's
// decision order exactly; every other Controller method maps onto one
// named operation from §4.2.2 through §4.2.8.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/ivs-cluster/clustersync/busrelay"
	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/cmn/debug"
	"github.com/ivs-cluster/clustersync/cmn/nlog"
	"github.com/ivs-cluster/clustersync/config"
	"github.com/ivs-cluster/clustersync/stats"
	"github.com/ivs-cluster/clustersync/transport"
)

// Controller coordinates one process's participation in the cluster.
type Controller struct {
	role  Role
	rank  int
	mode  SyncMode
	sproc SyncProcess

	backend transport.Backend
	debug   *transport.DebugFramedBackend // non-nil when debug-framed mode is active

	slaves []*SlaveEndpoint // master only, rank order

	frameCount [2]uint32 // per channel
	bytesSent  [2]int64
	bytesRecv  [2]int64

	startedAt     time.Time // Controller construction time, frame-time baseline
	lastSyncAt    time.Time
	statsBaseSent int64
	statsBaseRecv int64
	frameTime     float64 // last synced master frame time, seconds since startedAt
	wallTime      float64 // last synced wall-clock time, Unix seconds

	stats *stats.Sink
	relay *busrelay.Relay
}

// rank cache: §4.2.1 step 6 asserts the process-wide rank does not shift
// across a Controller's lifetime, which would indicate a double
// construction or a reused process slot.
var (
	rankCacheMu sync.Mutex
	rankCache   = -1
)

func assertRankCache(rank int) {
	rankCacheMu.Lock()
	defer rankCacheMu.Unlock()
	if rankCache == -1 {
		rankCache = rank
		return
	}
	debug.Assert(rankCache == rank, "rank cache mismatch", rankCache, rank)
}

// Options carries the handful of construction-time inputs that are not
// already in config.Config: the process's own rank, the master's address
// and app port, and an override forcing message-passing mode regardless of
// configuration (§4.2.1 step 1).
type Options struct {
	Rank        int
	MasterAddr  string
	MasterPort  int
	ForceMPI    bool
	Sink        *stats.Sink
	DebugFramed bool
}

// NewController builds a Controller per §4.2.1's decision order.
func NewController(cfg *config.Config, opt Options) (*Controller, error) {
	mode := modeFromConfig(cfg.SyncMode)
	if opt.ForceMPI {
		mode = transport.ModeMessagePassing
	}

	role := RoleMaster
	if opt.Rank != 0 {
		role = RoleSlave
	}

	c := &Controller{
		role:      role,
		rank:      opt.Rank,
		mode:      mode,
		sproc:     syncProcessFromConfig(cfg.SyncProcess),
		stats:     opt.Sink,
		startedAt: time.Now(),
	}

	var err error
	if role == RoleMaster {
		listenAddr := fmt.Sprintf(":%d", opt.MasterPort)
		c.slaves, err = StartSlaves(listenAddr, cfg.NumSlaves)
		if err != nil {
			return nil, fmt.Errorf("cluster: start slaves: %w", err)
		}
		c.backend, err = buildMasterBackend(mode, cfg, c.slaves)
		if err != nil {
			return nil, fmt.Errorf("cluster: build master backend: %w", err)
		}
	} else {
		appConn, drawConn, rank, err2 := ConnectToMaster(opt.MasterAddr, opt.MasterPort)
		if err2 != nil {
			return nil, fmt.Errorf("cluster: connect to master: %w", err2)
		}
		c.rank = rank
		c.backend, err = buildSlaveBackend(mode, cfg, rank, appConn, drawConn)
		if err != nil {
			return nil, fmt.Errorf("cluster: build slave backend: %w", err)
		}
	}

	// a mode whose side-channel devices could not be opened falls back to the
	// plain stream back end; record that as the active mode
	if _, isStream := c.backend.(*transport.StreamBackend); isStream {
		c.mode = transport.ModeStream
	}

	if opt.DebugFramed {
		if framed := transport.NewDebugFramedBackend(c.backend, c.rank); framed != nil {
			c.debug = framed
			c.backend = framed
		}
	}

	assertRankCache(c.rank)
	nlog.Infof("cluster: controller up: role=%s rank=%d mode=%s slaves=%d", c.role, c.rank, c.mode, len(c.slaves))
	return c, nil
}

func syncProcessFromConfig(p config.Process) SyncProcess {
	if p == config.ProcessApp {
		return BarrierOnApp
	}
	return BarrierOnDraw
}

// Role returns this process's role.
func (c *Controller) Role() Role { return c.role }

// Rank returns this process's rank.
func (c *Controller) Rank() int { return c.rank }

// Mode returns the active sync mode (post fall-back, if any occurred).
func (c *Controller) Mode() SyncMode { return c.mode }

// NumSlaves returns the slave count (zero on a slave process).
func (c *Controller) NumSlaves() int { return len(c.slaves) }

// FrameTime returns the most recent frame time SyncTime synced, in seconds
// since the Controller was constructed.
func (c *Controller) FrameTime() float64 { return c.frameTime }

// WallTime returns the most recent wall-clock time SyncTime synced, in
// seconds since the Unix epoch.
func (c *Controller) WallTime() float64 { return c.wallTime }

// SetExternalBus attaches the relay that SyncExternalBusMessages drains on
// the master's behalf (§4.2.8). A nil relay disables the step entirely.
func (c *Controller) SetExternalBus(r *busrelay.Relay) { c.relay = r }

// SyncExternalBusMessages implements §4.2.8: on the master, it drains any
// pending external-bus messages and forwards them into the cluster; on a
// slave, it is a no-op, since the master alone owns the bus connection.
func (c *Controller) SyncExternalBusMessages() error {
	if c.role != RoleMaster || c.relay == nil {
		return nil
	}
	return c.relay.Drain()
}

// Close releases the backend and every slave endpoint's raw sockets.
func (c *Controller) Close() error {
	var errs cos.Errs
	if err := c.backend.Close(); err != nil {
		errs.Add(err)
	}
	for _, e := range c.slaves {
		if err := e.Close(); err != nil {
			errs.Add(err)
		}
	}
	return errs.Err()
}

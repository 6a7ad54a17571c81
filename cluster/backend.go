// Back-end construction (§4.2.1 steps 2 and 5): selects and builds the
// transport.Backend for the configured SyncMode on top of the sockets the
// handshake already established, opening whatever side-channel devices that
// mode needs and falling back to Stream on failure.
package cluster

import (
	"fmt"
	"net"
	"time"

	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/cmn/nlog"
	"github.com/ivs-cluster/clustersync/config"
	"github.com/ivs-cluster/clustersync/transport"
)

func modeFromConfig(m config.Mode) transport.SyncMode {
	switch m {
	case config.ModeTCP:
		return transport.ModeStream
	case config.ModeUDP:
		return transport.ModeDatagram
	case config.ModeSerial:
		return transport.ModeSerialLine
	case config.ModeMagic:
		return transport.ModeMagic
	case config.ModeTCPSerial:
		return transport.ModeStreamPlusSerial
	case config.ModeParallel:
		return transport.ModeParallelPort
	case config.ModeMulticast:
		return transport.ModeReliableMulticast
	case config.ModeMPI:
		return transport.ModeMessagePassing
	default:
		return transport.ModeStream
	}
}

// buildMasterBackend constructs the transport.Backend for the master,
// given the rank-ordered slave endpoints the handshake produced. On
// failure to open a mode's side-channel devices, it logs a warning and
// falls back to the plain stream back end already available from the same
// endpoints, per §4.2.1 step 2.
func buildMasterBackend(mode transport.SyncMode, cfg *config.Config, endpoints []*SlaveEndpoint) (transport.Backend, error) {
	streamConns := masterStreamConns(endpoints)
	streamBackend := transport.NewStreamMasterBackend(streamConns)

	switch mode {
	case transport.ModeStream:
		return streamBackend, nil
	case transport.ModeMessagePassing:
		return transport.NewMessagePassingMasterBackend(streamConns), nil
	case transport.ModeDatagram:
		return buildMasterDatagram(cfg, endpoints)
	case transport.ModeReliableMulticast:
		return buildMasterMulticast(cfg, endpoints)
	case transport.ModeSerialLine:
		links, err := openMasterSerialLinks(cfg, len(endpoints))
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return transport.NewSerialMasterBackend(links), nil
	case transport.ModeStreamPlusSerial:
		links, err := openMasterSerialLinks(cfg, len(endpoints))
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return transport.NewStreamPlusSerialBackend(streamBackend, transport.NewSerialMasterBackend(links)), nil
	case transport.ModeParallelPort:
		pp, err := transport.NewParallelMasterBackend(cfg.ParallelDevice, len(endpoints))
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return &transport.CompositeBackend{Data: streamBackend, Sync: pp}, nil
	case transport.ModeMagic:
		appConns := make([]net.Conn, len(endpoints))
		for i, e := range endpoints {
			appConns[i] = e.App
		}
		m, err := transport.NewMagicMasterBackend(cfg.SerialDevice, appConns)
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return m, nil
	default:
		return streamBackend, nil
	}
}

// buildSlaveBackend is the slave-side counterpart of buildMasterBackend.
func buildSlaveBackend(mode transport.SyncMode, cfg *config.Config, rank int, appConn, drawConn net.Conn) (transport.Backend, error) {
	conns := [2]net.Conn{transport.ChanApp: appConn, transport.ChanDraw: drawConn}
	streamBackend := transport.NewStreamSlaveBackend(rank, conns)

	switch mode {
	case transport.ModeStream:
		return streamBackend, nil
	case transport.ModeMessagePassing:
		return transport.NewMessagePassingSlaveBackend(rank, conns), nil
	case transport.ModeDatagram:
		return buildSlaveDatagram(cfg, rank, appConn)
	case transport.ModeReliableMulticast:
		return buildSlaveMulticast(cfg, rank, appConn)
	case transport.ModeSerialLine:
		links, err := openSlaveSerialLinks(cfg, rank)
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return transport.NewSerialSlaveBackend(links), nil
	case transport.ModeStreamPlusSerial:
		links, err := openSlaveSerialLinks(cfg, rank)
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return transport.NewStreamPlusSerialBackend(streamBackend, transport.NewSerialSlaveBackend(links)), nil
	case transport.ModeParallelPort:
		pp, err := transport.NewParallelSlaveBackend(cfg.ParallelDevice, rank-1)
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return &transport.CompositeBackend{Data: streamBackend, Sync: pp}, nil
	case transport.ModeMagic:
		m, err := transport.NewMagicSlaveBackend(cfg.SerialDevice, appConn)
		if err != nil {
			return fallbackStream(streamBackend, mode, err)
		}
		return m, nil
	default:
		return streamBackend, nil
	}
}

func fallbackStream(stream transport.Backend, mode transport.SyncMode, cause error) (transport.Backend, error) {
	nlog.Warningf("cluster: %s unavailable (%v), falling back to stream", mode, cause)
	return stream, nil
}

func masterStreamConns(endpoints []*SlaveEndpoint) [2][]net.Conn {
	var conns [2][]net.Conn
	conns[transport.ChanApp] = make([]net.Conn, len(endpoints))
	conns[transport.ChanDraw] = make([]net.Conn, len(endpoints))
	for i, e := range endpoints {
		conns[transport.ChanApp][i] = e.App
		conns[transport.ChanDraw][i] = e.Draw
	}
	return conns
}

// serialDevicePath derives a per-slave device node from the single
// configured path when more than one slave shares SerialLine or
// StreamPlusSerial mode: cfg.SerialDevice for a single slave, or
// cfg.SerialDevice suffixed with the slave's rank otherwise. RS-232 is
// inherently point-to-point, and the configuration record carries only one
// device path (§6), so a multi-slave deployment is expected to have
// provisioned one tty node per slave under this naming convention.
func serialDevicePath(base string, numSlaves, rank int) string {
	if numSlaves <= 1 {
		return base
	}
	return fmt.Sprintf("%s%d", base, rank)
}

func openMasterSerialLinks(cfg *config.Config, numSlaves int) ([2][]*transport.SerialLink, error) {
	var links [2][]*transport.SerialLink
	links[transport.ChanApp] = make([]*transport.SerialLink, numSlaves)
	links[transport.ChanDraw] = make([]*transport.SerialLink, numSlaves)
	var errs cos.Errs
	for i := 0; i < numSlaves; i++ {
		rank := i + 1
		appLink, err := transport.OpenSerialLink(serialDevicePath(cfg.SerialDevice, numSlaves, rank)+"-app", defaultBaud)
		if err != nil {
			errs.Add(err)
			continue
		}
		drawLink, err := transport.OpenSerialLink(serialDevicePath(cfg.SerialDevice, numSlaves, rank)+"-draw", defaultBaud)
		if err != nil {
			errs.Add(err)
			continue
		}
		links[transport.ChanApp][i] = appLink
		links[transport.ChanDraw][i] = drawLink
	}
	if err := errs.Err(); err != nil {
		return links, err
	}
	return links, nil
}

func openSlaveSerialLinks(cfg *config.Config, rank int) ([2]*transport.SerialLink, error) {
	var links [2]*transport.SerialLink
	appLink, err := transport.OpenSerialLink(cfg.SerialDevice+"-app", defaultBaud)
	if err != nil {
		return links, err
	}
	drawLink, err := transport.OpenSerialLink(cfg.SerialDevice+"-draw", defaultBaud)
	if err != nil {
		appLink.Close()
		return links, err
	}
	links[transport.ChanApp] = appLink
	links[transport.ChanDraw] = drawLink
	return links, nil
}

const defaultBaud = 115200

func multicastOptions(cfg *config.Config) transport.MulticastOptions {
	return transport.MulticastOptions{
		Interface:    cfg.Multicast.Interface,
		TTL:          cfg.Multicast.TTL,
		Loopback:     cfg.Multicast.Loopback,
		MaxLength:    cfg.Multicast.MaxLength,
		RetryTimeout: retryTimeout(cfg),
	}
}

func groupAddr(cfg *config.Config) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Multicast.Address, cfg.Multicast.Port))
}

func buildMasterMulticast(cfg *config.Config, endpoints []*SlaveEndpoint) (transport.Backend, error) {
	group, err := groupAddr(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: multicast group: %w", err)
	}
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Multicast.Port})
	if err != nil {
		return nil, fmt.Errorf("cluster: multicast listen: %w", err)
	}
	ackConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Multicast.Port + 1})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("cluster: multicast ack listen: %w", err)
	}
	slaveAckAddrs := make([]net.Addr, len(endpoints))
	for i, e := range endpoints {
		host, _, _ := net.SplitHostPort(e.App.RemoteAddr().String())
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, cfg.Multicast.Port+2+e.Rank))
		if err != nil {
			udpConn.Close()
			ackConn.Close()
			return nil, fmt.Errorf("cluster: resolve slave ack addr: %w", err)
		}
		slaveAckAddrs[i] = addr
	}
	return transport.NewMulticastMasterBackend(udpConn, group, ackConn, slaveAckAddrs, multicastOptions(cfg))
}

func buildSlaveMulticast(cfg *config.Config, rank int, appConn net.Conn) (transport.Backend, error) {
	group, err := groupAddr(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: multicast group: %w", err)
	}
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Multicast.Port})
	if err != nil {
		return nil, fmt.Errorf("cluster: multicast listen: %w", err)
	}
	ackConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Multicast.Port + 2 + rank})
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("cluster: multicast ack listen: %w", err)
	}
	host, _, _ := net.SplitHostPort(appConn.RemoteAddr().String())
	masterAckAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, cfg.Multicast.Port+1))
	if err != nil {
		udpConn.Close()
		ackConn.Close()
		return nil, fmt.Errorf("cluster: resolve master ack addr: %w", err)
	}
	return transport.NewMulticastSlaveBackend(udpConn, group, ackConn, masterAckAddr, rank, multicastOptions(cfg))
}

func retryTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Multicast.RetryTimeoutMs) * time.Millisecond
}

func buildMasterDatagram(cfg *config.Config, endpoints []*SlaveEndpoint) (transport.Backend, error) {
	var conns [2]net.PacketConn
	var slaveAddrs [2][]net.Addr
	basePort := cfg.Multicast.Port + 3000
	for ch := 0; ch < 2; ch++ {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: basePort + ch})
		if err != nil {
			return nil, fmt.Errorf("cluster: datagram listen ch %d: %w", ch, err)
		}
		conns[ch] = c
		slaveAddrs[ch] = make([]net.Addr, len(endpoints))
		for i, e := range endpoints {
			host, _, _ := net.SplitHostPort(e.App.RemoteAddr().String())
			addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, basePort+ch+100+e.Rank*2))
			if err != nil {
				return nil, fmt.Errorf("cluster: resolve slave datagram addr: %w", err)
			}
			slaveAddrs[ch][i] = addr
		}
	}
	return transport.NewDatagramMasterBackend(conns, slaveAddrs), nil
}

func buildSlaveDatagram(cfg *config.Config, rank int, appConn net.Conn) (transport.Backend, error) {
	var conns [2]net.PacketConn
	var masterAddr [2]net.Addr
	basePort := cfg.Multicast.Port + 3000
	host, _, _ := net.SplitHostPort(appConn.RemoteAddr().String())
	for ch := 0; ch < 2; ch++ {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{Port: basePort + ch + 100 + rank*2})
		if err != nil {
			return nil, fmt.Errorf("cluster: datagram listen ch %d: %w", ch, err)
		}
		conns[ch] = c
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, basePort+ch))
		if err != nil {
			return nil, fmt.Errorf("cluster: resolve master datagram addr: %w", err)
		}
		masterAddr[ch] = addr
	}
	return transport.NewDatagramSlaveBackend(conns, masterAddr), nil
}

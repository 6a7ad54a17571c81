// Connection handshake (§4.2.4): on the master, StartSlaves accepts N
// app/draw socket pairs and assigns each slave its rank; on a slave,
// ConnectToMaster dials the master's app port, learns the draw port and its
// own rank, then dials the draw port. Both sides raise socket buffers to at
// least 64 KiB, matching transport/api.go's "raise buffer sizes" note on the
// teacher's own intra-cluster sockets.
package cluster

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ivs-cluster/clustersync/cmn/nlog"
)

const minSockBuf = 64 * 1024

func raiseSockBufs(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetWriteBuffer(minSockBuf); err != nil {
		nlog.Warningf("cluster: set write buffer on %s: %v", tc.RemoteAddr(), err)
	}
	if err := tc.SetReadBuffer(minSockBuf); err != nil {
		nlog.Warningf("cluster: set read buffer on %s: %v", tc.RemoteAddr(), err)
	}
}

// StartSlaves implements the three handshake phases: (a) start — open the
// app and draw listeners; (b) accept — take numSlaves app connections,
// tell each its assigned rank and the draw port, then take numSlaves draw
// connections matched back to a rank by a 4-byte rank prefix the slave
// writes first; (c) ready — return the fully populated, rank-ordered
// SlaveEndpoint table.
func StartSlaves(appAddr string, numSlaves int) ([]*SlaveEndpoint, error) {
	appLn, err := net.Listen("tcp", appAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen app %s: %w", appAddr, err)
	}
	defer appLn.Close()

	host, appPort, err := splitHostPort(appAddr)
	if err != nil {
		return nil, err
	}
	drawAddr := fmt.Sprintf("%s:%d", host, appPort+1)
	drawLn, err := net.Listen("tcp", drawAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen draw %s: %w", drawAddr, err)
	}
	defer drawLn.Close()

	endpoints := make([]*SlaveEndpoint, numSlaves)
	for i := 0; i < numSlaves; i++ {
		conn, err := appLn.Accept()
		if err != nil {
			return nil, fmt.Errorf("cluster: accept app conn %d: %w", i, err)
		}
		raiseSockBufs(conn)
		rank := i + 1
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(appPort+1))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(rank))
		if _, err := conn.Write(hdr); err != nil {
			return nil, fmt.Errorf("cluster: send handshake to slave %d: %w", rank, err)
		}
		endpoints[i] = &SlaveEndpoint{Rank: rank, App: conn}
	}

	byRank := make(map[int]*SlaveEndpoint, numSlaves)
	for _, e := range endpoints {
		byRank[e.Rank] = e
	}
	for i := 0; i < numSlaves; i++ {
		conn, err := drawLn.Accept()
		if err != nil {
			return nil, fmt.Errorf("cluster: accept draw conn %d: %w", i, err)
		}
		raiseSockBufs(conn)
		rankBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, rankBuf); err != nil {
			return nil, fmt.Errorf("cluster: read draw rank prefix: %w", err)
		}
		rank := int(binary.LittleEndian.Uint32(rankBuf))
		e, ok := byRank[rank]
		if !ok {
			return nil, fmt.Errorf("cluster: draw connection names unknown rank %d", rank)
		}
		e.Draw = conn
	}
	return endpoints, nil
}

// ConnectToMaster implements the slave side of the handshake: dial the
// master's app port, learn this slave's rank and the draw port, dial the
// draw port and announce the rank there too.
func ConnectToMaster(masterAddr string, appPort int) (appConn, drawConn net.Conn, rank int, err error) {
	appConn, err = net.Dial("tcp", fmt.Sprintf("%s:%d", masterAddr, appPort))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("cluster: dial app %s:%d: %w", masterAddr, appPort, err)
	}
	raiseSockBufs(appConn)

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(appConn, hdr); err != nil {
		appConn.Close()
		return nil, nil, 0, fmt.Errorf("cluster: read handshake: %w", err)
	}
	drawPort := int(binary.LittleEndian.Uint32(hdr[0:4]))
	rank = int(binary.LittleEndian.Uint32(hdr[4:8]))

	drawConn, err = net.Dial("tcp", fmt.Sprintf("%s:%d", masterAddr, drawPort))
	if err != nil {
		appConn.Close()
		return nil, nil, 0, fmt.Errorf("cluster: dial draw %s:%d: %w", masterAddr, drawPort, err)
	}
	raiseSockBufs(drawConn)

	rankBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(rankBuf, uint32(rank))
	if _, err := drawConn.Write(rankBuf); err != nil {
		appConn.Close()
		drawConn.Close()
		return nil, nil, 0, fmt.Errorf("cluster: announce rank on draw conn: %w", err)
	}
	return appConn, drawConn, rank, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("cluster: invalid address %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("cluster: invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}

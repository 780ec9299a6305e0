package discovery

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"chunkcast/catalog"
	"chunkcast/pkg/logger"
	"chunkcast/pkg/monitor"
	"chunkcast/pkg/protocol"
)

// Listener receives announcement datagrams and feeds the catalog. Malformed
// datagrams are dropped and logged; they never stop the receive loop.
type Listener struct {
	cat  *catalog.Catalog
	conn *net.UDPConn

	started bool
	doneCh  chan struct{}
}

// NewListener binds the discovery port. Port 0 binds an ephemeral port
// (useful in tests; Port reports the actual one). If multicastGroup is
// non-empty the socket additionally joins that group on every
// multicast-capable interface, for networks that filter broadcast.
func NewListener(cat *catalog.Catalog, port int, multicastGroup string) (*Listener, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", port, err)
	}

	if multicastGroup != "" {
		if err := joinGroup(conn, multicastGroup); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &Listener{
		cat:    cat,
		conn:   conn,
		doneCh: make(chan struct{}),
	}, nil
}

func joinGroup(conn *net.UDPConn, group string) error {
	groupIP := net.ParseIP(group)
	if groupIP == nil || !groupIP.IsMulticast() {
		return fmt.Errorf("invalid multicast group %q", group)
	}

	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}

	joined := 0
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: groupIP}); err != nil {
			logger.Sugar.Warnf("[Listener] join %s on %s failed: %v", group, iface.Name, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		return fmt.Errorf("could not join multicast group %s on any interface", group)
	}

	logger.Sugar.Infof("[Listener] joined multicast group %s on %d interfaces", group, joined)
	return nil
}

// Start runs the receive loop until Close.
func (l *Listener) Start() {
	logger.Sugar.Infof("[Listener] listening for announcements on %s", l.conn.LocalAddr())

	l.started = true
	go func() {
		defer close(l.doneCh)
		buf := make([]byte, 64*1024)

		for {
			n, from, err := l.conn.ReadFromUDP(buf)
			if err != nil {
				// Socket closed; terminate quietly.
				return
			}

			ann, err := protocol.DecodeAnnouncement(buf[:n])
			if err != nil {
				logger.Sugar.Warnf("[Listener] dropping malformed announcement from %s: %v", from, err)
				continue
			}
			if len(ann.Chunks) == 0 {
				continue
			}

			peerAddr := net.JoinHostPort(from.IP.String(), fmt.Sprint(ann.ServePort))
			l.cat.Upsert(peerAddr, ann.Chunks, time.Now())
			monitor.RecordAnnouncementReceived()
			logger.Sugar.Debugf("[Listener] announcement: peer=%s chunks=%d", peerAddr, len(ann.Chunks))
		}
	}()
}

// Port reports the bound discovery port.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts the socket and waits for the receive loop to exit.
func (l *Listener) Close() {
	l.conn.Close()
	if l.started {
		<-l.doneCh
	}
}

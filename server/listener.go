package server

import (
	"net"

	"github.com/golang/glog"

	"github.com/prebid/prebid-exchange/metrics"
)

// monitorableListener counts the connections it accepts, and those it fails to accept.
type monitorableListener struct {
	net.Listener
	metrics metrics.MetricsEngine
}

type monitorableConnection struct {
	net.Conn
	metrics metrics.MetricsEngine
}

func (l *monitorableConnection) Close() error {
	err := l.Conn.Close()
	if err == nil {
		l.metrics.RecordConnectionClose(true)
	} else {
		glog.V(2).Infof("Error closing connection: %v", err)
		l.metrics.RecordConnectionClose(false)
	}
	return err
}

func (ln *monitorableListener) Accept() (net.Conn, error) {
	conn, err := ln.Listener.Accept()
	if err != nil {
		ln.metrics.RecordConnectionAccept(false)
		return nil, err
	}

	ln.metrics.RecordConnectionAccept(true)
	return &monitorableConnection{
		conn,
		ln.metrics,
	}, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/golang/glog"

	"github.com/prebid/prebid-exchange/config"
	"github.com/prebid/prebid-exchange/metrics"
	metricsconfig "github.com/prebid/prebid-exchange/metrics/config"
)

// Listen serves the auction, admin and prometheus endpoints until the process gets SIGTERM or SIGINT.
// Every server is shut down gracefully before Listen returns.
func Listen(cfg *config.Configuration, handler http.Handler, adminHandler http.Handler, metricsEngine *metricsconfig.DetailedMetricsEngine) error {
	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGTERM, syscall.SIGINT)

	// Run the servers. Fan any process-stopper signals out to each server for graceful shutdowns.
	stopAdmin := make(chan os.Signal)
	stopMain := make(chan os.Signal)
	stopPrometheus := make(chan os.Signal)
	done := make(chan struct{})

	adminServer := newAdminServer(cfg, adminHandler)
	mainServer := newMainServer(cfg, handler)

	var connectionMetrics metrics.MetricsEngine
	if metricsEngine != nil {
		connectionMetrics = metricsEngine
	}
	mainListener, err := newListener(mainServer.Addr, connectionMetrics)
	if err != nil {
		glog.Errorf("Error listening for TCP connections on %s: %v for main server", mainServer.Addr, err)
		return err
	}
	adminListener, err := newListener(adminServer.Addr, nil)
	if err != nil {
		glog.Errorf("Error listening for TCP connections on %s: %v for admin server", adminServer.Addr, err)
		mainListener.Close()
		return err
	}

	go shutdownAfterSignals(mainServer, stopMain, done)
	go shutdownAfterSignals(adminServer, stopAdmin, done)
	go runServer(mainServer, "Main", mainListener)
	go runServer(adminServer, "Admin", adminListener)

	if cfg.Metrics.Prometheus.Port != 0 {
		prometheusServer, err := newPrometheusServer(cfg, metricsEngine)
		if err != nil {
			return err
		}
		prometheusListener, err := newListener(prometheusServer.Addr, nil)
		if err != nil {
			glog.Errorf("Error listening for TCP connections on %s: %v for prometheus server", prometheusServer.Addr, err)
			return err
		}
		go shutdownAfterSignals(prometheusServer, stopPrometheus, done)
		go runServer(prometheusServer, "Prometheus", prometheusListener)

		wait(stopSignals, done, stopMain, stopAdmin, stopPrometheus)
	} else {
		wait(stopSignals, done, stopMain, stopAdmin)
	}
	return nil
}

func newAdminServer(cfg *config.Configuration, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.AdminPort),
		Handler: handler,
	}
}

func newMainServer(cfg *config.Configuration, handler http.Handler) *http.Server {
	var serverHandler = handler
	if cfg.EnableGzip {
		serverHandler = gziphandler.GzipHandler(handler)
	}

	return &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      serverHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

func runServer(server *http.Server, name string, listener net.Listener) error {
	if server == nil {
		return errors.New("server is nil")
	}
	if listener == nil {
		return errors.New("listener is nil")
	}
	glog.Infof("%s server starting on: %s", name, server.Addr)
	err := server.Serve(listener)
	if !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("%s server quit with error: %v", name, err)
	}
	return err
}

// newListener opens a TCP listener on the address. Connections are counted when metricsEngine is not nil.
func newListener(address string, metricsEngine metrics.MetricsEngine) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("Error listening for TCP connections on %s: %v", address, err)
	}

	if metricsEngine != nil {
		ln = &monitorableListener{ln, metricsEngine}
	}

	return ln, nil
}

func wait(inbound <-chan os.Signal, done <-chan struct{}, outbound ...chan<- os.Signal) {
	sig := <-inbound

	for i := 0; i < len(outbound); i++ {
		go sendSignal(outbound[i], sig)
	}

	for i := 0; i < len(outbound); i++ {
		<-done
	}
}

func shutdownAfterSignals(server *http.Server, stopper <-chan os.Signal, done chan<- struct{}) {
	sig := <-stopper

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var s struct{}
	glog.Infof("Stopping %s because of signal: %s", server.Addr, sig.String())
	if err := server.Shutdown(ctx); err != nil {
		glog.Errorf("Failed to shutdown %s: %v", server.Addr, err)
	}
	done <- s
}

func sendSignal(to chan<- os.Signal, sig os.Signal) {
	to <- sig
}

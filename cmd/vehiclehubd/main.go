// Command vehiclehubd wires together the Hub and PropertyService, the
// metrics and debug HTTP surfaces, and a fake backend for standalone
// operation (the real vehicle backend is out of scope, see SPEC_FULL.md
// §3).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/satori/uuid"
	"go.uber.org/zap/zapcore"

	"vehiclehub/internal/fakebackend"
	"vehiclehub/internal/hub"
	"vehiclehub/internal/hubdebug"
	"vehiclehub/internal/hubmetrics"
	"vehiclehub/internal/logging"
	"vehiclehub/internal/propertyservice"
	"vehiclehub/internal/retry"
	"vehiclehub/pkg/propmodel"
)

const pname = "vehiclehubd"

var (
	addr         = flag.String("listen-address", ":9100", "address to serve /metrics and /debug on")
	logLevel     = flag.Int("log-level", 0, "zap log level (negative is more verbose)")
	retryCount   = flag.Int("retry-count", 3, "maximum attempts for a synchronous operation that keeps returning TRY_AGAIN")
)

func main() {
	flag.Parse()

	instanceID := uuid.NewV4()
	logger := logging.New(pname, zapcore.Level(*logLevel)).With("instance", instanceID.String())
	defer func() { _ = logger.Sync() }()

	be := fakebackend.New(demoConfigs())
	rd := retry.NewCount(*retryCount, 0)

	h := hub.New(be, rd, logger)
	ps := propertyservice.New(h, be, logger)

	reg := prometheus.NewRegistry()
	mtr := hubmetrics.New(reg)
	h.SetMetrics(mtr)
	ps.SetMetrics(mtr)

	h.RegisterService(ps)
	if err := h.PriorityInit(); err != nil {
		logger.Fatalf("priority_init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.Run(ctx)

	router := hubdebug.Router(h)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()
	logger.Infof("listening on %s", *addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	cancel()
	h.Shutdown()
	if err := srv.Close(); err != nil {
		log.Printf("http server close: %v", err)
	}
}

// demoConfigs seeds a small fixed property set so vehiclehubd has
// something to serve when run standalone against the fake backend.
func demoConfigs() []propmodel.PropertyConfig {
	return []propmodel.PropertyConfig{
		{
			PropID:          0x11600207, // VEHICLE_SPEED
			Access:          propmodel.AccessReadWrite,
			ChangeMode:      propmodel.ChangeContinuous,
			MinSampleRateHz: 1,
			MaxSampleRateHz: 10,
		},
		{
			PropID:     0x11400400, // HVAC_POWER_ON
			Access:     propmodel.AccessReadWrite,
			ChangeMode: propmodel.ChangeOnChange,
		},
	}
}

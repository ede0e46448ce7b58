package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"playout-server/cmd/config"
	"playout-server/internal/conductor"
	"playout-server/internal/device"
	"playout-server/internal/device/mediaserver"
	"playout-server/internal/httpapi"
	"playout-server/internal/infra/async"
	"playout-server/internal/infra/clock"
	"playout-server/internal/infra/httpserver"
	"playout-server/internal/infra/mqtt"
	"playout-server/internal/monitor"
	"playout-server/internal/schedule"
	"playout-server/internal/timeline"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

var (
	logLevelMapping = map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func main() {
	configPath := pflag.String("config", "", "additional config search path")
	pflag.Parse()
	if *configPath != "" {
		viper.AddConfigPath(*configPath)
	}

	appConfig := config.LoadConfig()

	level := logLevelMapping[appConfig.General.LogLevel]
	baseHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level, ReplaceAttr: slogReplaceAttr})
	slog.SetDefault(slog.New(baseHandler))
	slog.Info("playout server is initializing")
	slog.Debug("config loaded", "data", appConfig)

	shutdownOtel := startOTel()

	broker := async.NewLocalBroker()
	systemClock := clock.NewSystemClock()
	resolverService := timeline.NewService(timeline.NewSimpleResolver())

	cond := conductor.New(systemClock, resolverService, broker, conductor.Options{
		Lookahead:         appConfig.Conductor.Lookahead,
		TickInterval:      appConfig.Conductor.TickInterval,
		InitializeAsClear: appConfig.Conductor.InitializeAsClear,
	})

	appCtx, cancelFn := context.WithCancel(context.Background())
	attachDevices(appCtx, cond, appConfig.Devices, systemClock, broker)

	eventsController := httpapi.NewEventsWebSocketController(broker)
	httpServer := httpserver.NewServer(
		appConfig.HTTP.Addr,
		httpapi.NewTimelineController(cond),
		httpapi.NewDeviceController(cond),
		eventsController,
	)
	go httpServer.Run()

	var wg sync.WaitGroup
	wg.Add(1)
	go cond.Run(appCtx, wg.Done)

	if len(appConfig.Rundowns) > 0 {
		rundowns := make([]schedule.Rundown, 0, len(appConfig.Rundowns))
		for _, r := range appConfig.Rundowns {
			rundowns = append(rundowns, schedule.Rundown{
				Name:         r.Name,
				Schedule:     r.Schedule,
				TimelineFile: r.TimelineFile,
			})
		}
		wg.Add(1)
		go schedule.NewRundownWorker(time.NewTicker(time.Minute), rundowns, cond).Run(appCtx, wg.Done)
	}

	if appConfig.Monitor.Enabled {
		mqttClient, err := mqtt.NewSimpleClient(mqtt.SimpleClientOpts{
			Broker:   appConfig.MQTTClient.Broker,
			ClientID: appConfig.MQTTClient.ClientID,
			Username: appConfig.MQTTClient.Username,
			Password: appConfig.MQTTClient.Password, //pragma: allowlist secret
		})
		if err != nil {
			slog.Error("connecting monitor mqtt client", slog.Any("error", err))
			panic(err)
		}
		wg.Add(1)
		go monitor.NewStatusPublisher(
			time.NewTicker(appConfig.Monitor.DigestInterval),
			mqttClient, broker, cond,
		).Run(appCtx, wg.Done)
	}

	signalChannel := make(chan os.Signal, 2)
	signal.Notify(signalChannel, os.Interrupt, syscall.SIGTERM)

	<-signalChannel
	shutdownOtel()

	eventsController.Stop()
	httpServer.Shutdown()
	cond.Shutdown()
	for _, d := range cond.Devices() {
		if err := cond.RemoveDevice(context.Background(), d.ID()); err != nil {
			slog.Warn("removing device on shutdown", slog.Any("error", err))
		}
	}

	cancelFn()
	wg.Wait()
	broker.Stop()
	slog.Info("good bye")
	os.Exit(0)
}

// attachDevices builds every configured adapter. Configuration errors are
// fatal for that device only.
func attachDevices(ctx context.Context, cond *conductor.Conductor, configs []config.DeviceConfig, c clock.Clock, broker *async.LocalBroker) {
	for _, deviceConfig := range configs {
		d, err := buildDevice(deviceConfig, c, broker)
		if err != nil {
			slog.Error("building device",
				slog.String("device_id", deviceConfig.ID),
				slog.Any("error", err))
			continue
		}
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = cond.AddDevice(initCtx, d)
		cancel()
		if err != nil {
			slog.Error("adding device",
				slog.String("device_id", deviceConfig.ID),
				slog.Any("error", err))
		}
	}
}

func buildDevice(deviceConfig config.DeviceConfig, c clock.Clock, broker *async.LocalBroker) (device.Device, error) {
	switch timeline.DeviceType(deviceConfig.Type) {
	case timeline.DeviceTypeMediaServer:
		opts, err := mediaserver.ParseOptions(deviceConfig.Options)
		if err != nil {
			return nil, err
		}
		return mediaserver.New(deviceConfig.ID, deviceConfig.Name, opts, c, broker), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", deviceConfig.Type)
	}
}

func slogReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		source.File = filepath.Base(source.File)
		return slog.Any(a.Key, source)
	}
	return a
}

type ShutdownFunc func() error

const (
	_defaultEndpoint = "localhost:4317"
	_collectPeriod   = 30 * time.Second
	_collectTimeout  = 35 * time.Second
	_minimumInterval = time.Minute
)

func startOTel() ShutdownFunc {
	slog.Info("starting OTel providers")
	shutdown, err := otelStart(context.Background())
	if err != nil {
		panic(err)
	}

	return shutdown
}

func otelStart(ctx context.Context) (ShutdownFunc, error) {
	metricsShutdownFunc, err := startMetricsProvider(ctx)
	if err != nil {
		return nil, err
	}

	traceShutdownFunc, err := startTraceProvider(ctx)
	if err != nil {
		return nil, err
	}

	return func() error {
		if err := metricsShutdownFunc(); err != nil {
			return err
		}
		return traceShutdownFunc()
	}, nil
}

func startTraceProvider(ctx context.Context) (ShutdownFunc, error) {
	exp, err := newTraceExporter(ctx)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("playout-server"),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() error {
		return tp.Shutdown(ctx)
	}, nil
}

func newTraceExporter(ctx context.Context) (trace.SpanExporter, error) {
	endpoint := _defaultEndpoint
	if value, ok := os.LookupEnv("PLAYOUT_SERVER_OTELCOL_ENDPOINT"); ok {
		endpoint = value
	}

	return otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

func startMetricsProvider(ctx context.Context) (ShutdownFunc, error) {
	exp, err := newMetricExporter(ctx)
	if err != nil {
		return nil, err
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(
			metric.NewPeriodicReader(
				exp,
				metric.WithTimeout(_collectTimeout),
				metric.WithInterval(_collectPeriod))),
	)
	otel.SetMeterProvider(mp)

	err = runtime.Start(runtime.WithMinimumReadMemStatsInterval(_minimumInterval))
	if err != nil {
		return nil, err
	}

	return func() error {
		return mp.Shutdown(ctx)
	}, nil
}

func newMetricExporter(ctx context.Context) (metric.Exporter, error) {
	endpoint := _defaultEndpoint
	if value, ok := os.LookupEnv("PLAYOUT_SERVER_OTELCOL_ENDPOINT"); ok {
		endpoint = value
	}

	return otlpmetricgrpc.New(
		ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
}

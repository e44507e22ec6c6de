package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/api"
	"github.com/lorawan-server/lorawan-sim/internal/auth"
	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/gateway"
	"github.com/lorawan-server/lorawan-sim/internal/integration"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/radio"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/crypto"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
)

func main() {
	var (
		configFile string
		validate   bool
		printToken string
		hashPass   string
	)
	flag.StringVar(&configFile, "config", "config/lorawan-sim.yml", "configuration file")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.StringVar(&printToken, "print-token", "", "print a control API token for the named operator and exit")
	flag.StringVar(&hashPass, "hash-password", "", "print the bcrypt hash of a password for jwt.operators and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if hashPass != "" {
		hash, err := crypto.HashPassword(hashPass)
		if err != nil {
			log.Fatal().Err(err).Msg("hash password failed")
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration failed")
	}
	setupLogging(cfg.Log)

	if validate {
		log.Info().Str("config", configFile).Msg("configuration is valid")
		return
	}

	if printToken != "" {
		token, expires, err := auth.NewJWTManager(&cfg.JWT).GenerateToken(printToken)
		if err != nil {
			log.Fatal().Err(err).Msg("generate token failed")
		}
		fmt.Println(token)
		log.Info().Time("expires", expires).Str("operator", printToken).Msg("token issued")
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("simulator failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	log.Info().Str("region", cfg.Region).Str("clock", cfg.Clock.Mode).Msg("LoRaWAN simulator starting")

	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	mode, err := simtime.ParseMode(cfg.Clock.Mode)
	if err != nil {
		return err
	}
	clock := simtime.New(simtime.Config{
		Mode:           mode,
		TicksPerSecond: cfg.Clock.TicksPerSecond,
		Metrics:        metrics,
	})
	clock.Start()
	defer clock.Stop()

	b := broker.New(metrics)
	defer b.Close()

	region, err := lorawan.GetRegionConfiguration(cfg.Region)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg.Gateway, gateway.Options{Clock: clock, Broker: b, Metrics: metrics})
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			log.Error().Err(err).Msg("stop gateway failed")
		}
	}()

	if cfg.Gateway.Antenna {
		antenna := gateway.NewAntenna(gw.EUI(), b)
		defer antenna.Close()

		gwRadio, err := radio.New(radio.Config{
			DeviceEUI: gw.EUI(),
			Clock:     clock,
			Broker:    b,
			MAC: radio.MACFunc(func(kind radio.EventKind, tick uint64) {
				log.Debug().Str("event", kind.String()).Uint64("tick", tick).Msg("gateway radio")
			}),
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
		tx := gateway.NewTransmitter(gw.EUI(), clock, b, gwRadio)
		defer tx.Close()
	}

	mirror, err := newMirror(cfg, b, clock)
	if err != nil {
		return err
	}
	if mirror != nil {
		defer func() {
			if err := mirror.Close(); err != nil {
				log.Error().Err(err).Msg("close mirror failed")
			}
		}()
	}

	devices := make([]*device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		d, err := newDevice(dc, region, clock, b, metrics)
		if err != nil {
			return err
		}
		if err := d.start(); err != nil {
			return err
		}
		devices = append(devices, d)
		log.Info().
			Str("device", d.eui.String()).
			Str("datr", d.settings.DataRate().String()).
			Dur("interval", dc.Interval).
			Msg("device started")
	}
	defer func() {
		for _, d := range devices {
			d.stop()
		}
	}()

	var server *api.RESTServer
	if cfg.API.Port != 0 {
		server = api.NewRESTServer(cfg, api.Deps{Clock: clock, Broker: b, Gateway: gw, Metrics: metrics})
		addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
		go func() {
			if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("REST API server stopped")
			}
		}()
	}

	log.Info().Str("gateway", gw.EUI().String()).Int("devices", len(devices)).Msg("LoRaWAN simulator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("REST API shutdown failed")
		}
	}

	log.Info().Uint64("tick", clock.Now()).Msg("LoRaWAN simulator stopped")
	return nil
}

// newMirror builds the configured sinks. It returns nil when no sink or no
// topic is configured.
func newMirror(cfg *config.Config, b *broker.Broker, clock *simtime.Clock) (*integration.Mirror, error) {
	if len(cfg.Mirror.Topics) == 0 {
		return nil, nil
	}

	var sinks []integration.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.NATS.URL != "" {
		s, err := integration.NewNATSSink(cfg.NATS)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
		log.Info().Str("url", cfg.NATS.URL).Msg("mirroring to NATS")
	}
	if cfg.MQTT.Broker != "" {
		s, err := integration.NewMQTTSink(cfg.MQTT)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		log.Info().Str("broker", cfg.MQTT.Broker).Msg("mirroring to MQTT")
	}
	if cfg.Mirror.Webhook != "" {
		sinks = append(sinks, integration.NewHTTPSink(cfg.Mirror.Webhook))
		log.Info().Str("endpoint", cfg.Mirror.Webhook).Msg("mirroring to webhook")
	}
	if len(sinks) == 0 {
		return nil, nil
	}

	m := integration.NewMirror(b, clock, sinks...)
	m.Watch(cfg.Mirror.Topics...)
	return m, nil
}

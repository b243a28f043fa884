// Command wellness-monitor consumes landmark frames from MQTT, tracks blink
// rate and posture, and publishes wellness notifications back to the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/wellness-monitor/internal/config"
	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/gpio"
	"github.com/sweeney/wellness-monitor/internal/logger"
	"github.com/sweeney/wellness-monitor/internal/monitor"
	"github.com/sweeney/wellness-monitor/internal/mqtt"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/scheduler"
	"github.com/sweeney/wellness-monitor/internal/status"
	"github.com/sweeney/wellness-monitor/internal/web"
)

const (
	buttonPoll   = 10 * time.Millisecond
	wsBroadcast  = 2 * time.Second
	shutdownWait = 5 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("WELLNESS_CONFIG"), "Path to YAML config (empty for defaults)")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")

	flag.Parse()

	// A missing .env is normal outside development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}
	logger.Init(logger.FromEnv())

	if err := run(*configPath, *printConfig); err != nil {
		logger.Get().Fatal().Err(err).Msg("fatal")
	}
}

func run(configPath string, printConfig bool) error {
	log := logger.Named("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if printConfig {
		return writeConfig(os.Stdout, cfg)
	}

	publisher, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Log:      logger.Named("mqtt"),
	})
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Tracker first so the STARTUP snapshot is complete.
	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	tracker.SetMQTTConnected(publisher.IsConnected())
	hub := web.NewHub(tracker, wsBroadcast, logger.Named("ws"))

	src := mqtt.NewLandmarkSubscriber(publisher, cfg.MQTT.LandmarkTopic, logger.Named("landmarks"))
	ticks := scheduler.NewTickerSource(cfg.Detection.TickInterval)
	mon := monitor.New(cfg, src, ticks, policy.Notifiers{publisher, hub}, tracker,
		monitor.WithLogger(logger.Named("monitor")),
		monitor.WithButtonDebounce(cfg.GPIO.Debounce),
		monitor.WithFaultHandler(faultHandler(publisher, tracker)),
	)
	defer mon.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := tracker.Snapshot()
	startup := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startup); err != nil {
		log.Warn().Err(err).Msg("publish startup event")
	} else {
		log.Info().Msg("published startup event")
	}

	// Start faults are published by the fault handler; keep serving status.
	if err := mon.Start(ctx); err != nil {
		log.Error().Err(err).Msg("start detection")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker,
			web.WithController(mon),
			web.WithHub(hub),
			web.WithLogger(logger.Named("http")),
		)
		go hub.Run(ctx)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownWait)
			defer scancel()
			srv.Shutdown(sctx)
		}()
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	reload := make(chan *config.Config, 1)
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(c *config.Config) {
				select {
				case reload <- c:
				case <-ctx.Done():
				}
			})
			if err != nil {
				log.Error().Err(err).Msg("config watch")
			}
		}()
	}

	var (
		button gpio.Reader
		poll   <-chan time.Time
	)
	if cfg.GPIO.Enabled {
		r, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.PausePin)
		if err != nil {
			log.Warn().Err(err).Msg("pause button unavailable")
		} else {
			defer r.Close()
			button = r
			pt := time.NewTicker(buttonPoll)
			defer pt.Stop()
			poll = pt.C
		}
	}

	log.Info().
		Bool("active", cfg.DetectionActive()).
		Str("broker", cfg.MQTT.Broker).
		Str("landmarks", cfg.MQTT.LandmarkTopic).
		Dur("evaluate", cfg.Policy.EvaluateInterval).
		Dur("heartbeat", cfg.Heartbeat).
		Msg("started")

	ticker := time.NewTicker(cfg.Policy.EvaluateInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(mon, publisher, publisher, tracker, button, cfg.Heartbeat, time.Now, ticker.C, poll, reload, sigCh,
		cfg.Policy.EvaluateInterval, ticker.Reset)
}

// runLoop owns the evaluation cadence. Every channel is serviced from this
// goroutine, so config reloads never race an evaluation. retick, if set, is
// called when a reload changes the evaluation interval.
func runLoop(mon *monitor.Monitor, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, button gpio.Reader, heartbeat time.Duration, now func() time.Time, tick, poll <-chan time.Time, reload <-chan *config.Config, sig <-chan os.Signal, evaluate time.Duration, retick func(time.Duration)) error {
	log := logger.Named("main")

	for {
		select {
		case s := <-sig:
			log.Info().Stringer("signal", s).Msg("shutting down")
			name := signalName(s)
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    name,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "SHUTDOWN", name)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn().Err(err).Msg("publish shutdown event")
			} else {
				log.Info().Msg("published shutdown event")
			}
			return nil

		case c := <-reload:
			mon.ApplyConfig(c)
			heartbeat = c.Heartbeat
			if c.Policy.EvaluateInterval != evaluate {
				evaluate = c.Policy.EvaluateInterval
				if retick != nil {
					retick(evaluate)
				}
				log.Info().Dur("evaluate", evaluate).Msg("evaluation interval changed")
			}
			if tracker != nil {
				tracker.SetConfig(statusConfig(c))
			}
			log.Info().Bool("active", c.DetectionActive()).Msg("config applied")

		case <-poll:
			if button == nil {
				continue
			}
			pressed, err := button.Read()
			if err != nil {
				log.Warn().Err(err).Msg("gpio read")
				continue
			}
			mon.HandleButton(pressed, now())

		case <-tick:
			t := now()
			mon.Evaluate(t)
			if tracker != nil && mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			hb := mon.CheckHeartbeat(t, heartbeat)
			if hb == nil {
				continue
			}
			c := hb.Counts
			log.Info().Dur("uptime", hb.Uptime).
				Int("blink", c.BlinkNotifications).Int("posture", c.PostureNotifications).
				Int("suppressed", c.Suppressed).Int("faults", c.Faults).
				Msg("heartbeat")

			event := mqtt.SystemEvent{Timestamp: hb.Timestamp, Event: "HEARTBEAT"}
			if tracker != nil {
				event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Warn().Err(err).Msg("publish heartbeat")
			}
		}
	}
}

// faultHandler publishes every detection fault as a FAULT system event.
func faultHandler(publisher mqtt.Publisher, tracker *status.Tracker) func(*fault.Error) {
	return func(fe *fault.Error) {
		event := mqtt.SystemEvent{
			Timestamp: fe.Timestamp,
			Event:     "FAULT",
			Reason:    string(fe.Kind),
		}
		if tracker != nil {
			event.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "FAULT", string(fe.Kind))
		}
		if err := publisher.PublishSystem(event); err != nil {
			logger.Named("main").Warn().Err(err).Msg("publish fault event")
		}
	}
}

func statusConfig(cfg *config.Config) status.Config {
	return status.Config{
		FPSMode:     cfg.Detection.FPSMode,
		TickMs:      cfg.Detection.TickInterval.Milliseconds(),
		EvaluateMs:  cfg.Policy.EvaluateInterval.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// cmd/telephony-gateway is the engine's single consolidated process: it
// serves the Telephony Gateway's HTTP webhook surface and, colocated in
// the same process (since the Call Orchestrator implements the Gateway's
// ProgressHandler/VoiceResponseSource interfaces directly rather than over
// IPC), runs the Conversation Store, Emergency Detector, Call
// Orchestrator, Scheduler, Billing Roll-up, and Notification Fan-out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/careline/engine/internal/aisession"
	"github.com/careline/engine/internal/billing"
	"github.com/careline/engine/internal/bridgepb"
	"github.com/careline/engine/internal/config"
	"github.com/careline/engine/internal/domain"
	"github.com/careline/engine/internal/emergency"
	"github.com/careline/engine/internal/events"
	"github.com/careline/engine/internal/logging"
	"github.com/careline/engine/internal/metrics"
	"github.com/careline/engine/internal/notify"
	"github.com/careline/engine/internal/orchestrator"
	"github.com/careline/engine/internal/scheduler"
	"github.com/careline/engine/internal/store"
	"github.com/careline/engine/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	db, err := store.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("connect to postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	pub, sub, err := newEventPublisher(cfg)
	if err != nil {
		log.Fatal("create event publisher", zap.Error(err))
	}
	defer pub.Close()

	dispatcher := notify.NewDispatcher(pub, "engine", log)

	detector, err := emergency.New(emergency.Config{
		DebounceMinutes:  cfg.DebounceMinutes,
		MaxAlertsPerHour: cfg.MaxAlertsPerHour,
	}, rdb, db, db, dispatcher, reg, log)
	if err != nil {
		log.Fatal("build emergency detector", zap.Error(err))
	}
	detector.Run(ctx)
	defer detector.Close()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	bridgeConn, err := grpc.DialContext(dialCtx, firstOr(cfg.BridgeGRPCAddrs, "localhost:9090"),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	cancelDial()
	if err != nil {
		log.Fatal("dial bridge adapter", zap.Error(err))
	}
	defer bridgeConn.Close()
	bridgeAudio := orchestrator.NewGRPCBridgeAudio(bridgepb.NewBridgeServiceClient(bridgeConn))

	telephonyClient := telephony.NewClient(cfg.TelephonyBaseURL, cfg.TelephonySharedSecret)

	sessionOpener := orchestrator.NewAISessionOpener(aisession.Config{
		Endpoint:        cfg.AIEndpoint,
		APIKey:          cfg.AIAPIKey,
		ReconnectWindow: cfg.ReconnectWindow,
	})

	orch := orchestrator.New(orchestrator.Config{
		CallbackURL:            cfg.PublicBaseURL + "/webhooks/telephony",
		VoiceURLTemplate:       cfg.PublicBaseURL + "/voice/{callSid}/twiml",
		RingTimeout:            cfg.RingTimeout,
		SilenceTimeout:         cfg.SilenceTimeout,
		MaxCallDuration:        cfg.MaxCallDuration,
		OrphanTimeout:          cfg.OrphanTimeout,
		ForceCloseGrace:        cfg.ForceCloseGrace,
		MinimumBillableSeconds: cfg.MinimumBillableSeconds,
	}, telephonyClient, bridgeAudio, sessionOpener, db, db, detector, dispatcher, pub, reg, log)
	defer orch.Close()
	go orch.Janitor(ctx)

	if sub != nil {
		if err := orch.ConsumeAnsweredEvents(ctx, sub); err != nil {
			log.Error("subscribe to answered events", zap.Error(err))
		}
	}

	biller := billing.New(db, cfg.BillingMaxRetries, reg, log)

	jobStore := scheduler.NewJobStore(rdb)
	sched := scheduler.New(scheduler.Config{
		PollInterval:  cfg.SchedulerPollInterval,
		BillingHour:   cfg.BillingHour,
		BillingWindow: cfg.BillingWindow,
		ClaimGrace:    cfg.SchedulerClaimGrace,
		LeaseDuration: cfg.SchedulerLeaseDuration,
	}, db, jobStore, orch, biller, nil, log)
	go sched.Run(ctx)

	fanout := notify.NewFanoutService(db, placeholderTransports(log), reg, log)
	if sub != nil {
		if err := fanout.Consume(ctx, sub); err != nil {
			log.Error("subscribe to alert events", zap.Error(err))
		}
	}

	sipTarget := telephony.SIPDialTarget{
		User:      "careline",
		Host:      cfg.SIPAdvertiseAddr,
		Port:      cfg.SIPPort,
		Transport: cfg.SIPTransport,
	}
	gw := telephony.NewGateway(cfg.TelephonySharedSecret, sipTarget, orch, orch, pub)
	if err := gw.Start(cfg.HTTPAddr); err != nil {
		log.Fatal("start telephony gateway", zap.Error(err))
	}
	log.Info("telephony gateway listening", zap.String("addr", cfg.HTTPAddr))

	metricsSrv := &http.Server{Addr: ":9100", Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Error("error stopping gateway", zap.Error(err))
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("engine stopped")
}

func firstOr(addrs []string, fallback string) string {
	if len(addrs) > 0 {
		return addrs[0]
	}
	return fallback
}

// placeholderTransports returns a Transport per channel that logs what it
// would send rather than calling a real SMS/email/push provider. Concrete
// provider integrations are out of scope for this engine; a deployment
// replaces these with its own notify.Transport implementations wired to
// Twilio/SES/FCM or similar.
func placeholderTransports(log *zap.Logger) map[domain.Transport]notify.Transport {
	logged := func(channel domain.Transport) notify.Transport {
		return notify.TransportFunc(func(_ context.Context, c domain.Caregiver, a domain.Alert) error {
			log.Info("would dispatch alert (no provider configured)",
				zap.String("channel", string(channel)),
				zap.String("caregiver_id", c.ID),
				zap.String("alert_id", a.ID),
				zap.String("severity", a.Severity.String()))
			return nil
		})
	}
	return map[domain.Transport]notify.Transport{
		domain.TransportSMS:   logged(domain.TransportSMS),
		domain.TransportEmail: logged(domain.TransportEmail),
		domain.TransportPush:  logged(domain.TransportPush),
	}
}

// newEventPublisher builds the engine's event bus. When NATS is
// configured, the returned Publisher is a MultiPublisher fanning every
// event out to JetStream (the durable bus ConsumeAnsweredEvents and
// notify.FanoutService.Consume subscribe against) and to a
// LoggingPublisher (an always-on audit trail independent of JetStream
// retention). The second return value is the raw NATS publisher in its
// Subscriber capacity — MultiPublisher itself intentionally does not
// implement Subscriber, so callers that need to subscribe use this
// handle directly; it is nil whenever NATS isn't available.
func newEventPublisher(cfg *config.Config) (events.Publisher, events.Subscriber, error) {
	if cfg.NATSURL == "" {
		return events.NewNoopPublisher(), nil, nil
	}

	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL

	natsPub, err := events.NewNATSPublisher(natsCfg, slog.Default())
	if err != nil {
		slog.Warn("NATS unavailable, falling back to logging publisher", "error", err)
		return events.NewLoggingPublisher(slog.Default()), nil, nil
	}

	audit := events.NewLoggingPublisher(slog.Default())
	return events.NewMultiPublisher(natsPub, audit), natsPub, nil
}

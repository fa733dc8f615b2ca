// Command controller is the fleetforge control plane — it owns the record
// store, the node-agent wire server, the reconciler, and the operator HTTP
// API. It does not run workloads itself; every pod lifecycle effect goes
// out through the Pod Dispatcher to whichever node agent holds the pod.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/slack-go/slack"

	"fleetforge/controlplane/internal/api"
	"fleetforge/controlplane/internal/config"
	"fleetforge/controlplane/internal/dispatch"
	"fleetforge/controlplane/internal/notify"
	"fleetforge/controlplane/internal/podstate"
	"fleetforge/controlplane/internal/reconciler"
	"fleetforge/controlplane/internal/registry"
	"fleetforge/controlplane/internal/secretreconciler"
	"fleetforge/controlplane/internal/store"
	"fleetforge/controlplane/internal/wireserver"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg := config.Parse()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting fleetforge controller",
		"namespace", cfg.Namespace,
		"api_addr", cfg.APIListenAddr,
		"wire_addr", cfg.WireListenAddr)

	dynClient, err := buildDynamicClient(cfg.KubeConfig)
	if err != nil {
		logger.Error("failed to build dynamic K8s client", "error", err)
		os.Exit(1)
	}

	st := store.NewMemory()

	podstateMachine := podstate.New(st)

	onNodeOffline := func(nodeID string) {
		ctx := context.Background()
		node, err := st.GetNode(ctx, nodeID)
		if err != nil {
			logger.Warn("offline node vanished from store before it could be marked offline", "nodeId", nodeID, "error", err)
			return
		}
		if _, err := st.UpdateNode(ctx, nodeID, node.Version, func(n *store.Node) {
			n.Status = store.NodeOffline
		}); err != nil && !errors.Is(err, store.ErrConflict) {
			logger.Error("failed to mark node offline", "nodeId", nodeID, "error", err)
		}
		if err := podstateMachine.ReapNode(ctx, nodeID); err != nil {
			logger.Error("failed to reap pods for offline node", "nodeId", nodeID, "error", err)
		}
	}
	reg := registry.New(cfg.NodeHeartbeatInterval, onNodeOffline, logger)

	dispatcher := dispatch.New(reg, dispatch.Config{
		HMACKey:       []byte(cfg.PodCredentialHMACSecret),
		CredentialTTL: cfg.PodCredentialTTL,
	})

	rec := reconciler.New(st, dispatcher, reg, reconciler.Config{
		TickInterval: cfg.ReconcileTickInterval,
		Workers:      cfg.ReconcileWorkers,
	}, logger)

	wireSrv := wireserver.New(st, reg, podstateMachine, rec, logger)
	apiSrv := api.New(st, dispatcher, rec, reg, logger)

	if cfg.NatsURL != "" {
		publisher, err := store.NewNATSPublisher(store.NATSFeedConfig{
			NatsURL:      cfg.NatsURL,
			ConsumerName: cfg.LeaderElectionIdentity,
		}, logger)
		if err != nil {
			logger.Error("failed to connect NATS change-feed publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		go forwardToNATS(st, publisher)
	}

	secretRec := secretreconciler.New(st, dynClient, cfg.Namespace,
		cfg.ExternalSecretStoreName, cfg.ExternalSecretStoreKind,
		cfg.ExternalSecretRefreshInterval.String(), logger)

	var notifier *notify.Notifier
	if cfg.SlackBotToken != "" {
		notifier = notify.New(slack.New(cfg.SlackBotToken), cfg.SlackChannel, logger)
	}

	healthSrv := newHealthServer(cfg.HealthListenAddr, cfg.Namespace)
	go func() {
		logger.Info("starting health/version server", "addr", cfg.HealthListenAddr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	runFn := func(ctx context.Context) {
		if err := run(ctx, logger, cfg, st, reg, rec, wireSrv, apiSrv, secretRec, notifier); err != nil {
			logger.Error("controller stopped", "error", err)
			os.Exit(1)
		}
	}

	if cfg.LeaderElection {
		k8sClient, err := buildK8sClient(cfg.KubeConfig)
		if err != nil {
			logger.Error("failed to create K8s client for leader election", "error", err)
			os.Exit(1)
		}
		runLeaderElection(ctx, logger, cfg, k8sClient, runFn)
	} else {
		runFn(ctx)
	}
}

// run starts every long-running piece of the control plane and blocks
// until ctx is canceled or one of them fails outright.
func run(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	st store.Store,
	reg *registry.Registry,
	rec *reconciler.Reconciler,
	wireSrv *wireserver.Server,
	apiSrv *api.Server,
	secretRec *secretreconciler.Reconciler,
	notifier *notify.Notifier,
) error {
	go reg.StartHeartbeatSweep(cfg.NodeHeartbeatInterval)
	defer reg.StopHeartbeatSweep()

	wireMux := http.NewServeMux()
	wireMux.Handle("/v1/wire", wireSrv)
	wireHTTPSrv := &http.Server{
		Addr:              cfg.WireListenAddr,
		Handler:           wireMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 3)
	go func() {
		logger.Info("starting wire server", "addr", cfg.WireListenAddr)
		if err := wireHTTPSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("wire server: %w", err)
		}
	}()

	apiHTTPSrv := &http.Server{
		Addr:              cfg.APIListenAddr,
		Handler:           apiSrv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting API server", "addr", cfg.APIListenAddr)
		if err := apiHTTPSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	go func() {
		if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("reconciler: %w", err)
		}
	}()

	go runPeriodicSecretReconcile(ctx, logger, secretRec, cfg.ExternalSecretRefreshInterval)

	if notifier != nil {
		go watchDegradedServices(ctx, logger, st, notifier)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down controller")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = wireHTTPSrv.Shutdown(shutdownCtx)
		_ = apiHTTPSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// runPeriodicSecretReconcile reconciles ExternalSecret CRDs on a fixed
// interval. It never exits on error — a failed reconcile attempt just
// tries again next tick.
func runPeriodicSecretReconcile(ctx context.Context, logger *slog.Logger, secretRec *secretreconciler.Reconciler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := secretRec.Reconcile(ctx); err != nil {
				logger.Warn("ExternalSecret reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchDegradedServices follows the service change feed and posts a Slack
// alert the first time a service's Degraded flag flips to true, tracking
// what it has already alerted on so a flapping service doesn't spam the
// channel on every subsequent change event while it stays degraded.
func watchDegradedServices(ctx context.Context, logger *slog.Logger, st store.Store, notifier *notify.Notifier) {
	events, cancel := st.Watch(store.CollectionServices)
	defer cancel()

	alerted := make(map[string]bool)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == store.ChangeDeleted {
				delete(alerted, ev.ID)
				continue
			}
			svc, err := st.GetService(ctx, ev.ID)
			if err != nil {
				continue
			}
			if !svc.Degraded {
				delete(alerted, ev.ID)
				continue
			}
			if alerted[ev.ID] {
				continue
			}
			alerted[ev.ID] = true
			if err := notifier.NotifyDegraded(ctx, notify.DegradedEvent{
				ServiceID:           svc.ID,
				ServiceName:         svc.Name,
				Namespace:           svc.Namespace,
				ConsecutiveFailures: svc.ConsecutiveFailures,
			}); err != nil {
				logger.Warn("failed to post degraded-service alert", "service", svc.ID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// forwardToNATS relays every in-process Watch event from all four
// collections onto the durable JetStream change feed, so other controller
// replicas (or external watchers with no direct Go-level handle on this
// process's Store) see the same mutations. It runs for the life of the
// process; the store's Watch channels are never explicitly canceled here
// since forwarding stops only when the process exits.
func forwardToNATS(st store.Store, publisher *store.NATSPublisher) {
	for _, collection := range []string{store.CollectionPacks, store.CollectionServices, store.CollectionPods, store.CollectionNodes} {
		ch, _ := st.Watch(collection)
		go func(ch <-chan store.ChangeEvent) {
			for ev := range ch {
				publisher.Publish(ev)
			}
		}(ch)
	}
}

// runLeaderElection starts the leader election loop. Only the leader runs
// the controller loop (runFn). When leadership is lost, the process exits
// so that Kubernetes restarts it and it can rejoin the election.
func runLeaderElection(ctx context.Context, logger *slog.Logger, cfg *config.Config, k8sClient kubernetes.Interface, runFn func(ctx context.Context)) {
	id := cfg.LeaderElectionIdentity
	logger.Info("starting leader election",
		"id", id,
		"lease", cfg.LeaderElectionID,
		"namespace", cfg.Namespace)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderElectionID,
			Namespace: cfg.Namespace,
		},
		Client: k8sClient.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("elected as leader, starting controller")
				runFn(ctx)
			},
			OnStoppedLeading: func() {
				logger.Error("lost leader election, exiting")
				os.Exit(1)
			},
			OnNewLeader: func(identity string) {
				if identity == id {
					return
				}
				logger.Info("new leader elected", "leader", identity)
			},
		},
	})
}

func newHealthServer(addr, namespace string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":   version,
			"commit":    commit,
			"namespace": namespace,
		})
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func buildK8sClient(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := buildK8sConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// buildDynamicClient builds the dynamic client internal/secretreconciler
// uses to manage ExternalSecret CRDs.
func buildDynamicClient(kubeconfig string) (dynamic.Interface, error) {
	restCfg, err := buildK8sConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}
	return dynamic.NewForConfig(restCfg)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

// Command coordinator runs the Coordinator process: the Request Router,
// Request/Exception Monitors, NPU Fault Recovery, and Metrics Aggregator
// serving one worker fleet (spec §1, §4).
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/itskum47/mindie-coordinator/agent"
	"github.com/itskum47/mindie-coordinator/audit"
	"github.com/itskum47/mindie-coordinator/cluster"
	"github.com/itskum47/mindie-coordinator/config"
	"github.com/itskum47/mindie-coordinator/exception"
	"github.com/itskum47/mindie-coordinator/fault"
	"github.com/itskum47/mindie-coordinator/inventory"
	"github.com/itskum47/mindie-coordinator/metrics"
	"github.com/itskum47/mindie-coordinator/monitor"
	"github.com/itskum47/mindie-coordinator/pool"
	"github.com/itskum47/mindie-coordinator/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := cluster.New(deployModeFromEnv())

	p := pool.New(cfg.ApplyConnRPS, cfg.ReaperTick*30, 10<<20)
	exc := exception.New()
	exc.Start()

	sched := newRoundRobinScheduler(cl)
	mgr := agent.NewManager(cl, sched, p, nil)
	mgr.SetMaxInFlight(cfg.MaxInFlight)
	mgr.Alarm.Hi = cfg.CongestionHi
	mgr.Alarm.Lo = cfg.CongestionLo

	rt := router.New(router.Config{
		MaxRetry:     cfg.MaxConnRetry,
		DeployModePD: deployModeFromEnv() == cluster.DeployModePD,
	}, mgr, cl, p, exc)
	rt.SetScheduler(sched)

	sweeper := monitor.New(monitor.Config{
		Tick:              cfg.RequestMonitorTick,
		ScheduleTimeout:   cfg.ScheduleTimeout,
		FirstTokenTimeout: cfg.FirstTokenTimeout,
		InferTimeout:      cfg.InferTimeout,
		TokenizerTimeout:  cfg.TokenizerTimeout,
	}, mgr, cl, exc)
	sweeper.Start(ctx)

	faultStore := fault.ProcessedFaultStore(nil)
	if cfg.RedisAddr != "" {
		rfs, err := fault.NewRedisFaultStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("coordinator: redis fault store unavailable, falling back to local file store: %v", err)
		} else {
			defer rfs.Close()
			faultStore = rfs
		}
	}
	if faultStore == nil {
		ffs, err := fault.NewFileFaultStore(cfg.ProcessedFaultPath, cfg.StrictFilePerms)
		if err != nil {
			log.Printf("coordinator: local fault store at %s unavailable, processed faults will not persist: %v", cfg.ProcessedFaultPath, err)
		} else {
			faultStore = ffs
		}
	}
	recovery := fault.New(cl, faultStore, &fault.HTTPCommandSender{}, &fault.HTTPStatusChecker{}, cfg.NPURecoveryPollTick)

	var auditStore *audit.Store
	if cfg.PostgresDSN != "" {
		as, err := audit.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Printf("coordinator: postgres audit store unavailable, history will not persist: %v", err)
		} else {
			defer as.Close()
			auditStore = as
			recovery.SetIncidentRecorder(auditIncidentRecorder{auditStore})
		}
	}

	aggregator := metrics.New(mgr, cfg.MetricsReuse, nil)

	invSink := inventory.NewRingSink(0)

	if cfg.RedisAddr != "" {
		rc := newRedisClient(cfg)
		if rc != nil {
			tracker := pool.NewIdleTracker(rc, cfg.NodeID, p, cfg.ReaperTick)
			tracker.Start(ctx)
		}
	}

	if auditStore != nil {
		go runCounterSnapshotLoop(ctx, mgr, auditStore, cfg.MetricsReuse)
	}

	mux := http.NewServeMux()
	mux.Handle("/", rt.Mux())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !cl.IsAvailable() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/refresh", newRefreshHandler(cl, auditStore))
	mux.HandleFunc("POST /v1/fault-signal", newFaultSignalHandler(recovery, invSink))
	mux.HandleFunc("POST /v1/recovery/complete", newRecoveryCompleteHandler(recovery))
	mux.HandleFunc("GET /v1/inventory/recent-faults", newInventorySnapshotHandler(invSink))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/ccae-metrics", newCCAEMetricsHandler(aggregator, cl))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Printf("coordinator: node %s listening on %s", cfg.NodeID, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinator: request listener failed: %v", err)
		}
	}()
	go func() {
		log.Printf("coordinator: metrics on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinator: metrics listener failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("coordinator: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.InferTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func deployModeFromEnv() cluster.DeployMode {
	if os.Getenv("DEPLOY_MODE") == "pd" {
		return cluster.DeployModePD
	}
	return cluster.DeployModeSingle
}

// refreshBody mirrors sync.InstanceView's wire shape (spec §6 `POST
// /v1/refresh`); duplicated here rather than imported since the sync
// package is a Controller-side concern and this is the Coordinator's own
// handler for the same endpoint.
type refreshBody struct {
	Instances []struct {
		ID            uint64   `json:"id"`
		IP            string   `json:"ip"`
		Port          int      `json:"port"`
		InterCommPort int      `json:"intercommPort"`
		MetricPort    int      `json:"metricPort"`
		ModelName     string   `json:"modelName"`
		Role          string   `json:"role"`
		InferenceType string   `json:"inferenceType"`
		Peers         []uint64 `json:"peers"`
	} `json:"instances"`
	IDs []uint64 `json:"ids"`
}

func newRefreshHandler(cl *cluster.Cluster, auditStore *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body refreshBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		rollResult := cl.Roll(body.IDs)
		if auditStore != nil {
			if err := auditStore.RecordRoll(r.Context(), audit.RollEvent{
				AtNS:    time.Now().UnixNano(),
				Added:   rollResult.Added,
				Removed: rollResult.Removed,
			}); err != nil {
				log.Printf("coordinator: audit RecordRoll failed: %v", err)
			}
		}
		for _, inst := range body.Instances {
			role := parseRole(inst.Role)
			if _, err := cl.AddInstance(inst.ID, inst.IP, inst.Port, role, inst.ModelName); err != nil {
				_ = cl.UpdateExtraInfo(inst.ID, inst.MetricPort, inst.InterCommPort, 0, 0, inst.ID)
			}
			cl.SetAvailable(inst.ID, inst.InferenceType != "UNAVAILABLE")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
	}
}

func parseRole(s string) cluster.Role {
	switch s {
	case "Prefill":
		return cluster.RolePrefill
	case "Decode":
		return cluster.RoleDecode
	case "Flex":
		return cluster.RoleFlex
	default:
		return cluster.RoleUndefined
	}
}

func newFaultSignalHandler(recovery *fault.Recovery, sink *inventory.RingSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := sink.Write(raw); err != nil {
			log.Printf("coordinator: fault-signal inventory write rejected: %v", err)
		}
		var msg fault.FaultMsgSignal
		if err := json.Unmarshal(raw, &msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		recovery.Ingest(r.Context(), msg)
		w.WriteHeader(http.StatusAccepted)
	}
}

func newInventorySnapshotHandler(sink *inventory.RingSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sink.Snapshot())
	}
}

func newRecoveryCompleteHandler(recovery *fault.Recovery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			InstanceID uint64 `json:"instanceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := recovery.CompleteRecovery(r.Context(), body.InstanceID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// auditIncidentRecorder adapts *audit.Store to fault.IncidentRecorder,
// following the narrow-interface-plus-adapter pattern used throughout this
// tree (e.g. cluster/adapters.go) to keep the fault package from importing
// audit directly.
type auditIncidentRecorder struct {
	store *audit.Store
}

func (a auditIncidentRecorder) RecordRecoveryIncident(ctx context.Context, instanceID uint64, podIPs []string, startedAt, endedAt time.Time, outcome string) error {
	return a.store.RecordRecoveryIncident(ctx, audit.RecoveryIncident{
		InstanceID: instanceID,
		PodIPs:     podIPs,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Outcome:    outcome,
	})
}

// runCounterSnapshotLoop periodically persists the Manager's hot counters to
// the audit store so they survive past process restart (spec §4.8 step 5).
func runCounterSnapshotLoop(ctx context.Context, mgr *agent.Manager, store *audit.Store, tick time.Duration) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received, success, failed := mgr.Counters()
			if err := store.RecordCounterSnapshot(ctx, audit.CounterSnapshot{
				AtNS:     time.Now().UnixNano(),
				Received: received,
				Success:  success,
				Failed:   failed,
			}); err != nil {
				log.Printf("coordinator: audit RecordCounterSnapshot failed: %v", err)
			}
		}
	}
}

func newCCAEMetricsHandler(agg *metrics.Aggregator, cl *cluster.Cluster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var targets []metrics.InstanceTarget
		for _, inst := range cl.All() {
			if inst.MetricPort == 0 {
				continue
			}
			targets = append(targets, metrics.InstanceTarget{
				MetricURL: "http://" + inst.IP + ":" + strconv.Itoa(inst.MetricPort) + "/metrics",
				MemSize:   float64(inst.TotalBlocks),
			})
		}
		out, err := agg.Serve(r.Context(), targets)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write(out)
	}
}

// Command controller runs the Controller process: the authoritative
// worker-fleet registry and the periodic Controller↔Coordinator sync loop
// that publishes it to every Coordinator replica (spec §4.9).
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/itskum47/mindie-coordinator/cluster"
	"github.com/itskum47/mindie-coordinator/config"
	"github.com/itskum47/mindie-coordinator/inventory"
	"github.com/itskum47/mindie-coordinator/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cl := cluster.New(deployModeFromEnv())

	coords := parseCoordinators(os.Getenv("COORDINATOR_ENDPOINTS"))
	if len(coords) == 0 {
		log.Println("controller: no COORDINATOR_ENDPOINTS configured, publish loop will be a no-op")
	}

	sink := inventory.NewRingSink(0)
	pub := sync.New(coords, cl, sink, cfg.ControllerSyncInterval, nil)
	pub.Start(ctx, func() sync.ClusterSnapshot { return snapshotOf(cl) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/worker/heartbeat", newHeartbeatHandler(cl))
	mux.HandleFunc("GET /v1/ccae-metrics/recent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sink.Snapshot())
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Printf("controller: node %s listening on %s", cfg.NodeID, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("controller: listener failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("controller: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func deployModeFromEnv() cluster.DeployMode {
	if os.Getenv("DEPLOY_MODE") == "pd" {
		return cluster.DeployModePD
	}
	return cluster.DeployModeSingle
}

// parseCoordinators reads a comma-separated list of "name=baseURL" pairs
// from COORDINATOR_ENDPOINTS and builds the refresh/metrics-pull URLs the
// teacher's own env-driven config loader would build for a fixed peer set.
func parseCoordinators(spec string) []*sync.Coordinator {
	if spec == "" {
		return nil
	}
	var out []*sync.Coordinator
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, base, ok := strings.Cut(entry, "=")
		if !ok {
			name, base = entry, entry
		}
		out = append(out, &sync.Coordinator{
			Name:           name,
			RefreshURL:     base + "/v1/refresh",
			MetricsPullURL: base + "/ccae-metrics",
		})
	}
	return out
}

func snapshotOf(cl *cluster.Cluster) sync.ClusterSnapshot {
	all := cl.All()
	snap := sync.ClusterSnapshot{IDs: make([]uint64, 0, len(all))}
	for _, inst := range all {
		inferenceType := inst.Role.String()
		if !inst.Available {
			inferenceType = sync.Unavailable
		}
		snap.IDs = append(snap.IDs, inst.ID)
		snap.Instances = append(snap.Instances, sync.InstanceView{
			ID:            inst.ID,
			IP:            inst.IP,
			Port:          inst.Port,
			InterCommPort: inst.IntercommPort,
			MetricPort:    inst.MetricPort,
			ModelName:     inst.ModelName,
			Role:          inst.Role.String(),
			InferenceType: inferenceType,
			Peers:         inst.DPGroupPeers,
		})
	}
	return snap
}

type heartbeatBody struct {
	ID            uint64 `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InterCommPort int    `json:"intercommPort"`
	MetricPort    int    `json:"metricPort"`
	ModelName     string `json:"modelName"`
	Role          string `json:"role"`
	Available     bool   `json:"available"`
}

func newHeartbeatHandler(cl *cluster.Cluster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body heartbeatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		role := parseRole(body.Role)
		if _, err := cl.AddInstance(body.ID, body.IP, body.Port, role, body.ModelName); err != nil {
			_ = cl.UpdateExtraInfo(body.ID, body.MetricPort, body.InterCommPort, 0, 0, body.ID)
		}
		cl.SetAvailable(body.ID, body.Available)
		w.WriteHeader(http.StatusOK)
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

// Package fault implements NPU fault ingestion and recovery: the bootstrap
// gate, blacklist/isolate/full-recovery classification, and the parallel
// node-manager command fan-out (spec §4.7).
package fault

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DeviceFault is one device-level fault entry inside a FaultMsgSignal.
type DeviceFault struct {
	FaultLevel string
	Faults     []SwitchFaultInfo
}

// SwitchFaultInfo is one switch-chip fault record.
type SwitchFaultInfo struct {
	FaultCode    string
	SwitchChipID string
	SwitchPortID string
	FaultTime    int64
}

func (s SwitchFaultInfo) key() string {
	return s.FaultCode + "|" + s.SwitchChipID + "|" + s.SwitchPortID + "|" + itoa(s.FaultTime)
}

// FaultMsgSignal is one per-node fault envelope from the external ClusterD.
type FaultMsgSignal struct {
	NodeIP     string
	NodeSN     string
	FaultLevel string // "Healthy" | "UnHealthy"
	Devices    []DeviceFault
}

// allowlistOnGate is the set of switch-fault codes enqueued while the
// bootstrap gate is still closed (spec §4.7).
var allowlistOnGate = map[string]bool{
	"[0x08520003,na,L2,na]": true,
}

// recoveringAllowlist holds fault codes that do NOT by themselves blacklist
// an instance, provided they are paired with faultLevel "NotHandleFault".
var recoveringAllowlist = map[string]bool{
	"80CB8009": true,
}

// NodeLocator resolves which instance id and dpGroupPeers a node belongs to,
// and the pod ips backing an instance. Implemented by the cluster package
// without this package needing to import it.
type NodeLocator interface {
	InstanceIDForNode(nodeIP string) (instanceID uint64, dpGroupPeers []uint64, ok bool)
	PodIPsForInstance(instanceID uint64) []string
	HasReadyPrefillAndDecode() bool
	MarkUnavailable(nodeIPs []string)
	MarkAvailable(nodeIPs []string)
	IsSingleNodeInstance(instanceID uint64) bool
	InstanceRoles(instanceID uint64) (hasPrefill bool)
}

// ProcessedFaultStore persists the set of already-processed switch-fault
// keys so a restart does not re-trigger recovery for faults already
// handled (spec §6 durable store).
type ProcessedFaultStore interface {
	Contains(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

// IncidentRecorder durably records the outcome of a completed or abandoned
// full-recovery episode, for operator-facing history past process restart
// (SPEC_FULL §2 DOMAIN STACK; optional, wired in main.go to an audit
// store). Defined locally to avoid this package importing audit.
type IncidentRecorder interface {
	RecordRecoveryIncident(ctx context.Context, instanceID uint64, podIPs []string, startedAt, endedAt time.Time, outcome string) error
}

// CommandSender issues one fault-command to a node-manager pod.
type CommandSender interface {
	Send(ctx context.Context, podIP, cmd string, timeout time.Duration) error
}

// HTTPCommandSender is the default CommandSender, POSTing to
// /fault-command on each pod.
type HTTPCommandSender struct {
	Client *http.Client
}

func (h *HTTPCommandSender) Send(ctx context.Context, podIP, cmd string, timeout time.Duration) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	body := []byte(`{"cmd":"` + cmd + `"}`)
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, "http://"+podIP+"/fault-command", newReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpStatusError{resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ code int }

func (e httpStatusError) Error() string { return "fault-command: unexpected status " + itoa(int64(e.code)) }

// StatusChecker polls a node-manager's current engine status, used by the
// poll loop to detect that a recovering instance has come back READY
// (spec §4.7 poll step, §6 `GET /node-status`).
type StatusChecker interface {
	NodeStatus(ctx context.Context, podIP string) (string, error)
}

// HTTPStatusChecker is the default StatusChecker, GETting /node-status on
// each pod and decoding the `{"status":"ready|init|normal|pause|abnormal"}`
// body (spec §6).
type HTTPStatusChecker struct {
	Client *http.Client
}

func (h *HTTPStatusChecker) NodeStatus(ctx context.Context, podIP string) (string, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+podIP+"/node-status", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpStatusError{resp.StatusCode}
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}

// recoveryInfo is recorded in the concurrent map keyed by instance id while
// a full recovery is in progress.
type recoveryInfo struct {
	nodeIPs   []string
	podIPs    []string
	startedAt time.Time
}

// Recovery is the bootstrap-gated fault recovery state machine.
type Recovery struct {
	locator  NodeLocator
	store    ProcessedFaultStore
	sender   CommandSender
	checker  StatusChecker
	recorder IncidentRecorder
	pollTick time.Duration

	mu               sync.Mutex
	gated            bool // true while waiting for bootstrap
	pendingOnGate    map[string]SwitchFaultInfo
	blacklist        map[uint64]bool
	inRecovery       map[uint64]*recoveryInfo
	isolated         map[uint64]*time.Timer
	pollRunning      bool
	processedInLocal map[string]bool // in-memory mirror, avoids a store round trip per fault
}

// New builds a Recovery. pollTick defaults to 1s if zero. checker may be
// nil only for callers that drive CompleteRecovery manually (e.g. tests
// that don't exercise the poll-detects-ready path); production callers
// should always pass an HTTPStatusChecker.
func New(locator NodeLocator, store ProcessedFaultStore, sender CommandSender, checker StatusChecker, pollTick time.Duration) *Recovery {
	if pollTick <= 0 {
		pollTick = time.Second
	}
	return &Recovery{
		locator:          locator,
		store:            store,
		sender:           sender,
		checker:          checker,
		pollTick:         pollTick,
		pendingOnGate:    make(map[string]SwitchFaultInfo),
		blacklist:        make(map[uint64]bool),
		inRecovery:       make(map[uint64]*recoveryInfo),
		isolated:         make(map[uint64]*time.Timer),
		processedInLocal: make(map[string]bool),
	}
}

// SetIncidentRecorder attaches an optional durable incident recorder. Must
// be called before any recovery starts to take effect for that recovery.
func (r *Recovery) SetIncidentRecorder(rec IncidentRecorder) {
	r.mu.Lock()
	r.recorder = rec
	r.mu.Unlock()
}

func (r *Recovery) recordIncident(ctx context.Context, instanceID uint64, info *recoveryInfo, outcome string) {
	if info == nil {
		return
	}
	r.mu.Lock()
	rec := r.recorder
	r.mu.Unlock()
	if rec == nil {
		return
	}
	if err := rec.RecordRecoveryIncident(ctx, instanceID, info.podIPs, info.startedAt, time.Now(), outcome); err != nil {
		log.Printf("fault: recording recovery incident for instance %d failed: %v", instanceID, err)
	}
}

// Ingest handles one FaultMsgSignal envelope.
func (r *Recovery) Ingest(ctx context.Context, msg FaultMsgSignal) {
	if !r.locator.HasReadyPrefillAndDecode() {
		r.bufferWhileGated(msg)
		return
	}
	r.processAfterGate(ctx, msg)
}

// bufferWhileGated enqueues allowlisted switch-faults into the pending set;
// everything else is dropped, matching spec §4.7: "fault messages received
// during this interval never trigger recovery."
func (r *Recovery) bufferWhileGated(msg FaultMsgSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range msg.Devices {
		for _, sf := range dev.Faults {
			if allowlistOnGate[sf.FaultCode] {
				r.pendingOnGate[sf.key()] = sf
			}
		}
	}
}

func (r *Recovery) processAfterGate(ctx context.Context, msg FaultMsgSignal) {
	instanceID, _, ok := r.locator.InstanceIDForNode(msg.NodeIP)
	if !ok {
		log.Printf("fault: node %s has no known instance, dropping", msg.NodeIP)
		return
	}

	if r.isCriticalUnhealthy(msg) {
		r.blacklistInstance(instanceID)
		return
	}

	r.mu.Lock()
	if r.blacklist[instanceID] {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	newFaults := r.newSwitchFaults(ctx, msg)
	if len(newFaults) == 0 {
		return
	}

	if r.shouldIsolate(instanceID, msg) {
		r.isolate(instanceID, []string{msg.NodeIP})
		return
	}
	r.fullRecovery(ctx, instanceID)
}

// isCriticalUnhealthy reports spec §4.7 step 2: UnHealthy with a fault code
// not in the recovering-allowlist (or in it but not paired with
// faultLevels[i]=="NotHandleFault").
func (r *Recovery) isCriticalUnhealthy(msg FaultMsgSignal) bool {
	if msg.FaultLevel != "UnHealthy" {
		return false
	}
	for _, dev := range msg.Devices {
		for _, sf := range dev.Faults {
			if !recoveringAllowlist[sf.FaultCode] {
				return true
			}
			if dev.FaultLevel != "NotHandleFault" {
				return true
			}
		}
	}
	return false
}

func (r *Recovery) blacklistInstance(instanceID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist[instanceID] = true
	blacklistTotal.Inc()
	log.Printf("fault: instance %d blacklisted for hard restart", instanceID)
}

// newSwitchFaults returns the switch-faults from msg that have not already
// been processed, marking them processed as a side effect.
func (r *Recovery) newSwitchFaults(ctx context.Context, msg FaultMsgSignal) []SwitchFaultInfo {
	var out []SwitchFaultInfo
	for _, dev := range msg.Devices {
		for _, sf := range dev.Faults {
			key := sf.key()
			r.mu.Lock()
			seen := r.processedInLocal[key]
			r.mu.Unlock()
			if seen {
				continue
			}
			if r.store != nil {
				if done, err := r.store.Contains(ctx, key); err == nil && done {
					continue
				}
			}
			out = append(out, sf)
			r.mu.Lock()
			r.processedInLocal[key] = true
			r.mu.Unlock()
			if r.store != nil {
				if err := r.store.Add(ctx, key); err != nil {
					log.Printf("fault: failed to persist processed fault %s: %v", key, err)
				}
			}
		}
	}
	return out
}

func (r *Recovery) shouldIsolate(instanceID uint64, msg FaultMsgSignal) bool {
	return r.locator.InstanceRoles(instanceID) && r.locator.IsSingleNodeInstance(instanceID)
}

// isolate marks only the faulty nodes Unavailable and restores them after a
// 52 s one-shot timer (spec §4.7 step 3, isolation strategy).
func (r *Recovery) isolate(instanceID uint64, nodeIPs []string) {
	isolateTotal.Inc()
	r.locator.MarkUnavailable(nodeIPs)
	timer := time.AfterFunc(52*time.Second, func() {
		r.locator.MarkAvailable(nodeIPs)
		r.mu.Lock()
		delete(r.isolated, instanceID)
		r.mu.Unlock()
	})
	r.mu.Lock()
	r.isolated[instanceID] = timer
	r.mu.Unlock()
}

// fullRecovery runs the PAUSE_ENGINE → REINIT_NPU fan-out, aborting via
// STOP_ENGINE on either failure (spec §4.7 step 3c–f).
func (r *Recovery) fullRecovery(ctx context.Context, instanceID uint64) {
	podIPs := r.locator.PodIPsForInstance(instanceID)
	if len(podIPs) == 0 {
		return
	}

	r.locator.MarkUnavailable(podIPs)
	info := &recoveryInfo{podIPs: podIPs, startedAt: time.Now()}
	r.mu.Lock()
	r.inRecovery[instanceID] = info
	r.mu.Unlock()

	if err := r.fanOut(ctx, podIPs, "PAUSE_ENGINE", 90*time.Second); err != nil {
		log.Printf("fault: PAUSE_ENGINE failed for instance %d: %v", instanceID, err)
		r.abort(ctx, instanceID, info)
		return
	}
	if err := r.fanOut(ctx, podIPs, "REINIT_NPU", 90*time.Second); err != nil {
		log.Printf("fault: REINIT_NPU failed for instance %d: %v", instanceID, err)
		r.abort(ctx, instanceID, info)
		return
	}

	r.mu.Lock()
	info.startedAt = time.Now()
	r.mu.Unlock()

	r.ensurePoll(ctx)
}

func (r *Recovery) abort(ctx context.Context, instanceID uint64, info *recoveryInfo) {
	if err := r.fanOut(ctx, info.podIPs, "STOP_ENGINE", 10*time.Second); err != nil {
		log.Printf("fault: STOP_ENGINE abort also failed for instance %d: %v", instanceID, err)
	}
	r.mu.Lock()
	delete(r.inRecovery, instanceID)
	r.mu.Unlock()
	r.recordIncident(ctx, instanceID, info, "aborted")
}

func (r *Recovery) fanOut(ctx context.Context, podIPs []string, cmd string, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ip := range podIPs {
		ip := ip
		g.Go(func() error {
			return r.sender.Send(gctx, ip, cmd, timeout)
		})
	}
	return g.Wait()
}

// ensurePoll starts the 1 Hz poll timer if it is not already running. The
// poll checks each in-progress recovery for a 60 s overall timeout
// (STOP_ENGINE abort) and, for recoveries still within budget, GETs
// /node-status on every pod; once all report READY, it completes the
// recovery itself via finishRecovery (spec §4.7 poll step).
func (r *Recovery) ensurePoll(ctx context.Context) {
	r.mu.Lock()
	if r.pollRunning {
		r.mu.Unlock()
		return
	}
	r.pollRunning = true
	r.mu.Unlock()

	go r.pollLoop(ctx)
}

func (r *Recovery) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.pollOnce(ctx) {
				return
			}
		}
	}
}

// pollOnce runs one poll pass and reports whether any recovery is still in
// progress; when none is, it clears pollRunning so pollLoop exits.
func (r *Recovery) pollOnce(ctx context.Context) bool {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.inRecovery))
	for id := range r.inRecovery {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.mu.Lock()
		info, ok := r.inRecovery[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		if time.Since(info.startedAt) >= 60*time.Second {
			log.Printf("fault: instance %d recovery timed out after 60s", id)
			recoveryTimeoutTotal.Inc()
			r.mu.Lock()
			delete(r.inRecovery, id)
			r.mu.Unlock()
			if err := r.fanOut(ctx, info.podIPs, "STOP_ENGINE", 10*time.Second); err != nil {
				log.Printf("fault: STOP_ENGINE on recovery timeout failed for instance %d: %v", id, err)
			}
			r.recordIncident(ctx, id, info, "timed_out")
			continue
		}

		if r.allPodsReady(ctx, info.podIPs) {
			if err := r.finishRecovery(ctx, id, info); err != nil {
				log.Printf("fault: finishing recovery for instance %d failed: %v", id, err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stillRunning := len(r.inRecovery) > 0
	if !stillRunning {
		r.pollRunning = false
	}
	return stillRunning
}

// allPodsReady GETs /node-status on every pod ip and reports whether all
// of them answered "ready" (spec §4.7: "if all pods report
// NPUStatus=READY, this instance is recovered").
func (r *Recovery) allPodsReady(ctx context.Context, podIPs []string) bool {
	if r.checker == nil || len(podIPs) == 0 {
		return false
	}
	for _, ip := range podIPs {
		status, err := r.checker.NodeStatus(ctx, ip)
		if err != nil || status != "ready" {
			return false
		}
	}
	return true
}

// finishRecovery sends START_ENGINE to every pod of a recovered instance,
// removes it from the in-progress map, and restores it to Available; on
// START_ENGINE failure it aborts with STOP_ENGINE instead (spec §4.7 poll
// step: "On START_ENGINE failure, STOP_ENGINE. On success, restore every
// node in the instance to Available.").
func (r *Recovery) finishRecovery(ctx context.Context, instanceID uint64, info *recoveryInfo) error {
	err := r.fanOut(ctx, info.podIPs, "START_ENGINE", 90*time.Second)
	recoveryDuration.Observe(time.Since(info.startedAt).Seconds())
	r.mu.Lock()
	delete(r.inRecovery, instanceID)
	r.mu.Unlock()
	if err != nil {
		if stopErr := r.fanOut(ctx, info.podIPs, "STOP_ENGINE", 10*time.Second); stopErr != nil {
			log.Printf("fault: STOP_ENGINE after START_ENGINE failure also failed for instance %d: %v", instanceID, stopErr)
		}
		r.recordIncident(ctx, instanceID, info, "aborted")
		return err
	}
	r.locator.MarkAvailable(info.podIPs)
	r.recordIncident(ctx, instanceID, info, "recovered")
	return nil
}

// CompleteRecovery is a manual override that completes a recovery
// immediately, bypassing the poll loop's READY check. It exists for
// operator-triggered recovery completion (e.g. an admin endpoint); the
// poll loop itself no longer depends on it.
func (r *Recovery) CompleteRecovery(ctx context.Context, instanceID uint64) error {
	r.mu.Lock()
	info, ok := r.inRecovery[instanceID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.finishRecovery(ctx, instanceID, info)
}

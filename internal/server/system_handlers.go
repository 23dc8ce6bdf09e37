package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taovault/taovault/internal/cache"
	"github.com/taovault/taovault/internal/database"
	"github.com/taovault/taovault/internal/domain"
	"github.com/taovault/taovault/internal/modules/reconciliation"
	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/modules/syncstatus"
	"github.com/taovault/taovault/internal/modules/trust"
	"github.com/taovault/taovault/internal/modules/wallet"
	"github.com/taovault/taovault/internal/reliability"
	"github.com/taovault/taovault/internal/services"
	"github.com/taovault/taovault/internal/version"
)

// UpstreamPinger probes the analytics API.
type UpstreamPinger interface {
	HealthCheck(ctx context.Context) bool
}

// SyncTrigger fires a sync tier outside its normal cadence.
type SyncTrigger interface {
	TriggerNow(ctx context.Context, tier domain.SyncTier) *services.SyncRun
}

// ReconcileRunner reconciles a set of wallets against upstream truth.
type ReconcileRunner interface {
	ReconcileAll(ctx context.Context, wallets []string) ([]reconciliation.Run, []error)
}

// WalletSource lists the tracked wallets.
type WalletSource interface {
	GetActive() ([]wallet.Wallet, error)
}

// TrustSource reports the aggregate data-trust state.
type TrustSource interface {
	Evaluate(now time.Time) (trust.Evaluation, error)
}

// LocalBackupSource reports on local database backups.
type LocalBackupSource interface {
	BackedUpToday() bool
}

// CloudBackupSource reports on archives shipped to object storage.
type CloudBackupSource interface {
	Enabled() bool
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
}

// SystemDeps carries everything the system handlers can report on.
// Nil entries disable the corresponding piece of the surface rather
// than failing requests.
type SystemDeps struct {
	DataDir    string
	Databases  map[string]*database.DB
	Cache      *cache.Cache
	Upstream   UpstreamPinger
	Syncs      *syncstatus.Repository
	Settings   *settings.Repository
	Trust      TrustSource
	Tiers      SyncTrigger
	Reconciler ReconcileRunner
	Wallets    WalletSource
	Backups    LocalBackupSource
	Cloud      CloudBackupSource
}

// SystemHandlers implements the /health, /ready and /api/system routes.
type SystemHandlers struct {
	log       zerolog.Logger
	startedAt time.Time
	deps      SystemDeps
}

// NewSystemHandlers creates the system handler set.
func NewSystemHandlers(deps SystemDeps, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		startedAt: time.Now(),
		deps:      deps,
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Databases map[string]string `json:"databases"`
	Cache     string            `json:"cache"`
	Upstream  string            `json:"upstream"`
	LastSync  *string           `json:"last_sync"`
	Stale     bool              `json:"stale"`
}

// HandleHealth reports the health of every dependency: each database,
// the cache, the upstream API, the most recent sync success and whether
// the data is stale. Databases failing pings make the whole endpoint
// report unhealthy; everything else only degrades it.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Service:   "taovault",
		Version:   version.Version,
		Databases: make(map[string]string),
		Cache:     "ok",
		Upstream:  "unchecked",
	}

	unhealthy := false
	degraded := false

	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, db := range h.deps.Databases {
		if err := db.QuickCheck(pingCtx); err != nil {
			response.Databases[name] = err.Error()
			unhealthy = true
			continue
		}
		response.Databases[name] = "ok"
	}

	if h.deps.Cache != nil {
		if _, err := h.deps.Cache.Count(); err != nil {
			response.Cache = err.Error()
			degraded = true
		}
	} else {
		response.Cache = "unconfigured"
	}

	if h.deps.Upstream != nil {
		// Bounded so a rate-limit hold on the client cannot stall the
		// probe; an unreachable upstream degrades but never kills the
		// process.
		upstreamCtx, cancelUpstream := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancelUpstream()
		if h.deps.Upstream.HealthCheck(upstreamCtx) {
			response.Upstream = "ok"
		} else {
			response.Upstream = "unreachable"
			degraded = true
		}
	}

	lastSync, stale := h.syncFreshness()
	response.LastSync = lastSync
	response.Stale = stale
	if stale {
		degraded = true
	}

	status := http.StatusOK
	switch {
	case unhealthy:
		response.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case degraded:
		response.Status = "degraded"
	}

	h.writeJSON(w, status, response)
}

// HandleReady reports whether the service can do useful work: every
// database must answer a ping. Upstream trouble does not flip
// readiness, it only shows up in /health.
func (h *SystemHandlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var failing []string
	for name, db := range h.deps.Databases {
		if err := db.QuickCheck(ctx); err != nil {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	if len(failing) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"failing": failing,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// TrustStatus is the trust gate section of the system status payload.
type TrustStatus struct {
	State   string   `json:"state"`
	Reasons []string `json:"reasons,omitempty"`
}

// DatasetStatus is one dataset's sync health in the status payload.
type DatasetStatus struct {
	Dataset             string  `json:"dataset"`
	LastSuccess         *string `json:"last_success"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	RecordsLastSync     int     `json:"records_last_sync"`
	LastError           string  `json:"last_error,omitempty"`
}

// SystemStatusResponse is the /api/system/status payload.
type SystemStatusResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	CPUPercent     float64         `json:"cpu_percent"`
	MemPercent     float64         `json:"mem_percent"`
	Goroutines     int             `json:"goroutines"`
	WalletsTracked int             `json:"wallets_tracked"`
	Trust          *TrustStatus    `json:"trust,omitempty"`
	Datasets       []DatasetStatus `json:"datasets"`
}

// HandleSystemStatus returns process and data-pipeline status.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.systemStats()

	response := SystemStatusResponse{
		Status:        "running",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemPercent:    memPercent,
		Goroutines:    runtime.NumGoroutine(),
		Datasets:      []DatasetStatus{},
	}

	if h.deps.Wallets != nil {
		wallets, err := h.deps.Wallets.GetActive()
		if err != nil {
			h.log.Error().Err(err).Msg("failed to count active wallets")
		} else {
			response.WalletsTracked = len(wallets)
		}
	}

	if h.deps.Trust != nil {
		eval, err := h.deps.Trust.Evaluate(time.Now())
		if err != nil {
			h.log.Error().Err(err).Msg("failed to evaluate trust gate")
		} else {
			response.Trust = &TrustStatus{State: string(eval.State), Reasons: eval.Reasons}
		}
	}

	if h.deps.Syncs != nil {
		statuses, err := h.deps.Syncs.GetAll()
		if err != nil {
			h.log.Error().Err(err).Msg("failed to load sync statuses")
		}
		for _, s := range statuses {
			ds := DatasetStatus{
				Dataset:             s.Dataset,
				ConsecutiveFailures: s.ConsecutiveFailures,
				RecordsLastSync:     s.RecordsLastSync,
				LastError:           s.LastError,
			}
			if s.LastSuccess > 0 {
				formatted := time.Unix(s.LastSuccess, 0).UTC().Format(time.RFC3339)
				ds.LastSuccess = &formatted
			}
			response.Datasets = append(response.Datasets, ds)
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// DatabaseStats is one database's row in the stats payload.
type DatabaseStats struct {
	Name          string  `json:"name"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistCount int64   `json:"freelist_count"`
}

// DatabaseStatsResponse is the /api/system/database/stats payload.
type DatabaseStatsResponse struct {
	Databases   []DatabaseStats `json:"databases"`
	TotalSizeMB float64         `json:"total_size_mb"`
	LastChecked string          `json:"last_checked"`
}

// HandleDatabaseStats returns size and page statistics per database.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.deps.Databases))
	for name := range h.deps.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	response := DatabaseStatsResponse{
		Databases:   []DatabaseStats{},
		LastChecked: time.Now().UTC().Format(time.RFC3339),
	}
	for _, name := range names {
		stats, err := h.deps.Databases[name].GetStats()
		if err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("failed to collect database stats")
			continue
		}
		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		response.Databases = append(response.Databases, DatabaseStats{
			Name:          name,
			SizeMB:        sizeMB,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			FreelistCount: stats.FreelistCount,
		})
		response.TotalSizeMB += sizeMB
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleTriggerSync fires one sync tier immediately. The run happens in
// the background; a tier already mid-run coalesces the trigger and the
// scheduler logs the skip.
func (h *SystemHandlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tier")
	tier, ok := parseTier(name)
	if !ok {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "unknown sync tier: " + name,
		})
		return
	}

	if h.deps.Tiers == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "error",
			"message": "sync scheduler not running",
		})
		return
	}

	// Detached from the request so client disconnects don't abort the
	// pass mid-way.
	go func() {
		run := h.deps.Tiers.TriggerNow(context.Background(), tier)
		if run == nil {
			return
		}
		h.log.Info().
			Str("tier", string(tier)).
			Str("result", run.Result()).
			Dur("duration", run.Duration).
			Msg("manually triggered sync finished")
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"tier":    string(tier),
		"message": string(tier) + " sync triggered",
	})
}

func parseTier(name string) (domain.SyncTier, bool) {
	switch domain.SyncTier(name) {
	case domain.TierRefresh:
		return domain.TierRefresh, true
	case domain.TierFull:
		return domain.TierFull, true
	case domain.TierDeep:
		return domain.TierDeep, true
	}
	return "", false
}

// ReconcileRunSummary is one wallet's result in the reconcile payload.
type ReconcileRunSummary struct {
	RunID         string `json:"run_id"`
	Wallet        string `json:"wallet"`
	TotalChecks   int    `json:"total_checks"`
	Passed        int    `json:"passed"`
	Failed        int    `json:"failed"`
	DriftDetected bool   `json:"drift_detected"`
}

// ReconcileResponse is the /api/system/reconcile payload.
type ReconcileResponse struct {
	Status string                `json:"status"`
	Runs   []ReconcileRunSummary `json:"runs"`
	Errors []string              `json:"errors,omitempty"`
}

// HandleReconcile reconciles every active wallet synchronously and
// returns the per-wallet results.
func (h *SystemHandlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reconciler == nil || h.deps.Wallets == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "error",
			"message": "reconciliation not available",
		})
		return
	}

	wallets, err := h.deps.Wallets.GetActive()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list active wallets")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": "failed to list active wallets",
		})
		return
	}
	if len(wallets) == 0 {
		h.writeJSON(w, http.StatusOK, map[string]string{
			"status":  "skipped",
			"message": "no active wallets to reconcile",
		})
		return
	}

	addresses := make([]string, len(wallets))
	for i, wlt := range wallets {
		addresses[i] = wlt.Address
	}

	runs, errs := h.deps.Reconciler.ReconcileAll(r.Context(), addresses)

	response := ReconcileResponse{
		Status: "ok",
		Runs:   make([]ReconcileRunSummary, 0, len(runs)),
	}
	for _, run := range runs {
		response.Runs = append(response.Runs, ReconcileRunSummary{
			RunID:         run.RunID,
			Wallet:        run.Wallet,
			TotalChecks:   run.TotalChecks,
			Passed:        run.Passed,
			Failed:        run.Failed,
			DriftDetected: run.DriftDetected,
		})
	}
	for _, err := range errs {
		response.Errors = append(response.Errors, err.Error())
	}
	if len(errs) > 0 {
		response.Status = "partial"
	}

	h.writeJSON(w, http.StatusOK, response)
}

// BackupsResponse is the /api/system/backups payload.
type BackupsResponse struct {
	LocalBackedUpToday bool                     `json:"local_backed_up_today"`
	CloudEnabled       bool                     `json:"cloud_enabled"`
	CloudBackups       []reliability.BackupInfo `json:"cloud_backups,omitempty"`
	CloudError         string                   `json:"cloud_error,omitempty"`
}

// HandleBackups reports local backup freshness and the cloud archive
// inventory when cloud backups are configured.
func (h *SystemHandlers) HandleBackups(w http.ResponseWriter, r *http.Request) {
	response := BackupsResponse{}

	if h.deps.Backups != nil {
		response.LocalBackedUpToday = h.deps.Backups.BackedUpToday()
	}

	if h.deps.Cloud != nil && h.deps.Cloud.Enabled() {
		response.CloudEnabled = true
		backups, err := h.deps.Cloud.ListBackups(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("failed to list cloud backups")
			response.CloudError = err.Error()
		} else {
			response.CloudBackups = backups
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// syncFreshness returns the most recent sync success across datasets
// and whether it is older than the staleness window.
func (h *SystemHandlers) syncFreshness() (*string, bool) {
	if h.deps.Syncs == nil {
		return nil, false
	}
	statuses, err := h.deps.Syncs.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load sync statuses")
		return nil, true
	}

	var newest int64
	for _, s := range statuses {
		if s.LastSuccess > newest {
			newest = s.LastSuccess
		}
	}
	if newest == 0 {
		// Nothing synced yet. Stale by definition.
		return nil, true
	}

	formatted := time.Unix(newest, 0).UTC().Format(time.RFC3339)
	return &formatted, time.Since(time.Unix(newest, 0)) > h.stalenessWindow()
}

func (h *SystemHandlers) stalenessWindow() time.Duration {
	minutes := 15.0
	if h.deps.Settings != nil {
		if v, err := h.deps.Settings.GetFloat("trust_staleness_minutes", 15); err == nil && v > 0 {
			minutes = v
		}
	}
	return time.Duration(minutes * float64(time.Minute))
}

// systemStats samples CPU and RAM usage. The 100ms CPU window keeps the
// endpoint responsive.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to sample cpu usage")
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

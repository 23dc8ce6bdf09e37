package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/domain"
)

const recommendationColumns = `id, created_at, plan_id, wallet, netuid, action, size_tao, reason, snapshot_ref, status`

// Repository persists advisory output: trade recommendations, the
// decision log, and signal runs. All three live in the treasury
// database next to the positions they describe.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "strategy").Logger(),
	}
}

// InsertRecommendation stores one advisory trade. ID and CreatedAt are
// assigned when the caller leaves them empty.
func (r *Repository) InsertRecommendation(rec *TradeRecommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	if rec.Status == "" {
		rec.Status = StatusProposed
	}

	_, err := r.db.Exec(`
		INSERT INTO trade_recommendations (`+recommendationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt, nullableString(rec.PlanID), rec.Wallet, rec.Netuid,
		string(rec.Action), rec.SizeTao.String(), nullableString(rec.Reason),
		nullableString(rec.SnapshotRef), rec.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade recommendation: %w", err)
	}
	return nil
}

// GetRecommendationsByPlan returns the recommendations of one plan in
// insertion order.
func (r *Repository) GetRecommendationsByPlan(planID string) ([]TradeRecommendation, error) {
	rows, err := r.db.Query(`
		SELECT `+recommendationColumns+`
		FROM trade_recommendations
		WHERE plan_id = ?
		ORDER BY created_at ASC, id ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recommendations for plan %s: %w", planID, err)
	}
	defer rows.Close()
	return collectRecommendations(rows)
}

// GetRecentRecommendations returns the newest recommendations across
// all plans, newest first.
func (r *Repository) GetRecentRecommendations(limit int) ([]TradeRecommendation, error) {
	rows, err := r.db.Query(`
		SELECT `+recommendationColumns+`
		FROM trade_recommendations
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent recommendations: %w", err)
	}
	defer rows.Close()
	return collectRecommendations(rows)
}

// UpdateRecommendationStatus moves a recommendation through its
// lifecycle (proposed, executed, dismissed).
func (r *Repository) UpdateRecommendationStatus(id, status string) error {
	switch status {
	case StatusProposed, StatusExecuted, StatusDismissed:
	default:
		return fmt.Errorf("invalid recommendation status: %s", status)
	}

	result, err := r.db.Exec(`UPDATE trade_recommendations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update recommendation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("recommendation %s not found", id)
	}
	return nil
}

// InsertDecision appends one decision-log row. Inputs and Guardrails
// are stored as JSON.
func (r *Repository) InsertDecision(entry *DecisionEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	inputs, err := marshalJSON(entry.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal decision inputs: %w", err)
	}
	guardrails, err := marshalJSON(entry.Guardrails)
	if err != nil {
		return fmt.Errorf("failed to marshal decision guardrails: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO decision_log (id, created_at, wallet, decision, inputs, guardrails)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CreatedAt, nullableString(entry.Wallet), entry.Decision, inputs, guardrails,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision entry: %w", err)
	}
	return nil
}

// GetRecentDecisions returns the newest decision-log rows first.
func (r *Repository) GetRecentDecisions(limit int) ([]DecisionEntry, error) {
	rows, err := r.db.Query(`
		SELECT id, created_at, wallet, decision, inputs, guardrails
		FROM decision_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision log: %w", err)
	}
	defer rows.Close()

	var entries []DecisionEntry
	for rows.Next() {
		var (
			e          DecisionEntry
			wallet     sql.NullString
			inputs     sql.NullString
			guardrails sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &wallet, &e.Decision, &inputs, &guardrails); err != nil {
			return nil, fmt.Errorf("failed to scan decision entry: %w", err)
		}
		e.Wallet = wallet.String
		if err := unmarshalJSON(inputs, &e.Inputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision inputs: %w", err)
		}
		if err := unmarshalJSON(guardrails, &e.Guardrails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision guardrails: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertSignalRun records one signal evaluation.
func (r *Repository) InsertSignalRun(run *SignalRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().Unix()
	}

	output, err := marshalJSON(run.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal signal output: %w", err)
	}
	evidence, err := marshalJSON(run.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal signal evidence: %w", err)
	}
	guardrails, err := marshalJSON(run.GuardrailsTriggered)
	if err != nil {
		return fmt.Errorf("failed to marshal signal guardrails: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO signal_runs (id, created_at, signal, wallet, confidence, trust_state, output, evidence, guardrails_triggered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.Signal, nullableString(run.Wallet), run.Confidence,
		string(run.TrustState), output, evidence, guardrails,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal run: %w", err)
	}
	return nil
}

// GetRecentSignalRuns returns the newest runs of one signal. An empty
// signal name matches every signal.
func (r *Repository) GetRecentSignalRuns(signal string, limit int) ([]SignalRun, error) {
	query := `
		SELECT id, created_at, signal, wallet, confidence, trust_state, output, evidence, guardrails_triggered
		FROM signal_runs`
	args := []interface{}{}
	if signal != "" {
		query += ` WHERE signal = ?`
		args = append(args, signal)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signal runs: %w", err)
	}
	defer rows.Close()

	var runs []SignalRun
	for rows.Next() {
		var (
			run        SignalRun
			wallet     sql.NullString
			trustState string
			output     sql.NullString
			evidence   sql.NullString
			guardrails sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.CreatedAt, &run.Signal, &wallet, &run.Confidence,
			&trustState, &output, &evidence, &guardrails); err != nil {
			return nil, fmt.Errorf("failed to scan signal run: %w", err)
		}
		run.Wallet = wallet.String
		run.TrustState = domain.TrustState(trustState)
		if err := unmarshalJSON(output, &run.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal output: %w", err)
		}
		if err := unmarshalJSON(evidence, &run.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal evidence: %w", err)
		}
		if err := unmarshalJSON(guardrails, &run.GuardrailsTriggered); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal guardrails: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func collectRecommendations(rows *sql.Rows) ([]TradeRecommendation, error) {
	var recs []TradeRecommendation
	for rows.Next() {
		var (
			rec         TradeRecommendation
			planID      sql.NullString
			action      string
			sizeTao     string
			reason      sql.NullString
			snapshotRef sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &planID, &rec.Wallet, &rec.Netuid,
			&action, &sizeTao, &reason, &snapshotRef, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan trade recommendation: %w", err)
		}
		rec.PlanID = planID.String
		rec.Action = domain.RecommendedAction(action)
		rec.Reason = reason.String
		rec.SnapshotRef = snapshotRef.String

		size, err := domain.DecimalFromString(sizeTao)
		if err != nil {
			return nil, err
		}
		rec.SizeTao = size
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func marshalJSON(v any) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

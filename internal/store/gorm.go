package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/opsforge/remedia/internal/models"
)

// GormStore is the durable incident-store backend. It keeps incidents,
// history entries, and admitted actions in separate tables; history rows
// are append-only and appended inside a transaction with the status update
// so concurrent writers never lose an entry.
type GormStore struct {
	db *gorm.DB
}

type incidentRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	EventID       string `gorm:"index;size:128"`
	Target        string `gorm:"index;size:128;not null"`
	SignatureType string `gorm:"size:128;not null"`
	SignatureComp string `gorm:"size:128"`
	SignatureSev  string `gorm:"size:16"`
	Features      string `gorm:"type:text"`
	Severity      string `gorm:"size:16"`
	ObservedAt    time.Time
	Status        string `gorm:"index;size:24;not null"`
	CreatedAt     time.Time
}

func (incidentRecord) TableName() string { return "incidents" }

type transitionRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	IncidentID string `gorm:"index;size:64;not null"`
	FromStatus string `gorm:"size:24"`
	ToStatus   string `gorm:"size:24;not null"`
	Actor      string `gorm:"size:64"`
	Detail     string `gorm:"type:text"`
	At         time.Time
}

func (transitionRecord) TableName() string { return "incident_transitions" }

type actionRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	IncidentID string `gorm:"index;size:64;not null"`
	Target     string `gorm:"index;size:128;not null"`
	Source     string `gorm:"size:16;not null"`
	ActionType string `gorm:"size:64;not null"`
	Params     string `gorm:"type:text"`
	Confidence float64
	Priority   int
	State      string `gorm:"index;size:24;not null"`
	Attempts   int
	LastError  string `gorm:"type:text"`
	AdmittedAt time.Time
	UpdatedAt  time.Time
}

func (actionRecord) TableName() string { return "admitted_actions" }

// NewGormStore opens (or creates) the sqlite database at dsn and migrates
// the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&incidentRecord{}, &transitionRecord{}, &actionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Put inserts a new incident together with any seed history entries.
func (s *GormStore) Put(ctx context.Context, incident models.Incident) error {
	if incident.ID == "" {
		return fmt.Errorf("incident id is required")
	}

	rec, err := toIncidentRecord(incident)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&incidentRecord{}).Where("id = ?", incident.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("incident %s: %w", incident.ID, ErrDuplicateID)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		for _, tr := range incident.History {
			if err := tx.Create(toTransitionRecord(incident.ID, tr)).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Get loads an incident and its ordered history.
func (s *GormStore) Get(ctx context.Context, id string) (models.Incident, error) {
	var rec incidentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return models.Incident{}, err
	}

	var trs []transitionRecord
	if err := s.db.WithContext(ctx).Where("incident_id = ?", id).Order("id asc").Find(&trs).Error; err != nil {
		return models.Incident{}, err
	}
	return fromIncidentRecord(rec, trs)
}

// AppendTransition appends a history row and advances the status in one
// transaction; terminal incidents reject the append.
func (s *GormStore) AppendTransition(ctx context.Context, id string, tr models.Transition) (models.Incident, error) {
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec incidentRecord
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("incident %s: %w", id, ErrNotFound)
			}
			return err
		}
		if models.IncidentStatus(rec.Status).Terminal() {
			return fmt.Errorf("incident %s is %s: %w", id, rec.Status, ErrConflict)
		}
		if tr.From == "" {
			tr.From = models.IncidentStatus(rec.Status)
		}
		if err := tx.Create(toTransitionRecord(id, tr)).Error; err != nil {
			return err
		}
		return tx.Model(&incidentRecord{}).Where("id = ?", id).Update("status", string(tr.To)).Error
	})
	if err != nil {
		return models.Incident{}, err
	}
	return s.Get(ctx, id)
}

// ListByTarget returns incidents for a target, optionally only active ones.
func (s *GormStore) ListByTarget(ctx context.Context, target string, activeOnly bool) ([]models.Incident, error) {
	q := s.db.WithContext(ctx).Where("target = ?", target)
	if activeOnly {
		q = q.Where("status NOT IN ?", terminalIncidentStatuses())
	}
	return s.queryIncidents(ctx, q)
}

// List returns incidents matching the filter ordered by creation time.
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]models.Incident, error) {
	q := s.db.WithContext(ctx).Model(&incidentRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Target != "" {
		q = q.Where("target = ?", filter.Target)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return s.queryIncidents(ctx, q)
}

func (s *GormStore) queryIncidents(ctx context.Context, q *gorm.DB) ([]models.Incident, error) {
	var recs []incidentRecord
	if err := q.Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]models.Incident, 0, len(recs))
	for _, rec := range recs {
		var trs []transitionRecord
		if err := s.db.WithContext(ctx).Where("incident_id = ?", rec.ID).Order("id asc").Find(&trs).Error; err != nil {
			return nil, err
		}
		inc, err := fromIncidentRecord(rec, trs)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

// PutAction records a freshly admitted action.
func (s *GormStore) PutAction(ctx context.Context, action models.AdmittedAction) error {
	if action.ID == "" {
		return fmt.Errorf("action id is required")
	}
	rec, err := toActionRecord(action)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("action %s: %w", action.ID, ErrDuplicateID)
		}
		return err
	}
	return nil
}

// UpdateAction replaces the stored action record.
func (s *GormStore) UpdateAction(ctx context.Context, action models.AdmittedAction) error {
	rec, err := toActionRecord(action)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&actionRecord{}).Where("id = ?", action.ID).Updates(map[string]any{
		"state":      rec.State,
		"attempts":   rec.Attempts,
		"last_error": rec.LastError,
		"updated_at": rec.UpdatedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("action %s: %w", action.ID, ErrNotFound)
	}
	return nil
}

// GetAction loads one admitted-action record.
func (s *GormStore) GetAction(ctx context.Context, id string) (models.AdmittedAction, error) {
	var rec actionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AdmittedAction{}, fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		return models.AdmittedAction{}, err
	}
	return fromActionRecord(rec)
}

// ActiveActionForTarget reports the non-terminal action bound to the target.
func (s *GormStore) ActiveActionForTarget(ctx context.Context, target string) (models.AdmittedAction, bool, error) {
	var rec actionRecord
	err := s.db.WithContext(ctx).
		Where("target = ? AND state NOT IN ?", target, terminalActionStates()).
		Order("admitted_at desc").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.AdmittedAction{}, false, nil
		}
		return models.AdmittedAction{}, false, err
	}
	act, convErr := fromActionRecord(rec)
	if convErr != nil {
		return models.AdmittedAction{}, false, convErr
	}
	return act, true, nil
}

// Counts summarises current store contents.
func (s *GormStore) Counts(ctx context.Context) (Counts, error) {
	counts := Counts{Incidents: make(map[models.IncidentStatus]int)}

	type statusCount struct {
		Status string
		N      int
	}
	var rows []statusCount
	if err := s.db.WithContext(ctx).Model(&incidentRecord{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return Counts{}, err
	}
	for _, row := range rows {
		status := models.IncidentStatus(row.Status)
		counts.Incidents[status] = row.N
		counts.TotalIncidents += row.N
		if status.Active() {
			counts.ActiveIncidents += row.N
		}
		if status == models.StatusEscalated {
			counts.Escalations = row.N
		}
	}

	var totalActions, activeActions int64
	if err := s.db.WithContext(ctx).Model(&actionRecord{}).Count(&totalActions).Error; err != nil {
		return Counts{}, err
	}
	if err := s.db.WithContext(ctx).Model(&actionRecord{}).
		Where("state NOT IN ?", terminalActionStates()).Count(&activeActions).Error; err != nil {
		return Counts{}, err
	}
	counts.TotalActions = int(totalActions)
	counts.ActiveActions = int(activeActions)
	return counts, nil
}

// Ping verifies database connectivity for the health endpoint.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func terminalIncidentStatuses() []string {
	return []string{
		string(models.StatusRemediated),
		string(models.StatusEscalated),
		string(models.StatusRejected),
		string(models.StatusRolledBack),
	}
}

func terminalActionStates() []string {
	return []string{
		string(models.ActionSucceeded),
		string(models.ActionRolledBack),
		string(models.ActionEscalated),
	}
}

func toIncidentRecord(inc models.Incident) (incidentRecord, error) {
	features, err := json.Marshal(inc.Features)
	if err != nil {
		return incidentRecord{}, fmt.Errorf("encode features: %w", err)
	}
	return incidentRecord{
		ID:            inc.ID,
		EventID:       inc.EventID,
		Target:        inc.Target,
		SignatureType: inc.Signature.Type,
		SignatureComp: inc.Signature.Component,
		SignatureSev:  string(inc.Signature.Severity),
		Features:      string(features),
		Severity:      string(inc.Severity),
		ObservedAt:    inc.ObservedAt,
		Status:        string(inc.Status),
		CreatedAt:     inc.CreatedAt,
	}, nil
}

func fromIncidentRecord(rec incidentRecord, trs []transitionRecord) (models.Incident, error) {
	var features []float64
	if rec.Features != "" {
		if err := json.Unmarshal([]byte(rec.Features), &features); err != nil {
			return models.Incident{}, fmt.Errorf("decode features for %s: %w", rec.ID, err)
		}
	}

	history := make([]models.Transition, 0, len(trs))
	for _, tr := range trs {
		history = append(history, models.Transition{
			From:   models.IncidentStatus(tr.FromStatus),
			To:     models.IncidentStatus(tr.ToStatus),
			Actor:  tr.Actor,
			Detail: tr.Detail,
			At:     tr.At,
		})
	}

	return models.Incident{
		ID:      rec.ID,
		EventID: rec.EventID,
		Target:  rec.Target,
		Signature: models.Signature{
			Type:      rec.SignatureType,
			Component: rec.SignatureComp,
			Severity:  models.Severity(rec.SignatureSev),
		},
		Features:   features,
		Severity:   models.Severity(rec.Severity),
		ObservedAt: rec.ObservedAt,
		Status:     models.IncidentStatus(rec.Status),
		History:    history,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

func toTransitionRecord(incidentID string, tr models.Transition) *transitionRecord {
	return &transitionRecord{
		IncidentID: incidentID,
		FromStatus: string(tr.From),
		ToStatus:   string(tr.To),
		Actor:      tr.Actor,
		Detail:     tr.Detail,
		At:         tr.At,
	}
}

func toActionRecord(act models.AdmittedAction) (actionRecord, error) {
	params, err := json.Marshal(act.Action.Parameters)
	if err != nil {
		return actionRecord{}, fmt.Errorf("encode action parameters: %w", err)
	}
	return actionRecord{
		ID:         act.ID,
		IncidentID: act.IncidentID,
		Target:     act.Target,
		Source:     string(act.Source),
		ActionType: act.Action.Type,
		Params:     string(params),
		Confidence: act.Confidence,
		Priority:   act.Priority,
		State:      string(act.State),
		Attempts:   act.Attempts,
		LastError:  act.LastError,
		AdmittedAt: act.AdmittedAt,
		UpdatedAt:  act.UpdatedAt,
	}, nil
}

func fromActionRecord(rec actionRecord) (models.AdmittedAction, error) {
	var params map[string]string
	if rec.Params != "" && rec.Params != "null" {
		if err := json.Unmarshal([]byte(rec.Params), &params); err != nil {
			return models.AdmittedAction{}, fmt.Errorf("decode action parameters for %s: %w", rec.ID, err)
		}
	}
	return models.AdmittedAction{
		ID:         rec.ID,
		IncidentID: rec.IncidentID,
		Target:     rec.Target,
		Source:     models.CandidateSource(rec.Source),
		Action:     models.Action{Type: rec.ActionType, Parameters: params},
		Confidence: rec.Confidence,
		Priority:   rec.Priority,
		State:      models.ActionState(rec.State),
		Attempts:   rec.Attempts,
		LastError:  rec.LastError,
		AdmittedAt: rec.AdmittedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

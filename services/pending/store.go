package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("pending.store",
	fx.Provide(NewStore),
	fx.Invoke(migrate),
)

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&PendingAction{}); err != nil {
		zap.L().Error("failed to migrate pending actions", zap.Error(err))
		return err
	}
	return nil
}

var (
	ErrNotFound           = errors.New("pending action not found")
	ErrInvalidID          = errors.New("pending action id must be non-empty and contain no ':'")
	ErrActionClosed       = errors.New("pending action already settled")
	ErrSettlementInFlight = errors.New("settlement already requested for pending action")
	ErrAlreadyConfirmed   = errors.New("pending action already confirmed")
	ErrAlreadyHandled     = errors.New("pending action already handled")
	ErrConflict           = errors.New("pending action modified concurrently")
	ErrInvalidTransition  = errors.New("invalid pending action transition")
)

// Store persists pending actions. Every mutation is a single conditional
// statement guarded by status and, where the caller holds a snapshot, by
// version.
type Store interface {
	WithTrx(tx *gorm.DB) Store
	// Open inserts a, or updates the existing record in place while it is
	// still pending and unconfirmed.
	Open(ctx context.Context, a *PendingAction) (*OpenResult, error)
	Get(ctx context.Context, id string) (*PendingAction, error)
	SetPromptRef(ctx context.Context, id, ref string) error
	SetSettlementRefs(ctx context.Context, id string, refs []string) error
	// MarkConfirmed sets confirmed_at once; later calls get ErrAlreadyConfirmed.
	MarkConfirmed(ctx context.Context, id string) (*PendingAction, error)
	// Cancel deletes the record while it is pending and unconfirmed and
	// returns what was deleted.
	Cancel(ctx context.Context, id string) (*PendingAction, error)
	UpdatePayload(ctx context.Context, a *PendingAction) error
	// Transition moves a from pending to a terminal status, writing its
	// payload in the same statement.
	Transition(ctx context.Context, a *PendingAction, to Status) error
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
	PurgeStale(ctx context.Context, before time.Time) (int64, error)
}

type OpenResult struct {
	Action *PendingAction
	// Created is false when an existing pending record was reused.
	Created bool
	// PreviousPromptRef is the prompt of the replaced record, if any.
	PreviousPromptRef string
}

type store struct {
	db  *gorm.DB
	now func() time.Time
}

const openAttempts = 3

func NewStore(db *gorm.DB) Store {
	return &store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *store) WithTrx(tx *gorm.DB) Store {
	if tx == nil {
		return s
	}
	return &store{db: tx, now: s.now}
}

func (s *store) Open(ctx context.Context, a *PendingAction) (*OpenResult, error) {
	if !ValidID(a.ID) {
		return nil, ErrInvalidID
	}

	zapLog := zap.L().With(zap.String("action_id", a.ID), zap.String("kind", string(a.Kind)))

	now := s.now()
	a.Status = StatusPending
	a.Version = 1
	a.ConfirmedAt = nil
	a.PromptRef = ""
	a.SettlementRefs = nil
	a.CreatedAt = now
	a.UpdatedAt = now

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(a)
	if res.Error != nil {
		return nil, fmt.Errorf("open pending action %s: %w", a.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return &OpenResult{Action: a, Created: true}, nil
	}

	for attempt := 0; attempt < openAttempts; attempt++ {
		existing, err := s.Get(ctx, a.ID)
		if errors.Is(err, ErrNotFound) {
			// Cancelled between insert and read; insert again.
			res := s.db.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
				Create(a)
			if res.Error != nil {
				return nil, fmt.Errorf("open pending action %s: %w", a.ID, res.Error)
			}
			if res.RowsAffected == 1 {
				return &OpenResult{Action: a, Created: true}, nil
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		if existing.Status.Terminal() {
			return nil, ErrActionClosed
		}
		if existing.ConfirmedAt != nil {
			return nil, ErrSettlementInFlight
		}

		res := s.db.WithContext(ctx).Model(&PendingAction{}).
			Where("id = ? AND status = ? AND confirmed_at IS NULL AND version = ?", a.ID, StatusPending, existing.Version).
			Updates(map[string]any{
				"kind":            a.Kind,
				"scope":           a.Scope,
				"initiator":       a.Initiator,
				"payload":         a.Payload,
				"prompt_ref":      "",
				"settlement_refs": a.SettlementRefs,
				"version":         existing.Version + 1,
				"updated_at":      now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("reopen pending action %s: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			a.Version = existing.Version + 1
			a.CreatedAt = existing.CreatedAt
			zapLog.Info("pending action re-issued in place", zap.Int64("version", a.Version))
			return &OpenResult{Action: a, PreviousPromptRef: existing.PromptRef}, nil
		}
	}

	return nil, ErrConflict
}

func (s *store) Get(ctx context.Context, id string) (*PendingAction, error) {
	var a PendingAction
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending action %s: %w", id, err)
	}
	return &a, nil
}

func (s *store) SetPromptRef(ctx context.Context, id, ref string) error {
	return s.updatePending(ctx, id, map[string]any{"prompt_ref": ref})
}

func (s *store) SetSettlementRefs(ctx context.Context, id string, refs []string) error {
	return s.updatePending(ctx, id, map[string]any{"settlement_refs": datatypes.JSONSlice[string](refs)})
}

// updatePending applies updates while the record is pending, bumping version.
func (s *store) updatePending(ctx context.Context, id string, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = s.now()

	res := s.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update pending action %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyHandled
	}
	return nil
}

func (s *store) MarkConfirmed(ctx context.Context, id string) (*PendingAction, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND status = ? AND confirmed_at IS NULL", id, StatusPending).
		Updates(map[string]any{
			"confirmed_at": now,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("confirm pending action %s: %w", id, res.Error)
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		return a, nil
	}
	if a.Status.Terminal() {
		return a, ErrAlreadyHandled
	}
	return a, ErrAlreadyConfirmed
}

func (s *store) Cancel(ctx context.Context, id string) (*PendingAction, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND confirmed_at IS NULL", id, StatusPending).
		Delete(&PendingAction{})
	if res.Error != nil {
		return nil, fmt.Errorf("cancel pending action %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return a, nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, ErrAlreadyHandled
	}
	return current, ErrSettlementInFlight
}

func (s *store) UpdatePayload(ctx context.Context, a *PendingAction) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND status = ? AND version = ?", a.ID, StatusPending, a.Version).
		Updates(map[string]any{
			"payload":    a.Payload,
			"version":    a.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("update payload %s: %w", a.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.classifyMiss(ctx, a.ID)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (s *store) Transition(ctx context.Context, a *PendingAction, to Status) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, to)
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&PendingAction{}).
		Where("id = ? AND status = ? AND version = ?", a.ID, StatusPending, a.Version).
		Updates(map[string]any{
			"status":     to,
			"payload":    a.Payload,
			"version":    a.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("transition %s to %s: %w", a.ID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		err := s.classifyMiss(ctx, a.ID)
		if errors.Is(err, ErrAlreadyHandled) {
			zap.L().Info("transition skipped, action already handled",
				zap.String("action_id", a.ID),
				zap.String("to", string(to)),
			)
		}
		return err
	}

	a.Status = to
	a.Version++
	a.UpdatedAt = now
	return nil
}

// classifyMiss explains why a version-guarded update matched no row.
func (s *store) classifyMiss(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrAlreadyHandled
	}
	return ErrConflict
}

func (s *store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(StatusProcessed), string(StatusFailed)}, before).
		Delete(&PendingAction{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge terminal pending actions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *store) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&PendingAction{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge stale pending actions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

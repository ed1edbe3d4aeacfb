package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/flowengine/types"
)

// workflowRow 工作流快照的数据库行。完整状态序列化为 JSON 存放，
// 只把列表查询需要的字段提升为列。
type workflowRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;index"`
	Status         string    `gorm:"size:20;index"`
	StartedAt      time.Time `gorm:"index"`
	Payload        []byte    `gorm:"type:blob;not null"`
	UpdatedAt      time.Time
}

func (workflowRow) TableName() string { return "workflow_runs" }

// SQLiteStore persists snapshots in a SQLite database.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and migrates the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&workflowRow{}); err != nil {
		return nil, fmt.Errorf("migrate workflow_runs: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state *types.WorkflowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	row := workflowRow{
		ID:             state.ID,
		ConversationID: state.ConversationID,
		Status:         string(state.Status),
		StartedAt:      state.StartedAt,
		Payload:        payload,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*types.WorkflowState, error) {
	var row workflowRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var state types.WorkflowState
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*types.WorkflowState, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []workflowRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*types.WorkflowState, 0, len(rows))
	for _, row := range rows {
		var state types.WorkflowState
		if err := json.Unmarshal(row.Payload, &state); err != nil {
			return nil, fmt.Errorf("unmarshal workflow %s: %w", row.ID, err)
		}
		out = append(out, &state)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&workflowRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

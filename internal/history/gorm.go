package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mrcode/aidloop/internal/models"
)

// cycleRow is the storage shape of a loop cycle. The structured parts of the
// record are stored as JSON so the schema never chases the algorithm output.
type cycleRow struct {
	ID            uint      `gorm:"primaryKey"`
	CycleID       string    `gorm:"uniqueIndex;size:36"`
	StartedAt     time.Time `gorm:"index"`
	FinishedAt    time.Time
	Trigger       string
	Glucose       float64
	IOB           float64
	COB           float64
	AutosensRatio float64
	Outcome       string `gorm:"index"`
	OutcomeReason string
	Detail        string `gorm:"type:text"` // recommendation + command JSON
}

type cycleDetail struct {
	Recommendation *models.Recommendation   `json:"recommendation,omitempty"`
	Command        *models.ValidatedCommand `json:"command,omitempty"`
}

// GormSink persists cycle records to sqlite.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink opens (or creates) the database at path and migrates the
// schema.
func NewGormSink(path string) (*GormSink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&cycleRow{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (g *GormSink) Append(ctx context.Context, rec models.LoopCycleRecord) error {
	detail, err := json.Marshal(cycleDetail{
		Recommendation: rec.Recommendation,
		Command:        rec.ValidatedCommand,
	})
	if err != nil {
		return fmt.Errorf("encode cycle detail: %w", err)
	}
	row := cycleRow{
		CycleID:       rec.CycleID,
		StartedAt:     rec.StartedAt,
		FinishedAt:    rec.FinishedAt,
		Trigger:       rec.Trigger,
		Glucose:       rec.Glucose,
		IOB:           rec.IOB,
		COB:           rec.COB,
		AutosensRatio: rec.AutosensRatio,
		Outcome:       string(rec.Outcome.Status),
		OutcomeReason: rec.Outcome.Reason,
		Detail:        string(detail),
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append cycle record: %w", err)
	}
	return nil
}

func (g *GormSink) Recent(ctx context.Context, limit int) ([]models.LoopCycleRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []cycleRow
	err := g.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	return decodeRows(rows)
}

func (g *GormSink) Since(ctx context.Context, t time.Time) ([]models.LoopCycleRecord, error) {
	var rows []cycleRow
	err := g.db.WithContext(ctx).
		Where("started_at >= ?", t).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query cycles since %s: %w", t, err)
	}
	return decodeRows(rows)
}

func (g *GormSink) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeRows(rows []cycleRow) ([]models.LoopCycleRecord, error) {
	out := make([]models.LoopCycleRecord, 0, len(rows))
	for _, row := range rows {
		var detail cycleDetail
		if row.Detail != "" {
			if err := json.Unmarshal([]byte(row.Detail), &detail); err != nil {
				return nil, fmt.Errorf("decode cycle %s detail: %w", row.CycleID, err)
			}
		}
		out = append(out, models.LoopCycleRecord{
			CycleID:          row.CycleID,
			StartedAt:        row.StartedAt,
			FinishedAt:       row.FinishedAt,
			Trigger:          row.Trigger,
			Glucose:          row.Glucose,
			IOB:              row.IOB,
			COB:              row.COB,
			AutosensRatio:    row.AutosensRatio,
			Recommendation:   detail.Recommendation,
			ValidatedCommand: detail.Command,
			Outcome: models.CycleOutcome{
				Status: models.OutcomeStatus(row.Outcome),
				Reason: row.OutcomeReason,
			},
		})
	}
	return out, nil
}

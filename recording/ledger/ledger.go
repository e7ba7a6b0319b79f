package ledger

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Take is one completed take as stored in the ledger.
type Take struct {
	gorm.Model

	SessionID  string `gorm:"index;size:16"`
	TakeNumber int
	FilePath   string `gorm:"size:1024"`
	Start      time.Time
	End        time.Time
	Duration   time.Duration

	// ContainerSeconds is the duration read back from the mp4 header, or -1
	// if the file could not be probed.
	ContainerSeconds int

	MasterID *uint `gorm:"index"`
}

// Master is one concatenation attempt.
type Master struct {
	gorm.Model

	FilePath  string `gorm:"size:1024"`
	TakeCount int
	Succeeded bool
	Error     string `gorm:"size:2048"`

	Takes []Take
}

// Ledger persists takes and masters.
type Ledger struct {
	db *gorm.DB
}

// Open connects to MySQL at dsn and migrates the schema.
func Open(dsn string) (*Ledger, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*Ledger, error) {
	if err := db.AutoMigrate(&Master{}, &Take{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	log.Infof("Take ledger ready")
	return &Ledger{db: db}, nil
}

func (l *Ledger) AddTake(t *Take) error {
	return l.db.Create(t).Error
}

// AddMaster stores m and links every take in takeIDs to it.
func (l *Ledger) AddMaster(m *Master, takeIDs []uint) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		if len(takeIDs) == 0 || !m.Succeeded {
			return nil
		}
		return tx.Model(&Take{}).Where("id IN ?", takeIDs).Update("master_id", m.ID).Error
	})
}

// Takes returns the takes not yet folded into a master, oldest first.
func (l *Ledger) Takes() ([]Take, error) {
	var takes []Take
	err := l.db.Where("master_id IS NULL").Order("id").Find(&takes).Error
	return takes, err
}

// Masters returns the most recent masters with their takes.
func (l *Ledger) Masters(limit int) ([]Master, error) {
	var masters []Master
	err := l.db.Preload("Takes").Order("id desc").Limit(limit).Find(&masters).Error
	return masters, err
}

func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

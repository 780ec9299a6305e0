package catalog

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"chunkcast/pkg/logger"
	"chunkcast/pkg/protocol"
)

// Record is one persisted (chunk, holder) pair of the content dictionary.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	Identity   string `gorm:"index"`
	FileName   string
	ChunkIndex uint32
	PeerAddr   string
	LastSeen   time.Time
}

func (Record) TableName() string { return "content_entries" }

// Mirror is the on-disk copy of the content dictionary. The in-memory
// catalog stays authoritative at runtime; the mirror only provides restart
// continuity.
type Mirror struct {
	db *gorm.DB
}

func OpenMirror(path string) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog mirror %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate catalog mirror: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Mirror) Close() error {
	db, err := m.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// Replace overwrites the mirror with the given snapshot in one transaction.
func (m *Mirror) Replace(records []Record) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Record{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}

func (m *Mirror) Load() ([]Record, error) {
	var records []Record
	if err := m.db.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load catalog mirror: %w", err)
	}
	return records, nil
}

// AttachMirror loads the persisted dictionary into the catalog and enables
// flushes from the sweep loop. Restored entries are stamped with the current
// time so they get one full staleness window to be re-confirmed by live
// announcements.
func (c *Catalog) AttachMirror(m *Mirror) error {
	records, err := m.Load()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, rec := range records {
		c.Upsert(rec.PeerAddr, []protocol.ChunkRef{{
			FileName: rec.FileName,
			Index:    rec.ChunkIndex,
			Identity: rec.Identity,
		}}, now)
	}

	c.mu.Lock()
	c.mirror = m
	c.dirty = false
	c.mu.Unlock()

	if len(records) > 0 {
		logger.Sugar.Infof("[Catalog] restored %d entries from mirror", len(records))
	}
	return nil
}

// flushMirror writes the dictionary to the mirror if it changed since the
// last flush. The dirty flag is cleared before the snapshot is taken, so an
// upsert racing the flush re-marks the catalog and reaches the mirror on the
// next pass instead of being lost.
func (c *Catalog) flushMirror() {
	c.mu.Lock()
	mirror := c.mirror
	dirty := c.dirty
	if mirror != nil && dirty {
		c.dirty = false
	}
	c.mu.Unlock()

	if mirror == nil || !dirty {
		return
	}

	records := c.snapshotRecords()
	if err := mirror.Replace(records); err != nil {
		logger.Sugar.Errorf("[Catalog] mirror flush failed: %v", err)
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
}

func (c *Catalog) snapshotRecords() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var records []Record
	for fileName, indexes := range c.files {
		for index, identity := range indexes {
			for _, entry := range c.holders[identity] {
				records = append(records, Record{
					Identity:   identity,
					FileName:   fileName,
					ChunkIndex: index,
					PeerAddr:   entry.Addr,
					LastSeen:   entry.LastSeen,
				})
			}
		}
	}
	return records
}

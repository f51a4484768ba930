package storage

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/sensor-agent/internal/models"
)

// Writer handles async batched writes to the reading log, plus
// periodic retention cleanup on the same goroutine so the single
// SQLite writer connection is never contended.
type Writer struct {
	store         Store
	logger        zerolog.Logger
	writeChan     chan *models.SensorReading
	batchSize     int
	flushPeriod   time.Duration
	retentionDays int
	cleanupPeriod time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// Stats
	mu            sync.RWMutex
	totalWritten  int64
	totalBatches  int64
	totalErrors   int64
	totalDeleted  int64
	lastWriteTime time.Time
	lastCleanup   time.Time
}

// WriterConfig holds configuration for the async writer.
type WriterConfig struct {
	BatchSize     int           // readings to batch before writing (default: 100)
	FlushPeriod   time.Duration // max time between flushes (default: 5s)
	ChannelSize   int           // write channel buffer (default: 1000)
	RetentionDays int           // days of data to keep, 0 disables cleanup (default: 30)
	CleanupPeriod time.Duration // how often to run cleanup (default: 1h)
}

// DefaultWriterConfig returns sensible defaults
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushPeriod:   5 * time.Second,
		ChannelSize:   1000,
		RetentionDays: 30,
		CleanupPeriod: 1 * time.Hour,
	}
}

// WriterStats contains statistics about the writer
type WriterStats struct {
	TotalWritten  int64     `json:"total_written"`
	TotalBatches  int64     `json:"total_batches"`
	TotalErrors   int64     `json:"total_errors"`
	TotalDeleted  int64     `json:"total_deleted"`
	LastWriteTime time.Time `json:"last_write_time,omitempty"`
	LastCleanup   time.Time `json:"last_cleanup,omitempty"`
	QueueLength   int       `json:"queue_length"`
}

// NewWriter creates and starts a new async writer.
func NewWriter(store Store, config WriterConfig, logger zerolog.Logger) *Writer {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushPeriod <= 0 {
		config.FlushPeriod = 5 * time.Second
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = 1000
	}
	if config.CleanupPeriod <= 0 {
		config.CleanupPeriod = 1 * time.Hour
	}

	w := &Writer{
		store:         store,
		logger:        logger,
		writeChan:     make(chan *models.SensorReading, config.ChannelSize),
		batchSize:     config.BatchSize,
		flushPeriod:   config.FlushPeriod,
		retentionDays: config.RetentionDays,
		cleanupPeriod: config.CleanupPeriod,
		stopChan:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writerLoop()

	logger.Info().
		Int("batch_size", config.BatchSize).
		Dur("flush_period", config.FlushPeriod).
		Int("channel_size", config.ChannelSize).
		Int("retention_days", config.RetentionDays).
		Msg("Storage writer started")

	return w
}

// Write queues a reading for async writing to the database.
// Returns true if queued, false if dropped (channel full).
func (w *Writer) Write(reading *models.SensorReading) bool {
	select {
	case w.writeChan <- reading:
		return true
	default:
		w.logger.Warn().Str("sensor_id", reading.SensorID).Msg("Writer channel full, dropping reading")
		return false
	}
}

// writerLoop is the background goroutine that batches and writes
// readings and runs retention cleanup.
func (w *Writer) writerLoop() {
	defer w.wg.Done()

	batch := make([]*models.SensorReading, 0, w.batchSize)
	flushTicker := time.NewTicker(w.flushPeriod)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(w.cleanupPeriod)
	defer cleanupTicker.Stop()

	if w.retentionDays > 0 {
		w.runCleanup()
	}

	for {
		select {
		case reading := <-w.writeChan:
			batch = append(batch, reading)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = make([]*models.SensorReading, 0, w.batchSize)
			}

		case <-flushTicker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = make([]*models.SensorReading, 0, w.batchSize)
			}

		case <-cleanupTicker.C:
			if w.retentionDays > 0 {
				w.runCleanup()
			}

		case <-w.stopChan:
			// Drain remaining readings from channel
			draining := true
			for draining {
				select {
				case reading := <-w.writeChan:
					batch = append(batch, reading)
				default:
					draining = false
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			w.logger.Info().Msg("Storage writer stopped")
			return
		}
	}
}

// flush writes a batch to the database
func (w *Writer) flush(batch []*models.SensorReading) {
	if len(batch) == 0 {
		return
	}

	err := w.store.InsertBatch(batch)

	w.mu.Lock()
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to write batch")
	} else {
		w.totalWritten += int64(len(batch))
		w.totalBatches++
		w.lastWriteTime = time.Now()
		w.logger.Debug().Int("count", len(batch)).Msg("Flushed batch")
	}
	w.mu.Unlock()
}

// runCleanup removes readings past the retention window.
func (w *Writer) runCleanup() {
	deleted, err := w.store.DeleteOlderThan(w.retentionDays)

	w.mu.Lock()
	w.lastCleanup = time.Now()
	if err != nil {
		w.totalErrors++
		w.logger.Error().Err(err).Msg("Retention cleanup failed")
	} else {
		w.totalDeleted += deleted
	}
	w.mu.Unlock()
}

// Stop gracefully stops the writer, flushing any remaining data
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
	})
}

// Stats returns current writer statistics
func (w *Writer) Stats() WriterStats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return WriterStats{
		TotalWritten:  w.totalWritten,
		TotalBatches:  w.totalBatches,
		TotalErrors:   w.totalErrors,
		TotalDeleted:  w.totalDeleted,
		LastWriteTime: w.lastWriteTime,
		LastCleanup:   w.lastCleanup,
		QueueLength:   len(w.writeChan),
	}
}

package workers

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/danphoto/danphoto-api/database"
	"github.com/danphoto/danphoto-api/media"
	"github.com/danphoto/danphoto-api/realtime"
)

// TaskType constants
const (
	TaskThumbnail = "thumbnail"
	TaskMetadata  = "metadata"
)

// PhotoLocator resolves a stored photo to its path on disk.
type PhotoLocator interface {
	FullPath(themeID, name string) (string, error)
}

// Broadcaster receives task outcomes.
type Broadcaster interface {
	Broadcast(event realtime.Event)
}

type ImageJob struct {
	Theme    string
	Name     string
	TaskType string
}

// errPhotoGone marks a job whose original file no longer exists.
var errPhotoGone = errors.New("original file not found")

func (j ImageJob) key() string {
	return fmt.Sprintf("%s/%s:%s", j.Theme, j.Name, j.TaskType)
}

// ImageProcessor derives thumbnails and metadata for stored photos on a fixed
// pool of workers. Jobs are deduplicated while pending.
type ImageProcessor struct {
	JobQueue  chan ImageJob
	DB        *sql.DB
	Photos    PhotoLocator
	Processor *media.Processor
	Events    Broadcaster
	Wg        sync.WaitGroup
	StopChan  chan struct{}
	Pending   map[string]bool
	Mutex     sync.Mutex
	// OnQueued, when set, is called for every job accepted by the queue.
	OnQueued func(taskType string)
	log       *zap.SugaredLogger
	stopOnce  sync.Once
}

func NewImageProcessor(db *sql.DB, photos PhotoLocator, proc *media.Processor, events Broadcaster, queueSize, numWorkers int, log *zap.SugaredLogger) *ImageProcessor {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	ip := &ImageProcessor{
		JobQueue:  make(chan ImageJob, queueSize),
		DB:        db,
		Photos:    photos,
		Processor: proc,
		Events:    events,
		StopChan:  make(chan struct{}),
		Pending:   make(map[string]bool),
		log:       log,
	}
	ip.Wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go ip.worker(i)
	}
	log.Infof("workers: started %d image processing worker(s) with queue size %d", numWorkers, queueSize)
	return ip
}

func (ip *ImageProcessor) worker(id int) {
	defer ip.Wg.Done()

	for {
		select {
		case job := <-ip.JobQueue:
			ip.log.Debugf("workers: worker %d received %s job for %s/%s", id, job.TaskType, job.Theme, job.Name)
			ip.process(job)

			ip.Mutex.Lock()
			delete(ip.Pending, job.key())
			ip.Mutex.Unlock()

		case <-ip.StopChan:
			ip.log.Debugf("workers: worker %d stopping", id)
			return
		}
	}
}

func (ip *ImageProcessor) process(job ImageJob) {
	var statusColumn string
	switch job.TaskType {
	case TaskThumbnail:
		statusColumn = database.TaskThumbnailColumn
	case TaskMetadata:
		statusColumn = database.TaskMetadataColumn
	default:
		ip.log.Errorf("workers: unknown task type '%s' for %s/%s", job.TaskType, job.Theme, job.Name)
		return
	}

	if err := database.MarkAssetTaskProcessing(ip.DB, job.Theme, job.Name, statusColumn); err != nil {
		ip.log.Errorf("workers: marking %s processing for %s/%s: %v, skipping job", job.TaskType, job.Theme, job.Name, err)
		return
	}

	srcPath, taskErr := ip.sourcePath(job)
	if taskErr == nil {
		switch job.TaskType {
		case TaskThumbnail:
			taskErr = ip.processThumbnailTask(job, srcPath)
		case TaskMetadata:
			taskErr = ip.processMetadataTask(job, srcPath)
		}
	} else if errors.Is(taskErr, errPhotoGone) {
		ip.forget(job)
	} else {
		ip.recordFailure(job, taskErr)
	}

	event := realtime.Event{
		Type:   realtime.EventTaskFinished,
		Theme:  job.Theme,
		Name:   job.Name,
		Task:   job.TaskType,
		Status: database.StatusDone,
	}
	if taskErr != nil {
		event.Status = database.StatusFailed
		event.Error = taskErr.Error()
	}
	if ip.Events != nil {
		ip.Events.Broadcast(event)
	}
}

func (ip *ImageProcessor) sourcePath(job ImageJob) (string, error) {
	srcPath, err := ip.Photos.FullPath(job.Theme, job.Name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(srcPath); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %v", errPhotoGone, err)
	} else if err != nil {
		return "", fmt.Errorf("failed to stat original file: %w", err)
	}
	return srcPath, nil
}

// forget drops the index record of a photo whose file has vanished.
func (ip *ImageProcessor) forget(job ImageJob) {
	ip.log.Warnf("workers: original of %s/%s is gone, dropping its record", job.Theme, job.Name)
	if err := database.DeleteAsset(ip.DB, job.Theme, job.Name); err != nil {
		ip.log.Errorf("workers: deleting record for %s/%s: %v", job.Theme, job.Name, err)
	}
}

func (ip *ImageProcessor) recordFailure(job ImageJob, taskErr error) {
	ip.log.Warnf("workers: skipping %s task for %s/%s: %v", job.TaskType, job.Theme, job.Name, taskErr)
	var dbErr error
	switch job.TaskType {
	case TaskThumbnail:
		dbErr = database.UpdateAssetThumbnailResult(ip.DB, job.Theme, job.Name, nil, nil, nil, taskErr)
	case TaskMetadata:
		dbErr = database.UpdateAssetMetadataResult(ip.DB, job.Theme, job.Name, nil, taskErr)
	}
	if dbErr != nil {
		ip.log.Errorf("workers: updating %s result for %s/%s: %v", job.TaskType, job.Theme, job.Name, dbErr)
	}
}

// processThumbnailTask generates the thumbnail and records the outcome
func (ip *ImageProcessor) processThumbnailTask(job ImageJob, srcPath string) error {
	var thumbPathPtr *string
	var widthPtr, heightPtr *int

	thumbPath, w, h, taskErr := ip.Processor.GenerateThumbnail(srcPath, job.Theme, job.Name)
	if taskErr != nil {
		taskErr = fmt.Errorf("thumbnail generation failed: %w", taskErr)
		ip.log.Errorf("workers: %s/%s: %v", job.Theme, job.Name, taskErr)
	} else {
		thumbPathPtr, widthPtr, heightPtr = &thumbPath, &w, &h
	}

	if dbErr := database.UpdateAssetThumbnailResult(ip.DB, job.Theme, job.Name, thumbPathPtr, widthPtr, heightPtr, taskErr); dbErr != nil {
		ip.log.Errorf("workers: updating thumbnail result for %s/%s: %v", job.Theme, job.Name, dbErr)
	}
	return taskErr
}

func (ip *ImageProcessor) processMetadataTask(job ImageJob, srcPath string) error {
	metadata, taskErr := ip.Processor.ExtractMetadata(srcPath)
	if taskErr != nil {
		ip.log.Errorf("workers: extracting metadata for %s/%s: %v", job.Theme, job.Name, taskErr)
	}

	if dbErr := database.UpdateAssetMetadataResult(ip.DB, job.Theme, job.Name, metadata, taskErr); dbErr != nil {
		ip.log.Errorf("workers: updating metadata result for %s/%s: %v", job.Theme, job.Name, dbErr)
	}
	return taskErr
}

// QueueJob queues a specific task if not already pending. It never blocks.
func (ip *ImageProcessor) QueueJob(job ImageJob) bool {
	pendingKey := job.key()

	ip.Mutex.Lock()
	if ip.Pending[pendingKey] {
		ip.Mutex.Unlock()
		return false
	}
	ip.Pending[pendingKey] = true
	ip.Mutex.Unlock()

	select {
	case ip.JobQueue <- job:
		if ip.OnQueued != nil {
			ip.OnQueued(job.TaskType)
		}
		return true
	default:
		ip.log.Warnf("workers: job queue full, dropping %s task for %s/%s", job.TaskType, job.Theme, job.Name)
		ip.Mutex.Lock()
		delete(ip.Pending, pendingKey)
		ip.Mutex.Unlock()
		return false
	}
}

// QueuePhoto queues every derived-asset task for a photo.
func (ip *ImageProcessor) QueuePhoto(themeID, name string) {
	ip.QueueJob(ImageJob{Theme: themeID, Name: name, TaskType: TaskThumbnail})
	ip.QueueJob(ImageJob{Theme: themeID, Name: name, TaskType: TaskMetadata})
}

// Stop waits for running jobs to finish. Queued jobs that have not started are
// abandoned and stay pending in the index.
func (ip *ImageProcessor) Stop() {
	ip.stopOnce.Do(func() {
		ip.log.Info("workers: stopping image processor workers")
		close(ip.StopChan)
		ip.Wg.Wait()
		ip.log.Info("workers: all image processor workers stopped")
	})
}

// ResumePending requeues tasks the index still marks as unfinished.
func (ip *ImageProcessor) ResumePending() (int, error) {
	assets, err := database.ListAssetsRequiringProcessing(ip.DB)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, a := range assets {
		if a.ThumbnailStatus != database.StatusDone && a.ThumbnailStatus != database.StatusFailed {
			if ip.QueueJob(ImageJob{Theme: a.Theme, Name: a.Name, TaskType: TaskThumbnail}) {
				queued++
			}
		}
		if a.MetadataStatus != database.StatusDone && a.MetadataStatus != database.StatusFailed {
			if ip.QueueJob(ImageJob{Theme: a.Theme, Name: a.Name, TaskType: TaskMetadata}) {
				queued++
			}
		}
	}
	return queued, nil
}

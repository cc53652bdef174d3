package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	apperr "github.com/meeting-tensor/platform/internal/errors"
	"github.com/meeting-tensor/platform/internal/metrics"
	"github.com/meeting-tensor/platform/internal/speech"
	"github.com/meeting-tensor/platform/internal/storage"
	"github.com/meeting-tensor/platform/internal/store"
	"github.com/meeting-tensor/platform/internal/trace"
)

// Canonicalizer converts a recording to the canonical mono waveform.
type Canonicalizer interface {
	Canonicalize(ctx context.Context, in string) (string, error)
}

// Uploader stores a file and returns a URL the batch provider can fetch.
type Uploader interface {
	Upload(ctx context.Context, path string) (storage.Object, error)
}

// Transcriber runs asynchronous diarized transcription jobs.
type Transcriber interface {
	Submit(ctx context.Context, audioURL string, opts speech.BatchOptions) (string, error)
	Await(ctx context.Context, taskID string) ([]json.RawMessage, error)
}

// Store is the persistence the job writes reconciled segments into.
type Store interface {
	ReplaceSegments(ctx context.Context, meetingID string, segs []store.Segment) error
	UpdateDuration(ctx context.Context, meetingID string, durationMS int64) error
}

// Job runs the offline pipeline for one recording: canonicalize, upload, transcribe,
// normalize, replace.
type Job struct {
	media      Canonicalizer
	uploader   Uploader
	batch      Transcriber
	store      Store
	normalizer *Normalizer
	metrics    *metrics.Metrics
	opts       speech.BatchOptions
}

// NewJob wires a job from its collaborators. Diarization is always requested.
func NewJob(media Canonicalizer, up Uploader, batch Transcriber, st Store, m *metrics.Metrics) *Job {
	return &Job{
		media:      media,
		uploader:   up,
		batch:      batch,
		store:      st,
		normalizer: NewNormalizer(),
		metrics:    m,
		opts:       speech.BatchOptions{Diarization: true},
	}
}

// Result summarizes a successful run.
type Result struct {
	TaskID     string
	Sentences  int
	DurationMS int64
	Uploaded   bool
}

// Run reconciles audioPath into meetingID. Live segments are replaced only after the
// batch result normalized into at least one sentence; on any failure they are left as is.
func (j *Job) Run(ctx context.Context, meetingID, audioPath string) (Result, error) {
	ctx = trace.WithSession(ctx, trace.Session{MeetingID: meetingID})
	ctx, span := trace.StartSpan(ctx, "reconcile")
	defer span.End()
	log := trace.Logger(ctx)

	var res Result
	canonical, err := j.media.Canonicalize(ctx, audioPath)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := os.Remove(canonical); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Debug("remove canonical audio failed", "error", err)
		}
	}()

	obj, err := j.uploader.Upload(ctx, canonical)
	if err != nil {
		return res, err
	}
	res.Uploaded = !obj.Existed
	if obj.Existed {
		j.metrics.RecordUploadSkipped()
	}
	span.SetAttr("object", obj.Key)

	taskID, err := j.batch.Submit(ctx, obj.URL, j.opts)
	if err != nil {
		return res, err
	}
	res.TaskID = taskID
	span.SetAttr("task_id", taskID)
	log.Info("batch transcription submitted", "task_id", taskID, "object", obj.Key, "uploaded", res.Uploaded)

	docs, err := j.batch.Await(ctx, taskID)
	if err != nil {
		return res, err
	}
	sentences, err := j.normalizer.Normalize(docs)
	if err != nil {
		return res, err
	}
	if len(sentences) == 0 {
		return res, apperr.New(apperr.CodeBatchShapeUnknown, "batch result contained no sentences").
			WithMetadata("task_id", taskID)
	}

	segs := make([]store.Segment, len(sentences))
	for i, s := range sentences {
		segs[i] = store.Segment{
			Text:    s.Text,
			Speaker: s.SpeakerID,
			StartMS: s.StartMS,
			EndMS:   s.EndMS,
			Source:  store.SourceBatch,
		}
		res.DurationMS = max(res.DurationMS, s.EndMS)
	}
	if err := j.store.ReplaceSegments(ctx, meetingID, segs); err != nil {
		return res, err
	}
	res.Sentences = len(segs)
	if res.DurationMS > 0 {
		if err := j.store.UpdateDuration(ctx, meetingID, res.DurationMS); err != nil {
			log.Warn("update duration failed", "error", err)
		}
	}
	span.SetAttr("sentences", res.Sentences)
	log.Info("meeting reconciled", "sentences", res.Sentences, "duration", time.Duration(res.DurationMS)*time.Millisecond)
	return res, nil
}

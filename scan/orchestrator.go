package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/catscan/models"
	"github.com/Tutortoise/catscan/severity"
)

var (
	ErrBusy    = errors.New("a scan is already in progress")
	ErrNoCat   = errors.New("no cat detected")
	ErrPanic   = errors.New("inference panicked")
	errNoPhoto = errors.New("no photo supplied")
)

const eventBuffer = 32

type PresenceDetector interface {
	Detect(ctx context.Context, photo *models.EncodedPhoto) (models.DetectionResult, error)
}

type FaceLocator interface {
	Locate(ctx context.Context, photo *models.EncodedPhoto) (models.CropResult, error)
}

type SeverityClassifier interface {
	Classify(ctx context.Context, photo *models.EncodedPhoto) (severity.Result, error)
}

// Outcome is what a successful scan hands to the presentation layer.
type Outcome struct {
	SessionID   string                  `json:"session_id"`
	Crop        models.CropResult       `json:"-"`
	Box         models.BoundingBox      `json:"box"`
	Category    models.SeverityCategory `json:"category"`
	Score       float32                 `json:"score"`
	Description string                  `json:"description"`
}

// Event is one observable transition.
type Event struct {
	SessionID  string              `json:"session_id"`
	Stage      Stage               `json:"stage"`
	Label      string              `json:"stage_label"`
	StatusText string              `json:"status_text,omitempty"`
	Message    string              `json:"message,omitempty"`
	Box        *models.BoundingBox `json:"box,omitempty"`
	Outcome    *Outcome            `json:"outcome,omitempty"`
	At         time.Time           `json:"at"`
}

// Status is a read-only snapshot of the orchestrator.
type Status struct {
	SessionID  string              `json:"session_id,omitempty"`
	Stage      Stage               `json:"stage"`
	Label      string              `json:"stage_label"`
	StatusText string              `json:"status_text,omitempty"`
	Message    string              `json:"message,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	Box        *models.BoundingBox `json:"box,omitempty"`
	Outcome    *Outcome            `json:"outcome,omitempty"`
}

// session is one scan. Only the orchestrator mutates it, under its lock.
type session struct {
	id        string
	photo     *models.EncodedPhoto
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	timings   models.StageTimings
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithPacing(p Pacing) Option {
	return func(o *Orchestrator) { o.pacing = p }
}

// WithDebugTimings logs a per-stage timing breakdown for every finished scan.
func WithDebugTimings(enabled bool) Option {
	return func(o *Orchestrator) { o.debug = enabled }
}

// Orchestrator drives one scan at a time through the stage machine.
type Orchestrator struct {
	detector   PresenceDetector
	locator    FaceLocator
	classifier SeverityClassifier
	pacing     Pacing
	clock      clock.Clock
	log        *logrus.Entry
	debug      bool

	mu          sync.Mutex
	stage       Stage
	current     *session
	message     string
	box         *models.BoundingBox
	last        *Outcome
	subscribers map[int]chan Event
	nextSub     int
	wg          sync.WaitGroup
}

func New(detector PresenceDetector, locator FaceLocator, classifier SeverityClassifier, log *logrus.Entry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		detector:    detector,
		locator:     locator,
		classifier:  classifier,
		pacing:      DefaultPacing(),
		clock:       clock.New(),
		log:         log.WithField("component", "scan"),
		subscribers: make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a scan of photo and returns its session id. It fails with
// ErrBusy while another session is active. A missing photo still starts a
// session, which goes straight to the error display.
func (o *Orchestrator) Start(photo *models.EncodedPhoto) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		return "", ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		photo:     photo,
		startedAt: o.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.timings.SessionID = s.id

	o.current = s
	o.stage = Idle
	o.message = ""
	o.box = nil
	o.last = nil

	o.log.WithField("session_id", s.id).Info("scan started")

	o.wg.Add(1)
	go o.run(s)

	return s.id, nil
}

// Cancel abandons the active session. The orchestrator is Idle when Cancel
// returns; any model call still running has its result discarded.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.current
	if s == nil {
		return false
	}
	s.cancel()

	o.log.WithFields(logrus.Fields{
		"session_id": s.id,
		"stage":      o.stage.String(),
	}).Info("scan cancelled")

	o.resetLocked(s)
	return true
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Stage:      o.stage,
		Label:      o.stage.Label(),
		StatusText: o.stage.StatusText(),
		Message:    o.message,
		Box:        o.box,
		Outcome:    o.last,
	}
	if o.current != nil {
		st.SessionID = o.current.id
		started := o.current.startedAt
		st.StartedAt = &started
	}
	return st
}

// LastOutcome returns the result of the most recent successful scan, kept
// until the next Start.
func (o *Orchestrator) LastOutcome() (*Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, o.last != nil
}

// Subscribe returns a stream of events and a function that ends it. Slow
// subscribers lose events rather than stall the scan.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	ch := make(chan Event, eventBuffer)
	o.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subscribers, id)
			close(ch)
		})
	}
}

// Wait blocks until every session goroutine, cancelled ones included, has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(s *session) {
	defer o.wg.Done()
	log := o.log.WithField("session_id", s.id)

	if s.photo.Empty() {
		o.fail(s, log, errNoPhoto)
		return
	}

	if !sleep(s.ctx, o.clock, o.pacing.LeadIn) {
		return
	}

	// DetectingCat
	if !o.enter(s, DetectingCat) {
		return
	}
	detection, err := runStage(o, s, log, DetectingCat, &s.timings.Detect, func(ctx context.Context) (models.DetectionResult, error) {
		return o.detector.Detect(ctx, s.photo)
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(s, log, err)
		return
	}
	if !detection.Present {
		log.WithField("confidence", detection.Confidence).Info("no cat in photo")
		o.fail(s, log, ErrNoCat)
		return
	}

	// LocatingFace
	if !sleep(s.ctx, o.clock, o.pacing.StagePause) || !o.enter(s, LocatingFace) {
		return
	}
	crop, err := runStage(o, s, log, LocatingFace, &s.timings.Locate, func(ctx context.Context) (models.CropResult, error) {
		return o.locator.Locate(ctx, s.photo)
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(s, log, err)
		return
	}
	if !o.showBox(s, crop.Box) || !sleep(s.ctx, o.clock, o.pacing.BoxDisplay) {
		return
	}

	// ClassifyingSeverity
	if !sleep(s.ctx, o.clock, o.pacing.StagePause) || !o.enter(s, ClassifyingSeverity) {
		return
	}
	result, err := runStage(o, s, log, ClassifyingSeverity, &s.timings.Classify, func(ctx context.Context) (severity.Result, error) {
		return o.classifier.Classify(ctx, &crop.Photo)
	})
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(s, log, err)
		return
	}

	outcome := &Outcome{
		SessionID:   s.id,
		Crop:        crop,
		Box:         crop.Box,
		Category:    result.Category,
		Score:       result.Score,
		Description: severity.Description(result.Category),
	}
	if !o.complete(s, outcome) {
		return
	}

	o.mu.Lock()
	s.timings.Total = o.clock.Since(s.startedAt)
	timings := s.timings
	o.mu.Unlock()

	log.WithFields(logrus.Fields{
		"category": result.Category.String(),
		"score":    result.Score,
	}).Info("scan complete")
	o.logTimings(timings)
}

// runStage awaits one paced model call and records how long the model took.
func runStage[T any](o *Orchestrator, s *session, log *logrus.Entry, stage Stage, spent *time.Duration, call func(context.Context) (T, error)) (T, error) {
	stageStart := o.clock.Now()
	v, err := paced(s.ctx, o.clock, o.pacing.MinStage, func(ctx context.Context) (T, error) {
		start := time.Now()
		defer func() {
			o.mu.Lock()
			*spent = time.Since(start)
			s.timings.InferenceTotal += *spent
			o.mu.Unlock()
		}()
		return call(ctx)
	})

	entry := log.WithFields(logrus.Fields{
		"stage":      stage.String(),
		"elapsed_ms": o.clock.Since(stageStart).Milliseconds(),
	})
	switch {
	case s.ctx.Err() != nil:
		entry.Debug("stage abandoned")
	case err != nil:
		entry.WithError(err).Warn("stage failed")
	default:
		entry.Debug("stage finished")
	}
	return v, err
}

func (o *Orchestrator) enter(s *session, stage Stage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != s {
		return false
	}
	o.stage = stage
	o.box = nil
	o.publishLocked(Event{SessionID: s.id, Stage: stage})
	return true
}

func (o *Orchestrator) showBox(s *session, box models.BoundingBox) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != s {
		return false
	}
	o.box = &box
	o.publishLocked(Event{SessionID: s.id, Stage: o.stage, Box: &box})
	return true
}

func (o *Orchestrator) complete(s *session, outcome *Outcome) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != s {
		return false
	}
	o.stage = Done
	o.box = nil
	o.last = outcome
	o.publishLocked(Event{SessionID: s.id, Stage: Done, Outcome: outcome})
	o.resetLocked(s)
	return true
}

// fail shows the user-facing message for err, then returns to Idle.
func (o *Orchestrator) fail(s *session, log *logrus.Entry, err error) {
	msg := messageFor(err)

	o.mu.Lock()
	if o.current != s {
		o.mu.Unlock()
		return
	}
	o.stage = Error
	o.message = msg
	o.box = nil
	o.publishLocked(Event{SessionID: s.id, Stage: Error, Message: msg})
	o.mu.Unlock()

	entry := log.WithField("message", msg)
	if errors.Is(err, ErrNoCat) || errors.Is(err, errNoPhoto) {
		entry.Info("scan ended")
	} else {
		entry.WithError(err).Error("scan failed")
	}

	sleep(s.ctx, o.clock, o.pacing.ErrorDisplay)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == s {
		o.resetLocked(s)
	}
}

func (o *Orchestrator) resetLocked(s *session) {
	o.current = nil
	o.stage = Idle
	o.message = ""
	o.box = nil
	o.publishLocked(Event{SessionID: s.id, Stage: Idle})
}

func (o *Orchestrator) publishLocked(ev Event) {
	ev.Label = ev.Stage.Label()
	ev.StatusText = ev.Stage.StatusText()
	ev.At = o.clock.Now()

	for id, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			o.log.WithFields(logrus.Fields{
				"subscriber": id,
				"stage":      ev.Stage.String(),
			}).Warn("event dropped for slow subscriber")
		}
	}
}

func (o *Orchestrator) logTimings(t models.StageTimings) {
	if !o.debug {
		return
	}
	o.log.WithFields(logrus.Fields{
		"session_id": t.SessionID,
		"detect":     t.Detect.String(),
		"locate":     t.Locate.String(),
		"classify":   t.Classify.String(),
		"inference":  t.InferenceTotal.String(),
		"total":      t.Total.String(),
	}).Debug("scan timings")
}

// messageFor maps a pipeline error to the text shown to the user.
func messageFor(err error) string {
	switch {
	case errors.Is(err, errNoPhoto):
		return MsgNoPhoto
	case errors.Is(err, ErrNoCat):
		return MsgNoCat
	case errors.Is(err, models.ErrGeometry):
		return MsgCroppingError
	default:
		return MsgScanError
	}
}

package service

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/nutrify/internal/domain"
	"github.com/timmy/nutrify/internal/logger"
	"github.com/timmy/nutrify/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxAttempts = 4
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	backoffJitter      = 0.20
)

// HistoryStore persists finished analyses.
type HistoryStore interface {
	Append(ctx context.Context, userID string, rec domain.NutritionRecord, score domain.HealthScore, imageRef string) (*domain.HistoryEntry, error)
	ListFor(ctx context.Context, userID string, page domain.Page) ([]domain.HistoryEntry, error)
}

// ProfileSource looks up personalization inputs. A nil profile with a
// nil error means the user has none.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// AnalysisConfig holds the retry policy of the model stage.
type AnalysisConfig struct {
	// MaxAttempts counts the first call, so 4 means up to 3 retries.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// CallTimeout bounds each model call, not the whole run.
	CallTimeout time.Duration
}

// PipelineDeps are the collaborators of an AnalysisPipeline. History,
// Images and Profiles are optional.
type PipelineDeps struct {
	Preprocessor *ImagePreprocessor
	Prompts      *PromptBuilder
	Model        ModelClient
	Parser       *ResponseParser
	Scorer       *HealthScorer
	History      HistoryStore
	Images       storage.ObjectStorage
	Profiles     ProfileSource
}

// AnalysisRequest is one image submitted for analysis.
type AnalysisRequest struct {
	UserID       string
	Image        []byte
	DeclaredMIME string
	// Profile overrides the stored profile when set.
	Profile *domain.UserProfile
	// ImageRef is recorded when no object storage is configured, for hosts
	// that keep the upload themselves.
	ImageRef string
}

// AnalysisPipeline runs one request through preprocessing, the model call,
// parsing, scoring and persistence. Runs share no mutable state, so one
// pipeline serves any number of concurrent requests.
type AnalysisPipeline struct {
	deps   PipelineDeps
	cfg    AnalysisConfig
	tracer trace.Tracer

	now    func() time.Time
	newID  func() string
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewAnalysisPipeline creates a pipeline.
// Parameters:
//   - deps: components; Preprocessor, Prompts, Model, Parser and Scorer are required.
//   - cfg: retry policy; zero values use the defaults.
//
// Returns:
//   - *AnalysisPipeline: ready pipeline.
func NewAnalysisPipeline(deps PipelineDeps, cfg AnalysisConfig) *AnalysisPipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if deps.Preprocessor == nil {
		deps.Preprocessor = NewImagePreprocessor(ImageConfig{})
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptBuilder()
	}
	if deps.Parser == nil {
		deps.Parser = NewResponseParser()
	}
	if deps.Scorer == nil {
		deps.Scorer = NewHealthScorer()
	}
	return &AnalysisPipeline{
		deps:   deps,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/timmy/nutrify/internal/service"),
		now:    time.Now,
		newID:  uuid.NewString,
		sleep:  sleepContext,
		jitter: jitterDuration,
	}
}

// MaxImageBytes is the upload ceiling enforced by the preprocessor.
func (p *AnalysisPipeline) MaxImageBytes() int64 {
	return p.deps.Preprocessor.MaxBytes()
}

// Analyze runs one request to completion or failure. The result is
// returned in both cases; on failure State is failed, FailedAt names the
// stage and err is a *domain.Error. A persistence failure still carries
// the nutrition record and score with Saved false.
func (p *AnalysisPipeline) Analyze(ctx context.Context, req AnalysisRequest) (*domain.AnalysisResult, error) {
	res := &domain.AnalysisResult{
		ID:        p.newID(),
		UserID:    req.UserID,
		State:     domain.StateReceived,
		Stages:    []domain.StageRecord{},
		StartedAt: p.now().UTC(),
	}
	ctx = logger.SetAnalysisID(ctx, res.ID)
	if req.UserID != "" {
		ctx = logger.SetUserID(ctx, req.UserID)
	}
	ctx, span := p.tracer.Start(ctx, "analysis", trace.WithAttributes(
		attribute.String("analysis.id", res.ID),
		attribute.String("model.provider", p.deps.Model.Name()),
	))
	defer span.End()

	err := p.run(ctx, res, req)
	if err != nil {
		res.FailedAt = res.State
		res.State = domain.StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		logger.With(logger.Fields{
			logger.FieldStage:     string(res.FailedAt),
			logger.FieldErrorKind: string(domain.KindOf(err)),
			logger.FieldAttempt:   res.Attempts,
		}).WithError(err).Warn(ctx, "Analysis failed")
		return res, err
	}

	res.State = domain.StateCompleted
	logger.With(logger.Fields{
		logger.FieldScore:      res.Score.Score,
		logger.FieldAttempt:    res.Attempts,
		logger.FieldDurationMs: p.now().Sub(res.StartedAt).Milliseconds(),
	}).Info(ctx, "Analysis completed: %s (saved=%t)", res.Nutrition.MealName, res.Saved)
	return res, nil
}

func (p *AnalysisPipeline) run(ctx context.Context, res *domain.AnalysisResult, req AnalysisRequest) error {
	var (
		asset   *domain.ImageAsset
		profile = req.Profile
		prompt  *PromptRequest
		raw     *RawModelOutput
	)

	err := p.stage(ctx, res, domain.StatePreprocessing, func(ctx context.Context) error {
		var err error
		asset, err = p.deps.Preprocessor.Prepare(req.Image, req.DeclaredMIME)
		if err == nil {
			logger.With(logger.Fields{
				logger.FieldSize: asset.Size,
				"mime":           asset.MIMEType,
				"resized":        asset.Resized,
			}).Debug(ctx, "Image prepared")
		}
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, domain.StatePrompting, func(ctx context.Context) error {
		if profile == nil {
			profile = p.loadProfile(ctx, req.UserID)
		}
		var err error
		prompt, err = p.deps.Prompts.Build(asset, profile)
		return err
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, domain.StateAwaitingModel, func(ctx context.Context) error {
		var err error
		raw, err = p.invokeWithRetry(ctx, res, prompt)
		return err
	})
	// The encoded image is not needed past the model call.
	prompt.ImageData = nil
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, domain.StateParsing, func(ctx context.Context) error {
		rec, err := p.deps.Parser.Parse(raw)
		if err != nil {
			logger.With(logger.Fields{
				logger.FieldErrorKind: string(domain.KindOf(err)),
				logger.FieldSize:      int64(len(raw.Text)),
			}).Warn(ctx, "Model output rejected: %s", truncate(raw.Text, 200))
			return err
		}
		res.Nutrition = rec
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, res, domain.StateScoring, func(ctx context.Context) error {
		score := p.deps.Scorer.ScoreFor(res.Nutrition, profile)
		res.Score = &score
		return nil
	})
	if err != nil {
		return err
	}

	if p.deps.History == nil || req.UserID == "" {
		return nil
	}
	return p.stage(ctx, res, domain.StatePersisting, func(ctx context.Context) error {
		return p.persist(ctx, res, req, asset)
	})
}

// stage moves res into state, runs fn in its own span and records the
// duration. A canceled context fails the stage before fn runs.
func (p *AnalysisPipeline) stage(ctx context.Context, res *domain.AnalysisResult, state domain.AnalysisState, fn func(ctx context.Context) error) error {
	res.State = state
	if err := ctx.Err(); err != nil {
		return canceledError(err)
	}

	ctx = logger.SetStage(ctx, string(state))
	ctx, span := p.tracer.Start(ctx, "analysis."+string(state))
	defer span.End()

	started := p.now()
	err := fn(ctx)
	res.Stages = append(res.Stages, domain.StageRecord{
		State:      state,
		DurationMs: p.now().Sub(started).Milliseconds(),
	})
	if err != nil {
		err = asDomainError(err, state)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
	}
	return err
}

// invokeWithRetry calls the model until it succeeds, fails with a
// non-retryable error, or MaxAttempts calls have been made.
func (p *AnalysisPipeline) invokeWithRetry(ctx context.Context, res *domain.AnalysisResult, prompt *PromptRequest) (*RawModelOutput, error) {
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		started := p.now()
		out, err := p.deps.Model.Invoke(ctx, prompt, p.cfg.CallTimeout)
		entry := logger.With(logger.Fields{
			logger.FieldProvider: p.deps.Model.Name(),
		}).WithAttempt(attempt).WithDuration(p.now().Sub(started).Milliseconds())
		if err == nil {
			entry.Debug(ctx, "Model call succeeded")
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, canceledError(ctxErr)
		}
		if !domain.IsRetryable(err) || attempt >= p.cfg.MaxAttempts {
			return nil, err
		}

		wait := p.backoff(attempt, err)
		entry.WithError(err).WithField("backoff_ms", wait.Milliseconds()).Warn(ctx, "Model call failed, retrying")
		if err := p.sleep(ctx, wait); err != nil {
			return nil, canceledError(err)
		}
	}
}

// backoff returns the wait after the given failed attempt: base doubled
// per attempt, capped, with jitter. A provider Retry-After wins when it is
// longer, still bounded by MaxBackoff.
func (p *AnalysisPipeline) backoff(attempt int, err error) time.Duration {
	d := time.Duration(float64(p.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > p.cfg.MaxBackoff || d <= 0 {
		d = p.cfg.MaxBackoff
	}
	d = p.jitter(d)
	if de, ok := domain.AsError(err); ok && de.RetryAfter > d {
		d = de.RetryAfter
	}
	if d > p.cfg.MaxBackoff {
		d = p.cfg.MaxBackoff
	}
	return d
}

// persist stores the original image, then appends the history entry. The
// image is removed again if the entry cannot be written.
func (p *AnalysisPipeline) persist(ctx context.Context, res *domain.AnalysisResult, req AnalysisRequest, asset *domain.ImageAsset) error {
	imageRef := req.ImageRef
	key := ""
	if p.deps.Images != nil {
		key = storage.MealImageKey(req.UserID, res.ID, asset.Extension())
		if err := p.deps.Images.Upload(ctx, key, bytes.NewReader(asset.Data), asset.Size, asset.MIMEType); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				p.discardImage(ctx, key)
				return canceledError(ctxErr)
			}
			return domain.NewError(domain.KindPersistence, "failed to store meal image", err)
		}
		imageRef = p.deps.Images.GetURL(key)
	}

	// Last point at which cancellation still leaves no trace.
	if err := ctx.Err(); err != nil {
		p.discardImage(ctx, key)
		return canceledError(err)
	}

	entry, err := p.deps.History.Append(ctx, req.UserID, *res.Nutrition, *res.Score, imageRef)
	if err != nil {
		p.discardImage(ctx, key)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return canceledError(ctxErr)
		}
		if _, ok := domain.AsError(err); !ok {
			err = domain.NewError(domain.KindPersistence, "failed to save analysis", err)
		}
		return err
	}
	res.Entry = entry
	res.Saved = true
	return nil
}

func (p *AnalysisPipeline) discardImage(ctx context.Context, key string) {
	if key == "" {
		return
	}
	// The request context may already be done; cleanup must still run.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.deps.Images.Delete(cleanupCtx, key); err != nil {
		logger.With(logger.Fields{"key": key}).WithError(err).Error(ctx, "Failed to remove orphaned meal image")
	}
}

func (p *AnalysisPipeline) loadProfile(ctx context.Context, userID string) *domain.UserProfile {
	if p.deps.Profiles == nil || userID == "" {
		return nil
	}
	profile, err := p.deps.Profiles.Get(ctx, userID)
	if err != nil {
		// Personalization is optional; analyze without it.
		logger.CtxWarn(ctx, "Profile lookup failed: %v", err)
		return nil
	}
	return profile
}

// History lists a user's stored analyses, most recent first.
func (p *AnalysisPipeline) History(ctx context.Context, userID string, page domain.Page) ([]domain.HistoryEntry, error) {
	if p.deps.History == nil {
		return []domain.HistoryEntry{}, nil
	}
	return p.deps.History.ListFor(ctx, userID, page)
}

func canceledError(cause error) error {
	return domain.NewError(domain.KindCanceled, "analysis canceled", cause)
}

// asDomainError gives untyped errors a kind so callers can always
// classify a failure. Only the model stage can blame the provider.
func asDomainError(err error, state domain.AnalysisState) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return canceledError(err)
	}
	if state == domain.StateAwaitingModel {
		return domain.NewError(domain.KindProvider, "unexpected model failure", err)
	}
	return domain.NewError(domain.KindInternal, "unexpected failure", err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitterDuration spreads d uniformly over ±20%.
func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * backoffJitter
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

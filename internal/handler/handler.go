package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dmorgan81/imagegen/internal/activity"
	"github.com/dmorgan81/imagegen/internal/cache"
	"github.com/dmorgan81/imagegen/internal/feed"
	"github.com/dmorgan81/imagegen/internal/httpx"
	"github.com/dmorgan81/imagegen/internal/image"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/metrics"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/do"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxBodyBytes = 1 << 20

var tracer = otel.Tracer("github.com/dmorgan81/imagegen/internal/handler")

type Input struct {
	ModelChoice model.Key        `json:"model_choice"`
	AspectRatio image.Aspect     `json:"aspect_ratio" validate:"oneof=portrait landscape"`
	Resolution  image.Resolution `json:"resolution" validate:"oneof=low medium high"`
	Prompt      string           `json:"prompt" validate:"required"`
}

// Deps are the collaborators a Handler serves requests with.
type Deps struct {
	Registry   *model.Registry
	Cache      *cache.Manager
	Device     image.Device
	Uploader   store.Uploader
	Feed       *feed.Generator
	Metrics    *metrics.Metrics
	Activity   *activity.Log
	CORSOrigin string
}

type Handler struct {
	registry *model.Registry
	cache    *cache.Manager
	device   image.Device
	uploader store.Uploader
	feed     *feed.Generator
	metrics  *metrics.Metrics
	activity *activity.Log
	validate *validator.Validate
	http     http.Handler
}

func NewHandler(i *do.Injector) (*Handler, error) {
	return New(do.MustInvoke[context.Context](i), Deps{
		Registry:   do.MustInvoke[*model.Registry](i),
		Cache:      do.MustInvoke[*cache.Manager](i),
		Device:     do.MustInvokeNamed[image.Device](i, "device"),
		Uploader:   do.MustInvoke[store.Uploader](i),
		Feed:       do.MustInvoke[*feed.Generator](i),
		Metrics:    do.MustInvoke[*metrics.Metrics](i),
		Activity:   do.MustInvoke[*activity.Log](i),
		CORSOrigin: do.MustInvokeNamed[string](i, "cors_origin"),
	}), nil
}

func New(ctx context.Context, d Deps) *Handler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	h := &Handler{
		registry: d.Registry,
		cache:    d.Cache,
		device:   d.Device,
		uploader: lo.Ternary[store.Uploader](d.Uploader != nil, d.Uploader, store.Discard{}),
		feed:     d.Feed,
		metrics:  d.Metrics,
		activity: d.Activity,
		validate: validate,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("POST /generate", h.generate)
	mux.HandleFunc("GET /models", h.models)
	if h.feed != nil {
		mux.HandleFunc("GET /feed", h.rss)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	var rec httpx.Recorder
	if h.metrics != nil {
		rec = h.metrics
	}
	h.http = httpx.Chain(ctx, httpx.CORS{AllowOrigin: d.CORSOrigin}, rec, mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.http.ServeHTTP(w, r)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "Server is running"})
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&input); err != nil {
		h.fail(ctx, w, invalid("Request body must be a JSON object with prompt, model_choice, aspect_ratio and resolution.", err))
		return
	}

	variant, size, err := h.check(&input)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}

	logger := log.FromContextOrDiscard(ctx).WithGroup("generate").With(
		"model", variant.ID,
		"height", size.Height,
		"width", size.Width,
	)
	ctx = log.NewContext(ctx, logger)

	params := image.Params{
		Prompt: input.Prompt,
		Height: size.Height,
		Width:  size.Width,
		Steps:  h.device.Steps(),
	}
	png, err := h.render(ctx, variant, params)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	logger.Info("image generated", "bytes", len(png))

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", "attachment; filename=generated_image.png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		logger.Warn("writing image", "error", err)
	}

	h.archive(context.WithoutCancel(ctx), variant, params, png)
}

// check validates input in the order clients rely on: the model choice
// first, then the remaining fields.
func (h *Handler) check(input *Input) (model.Variant, image.Size, error) {
	variant, err := h.registry.Lookup(input.ModelChoice)
	if err != nil {
		return model.Variant{}, image.Size{}, err
	}

	input.Prompt = strings.TrimSpace(input.Prompt)
	if err := h.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.Variant{}, image.Size{}, invalid(fieldDetail(verrs[0].Field()), err)
		}
		return model.Variant{}, image.Size{}, invalid("Invalid request.", err)
	}

	size, err := image.Dimensions(input.AspectRatio, input.Resolution)
	if err != nil {
		return model.Variant{}, image.Size{}, invalid(err.Error(), err)
	}
	return variant, size, nil
}

func fieldDetail(field string) string {
	switch field {
	case "aspect_ratio":
		return "Invalid aspect ratio. Choose 'portrait' or 'landscape'."
	case "resolution":
		return "Invalid resolution. Choose 'low', 'medium' or 'high'."
	case "prompt":
		return "Prompt must not be empty."
	}
	return fmt.Sprintf("Invalid %s.", field)
}

// render holds a lease on the pipeline only for the duration of the call.
func (h *Handler) render(ctx context.Context, variant model.Variant, params image.Params) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "handler.generate")
	span.SetAttributes(
		attribute.String("model", variant.ID),
		attribute.Int("height", params.Height),
		attribute.Int("width", params.Width),
		attribute.Int("steps", params.Steps),
	)
	defer span.End()

	lease, err := h.cache.Acquire(ctx, variant.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer lease.Release()

	start := time.Now()
	png, err := call(ctx, lease.Pipeline(), params)
	elapsed := time.Since(start)
	h.metrics.Generated(variant.ID, elapsed, err)

	note := fmt.Sprintf("%dx%d in %s", params.Width, params.Height, elapsed.Round(time.Millisecond))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.activity.Add(activity.Event{Type: activity.EventGenerateFailed, Model: variant.ID, Note: err.Error()})
		return nil, &generationError{err}
	}
	h.activity.Add(activity.Event{Type: activity.EventGenerated, Model: variant.ID, Note: note})
	return png, nil
}

func call(ctx context.Context, p image.Pipeline, params image.Params) (png []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			png, err = nil, fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	png, err = p.Generate(ctx, params)
	if err == nil && len(png) == 0 {
		err = errors.New("pipeline returned no image")
	}
	return png, err
}

func (h *Handler) archive(ctx context.Context, variant model.Variant, params image.Params, png []byte) {
	err := h.uploader.Upload(ctx, store.UploadParams{
		Name:        uuid.NewString() + ".png",
		Data:        png,
		ContentType: "image/png",
		Metadata: map[string]string{
			"model":  variant.ID,
			"prompt": url.QueryEscape(params.Prompt),
			"height": strconv.Itoa(params.Height),
			"width":  strconv.Itoa(params.Width),
			"steps":  strconv.Itoa(params.Steps),
		},
	})
	if err != nil {
		log.FromContextOrDiscard(ctx).Warn("archiving image failed", "error", err)
	}
}

type modelStatus struct {
	ModelChoice model.Key  `json:"model_choice"`
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Loaded      bool       `json:"loaded"`
	InUse       int        `json:"in_use"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

func (h *Handler) models(w http.ResponseWriter, _ *http.Request) {
	out := lo.Map(h.cache.Statuses(), func(s cache.Status, _ int) modelStatus {
		return modelStatus{
			ModelChoice: s.Variant.Key,
			ID:          s.Variant.ID,
			Name:        s.Variant.Name,
			Loaded:      s.Loaded,
			InUse:       s.Leases,
			LastUsed:    lo.Ternary(s.Loaded, &s.LastUsed, nil),
		}
	})
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) rss(w http.ResponseWriter, r *http.Request) {
	body, err := h.feed.Generate(r.Context())
	if err != nil {
		h.fail(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write(body)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	code, detail := h.classify(err)
	log := log.FromContextOrDiscard(ctx)
	if code >= http.StatusInternalServerError {
		log.Error("request failed", "status", code, "error", err)
	} else {
		log.Info("request rejected", "status", code, "error", err)
	}
	httpx.WriteError(w, code, detail)
}

func (h *Handler) classify(err error) (int, string) {
	var (
		perr *paramError
		gerr *generationError
	)
	switch {
	case errors.Is(err, model.ErrInvalidKey):
		return http.StatusBadRequest, fmt.Sprintf("Invalid model choice. Choose %s.", h.registry.Choices())
	case errors.As(err, &perr):
		return http.StatusBadRequest, perr.detail
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable, "Service is shutting down."
	case errors.Is(err, cache.ErrConstruction):
		return http.StatusInternalServerError, "Error loading model: " + err.Error()
	case errors.As(err, &gerr):
		return http.StatusInternalServerError, "Error generating image: " + gerr.err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled before the model was ready."
	}
	return http.StatusInternalServerError, err.Error()
}

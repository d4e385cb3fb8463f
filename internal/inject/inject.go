package inject

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/imagegen/internal/activity"
	"github.com/dmorgan81/imagegen/internal/cache"
	"github.com/dmorgan81/imagegen/internal/config"
	"github.com/dmorgan81/imagegen/internal/feed"
	"github.com/dmorgan81/imagegen/internal/handler"
	"github.com/dmorgan81/imagegen/internal/image"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/metrics"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/dmorgan81/imagegen/internal/param"
	"github.com/dmorgan81/imagegen/internal/store"
	"github.com/dmorgan81/imagegen/internal/sweep"
	"github.com/samber/do"
)

const probeTimeout = 10 * time.Second

func Setup(ctx context.Context, cfg *config.Config) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})
	do.ProvideValue[context.Context](injector, ctx)

	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx)
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, &http.Client{Timeout: cfg.Pipeline.Timeout})

	do.ProvideNamedValue[string](injector, "pipeline_url", cfg.Pipeline.URL)
	do.ProvideNamed[string](injector, "pipeline_key", func(i *do.Injector) (string, error) {
		if cfg.Pipeline.KeyParam == "" {
			return cfg.Pipeline.Key, nil
		}
		return do.MustInvoke[param.Fetcher](i).Fetch(ctx, cfg.Pipeline.KeyParam)
	})
	do.ProvideNamedValue[time.Duration](injector, "idle_threshold", cfg.IdleThreshold)
	do.ProvideNamedValue[time.Duration](injector, "sweep_interval", cfg.SweepInterval)
	do.ProvideNamedValue[string](injector, "archive_bucket", cfg.Archive.Bucket)
	do.ProvideNamedValue[string](injector, "archive_prefix", cfg.Archive.Prefix)
	do.ProvideNamedValue[string](injector, "cors_origin", cfg.CORSOrigin)
	do.ProvideNamedValue[string](injector, "public_url", cfg.PublicURL)

	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)
	do.Provide[store.Uploader](injector, store.NewUploader)
	do.Provide[*model.Registry](injector, func(i *do.Injector) (*model.Registry, error) {
		return model.NewRegistry(cfg.Models)
	})
	do.Provide[*image.HTTPLoader](injector, image.NewHTTPLoader)
	do.Provide[image.Loader](injector, func(i *do.Injector) (image.Loader, error) {
		return do.MustInvoke[*image.HTTPLoader](i), nil
	})
	do.ProvideNamed[image.Device](injector, "device", func(i *do.Injector) (image.Device, error) {
		return resolveDevice(ctx, cfg.Device, do.MustInvoke[*image.HTTPLoader](i)), nil
	})

	do.Provide[*metrics.Metrics](injector, metrics.NewMetrics)
	do.Provide[*activity.Log](injector, func(i *do.Injector) (*activity.Log, error) {
		return activity.New(cfg.ActivitySize), nil
	})
	do.Provide[*cache.Manager](injector, cache.NewManager)
	do.Provide[*sweep.Sweeper](injector, sweep.NewSweeper)
	do.Provide[*feed.Generator](injector, feed.NewGenerator)
	do.Provide[*handler.Handler](injector, handler.NewHandler)

	return injector
}

// resolveDevice settles the device once at startup. In auto mode the
// pipeline server is asked; an unreachable server means cpu.
func resolveDevice(ctx context.Context, configured image.Device, prober image.Prober) image.Device {
	log := log.FromContextOrDiscard(ctx).WithGroup("device")
	if configured != image.DeviceAuto {
		log.Info("using configured device", "device", configured)
		return configured
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	device, err := prober.Device(ctx)
	if err != nil || device == "" || device == image.DeviceAuto {
		log.Warn("device probe failed, assuming cpu", "error", err, "reported", device)
		return image.DeviceCPU
	}
	log.Info("pipeline server reported device", "device", device)
	return device
}

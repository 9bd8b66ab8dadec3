package main

import (
	"fmt"

	"murmur/audio"
	"murmur/config"
	"murmur/encoder"
	"murmur/log"
	"murmur/orchestrator"
	"murmur/outbox"
	"murmur/recorder"
	"murmur/transcriber"
)

// pipeline is every component one orchestrator needs, wired from config.
type pipeline struct {
	cfg    config.Config
	actx   audio.Context
	device *audio.DeviceInfo
	rec    *recorder.Recorder
	eng    *transcriber.Engine
	store  *outbox.Store
	orch   *orchestrator.Orchestrator
}

// newPipeline builds on actx. A nil perm probes the input device once;
// a nil factory uses the configured provider.
func newPipeline(cfg config.Config, actx audio.Context, perm audio.Permission, factory transcriber.Factory) (*pipeline, error) {
	device, err := audio.FindDevice(actx, cfg.Capture.Device)
	if err != nil {
		return nil, err
	}

	var uploader outbox.Uploader
	if cfg.Upload.Enabled() {
		uploader = outbox.NewS3Uploader(s3Config(cfg.Upload))
	}
	store, err := outbox.Open(cfg.Storage.DataDir, uploader)
	if err != nil {
		return nil, fmt.Errorf("draft store: %w", err)
	}

	if perm == nil {
		perm = audio.NewProbePermission(actx, device, audio.CaptureConfig{
			SampleRate: encoder.SampleRate,
			Channels:   encoder.Channels,
		})
	}
	if factory == nil {
		factory = transcriber.NewFactory(cfg.Transcription.Provider, cfg.Transcription.APIKey())
	}
	var vocab *transcriber.Vocabulary
	if cfg.Transcription.VocabularyFile != "" {
		vocab = transcriber.NewVocabulary(cfg.Transcription.VocabularyFile)
	}

	rec := recorder.New(actx, perm, recorder.Config{
		Dir:        cfg.Storage.RecordingsDir,
		Device:     device,
		Interval:   cfg.Capture.LevelInterval,
		MaxSamples: cfg.Capture.WaveformSamples,
	})
	eng := transcriber.NewEngine(actx, perm, factory, vocab, transcriber.EngineConfig{
		Dir:              cfg.Storage.RecordingsDir,
		Device:           device,
		Language:         cfg.Transcription.Language,
		SilenceThreshold: cfg.Capture.SilenceThreshold,
		SilenceDuration:  cfg.Capture.SilenceDuration,
		LevelInterval:    cfg.Capture.LevelInterval,
	})

	mode, _ := orchestrator.ParseMode(cfg.Transcription.Mode)
	orch := orchestrator.New(rec, eng, store, orchestrator.Options{
		Mode:              mode,
		AutoStopOnSilence: cfg.Capture.AutoStopOnSilence,
		MinDuration:       cfg.Capture.MinDuration,
		WaveformSamples:   cfg.Capture.WaveformSamples,
	})

	log.SessionStart(cfg.Transcription.Provider, mode.String(), cfg.Transcription.Language)
	return &pipeline{
		cfg:    cfg,
		actx:   actx,
		device: device,
		rec:    rec,
		eng:    eng,
		store:  store,
		orch:   orch,
	}, nil
}

func s3Config(u config.UploadConfig) outbox.S3Config {
	return outbox.S3Config{
		Endpoint:        u.Endpoint,
		Bucket:          u.Bucket,
		AccessKeyID:     u.AccessKeyID,
		SecretAccessKey: u.SecretAccessKey,
		Prefix:          u.Prefix,
	}
}

func (p *pipeline) deviceName() string {
	if p.device == nil {
		return "system default"
	}
	return p.device.Name
}

func (p *pipeline) Close() {
	p.orch.Close()
	log.SessionEnd(p.orch.Drafts())
	if err := p.store.Close(); err != nil {
		log.Warnf("close draft store: %v", err)
	}
}

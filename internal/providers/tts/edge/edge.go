// Package edge synthesizes response audio through Microsoft Edge's neural
// voices. Short clinical phrases repeat a lot between consultations, so
// synthesized audio is cached in memory with a TTL.
package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"github.com/ruchi-nb/full-matata-sub000/internal/audio"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

const streamFrameSize = 4096

// Config selects the default voice and cache sizing.
type Config struct {
	Voice        string
	Format       string // "mp3" (vendor native) or "pcm"
	CacheEntries int
	CacheTTL     time.Duration
}

// Provider implements SpeechSynthesizer over Edge TTS.
type Provider struct {
	cfg    Config
	cache  *audioCache
	logger *logging.Logger
}

var _ providers.SpeechSynthesizer = (*Provider)(nil)

func NewProvider(cfg Config, logger *logging.Logger) *Provider {
	if cfg.Voice == "" {
		cfg.Voice = "en-IN-NeerjaNeural"
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Provider{
		cfg:    cfg,
		cache:  newAudioCache(cfg.CacheEntries, cfg.CacheTTL),
		logger: logger,
	}
}

// SynthesizeStream renders text with the given voice and delivers the audio
// as bounded frames. The channel closes after the last frame; cancelling ctx
// stops delivery early.
func (p *Provider) SynthesizeStream(ctx context.Context, text, voice string) (<-chan []byte, error) {
	if text == "" {
		return nil, errors.New(errors.KindProvider, "tts", "empty text")
	}
	if voice == "" {
		voice = p.cfg.Voice
	}

	data, err := p.synthesize(voice, text)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		for offset := 0; offset < len(data); offset += streamFrameSize {
			end := offset + streamFrameSize
			if end > len(data) {
				end = len(data)
			}
			select {
			case out <- data[offset:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) synthesize(voice, text string) ([]byte, error) {
	key := fmt.Sprintf("%s|%s", voice, text)
	if cached := p.cache.get(key); cached != nil {
		p.logger.DebugTag("TTS", "cache hit for %d chars", len(text))
		return cached, nil
	}

	communicate, err := edge_tts.New(voice)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "tts", "create communicator", err)
	}
	defer communicate.Close()

	start := time.Now()
	out, err := communicate.Output(text)
	if err != nil {
		return nil, errors.Wrap(errors.KindProvider, "tts", "synthesis failed", err)
	}
	if p.cfg.Format == "pcm" {
		pcm, _, err := audio.DecodeMP3(out)
		if err != nil {
			return nil, errors.Wrap(errors.KindProvider, "tts", "decode to pcm", err)
		}
		out = pcm
	}
	p.logger.DebugTag("TTS", "synthesized %d bytes in %v", len(out),
		time.Since(start).Round(time.Millisecond))

	p.cache.set(key, out)
	return out, nil
}

package tts

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Harvey-AU/lyrebird/internal/cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// KokoroEngine renders deterministic waveform audio for the Kokoro voice
// catalog. Generation is CPU-bound, so every call goes through a weighted
// semaphore sized by Config.MaxWorkers; the semaphore acquire respects the
// caller's deadline, which means a saturated pool surfaces as a timeout
// rather than unbounded queueing.
type KokoroEngine struct {
	cfg     Config
	sem     *semaphore.Weighted
	voices  map[string]voiceProfile
	samples *cache.InMemoryCache
}

// NewKokoroEngine creates an engine with the full voice catalog loaded.
func NewKokoroEngine(cfg Config) *KokoroEngine {
	voices := make(map[string]voiceProfile, len(kokoroVoices))
	for _, v := range kokoroVoices {
		voices[v.ID] = v
	}
	return &KokoroEngine{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		voices:  voices,
		samples: cache.NewInMemoryCache(),
	}
}

// Synthesize renders req.Text with req.VoiceID. The caller's ctx deadline
// bounds both the wait for a pool slot and the generation itself.
func (e *KokoroEngine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	voice, ok := e.voices[req.VoiceID]
	if !ok {
		return nil, &VoiceNotFoundError{VoiceID: req.VoiceID}
	}
	if req.Text == "" {
		return nil, &GenerationError{VoiceID: req.VoiceID, Err: fmt.Errorf("empty text")}
	}

	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, &TimeoutError{VoiceID: req.VoiceID, Elapsed: time.Since(start)}
	}

	// Generation runs in its own goroutine so an expired deadline returns
	// control to the caller; the render finishes in the background and
	// releases its slot.
	done := make(chan []byte, 1)
	go func() {
		defer e.sem.Release(1)
		done <- renderWaveform(req.Text, voice)
	}()

	select {
	case <-ctx.Done():
		return nil, &TimeoutError{VoiceID: req.VoiceID, Elapsed: time.Since(start)}
	case audio := <-done:
		return &Result{
			Audio:    audio,
			VoiceID:  req.VoiceID,
			Duration: time.Since(start),
		}, nil
	}
}

// Sample returns preview audio for a voice, rendered once and memoised.
func (e *KokoroEngine) Sample(ctx context.Context, voiceID string) ([]byte, error) {
	if cached, ok := e.samples.Get(voiceID); ok {
		return cached.([]byte), nil
	}

	result, err := e.Synthesize(ctx, Request{Text: SampleText, VoiceID: voiceID})
	if err != nil {
		return nil, err
	}
	e.samples.Set(voiceID, result.Audio)
	return result.Audio, nil
}

// Preload warms the sample cache for every voice so the first catalog
// request doesn't pay the render cost. Bounded by PreloadTimeout.
func (e *KokoroEngine) Preload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PreloadTimeout)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range kokoroVoices {
		g.Go(func() error {
			_, err := e.Sample(ctx, v.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("voice preload failed: %w", err)
	}

	log.Info().
		Int("voices", len(kokoroVoices)).
		Dur("elapsed", time.Since(start)).
		Msg("Voice catalog preloaded")
	return nil
}

// Voices returns the catalog without samples.
func (e *KokoroEngine) Voices() []Voice {
	result := make([]Voice, 0, len(kokoroVoices))
	for _, v := range kokoroVoices {
		result = append(result, v.Voice)
	}
	return result
}

// Close releases engine resources.
func (e *KokoroEngine) Close() {}

// renderWaveform produces the deterministic audio for one text/voice pair:
// one pitch-modulated segment per word, built from the voice's fundamental
// plus two harmonics scaled by its timbre, with an attack/decay envelope
// per segment and a short pause between words.
func renderWaveform(text string, voice voiceProfile) []byte {
	const (
		segmentDur = 0.18 // seconds per word
		pauseDur   = 0.06
	)

	words := countWords(text)
	segment := int(segmentDur * sampleRate)
	pause := int(pauseDur * sampleRate)
	samples := make([]int16, 0, words*(segment+pause))

	// Seed pitch variation from the text so identical input yields
	// identical audio.
	var seed uint32
	for _, r := range text {
		seed = seed*31 + uint32(r)
	}

	for w := 0; w < words; w++ {
		// Vary the fundamental a few percent per word.
		variation := float64((seed>>(w%16))%7) - 3
		freq := voice.baseFreq * (1 + variation/100)

		for i := 0; i < segment; i++ {
			t := float64(i) / sampleRate
			v := math.Sin(2 * math.Pi * freq * t)
			v += voice.timbre * 0.5 * math.Sin(2*math.Pi*freq*2*t)
			v += voice.timbre * 0.25 * math.Sin(2*math.Pi*freq*3*t)
			v *= envelope(float64(i) / float64(segment))
			samples = append(samples, int16(v/1.75*math.MaxInt16*0.8))
		}
		samples = append(samples, make([]int16, pause)...)
	}

	return encodeWAV(samples)
}

// envelope shapes a segment with a 10% linear attack and 30% decay.
func envelope(pos float64) float64 {
	switch {
	case pos < 0.1:
		return pos / 0.1
	case pos > 0.7:
		return (1 - pos) / 0.3
	default:
		return 1
	}
}

func countWords(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			inWord = false
		} else if !inWord {
			words++
			inWord = true
		}
	}
	if words == 0 {
		words = 1
	}
	return words
}

// Package session orchestrates one voice consultation over a websocket
// connection: audio in, transcription, translation, retrieval, streamed
// generation and events out. All provider failures surface as error events on
// the socket; the connection itself stays up.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruchi-nb/full-matata-sub000/internal/audio"
	"github.com/ruchi-nb/full-matata-sub000/internal/config"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/protocol"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
	"github.com/ruchi-nb/full-matata-sub000/internal/store"
)

const systemPrompt = "You are a careful medical consultation assistant. " +
	"Answer the patient briefly and clearly, ask one clarifying question when " +
	"symptoms are ambiguous, and recommend seeing a doctor in person for " +
	"anything urgent. Never prescribe medication doses on your own."

const apologyText = "I'm sorry, I ran into a problem answering that. " +
	"Could you please repeat your question?"

// Sink delivers outbound event frames to the client connection.
type Sink interface {
	Send(payload []byte) error
}

// StreamFactory opens a streaming speech provider for the given settings.
type StreamFactory func(provider, language string, multilingual bool) (providers.SpeechProvider, error)

// Deps bundles everything a session needs. TTS and Recorder may be nil.
type Deps struct {
	Streams     StreamFactory
	Transcriber providers.Transcriber
	LLM         providers.TokenStreamer
	Translator  providers.Translator
	RAG         providers.ContextBuilder
	TTS         providers.SpeechSynthesizer
	Recorder    *store.Recorder
}

// Session owns the state of one consultation connection.
type Session struct {
	ID string

	deps   Deps
	cfg    config.PipelineConfig
	sink   Sink
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu             sync.Mutex
	provider       providers.SpeechProvider
	providerName   string
	language       string
	multilingual   bool
	consultationID string
	utteranceSeq   uint64
	isProcessing   bool
	lastFinalNorm  string
	lastFinalTime  time.Time
	history        []providers.Message
	pumpDone       chan struct{}
	opusDec        *audio.OpusDecoder
	turnCancel     context.CancelFunc
}

func New(parent context.Context, id string, deps Deps, cfg config.PipelineConfig, sink Sink, logger *logging.Logger) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		ID:       id,
		deps:     deps,
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		language: "en-IN",
	}
}

// HandleCommand dispatches one decoded client command. It is called from the
// connection's read loop, one command at a time.
func (s *Session) HandleCommand(ctx context.Context, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Init:
		s.handleInit(c)
	case protocol.AudioChunk:
		s.handleAudioChunk(ctx, c)
	case protocol.AudioData:
		s.handleAudioBlob(ctx, c.Audio, c.Language, false)
	case protocol.FinalAudio:
		s.handleAudioBlob(ctx, c.Audio, c.Language, true)
	case protocol.Flush:
		s.handleFlush(ctx)
	case protocol.Stop:
		s.handleStop()
	case protocol.Ping:
		s.send(protocol.Pong())
	default:
		s.sendError("unsupported command")
	}
}

// handleInit binds or rebinds the session settings. Re-init is last-write-
// wins: an already bound streaming provider is stopped and replaced. All
// fields are optional; an init without a provider binds the default.
func (s *Session) handleInit(c protocol.Init) {
	s.mu.Lock()
	if c.Language != "" {
		s.language = c.Language
	}
	if c.Multilingual != nil {
		s.multilingual = *c.Multilingual
	}
	if c.ConsultationID != "" {
		s.consultationID = c.ConsultationID
	}
	language := s.language
	multilingual := s.multilingual
	s.mu.Unlock()

	if err := s.ensureProvider(c.Provider); err != nil {
		s.logger.ErrorTag("Session", "bind provider %q failed: %v", c.Provider, err)
		s.sendError("speech provider unavailable")
		return
	}

	s.logger.InfoTag("Session", "%s init provider=%q language=%s multilingual=%v",
		s.ID, c.Provider, language, multilingual)
	s.send(protocol.ConnectionEstablished(s.ID))
}

// ensureProvider binds a streaming provider when none is bound yet, or when
// the caller names a different one. An empty name keeps the current binding,
// falling back to the factory's default provider on first use.
func (s *Session) ensureProvider(name string) error {
	s.mu.Lock()
	rebind := s.provider == nil || (name != "" && name != s.providerName)
	if name != "" {
		s.providerName = name
	}
	old := s.provider
	oldPump := s.pumpDone
	if rebind {
		s.provider = nil
		s.pumpDone = nil
	}
	bindName := s.providerName
	language := s.language
	multilingual := s.multilingual
	s.mu.Unlock()

	if !rebind {
		return nil
	}
	if old != nil {
		_ = old.Stop()
		if oldPump != nil {
			<-oldPump
		}
	}
	return s.bindProvider(bindName, language, multilingual)
}

func (s *Session) bindProvider(name, language string, multilingual bool) error {
	if s.deps.Streams == nil {
		return errors.New(errors.KindConfig, "session", "no stream factory configured")
	}
	provider, err := s.deps.Streams(name, language, multilingual)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.provider = provider
	s.pumpDone = done
	s.mu.Unlock()

	go s.pumpEvents(provider, done)
	return nil
}

// pumpEvents routes provider events to the client until the provider's
// channel closes.
func (s *Session) pumpEvents(provider providers.SpeechProvider, done chan struct{}) {
	defer close(done)
	for event := range provider.Events() {
		switch event.Kind {
		case providers.EventInterim:
			s.send(protocol.StreamingTranscript(event.Text))
		case providers.EventVAD:
			s.send(protocol.VADSignal(string(event.Signal)))
		case providers.EventFinal:
			s.finalize(event.Text, 0)
		case providers.EventError:
			s.logger.WarnTag("Session", "%s provider error: %v", s.ID, event.Err)
			s.sendError("transcription interrupted")
		}
	}
}

func (s *Session) handleAudioChunk(ctx context.Context, c protocol.AudioChunk) {
	s.mu.Lock()
	if c.Language != "" {
		s.language = c.Language
	}
	s.mu.Unlock()

	// A chunk may carry a provider override; last-write-wins like init.
	if c.Provider != "" {
		if err := s.ensureProvider(c.Provider); err != nil {
			s.logger.ErrorTag("Session", "bind provider %q failed: %v", c.Provider, err)
			s.sendError("speech provider unavailable")
			return
		}
	}

	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider == nil {
		s.sendError("session not initialized")
		return
	}
	payload := c.Audio
	if strings.EqualFold(c.Encoding, "opus") {
		payload = s.decodeOpus(c.Audio, c.SampleRate)
	}
	if err := provider.Feed(ctx, payload); err != nil {
		s.logger.WarnTag("Session", "%s feed failed: %v", s.ID, err)
	}
}

// decodeOpus converts one opus frame to PCM, building the decoder on first
// use. Any failure passes the frame through as-is.
func (s *Session) decodeOpus(frame []byte, sampleRate int) []byte {
	s.mu.Lock()
	dec := s.opusDec
	if dec == nil {
		var err error
		dec, err = audio.NewOpusDecoder(sampleRate, 1)
		if err != nil {
			s.mu.Unlock()
			s.logger.DebugTag("Session", "%s opus decoder unavailable: %v", s.ID, err)
			return frame
		}
		s.opusDec = dec
	}
	pcm, err := dec.Decode(frame)
	s.mu.Unlock()
	if err != nil {
		s.logger.DebugTag("Session", "%s opus decode failed, passing frame through: %v", s.ID, err)
		return frame
	}
	return pcm
}

// handleAudioBlob transcribes a complete utterance in one shot. final marks
// the end of the user's turn and runs the respond pipeline.
func (s *Session) handleAudioBlob(ctx context.Context, audio []byte, language string, final bool) {
	if s.deps.Transcriber == nil {
		s.sendError("session not initialized")
		return
	}
	if len(audio) == 0 {
		if final {
			s.handleFlush(ctx)
		}
		return
	}

	s.mu.Lock()
	if language == "" {
		language = s.language
	}
	multilingual := s.multilingual
	s.mu.Unlock()

	start := time.Now()
	text, err := s.deps.Transcriber.Transcribe(ctx, audio, language, multilingual)
	if err != nil {
		s.logger.WarnTag("Session", "%s transcribe failed: %v", s.ID, err)
		s.sendError("transcription failed")
		return
	}
	sttMS := time.Since(start).Milliseconds()

	if !final {
		s.send(protocol.StreamingTranscript(text))
		return
	}
	s.finalize(text, sttMS)
}

func (s *Session) handleFlush(ctx context.Context) {
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider == nil {
		return
	}
	if err := provider.Flush(ctx); err != nil {
		s.logger.WarnTag("Session", "%s flush failed: %v", s.ID, err)
	}
}

// handleStop forces the session idle: the in-flight turn is cancelled and
// the provider released, but the session stays usable for the next init.
func (s *Session) handleStop() {
	s.mu.Lock()
	provider := s.provider
	s.provider = nil
	s.pumpDone = nil
	cancelTurn := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()

	if cancelTurn != nil {
		cancelTurn()
	}
	if provider != nil {
		_ = provider.Stop()
	}
}

// Close releases the session at disconnect. Unlike stop, this cancels the
// session context for good.
func (s *Session) Close() {
	s.handleStop()
	s.cancel(errors.New(errors.KindTransport, "session", "connection closed"))
}

// finalize admits one finalized utterance into the respond pipeline. A final
// is dropped when empty, when it repeats the previous final within the dedup
// window, or when a response is already being generated.
func (s *Session) finalize(text string, sttMS int64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	norm := strings.ToLower(text)

	s.mu.Lock()
	if s.isProcessing {
		s.mu.Unlock()
		s.logger.DebugTag("Session", "%s dropping final while processing: %q", s.ID, text)
		return
	}
	if norm == s.lastFinalNorm && time.Since(s.lastFinalTime) <= s.cfg.DedupWindow {
		s.mu.Unlock()
		s.logger.DebugTag("Session", "%s duplicate final suppressed: %q", s.ID, text)
		return
	}
	s.lastFinalNorm = norm
	s.lastFinalTime = time.Now()
	s.utteranceSeq++
	seq := s.utteranceSeq
	s.isProcessing = true
	// Each turn gets its own context so a client stop cancels the in-flight
	// pipeline without killing the session.
	turnCtx, cancelTurn := context.WithCancel(s.ctx)
	s.turnCancel = cancelTurn
	s.mu.Unlock()

	s.send(protocol.FinalTranscript(text, seq))
	s.send(protocol.ProcessingState(true))

	go s.respond(turnCtx, text, seq, sttMS)
}

// respond runs the full pipeline for one utterance: translate in, retrieve,
// stream the model, chunk, translate out, persist. ctx is the turn context;
// it is cancelled by a client stop or disconnect.
func (s *Session) respond(ctx context.Context, transcript string, seq uint64, sttMS int64) {
	start := time.Now()
	defer func() {
		s.mu.Lock()
		s.isProcessing = false
		cancelTurn := s.turnCancel
		s.turnCancel = nil
		s.mu.Unlock()
		if cancelTurn != nil {
			cancelTurn()
		}
		s.send(protocol.ProcessingState(false))
	}()

	s.mu.Lock()
	language := s.language
	consultationID := s.consultationID
	providerName := s.providerName
	history := make([]providers.Message, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	// The model works in English; other languages round-trip through the
	// translator with pass-through on failure.
	translateIn := !strings.HasPrefix(language, "en")
	query := transcript
	var translateMS int64
	if translateIn && s.deps.Translator != nil {
		t0 := time.Now()
		query = s.deps.Translator.Translate(ctx, transcript, language, "en-IN")
		translateMS = time.Since(t0).Milliseconds()
	}

	messages := make([]providers.Message, 0, len(history)+3)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	if s.deps.RAG != nil {
		if material := s.deps.RAG.BuildContext(ctx, query); material != "" {
			messages = append(messages, providers.Message{
				Role:    "system",
				Content: "Reference material:\n" + material,
			})
		}
	}
	messages = append(messages, providers.Message{Role: "user", Content: query})

	chunks, err := s.deps.LLM.Stream(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.ErrorTag("Session", "%s generation failed: %v", s.ID, err)
		s.apologize(ctx, transcript, seq, language, translateIn, 0, start, sttMS, translateMS)
		return
	}

	splitter := newChunker(s.cfg.FirstChunkWords, s.cfg.MinSentenceRunes)
	var full strings.Builder
	var firstChunkMS int64
	emitted := 0

	emit := func(text string, isFinal bool) {
		if text == "" && !isFinal {
			return
		}
		out := text
		if translateIn && s.deps.Translator != nil && out != "" {
			out = s.deps.Translator.Translate(ctx, out, "en-IN", language)
		}
		isFirst := emitted == 0 && out != ""
		if isFirst {
			firstChunkMS = time.Since(start).Milliseconds()
		}
		s.send(protocol.AIResponseChunk(out, uuid.NewString(), isFinal, isFirst))
		if out != "" {
			emitted++
			s.speak(ctx, out)
		}
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			// A turn cancelled by stop or disconnect ends without noise.
			if ctx.Err() != nil {
				return
			}
			s.logger.ErrorTag("Session", "%s stream failed: %v", s.ID, chunk.Err)
			s.apologize(ctx, transcript, seq, language, translateIn, emitted, start, sttMS, translateMS)
			return
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			for _, ready := range splitter.push(chunk.Content) {
				emit(ready, false)
			}
		}
		if chunk.Done {
			break
		}
	}

	tail := splitter.flush()
	emit(tail, true)

	english := strings.TrimSpace(full.String())
	final := english
	if translateIn && s.deps.Translator != nil && final != "" {
		final = s.deps.Translator.Translate(ctx, final, "en-IN", language)
	}

	metrics := protocol.Metrics{
		SttMS:        sttMS,
		TranslateMS:  translateMS,
		FirstChunkMS: firstChunkMS,
		TotalMS:      time.Since(start).Milliseconds(),
	}
	s.send(protocol.Response(final, transcript, seq, metrics))

	s.mu.Lock()
	s.history = append(s.history,
		providers.Message{Role: "user", Content: query},
		providers.Message{Role: "assistant", Content: english},
	)
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.mu.Unlock()

	if s.deps.Recorder != nil {
		s.deps.Recorder.Record(store.ConsultationTurn{
			SessionID:      s.ID,
			ConsultationID: consultationID,
			UtteranceSeq:   seq,
			Language:       language,
			Provider:       providerName,
			Transcript:     transcript,
			Response:       final,
			SttMS:          sttMS,
			TranslateMS:    translateMS,
			FirstChunkMS:   firstChunkMS,
			TotalMS:        metrics.TotalMS,
		})
	}

	s.logger.InfoTiming("respond seq=%d took %v", seq, time.Since(start))
}

// apologize closes out a turn whose generation failed: the client gets an
// error event plus a spoken apology instead of a half-finished answer.
func (s *Session) apologize(ctx context.Context, transcript string, seq uint64, language string, translateIn bool, emitted int, start time.Time, sttMS, translateMS int64) {
	s.sendError("response generation failed")

	out := apologyText
	if translateIn && s.deps.Translator != nil {
		out = s.deps.Translator.Translate(ctx, apologyText, "en-IN", language)
	}
	s.send(protocol.AIResponseChunk(out, uuid.NewString(), true, emitted == 0))
	s.speak(ctx, out)
	s.send(protocol.Response(out, transcript, seq, protocol.Metrics{
		SttMS:       sttMS,
		TranslateMS: translateMS,
		TotalMS:     time.Since(start).Milliseconds(),
	}))
}

// speak synthesizes one response chunk when a synthesizer is configured.
func (s *Session) speak(ctx context.Context, text string) {
	if s.deps.TTS == nil {
		return
	}
	frames, err := s.deps.TTS.SynthesizeStream(ctx, text, "")
	if err != nil {
		s.logger.DebugTag("Session", "%s tts failed: %v", s.ID, err)
		return
	}
	chunkID := uuid.NewString()
	for frame := range frames {
		s.send(protocol.TTSAudio(frame, chunkID, false))
	}
	s.send(protocol.TTSAudio(nil, chunkID, true))
}

func (s *Session) send(payload []byte) {
	if err := s.sink.Send(payload); err != nil {
		s.logger.DebugTag("Session", "%s send failed: %v", s.ID, err)
	}
}

func (s *Session) sendError(message string) {
	s.send(protocol.ErrorEvent(message))
}

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruchi-nb/full-matata-sub000/internal/config"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/protocol"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error", Dir: t.TempDir()})
	require.NoError(t, err)
	return logger
}

type recordingSink struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (s *recordingSink) Send(payload []byte) error {
	var decoded map[string]any
	if err := sonic.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, decoded)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ofType(eventType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, frame := range s.frames {
		if frame["type"] == eventType {
			out = append(out, frame)
		}
	}
	return out
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, frame := range s.frames {
		out[i] = frame["type"].(string)
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, eventType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.ofType(eventType)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s events", n, eventType)
}

type fakeStream struct {
	events  chan providers.Event
	fed     atomic.Int32
	flushed atomic.Int32
	stopped atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan providers.Event, 16)}
}

func (f *fakeStream) Feed(ctx context.Context, chunk []byte) error {
	f.fed.Add(1)
	return nil
}

func (f *fakeStream) Flush(ctx context.Context) error {
	f.flushed.Add(1)
	return nil
}

func (f *fakeStream) Stop() error {
	if f.stopped.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

func (f *fakeStream) Events() <-chan providers.Event { return f.events }

type fakeLLM struct {
	mu       sync.Mutex
	script   []providers.Chunk
	gate     chan struct{}
	messages [][]providers.Message
}

func (f *fakeLLM) Stream(ctx context.Context, messages []providers.Message) (<-chan providers.Chunk, error) {
	f.mu.Lock()
	f.messages = append(f.messages, messages)
	script := f.script
	gate := f.gate
	f.mu.Unlock()

	out := make(chan providers.Chunk, len(script)+1)
	go func() {
		defer close(out)
		if gate != nil {
			<-gate
		}
		if ctx.Err() != nil {
			out <- providers.Chunk{Err: ctx.Err(), Done: true}
			return
		}
		for _, chunk := range script {
			out <- chunk
		}
		out <- providers.Chunk{Done: true}
	}()
	return out, nil
}

func (f *fakeLLM) Complete(ctx context.Context, messages []providers.Message) (string, error) {
	return "", nil
}

type fakeTranslator struct {
	calls atomic.Int32
}

// Translate tags the text with the target language so round-trips are visible.
func (f *fakeTranslator) Translate(ctx context.Context, text, source, target string) string {
	f.calls.Add(1)
	return "[" + target + "] " + text
}

type fakeRAG struct {
	material string
	queries  []string
	mu       sync.Mutex
}

func (f *fakeRAG) BuildContext(ctx context.Context, query string) string {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.material
}

type fakeTranscriber struct {
	text string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, language string, multilingual bool) (string, error) {
	return f.text, nil
}

func testConfig() config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.FirstChunkWords = 3
	cfg.MinSentenceRunes = 5
	cfg.DedupWindow = 3 * time.Second
	return cfg
}

func newTestSession(t *testing.T, deps Deps) (*Session, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	s := New(context.Background(), "sess-1", deps, testConfig(), sink, testLogger(t))
	t.Cleanup(s.Close)
	return s, sink
}

func initCmd(provider, language string) protocol.Init {
	return protocol.Init{Provider: provider, Language: language, ConsultationID: "c-1"}
}

func TestSession_InitBindsProviderAndAcks(t *testing.T) {
	stream := newFakeStream()
	s, sink := newTestSession(t, Deps{
		Streams: func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
			assert.Equal(t, "deepgram", provider)
			assert.Equal(t, "en-IN", language)
			return stream, nil
		},
		LLM: &fakeLLM{},
	})

	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	acks := sink.ofType(protocol.EventConnectionEstablished)
	require.Len(t, acks, 1)
	assert.Equal(t, "sess-1", acks[0]["session_id"])
}

func TestSession_ReinitStopsOldProvider(t *testing.T) {
	first := newFakeStream()
	second := newFakeStream()
	var made atomic.Int32
	s, _ := newTestSession(t, Deps{
		Streams: func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
			if made.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		},
		LLM: &fakeLLM{},
	})

	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))
	s.HandleCommand(context.Background(), initCmd("sarvam", "hi-IN"))

	assert.True(t, first.stopped.Load())
	assert.False(t, second.stopped.Load())
	assert.Equal(t, int32(2), made.Load())
}

func TestSession_ReinitSameProviderIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	var made atomic.Int32
	s, _ := newTestSession(t, Deps{
		Streams: func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
			made.Add(1)
			return stream, nil
		},
		LLM: &fakeLLM{},
	})

	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	assert.Equal(t, int32(1), made.Load())
	assert.False(t, stream.stopped.Load())
}

func TestSession_FinalRunsFullPipeline(t *testing.T) {
	stream := newFakeStream()
	llm := &fakeLLM{script: []providers.Chunk{
		{Content: "You should rest today. "},
		{Content: "Drink plenty of fluids."},
	}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventInterim, Text: "i have"}
	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i have a fever"}

	sink.waitFor(t, protocol.EventResponse, 1)

	finals := sink.ofType(protocol.EventFinalTranscript)
	require.Len(t, finals, 1)
	assert.Equal(t, "i have a fever", finals[0]["transcript"])
	assert.Equal(t, float64(1), finals[0]["utterance_seq"])

	chunks := sink.ofType(protocol.EventAIResponseChunk)
	require.NotEmpty(t, chunks)
	assert.Equal(t, true, chunks[0]["is_first_chunk"])
	_, laterHaveFlag := chunks[len(chunks)-1]["is_first_chunk"]
	if len(chunks) > 1 {
		assert.False(t, laterHaveFlag)
	}

	responses := sink.ofType(protocol.EventResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, "You should rest today. Drink plenty of fluids.", responses[0]["final_response"])
	assert.Equal(t, float64(1), responses[0]["utterance_seq"])

	// processing_state toggles on, then off after the response.
	sink.waitFor(t, protocol.EventProcessingState, 2)
	states := sink.ofType(protocol.EventProcessingState)
	assert.Equal(t, true, states[0]["is_processing"])
	assert.Equal(t, false, states[len(states)-1]["is_processing"])

	// The final transcript precedes every response chunk.
	types := sink.types()
	firstChunkIdx := -1
	finalIdx := -1
	for i, typ := range types {
		if typ == protocol.EventFinalTranscript && finalIdx == -1 {
			finalIdx = i
		}
		if typ == protocol.EventAIResponseChunk && firstChunkIdx == -1 {
			firstChunkIdx = i
		}
	}
	assert.Less(t, finalIdx, firstChunkIdx)
}

func TestSession_DuplicateFinalWithinWindowSuppressed(t *testing.T) {
	stream := newFakeStream()
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Noted, thank you."}}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "mujhe bukhar hai"}
	sink.waitFor(t, protocol.EventResponse, 1)

	// Same text, different casing and spacing, still inside the window.
	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "  Mujhe Bukhar Hai  "}
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, sink.ofType(protocol.EventFinalTranscript), 1)
	assert.Len(t, sink.ofType(protocol.EventResponse), 1)
}

func TestSession_SequencingIsGapFree(t *testing.T) {
	stream := newFakeStream()
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Understood, please go on."}}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "first complaint"}
	sink.waitFor(t, protocol.EventResponse, 1)
	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "second complaint"}
	sink.waitFor(t, protocol.EventResponse, 2)

	finals := sink.ofType(protocol.EventFinalTranscript)
	require.Len(t, finals, 2)
	assert.Equal(t, float64(1), finals[0]["utterance_seq"])
	assert.Equal(t, float64(2), finals[1]["utterance_seq"])
}

func TestSession_FinalDroppedWhileProcessing(t *testing.T) {
	stream := newFakeStream()
	gate := make(chan struct{})
	llm := &fakeLLM{script: []providers.Chunk{{Content: "One moment please."}}, gate: gate}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "first complaint"}
	sink.waitFor(t, protocol.EventFinalTranscript, 1)

	// Arrives mid-generation and must be excluded.
	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "second complaint"}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	sink.waitFor(t, protocol.EventResponse, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.ofType(protocol.EventFinalTranscript), 1)
	assert.Len(t, sink.ofType(protocol.EventResponse), 1)
}

func TestSession_HindiRoundTripsThroughTranslator(t *testing.T) {
	stream := newFakeStream()
	translator := &fakeTranslator{}
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Please rest and drink fluids."}}}
	s, sink := newTestSession(t, Deps{
		Streams:    func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:        llm,
		Translator: translator,
	})
	s.HandleCommand(context.Background(), initCmd("sarvam", "hi-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "mujhe bukhar hai"}
	sink.waitFor(t, protocol.EventResponse, 1)

	// The transcript event keeps the original language.
	finals := sink.ofType(protocol.EventFinalTranscript)
	assert.Equal(t, "mujhe bukhar hai", finals[0]["transcript"])

	// The model saw the English rendition.
	llm.mu.Lock()
	messages := llm.messages[0]
	llm.mu.Unlock()
	user := messages[len(messages)-1]
	assert.Equal(t, "[en-IN] mujhe bukhar hai", user.Content)

	// Chunks and final response are rendered back to Hindi.
	chunks := sink.ofType(protocol.EventAIResponseChunk)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasPrefix(chunks[0]["text"].(string), "[hi-IN] "))
	responses := sink.ofType(protocol.EventResponse)
	assert.True(t, strings.HasPrefix(responses[0]["final_response"].(string), "[hi-IN] "))
}

func TestSession_EnglishSkipsTranslator(t *testing.T) {
	stream := newFakeStream()
	translator := &fakeTranslator{}
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Rest well and hydrate."}}}
	s, sink := newTestSession(t, Deps{
		Streams:    func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:        llm,
		Translator: translator,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i feel tired"}
	sink.waitFor(t, protocol.EventResponse, 1)
	assert.Equal(t, int32(0), translator.calls.Load())
}

func TestSession_ReferenceMaterialPrefixesModelInput(t *testing.T) {
	stream := newFakeStream()
	rag := &fakeRAG{material: "Fever above 102F needs attention."}
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Monitor your temperature."}}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
		RAG:     rag,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i have a fever"}
	sink.waitFor(t, protocol.EventResponse, 1)

	llm.mu.Lock()
	messages := llm.messages[0]
	llm.mu.Unlock()

	var found bool
	for _, msg := range messages {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, "Reference material:\n") {
			found = true
			assert.Contains(t, msg.Content, "Fever above 102F")
		}
	}
	assert.True(t, found)
}

func TestSession_InterimAndVADForwarded(t *testing.T) {
	stream := newFakeStream()
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     &fakeLLM{},
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventVAD, Signal: providers.SignalStartSpeech}
	stream.events <- providers.Event{Kind: providers.EventInterim, Text: "i have"}

	sink.waitFor(t, protocol.EventStreamingTranscript, 1)
	sink.waitFor(t, protocol.EventVADSignal, 1)

	vads := sink.ofType(protocol.EventVADSignal)
	assert.Equal(t, "start_speech", vads[0]["signal_type"])
	transcripts := sink.ofType(protocol.EventStreamingTranscript)
	assert.Equal(t, "i have", transcripts[0]["transcript"])
}

func TestSession_FinalAudioTranscribesAndResponds(t *testing.T) {
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Since when do you feel this way?"}}}
	s, sink := newTestSession(t, Deps{
		Transcriber: &fakeTranscriber{text: "my stomach hurts"},
		LLM:         llm,
	})
	s.HandleCommand(context.Background(), protocol.Init{Language: "en-IN", ConsultationID: "c-1"})

	s.HandleCommand(context.Background(), protocol.FinalAudio{Audio: []byte{1, 2, 3}, Language: "en-IN"})
	sink.waitFor(t, protocol.EventResponse, 1)

	finals := sink.ofType(protocol.EventFinalTranscript)
	require.Len(t, finals, 1)
	assert.Equal(t, "my stomach hurts", finals[0]["transcript"])

	// A duplicate blob right after produces the same transcript and is
	// suppressed by the dedup window.
	s.HandleCommand(context.Background(), protocol.FinalAudio{Audio: []byte{1, 2, 3}, Language: "en-IN"})
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.ofType(protocol.EventResponse), 1)
}

func TestSession_PingPong(t *testing.T) {
	s, sink := newTestSession(t, Deps{LLM: &fakeLLM{}})
	s.HandleCommand(context.Background(), protocol.Ping{})
	assert.Len(t, sink.ofType(protocol.EventPong), 1)
}

func TestSession_AudioChunkWithoutInitErrors(t *testing.T) {
	s, sink := newTestSession(t, Deps{LLM: &fakeLLM{}})
	s.HandleCommand(context.Background(), protocol.AudioChunk{Audio: []byte{1}})
	assert.Len(t, sink.ofType(protocol.EventError), 1)
}

func TestSession_HistoryCarriesAcrossTurns(t *testing.T) {
	stream := newFakeStream()
	llm := &fakeLLM{script: []providers.Chunk{{Content: "How long has this been going on?"}}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i have a headache"}
	sink.waitFor(t, protocol.EventResponse, 1)
	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "about two days now"}
	sink.waitFor(t, protocol.EventResponse, 2)

	llm.mu.Lock()
	second := llm.messages[1]
	llm.mu.Unlock()

	var sawEarlierTurn bool
	for _, msg := range second {
		if msg.Role == "user" && msg.Content == "i have a headache" {
			sawEarlierTurn = true
		}
	}
	assert.True(t, sawEarlierTurn)
}

func TestSession_GenerationFailureApologizes(t *testing.T) {
	stream := newFakeStream()
	llm := &fakeLLM{script: []providers.Chunk{
		{Content: "Partial "},
		{Err: errors.New("upstream refused")},
	}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i have a fever"}
	sink.waitFor(t, protocol.EventResponse, 1)

	assert.Len(t, sink.ofType(protocol.EventError), 1)

	chunks := sink.ofType(protocol.EventAIResponseChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, apologyText, chunks[0]["text"])
	assert.Equal(t, true, chunks[0]["is_final"])
	assert.Equal(t, true, chunks[0]["is_first_chunk"])

	responses := sink.ofType(protocol.EventResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, apologyText, responses[0]["final_response"])

	// The turn ends cleanly: processing clears and the next final is accepted.
	states := sink.ofType(protocol.EventProcessingState)
	assert.Equal(t, false, states[len(states)-1]["is_processing"])

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "can you hear me"}
	sink.waitFor(t, protocol.EventFinalTranscript, 2)
}

func TestSession_OpusChunkStillFeedsProvider(t *testing.T) {
	stream := newFakeStream()
	s, _ := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     &fakeLLM{},
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	// Not a valid opus frame: decode falls back to passing the bytes through,
	// so the provider is fed either way.
	s.HandleCommand(context.Background(), protocol.AudioChunk{
		Audio:      []byte{0xde, 0xad, 0xbe, 0xef},
		Encoding:   "opus",
		SampleRate: 16000,
	})

	assert.Equal(t, int32(1), stream.fed.Load())
}

func TestSession_StopKeepsSessionUsable(t *testing.T) {
	var mu sync.Mutex
	var streams []*fakeStream
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Glad you are feeling better."}}}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) {
			st := newFakeStream()
			mu.Lock()
			streams = append(streams, st)
			mu.Unlock()
			return st, nil
		},
		LLM: llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))
	s.HandleCommand(context.Background(), protocol.Stop{})

	// The session must accept a fresh init and a full turn after a stop.
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))
	mu.Lock()
	require.Len(t, streams, 2)
	second := streams[1]
	mu.Unlock()

	second.events <- providers.Event{Kind: providers.EventFinal, Text: "i feel much better"}
	sink.waitFor(t, protocol.EventResponse, 1)

	assert.Empty(t, sink.ofType(protocol.EventError))
	responses := sink.ofType(protocol.EventResponse)
	assert.Equal(t, "Glad you are feeling better.", responses[0]["final_response"])
}

func TestSession_StopCancelsInFlightTurnQuietly(t *testing.T) {
	stream := newFakeStream()
	gate := make(chan struct{})
	llm := &fakeLLM{script: []providers.Chunk{{Content: "Never delivered."}}, gate: gate}
	s, sink := newTestSession(t, Deps{
		Streams: func(string, string, bool) (providers.SpeechProvider, error) { return stream, nil },
		LLM:     llm,
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	stream.events <- providers.Event{Kind: providers.EventFinal, Text: "i have a fever"}
	sink.waitFor(t, protocol.EventProcessingState, 1)

	s.HandleCommand(context.Background(), protocol.Stop{})
	close(gate)

	sink.waitFor(t, protocol.EventProcessingState, 2)
	assert.Empty(t, sink.ofType(protocol.EventError))
	assert.Empty(t, sink.ofType(protocol.EventAIResponseChunk))
	assert.Empty(t, sink.ofType(protocol.EventResponse))
}

func TestSession_InitWithoutProviderBindsDefault(t *testing.T) {
	stream := newFakeStream()
	var boundName atomic.Value
	s, sink := newTestSession(t, Deps{
		Streams: func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
			boundName.Store(provider)
			return stream, nil
		},
		LLM: &fakeLLM{},
	})

	s.HandleCommand(context.Background(), protocol.Init{Language: "hi-IN"})

	sink.waitFor(t, protocol.EventConnectionEstablished, 1)
	assert.Equal(t, "", boundName.Load())

	s.HandleCommand(context.Background(), protocol.AudioChunk{Audio: []byte{1, 2}})
	assert.Equal(t, int32(1), stream.fed.Load())
	assert.Empty(t, sink.ofType(protocol.EventError))
}

func TestSession_AudioChunkProviderOverrideRebinds(t *testing.T) {
	var mu sync.Mutex
	var names []string
	var streams []*fakeStream
	s, sink := newTestSession(t, Deps{
		Streams: func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
			st := newFakeStream()
			mu.Lock()
			names = append(names, provider)
			streams = append(streams, st)
			mu.Unlock()
			return st, nil
		},
		LLM: &fakeLLM{},
	})
	s.HandleCommand(context.Background(), initCmd("deepgram", "en-IN"))

	s.HandleCommand(context.Background(), protocol.AudioChunk{Audio: []byte{1, 2}, Provider: "sarvam"})

	mu.Lock()
	require.Equal(t, []string{"deepgram", "sarvam"}, names)
	first, second := streams[0], streams[1]
	mu.Unlock()

	assert.True(t, first.stopped.Load(), "previous provider released on override")
	assert.Equal(t, int32(1), second.fed.Load(), "chunk fed to the new provider")
	assert.Empty(t, sink.ofType(protocol.EventError))
}

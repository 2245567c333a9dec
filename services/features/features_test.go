// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// -----------------------------------------------------------------------------
// Scripted capability
// -----------------------------------------------------------------------------

type scriptedCapability struct {
	kind capability.Kind

	mu       sync.Mutex
	reply    func(cfg capability.Config, in capability.Input) (string, error)
	chunks   []string
	failWith func(in capability.Input) error
	configs  []capability.Config
}

func (c *scriptedCapability) Kind() capability.Kind { return c.kind }

func (c *scriptedCapability) Create(_ context.Context, cfg capability.Config, _ capability.Monitor) (capability.Session, error) {
	c.mu.Lock()
	c.configs = append(c.configs, cfg)
	c.mu.Unlock()
	return &scriptedSession{c: c, cfg: cfg}, nil
}

type scriptedSession struct {
	c   *scriptedCapability
	cfg capability.Config
}

func (s *scriptedSession) Run(_ context.Context, in capability.Input) (string, error) {
	return s.c.reply(s.cfg, in)
}

func (s *scriptedSession) RunStreaming(_ context.Context, in capability.Input) (capability.Stream, error) {
	if s.c.failWith != nil {
		if err := s.c.failWith(in); err != nil {
			return nil, err
		}
	}
	return &chunkStream{chunks: s.c.chunks}, nil
}

func (s *scriptedSession) Destroy() error { return nil }

type chunkStream struct {
	chunks []string
	i      int
}

func (s *chunkStream) Next(context.Context) (string, error) {
	if s.i >= len(s.chunks) {
		return "", io.EOF
	}
	s.i++
	return s.chunks[s.i-1], nil
}

func (s *chunkStream) Close() error { return nil }

// -----------------------------------------------------------------------------
// Languages
// -----------------------------------------------------------------------------

func TestSupportedPairs_Bidirectional(t *testing.T) {
	assert.True(t, IsSupportedPair("en", "ja"))
	assert.True(t, IsSupportedPair("ja", "en"))
	assert.True(t, IsSupportedPair("zh-Hant", "en"))
	assert.False(t, IsSupportedPair("ja", "es"))
	assert.False(t, IsSupportedPair("en", "fr"))

	assert.Len(t, TargetsFor("en"), 14)
	assert.Equal(t, []string{"en"}, TargetsFor("ta"))
}

func TestCheckTranslatorConfig(t *testing.T) {
	ok := capability.Config{Kind: capability.KindTranslator, SourceLanguage: "es", TargetLanguage: "en"}
	assert.NoError(t, CheckTranslatorConfig(ok))

	bad := capability.Config{Kind: capability.KindTranslator, SourceLanguage: "es", TargetLanguage: "ja"}
	assert.Error(t, CheckTranslatorConfig(bad))

	same := capability.Config{Kind: capability.KindTranslator, SourceLanguage: "en", TargetLanguage: "en"}
	assert.Error(t, CheckTranslatorConfig(same))

	assert.NoError(t, CheckTranslatorConfig(capability.Config{Kind: capability.KindPrompt}))
}

func TestLanguageNames(t *testing.T) {
	assert.Equal(t, "French", LanguageName("fr"))
	assert.Equal(t, "Chinese", LanguageName("zh"))
	assert.Equal(t, "Chinese (Simplified)", TranslationLanguageName("zh"))
	assert.Equal(t, "Chinese (Traditional)", LanguageName("zh-Hant"))
	assert.Equal(t, "xx", LanguageName("xx"))
}

func TestDefaultInputs(t *testing.T) {
	assert.Len(t, DefaultInputs(capability.KindTranslator), 15)
	assert.Len(t, DefaultInputs(capability.KindDetector), 15)
	assert.Nil(t, DefaultInputs(capability.KindPrompt))
}

// -----------------------------------------------------------------------------
// Detector
// -----------------------------------------------------------------------------

func TestParseCandidates(t *testing.T) {
	t.Run("wrapped object in a code fence", func(t *testing.T) {
		reply := "```json\n{\"candidates\":[{\"language\":\"it\",\"confidence\":0.02},{\"language\":\"fr\",\"confidence\":0.97}]}\n```"
		cands, err := ParseCandidates(reply)
		require.NoError(t, err)
		require.Len(t, cands, 2)
		assert.Equal(t, "fr", cands[0].Language)
		assert.Equal(t, "French", cands[0].Name)
	})

	t.Run("bare array with clamping", func(t *testing.T) {
		cands, err := ParseCandidates(`[{"language":"de","confidence":1.4},{"language":"","confidence":0.5}]`)
		require.NoError(t, err)
		require.Len(t, cands, 1)
		assert.Equal(t, 1.0, cands[0].Confidence)
	})

	t.Run("no json", func(t *testing.T) {
		_, err := ParseCandidates("I think it is French.")
		assert.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := ParseCandidates(`{"candidates":[]}`)
		assert.ErrorIs(t, err, ErrNoCandidates)
	})
}

func TestDetector_BatchOutcome(t *testing.T) {
	c := &scriptedCapability{
		kind: capability.KindDetector,
		reply: func(capability.Config, capability.Input) (string, error) {
			return `{"candidates":[{"language":"es","confidence":0.9},{"language":"pt","confidence":0.06},{"language":"it","confidence":0.02},{"language":"ca","confidence":0.01}]}`, nil
		},
	}
	d := NewDetector(capability.NewSessionManager(c), "m", nil)

	run := capability.NewBatchRunner(d.Config(), d.Invoke()).Run(context.Background(), []string{"Hola, ¿cómo estás?"})
	require.Len(t, run.Results, 1)
	r := run.Results[0]
	assert.Equal(t, capability.StatusSuccess, r.Status)
	assert.Equal(t, "es", r.Output)
	require.NotNil(t, r.Confidence)
	assert.InDelta(t, 0.9, *r.Confidence, 1e-9)
	assert.Equal(t, "Spanish", r.Detail["Language Name"])
	assert.Equal(t, "es 0.9000; pt 0.0600; it 0.0200", r.Detail["Top Candidates"])
}

func TestDetector_UnparseableReplyIsInvocationFailure(t *testing.T) {
	c := &scriptedCapability{
		kind:  capability.KindDetector,
		reply: func(capability.Config, capability.Input) (string, error) { return "no idea", nil },
	}
	d := NewDetector(capability.NewSessionManager(c), "m", nil)
	_, err := d.Detect(context.Background(), "hmm")
	assert.ErrorIs(t, err, capability.ErrInvocationFailed)

	_, err = d.Detect(context.Background(), "   ")
	assert.ErrorIs(t, err, capability.ErrInvocationFailed)
}

// -----------------------------------------------------------------------------
// Translator
// -----------------------------------------------------------------------------

func TestTranslator_PairChangeRecreatesSession(t *testing.T) {
	c := &scriptedCapability{
		kind: capability.KindTranslator,
		reply: func(cfg capability.Config, in capability.Input) (string, error) {
			return " [" + cfg.TargetLanguage + "] " + in.Text + "\n", nil
		},
	}
	tr := NewTranslator(capability.NewSessionManager(c), "m", nil)

	out, err := tr.Translate(context.Background(), "en", "es", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "[es] Hello", out)

	_, err = tr.Translate(context.Background(), "en", "es", "Bye")
	require.NoError(t, err)
	assert.Len(t, c.configs, 1)

	_, err = tr.Translate(context.Background(), "en", "ja", "Bye")
	require.NoError(t, err)
	assert.Len(t, c.configs, 2)
}

func TestTranslator_ConcurrentPairsKeepTheirOwnSession(t *testing.T) {
	c := &scriptedCapability{
		kind: capability.KindTranslator,
		reply: func(cfg capability.Config, _ capability.Input) (string, error) {
			return cfg.TargetLanguage, nil
		},
	}
	tr := NewTranslator(capability.NewSessionManager(c), "m", nil)

	targets := []string{"es", "ja"}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wrong  []string
		served int
	)
	for i := 0; i < 200; i++ {
		target := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := tr.Translate(context.Background(), "en", target, "Hello")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				return
			}
			served++
			if out != target {
				wrong = append(wrong, target+"->"+out)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, wrong, "every reply comes from a session for the requested pair")
	assert.Equal(t, 200, served)
}

func TestTranslator_UnsupportedPairNeverCreates(t *testing.T) {
	c := &scriptedCapability{kind: capability.KindTranslator}
	tr := NewTranslator(capability.NewSessionManager(c), "m", nil)

	_, err := tr.Translate(context.Background(), "fr", "de", "Bonjour")
	assert.ErrorIs(t, err, capability.ErrUnsupportedConfiguration)
	assert.Empty(t, c.configs)
}

func TestPairFields(t *testing.T) {
	fields := PairFields("en", "zh")
	require.Len(t, fields, 3)
	assert.Equal(t, "English → Chinese (Simplified)", fields[0].Value)
}

// -----------------------------------------------------------------------------
// Chat
// -----------------------------------------------------------------------------

func TestChat_OptionChangeRecreatesSession(t *testing.T) {
	c := &scriptedCapability{kind: capability.KindPrompt, chunks: []string{"Hi", " there"}}
	chat := NewChat(capability.NewSessionManager(c), "m", DefaultChatOptions(), nil)

	res, err := chat.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Text)
	assert.Equal(t, 2, res.Chunks)
	require.Len(t, c.configs, 1)
	assert.Equal(t, DefaultMaxTokens, c.configs[0].MaxTokens)

	_, err = chat.Send(context.Background(), "again", nil)
	require.NoError(t, err)
	assert.Len(t, c.configs, 1)

	opts := chat.Options()
	opts.Temperature = 0.2
	chat.SetOptions(opts)
	_, err = chat.Send(context.Background(), "cooler", nil)
	require.NoError(t, err)
	require.Len(t, c.configs, 2)
	assert.Equal(t, 0.2, c.configs[1].Temperature)
}

func TestChat_EmptyMessage(t *testing.T) {
	chat := NewChat(capability.NewSessionManager(&scriptedCapability{kind: capability.KindPrompt}), "m", DefaultChatOptions(), nil)
	_, err := chat.Send(context.Background(), " ", nil)
	assert.ErrorIs(t, err, capability.ErrInvocationFailed)
}

// -----------------------------------------------------------------------------
// Describer
// -----------------------------------------------------------------------------

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestValidateImage(t *testing.T) {
	mime, err := ValidateImage(pngHeader)
	require.NoError(t, err)
	assert.Equal(t, "image/png", mime)

	_, err = ValidateImage([]byte("GIF89a......"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	_, err = ValidateImage(nil)
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestDescriber_FallbackChain(t *testing.T) {
	t.Run("multimodal stream", func(t *testing.T) {
		c := &scriptedCapability{kind: capability.KindMultimodal, chunks: []string{"A red ", "barn."}}
		d := NewDescriber(capability.NewSessionManager(c), "m", nil)
		desc, err := d.Describe(context.Background(), pngHeader, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeMultimodalStream, desc.Mode)
		assert.Equal(t, "A red barn.", desc.Text)
		assert.Equal(t, []string{"image"}, c.configs[0].ExpectedInputs)
	})

	t.Run("text stream when images are rejected", func(t *testing.T) {
		c := &scriptedCapability{
			kind:   capability.KindMultimodal,
			chunks: []string{"Could not analyze."},
			failWith: func(in capability.Input) error {
				if len(in.Images) > 0 {
					return errors.New("images not supported")
				}
				return nil
			},
		}
		d := NewDescriber(capability.NewSessionManager(c), "m", nil)
		desc, err := d.Describe(context.Background(), pngHeader, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeTextStream, desc.Mode)
	})

	t.Run("single call when streaming fails", func(t *testing.T) {
		c := &scriptedCapability{
			kind:     capability.KindMultimodal,
			failWith: func(capability.Input) error { return errors.New("no streaming") },
			reply: func(_ capability.Config, in capability.Input) (string, error) {
				return "fallback: " + strings.Fields(in.Text)[0], nil
			},
		}
		d := NewDescriber(capability.NewSessionManager(c), "m", nil)
		desc, err := d.Describe(context.Background(), pngHeader, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeText, desc.Mode)
		assert.Equal(t, "fallback: An", desc.Text)
	})

	t.Run("bad image never creates a session", func(t *testing.T) {
		c := &scriptedCapability{kind: capability.KindMultimodal}
		d := NewDescriber(capability.NewSessionManager(c), "m", nil)
		_, err := d.Describe(context.Background(), []byte("not an image"), nil)
		assert.ErrorIs(t, err, ErrUnsupportedImage)
		assert.Empty(t, c.configs)
	})
}

// -----------------------------------------------------------------------------
// Documents
// -----------------------------------------------------------------------------

func TestSplitInputs_Lines(t *testing.T) {
	inputs, err := SplitInputs("first\n\n  second  \n\nthird\n", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, inputs)
}

func TestSplitInputs_Chunks(t *testing.T) {
	para := strings.Repeat("word ", 40)
	doc := para + "\n\n" + para + "\n\n" + para
	inputs, err := SplitInputs(doc, 250)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(inputs), 3)
	for _, in := range inputs {
		assert.LessOrEqual(t, len(in), 250)
	}
}

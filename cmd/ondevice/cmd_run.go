// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianOnDevice/pkg/ux"
	"github.com/AleutianAI/AleutianOnDevice/services/capability"
	"github.com/AleutianAI/AleutianOnDevice/services/features"
)

var (
	chatPrompt  string
	chatSystem  string
	chatTemp    float64
	chatTopK    int
	chatMaxToks int

	detectCmd = &cobra.Command{
		Use:   "detect <text>",
		Short: "Detect the language of a text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDetect,
	}

	translateCmd = &cobra.Command{
		Use:   "translate <text>",
		Short: "Translate a text between a supported language pair",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTranslate,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with the prompt capability, streaming replies",
		Long: `Chat opens an interactive conversation. Replies stream as they are
generated; esc stops the current reply. With --prompt a single reply is
streamed to stdout. Piped input is read one prompt per line.`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}

	describeCmd = &cobra.Command{
		Use:   "describe <image.png|image.jpg>",
		Short: "Describe a PNG or JPEG image with the multimodal capability",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}
)

func init() {
	translateCmd.Flags().StringVar(&sourceLang, "from", "en", "source language")
	translateCmd.Flags().StringVar(&targetLang, "to", "es", "target language")
	translateCmd.Flags().BoolVar(&pickPair, "pick", false, "choose the language pair interactively")

	defaults := features.DefaultChatOptions()
	f := chatCmd.Flags()
	f.StringVarP(&chatPrompt, "prompt", "p", "", "send one prompt and exit")
	f.StringVar(&chatSystem, "system", "", "system prompt")
	f.Float64Var(&chatTemp, "temperature", defaults.Temperature, "sampling temperature (0-2)")
	f.IntVar(&chatTopK, "top-k", defaults.TopK, "top-k sampling (1-128)")
	f.IntVar(&chatMaxToks, "max-tokens", defaults.MaxTokens, "maximum reply tokens")
}

// RunOutput is the --json form of a single invocation.
type RunOutput struct {
	Kind       capability.Kind      `json:"kind"`
	Input      string               `json:"input"`
	Output     string               `json:"output"`
	DurationMs float64              `json:"durationMs"`
	Rate       float64              `json:"charactersPerSecond"`
	Candidates []features.Candidate `json:"candidates,omitempty"`
	Mode       string               `json:"mode,omitempty"`
	Chunks     int                  `json:"chunks,omitempty"`
	Cancelled  bool                 `json:"cancelled,omitempty"`
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	text := strings.Join(args, " ")
	det := app.registry.Detector()
	if err := prepare(ctx, capability.KindDetector, det.Config()); err != nil {
		return err
	}

	var cands []features.Candidate
	m, err := capability.Measure(ctx, text, func(ctx context.Context, in string) (string, error) {
		var err error
		cands, err = det.Detect(ctx, in)
		if err != nil {
			return "", err
		}
		return cands[0].Language, nil
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(RunOutput{
			Kind: capability.KindDetector, Input: text, Output: m.Output,
			DurationMs: durationMs(m.Duration), Rate: m.Rate, Candidates: cands,
		})
	}
	for i, c := range cands {
		if i == features.TopCandidates {
			break
		}
		line := fmt.Sprintf("%-8s %-24s %6.2f%%", c.Language, c.Name, c.Confidence*100)
		if i == 0 {
			ux.Success(line)
		} else {
			ux.Info(line)
		}
	}
	ux.Muted(fmt.Sprintf("%.1f ms · %.1f chars/s", durationMs(m.Duration), m.Rate))
	return nil
}

func runTranslate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	text := strings.Join(args, " ")

	src, dst := sourceLang, targetLang
	if pickPair {
		var err error
		if src, dst, err = ux.PickLanguagePair(ctx, src, dst); err != nil {
			return err
		}
	}
	tr := app.registry.Translator()
	if err := prepare(ctx, capability.KindTranslator, tr.Config(src, dst)); err != nil {
		return err
	}

	m, err := capability.Measure(ctx, text, func(ctx context.Context, in string) (string, error) {
		return tr.Translate(ctx, src, dst, in)
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(RunOutput{
			Kind: capability.KindTranslator, Input: text, Output: m.Output,
			DurationMs: durationMs(m.Duration), Rate: m.Rate,
		})
	}
	ux.Measurement(m)
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	chat := app.registry.Chat()

	opts := chat.Options()
	if cmd.Flags().Changed("system") {
		opts.SystemPrompt = chatSystem
	}
	if cmd.Flags().Changed("temperature") {
		opts.Temperature = chatTemp
	}
	if cmd.Flags().Changed("top-k") {
		opts.TopK = chatTopK
	}
	if cmd.Flags().Changed("max-tokens") {
		opts.MaxTokens = chatMaxToks
	}
	if err := validate.Struct(opts); err != nil {
		return capability.NewError(capability.ErrorUnsupportedConfiguration, "configure", capability.KindPrompt, err)
	}
	chat.SetOptions(opts)

	if err := prepare(ctx, capability.KindPrompt, chat.Config()); err != nil {
		return err
	}

	if chatPrompt == "" {
		return ux.RunChat(ctx, chat)
	}

	res, err := chat.Send(ctx, chatPrompt, func(u capability.StreamUpdate) {
		if !jsonOutput {
			fmt.Fprint(os.Stdout, u.Chunk)
		}
	})
	if err != nil && !res.Cancelled {
		return err
	}
	if jsonOutput {
		return printJSON(RunOutput{
			Kind: capability.KindPrompt, Input: chatPrompt, Output: res.Text,
			DurationMs: durationMs(res.Duration), Rate: res.CharsPerSecond,
			Chunks: res.Chunks, Cancelled: res.Cancelled,
		})
	}
	fmt.Fprintln(os.Stdout)
	ux.Muted(fmt.Sprintf("%d chunks · %.1f chars/s · %.1f chunks/s", res.Chunks, res.CharsPerSecond, res.ChunksPerSecond))
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if _, err := features.ValidateImage(image); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	desc := app.registry.Describer()
	if err := prepare(ctx, capability.KindMultimodal, desc.Config()); err != nil {
		return err
	}

	streamed := false
	start := time.Now()
	res, err := desc.Describe(ctx, image, func(u capability.StreamUpdate) {
		streamed = true
		if !jsonOutput {
			fmt.Fprint(os.Stdout, u.Chunk)
		}
	})
	if err != nil && !res.Stream.Cancelled {
		return err
	}
	elapsed := time.Since(start)

	if jsonOutput {
		out := RunOutput{
			Kind: capability.KindMultimodal, Input: args[0], Output: res.Text,
			DurationMs: durationMs(elapsed), Mode: string(res.Mode),
			Chunks: res.Stream.Chunks, Cancelled: res.Stream.Cancelled,
		}
		if secs := elapsed.Seconds(); secs > 0 {
			out.Rate = float64(len([]rune(res.Text))) / secs
		}
		return printJSON(out)
	}
	if !streamed {
		fmt.Fprint(os.Stdout, res.Text)
	}
	fmt.Fprintln(os.Stdout)
	if res.Mode != features.ModeMultimodalStream {
		ux.Warning(fmt.Sprintf("the image could not be sent to the model; reply produced in %s mode", res.Mode))
	}
	ux.Muted(fmt.Sprintf("%s · %.1f ms", res.MIMEType, durationMs(elapsed)))
	return nil
}

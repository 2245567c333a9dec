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
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// MaxImageBytes bounds accepted uploads.
const MaxImageBytes = 20 << 20

// DescribePrompt is the user turn sent with the image.
const DescribePrompt = "Please provide a detailed description of this image. What do you see?"

const describerSystemPrompt = `You are an expert image analyst. Provide detailed, accurate, and engaging descriptions of images.
Cover the main subjects and objects, colors and lighting, the setting, the mood, and any notable details.
Keep descriptions informative yet accessible.`

const textFallbackPrompt = `An image was uploaded but could not be passed to you. Explain briefly that the image
could not be analyzed, and describe what a detailed description of it would normally cover.`

// ErrUnsupportedImage is returned for uploads that are not PNG or JPEG.
var ErrUnsupportedImage = errors.New("unsupported image type")

// ValidateImage checks that data is a PNG or JPEG within MaxImageBytes and
// returns its MIME type.
func ValidateImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrUnsupportedImage)
	}
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrUnsupportedImage, len(data), MaxImageBytes)
	}
	mt := mimetype.Detect(data)
	if !mt.Is("image/png") && !mt.Is("image/jpeg") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}
	return mt.String(), nil
}

// DescribeMode records which path produced a description.
type DescribeMode string

const (
	// ModeMultimodalStream streamed a reply that saw the image.
	ModeMultimodalStream DescribeMode = "multimodal-stream"

	// ModeTextStream streamed a text-only fallback reply.
	ModeTextStream DescribeMode = "text-stream"

	// ModeText used a single non-streaming text-only call.
	ModeText DescribeMode = "text"
)

// Description is the outcome of Describe.
type Description struct {
	Text     string                  `json:"text"`
	Mode     DescribeMode            `json:"mode"`
	MIMEType string                  `json:"mimeType"`
	Stream   capability.StreamResult `json:"stream"`
}

// Describer describes images with a multimodal session.
type Describer struct {
	mgr      *capability.SessionManager
	consumer *capability.StreamConsumer
	cfg      capability.Config
	logger   *slog.Logger
}

// NewDescriber creates a describer over mgr using model.
func NewDescriber(mgr *capability.SessionManager, model string, logger *slog.Logger) *Describer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Describer{
		mgr:      mgr,
		consumer: capability.NewStreamConsumer(capability.KindMultimodal, logger),
		cfg: capability.Config{
			Kind:           capability.KindMultimodal,
			Model:          model,
			SystemPrompt:   describerSystemPrompt,
			ExpectedInputs: []string{"image"},
		},
		logger: logger,
	}
}

// Config returns the session configuration the describer uses.
func (d *Describer) Config() capability.Config {
	return d.cfg
}

// Describe streams a description of image.
//
// # Description
//
// Tries, in order: a multimodal stream with the image, a text-only stream,
// and a single text-only call. A failure in one step moves to the next;
// only the last step's error is returned. A user cancel ends the chain with
// the partial text.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - image: PNG or JPEG bytes
//   - onChunk: Called after every appended chunk (may be nil)
//
// # Outputs
//
//   - Description: Text and the mode that produced it
//   - error: ErrUnsupportedImage, a capability error from session creation,
//     or the error of the final fallback
func (d *Describer) Describe(ctx context.Context, image []byte, onChunk func(capability.StreamUpdate)) (Description, error) {
	mime, err := ValidateImage(image)
	if err != nil {
		return Description{}, err
	}
	sess, err := d.mgr.EnsureReady(ctx, d.cfg)
	if err != nil {
		return Description{}, err
	}

	res, err := d.consumer.Stream(ctx, sess, capability.Input{Text: DescribePrompt, Images: [][]byte{image}}, onChunk)
	if err == nil {
		return Description{Text: res.Text, Mode: ModeMultimodalStream, MIMEType: mime, Stream: res}, nil
	}
	if ctx.Err() != nil {
		return Description{Text: res.Text, Mode: ModeMultimodalStream, MIMEType: mime, Stream: res}, ctx.Err()
	}
	d.logger.Info("multimodal stream failed, trying text-only stream", "error", err)

	res, err = d.consumer.Stream(ctx, sess, capability.TextInput(textFallbackPrompt), onChunk)
	if err == nil {
		return Description{Text: res.Text, Mode: ModeTextStream, MIMEType: mime, Stream: res}, nil
	}
	if ctx.Err() != nil {
		return Description{}, ctx.Err()
	}
	d.logger.Info("text stream failed, falling back to a single call", "error", err)

	out, err := d.mgr.RunOn(ctx, sess, capability.TextInput(textFallbackPrompt))
	if err != nil {
		return Description{}, err
	}
	return Description{Text: out, Mode: ModeText, MIMEType: mime}, nil
}

// Stop cancels the description being streamed, if any.
func (d *Describer) Stop() {
	d.consumer.Stop()
}

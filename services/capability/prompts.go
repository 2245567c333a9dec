// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capability

import "fmt"

// DetectorPrompt instructs a chat model to act as a language detector. The
// reply shape is parsed by the features package.
const DetectorPrompt = `Identify the language of the user's text. Reply with JSON only, in the form
{"candidates":[{"language":"<BCP 47 code>","confidence":<0..1>}]}
listing up to five candidates, most likely first. Confidences must sum to at most 1.`

const translatorPrompt = `You are a translation engine. Translate the user's text from %s to %s.
Reply with the translation only, without quotes, notes or explanations.`

// SystemPrompt returns the system message a chat-backed host uses for cfg.
// Prompt and multimodal sessions use cfg.SystemPrompt, which may be empty.
func SystemPrompt(cfg Config) string {
	switch cfg.Kind {
	case KindDetector:
		return DetectorPrompt
	case KindTranslator:
		return fmt.Sprintf(translatorPrompt, cfg.SourceLanguage, cfg.TargetLanguage)
	default:
		return cfg.SystemPrompt
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package features builds the four user-facing clients (language detection,
translation, chat and image description) on top of capability sessions.

Each client owns nothing but a capability.SessionManager and a base
configuration. Readiness, download progress and error surfacing stay in the
capability package; this package adds prompts, output parsing, language
tables and the batch adapters that feed capability.BatchRunner.
*/
package features

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianOnDevice/services/capability"
)

// =============================================================================
// Translation languages
// =============================================================================

// TranslationLanguages names the languages the translator accepts.
var TranslationLanguages = map[string]string{
	"en":      "English",
	"zh":      "Chinese (Simplified)",
	"zh-Hant": "Chinese (Traditional)",
	"ja":      "Japanese",
	"pt":      "Portuguese",
	"ru":      "Russian",
	"es":      "Spanish",
	"tr":      "Turkish",
	"hi":      "Hindi",
	"vi":      "Vietnamese",
	"bn":      "Bengali",
	"kn":      "Kannada",
	"ta":      "Tamil",
	"te":      "Telugu",
	"mr":      "Marathi",
}

// SupportedPairs lists the translation pairs. Each pair works in both
// directions.
var SupportedPairs = [][2]string{
	{"en", "zh"},
	{"en", "zh-Hant"},
	{"en", "ja"},
	{"en", "pt"},
	{"en", "ru"},
	{"en", "es"},
	{"en", "tr"},
	{"en", "hi"},
	{"en", "vi"},
	{"en", "bn"},
	{"en", "kn"},
	{"en", "ta"},
	{"en", "te"},
	{"en", "mr"},
}

// IsSupportedPair reports whether source→target is translatable.
func IsSupportedPair(source, target string) bool {
	for _, p := range SupportedPairs {
		if (p[0] == source && p[1] == target) || (p[1] == source && p[0] == target) {
			return true
		}
	}
	return false
}

// TargetsFor returns the languages source can be translated into, sorted by
// code.
func TargetsFor(source string) []string {
	var out []string
	for _, p := range SupportedPairs {
		switch source {
		case p[0]:
			out = append(out, p[1])
		case p[1]:
			out = append(out, p[0])
		}
	}
	sort.Strings(out)
	return out
}

// CheckTranslatorConfig rejects translator configurations with an
// unsupported language pair. Other kinds pass.
//
// Pass it to capability.WithCompatibility so the check runs before any
// session is created.
func CheckTranslatorConfig(cfg capability.Config) error {
	if cfg.Kind != capability.KindTranslator {
		return nil
	}
	if cfg.SourceLanguage == "" || cfg.TargetLanguage == "" {
		return fmt.Errorf("source and target languages are required")
	}
	if cfg.SourceLanguage == cfg.TargetLanguage {
		return fmt.Errorf("source and target language are both %s", cfg.SourceLanguage)
	}
	if !IsSupportedPair(cfg.SourceLanguage, cfg.TargetLanguage) {
		return fmt.Errorf("language pair %s → %s is not supported", cfg.SourceLanguage, cfg.TargetLanguage)
	}
	return nil
}

// =============================================================================
// Detection languages
// =============================================================================

var detectionLanguages = map[string]string{
	"af": "Afrikaans", "ar": "Arabic", "bg": "Bulgarian", "bn": "Bengali",
	"ca": "Catalan", "cs": "Czech", "cy": "Welsh", "da": "Danish",
	"de": "German", "el": "Greek", "en": "English", "es": "Spanish",
	"et": "Estonian", "fa": "Persian", "fi": "Finnish", "fr": "French",
	"gu": "Gujarati", "he": "Hebrew", "hi": "Hindi", "hr": "Croatian",
	"hu": "Hungarian", "id": "Indonesian", "it": "Italian", "ja": "Japanese",
	"kn": "Kannada", "ko": "Korean", "lt": "Lithuanian", "lv": "Latvian",
	"mk": "Macedonian", "ml": "Malayalam", "mr": "Marathi", "ne": "Nepali",
	"nl": "Dutch", "no": "Norwegian", "pa": "Punjabi", "pl": "Polish",
	"pt": "Portuguese", "ro": "Romanian", "ru": "Russian", "sk": "Slovak",
	"sl": "Slovenian", "so": "Somali", "sq": "Albanian", "sv": "Swedish",
	"sw": "Swahili", "ta": "Tamil", "te": "Telugu", "th": "Thai",
	"tl": "Tagalog", "tr": "Turkish", "uk": "Ukrainian", "ur": "Urdu",
	"vi": "Vietnamese", "zh": "Chinese", "zh-CN": "Chinese (Simplified)",
	"zh-TW": "Chinese (Traditional)",
}

// LanguageName returns a display name for a BCP 47 code, or the code itself
// when unknown.
func LanguageName(code string) string {
	if name, ok := detectionLanguages[code]; ok {
		return name
	}
	if name, ok := TranslationLanguages[code]; ok {
		return name
	}
	return code
}

// TranslationLanguageName is LanguageName preferring the translator's names,
// so "zh" reads "Chinese (Simplified)".
func TranslationLanguageName(code string) string {
	if name, ok := TranslationLanguages[code]; ok {
		return name
	}
	return LanguageName(code)
}

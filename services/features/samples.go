// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package features

import "github.com/AleutianAI/AleutianOnDevice/services/capability"

// BenchmarkTexts is the default translation batch.
var BenchmarkTexts = []string{
	"The quick brown fox jumps over the lazy dog near the river.",
	"In today's interconnected world, effective communication across language barriers has become increasingly important for global business success.",
	"Artificial intelligence and machine learning technologies are revolutionizing how we approach language translation and natural language processing.",
	"Climate change presents unprecedented challenges that require coordinated international efforts and innovative technological solutions.",
	"The emergence of quantum computing promises to transform industries ranging from cryptography to pharmaceutical research and development.",
	"Digital transformation initiatives are reshaping traditional business models and creating new opportunities for growth and innovation.",
	"Sustainable development goals emphasize the importance of balancing economic progress with environmental conservation and social responsibility.",
	"Educational institutions worldwide are adapting to remote learning technologies and hybrid classroom environments.",
	"Cybersecurity threats continue to evolve, requiring organizations to implement robust defense mechanisms and employee training programs.",
	"The healthcare industry is experiencing rapid digitalization through telemedicine platforms, electronic health records, and AI-powered diagnostic tools.",
	"Scientific research collaboration across borders accelerates discovery and innovation in fields such as renewable energy and biotechnology.",
	"Cultural diversity enriches societies by bringing together different perspectives, traditions, and approaches to problem-solving.",
	"Space exploration missions are advancing our understanding of the universe while developing technologies that benefit life on Earth.",
	"Financial technology innovations are democratizing access to banking services and investment opportunities for underserved populations.",
	"Social media platforms have fundamentally changed how people communicate, share information, and build communities in the digital age.",
}

// Sample is a detection input with its known language.
type Sample struct {
	Text     string `json:"text"`
	Expected string `json:"expectedLanguage"`
	Language string `json:"language"`
}

// DetectionSamples is the default language-detection batch.
var DetectionSamples = []Sample{
	{"The quick brown fox jumps over the lazy dog.", "en", "English"},
	{"Bonjour, comment allez-vous aujourd'hui?", "fr", "French"},
	{"Hallo und herzlich willkommen!", "de", "German"},
	{"Hola, ¿cómo estás? Me alegro de verte.", "es", "Spanish"},
	{"Ciao, come stai? È una bella giornata.", "it", "Italian"},
	{"こんにちは、お元気ですか？", "ja", "Japanese"},
	{"你好，你今天好吗？", "zh", "Chinese (Simplified)"},
	{"안녕하세요, 오늘 어떻게 지내세요?", "ko", "Korean"},
	{"Привет, как дела сегодня?", "ru", "Russian"},
	{"مرحبا، كيف حالك اليوم؟", "ar", "Arabic"},
	{"Olá, como você está hoje?", "pt", "Portuguese"},
	{"Hallo, hoe gaat het vandaag met je?", "nl", "Dutch"},
	{"Hej, hur mår du idag?", "sv", "Swedish"},
	{"Cześć, jak się masz dzisiaj?", "pl", "Polish"},
	{"Merhaba, bugün nasılsın?", "tr", "Turkish"},
}

// SampleTexts returns the text of every detection sample.
func SampleTexts() []string {
	out := make([]string, len(DetectionSamples))
	for i, s := range DetectionSamples {
		out[i] = s.Text
	}
	return out
}

// DefaultInputs returns the built-in batch for kind, or nil when the kind
// has none.
func DefaultInputs(kind capability.Kind) []string {
	switch kind {
	case capability.KindTranslator:
		return append([]string(nil), BenchmarkTexts...)
	case capability.KindDetector:
		return SampleTexts()
	default:
		return nil
	}
}

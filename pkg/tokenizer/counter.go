// Package tokenizer counts prompt tokens for pre-flight cost estimates.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// encodingForModel maps OpenAI model names to tiktoken encodings.
var encodingForModel = map[string]tokenizer.Encoding{
	"gpt-4o":        tokenizer.O200kBase,
	"gpt-4o-mini":   tokenizer.O200kBase,
	"gpt-4.1":       tokenizer.O200kBase,
	"gpt-4.1-mini":  tokenizer.O200kBase,
	"o1":            tokenizer.O200kBase,
	"o1-mini":       tokenizer.O200kBase,
	"o3-mini":       tokenizer.O200kBase,
	"gpt-4-turbo":   tokenizer.Cl100kBase,
	"gpt-4":         tokenizer.Cl100kBase,
	"gpt-3.5-turbo": tokenizer.Cl100kBase,
}

var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}

var codecs sync.Map // tokenizer.Encoding -> tokenizer.Codec

// IsOpenAIModel reports whether model belongs to a family tiktoken can count exactly.
func IsOpenAIModel(model string) bool {
	for _, p := range openAIPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// CountTokens returns the token count of text for model. OpenAI-family
// models use tiktoken; everything else uses a characters/4 estimate.
func CountTokens(text, model string) (int64, error) {
	if IsOpenAIModel(model) {
		return countOpenAI(text, model)
	}
	return estimateTokens(text), nil
}

func countOpenAI(text, model string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}

	enc, ok := encodingForModel[model]
	if !ok {
		if strings.HasPrefix(model, "gpt-3") || strings.HasPrefix(model, "gpt-4-") || model == "gpt-4" {
			enc = tokenizer.Cl100kBase
		} else {
			enc = tokenizer.O200kBase
		}
	}

	codec, err := codecFor(enc)
	if err != nil {
		return 0, err
	}

	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return int64(len(ids)), nil
}

func codecFor(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	if c, ok := codecs.Load(enc); ok {
		return c.(tokenizer.Codec), nil
	}
	c, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", enc, err)
	}
	codecs.Store(enc, c)
	return c, nil
}

// estimateTokens uses character-based estimation (4 chars per token on average).
func estimateTokens(text string) int64 {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

// CountChatTokens counts tokens for a series of chat messages.
// Each message adds ~4 tokens of overhead for role/formatting.
func CountChatTokens(messages []map[string]string, model string) (int64, error) {
	var total int64
	for _, msg := range messages {
		total += 4
		for _, value := range msg {
			count, err := CountTokens(value, model)
			if err != nil {
				return 0, err
			}
			total += count
		}
	}
	total += 2 // assistant reply priming
	return total, nil
}

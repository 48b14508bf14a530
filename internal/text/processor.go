// Package text turns raw document and query text into normalized terms.
//
// The pipeline is a bleve analyzer: unicode word segmentation, lower-casing,
// removal of tokens that are not purely letters and digits, English stop
// word removal and Porter stemming. The same Processor must be used for
// documents and queries so both sides produce identical terms.
package text

import (
	"fmt"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	unicodetok "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// AlnumFilterName drops tokens containing anything but letters and digits.
	AlnumFilterName = "docindex_alnum"

	// AnalyzerName is the analyzer Processor builds.
	AnalyzerName = "docindex_terms"
)

func init() {
	_ = registry.RegisterTokenFilter(AlnumFilterName, alnumFilterConstructor)
}

// Processor tokenizes text into stemmed terms. It holds no mutable state
// and is safe for concurrent use.
type Processor struct {
	analyzer analysis.Analyzer
}

// New builds the analysis pipeline.
func New() (*Processor, error) {
	cache := registry.NewCache()
	analyzer, err := cache.DefineAnalyzer(AnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicodetok.Name,
		"token_filters": []string{
			lowercase.Name,
			AlnumFilterName,
			en.StopName,
			porter.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("define analyzer: %w", err)
	}
	return &Processor{analyzer: analyzer}, nil
}

// Tokenize returns the normalized terms of text in document order.
// Duplicates are kept; an empty or stop-word-only text yields nil.
func (p *Processor) Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	stream := p.analyzer.Analyze([]byte(text))
	if len(stream) == 0 {
		return nil
	}

	terms := make([]string, 0, len(stream))
	for _, tok := range stream {
		if len(tok.Term) == 0 {
			continue
		}
		terms = append(terms, string(tok.Term))
	}
	return terms
}

// TermFrequencies counts occurrences of each term.
func TermFrequencies(tokens []string) map[string]int {
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	return freqs
}

// UniqueTerms returns the distinct terms of tokens in first-seen order.
func UniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func alnumFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &alnumFilter{}, nil
}

// alnumFilter implements analysis.TokenFilter.
type alnumFilter struct{}

// Filter implements analysis.TokenFilter.
func (f *alnumFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if isAlnum(token.Term) {
			result = append(result, token)
		}
	}
	return result
}

func isAlnum(term []byte) bool {
	if len(term) == 0 {
		return false
	}
	for _, r := range string(term) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

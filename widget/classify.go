// ABOUTME: Keyword-driven trigger classifier that maps a user message to a widget kind.
// ABOUTME: Pure and deterministic; rule order is significant and file attachment wins outright.

package widget

import "strings"

// Rule pairs a widget kind with the keywords that trigger it. Rules are
// evaluated in order; the first rule whose keyword set intersects the message
// tokens wins.
type Rule struct {
	Kind     Kind     `yaml:"kind"`
	Keywords []string `yaml:"keywords"`
}

// DefaultRules returns the built-in ordered trigger rules. Creative/image
// triggers are checked before search, before analysis, before writing, before
// documents, before generic help, because a message can match several sets.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindImage, Keywords: []string{
			"image", "picture", "photo", "draw", "paint", "sketch",
			"illustration", "logo", "artwork", "render", "visualize", "generate",
		}},
		{Kind: KindSearch, Keywords: []string{
			"search", "find", "lookup", "news", "latest", "current",
			"today", "web", "google", "recent",
		}},
		{Kind: KindAnalysis, Keywords: []string{
			"analyze", "analysis", "data", "dataset", "chart", "graph",
			"csv", "spreadsheet", "statistics", "trend", "correlation",
		}},
		{Kind: KindWriting, Keywords: []string{
			"write", "draft", "essay", "email", "letter", "blog",
			"article", "rewrite", "proofread", "compose",
		}},
		{Kind: KindKnowledge, Keywords: []string{
			"document", "documents", "pdf", "file", "files", "upload",
			"knowledge", "summarize",
		}},
		{Kind: KindHelp, Keywords: []string{
			"help", "assist", "guide", "tutorial", "onboarding",
		}},
	}
}

// Classify inspects a user message and returns the widget kind it should be
// routed to, or KindNone for ordinary chat. File attachment takes absolute
// precedence and always selects the document/knowledge widget. The function
// is total, side-effect-free, and deterministic for identical input.
func Classify(text string, hasFiles bool) Kind {
	return ClassifyWith(DefaultRules(), text, hasFiles)
}

// ClassifyWith is Classify with an explicit ordered rule list, used when
// rules are loaded from configuration.
func ClassifyWith(rules []Rule, text string, hasFiles bool) Kind {
	if hasFiles {
		return KindKnowledge
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return KindNone
	}

	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if tokens[strings.ToLower(kw)] {
				return rule.Kind
			}
		}
	}
	return KindNone
}

// tokenize lower-cases the input and splits it into a set of alphanumeric
// tokens, discarding punctuation.
func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

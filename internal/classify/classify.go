// Package classify assigns every intercepted request to one routing class.
package classify

import (
	"fmt"
	"regexp"

	"shellcache/internal/model"
)

// Class is a routing class. Each class maps to exactly one strategy.
type Class int

const (
	Generic Class = iota
	Navigation
	SpreadsheetFeed
)

func (c Class) String() string {
	switch c {
	case SpreadsheetFeed:
		return "spreadsheet_feed"
	case Navigation:
		return "navigation"
	case Generic:
		return "generic"
	default:
		return "unknown"
	}
}

// FeedPattern matches the CSV export of a published Google spreadsheet.
const FeedPattern = `docs\.google\.com/spreadsheets/.*tqx=out:csv`

// Classifier holds the feed signature. The zero value is not usable; use New
// or Default.
type Classifier struct {
	feed *regexp.Regexp
}

// New compiles a classifier for the given feed pattern. An empty pattern
// selects FeedPattern.
func New(pattern string) (*Classifier, error) {
	if pattern == "" {
		pattern = FeedPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile feed pattern: %w", err)
	}
	return &Classifier{feed: re}, nil
}

// Default returns a classifier for FeedPattern.
func Default() *Classifier {
	return &Classifier{feed: regexp.MustCompile(FeedPattern)}
}

// Classify applies the rules in priority order; the first match wins, so a
// navigation to a feed URL is still feed traffic.
func (c *Classifier) Classify(req model.Request) Class {
	if c.feed.MatchString(req.URL()) {
		return SpreadsheetFeed
	}
	if req.Mode() == model.ModeNavigate {
		return Navigation
	}
	return Generic
}

// Classify uses the default classifier.
func Classify(req model.Request) Class {
	return defaultClassifier.Classify(req)
}

var defaultClassifier = Default()

// Package stream folds a provider fragment stream into one response.
//
// Text deltas are appended strictly in arrival order and tool-call deltas
// are collected into a single batch. A stream that ends early without an
// error is treated as complete.
package stream

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harun/shopassist/internal/observability"
	"github.com/harun/shopassist/pkg/provider"
)

// ParagraphBreak separates the text before a tool round from the text after.
const ParagraphBreak = "\n\n"

// Result is what one stream pass produced.
type Result struct {
	Text      string
	ToolCalls []provider.ToolCallRequest
}

// Hooks observe aggregation as it happens. Both are optional.
type Hooks struct {
	// OnText receives the full running text after every text delta.
	OnText func(text string)
	// OnFragment runs for every fragment pulled, including end of stream.
	OnFragment func(kind provider.FragmentKind)
}

// Consume pulls s until end of stream. Seed is prepended to the running text
// so a continuation keeps appending to the message of the same turn; the
// returned Text includes it. When new text follows a seed that does not end
// in whitespace, a paragraph break separates the two.
//
// On a transport error the partial result is returned together with the
// error. Cancellation is checked between pulls and reported as ctx.Err().
// The stream is always closed before returning.
func Consume(ctx context.Context, s provider.Stream, seed string, hooks Hooks) (Result, error) {
	defer s.Close()

	var buf strings.Builder
	buf.WriteString(seed)
	needBreak := needsSeparator(seed)
	var res Result

	for {
		if err := ctx.Err(); err != nil {
			res.Text = buf.String()
			return res, err
		}

		f, err := s.Next()
		if err != nil {
			res.Text = buf.String()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			return res, err
		}

		observability.RecordFragment(f.Kind.String())
		if hooks.OnFragment != nil {
			hooks.OnFragment(f.Kind)
		}

		switch f.Kind {
		case provider.TextDelta:
			if f.Text == "" {
				continue
			}
			if needBreak {
				if r, _ := utf8.DecodeRuneInString(f.Text); !unicode.IsSpace(r) {
					buf.WriteString(ParagraphBreak)
				}
				needBreak = false
			}
			buf.WriteString(f.Text)
			if hooks.OnText != nil {
				hooks.OnText(buf.String())
			}
		case provider.ToolCallDelta:
			if f.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *f.ToolCall)
			}
		case provider.EndOfStream:
			res.Text = buf.String()
			return res, nil
		}
	}
}

func needsSeparator(seed string) bool {
	if seed == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(seed)
	return !unicode.IsSpace(r)
}

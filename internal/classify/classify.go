// Package classify derives a (service, theme) pair from an uploaded image's
// filename.
//
// Filenames follow the convention "<Service>_<theme>.<ext>", for example
// "ETFG_2차전지.png". The classifier evaluates an ordered table of rules and
// the first rule that matches decides the service; the rest of the name is the
// theme. Names that match no rule fall back to the segment after the last
// underscore.
package classify

import (
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Unclassified is returned for the service (and theme) when nothing matches.
const Unclassified = "미분류"

// Separator splits the service prefix from the theme.
const Separator = "_"

// Rule is one entry of the classification table. Match reports whether the
// extension-less name belongs to Label and, if so, returns the theme part.
type Rule struct {
	Label string
	Match func(name string) (theme string, ok bool)
}

// PrefixRule matches names starting with label followed by the separator.
func PrefixRule(label string) Rule {
	prefix := label + Separator
	return Rule{
		Label: label,
		Match: func(name string) (string, bool) {
			if !strings.HasPrefix(name, prefix) {
				return "", false
			}
			return name[len(prefix):], true
		},
	}
}

// Result is the outcome of classifying one filename.
type Result struct {
	Service string
	Theme   string
}

// Classified reports whether a service rule matched.
func (r Result) Classified() bool {
	return r.Service != Unclassified
}

// Classifier evaluates rules in priority order.
type Classifier struct {
	rules []Rule
}

// New builds a classifier with one prefix rule per service label. Longer
// labels are tried first so that a label that is a prefix of another never
// shadows it; labels of equal length keep their given order.
func New(labels []string) *Classifier {
	sorted := append([]string(nil), labels...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return utf8.RuneCountInString(sorted[i]) > utf8.RuneCountInString(sorted[j])
	})
	rules := make([]Rule, 0, len(sorted))
	for _, l := range sorted {
		rules = append(rules, PrefixRule(l))
	}
	return &Classifier{rules: rules}
}

// NewWithRules builds a classifier that evaluates rules exactly in the given order.
func NewWithRules(rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Labels returns the rule labels in evaluation order.
func (c *Classifier) Labels() []string {
	out := make([]string, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Label
	}
	return out
}

// Classify maps filename to its service and theme.
func (c *Classifier) Classify(filename string) Result {
	name := StripExt(filename)

	for _, r := range c.rules {
		if theme, ok := r.Match(name); ok {
			return Result{Service: r.Label, Theme: theme}
		}
	}

	if i := strings.LastIndex(name, Separator); i >= 0 {
		return Result{Service: Unclassified, Theme: name[i+len(Separator):]}
	}
	return Result{Service: Unclassified, Theme: Unclassified}
}

// StripExt removes the final extension from name. A trailing lone dot is
// not an extension.
func StripExt(name string) string {
	ext := filepath.Ext(name)
	if len(ext) <= 1 {
		return name
	}
	return strings.TrimSuffix(name, ext)
}

// SplitName returns the base name without extension and the extension of name.
func SplitName(name string) (base, ext string) {
	base = StripExt(name)
	return base, name[len(base):]
}

// DecodeLegacyName repairs a filename whose UTF-8 bytes were read as
// ISO-8859-1 somewhere on the upload path, which turns every Hangul syllable
// into three Latin-1 characters. Names that are already proper text are returned unchanged.
func DecodeLegacyName(name string) string {
	raw, err := charmap.ISO8859_1.NewEncoder().String(name)
	if err != nil || raw == name || !utf8.ValidString(raw) {
		return name
	}
	return raw
}

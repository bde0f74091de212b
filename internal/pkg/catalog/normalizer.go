package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// UnknownKey is the fallback key for blank raw identifiers.
const UnknownKey = "unknown"

// MaxKeyLength is the widest canonical key the purchases table stores, in
// characters.
const MaxKeyLength = 191

// keyHashLen is the number of hex digits kept from the digest of an
// oversized key.
const keyHashLen = 16

// Rule names the resolution step that produced a key.
type Rule string

const (
	RuleCanonical    Rule = "canonical"
	RuleAlias        Rule = "alias"
	RuleReverseAlias Rule = "reverse_alias"
	RuleKeyword      Rule = "keyword"
	RuleFallback     Rule = "fallback"
)

// Result is the outcome of normalizing a raw product identifier.
type Result struct {
	Key       string `json:"key"`
	Unmapped  bool   `json:"unmapped"`
	SoftMatch bool   `json:"soft_match"`
	Rule      Rule   `json:"rule"`
}

// Normalizer maps raw upstream product identifiers to canonical keys.
type Normalizer interface {
	Normalize(raw string) Result
	Owns(raw, key string) bool
}

// Normalize resolves raw to a canonical key. It never fails: an unresolvable
// identifier falls back to its trimmed self and is flagged Unmapped.
//
// Order: canonical key, alias (exact then folded), reverse alias, keyword
// heuristic, fallback.
func (c *Catalog) Normalize(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		log.Warnf("[Catalog] blank product id, falling back to %q", UnknownKey)
		return Result{Key: UnknownKey, Unmapped: true, Rule: RuleFallback}
	}

	if _, ok := c.byKey[trimmed]; ok {
		return Result{Key: trimmed, Rule: RuleCanonical}
	}

	if key, ok := c.aliases[trimmed]; ok {
		return Result{Key: key, Rule: RuleAlias}
	}
	folded := fold(trimmed)
	if key, ok := c.folded[folded]; ok {
		return Result{Key: key, Rule: RuleAlias}
	}

	if key, ok := c.reverse[slug(trimmed)]; ok {
		return Result{Key: key, Rule: RuleReverseAlias}
	}

	if key, term, ok := c.matchKeyword(folded); ok {
		log.Infof("[Catalog] soft match %q -> %q via keyword %q", trimmed, key, term)
		return Result{Key: key, SoftMatch: true, Rule: RuleKeyword}
	}

	log.Warnf("[Catalog] unmapped product id %q", trimmed)
	return Result{Key: BoundKey(trimmed), Unmapped: true, Rule: RuleFallback}
}

// BoundKey returns key unchanged when it fits MaxKeyLength. Longer keys keep
// a prefix and end in "~" plus a digest of the whole key, so distinct raw ids
// stay distinct.
func BoundKey(key string) string {
	if utf8.RuneCountInString(key) <= MaxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	suffix := "~" + hex.EncodeToString(sum[:])[:keyHashLen]

	runes := []rune(key)
	return string(runes[:MaxKeyLength-len(suffix)]) + suffix
}

// Owns reports whether raw normalizes to key. It is the only product
// ownership check; an unmapped raw id owns its own fallback key.
func (c *Catalog) Owns(raw, key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && c.Normalize(raw).Key == key
}

func (c *Catalog) matchKeyword(folded string) (string, string, bool) {
	// keywords are sorted longest first, then by catalog position
	for _, k := range c.keywords {
		if strings.Contains(folded, k.term) {
			return k.key, k.term, true
		}
	}
	return "", "", false
}

func sortKeywords(ks []keyword) {
	sort.SliceStable(ks, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(ks[i].term), utf8.RuneCountInString(ks[j].term)
		if li != lj {
			return li > lj
		}
		if ks[i].pos != ks[j].pos {
			return ks[i].pos < ks[j].pos
		}
		return ks[i].term < ks[j].term
	})
}

// fold applies compatibility normalization and Unicode case folding.
// A Caser is stateful, so one is created per call.
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(s))
}

// slug folds s and collapses every run of non alphanumeric runes to "-",
// so "AI_Prompts", "ai prompts" and "AI-Prompts" compare equal.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range fold(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}

// nameStems derives keyword candidates from a display name: tokens of at
// least four runes with a trailing plural "s" dropped.
func nameStems(name string) []string {
	var out []string
	for _, tok := range strings.Split(slug(name), "-") {
		tok = strings.TrimSuffix(tok, "s")
		if utf8.RuneCountInString(tok) < 4 {
			continue
		}
		out = append(out, tok)
	}
	return out
}

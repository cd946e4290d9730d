// Package i18n localizes API error messages and learner notifications. Translations
// for az, en and ru are embedded from locales/*.json.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type (
	ctxKey  struct{}
	langKey struct{}
)

var (
	bundle      *i18n.Bundle
	defaultLang string
	supported   []language.Tag // default language first
	matcher     language.Matcher
)

// Init loads the translation bundle with lang as the default language.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := b.ParseMessageFileBytes(data, e.Name()); err != nil {
			return fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}

	// The default language goes first so the matcher falls back to it.
	tags := []language.Tag{tag}
	for _, t := range b.LanguageTags() {
		if t != tag {
			tags = append(tags, t)
		}
	}
	bundle = b
	defaultLang = tag.String()
	supported = tags
	matcher = language.NewMatcher(tags)
	return nil
}

// Supported reports whether translations exist for lang.
func Supported(lang string) bool {
	tag, err := language.Parse(lang)
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	for _, t := range bundle.LanguageTags() {
		if b, _ := t.Base(); b == base {
			return true
		}
	}
	return false
}

// Match picks the best supported language for the given preferences, as found in an
// Accept-Language header. It returns the default language if nothing matches.
func Match(prefs ...string) string {
	var tags []language.Tag
	for _, p := range prefs {
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return defaultLang
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return defaultLang
	}
	return supported[idx].String()
}

// NewLocalizer creates a localizer trying langs in order, then the default language.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, append(langs, defaultLang)...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// WithLang stores lang and a localizer for it in the context.
func WithLang(ctx context.Context, lang string) context.Context {
	ctx = context.WithValue(ctx, langKey{}, lang)
	return WithLocalizer(ctx, NewLocalizer(lang))
}

// Lang returns the language stored by WithLang, or the default language.
func Lang(ctx context.Context) string {
	if lang, ok := ctx.Value(langKey{}).(string); ok {
		return lang
	}
	return defaultLang
}

func localizerFromCtx(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return i18n.NewLocalizer(bundle, defaultLang)
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return Td(ctx, msgID, nil)
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	s, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		TemplateData: data,
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

// Tp translates a pluralized message by ID.
func Tp(ctx context.Context, msgID string, count int) string {
	s, err := localizerFromCtx(ctx).Localize(&i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
	if err != nil {
		slog.Warn("missing translation", "id", msgID, "error", err)
		return msgID
	}
	return s
}

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/storage"
)

const DefaultLanguage = "tr"

const keyLanguageTimestamp = storage.KeyLanguage + "-timestamp"

var SupportedLanguages = []string{"tr", "en", "de", "fr", "es", "ar", "zh", "ja"}

var ErrUnsupportedLanguage = xerrors.New("unsupported language")

// Language returns the saved language, or DefaultLanguage when none is
// saved or the saved one is no longer supported.
func (c *Client) Language(ctx context.Context) string {
	var lang string
	if !c.getJSON(ctx, storage.KeyLanguage, &lang) || !slices.Contains(SupportedLanguages, lang) {
		return DefaultLanguage
	}
	return lang
}

func (c *Client) SetLanguage(ctx context.Context, lang string) error {
	lang = strings.ToLower(lang)
	if !slices.Contains(SupportedLanguages, lang) {
		return xerrors.Errorf("%q: %w", lang, ErrUnsupportedLanguage)
	}
	if err := c.setJSON(ctx, storage.KeyLanguage, lang); err != nil {
		return err
	}
	now := strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
	return c.Store.Set(ctx, keyLanguageTimestamp, []byte(now))
}

// DetectLanguage saves the primary subtag of a tag like "de-AT" when no
// language is saved yet and the subtag is supported. It returns the
// language in effect afterwards.
func (c *Client) DetectLanguage(ctx context.Context, tag string) string {
	if _, err := c.Store.Get(ctx, storage.KeyLanguage); err == nil {
		return c.Language(ctx)
	}
	primary, _, _ := strings.Cut(tag, "-")
	if err := c.SetLanguage(ctx, primary); err != nil {
		return DefaultLanguage
	}
	return c.Language(ctx)
}

// AutoTrack reports whether page views and actions feed funnels. It is on
// unless explicitly turned off.
func (c *Client) AutoTrack(ctx context.Context) bool {
	enabled := true
	c.getJSON(ctx, storage.KeyAutoTrack, &enabled)
	return enabled
}

func (c *Client) SetAutoTrack(ctx context.Context, enabled bool) error {
	return c.setJSON(ctx, storage.KeyAutoTrack, enabled)
}

func (c *Client) getJSON(ctx context.Context, key string, v any) bool {
	raw, err := c.Store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		c.log.Warn("read preference", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warn("decode preference", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("marshal %s: %w", key, err)
	}
	if err := c.Store.Set(ctx, key, raw); err != nil {
		return xerrors.Errorf("save %s: %w", key, err)
	}
	return nil
}

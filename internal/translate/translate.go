// Package translate provides text translation behind a Provider interface,
// with an HTTP backend and a deterministic demo fallback.
package translate

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/ratelimit"
)

// AutoDetect lets the provider pick the source language.
const AutoDetect = "auto"

type Request struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
}

func (r Request) normalize() Request {
	if r.SourceLang == "" {
		r.SourceLang = AutoDetect
	}
	r.TargetLang = strings.ToLower(r.TargetLang)
	return r
}

func (r Request) cacheKey() string {
	return r.SourceLang + "\x00" + r.TargetLang + "\x00" + r.Text
}

type Result struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
	Provider   string `json:"provider"`
}

type Provider interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

var ErrEmptyText = xerrors.New("text cannot be empty")

var demoPhrases = map[string]map[string]string{
	"tr": {"hello": "merhaba", "thank you": "teşekkür ederim", "how are you": "nasılsın"},
	"en": {"merhaba": "hello", "teşekkür ederim": "thank you", "nasılsın": "how are you"},
	"de": {"hello": "hallo", "thank you": "danke", "how are you": "wie geht es dir"},
	"fr": {"hello": "bonjour", "thank you": "merci", "how are you": "comment allez-vous"},
	"es": {"hello": "hola", "thank you": "gracias", "how are you": "cómo estás"},
	"ar": {"hello": "مرحبا", "thank you": "شكرا لك", "how are you": "كيف حالك"},
	"zh": {"hello": "你好", "thank you": "谢谢", "how are you": "你好吗"},
	"ja": {"hello": "こんにちは", "thank you": "ありがとう", "how are you": "お元気ですか"},
}

// Demo translates a handful of phrases and tags everything else with the
// target language, e.g. "[DE] good morning".
type Demo struct{}

func (Demo) Translate(_ context.Context, req Request) (Result, error) {
	req = req.normalize()
	if req.Text == "" {
		return Result{}, ErrEmptyText
	}
	phrases, ok := demoPhrases[req.TargetLang]
	if !ok {
		phrases = demoPhrases["en"]
	}
	text, ok := phrases[strings.ToLower(req.Text)]
	if !ok {
		text = "[" + strings.ToUpper(req.TargetLang) + "] " + req.Text
	}
	return Result{Text: text, SourceLang: req.SourceLang, TargetLang: req.TargetLang, Provider: "demo"}, nil
}

// Fallback answers from Demo whenever Primary fails for any reason other
// than a rate limit or a bad request.
type Fallback struct {
	Primary Provider
	Demo    Provider
	Logger  *zap.Logger
}

func (f Fallback) Translate(ctx context.Context, req Request) (Result, error) {
	res, err := f.Primary.Translate(ctx, req)
	if err == nil {
		return res, nil
	}
	if xerrors.Is(err, ratelimit.ErrRateLimited) || xerrors.Is(err, ErrEmptyText) {
		return Result{}, err
	}
	if f.Logger != nil {
		f.Logger.Warn("translation provider failed, using demo", zap.Error(err))
	}
	demo := f.Demo
	if demo == nil {
		demo = Demo{}
	}
	return demo.Translate(ctx, req)
}

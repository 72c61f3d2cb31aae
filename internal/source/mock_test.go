package source

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/chenders/deadonfilm-sub007/pkg/anthropic"
	"github.com/chenders/deadonfilm-sub007/pkg/jina"
	"github.com/chenders/deadonfilm-sub007/pkg/perplexity"
	"github.com/chenders/deadonfilm-sub007/pkg/wikidata"
)

// mockWikidata implements wikidata.Client for testing.
type mockWikidata struct {
	mock.Mock
}

func (m *mockWikidata) DeathFacts(ctx context.Context, q wikidata.Query) (*wikidata.DeathFacts, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wikidata.DeathFacts), args.Error(1)
}

// mockJina implements jina.Client for testing.
type mockJina struct {
	mock.Mock
}

func (m *mockJina) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}

func (m *mockJina) Search(ctx context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.SearchResponse), args.Error(1)
}

// mockPerplexity implements perplexity.Client for testing.
type mockPerplexity struct {
	mock.Mock
}

func (m *mockPerplexity) ChatCompletion(ctx context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*perplexity.ChatCompletionResponse), args.Error(1)
}

// mockAnthropic implements anthropic.Client for testing.
type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

//go:build !integration

package ai_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	ai "advisor-agent/internal/infra/adapters/ai"
	"advisor-agent/internal/infra/db/memory"
)

func TestHashEmbedder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := ai.NewHashEmbedder(0)
	if e.Dimensions() != 256 {
		t.Fatalf("expected default dims 256, got %d", e.Dimensions())
	}

	t.Run("should be deterministic", func(t *testing.T) {
		a, _ := e.Embed(ctx, "Baseball practice on Saturday")
		b, _ := e.Embed(ctx, "Baseball practice on Saturday")
		if memory.CosineDistance(a, b) > 1e-6 {
			t.Error("same text must embed identically")
		}
	})

	t.Run("should place related texts closer than unrelated ones", func(t *testing.T) {
		q, _ := e.Embed(ctx, "whose kid plays baseball")
		near, _ := e.Embed(ctx, "My son Jake has baseball practice every Saturday")
		far, _ := e.Embed(ctx, "Quarterly portfolio rebalancing proposal")
		if memory.CosineDistance(q, near) >= memory.CosineDistance(q, far) {
			t.Errorf("expected related text to be nearer: near=%f far=%f",
				memory.CosineDistance(q, near), memory.CosineDistance(q, far))
		}
	})

	t.Run("should drop stop words", func(t *testing.T) {
		got := ai.Tokenize("Who is the one with a Baseball?")
		if len(got) != 2 || got[0] != "one" || got[1] != "baseball" {
			t.Errorf("unexpected tokens %v", got)
		}
	})
}

type countingEmbedder struct {
	calls int
	err   error
}

func (c *countingEmbedder) Dimensions() int { return 3 }

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{1, 0, 0}, nil
}

func TestCachedEmbedder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("should serve repeats from cache", func(t *testing.T) {
		inner := &countingEmbedder{}
		c, err := ai.NewCachedEmbedder(inner, 100, 0)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if _, err := c.Embed(ctx, "hello"); err != nil {
			t.Fatal(err)
		}
		c.Wait()
		if _, err := c.Embed(ctx, "hello"); err != nil {
			t.Fatal(err)
		}
		if inner.calls != 1 {
			t.Errorf("expected one upstream call, got %d", inner.calls)
		}
		if c.Dimensions() != 3 {
			t.Errorf("dims should come from the inner embedder")
		}
	})

	t.Run("should not cache failures", func(t *testing.T) {
		inner := &countingEmbedder{err: errors.New("down")}
		c, _ := ai.NewCachedEmbedder(inner, 100, 0)
		defer c.Close()
		_, _ = c.Embed(ctx, "x")
		c.Wait()
		_, _ = c.Embed(ctx, "x")
		if inner.calls != 2 {
			t.Errorf("failed embeddings must be retried, got %d calls", inner.calls)
		}
	})
}

func TestNoopAIAdapter_Echoes(t *testing.T) {
	t.Parallel()
	a := ai.NewNoopAIAdapter(testLogger())
	res, err := a.ChatWithTools(context.Background(), "", nil, nil)
	if err != nil || res.Content == "" || len(res.ToolCalls) != 0 {
		t.Errorf("unexpected noop result %+v %v", res, err)
	}
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

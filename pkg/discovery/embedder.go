package discovery

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/unicode/norm"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DescriptionHash is SHA-256 hex over the NFC-normalized text; the cache key
// for embeddings and discovery results.
func DescriptionHash(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errors.New("embedder: missing api key")
	}

	body, _ := json.Marshal(map[string]interface{}{
		"input": norm.NFC.String(text),
		"model": e.model,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedder: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder: api status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedder: decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, errors.New("embedder: no embedding returned")
	}
	vec := result.Data[0].Embedding
	if len(vec) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadEmbedding, len(vec), EmbeddingDim)
	}
	return vec, nil
}

// MemoryEmbedder produces deterministic pseudo-embeddings for tests: the
// text hash seeds the vector, so equal text always embeds identically and
// different texts land far apart.
type MemoryEmbedder struct{}

func (MemoryEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	vec := make([]float32, EmbeddingDim)
	var mag float64
	for i := range vec {
		// Stretch the 32 hash bytes over the full dimension.
		word := binary.BigEndian.Uint32(sum[(i*4)%28 : (i*4)%28+4])
		v := float32(int32(word^uint32(i*2654435761))) / float32(math.MaxInt32)
		vec[i] = v
		mag += float64(v) * float64(v)
	}
	// Normalize so cosine distance behaves.
	scale := float32(1 / math.Sqrt(mag))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// CachedEmbedder layers an in-process LRU and a Redis cache (7-day TTL,
// keyed by description hash) in front of a real embedder.
type CachedEmbedder struct {
	inner  Embedder
	client *redis.Client
	ttl    time.Duration

	mu    sync.Mutex
	lru   *list.List
	index map[string]*list.Element
	max   int
}

type lruEntry struct {
	key string
	vec []float32
}

func NewCachedEmbedder(inner Embedder, client *redis.Client) *CachedEmbedder {
	return &CachedEmbedder{
		inner:  inner,
		client: client,
		ttl:    7 * 24 * time.Hour,
		lru:    list.New(),
		index:  make(map[string]*list.Element),
		max:    1024,
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := DescriptionHash(text)

	if vec, ok := c.fromLRU(key); ok {
		return vec, nil
	}
	if c.client != nil {
		if raw, err := c.client.Get(ctx, "ainp:emb:"+key).Bytes(); err == nil {
			if vec := decodeVector(raw); vec != nil {
				c.toLRU(key, vec)
				return vec, nil
			}
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.toLRU(key, vec)
	if c.client != nil {
		// Cache write failure is not an embed failure.
		_ = c.client.Set(ctx, "ainp:emb:"+key, encodeVector(vec), c.ttl).Err()
	}
	return vec, nil
}

func (c *CachedEmbedder) fromLRU(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*lruEntry).vec, true
}

func (c *CachedEmbedder) toLRU(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.index[key] = c.lru.PushFront(&lruEntry{key: key, vec: vec})
	for c.lru.Len() > c.max {
		tail := c.lru.Back()
		c.lru.Remove(tail)
		delete(c.index, tail.Value.(*lruEntry).key)
	}
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}

// CosineDistance = 1 - cos(a, b). Zero vectors are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(magA)*math.Sqrt(magB))
}

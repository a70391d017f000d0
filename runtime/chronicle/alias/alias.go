// Package alias expands a user-supplied model name (or an explicit models[]
// list) into an ordered list of upstream attempts, following the resolver
// rules: explicit models[] win verbatim, then "<provider>/<model>" shorthand,
// then an org's alias table, then a global provider-prefix default.
package alias

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// Attempt is one (provider, model, api key reference) triple to try, in order.
type Attempt struct {
	Provider   string
	Model      string
	APIKeyName string
}

// Store looks up an org's alias table. Implementations read the admin store's
// cached snapshot; the request path never blocks on a live DB read.
type Store interface {
	AliasByName(ctx context.Context, org, name string) (canon.Alias, bool, error)
}

// invalidationSource is the subset of a cluster-coordination primitive the
// cache needs: a channel that fires whenever any process in the cluster
// writes an alias, so every process's in-memory snapshot gets dropped.
// goa-ai's rate limiter middleware uses the same "interface over rmap.Map,
// nil-able for process-local mode" shape for its clusterMap.
type invalidationSource interface {
	Subscribe() <-chan struct{}
}

// Resolver implements the alias resolver. It holds a copy-on-write read
// cache of alias rows so the hot path for rule 3 never touches the Store
// under lock; admin writes call Invalidate to drop the stale entry.
type Resolver struct {
	store Store
	inval invalidationSource

	mu    sync.RWMutex
	cache map[cacheKey]canon.Alias

	// prefixProviders maps a model-name prefix to its default provider for
	// rule 4. Longer prefixes are checked first.
	prefixProviders map[string]string
}

type cacheKey struct {
	org  string
	name string
}

// New constructs a Resolver. inval may be nil for a process-local deployment
// with no cluster invalidation.
func New(store Store, inval invalidationSource) *Resolver {
	r := &Resolver{
		store: store,
		inval: inval,
		cache: make(map[cacheKey]canon.Alias),
		prefixProviders: map[string]string{
			"claude-": "anthropic",
			"gpt-":    "openai",
			"o1-":     "openai",
			"o3-":     "openai",
			"o4-":     "openai",
			"llama":   "ollama",
			"mistral": "ollama",
			"qwen":    "ollama",
			"gemma":   "ollama",
		},
	}
	if inval != nil {
		go r.watchInvalidation()
	}
	return r
}

func (r *Resolver) watchInvalidation() {
	for range r.inval.Subscribe() {
		r.mu.Lock()
		r.cache = make(map[cacheKey]canon.Alias)
		r.mu.Unlock()
	}
}

// Invalidate drops a single cached alias, called after an admin write so the
// next lookup re-reads the Store. Safe to call even when no cluster
// coordination is configured; cluster peers learn of the write via inval.
func (r *Resolver) Invalidate(org, name string) {
	r.mu.Lock()
	delete(r.cache, cacheKey{org: org, name: name})
	r.mu.Unlock()
}

// Resolve expands req.Model / req.Options.Models into an ordered attempt
// list for org, per rules 1-4.
func (r *Resolver) Resolve(ctx context.Context, org string, req canon.Request) ([]Attempt, error) {
	randomChoice := req.Options.RandomChoice

	// Rule 1: models[] provided verbatim, aliases not followed.
	if len(req.Options.Models) > 0 {
		attempts := make([]Attempt, len(req.Options.Models))
		for i, m := range req.Options.Models {
			attempts[i] = Attempt{Provider: m.Provider, Model: m.Model, APIKeyName: m.APIKeyName}
		}
		if randomChoice {
			attempts = rotate(attempts, rand.Intn(len(attempts)))
		}
		return attempts, nil
	}

	model := req.Model
	if model == "" {
		model = req.Options.Model
	}
	if model == "" {
		return nil, errors.New("alias: request carries no model")
	}

	// Rule 2: "<provider>/<model>" shorthand, single attempt.
	if provider, bare, ok := strings.Cut(model, "/"); ok && provider != "" && bare != "" {
		return []Attempt{{Provider: provider, Model: bare}}, nil
	}

	// Rule 3: org alias table lookup.
	al, ok, err := r.lookup(ctx, org, model)
	if err != nil {
		return nil, err
	}
	if ok {
		attempts := make([]Attempt, len(al.Models))
		for i, m := range al.Models {
			attempts[i] = Attempt{Provider: m.Provider, Model: m.Model, APIKeyName: m.APIKeyName}
		}
		if al.RandomOrder || randomChoice {
			attempts = rotate(attempts, rand.Intn(max(len(attempts), 1)))
		}
		return attempts, nil
	}

	// Rule 4: global provider-prefix default.
	provider, ok := r.defaultProvider(model)
	if !ok {
		return nil, fmt.Errorf("alias: no alias or default provider for model %q", model)
	}
	return []Attempt{{Provider: provider, Model: model}}, nil
}

func (r *Resolver) lookup(ctx context.Context, org, name string) (canon.Alias, bool, error) {
	key := cacheKey{org: org, name: name}

	r.mu.RLock()
	if al, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return al, true, nil
	}
	r.mu.RUnlock()

	al, ok, err := r.store.AliasByName(ctx, org, name)
	if err != nil || !ok {
		return canon.Alias{}, false, err
	}

	r.mu.Lock()
	r.cache[key] = al
	r.mu.Unlock()
	return al, true, nil
}

func (r *Resolver) defaultProvider(model string) (string, bool) {
	best, provider := "", ""
	for prefix, p := range r.prefixProviders {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, provider = prefix, p
		}
	}
	return provider, best != ""
}

// rotate returns a copy of attempts starting at index start and wrapping
// around, implementing the "uniform random starting index, wraps" invariant
// for random_order aliases and random_choice lists.
func rotate(attempts []Attempt, start int) []Attempt {
	n := len(attempts)
	if n == 0 {
		return attempts
	}
	start = ((start % n) + n) % n
	out := make([]Attempt, n)
	for i := range out {
		out[i] = attempts[(start+i)%n]
	}
	return out
}

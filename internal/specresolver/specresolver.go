// Package specresolver resolves a spec id into a concrete, runnable
// ResolvedSpec. The control plane does not own spec CRUD; this package
// stands in for whatever does, with an in-memory registry optionally
// seeded at startup from a YAML file. Resolved specs are held briefly in
// a TTL cache (internal/cache) so repeated starts against the same spec
// skip re-validation.
package specresolver

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loadforge/platform/internal/cache"
	"github.com/loadforge/platform/internal/domain"
)

// resolveCacheTTL bounds how long a resolved spec is reused across repeated
// StartRun calls against the same spec id before the registry is
// re-consulted. Specs change rarely relative to run frequency.
const resolveCacheTTL = 30 * time.Second

// seedFile is the on-disk shape accepted by LoadFile: a flat list of specs,
// matching domain.Spec's JSON/YAML field names.
type seedFile struct {
	Specs []domain.Spec `yaml:"specs"`
}

// Registry is an in-memory Spec Resolver. It never talks to a database or
// external service; a production deployment would replace it with an
// adapter over the real spec CRUD surface without the Orchestrator
// noticing, since both only need to satisfy orchestrator.SpecResolver.
type Registry struct {
	mu          sync.RWMutex
	specs       map[string]domain.Spec
	attachments map[string][]byte

	resolved *cache.Cache[string, *domain.ResolvedSpec]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		specs: make(map[string]domain.Spec),
		resolved: cache.New[string, *domain.ResolvedSpec](cache.Options{
			TTL:        resolveCacheTTL,
			MaxEntries: 500,
		}),
	}
}

// LoadFile seeds the registry from a YAML file shaped as `specs: [...]`.
// Env-var configuration remains authoritative for everything
// process-level; this is purely a way to pre-populate specs for
// local/demo runs without a real CRUD surface in front.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read specs file %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse specs file %s: %w", path, err)
	}
	for _, s := range seed.Specs {
		r.Register(s)
	}
	return nil
}

// Register adds or replaces a spec by id. Safe to call concurrently with
// Resolve.
func (r *Registry) Register(spec domain.Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
}

// Remove deletes a spec by id, if present.
func (r *Registry) Remove(specID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, specID)
}

// Resolve satisfies orchestrator.SpecResolver: looks up specID, validates
// it, and returns a ResolvedSpec. Attachment bytes are populated only when
// the spec's request.attachmentId was registered with inline bytes via
// RegisterAttachment — file attachment storage proper lives elsewhere and
// this package does not implement it.
func (r *Registry) Resolve(ctx context.Context, specID string) (*domain.ResolvedSpec, error) {
	if cached, ok := r.resolved.Get(specID); ok {
		return cached, nil
	}

	r.mu.RLock()
	spec, ok := r.specs[specID]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSpecNotFound
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	resolved := &domain.ResolvedSpec{Spec: spec}
	if spec.Request.AttachmentID != "" {
		if bytes, ok := r.attachment(spec.Request.AttachmentID); ok {
			resolved.AttachmentBytes = bytes
		}
	}

	r.resolved.Set(specID, resolved)
	return resolved, nil
}

func (r *Registry) attachment(attachmentID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.attachments[attachmentID]
	return b, ok
}

// RegisterAttachment associates inline bytes with an attachment id so a
// future Resolve of a spec referencing it returns a ResolvedSpec with
// AttachmentBytes populated.
func (r *Registry) RegisterAttachment(attachmentID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachments == nil {
		r.attachments = make(map[string][]byte)
	}
	r.attachments[attachmentID] = data
}

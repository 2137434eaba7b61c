package specresolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/platform/internal/domain"
)

func validSpec(id string) domain.Spec {
	return domain.Spec{
		ID:   id,
		Name: "smoke test",
		Request: domain.Request{
			Method: "GET",
			URL:    "https://example.test/ok",
		},
		LoadProfile: domain.LoadProfile{RampUp: 0, Users: 2, Steady: 10, RampDown: 0},
	}
}

func TestResolve_NotFound(t *testing.T) {
	r := New()
	_, err := r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSpecNotFound)
}

func TestResolve_Invalid(t *testing.T) {
	r := New()
	r.Register(domain.Spec{ID: "bad", Request: domain.Request{URL: "://not-a-url"}})

	_, err := r.Resolve(context.Background(), "bad")
	require.Error(t, err)
	var invalid *domain.SpecInvalidError
	require.ErrorAs(t, err, &invalid)
}

func TestResolve_Success(t *testing.T) {
	r := New()
	r.Register(validSpec("s1"))

	resolved, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", resolved.ID)
	assert.Equal(t, 2, resolved.LoadProfile.Users)
}

func TestResolve_WithAttachment(t *testing.T) {
	r := New()
	spec := validSpec("s1")
	spec.Request.AttachmentID = "att1"
	r.Register(spec)
	r.RegisterAttachment("att1", []byte("payload"))

	resolved, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), resolved.AttachmentBytes)
}

func TestResolve_CachesAcrossCalls(t *testing.T) {
	r := New()
	r.Register(validSpec("s1"))

	first, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)

	r.Remove("s1")

	second, err := r.Resolve(context.Background(), "s1")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLoadFile_SeedsRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.yaml")
	content := `
specs:
  - id: seeded
    name: seeded spec
    request:
      method: GET
      url: https://example.test/ok
    loadProfile:
      rampUp: 0
      users: 1
      steady: 5
      rampDown: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := New()
	require.NoError(t, r.LoadFile(path))

	resolved, err := r.Resolve(context.Background(), "seeded")
	require.NoError(t, err)
	assert.Equal(t, "seeded spec", resolved.Name)
}

func TestLoadFile_MissingFile(t *testing.T) {
	r := New()
	err := r.LoadFile("/nonexistent/specs.yaml")
	require.Error(t, err)
}

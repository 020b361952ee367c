package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rendis/hero/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name    string
	desc    string
	version int
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc, Version: s.version}
}
func (s *stubAction) Run(_ context.Context, conn *schema.Connection) error {
	conn.Response["version"] = s.version
	return nil
}

func stub(name string, version int) *stubAction {
	return &stubAction{name: name, desc: "stub " + name, version: version}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var heroErr *schema.HeroError
	require.True(t, errors.As(err, &heroErr), "expected HeroError, got %T", err)
	assert.Equal(t, code, heroErr.Code)
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(stub("test.action", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test.action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("dup", 1)))

	requireCode(t, reg.Register(stub("dup", 1)), schema.ErrCodeConflict)
}

func TestRegistry_Register_SameNameNewVersion(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("dup", 1)))
	require.NoError(t, reg.Register(stub("dup", 2)))
	assert.Equal(t, 2, reg.Count())
}

func TestRegistry_Register_ZeroVersionIsOne(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("zero", 0)))

	requireCode(t, reg.Register(stub("zero", 1)), schema.ErrCodeConflict)
	assert.Equal(t, []int{1}, reg.AllVersions("zero"))
}

func TestRegistry_Register_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		action Action
	}{
		{"nil", nil},
		{"empty name", stub("", 1)},
		{"no description", &stubAction{name: "x", version: 1}},
		{"reserved verb", stub("say", 1)},
		{"negative version", stub("neg", -1)},
		{"nil run", New("norun", ActionSchema{Description: "d"}, nil)},
		{"blocked unknown type", New("blk", ActionSchema{
			Description:            "d",
			BlockedConnectionTypes: []schema.ConnectionType{"carrier-pigeon"},
		}, noop)},
		{"duplicate input", New("dupin", ActionSchema{
			Description: "d",
			Inputs:      []Input{{Name: "a"}, {Name: "a"}},
		}, noop)},
		{"unnamed input", New("noname", ActionSchema{
			Description: "d",
			Inputs:      []Input{{Required: true}},
		}, noop)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(nil)
			requireCode(t, reg.Register(tt.action), schema.ErrCodeValidation)
			assert.Equal(t, 0, reg.Count())
		})
	}
}

func noop(_ context.Context, _ *schema.Connection) error { return nil }

type failingCompiler struct{ calls int }

func (f *failingCompiler) CompileInputs(_ []Input) error {
	f.calls++
	return schema.ValidationError("x", "bad rule")
}

func TestRegistry_Register_UsesInputCompiler(t *testing.T) {
	c := &failingCompiler{}
	reg := NewRegistry(c)

	err := reg.Register(New("ruled", ActionSchema{
		Description: "d",
		Inputs:      []Input{{Name: "x", Rule: "value >"}},
	}, noop))
	requireCode(t, err, schema.ErrCodeValidation)
	assert.Equal(t, 1, c.calls)
	assert.False(t, reg.Has("ruled"))
}

func TestRegistry_Resolve_Latest(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("fetch", 2)))
	require.NoError(t, reg.Register(stub("fetch", 1)))
	require.NoError(t, reg.Register(stub("fetch", 3)))

	got, err := reg.Resolve("fetch", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, VersionOf(got))

	got, err = reg.Resolve("fetch", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, VersionOf(got))
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("fetch", 1)))

	_, err := reg.Resolve("missing", 0)
	requireCode(t, err, schema.ErrCodeUnknownAction)
	assert.Equal(t, schema.MsgUnknownAction, err.Error())

	_, err = reg.Resolve("fetch", 7)
	requireCode(t, err, schema.ErrCodeUnknownAction)
}

func TestRegistry_AllVersions(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("a", 3)))
	require.NoError(t, reg.Register(stub("a", 1)))

	assert.Equal(t, []int{1, 3}, reg.AllVersions("a"))
	assert.Empty(t, reg.AllVersions("unknown"))

	// Mutating the returned slice must not leak into the registry.
	vs := reg.AllVersions("a")
	vs[0] = 99
	assert.Equal(t, []int{1, 3}, reg.AllVersions("a"))
}

func TestRegistry_Replace_SnapshotSemantics(t *testing.T) {
	reg := NewRegistry(nil)
	old := stub("hot", 1)
	require.NoError(t, reg.Register(old))

	inflight, err := reg.Resolve("hot", 0)
	require.NoError(t, err)

	replacement := &stubAction{name: "hot", desc: "replaced", version: 1}
	require.NoError(t, reg.Replace(replacement))

	// The reference taken before the swap is untouched.
	assert.Same(t, old, inflight)
	assert.Equal(t, "stub hot", inflight.Schema().Description)

	after, err := reg.Resolve("hot", 0)
	require.NoError(t, err)
	assert.Same(t, replacement, after)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Replace_AddsWhenAbsent(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Replace(stub("fresh", 2)))
	assert.Equal(t, []int{2}, reg.AllVersions("fresh"))
}

func TestRegistry_Replace_RejectsInvalid(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("hot", 1)))

	requireCode(t, reg.Replace(&stubAction{name: "hot", version: 1}), schema.ErrCodeValidation)

	got, err := reg.Resolve("hot", 1)
	require.NoError(t, err)
	assert.Equal(t, "stub hot", got.Schema().Description)
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stub("gone", 1)))
	require.NoError(t, reg.Register(stub("gone", 2)))

	require.NoError(t, reg.Unregister("gone", 2))
	assert.Equal(t, []int{1}, reg.AllVersions("gone"))

	require.NoError(t, reg.Unregister("gone", 1))
	assert.False(t, reg.Has("gone"))

	requireCode(t, reg.Unregister("gone", 1), schema.ErrCodeNotFound)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&stubAction{name: "z.action", desc: "last", version: 1}))
	require.NoError(t, reg.Register(&stubAction{name: "a.action", desc: "first", version: 2}))
	require.NoError(t, reg.Register(&stubAction{name: "a.action", desc: "first", version: 1}))
	require.NoError(t, reg.Register(&stubAction{name: "m.action", desc: "middle", version: 1}))

	infos := reg.List()
	require.Len(t, infos, 4)
	assert.Equal(t, "a.action", infos[0].Name)
	assert.Equal(t, 1, infos[0].Version)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, 2, infos[1].Version)
	assert.Equal(t, "m.action", infos[2].Name)
	assert.Equal(t, "z.action", infos[3].Name)
}

func TestRegistry_List_Empty(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Empty(t, reg.List())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry(nil)
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 4)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(stub(fmt.Sprintf("concurrent.%d", i%10), i/10+1))
		}(i)
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.Replace(stub("concurrent.hot", 1))
		}()
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Resolve("concurrent.0", 0)
		}()
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.Equal(t, n+1, reg.Count())
}

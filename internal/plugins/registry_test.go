package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houqp/kiorg/internal/logging"
)

// namedPlugin builds a handshaked supervisor whose descriptor carries name.
func namedPlugin(t *testing.T, name string) *Supervisor {
	t.Helper()
	sup, _ := readySupervisor(t, testHandler{desc: demoDescriptor(name, `\.txt$`)})
	return sup
}

// TestRegistry_Insert_KeysByDescriptorName tests registration and lookup
// under the name the plugin reported, in registration order
func TestRegistry_Insert_KeysByDescriptorName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))
	require.NoError(t, reg.Insert(namedPlugin(t, "beta")))

	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())

	sup, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", sup.Name())

	_, ok = reg.Get("gamma")
	assert.False(t, ok)

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "alpha", snapshot[0].Name())
	assert.Equal(t, "beta", snapshot[1].Name())
}

// TestRegistry_Insert_RejectsDuplicateNames tests that two plugins cannot
// share a registry slot
func TestRegistry_Insert_RejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))

	err := reg.Insert(namedPlugin(t, "alpha"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")
	assert.Equal(t, 1, reg.Len())
}

// TestRegistry_Insert_RequiresDescriptor tests that a supervisor that never
// finished its handshake cannot be registered
func TestRegistry_Insert_RequiresDescriptor(t *testing.T) {
	reg := NewRegistry()
	raw := NewSupervisor("/plugins/kiorg_plugin_demo", newFakeExecutor(), 0, logging.Discard())

	require.Error(t, reg.Insert(raw))
	assert.Equal(t, 0, reg.Len())
}

// TestRegistry_Replace_PreservesOrder tests that a respawned plugin keeps
// its original routing position
func TestRegistry_Replace_PreservesOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))
	old := namedPlugin(t, "beta")
	require.NoError(t, reg.Insert(old))
	require.NoError(t, reg.Insert(namedPlugin(t, "gamma")))

	fresh := namedPlugin(t, "beta")
	require.NoError(t, reg.Replace("beta", fresh))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, reg.Names())
	got, ok := reg.Get("beta")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.NotSame(t, old, got)
}

// TestRegistry_Replace_RekeysRenamedPlugin tests a respawned binary that
// reports a different name: the slot is re-keyed without losing its position
func TestRegistry_Replace_RekeysRenamedPlugin(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))
	require.NoError(t, reg.Insert(namedPlugin(t, "beta")))
	require.NoError(t, reg.Insert(namedPlugin(t, "gamma")))

	require.NoError(t, reg.Replace("beta", namedPlugin(t, "beta-v2")))

	assert.Equal(t, []string{"alpha", "beta-v2", "gamma"}, reg.Names())
	_, ok := reg.Get("beta")
	assert.False(t, ok)
	_, ok = reg.Get("beta-v2")
	assert.True(t, ok)
}

// TestRegistry_Replace_MissingNameInserts tests that replacing a name that
// was never registered degrades to a plain insert
func TestRegistry_Replace_MissingNameInserts(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))

	require.NoError(t, reg.Replace("ghost", namedPlugin(t, "beta")))
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
}

// TestRegistry_Replace_RejectsCollidingRename tests that a rename onto an
// existing plugin's name fails and leaves the registry untouched
func TestRegistry_Replace_RejectsCollidingRename(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))
	require.NoError(t, reg.Insert(namedPlugin(t, "beta")))

	err := reg.Replace("beta", namedPlugin(t, "alpha"))
	require.Error(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())
	_, ok := reg.Get("beta")
	assert.True(t, ok)
}

// TestRegistry_Remove tests removal and its effect on ordering
func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Insert(namedPlugin(t, "alpha")))
	require.NoError(t, reg.Insert(namedPlugin(t, "beta")))
	require.NoError(t, reg.Insert(namedPlugin(t, "gamma")))

	assert.True(t, reg.Remove("beta"))
	assert.Equal(t, []string{"alpha", "gamma"}, reg.Names())

	assert.False(t, reg.Remove("beta"), "removing an absent name reports false")
	assert.Equal(t, 2, reg.Len())
}

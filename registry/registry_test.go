package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesInputs(t *testing.T) {
	t.Run("nil capacities", func(t *testing.T) {
		_, err := New(nil, map[ComponentID]DeviceID{})
		assert.Error(t, err)
	})

	t.Run("nil placement", func(t *testing.T) {
		_, err := New(map[DeviceID]int{"d1": 1}, nil)
		assert.Error(t, err)
	})

	t.Run("empty capacities", func(t *testing.T) {
		_, err := New(map[DeviceID]int{}, map[ComponentID]DeviceID{})
		assert.Error(t, err)
	})

	t.Run("non-positive capacity", func(t *testing.T) {
		_, err := New(map[DeviceID]int{"d1": 0}, map[ComponentID]DeviceID{})
		assert.Error(t, err)
	})

	t.Run("placement references unregistered device", func(t *testing.T) {
		_, err := New(map[DeviceID]int{"d1": 1}, map[ComponentID]DeviceID{"c1": "d2"})
		assert.Error(t, err)
	})

	t.Run("placement exceeds capacity", func(t *testing.T) {
		_, err := New(map[DeviceID]int{"d1": 1}, map[ComponentID]DeviceID{"c1": "d1", "c2": "d1"})
		assert.Error(t, err)
	})
}

func TestNew_PopulatesRegistry(t *testing.T) {
	r, err := New(
		map[DeviceID]int{"d1": 2, "d2": 1},
		map[ComponentID]DeviceID{"a": "d1", "b": "d1"},
	)
	require.NoError(t, err)

	d1, ok := r.Device("d1")
	require.True(t, ok)
	assert.Equal(t, 2, d1.Reserved)
	assert.Len(t, d1.Present, 2)

	d2, ok := r.Device("d2")
	require.True(t, ok)
	assert.Equal(t, 0, d2.Reserved)

	a, ok := r.Component("a")
	require.True(t, ok)
	require.NotNil(t, a.CurrentDevice)
	assert.Equal(t, DeviceID("d1"), *a.CurrentDevice)

	_, ok = r.Component("missing")
	assert.False(t, ok)
}

func TestRegistry_InsertAndRemoveComponent(t *testing.T) {
	r, err := New(map[DeviceID]int{"d1": 1}, map[ComponentID]DeviceID{})
	require.NoError(t, err)

	c := &Component{ID: "x"}
	r.InsertComponent(c)
	got, ok := r.Component("x")
	require.True(t, ok)
	assert.Same(t, c, got)

	r.RemoveComponent("x")
	_, ok = r.Component("x")
	assert.False(t, ok)
}

func TestRegistry_Snapshot(t *testing.T) {
	r, err := New(
		map[DeviceID]int{"d1": 2},
		map[ComponentID]DeviceID{"a": "d1"},
	)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, DeviceID("d1"), snap[0].ID)
	assert.Equal(t, 1, snap[0].Reserved)
	assert.Equal(t, []ComponentID{"a"}, snap[0].Present)
}

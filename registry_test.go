package conveyor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	first, err := New(Options{
		Name:  "Order Sync",
		Steps: []StepDef{{Name: "sync", Order: 1, Handler: noopStep}},
	})
	require.NoError(t, err)
	second, err := New(Options{
		Name:  "Billing",
		Steps: []StepDef{{Name: "bill", Order: 1, Handler: noopStep}},
	})
	require.NoError(t, err)

	registry, err := NewRegistry(first, second)
	require.NoError(t, err)

	got, ok := registry.Resolve("order-sync")
	require.True(t, ok)
	require.Equal(t, first, got)

	got, ok = registry.ByName("Order Sync")
	require.True(t, ok)
	require.Equal(t, first, got)

	// ByName also accepts the slugged form.
	got, ok = registry.ByName("order-sync")
	require.True(t, ok)
	require.Equal(t, first, got)

	_, ok = registry.Resolve("missing")
	require.False(t, ok)

	list := registry.List()
	require.Len(t, list, 2)
	require.Equal(t, "billing", list[0].ID())
	require.Equal(t, "order-sync", list[1].ID())
}

func TestRegistryDuplicateName(t *testing.T) {
	first, err := New(Options{
		Name:  "Order Sync",
		Steps: []StepDef{{Name: "sync", Order: 1, Handler: noopStep}},
	})
	require.NoError(t, err)
	second, err := New(Options{
		Name:  "Order Sync",
		Steps: []StepDef{{Name: "sync", Order: 1, Handler: noopStep}},
	})
	require.NoError(t, err)

	_, err = NewRegistry(first, second)
	require.Error(t, err)
	require.True(t, IsConfigError(err))
}

package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPlugin implements the Plugin interface for testing
type mockPlugin struct {
	Base
	label string
}

func factoryFor(label string) Factory {
	return func() (Plugin, error) { return &mockPlugin{label: label}, nil }
}

func TestFactoryRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        FactoryInfo
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: FactoryInfo{
				Entry:       "test.entry",
				Description: "A test entry",
				Priority:    PriorityDefault,
				Factory:     factoryFor("test"),
			},
		},
		{
			name:        "empty entry",
			info:        FactoryInfo{Factory: factoryFor("x")},
			wantErr:     true,
			errContains: "entry point cannot be empty",
		},
		{
			name:        "nil factory",
			info:        FactoryInfo{Entry: "test.entry"},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewFactoryRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactoryRegistry_PriorityOverride(t *testing.T) {
	registry := NewFactoryRegistry()

	require.NoError(t, registry.Register(FactoryInfo{
		Entry:    "audit",
		Priority: PriorityDefault,
		Factory:  factoryFor("default"),
	}))
	require.NoError(t, registry.Register(FactoryInfo{
		Entry:    "audit",
		Priority: PriorityOverride,
		Factory:  factoryFor("override"),
	}))
	// Lower priority registration after an override is skipped
	require.NoError(t, registry.Register(FactoryInfo{
		Entry:    "audit",
		Priority: PriorityDefault,
		Factory:  factoryFor("late-default"),
	}))

	p, err := registry.Create("audit")
	require.NoError(t, err)
	assert.Equal(t, "override", p.(*mockPlugin).label)
	assert.Equal(t, []string{"audit"}, registry.Entries())
}

func TestFactoryRegistry_EqualPriorityLaterWins(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register(FactoryInfo{Entry: "e", Factory: factoryFor("first")}))
	require.NoError(t, registry.Register(FactoryInfo{Entry: "e", Factory: factoryFor("second")}))

	p, err := registry.Create("e")
	require.NoError(t, err)
	assert.Equal(t, "second", p.(*mockPlugin).label)
}

func TestFactoryRegistry_Create(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register(FactoryInfo{
		Entry:   "broken",
		Factory: func() (Plugin, error) { return nil, errors.New("no memory") },
	}))
	require.NoError(t, registry.Register(FactoryInfo{
		Entry:   "nil",
		Factory: func() (Plugin, error) { return nil, nil },
	}))
	require.NoError(t, registry.Register(FactoryInfo{
		Entry:   "panics",
		Factory: func() (Plugin, error) { panic("constructor exploded") },
	}))

	_, err := registry.Create("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = registry.Create("broken")
	assert.ErrorContains(t, err, "no memory")

	_, err = registry.Create("nil")
	assert.ErrorContains(t, err, "factory returned nil")

	var p Plugin
	assert.NotPanics(t, func() { p, err = registry.Create("panics") })
	assert.Nil(t, p)
	assert.ErrorContains(t, err, "constructor exploded")
}

func TestFactoryRegistry_ListSortedAndClear(t *testing.T) {
	registry := NewFactoryRegistry()
	for _, entry := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, registry.Register(FactoryInfo{Entry: entry, Factory: factoryFor(entry)}))
	}

	list := registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Entry)
	assert.Equal(t, "zeta", list[2].Entry)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, registry.Entries())

	registry.Clear()
	assert.Empty(t, registry.List())
	_, ok := registry.Lookup("alpha")
	assert.False(t, ok)
}

func TestSanitizeID(t *testing.T) {
	tests := map[string]string{
		"Foo":              "foo",
		"My Cool Plugin":   "my_cool_plugin",
		"../../etc/passwd": "etc_passwd",
		"com.example.Tool": "com.example.tool",
		"   ":              "plugin",
		"a/b\\c":           "a_b_c",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeID(in), in)
	}
}

func TestDescriptorMatches(t *testing.T) {
	d := Descriptor{ID: "weather", Name: "Weather Widget", Author: "Ana", Category: "Widgets"}
	assert.True(t, d.Matches("widget"))
	assert.True(t, d.Matches("ANA"))
	assert.True(t, d.Matches(""))
	assert.False(t, d.Matches("calendar"))
}

func TestErrorShape(t *testing.T) {
	err := NewError("foo", PhaseEnable, errors.New("refused"))
	assert.Equal(t, "plugin foo: enable failed: refused", err.Error())
	assert.True(t, IsLifecycleError(err))
	assert.False(t, IsLifecycleError(NewError("foo", PhaseInstall, errors.New("x"))))
	assert.False(t, IsLifecycleError(errors.New("plain")))
}

package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/stackmint/storagegate/internal/errors"
)

func TestDBSettingsEffectiveURL(t *testing.T) {
	direct := DBSettings{DatabaseURL: "postgres://direct"}
	assert.Equal(t, "postgres://direct", direct.EffectiveURL())
	assert.False(t, direct.ExternalPool())

	pooled := DBSettings{
		DatabaseURL:     "postgres://direct",
		DatabasePoolURL: "postgres://pooler",
	}
	assert.Equal(t, "postgres://pooler", pooled.EffectiveURL())
	assert.True(t, pooled.ExternalPool())
}

func TestDBSettingsValidate(t *testing.T) {
	err := DBSettings{}.Validate()
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))

	assert.NoError(t, DBSettings{DatabaseURL: "postgres://x"}.Validate())
	assert.NoError(t, DBSettings{DatabasePoolURL: "postgres://pool"}.Validate())
}

func TestStaticResolver(t *testing.T) {
	r := &StaticResolver{Settings: DBSettings{DatabaseURL: "postgres://fixed"}}

	got, err := r.Resolve(context.Background(), "any-tenant")
	require.NoError(t, err)
	assert.Equal(t, "postgres://fixed", got.DatabaseURL)

	empty := &StaticResolver{}
	_, err = empty.Resolve(context.Background(), "any-tenant")
	assert.True(t, apperrors.IsConfiguration(err))
}

type fixedResolver struct {
	settings DBSettings
	err      error
	calls    int
}

func (f *fixedResolver) Resolve(context.Context, string) (DBSettings, error) {
	f.calls++
	return f.settings, f.err
}

func TestCachedResolverWithoutClientDelegates(t *testing.T) {
	inner := &fixedResolver{settings: DBSettings{DatabaseURL: "postgres://inner"}}
	r := NewCachedResolver(inner, nil, 0, nil)

	got, err := r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "postgres://inner", got.DatabaseURL)
	assert.Equal(t, 1, inner.calls)

	// With no cache every call goes through.
	_, err = r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	assert.NoError(t, r.Invalidate(context.Background(), "t1"))
}

func TestCachedResolverRejectsEmptyTenant(t *testing.T) {
	r := NewCachedResolver(&fixedResolver{}, nil, 0, nil)
	_, err := r.Resolve(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestCachedResolverRejectsInvalidInnerSettings(t *testing.T) {
	inner := &fixedResolver{} // resolves to empty settings
	r := NewCachedResolver(inner, nil, 0, nil)
	_, err := r.Resolve(context.Background(), "t1")
	assert.True(t, apperrors.IsConfiguration(err))
}

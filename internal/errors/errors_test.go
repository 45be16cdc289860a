package errors

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaultsToGeneric(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("test error")).Build()
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.Equal(t, "test error", ee.Error())
	assert.False(t, ee.Timestamp.IsZero())
}

func TestCategoryHelpers(t *testing.T) {
	t.Parallel()

	notFound := NotFound("no records in %s", "/data")
	validation := Validation("no labels")

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsValidation(notFound))
	assert.True(t, IsValidation(validation))
	assert.Equal(t, "no records in /data", notFound.Error())

	wrapped := fmt.Errorf("train: %w", notFound)
	assert.True(t, IsNotFound(wrapped), "category must survive fmt wrapping")
	assert.True(t, Is(wrapped, &EnhancedError{Category: CategoryNotFound}))
	assert.False(t, Is(wrapped, &EnhancedError{Category: CategoryValidation}))
}

func TestContextInMessage(t *testing.T) {
	t.Parallel()

	ee := Newf("weights mismatch").
		Category(CategoryModelLoad).
		Context("tensor", "fc2.weight").
		Context("expected", "[128 2]").
		Build()

	assert.Equal(t, "weights mismatch (expected=[128 2], tensor=fc2.weight)", ee.Error())
	ctx := ee.GetContext()
	ctx["tensor"] = "changed"
	assert.Equal(t, "fc2.weight", ee.Context["tensor"], "GetContext must return a copy")
}

func TestFileErrorUnwraps(t *testing.T) {
	t.Parallel()

	ee := FileError(fs.ErrNotExist, "/tmp/x.pth")
	require.Equal(t, CategoryFileIO, ee.Category)
	assert.ErrorIs(t, ee, fs.ErrNotExist)
	assert.Contains(t, ee.Error(), "file=/tmp/x.pth")
}

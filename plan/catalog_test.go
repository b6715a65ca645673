package plan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestSeedUpsertColumnsCoverModel(t *testing.T) {
	s, err := schema.Parse(&Plan{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	listed := make(map[string]bool, len(planUpdateColumns))
	for _, col := range planUpdateColumns {
		listed[col] = true
	}

	for _, field := range s.Fields {
		if field.PrimaryKey {
			assert.False(t, listed[field.DBName], "conflict key %s must not be rewritten", field.DBName)
			continue
		}
		assert.True(t, listed[field.DBName], "column %s missing from the seed upsert", field.DBName)
	}
	assert.Len(t, planUpdateColumns, len(s.Fields)-1)
}

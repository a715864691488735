package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/medvault/internal/db/migrations"
)

func TestLoadPairsUpAndDown(t *testing.T) {
	source := fstest.MapFS{
		"002_add_index.sql":           {Data: []byte("CREATE INDEX x ON t(a);")},
		"001_initial_schema.sql":      {Data: []byte("CREATE TABLE t (a INT);")},
		"001_initial_schema_down.sql": {Data: []byte("DROP TABLE t;")},
		"README.md":                   {Data: []byte("ignored")},
		"nover.sql":                   {Data: []byte("ignored")},
	}

	got, err := Load(source)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "initial_schema", got[0].Name)
	assert.Equal(t, "CREATE TABLE t (a INT);", got[0].UpSQL)
	assert.Equal(t, "DROP TABLE t;", got[0].DownSQL)

	assert.Equal(t, 2, got[1].Version)
	assert.Equal(t, "add_index", got[1].Name)
	assert.Empty(t, got[1].DownSQL)
}

func TestEmbeddedSchemaLoads(t *testing.T) {
	got, err := Load(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Contains(t, got[0].UpSQL, "CREATE TABLE IF NOT EXISTS one_time_codes")
	assert.NotEmpty(t, got[0].DownSQL)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{
	{Name: "the_geom", Type: Geometry},
	{Name: "_UID", Type: Text},
	{Name: "date", Type: Timestamp},
	{Name: "Density", Type: Numeric},
}

func TestSchemaValidate(t *testing.T) {
	t.Run("matching with extra columns", func(t *testing.T) {
		actual := append([]Column{{Name: "row_id", Type: Numeric}}, testSchema...)
		assert.NoError(t, testSchema.Validate(actual))
	})

	t.Run("missing and mismatched columns", func(t *testing.T) {
		actual := []Column{
			{Name: "the_geom", Type: Geometry},
			{Name: "_UID", Type: Numeric},
			{Name: "date", Type: Timestamp},
		}
		err := testSchema.Validate(actual)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `column "_UID" has type numeric, want text`)
		assert.Contains(t, err.Error(), `column "Density" missing`)
	})
}

func TestSchemaIndexAndNames(t *testing.T) {
	assert.Equal(t, 2, testSchema.Index("date"))
	assert.Equal(t, -1, testSchema.Index("nope"))
	assert.Equal(t, []string{"the_geom", "_UID", "date", "Density"}, testSchema.Names())
}

func TestTableValidate(t *testing.T) {
	tbl := Table{Name: "hms_smoke", Schema: testSchema, UIDField: "_UID", TimeField: "date"}
	assert.NoError(t, tbl.Validate())

	tbl.TimeField = "when"
	assert.ErrorContains(t, tbl.Validate(), `time field "when"`)

	assert.Error(t, Table{Schema: testSchema}.Validate())
	assert.Error(t, Table{Name: "x"}.Validate())
}

func TestGenUID(t *testing.T) {
	var uids []string
	for i := range 3 {
		uids = append(uids, GenUID("20240101", i))
	}
	assert.Equal(t, []string{"20240101_0", "20240101_1", "20240101_2"}, uids)
	assert.Equal(t, "20240101", DateFromUID("20240101_2"))
	assert.Equal(t, "20240101", DateFromUID("20240101"))
}

package mapsheet_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/nikitaxru/mapsheet"
	"github.com/nikitaxru/mapsheet/feature"
)

func TestWriteWorkbook(t *testing.T) {
	ctx := context.Background()
	store := mapsheet.NewSheetStore(t.TempDir(), nil)

	sh, err := store.Sheet("1", mapsheet.Title)
	require.NoError(t, err)
	require.NoError(t, sh.Update(ctx, "${name} ($layer_name)"))
	sh, err = store.Sheet("1", mapsheet.Detail)
	require.NoError(t, err)
	require.NoError(t, sh.Update(ctx, "$missing"))

	layers := []mapsheet.LayerRows{
		{
			Layer: feature.Layer{ID: "1", Label: "Flüsse/Seen", Keywords: []string{"Wasser"}},
			Features: []feature.Feature{
				{ID: "a", Properties: map[string]any{"name": "Rhein"}},
				{ID: "b", Properties: map[string]any{"name": "Main"}},
			},
		},
		{Layer: feature.Layer{ID: "2", Label: "Flüsse/Seen", Description: "Zweite"}, Features: []feature.Feature{{ID: "c"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, mapsheet.WriteWorkbook(ctx, &buf, store, layers))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Flüsse_Seen", "Flüsse_Seen (2)"}, f.GetSheetList())

	rows, err := f.GetRows("Flüsse_Seen")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"ID", "Title", "Description", "Detail"}, rows[0])
	assert.Equal(t, "a", rows[1][0])
	assert.Equal(t, "Rhein (Flüsse/Seen)", rows[1][1])
	assert.Equal(t, "Wasser", rows[1][2])
	assert.Contains(t, rows[1][3], "missing", "в ячейке сообщение корневой ошибки")
	assert.Equal(t, "Main (Flüsse/Seen)", rows[2][1])

	rows, err = f.GetRows("Flüsse_Seen (2)")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"c", "Flüsse/Seen", "", "Zweite"}, rows[1])
}

func TestWriteWorkbookCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := mapsheet.NewSheetStore(t.TempDir(), nil)
	layers := []mapsheet.LayerRows{{
		Layer:    feature.Layer{ID: "1", Label: "L"},
		Features: []feature.Feature{{ID: "a"}},
	}}

	var buf bytes.Buffer
	err := mapsheet.WriteWorkbook(ctx, &buf, store, layers)
	assert.ErrorIs(t, err, mapsheet.ErrCancelled)
	assert.Zero(t, buf.Len())
}

func TestWriteWorkbookCaseInsensitiveNames(t *testing.T) {
	store := mapsheet.NewSheetStore(t.TempDir(), nil)
	layers := []mapsheet.LayerRows{
		{Layer: feature.Layer{ID: "1", Label: "Wald"}, Features: []feature.Feature{{ID: "a"}}},
		{Layer: feature.Layer{ID: "2", Label: "wald"}, Features: []feature.Feature{{ID: "b"}}},
		{Layer: feature.Layer{ID: "3", Label: "WALD"}, Features: []feature.Feature{{ID: "c"}}},
	}

	var buf bytes.Buffer
	require.NoError(t, mapsheet.WriteWorkbook(context.Background(), &buf, store, layers))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Wald", "wald (2)", "WALD (3)"}, f.GetSheetList())

	for i, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		require.NoError(t, err)
		require.Len(t, rows, 2, name)
		assert.Equal(t, layers[i].Features[0].ID, rows[1][0])
	}
}

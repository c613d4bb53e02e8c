package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/hitushen/snmpdash/internal/models"
)

var catalog = []models.ModelCatalogEntry{
	{ID: 1, BrandID: 1, TypeID: 1, Display: "Cisco C9300"},
	{ID: 2, BrandID: 1, TypeID: 2, Display: "Cisco ISR4331"},
	{ID: 3, BrandID: 1, TypeID: 2, Display: "Cisco ISR4451"},
	{ID: 4, BrandID: 2, TypeID: 1, Display: "Juniper EX4300"},
}

func TestReconcileAutoSelectsSingleCandidate(t *testing.T) {
	sel, filtered := Reconcile(catalog, Selection{}.SelectBrand(1).SelectType(1))
	assert.Len(t, filtered, 1)
	assert.Equal(t, Selection{BrandID: 1, TypeID: 1, ModelID: 1}, sel)
}

func TestReconcileClearsModelOutsideFilter(t *testing.T) {
	sel, filtered := Reconcile(catalog, Selection{BrandID: 1, TypeID: 2, ModelID: 4})
	assert.Len(t, filtered, 2)
	assert.Zero(t, sel.ModelID)

	sel, _ = Reconcile(catalog, Selection{BrandID: 1, TypeID: 2, ModelID: 3})
	assert.Equal(t, int64(3), sel.ModelID)
}

func TestReconcileNoCandidates(t *testing.T) {
	sel, filtered := Reconcile(catalog, Selection{BrandID: 2, TypeID: 2, ModelID: 4})
	assert.Empty(t, filtered)
	assert.Zero(t, sel.ModelID)
}

func TestFilterModelsKeepsCatalogOrder(t *testing.T) {
	assert.Equal(t, catalog, FilterModels(catalog, 0, 0))
	assert.Equal(t, []models.ModelCatalogEntry{catalog[0], catalog[3]}, FilterModels(catalog, 0, 1))
}

func TestModelDisplay(t *testing.T) {
	assert.Equal(t, "Juniper EX4300", ModelDisplay(catalog, 4))
	assert.Empty(t, ModelDisplay(catalog, 99))
}

func genCatalog(t *rapid.T) []models.ModelCatalogEntry {
	pairs := rapid.SliceOfDistinct(
		rapid.Custom(func(t *rapid.T) [2]int64 {
			return [2]int64{rapid.Int64Range(1, 4).Draw(t, "brand"), rapid.Int64Range(1, 4).Draw(t, "type")}
		}),
		func(p [2]int64) [2]int64 { return p },
	).Draw(t, "pairs")

	out := make([]models.ModelCatalogEntry, 0, len(pairs))
	for i, p := range pairs {
		out = append(out, models.ModelCatalogEntry{ID: int64(i + 1), BrandID: p[0], TypeID: p[1]})
	}
	return out
}

func TestReconcileProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cat := genCatalog(t)
		sel := Selection{}.
			SelectBrand(rapid.Int64Range(0, 4).Draw(t, "brand")).
			SelectType(rapid.Int64Range(0, 4).Draw(t, "type")).
			SelectModel(rapid.Int64Range(0, int64(len(cat))+1).Draw(t, "model"))

		got, filtered := Reconcile(cat, sel)
		for _, m := range filtered {
			if sel.BrandID != 0 && m.BrandID != sel.BrandID {
				t.Fatalf("model %d outside brand %d", m.ID, sel.BrandID)
			}
			if sel.TypeID != 0 && m.TypeID != sel.TypeID {
				t.Fatalf("model %d outside type %d", m.ID, sel.TypeID)
			}
		}
		if len(filtered) == 1 && got.ModelID != filtered[0].ID {
			t.Fatalf("single candidate %d not auto-selected, got %d", filtered[0].ID, got.ModelID)
		}
		if got.ModelID != 0 && !containsModel(filtered, got.ModelID) {
			t.Fatalf("selected model %d outside filtered set", got.ModelID)
		}
		if got.BrandID != sel.BrandID || got.TypeID != sel.TypeID {
			t.Fatalf("reconcile changed brand or type")
		}
	})
}

func TestSelectTransitionsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := Selection{
			BrandID: rapid.Int64Range(0, 9).Draw(t, "b"),
			TypeID:  rapid.Int64Range(0, 9).Draw(t, "t"),
			ModelID: rapid.Int64Range(0, 9).Draw(t, "m"),
		}
		id := rapid.Int64Range(1, 9).Draw(t, "id")

		if got := start.SelectBrand(id); got.TypeID != 0 || got.ModelID != 0 || got.BrandID != id {
			t.Fatalf("SelectBrand kept dependent fields: %+v", got)
		}
		if got := start.SelectType(id); got.ModelID != 0 || got.BrandID != start.BrandID || got.TypeID != id {
			t.Fatalf("SelectType wrong result: %+v", got)
		}
	})
}

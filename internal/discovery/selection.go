package discovery

import "github.com/hitushen/snmpdash/internal/models"

// Selection 是品牌、类型、型号三级联选的当前值，0 表示未选择。
type Selection struct {
	BrandID int64
	TypeID  int64
	ModelID int64
}

// FilterModels 按品牌与类型筛选型号，未选择的一级不参与筛选，保持目录原有顺序。
func FilterModels(catalog []models.ModelCatalogEntry, brandID, typeID int64) []models.ModelCatalogEntry {
	out := make([]models.ModelCatalogEntry, 0, len(catalog))
	for _, m := range catalog {
		if brandID != 0 && m.BrandID != brandID {
			continue
		}
		if typeID != 0 && m.TypeID != typeID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Reconcile 根据筛选结果修正型号选择：唯一候选时自动选中，
// 当前型号不在候选中时清空，无候选时清空。
func Reconcile(catalog []models.ModelCatalogEntry, sel Selection) (Selection, []models.ModelCatalogEntry) {
	filtered := FilterModels(catalog, sel.BrandID, sel.TypeID)
	switch {
	case len(filtered) == 1 && filtered[0].ID != 0:
		sel.ModelID = filtered[0].ID
	case len(filtered) == 0:
		sel.ModelID = 0
	case sel.ModelID != 0 && !containsModel(filtered, sel.ModelID):
		sel.ModelID = 0
	}
	return sel, filtered
}

// SelectBrand 切换品牌时同时清空类型与型号。
func (s Selection) SelectBrand(id int64) Selection {
	return Selection{BrandID: id}
}

// SelectType 切换类型时只清空型号。
func (s Selection) SelectType(id int64) Selection {
	return Selection{BrandID: s.BrandID, TypeID: id}
}

// SelectModel 只修改型号。
func (s Selection) SelectModel(id int64) Selection {
	s.ModelID = id
	return s
}

func containsModel(list []models.ModelCatalogEntry, id int64) bool {
	for _, m := range list {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelDisplay 返回型号的展示名，找不到时为空。
func ModelDisplay(catalog []models.ModelCatalogEntry, id int64) string {
	for _, m := range catalog {
		if m.ID == id {
			return m.Display
		}
	}
	return ""
}

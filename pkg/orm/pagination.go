package orm

import "gorm.io/gorm"

const MaxPageSize = 200

// ApplyPagination page 从 1 开始；page/limit 非法时不分页，limit 超过上限时截断
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	if page <= 0 || limit <= 0 {
		return db
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return db.Offset((page - 1) * limit).Limit(limit)
}
